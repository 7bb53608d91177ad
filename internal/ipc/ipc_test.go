package ipc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/api"
	"github.com/albatrossmedia/ISN-MVP/internal/dispatch"
	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/realtime"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

func startAPI(t *testing.T, token string) (*ipc.Client, *registry.Registry, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken(token))
	hub := realtime.NewHub(16, nil)
	t.Cleanup(hub.Close)
	db := testsupport.MustOpenDB(t)
	reg := testsupport.MustOpenRegistryOn(t, db, registry.WithEventSink(hub))
	store := testsupport.MustOpenQueue(t, db)

	srv := httptest.NewServer(api.NewRouter(api.Dependencies{
		Dispatcher: dispatch.New(cfg, reg, store, nil),
		Jobs:       reg,
		Queue:      store,
		Realtime:   realtime.NewHandler(hub, reg, realtime.HandlerOptions{PingInterval: time.Second}),
		Status: func(context.Context) api.DaemonStatus {
			return api.DaemonStatus{Running: true, QueueBackend: "sqlite"}
		},
	}, api.Options{Token: cfg.API.Token, QueueBackend: "sqlite"}))
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(srv.URL, token)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, reg, srv.URL
}

func TestClientRoundTrip(t *testing.T) {
	client, _, _ := startAPI(t, "tok")
	ctx := context.Background()

	adm, err := client.Submit(ctx, testsupport.Request(300))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if adm.Lane != job.LaneStandard || adm.Status != job.StatusQueued {
		t.Fatalf("unexpected admission %+v", adm)
	}

	snap, err := client.Job(ctx, adm.JobID)
	if err != nil || snap.ID != adm.JobID {
		t.Fatalf("Job: %+v %v", snap, err)
	}

	jobs, err := client.Jobs(ctx, ipc.ListOptions{Statuses: []string{"queued"}, Lane: "standard", Limit: 10})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Jobs: %d %v", len(jobs), err)
	}

	cancelled, err := client.Cancel(ctx, adm.JobID)
	if err != nil || !cancelled.Accepted || cancelled.Status != job.StatusCancelled {
		t.Fatalf("Cancel: %+v %v", cancelled, err)
	}

	status, err := client.Status(ctx)
	if err != nil || !status.Running {
		t.Fatalf("Status: %+v %v", status, err)
	}
	stats, err := client.QueueStats(ctx)
	if err != nil || len(stats.Lanes) != 3 {
		t.Fatalf("QueueStats: %+v %v", stats, err)
	}
	letters, err := client.DeadLetters(ctx, "", 0)
	if err != nil || len(letters) != 0 {
		t.Fatalf("DeadLetters: %+v %v", letters, err)
	}
	health, err := client.Health(ctx)
	if err != nil || health.Status != "ok" {
		t.Fatalf("Health: %+v %v", health, err)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	client, _, _ := startAPI(t, "")

	_, err := client.Job(context.Background(), "JOB-missing")
	if !ipc.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *ipc.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "ERR_NOT_FOUND" || apiErr.TraceID == "" {
		t.Fatalf("unexpected error %#v", err)
	}

	if _, err := client.Replay(context.Background(), "dl-missing"); !ipc.IsNotFound(err) {
		t.Fatalf("expected not found replay, got %v", err)
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	_, _, url := startAPI(t, "right")
	bad, err := ipc.Dial(url, "wrong")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var apiErr *ipc.APIError
	if _, err := bad.Status(context.Background()); !errors.As(err, &apiErr) || apiErr.Code != "ERR_UNAUTHORIZED" {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	client, reg, _ := startAPI(t, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	adm, err := client.Submit(ctx, testsupport.Request(60))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var events []string
	err = client.Watch(ctx, adm.JobID, func(frame ipc.Frame) (bool, error) {
		events = append(events, frame.Event)
		switch frame.Event {
		case realtime.EventSnapshot:
			if _, _, err := reg.Cancel(ctx, adm.JobID); err != nil {
				return false, err
			}
		case string(job.EventJobUpdate):
			var update job.StatusUpdate
			if err := json.Unmarshal(frame.Data, &update); err != nil {
				return false, err
			}
			return update.Status.IsTerminal(), nil
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("Watch: %v (events %v)", err, events)
	}
	if events[len(events)-1] != string(job.EventJobUpdate) {
		t.Fatalf("unexpected event sequence %v", events)
	}
}

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	if _, err := ipc.Dial("unix:///tmp/isn.sock", ""); err == nil {
		t.Fatal("expected scheme error")
	}
}
