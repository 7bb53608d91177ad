package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/dispatch"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

type flakyQueue struct {
	queue.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (q *flakyQueue) Enqueue(ctx context.Context, d queue.Descriptor) (string, error) {
	q.calls.Add(1)
	if q.failures.Load() != 0 {
		q.failures.Add(-1)
		return "", errors.New("broker unavailable")
	}
	return q.Store.Enqueue(ctx, d)
}

type env struct {
	cfg      *config.Config
	registry *registry.Registry
	queue    *queue.SQLiteStore
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) env {
	t.Helper()
	db := testsupport.MustOpenDB(t)
	cfg := testsupport.NewConfig(t, opts...)
	return env{
		cfg:      cfg,
		registry: testsupport.MustOpenRegistryOn(t, db),
		queue:    testsupport.MustOpenQueue(t, db, queue.WithRetryPolicy(queue.RetryPolicyFromConfig(cfg))),
	}
}

func TestSubmitRoutesAndRecordsBeforeReturning(t *testing.T) {
	e := newEnv(t)
	d := dispatch.New(e.cfg, e.registry, e.queue, nil)
	ctx := context.Background()

	adm, err := d.Submit(ctx, testsupport.Request(60))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(adm.JobID, "JOB-") || len(adm.JobID) != len("JOB-")+36 {
		t.Fatalf("unexpected job id %q", adm.JobID)
	}
	if adm.Status != job.StatusQueued || adm.Lane != job.LaneRealtime || adm.EnqueueTime.IsZero() {
		t.Fatalf("unexpected admission %+v", adm)
	}

	got, err := e.registry.Get(ctx, adm.JobID)
	if err != nil {
		t.Fatalf("registry row missing after Submit: %v", err)
	}
	if got.Status != job.StatusQueued || got.Lane != job.LaneRealtime || got.TenantID != "tenant-a" {
		t.Fatalf("unexpected registry row %+v", got)
	}
	if len(got.Stages) != len(config.DefaultStages) {
		t.Fatalf("expected default stages, got %+v", got.Stages)
	}

	delivery, err := e.queue.Claim(ctx, job.LaneRealtime, "test")
	if err != nil || delivery == nil {
		t.Fatalf("expected descriptor on realtime lane, got %+v, %v", delivery, err)
	}
	if delivery.Descriptor.JobID != adm.JobID || delivery.Descriptor.Request.Duration() != 60 {
		t.Fatalf("unexpected descriptor %+v", delivery.Descriptor)
	}
}

func TestSubmitBulkScenario(t *testing.T) {
	e := newEnv(t)
	d := dispatch.New(e.cfg, e.registry, e.queue, nil)
	adm, err := d.Submit(context.Background(), testsupport.Request(1800))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if adm.Lane != job.LaneBulk {
		t.Fatalf("expected bulk lane, got %s", adm.Lane)
	}
}

func TestSubmitExplicitLatencyClassGetsPriority(t *testing.T) {
	e := newEnv(t)
	d := dispatch.New(e.cfg, e.registry, e.queue, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, testsupport.Request(300))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pinned := testsupport.Request(3000)
	pinned.LatencyClass = "standard"
	second, err := d.Submit(ctx, pinned)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Lane != job.LaneStandard || second.Lane != job.LaneStandard {
		t.Fatalf("expected both on standard, got %s and %s", first.Lane, second.Lane)
	}
	delivery, err := e.queue.Claim(ctx, job.LaneStandard, "test")
	if err != nil || delivery.Descriptor.JobID != second.JobID {
		t.Fatalf("expected pinned job first, got %+v, %v", delivery, err)
	}
}

func TestSubmitValidationFailureCreatesNothing(t *testing.T) {
	e := newEnv(t)
	d := dispatch.New(e.cfg, e.registry, e.queue, nil)
	req := testsupport.Request(60)
	req.Input.SourceLanguage = ""

	_, err := d.Submit(context.Background(), req)
	if !errors.Is(err, services.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	jobs, err := e.registry.List(context.Background(), registry.Filter{})
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected no registry rows, got %d, %v", len(jobs), err)
	}
}

func TestSubmitRetriesTransientEnqueueFailures(t *testing.T) {
	e := newEnv(t)
	q := &flakyQueue{Store: e.queue}
	q.failures.Store(2)
	d := dispatch.New(e.cfg, e.registry, q, nil)

	adm, err := d.Submit(context.Background(), testsupport.Request(60))
	if err != nil {
		t.Fatalf("Submit should succeed on third attempt: %v", err)
	}
	if q.calls.Load() != 3 {
		t.Fatalf("expected 3 enqueue calls, got %d", q.calls.Load())
	}
	got, err := e.registry.Get(context.Background(), adm.JobID)
	if err != nil || got.Status != job.StatusQueued {
		t.Fatalf("expected queued job, got %+v, %v", got, err)
	}
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	e := newEnv(t)
	q := &flakyQueue{Store: e.queue}
	q.failures.Store(100)
	d := dispatch.New(e.cfg, e.registry, q, nil, dispatch.WithIDGenerator(func() string { return "JOB-fixed" }))

	_, err := d.Submit(context.Background(), testsupport.Request(60))
	if !errors.Is(err, services.ErrEnqueueFailure) {
		t.Fatalf("expected enqueue failure, got %v", err)
	}
	if services.Code(err) != services.CodeEnqueue {
		t.Fatalf("unexpected code %s", services.Code(err))
	}
	got, err := e.registry.Get(context.Background(), "JOB-fixed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusFailed || !strings.HasPrefix(got.Error, "enqueue failed:") {
		t.Fatalf("expected failed job with enqueue error, got %s %q", got.Status, got.Error)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Queue.MaxAttempts = 1
		cfg.Queue.BreakerFailures = 2
		cfg.Queue.BreakerCooldown = 60
	})
	q := &flakyQueue{Store: e.queue}
	q.failures.Store(100)
	d := dispatch.New(e.cfg, e.registry, q, nil)

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(context.Background(), testsupport.Request(60)); !errors.Is(err, services.ErrEnqueueFailure) {
			t.Fatalf("submit %d: expected enqueue failure, got %v", i, err)
		}
	}
	if calls := q.calls.Load(); calls != 2 {
		t.Fatalf("open breaker should short-circuit the third enqueue, got %d calls", calls)
	}
}

func TestReplayAdmitsNewJob(t *testing.T) {
	e := newEnv(t)
	d := dispatch.New(e.cfg, e.registry, e.queue, nil)
	ctx := context.Background()

	if _, err := d.Replay(ctx, "dlv_missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	orig, err := d.Submit(ctx, testsupport.Request(1800))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for attempt := 0; attempt < e.cfg.Queue.MaxAttempts; attempt++ {
		testsupport.WaitFor(t, 2*time.Second, func() bool {
			delivery, err := e.queue.Claim(ctx, job.LaneBulk, "test")
			if err != nil || delivery == nil {
				return false
			}
			_, err = e.queue.Nack(ctx, delivery, "stage backend down")
			return err == nil
		}, "redeliver %s", orig.JobID)
	}
	letters, err := e.queue.DeadLetters(ctx, job.LaneBulk, 0)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %+v, %v", letters, err)
	}

	replayed, err := d.Replay(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.JobID == orig.JobID || replayed.ReplayOf != orig.JobID || replayed.Lane != job.LaneBulk {
		t.Fatalf("unexpected replay admission %+v", replayed)
	}
	got, err := e.registry.Get(ctx, replayed.JobID)
	if err != nil || got.ReplayOf != orig.JobID || got.Status != job.StatusQueued {
		t.Fatalf("unexpected replay row %+v, %v", got, err)
	}
	if letters, _ := e.queue.DeadLetters(ctx, "", 0); len(letters) != 0 {
		t.Fatalf("dead letter should be consumed, got %+v", letters)
	}
}

type unavailableRegistry struct {
	dispatch.Registry
	down atomic.Bool
}

func (r *unavailableRegistry) Create(ctx context.Context, j *job.Job) error {
	if r.down.Load() {
		return errors.New("registry database locked")
	}
	return r.Registry.Create(ctx, j)
}

func TestReplayKeepsDeadLetterWhenAdmissionFails(t *testing.T) {
	e := newEnv(t, testsupport.WithMaxAttempts(1))
	reg := &unavailableRegistry{Registry: e.registry}
	d := dispatch.New(e.cfg, reg, e.queue, nil)
	ctx := context.Background()

	orig, err := d.Submit(ctx, testsupport.Request(1800))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testsupport.WaitFor(t, 2*time.Second, func() bool {
		delivery, err := e.queue.Claim(ctx, job.LaneBulk, "test")
		if err != nil || delivery == nil {
			return false
		}
		_, err = e.queue.Nack(ctx, delivery, "stage backend down")
		return err == nil
	}, "dead-letter %s", orig.JobID)
	letters, err := e.queue.DeadLetters(ctx, job.LaneBulk, 0)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %+v, %v", letters, err)
	}

	reg.down.Store(true)
	if _, err := d.Replay(ctx, letters[0].ID); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, err := e.queue.DeadLetter(ctx, letters[0].ID); err != nil {
		t.Fatalf("dead letter lost after failed replay: %v", err)
	}

	reg.down.Store(false)
	replayed, err := d.Replay(ctx, letters[0].ID)
	if err != nil {
		t.Fatalf("Replay after recovery: %v", err)
	}
	if replayed.ReplayOf != orig.JobID {
		t.Fatalf("unexpected replay admission %+v", replayed)
	}
	if _, err := e.queue.DeadLetter(ctx, letters[0].ID); !errors.Is(err, queue.ErrDeadLetterNotFound) {
		t.Fatalf("dead letter should be consumed after replay, got %v", err)
	}
}

func TestReplayKeepsDeadLetterWhenEnqueueFails(t *testing.T) {
	e := newEnv(t, testsupport.WithMaxAttempts(1))
	q := &flakyQueue{Store: e.queue}
	d := dispatch.New(e.cfg, e.registry, q, nil)
	ctx := context.Background()

	orig, err := d.Submit(ctx, testsupport.Request(1800))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testsupport.WaitFor(t, 2*time.Second, func() bool {
		delivery, err := e.queue.Claim(ctx, job.LaneBulk, "test")
		if err != nil || delivery == nil {
			return false
		}
		_, err = e.queue.Nack(ctx, delivery, "stage backend down")
		return err == nil
	}, "dead-letter %s", orig.JobID)
	letters, err := e.queue.DeadLetters(ctx, job.LaneBulk, 0)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %+v, %v", letters, err)
	}

	q.failures.Store(100)
	if _, err := d.Replay(ctx, letters[0].ID); !errors.Is(err, services.ErrEnqueueFailure) {
		t.Fatalf("expected enqueue failure, got %v", err)
	}
	if _, err := e.queue.DeadLetter(ctx, letters[0].ID); err != nil {
		t.Fatalf("dead letter lost after failed enqueue: %v", err)
	}
}
