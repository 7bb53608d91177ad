package runner_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/dispatch"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/runner"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
	"github.com/albatrossmedia/ISN-MVP/internal/stage"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

const waitTimeout = 5 * time.Second

type processFunc func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error)

type fakeProcessor struct {
	name  string
	fn    processFunc
	calls atomic.Int32

	mu       sync.Mutex
	attempts []int
}

func (p *fakeProcessor) Name() string { return p.name }

func (p *fakeProcessor) Process(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.attempts = append(p.attempts, in.Attempt)
	p.mu.Unlock()
	return p.fn(ctx, in, progress)
}

func (p *fakeProcessor) seenAttempts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.attempts...)
}

type recordingNotifier struct {
	mu          sync.Mutex
	failed      []string
	deadLetters []string
}

func (n *recordingNotifier) NotifyJobFailed(_ context.Context, jobID, _, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, jobID+"|"+message)
	return nil
}

func (n *recordingNotifier) NotifyDeadLetter(_ context.Context, jobID, _ string, _ int, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadLetters = append(n.deadLetters, jobID)
	return nil
}

func (n *recordingNotifier) NotifyDaemonStarted(context.Context, string) error        { return nil }
func (n *recordingNotifier) NotifyDaemonStopped(context.Context, time.Duration) error { return nil }
func (n *recordingNotifier) TestNotification(context.Context) error                   { return nil }

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failed), len(n.deadLetters)
}

type eventLog struct {
	mu     sync.Mutex
	events []job.Event
}

func (l *eventLog) Publish(e job.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) forJob(id string) []job.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []job.Event
	for _, e := range l.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	cfg        *config.Config
	registry   *registry.Registry
	queue      queue.Store
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	notifier   *recordingNotifier
	events     *eventLog
	fakes      map[string]*fakeProcessor
}

func newEnv(t *testing.T, override map[string]processFunc, opts ...testsupport.ConfigOption) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	db := testsupport.MustOpenDB(t)
	events := &eventLog{}
	reg := testsupport.MustOpenRegistryOn(t, db, registry.WithEventSink(events))
	notifier := &recordingNotifier{}
	store := testsupport.MustOpenQueue(t, db,
		queue.WithRetryPolicy(queue.RetryPolicyFromConfig(cfg)),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout()),
		queue.WithDeadLetterHook(runner.DeadLetterHandler(reg, notifier, nil)),
	)

	stages := stage.NewProcessors(cfg, nil)
	fakes := make(map[string]*fakeProcessor, len(override))
	for name, fn := range override {
		fakes[name] = &fakeProcessor{name: name, fn: fn}
		stages[name] = fakes[name]
	}
	return &env{
		cfg:        cfg,
		registry:   reg,
		queue:      store,
		dispatcher: dispatch.New(cfg, reg, store, nil),
		runner:     runner.New(cfg, reg, store, stages, nil, runner.WithNotifier(notifier)),
		notifier:   notifier,
		events:     events,
		fakes:      fakes,
	}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	if err := e.runner.Start(context.Background()); err != nil {
		t.Fatalf("start runner: %v", err)
	}
	t.Cleanup(e.runner.Stop)
}

func (e *env) submit(t *testing.T, seconds float64) string {
	t.Helper()
	adm, err := e.dispatcher.Submit(context.Background(), testsupport.Request(seconds))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return adm.JobID
}

func (e *env) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := e.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func (e *env) waitStatus(t *testing.T, id string, status job.Status) *job.Job {
	t.Helper()
	testsupport.WaitFor(t, waitTimeout, func() bool {
		return e.get(t, id).Status == status
	}, "job %s never reached %s", id, status)
	return e.get(t, id)
}

func (e *env) waitQueueEmpty(t *testing.T) {
	t.Helper()
	testsupport.WaitFor(t, waitTimeout, func() bool {
		stats, err := e.queue.Stats(context.Background())
		if err != nil {
			return false
		}
		for _, lane := range stats {
			if lane.Ready+lane.Leased+lane.Delayed != 0 {
				return false
			}
		}
		return true
	}, "queue never drained")
}

func succeed(name string) processFunc {
	return func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
		if err := progress(50); err != nil {
			return stage.Output{}, err
		}
		return stage.Output{Artifact: "artifacts/" + in.JobID + "/" + name, Format: "srt", SegmentCount: 3}, nil
	}
}

func TestRunnerCompletesRealtimeJob(t *testing.T) {
	e := newEnv(t, nil)
	e.start(t)

	id := e.submit(t, 60)
	j := e.waitStatus(t, id, job.StatusCompleted)

	if j.Lane != job.LaneRealtime {
		t.Fatalf("expected realtime lane, got %s", j.Lane)
	}
	if j.Progress != 100 || j.Result == nil || j.Error != "" {
		t.Fatalf("unexpected completed snapshot %+v", j)
	}
	if j.Result.SubtitleFormat != "srt" || j.Result.Duration != 60 || j.Result.QualityScore == nil {
		t.Fatalf("unexpected result %+v", j.Result)
	}
	for _, s := range j.Stages {
		if s.Status != job.StageCompleted || s.Progress != 100 {
			t.Fatalf("stage %s not completed: %+v", s.Name, s)
		}
	}
	e.waitQueueEmpty(t)

	var (
		lastProgress float64
		completed    = map[string]bool{}
		order        = e.cfg.Workflow.Stages
	)
	for _, ev := range e.events.forJob(id) {
		switch data := ev.Data.(type) {
		case job.ProgressUpdate:
			if data.Progress < lastProgress {
				t.Fatalf("overall progress regressed from %v to %v", lastProgress, data.Progress)
			}
			lastProgress = data.Progress
		case job.StageUpdate:
			if data.Status == job.StageRunning {
				for _, earlier := range order {
					if earlier == data.Stage {
						break
					}
					if !completed[earlier] {
						t.Fatalf("stage %s started before %s completed", data.Stage, earlier)
					}
				}
			}
			if data.Status == job.StageCompleted {
				completed[data.Stage] = true
			}
		}
	}
}

func TestRunnerStageFailureFailsJob(t *testing.T) {
	e := newEnv(t, map[string]processFunc{
		"mt": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			_ = progress(40)
			return stage.Output{}, errors.New("decode error")
		},
	})
	e.start(t)

	id := e.submit(t, 300)
	j := e.waitStatus(t, id, job.StatusFailed)

	if j.Error != "mt: decode error" {
		t.Fatalf("unexpected job error %q", j.Error)
	}
	if j.Result != nil {
		t.Fatalf("failed job must not carry a result: %+v", j.Result)
	}
	want := []job.StageStatus{job.StageCompleted, job.StageFailed, job.StagePending, job.StagePending, job.StagePending}
	for i, s := range j.Stages {
		if s.Status != want[i] {
			t.Fatalf("stage %s: expected %s, got %s", s.Name, want[i], s.Status)
		}
	}
	if j.Stages[1].Error != "decode error" {
		t.Fatalf("unexpected stage error %q", j.Stages[1].Error)
	}
	e.waitQueueEmpty(t)
	testsupport.WaitFor(t, waitTimeout, func() bool {
		failed, _ := e.notifier.counts()
		return failed == 1
	}, "failure notification not sent")
	if calls := e.fakes["mt"].calls.Load(); calls != 1 {
		t.Fatalf("stage failures must not be retried, mt ran %d times", calls)
	}
}

func TestRunnerRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(1)
	e := newEnv(t, map[string]processFunc{
		"asr": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			if failures.Add(-1) >= 0 {
				return stage.Output{}, services.Wrap(services.ErrTransient, "stage", "asr", "gpu busy", nil)
			}
			return succeed("asr")(ctx, in, progress)
		},
	})
	e.start(t)

	id := e.submit(t, 60)
	e.waitStatus(t, id, job.StatusCompleted)

	if got := e.fakes["asr"].seenAttempts(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected asr attempts [1 2], got %v", got)
	}
	failed, dead := e.notifier.counts()
	if failed != 0 || dead != 0 {
		t.Fatalf("unexpected notifications failed=%d dead=%d", failed, dead)
	}
}

func TestRunnerDeadLettersExhaustedJob(t *testing.T) {
	e := newEnv(t, map[string]processFunc{
		"asr": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			return stage.Output{}, services.Wrap(services.ErrTransient, "stage", "asr", "gpu busy", nil)
		},
	}, testsupport.WithMaxAttempts(2))
	e.start(t)

	id := e.submit(t, 60)
	j := e.waitStatus(t, id, job.StatusFailed)
	if !strings.Contains(j.Error, "retries exhausted") || !strings.Contains(j.Error, "gpu busy") {
		t.Fatalf("unexpected error %q", j.Error)
	}
	if j.Stages[0].Status != job.StageFailed {
		t.Fatalf("expected asr to carry the failure, got %+v", j.Stages[0])
	}

	letters, err := e.queue.DeadLetters(context.Background(), job.LaneRealtime, 0)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Descriptor.JobID != id || letters[0].Attempts != 2 {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
	_, dead := e.notifier.counts()
	if dead != 1 {
		t.Fatalf("expected one dead letter notification, got %d", dead)
	}
}

func TestRunnerStopsCancelledJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mtCalls atomic.Int32
	e := newEnv(t, map[string]processFunc{
		"asr": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return stage.Output{}, ctx.Err()
			}
			if err := progress(90); err != nil {
				return stage.Output{}, err
			}
			return stage.Output{}, nil
		},
		"mt": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			mtCalls.Add(1)
			return stage.Output{}, nil
		},
	})
	e.start(t)

	id := e.submit(t, 60)
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("asr never started")
	}
	if _, changed, err := e.registry.Cancel(context.Background(), id); err != nil || !changed {
		t.Fatalf("cancel: changed=%v err=%v", changed, err)
	}
	close(release)

	e.waitQueueEmpty(t)
	j := e.get(t, id)
	if j.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", j.Status)
	}
	if mtCalls.Load() != 0 {
		t.Fatal("mt must not run after cancellation")
	}
}

func TestRunnerResumesFromFirstIncompleteStage(t *testing.T) {
	var asrCalls atomic.Int32
	e := newEnv(t, map[string]processFunc{
		"asr": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			asrCalls.Add(1)
			return stage.Output{}, nil
		},
	})
	ctx := context.Background()
	id := e.submit(t, 60)

	// A previous worker finished asr, started mt, then went away.
	d, err := e.queue.Claim(ctx, job.LaneRealtime, "ghost")
	if err != nil || d == nil {
		t.Fatalf("claim: %v %v", d, err)
	}
	if _, err := e.registry.Claim(ctx, id, "ghost", d.Attempt); err != nil {
		t.Fatalf("registry claim: %v", err)
	}
	for _, patch := range []struct {
		stage  string
		status job.StageStatus
	}{{"asr", job.StageRunning}, {"asr", job.StageCompleted}, {"mt", job.StageRunning}} {
		if _, err := e.registry.UpdateStage(ctx, id, patch.stage, registry.StageStatusPatch(patch.status)); err != nil {
			t.Fatalf("update %s: %v", patch.stage, err)
		}
	}
	if err := e.queue.Release(ctx, d); err != nil {
		t.Fatalf("release: %v", err)
	}

	e.start(t)
	j := e.waitStatus(t, id, job.StatusCompleted)
	if asrCalls.Load() != 0 {
		t.Fatal("completed stage asr was re-run")
	}
	if j.Attempt != 2 || j.Owner == "ghost" {
		t.Fatalf("expected takeover under attempt 2, got attempt %d owner %s", j.Attempt, j.Owner)
	}
}

func TestRunnerLanesAreIsolated(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, map[string]processFunc{
		"asr": func(ctx context.Context, in stage.Input, progress stage.ProgressFunc) (stage.Output, error) {
			if in.Request.Duration() > 900 {
				select {
				case <-release:
				case <-ctx.Done():
					return stage.Output{}, ctx.Err()
				}
			}
			return succeed("asr")(ctx, in, progress)
		},
	})
	e.start(t)

	bulk := e.submit(t, 1800)
	testsupport.WaitFor(t, waitTimeout, func() bool {
		return e.get(t, bulk).Status == job.StatusRunning
	}, "bulk job never started")

	realtime := e.submit(t, 60)
	e.waitStatus(t, realtime, job.StatusCompleted)
	if got := e.get(t, bulk); got.Status != job.StatusRunning || got.Lane != job.LaneBulk {
		t.Fatalf("bulk job should still be running on bulk lane, got %s on %s", got.Status, got.Lane)
	}

	close(release)
	e.waitStatus(t, bulk, job.StatusCompleted)
}

func TestRunnerStatus(t *testing.T) {
	e := newEnv(t, nil)
	if got := e.runner.Status(context.Background()); got.Running {
		t.Fatal("runner should not report running before Start")
	}
	e.start(t)
	if err := e.runner.Start(context.Background()); err == nil {
		t.Fatal("expected error on second Start")
	}

	status := e.runner.Status(context.Background())
	if !status.Running {
		t.Fatal("expected running")
	}
	want := e.cfg.Workflow.RealtimeWorkers + e.cfg.Workflow.StandardWorkers + e.cfg.Workflow.BulkWorkers
	if len(status.Workers) != want {
		t.Fatalf("expected %d workers, got %d", want, len(status.Workers))
	}
	if len(status.StageHealth) != len(e.cfg.Workflow.Stages) {
		t.Fatalf("unexpected stage health %+v", status.StageHealth)
	}
	if len(status.Lanes) != len(job.Lanes()) {
		t.Fatalf("unexpected lane stats %+v", status.Lanes)
	}

	e.runner.Stop()
	if e.runner.Status(context.Background()).Running {
		t.Fatal("expected stopped")
	}
}

func TestRunnerRequiresProcessors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t)
	reg := testsupport.MustOpenRegistryOn(t, db)
	store := testsupport.MustOpenQueue(t, db)
	r := runner.New(cfg, reg, store, stage.Set{}, nil)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error without processors")
	}
}
