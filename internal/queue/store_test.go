package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

func newFakeClock() *testsupport.Clock {
	return testsupport.NewClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
}

type storeFactory func(t *testing.T, opts ...queue.Option) queue.Store

func descriptor(id string, lane job.Lane) queue.Descriptor {
	return queue.Descriptor{
		JobID:    id,
		TenantID: "tenant-a",
		Lane:     lane,
		Request:  testsupport.Request(60),
	}
}

func testPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
}

func mustEnqueue(t *testing.T, store queue.Store, d queue.Descriptor) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), d)
	if err != nil {
		t.Fatalf("Enqueue %s: %v", d.JobID, err)
	}
	return id
}

func mustClaim(t *testing.T, store queue.Store, lane job.Lane, consumer string) *queue.Delivery {
	t.Helper()
	d, err := store.Claim(context.Background(), lane, consumer)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if d == nil {
		t.Fatalf("expected a delivery on %s", lane)
	}
	return d
}

func runStoreSuite(t *testing.T, open storeFactory) {
	t.Run("fifo per lane with priority", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustEnqueue(t, store, descriptor("JOB-1", job.LaneStandard))
		mustEnqueue(t, store, descriptor("JOB-2", job.LaneStandard))
		urgent := descriptor("JOB-3", job.LaneStandard)
		urgent.Priority = 1
		mustEnqueue(t, store, urgent)
		mustEnqueue(t, store, descriptor("JOB-4", job.LaneBulk))

		want := []string{"JOB-3", "JOB-1", "JOB-2"}
		for _, id := range want {
			d := mustClaim(t, store, job.LaneStandard, "w1")
			if d.Descriptor.JobID != id {
				t.Fatalf("expected %s, got %s", id, d.Descriptor.JobID)
			}
			if d.Attempt != 1 || d.Descriptor.Request.Input.SourceLanguage != "en" {
				t.Fatalf("unexpected delivery %+v", d)
			}
		}
		if d, err := store.Claim(ctx, job.LaneStandard, "w1"); err != nil || d != nil {
			t.Fatalf("expected empty lane, got %+v, %v", d, err)
		}
		if d := mustClaim(t, store, job.LaneBulk, "w2"); d.Descriptor.JobID != "JOB-4" {
			t.Fatalf("lanes leaked: %+v", d)
		}
	})

	t.Run("ack removes delivery once", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		mustEnqueue(t, store, descriptor("JOB-1", job.LaneRealtime))
		d := mustClaim(t, store, job.LaneRealtime, "w1")
		if err := store.Ack(ctx, d); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if err := store.Ack(ctx, d); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("expected lease lost on second ack, got %v", err)
		}
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		for _, lane := range stats {
			if lane.Ready+lane.Leased+lane.Delayed+lane.Dead != 0 {
				t.Fatalf("expected empty queue, got %+v", stats)
			}
		}
	})

	t.Run("nack backs off then dead-letters", func(t *testing.T) {
		clock := newFakeClock()
		var (
			mu   sync.Mutex
			dead []queue.DeadLetter
		)
		store := open(t,
			queue.WithClock(clock.Now),
			queue.WithRetryPolicy(testPolicy()),
			queue.WithDeadLetterHook(func(_ context.Context, dl queue.DeadLetter) {
				mu.Lock()
				dead = append(dead, dl)
				mu.Unlock()
			}),
		)
		ctx := context.Background()
		mustEnqueue(t, store, descriptor("JOB-1", job.LaneStandard))

		d := mustClaim(t, store, job.LaneStandard, "w1")
		res, err := store.Nack(ctx, d, "asr backend unavailable")
		if err != nil {
			t.Fatalf("Nack: %v", err)
		}
		if res.Outcome != queue.OutcomeRetry || res.Delay != time.Second {
			t.Fatalf("unexpected first nack %+v", res)
		}
		if got, _ := store.Claim(ctx, job.LaneStandard, "w1"); got != nil {
			t.Fatalf("delivery visible before backoff elapsed: %+v", got)
		}
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if standard := laneStats(stats, job.LaneStandard); standard.Delayed != 1 {
			t.Fatalf("expected one delayed delivery, got %+v", standard)
		}

		clock.Advance(time.Second)
		d = mustClaim(t, store, job.LaneStandard, "w1")
		if d.Attempt != 2 {
			t.Fatalf("expected attempt 2, got %d", d.Attempt)
		}
		res, err = store.Nack(ctx, d, "asr backend unavailable")
		if err != nil || res.Delay != 2*time.Second {
			t.Fatalf("unexpected second nack %+v, %v", res, err)
		}

		clock.Advance(2 * time.Second)
		d = mustClaim(t, store, job.LaneStandard, "w1")
		res, err = store.Nack(ctx, d, "asr backend unavailable")
		if err != nil || res.Outcome != queue.OutcomeDead || res.Attempt != 3 {
			t.Fatalf("expected dead letter on third failure, got %+v, %v", res, err)
		}

		mu.Lock()
		if len(dead) != 1 || dead[0].Descriptor.JobID != "JOB-1" || dead[0].LastError != "asr backend unavailable" {
			t.Fatalf("unexpected dead-letter hook calls %+v", dead)
		}
		mu.Unlock()

		letters, err := store.DeadLetters(ctx, "", 10)
		if err != nil || len(letters) != 1 || letters[0].Attempts != 3 {
			t.Fatalf("DeadLetters = %+v, %v", letters, err)
		}
		if other, err := store.DeadLetters(ctx, job.LaneBulk, 10); err != nil || len(other) != 0 {
			t.Fatalf("lane filter leaked dead letters: %+v, %v", other, err)
		}

		peeked, err := store.DeadLetter(ctx, letters[0].ID)
		if err != nil || peeked.Descriptor.JobID != "JOB-1" || peeked.Attempts != 3 {
			t.Fatalf("DeadLetter = %+v, %v", peeked, err)
		}
		if again, err := store.DeadLetters(ctx, "", 10); err != nil || len(again) != 1 {
			t.Fatalf("peeking should leave the dead letter in place: %+v, %v", again, err)
		}
		live := mustEnqueue(t, store, descriptor("JOB-2", job.LaneStandard))
		if _, err := store.DeadLetter(ctx, live); !errors.Is(err, queue.ErrDeadLetterNotFound) {
			t.Fatalf("ready delivery reported as dead letter: %v", err)
		}

		taken, err := store.TakeDeadLetter(ctx, letters[0].ID)
		if err != nil || taken.Descriptor.JobID != "JOB-1" {
			t.Fatalf("TakeDeadLetter = %+v, %v", taken, err)
		}
		if _, err := store.TakeDeadLetter(ctx, letters[0].ID); !errors.Is(err, queue.ErrDeadLetterNotFound) {
			t.Fatalf("expected not found on second take, got %v", err)
		}
		if _, err := store.DeadLetter(ctx, letters[0].ID); !errors.Is(err, queue.ErrDeadLetterNotFound) {
			t.Fatalf("expected not found after take, got %v", err)
		}
	})

	t.Run("expired lease is redelivered", func(t *testing.T) {
		clock := newFakeClock()
		store := open(t,
			queue.WithClock(clock.Now),
			queue.WithRetryPolicy(testPolicy()),
			queue.WithVisibilityTimeout(30*time.Second),
		)
		ctx := context.Background()
		mustEnqueue(t, store, descriptor("JOB-1", job.LaneRealtime))

		first := mustClaim(t, store, job.LaneRealtime, "w1")
		clock.Advance(20 * time.Second)
		if err := store.Extend(ctx, first); err != nil {
			t.Fatalf("Extend: %v", err)
		}
		clock.Advance(20 * time.Second)
		if got, _ := store.Claim(ctx, job.LaneRealtime, "w2"); got != nil {
			t.Fatalf("extended lease was stolen: %+v", got)
		}

		clock.Advance(31 * time.Second)
		second := mustClaim(t, store, job.LaneRealtime, "w2")
		if second.Descriptor.JobID != "JOB-1" || second.Attempt != 2 {
			t.Fatalf("unexpected redelivery %+v", second)
		}
		if err := store.Ack(ctx, first); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("stale consumer ack should fail, got %v", err)
		}
		if err := store.Extend(ctx, first); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("stale consumer extend should fail, got %v", err)
		}
		if err := store.Ack(ctx, second); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("release returns delivery without backoff", func(t *testing.T) {
		clock := newFakeClock()
		policy := testPolicy()
		policy.MaxAttempts = 1
		store := open(t, queue.WithClock(clock.Now), queue.WithRetryPolicy(policy))
		ctx := context.Background()
		mustEnqueue(t, store, descriptor("JOB-1", job.LaneBulk))

		first := mustClaim(t, store, job.LaneBulk, "w1")
		if err := store.Release(ctx, first); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if err := store.Release(ctx, first); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("expected lease lost on second release, got %v", err)
		}
		second := mustClaim(t, store, job.LaneBulk, "w2")
		if second.Attempt != 2 {
			t.Fatalf("expected attempt 2 after release, got %d", second.Attempt)
		}
		letters, err := store.DeadLetters(ctx, "", 0)
		if err != nil {
			t.Fatalf("DeadLetters: %v", err)
		}
		if len(letters) != 0 {
			t.Fatalf("release must not dead-letter, got %+v", letters)
		}
	})

	t.Run("expired lease on last attempt is dead-lettered", func(t *testing.T) {
		clock := newFakeClock()
		policy := testPolicy()
		policy.MaxAttempts = 1
		hooked := make(chan queue.DeadLetter, 1)
		store := open(t,
			queue.WithClock(clock.Now),
			queue.WithRetryPolicy(policy),
			queue.WithVisibilityTimeout(10*time.Second),
			queue.WithDeadLetterHook(func(_ context.Context, dl queue.DeadLetter) { hooked <- dl }),
		)
		mustEnqueue(t, store, descriptor("JOB-1", job.LaneBulk))
		mustClaim(t, store, job.LaneBulk, "w1")
		clock.Advance(11 * time.Second)

		if got, err := store.Claim(context.Background(), job.LaneBulk, "w2"); err != nil || got != nil {
			t.Fatalf("expected no delivery, got %+v, %v", got, err)
		}
		select {
		case dl := <-hooked:
			if dl.Descriptor.JobID != "JOB-1" || dl.Attempts != 1 {
				t.Fatalf("unexpected dead letter %+v", dl)
			}
		default:
			t.Fatal("dead-letter hook not called")
		}
	})

	t.Run("concurrent claims deliver once", func(t *testing.T) {
		store := open(t)
		for i := 0; i < 5; i++ {
			mustEnqueue(t, store, descriptor("JOB-"+string(rune('a'+i)), job.LaneStandard))
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					d, err := store.Claim(context.Background(), job.LaneStandard, "worker")
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if d == nil {
						return
					}
					mu.Lock()
					seen[d.Descriptor.JobID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(seen) != 5 {
			t.Fatalf("expected 5 distinct deliveries, got %v", seen)
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("%s delivered %d times", id, n)
			}
		}
	})

	t.Run("rejects unknown lane", func(t *testing.T) {
		store := open(t)
		if _, err := store.Enqueue(context.Background(), descriptor("JOB-1", job.Lane("express"))); err == nil {
			t.Fatal("expected unknown lane error")
		}
		if err := store.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func laneStats(stats []queue.LaneStats, lane job.Lane) queue.LaneStats {
	for _, s := range stats {
		if s.Lane == lane {
			return s
		}
	}
	return queue.LaneStats{}
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, opts ...queue.Option) queue.Store {
		return testsupport.MustOpenQueue(t, testsupport.MustOpenDB(t), opts...)
	})
}
