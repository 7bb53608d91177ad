package queue_test

import (
	"context"
	"testing"

	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/testsupport"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t)

	store, err := queue.Open(ctx, cfg, db)
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	if _, ok := store.(*queue.SQLiteStore); !ok {
		t.Fatalf("expected *queue.SQLiteStore, got %T", store)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	cfg.Queue.Backend = "kafka"
	if _, err := queue.Open(ctx, cfg, db); err == nil {
		t.Fatal("expected unsupported backend error")
	}

	cfg.Queue.Backend = "redis"
	cfg.Queue.RedisAddr = ""
	if _, err := queue.Open(ctx, cfg, db); err == nil {
		t.Fatal("expected error for redis without address")
	}
}
