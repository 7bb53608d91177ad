package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
)

// Open builds the backend selected by [queue] backend. The SQLite backend
// shares db with the registry; the Redis backend dials the configured broker.
// Retry policy and visibility timeout come from cfg and precede opts.
func Open(ctx context.Context, cfg *config.Config, db *sql.DB, opts ...Option) (Store, error) {
	base := []Option{
		WithRetryPolicy(RetryPolicyFromConfig(cfg)),
		WithVisibilityTimeout(cfg.VisibilityTimeout()),
	}
	opts = append(base, opts...)

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Backend)) {
	case "", "sqlite":
		store, err := NewSQLiteStore(ctx, db, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := OpenRedis(ctx, RedisConfig{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("queue: unsupported backend %q", cfg.Queue.Backend)
	}
}
