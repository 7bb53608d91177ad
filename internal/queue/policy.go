package queue

import (
	"math"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
)

// RetryPolicy bounds redelivery of a failed descriptor.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults: three attempts with
// a two second exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	cfg := config.Default()
	return RetryPolicyFromConfig(&cfg)
}

// RetryPolicyFromConfig builds the policy from the queue section.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	if cfg == nil {
		return DefaultRetryPolicy()
	}
	return RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		Multiplier:  cfg.Queue.BackoffMultiplier,
		MaxDelay:    cfg.RetryMaxDelay(),
	}.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Exhausted reports whether a delivery that just failed its attempt-th try
// should be dead-lettered instead of retried.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

// Delay returns the wait before retrying after the attempt-th failure:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
