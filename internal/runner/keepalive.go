package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
)

// keepAlive renews the delivery lease and the registry heartbeat every
// heartbeat interval. Losing either cancels the job context with a cause the
// executor turns into an abandoned run.
func (r *Runner) keepAlive(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, d *queue.Delivery, jobID, owner string, cancel context.CancelCauseFunc) {
	defer wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.queue.Extend(ctx, d); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrLeaseLost) {
				logging.WarnWithContext(logger, "delivery lease lost; abandoning job", "lease_lost",
					logging.Error(err),
					logging.String(logging.FieldImpact, "another worker may resume this job"),
					logging.String(logging.FieldErrorHint, "raise queue.visibility_timeout if stages stall"),
				)
				cancel(errLeaseLost)
				return
			}
			logger.Warn("lease extension failed", logging.Error(err))
		}

		if err := r.registry.Heartbeat(ctx, jobID, owner); err != nil {
			if ctx.Err() != nil {
				return
			}
			if stopsJob(err) {
				logger.Info("job released by registry; stopping execution",
					logging.String(logging.FieldEventType, "job_released"),
					logging.String("reason", err.Error()),
				)
				cancel(errJobReleased)
				return
			}
			logger.Warn("heartbeat update failed", logging.Error(err))
		}
	}
}
