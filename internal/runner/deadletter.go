package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/notifications"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
)

// DeadLetterHandler returns the queue hook that fails a job once its
// delivery is dead-lettered. The running stage, if any, carries the error.
func DeadLetterHandler(reg *registry.Registry, notifier notifications.Service, logger *slog.Logger) queue.DeadLetterHook {
	logger = logging.NewComponentLogger(logger, "dead-letter")
	return func(ctx context.Context, dl queue.DeadLetter) {
		ctx = context.WithoutCancel(ctx)
		jobID := dl.Descriptor.JobID
		reason := strings.TrimSpace(dl.LastError)
		if reason == "" {
			reason = "delivery failed"
		}
		stageName := ""
		if j, err := reg.Get(ctx, jobID); err == nil {
			stageName = runningStage(j)
		}
		if _, err := reg.Fail(ctx, jobID, stageName, "retries exhausted: "+reason); err != nil && !errors.Is(err, registry.ErrTerminal) {
			logging.ErrorWithContext(logger, "failed to mark dead-lettered job failed", "dead_letter_fail_error",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "job may stay running until the watchdog fails it"),
			)
		}
		if notifier != nil {
			if err := notifier.NotifyDeadLetter(ctx, jobID, string(dl.Descriptor.Lane), dl.Attempts, reason); err != nil {
				logger.Debug("dead letter notification failed", logging.Error(err))
			}
		}
	}
}
