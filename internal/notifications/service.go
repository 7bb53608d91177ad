package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
)

const userAgent = "isn-orchestrator/0.1.0"

// Service defines the notification surface exposed to the runner and daemon.
type Service interface {
	NotifyJobFailed(ctx context.Context, jobID, lane, message string) error
	NotifyDeadLetter(ctx context.Context, jobID, lane string, attempts int, lastError string) error
	NotifyDaemonStarted(ctx context.Context, bind string) error
	NotifyDaemonStopped(ctx context.Context, uptime time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:   topic,
		client:     &http.Client{Timeout: timeout},
		jobFailed:  cfg.Notifications.JobFailed,
		deadLetter: cfg.Notifications.DeadLetter,
		daemon:     cfg.Notifications.Daemon,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client

	jobFailed  bool
	deadLetter bool
	daemon     bool
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, lane, message string) error {
	if !n.jobFailed {
		return nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown error"
	}
	data := payload{
		title:    "ISN - Job Failed",
		message:  fmt.Sprintf("❌ %s (%s lane) failed: %s", strings.TrimSpace(jobID), lane, message),
		tags:     []string{"isn", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDeadLetter(ctx context.Context, jobID, lane string, attempts int, lastError string) error {
	if !n.deadLetter {
		return nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "☠️ %s dead-lettered on %s lane after %d attempts", strings.TrimSpace(jobID), lane, attempts)
	if lastError = strings.TrimSpace(lastError); lastError != "" {
		builder.WriteString("\nLast error: ")
		builder.WriteString(lastError)
	}
	builder.WriteString("\nReplay with: isn queue replay")
	data := payload{
		title:    "ISN - Dead Letter",
		message:  builder.String(),
		tags:     []string{"isn", "queue", "dead-letter"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDaemonStarted(ctx context.Context, bind string) error {
	if !n.daemon {
		return nil
	}
	data := payload{
		title:   "ISN - Daemon Started",
		message: fmt.Sprintf("Orchestrator listening on %s", strings.TrimSpace(bind)),
		tags:    []string{"isn", "daemon", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDaemonStopped(ctx context.Context, uptime time.Duration) error {
	if !n.daemon {
		return nil
	}
	uptime = uptime.Round(time.Second)
	if uptime < 0 {
		uptime = 0
	}
	data := payload{
		title:   "ISN - Daemon Stopped",
		message: fmt.Sprintf("Orchestrator stopped after %s", uptime),
		tags:    []string{"isn", "daemon", "stopped"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "ISN - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"isn", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobFailed(context.Context, string, string, string) error       { return nil }
func (noopService) NotifyDeadLetter(context.Context, string, string, int, string) error { return nil }
func (noopService) NotifyDaemonStarted(context.Context, string) error                   { return nil }
func (noopService) NotifyDaemonStopped(context.Context, time.Duration) error            { return nil }
func (noopService) TestNotification(context.Context) error                              { return nil }
