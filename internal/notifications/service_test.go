package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyJobFailed(context.Background(), "JOB-1", "bulk", "boom"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type capture struct {
	calls    int
	title    string
	tags     string
	priority string
	body     string
}

func newNtfyServer(t *testing.T, captured *capture) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		captured.calls++
		captured.title = r.Header.Get("Title")
		captured.tags = r.Header.Get("Tags")
		captured.priority = r.Header.Get("Priority")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		captured.body = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		send           func(notifications.Service) error
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name: "job failed",
			send: func(s notifications.Service) error {
				return s.NotifyJobFailed(context.Background(), "JOB-7", "standard", "mt: decode error")
			},
			expectTitle:    "ISN - Job Failed",
			expectMessage:  "❌ JOB-7 (standard lane) failed: mt: decode error",
			expectTags:     "isn,job,failed",
			expectPriority: "high",
		},
		{
			name: "dead letter",
			send: func(s notifications.Service) error {
				return s.NotifyDeadLetter(context.Background(), "JOB-8", "bulk", 3, "asr: gpu busy")
			},
			expectTitle:    "ISN - Dead Letter",
			expectMessage:  "☠️ JOB-8 dead-lettered on bulk lane after 3 attempts\nLast error: asr: gpu busy\nReplay with: isn queue replay",
			expectTags:     "isn,queue,dead-letter",
			expectPriority: "high",
		},
		{
			name: "daemon started",
			send: func(s notifications.Service) error {
				return s.NotifyDaemonStarted(context.Background(), "127.0.0.1:7480")
			},
			expectTitle:   "ISN - Daemon Started",
			expectMessage: "Orchestrator listening on 127.0.0.1:7480",
			expectTags:    "isn,daemon,started",
		},
		{
			name: "daemon stopped",
			send: func(s notifications.Service) error {
				return s.NotifyDaemonStopped(context.Background(), 90*time.Second+400*time.Millisecond)
			},
			expectTitle:   "ISN - Daemon Stopped",
			expectMessage: "Orchestrator stopped after 1m30s",
			expectTags:    "isn,daemon,stopped",
		},
		{
			name:           "test",
			send:           func(s notifications.Service) error { return s.TestNotification(context.Background()) },
			expectTitle:    "ISN - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "isn,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured capture
			server := newNtfyServer(t, &captured)

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5
			cfg.Notifications.Daemon = true

			if err := tc.send(notifications.NewService(&cfg)); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}
			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceHonorsToggles(t *testing.T) {
	var captured capture
	server := newNtfyServer(t, &captured)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.JobFailed = false
	cfg.Notifications.DeadLetter = false
	cfg.Notifications.Daemon = false

	svc := notifications.NewService(&cfg)
	ctx := context.Background()
	if err := svc.NotifyJobFailed(ctx, "JOB-1", "realtime", "boom"); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if err := svc.NotifyDeadLetter(ctx, "JOB-1", "realtime", 3, "boom"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if err := svc.NotifyDaemonStarted(ctx, ":7480"); err != nil {
		t.Fatalf("daemon started: %v", err)
	}
	if captured.calls != 0 {
		t.Fatalf("expected disabled alerts to be suppressed, got %d calls", captured.calls)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic not allowed", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if err := notifications.NewService(&cfg).TestNotification(context.Background()); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
