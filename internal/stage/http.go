package stage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

const (
	userAgent          = "isn-orchestrator/stage"
	maxStreamLineBytes = 1 << 20
	healthTimeout      = 5 * time.Second
)

// HTTPOptions configures an HTTPProcessor.
type HTTPOptions struct {
	Endpoint        string
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	Client          *http.Client
	Logger          *slog.Logger
}

// HTTPProcessor forwards a stage to a remote worker. The worker receives the
// Input as JSON at POST <endpoint>/stages/<name> and answers with NDJSON
// lines: {"progress": n} any number of times, then exactly one of
// {"output": {...}} or {"error": "...", "retryable": bool}.
type HTTPProcessor struct {
	name     string
	endpoint string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

type streamLine struct {
	Progress  *float64 `json:"progress,omitempty"`
	Output    *Output  `json:"output,omitempty"`
	Error     string   `json:"error,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

// NewHTTPProcessor builds a processor for stage name.
func NewHTTPProcessor(name string, opts HTTPOptions) *HTTPProcessor {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	failures := opts.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	logger := logging.NewComponentLogger(opts.Logger, "stage-http").With(logging.String(logging.FieldStage, name))
	p := &HTTPProcessor{
		name:     name,
		endpoint: strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/"),
		timeout:  opts.Timeout,
		client:   client,
		logger:   logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "stage-" + name,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, services.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.WarnWithContext(logger, "stage processor breaker state changed", "breaker_state",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
				logging.String(logging.FieldImpact, "stage calls fail fast while the breaker is open"),
				logging.String(logging.FieldErrorHint, "check the stage worker at "+p.endpoint),
			)
		},
	})
	return p
}

// Name returns the stage name.
func (p *HTTPProcessor) Name() string { return p.name }

// Process runs the remote stage behind the circuit breaker.
func (p *HTTPProcessor) Process(ctx context.Context, in Input, progress ProgressFunc) (Output, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.call(ctx, in, progress)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Output{}, services.Wrap(services.ErrTransient, "stage", p.name, "stage worker circuit open", err)
		}
		return Output{}, err
	}
	return result.(Output), nil
}

func (p *HTTPProcessor) call(ctx context.Context, in Input, progress ProgressFunc) (Output, error) {
	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("encode stage input: %w", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.endpoint+"/stages/"+url.PathEscape(p.name), bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("build stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Job-Id", in.JobID)

	resp, err := p.client.Do(req)
	if err != nil {
		return Output{}, p.transportError(ctx, "send stage request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := fmt.Sprintf("stage worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Output{}, services.Wrap(services.ErrTransient, "stage", p.name, msg, nil)
		}
		return Output{}, services.Wrap(services.ErrStageFailure, "stage", p.name, msg, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return Output{}, services.Wrap(services.ErrStageFailure, "stage", p.name, "malformed stage stream line", err)
		}
		switch {
		case line.Error != "":
			marker := services.ErrStageFailure
			if line.Retryable {
				marker = services.ErrTransient
			}
			return Output{}, services.Wrap(marker, "stage", p.name, line.Error, nil)
		case line.Output != nil:
			return *line.Output, nil
		case line.Progress != nil:
			if progress != nil {
				if err := progress(*line.Progress); err != nil {
					return Output{}, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Output{}, p.transportError(ctx, "read stage stream", err)
	}
	return Output{}, services.Wrap(services.ErrTransient, "stage", p.name, "stage stream ended without output", nil)
}

// transportError keeps caller cancellation distinct from worker trouble:
// only the latter is retryable.
func (p *HTTPProcessor) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return services.Wrap(services.ErrTransient, "stage", p.name, op, err)
}

// HealthCheck probes <endpoint>/healthz.
func (p *HTTPProcessor) HealthCheck(ctx context.Context) Health {
	if p.endpoint == "" {
		return Unhealthy(p.name, "stage endpoint not configured")
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return Unhealthy(p.name, "circuit open")
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.endpoint+"/healthz", nil)
	if err != nil {
		return Unhealthy(p.name, err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return Unhealthy(p.name, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return Unhealthy(p.name, fmt.Sprintf("health endpoint returned %d", resp.StatusCode))
	}
	return Healthy(p.name)
}
