package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/albatrossmedia/ISN-MVP/internal/api"
	"github.com/albatrossmedia/ISN-MVP/internal/dispatch"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/queue"
)

const defaultTimeout = 10 * time.Second

// Client provides access to the daemon API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
}

// Dial prepares a client for the API at baseURL. No request is made until
// the first call.
func Dial(baseURL, token string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q must use http or https", baseURL)
	}
	return &Client{
		base:   base,
		token:  strings.TrimSpace(token),
		http:   &http.Client{Timeout: defaultTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: defaultTimeout},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Submit admits a subtitle request.
func (c *Client) Submit(ctx context.Context, req job.Request) (*dispatch.Admission, error) {
	var resp dispatch.Admission
	if err := c.call(ctx, http.MethodPost, "/v1/jobs", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job fetches one job snapshot.
func (c *Client) Job(ctx context.Context, id string) (*job.Job, error) {
	var resp job.Job
	if err := c.call(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Jobs lists jobs, newest first.
func (c *Client) Jobs(ctx context.Context, opts ListOptions) ([]job.Job, error) {
	query := url.Values{}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Tenant != "" {
		query.Set("tenant", opts.Tenant)
	}
	if opts.Lane != "" {
		query.Set("lane", opts.Lane)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp api.JobListResponse
	if err := c.call(ctx, http.MethodGet, "/v1/jobs", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Cancel terminates a job. Terminal jobs come back with Accepted=false.
func (c *Client) Cancel(ctx context.Context, id string) (*api.CancelResponse, error) {
	var resp api.CancelResponse
	if err := c.call(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/terminate", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon summary.
func (c *Client) Status(ctx context.Context) (*api.DaemonStatus, error) {
	var resp api.DaemonStatus
	if err := c.call(ctx, http.MethodGet, "/v1/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks /healthz. A degraded daemon comes back as an *APIError.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/healthz", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueStats returns per-lane queue depth.
func (c *Client) QueueStats(ctx context.Context) (*api.QueueStatsResponse, error) {
	var resp api.QueueStatsResponse
	if err := c.call(ctx, http.MethodGet, "/v1/queue/stats", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeadLetters lists dead letters, optionally for one lane.
func (c *Client) DeadLetters(ctx context.Context, lane string, limit int) ([]queue.DeadLetter, error) {
	query := url.Values{}
	if lane != "" {
		query.Set("lane", lane)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp api.DeadLettersResponse
	if err := c.call(ctx, http.MethodGet, "/v1/queue/dead-letters", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// Replay re-admits a dead letter as a new job.
func (c *Client) Replay(ctx context.Context, deadLetterID string) (*dispatch.Admission, error) {
	var resp dispatch.Admission
	if err := c.call(ctx, http.MethodPost, "/v1/queue/dead-letters/"+url.PathEscape(deadLetterID)+"/replay", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch subscribes to jobID and passes every frame to fn until fn returns
// true, fn fails, ctx ends or the daemon closes the connection.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(Frame) (bool, error)) error {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/v1/ws"
	wsURL.RawQuery = url.Values{"job_id": {jobID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), c.headers())
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return decodeError(resp)
		}
		return c.wrapDialError(err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read realtime frame: %w", err)
		}
		stop, err := fn(frame)
		if err != nil || stop {
			return err
		}
	}
}

func (c *Client) headers() http.Header {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return header
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := *c.base
	target.Path += path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrapDialError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "HTTP_" + strconv.Itoa(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	if apiErr.TraceID == "" {
		apiErr.TraceID = resp.Header.Get(api.TraceHeader)
	}
	return apiErr
}

func (c *Client) wrapDialError(err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connect to daemon: %s refused the connection; start it with `isn start`", c.base.Host)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("connect to daemon: %s did not answer in time", c.base.Host)
	default:
		return fmt.Errorf("connect to daemon: %w", err)
	}
}
