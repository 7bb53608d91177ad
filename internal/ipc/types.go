package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ListOptions filters job listings. Zero values match everything.
type ListOptions struct {
	Statuses []string
	Tenant   string
	Lane     string
	Limit    int
}

// Frame is one message received on the realtime channel.
type Frame struct {
	Event string          `json:"event"`
	JobID string          `json:"job_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// APIError is a decoded error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TraceID != "" {
		msg += " (trace " + e.TraceID + ")"
	}
	return msg
}

// IsNotFound reports whether err is a 404 envelope.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
