package services_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("connection refused")
	err := services.Wrap(services.ErrEnqueueFailure, "dispatch", "enqueue", "queue unavailable", base)
	if !errors.Is(err, services.ErrEnqueueFailure) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"dispatch", "enqueue", "queue unavailable", "connection refused"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
	if got := services.Details(err); got != "queue unavailable: connection refused" {
		t.Fatalf("unexpected details %q", got)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "runner", "claim", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestCodeAndStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{services.Wrap(services.ErrInvalidRequest, "dispatch", "validate", "missing input", nil), services.CodeInvalidRequest, http.StatusBadRequest},
		{services.Wrap(services.ErrEnqueueFailure, "dispatch", "enqueue", "down", nil), services.CodeEnqueue, http.StatusServiceUnavailable},
		{services.Wrap(services.ErrNotFound, "registry", "get", "JOB-x", nil), services.CodeNotFound, http.StatusNotFound},
		{services.Wrap(services.ErrUnauthorized, "api", "auth", "", nil), services.CodeUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), services.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := services.Code(tc.err); got != tc.code {
			t.Fatalf("Code(%v) = %s, want %s", tc.err, got, tc.code)
		}
		if got := services.HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}
