package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrEnqueueFailure = errors.New("enqueue failure")
	ErrStageFailure   = errors.New("stage failure")
	ErrClaimConflict  = errors.New("claim conflict")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConfiguration  = errors.New("configuration error")
	ErrTransient      = errors.New("transient failure")
)

// API error codes carried in the error envelope.
const (
	CodeInvalidRequest = "ERR_INVALID_REQUEST"
	CodeEnqueue        = "ERR_JOB_ENQUEUE"
	CodeNotFound       = "ERR_NOT_FOUND"
	CodeUnauthorized   = "ERR_UNAUTHORIZED"
	CodeInternal       = "ERR_INTERNAL"
)

// ServiceError tags a failure with one of the markers above while keeping the
// component/operation context that produced it.
type ServiceError struct {
	Marker    error
	Component string
	Operation string
	Message   string
	Cause     error
}

func (e *ServiceError) Error() string {
	detail := buildDetail(e.Component, e.Operation, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Marker, detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Marker, detail)
}

func (e *ServiceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Cause}
}

// Wrap builds a ServiceError. A nil marker is treated as ErrTransient.
func Wrap(marker error, component, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &ServiceError{
		Marker:    marker,
		Component: strings.TrimSpace(component),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// Details returns the human readable message of a ServiceError without the
// marker prefix. Other errors are returned as-is.
func Details(err error) string {
	if err == nil {
		return ""
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		msg := svcErr.Message
		if msg == "" {
			msg = buildDetail(svcErr.Component, svcErr.Operation, "")
		}
		if svcErr.Cause != nil {
			return msg + ": " + svcErr.Cause.Error()
		}
		return msg
	}
	return err.Error()
}

// Code maps an error to the API error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrEnqueueFailure):
		return CodeEnqueue
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an error to the response status used by the API.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrEnqueueFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
