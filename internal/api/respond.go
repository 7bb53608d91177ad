package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/albatrossmedia/ISN-MVP/internal/logging"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

type encoder struct {
	logger *slog.Logger
}

func (e *encoder) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		e.logger.Error("failed to encode response", logging.Error(err))
	}
}

// writeError renders err as an ErrorEnvelope. Internal errors are logged
// with the trace id so the envelope can be matched to the log line.
func (e *encoder) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := services.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), e.logger), "request failed", "api_error",
			logging.String("path", r.URL.Path),
			logging.String("code", services.Code(err)),
			logging.Error(err),
		)
	}
	e.writeEnvelope(w, r, status, services.Code(err), services.Details(err))
}

func (e *encoder) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	traceID, _ := services.RequestIDFromContext(r.Context())
	e.writeJSON(w, status, ErrorEnvelope{Code: code, Message: message, TraceID: traceID})
}
