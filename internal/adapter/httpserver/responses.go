package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/request-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/request-gateway/internal/observability"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details"`
	RequestID string `json:"requestId,omitempty"`
}

// errorStatuses is checked in order; the first sentinel matched wins.
var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{domain.ErrPoolSaturated, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{domain.ErrPoolClosed, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to a status and the error envelope. Server
// side failures are logged with the request logger.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	for _, m := range errorStatuses {
		if errors.Is(err, m.target) {
			status, code = m.status, m.code
			break
		}
	}
	if status >= http.StatusInternalServerError {
		obsctx.LoggerFromContext(r.Context()).Error("request failed",
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   err.Error(),
		Details:   details,
		RequestID: obsctx.RequestIDFromContext(r.Context()),
	}})
}
