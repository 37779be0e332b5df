package httpserver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	obsctx "github.com/fairyhunter13/request-gateway/internal/observability"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

const maxDebugBodyBytes = 1 << 20

// MountDebug registers the debug routes on r.
func (s *Server) MountDebug(r chi.Router) {
	r.Post("/v1/debug/requests", s.PublishRequestHandler())
	r.Get("/v1/debug/requests/{id}/state", s.StateHandler())
	r.Get("/v1/debug/dead-letters", s.DeadLettersHandler())
}

// PublishRequestHandler validates a job from the body and queues it.
// A missing requestId is generated.
func (s *Server) PublishRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDebugBodyBytes)
		var job domain.JobRecord
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&job); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if job.RequestID == 0 {
			job.RequestID = generatedRequestID()
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		if err := s.validate.Struct(job); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				writeError(w, r, fmt.Errorf("%w: job validation failed", domain.ErrInvalidArgument), FieldErrors(verrs))
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.Publisher.PublishRequest(r.Context(), job, 0); err != nil {
			obsctx.LoggerFromContext(r.Context()).Error("debug publish failed", slog.Any("error", err))
			writeError(w, r, fmt.Errorf("%w: publish failed", domain.ErrInternal), nil)
			return
		}
		id := job.CompositeID()
		obsctx.LoggerFromContext(r.Context()).Info("debug request queued", slog.String("composite_id", id))
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "compositeId": id})
	}
}

// StateHandler returns the cached state of a composite id.
func (s *Server) StateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if v := ValidateCompositeID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid composite id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		st, ok, err := s.State.GetState(r.Context(), id)
		if err != nil {
			obsctx.LoggerFromContext(r.Context()).Error("state read failed", slog.Any("error", err))
			writeError(w, r, fmt.Errorf("%w: state read failed", domain.ErrInternal), nil)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_found", "compositeId": id})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// DeadLettersHandler lists recently archived dead letters.
func (s *Server) DeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DeadLetters == nil {
			writeError(w, r, fmt.Errorf("%w: dead-letter archive disabled", domain.ErrNotFound), nil)
			return
		}
		limit, v := ParseLimit(r.URL.Query().Get("limit"), 50, 500)
		if !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrInvalidArgument), v.Errors)
			return
		}
		items, err := s.DeadLetters.ListRecent(r.Context(), limit)
		if err != nil {
			obsctx.LoggerFromContext(r.Context()).Error("dead-letter list failed", slog.Any("error", err))
			writeError(w, r, fmt.Errorf("%w: dead-letter list failed", domain.ErrInternal), nil)
			return
		}
		if items == nil {
			items = []domain.DeadLetter{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	}
}

// generatedRequestID derives a positive int63 from a random UUID.
func generatedRequestID() int64 {
	u := uuid.New()
	id := int64(binary.BigEndian.Uint64(u[:8]) >> 1)
	if id == 0 {
		id = 1
	}
	return id
}
