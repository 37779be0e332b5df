package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/config"
	"github.com/fairyhunter13/request-gateway/internal/domain"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

// Health status values.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// RequestPublisher queues jobs on the request topic.
type RequestPublisher interface {
	PublishRequest(ctx domain.Context, job domain.JobRecord, attempt int) error
}

// StateReader reads cached request state.
type StateReader interface {
	GetState(ctx domain.Context, id string) (domain.RequestState, bool, error)
}

// DeadLetterLister lists archived dead letters.
type DeadLetterLister interface {
	ListRecent(ctx domain.Context, limit int) ([]domain.DeadLetter, error)
}

// ReadinessCheck is one named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ListenerHealth is the scaling view of one worker group.
type ListenerHealth struct {
	Topic       string `json:"topic"`
	Concurrency int    `json:"concurrency"`
	Running     int    `json:"running"`
}

// GatewayHealth is the detailed gateway report served on /v1/health.
type GatewayHealth struct {
	Status    string                       `json:"status"`
	Listeners map[string]ListenerHealth    `json:"listeners"`
	Lag       map[string]int64             `json:"lag"`
	Pool      workerpool.Stats             `json:"pool"`
	Breaker   observability.BreakerMetrics `json:"circuitBreaker"`
	CheckedAt time.Time                    `json:"checkedAt"`
}

// Server aggregates handler dependencies. DeadLetters is nil when the
// archive is disabled.
type Server struct {
	Cfg         config.Config
	Publisher   RequestPublisher
	State       StateReader
	DeadLetters DeadLetterLister
	Health      func() GatewayHealth
	Checks      []ReadinessCheck

	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, pub RequestPublisher, state StateReader, deadLetters DeadLetterLister, health func() GatewayHealth, checks ...ReadinessCheck) *Server {
	return &Server{
		Cfg:         cfg,
		Publisher:   pub,
		State:       state,
		DeadLetters: deadLetters,
		Health:      health,
		Checks:      checks,
		validate:    validator.New(),
	}
}

// LivenessHandler reports that the process is serving.
func (s *Server) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

type checkResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// ReadyzHandler runs every readiness check and returns 503 if any fails.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		results := make([]checkResult, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			res := checkResult{Name: c.Name, OK: true}
			if err := c.Check(ctx); err != nil {
				res.OK, res.Details = false, err.Error()
				ok = false
			}
			results = append(results, res)
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": results})
	}
}

// HealthHandler serves the gateway report; DOWN answers 503.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.Health == nil {
			writeJSON(w, http.StatusOK, GatewayHealth{Status: StatusUp, CheckedAt: time.Now().UTC()})
			return
		}
		h := s.Health()
		st := http.StatusOK
		if h.Status != StatusUp {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, h)
	}
}
