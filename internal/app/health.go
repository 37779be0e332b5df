package app

import (
	"time"

	httpserver "github.com/fairyhunter13/request-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/service/concurrency"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

// LagSnapshotter exposes the last observed lag per topic.
type LagSnapshotter interface {
	Snapshot() map[string]int64
}

// PoolStatter exposes worker pool counters.
type PoolStatter interface {
	Stats() workerpool.Stats
}

// BreakerView exposes breaker state for reporting.
type BreakerView interface {
	State() observability.CircuitBreakerState
	Metrics() observability.BreakerMetrics
}

type topicer interface{ Topic() string }

// HealthReporter assembles the /v1/health payload from live components.
// Any field may be nil; the matching section is left empty.
type HealthReporter struct {
	Groups  concurrency.Groups
	Lag     LagSnapshotter
	Pool    PoolStatter
	Breaker BreakerView
	now     func() time.Time
}

// NewHealthReporter builds a reporter.
func NewHealthReporter(groups concurrency.Groups, lag LagSnapshotter, pool PoolStatter, breaker BreakerView) *HealthReporter {
	return &HealthReporter{Groups: groups, Lag: lag, Pool: pool, Breaker: breaker, now: time.Now}
}

// Report returns the current view. Status is DOWN while the breaker is open.
func (h *HealthReporter) Report() httpserver.GatewayHealth {
	out := httpserver.GatewayHealth{
		Status:    httpserver.StatusUp,
		Listeners: make(map[string]httpserver.ListenerHealth, len(h.Groups)),
		Lag:       map[string]int64{},
		CheckedAt: h.now().UTC(),
	}
	for _, id := range h.Groups.IDs() {
		g := h.Groups[id]
		lh := httpserver.ListenerHealth{Concurrency: g.Concurrency(), Running: g.Running()}
		if t, ok := g.(topicer); ok {
			lh.Topic = t.Topic()
		}
		out.Listeners[id] = lh
	}
	if h.Lag != nil {
		out.Lag = h.Lag.Snapshot()
	}
	if h.Pool != nil {
		out.Pool = h.Pool.Stats()
	}
	if h.Breaker != nil {
		out.Breaker = h.Breaker.Metrics()
		if h.Breaker.State() == observability.StateOpen {
			out.Status = httpserver.StatusDown
		}
	}
	return out
}
