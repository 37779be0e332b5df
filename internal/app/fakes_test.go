package app

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

type fakeGroup struct {
	id, topic   string
	concurrency int
	running     int
	stopErr     error

	mu      sync.Mutex
	stopped int
	order   *[]string
}

func (g *fakeGroup) ID() string                   { return g.id }
func (g *fakeGroup) Topic() string                { return g.topic }
func (g *fakeGroup) Concurrency() int             { return g.concurrency }
func (g *fakeGroup) Running() int                 { return g.running }
func (g *fakeGroup) SetConcurrency(n int) error   { g.concurrency = n; return nil }
func (g *fakeGroup) Start(_ context.Context) error { return nil }

func (g *fakeGroup) Stop(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped++
	if g.order != nil {
		*g.order = append(*g.order, "group:"+g.id)
	}
	return g.stopErr
}

type fakeLag map[string]int64

func (l fakeLag) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

type fakePool struct {
	stats  workerpool.Stats
	forced bool
	grace  time.Duration
	order  *[]string
}

func (p *fakePool) Stats() workerpool.Stats { return p.stats }

func (p *fakePool) Shutdown(grace time.Duration) bool {
	p.grace = grace
	if p.order != nil {
		*p.order = append(*p.order, "pool")
	}
	return p.forced
}

type fakeBreaker struct {
	state observability.CircuitBreakerState
}

func (b fakeBreaker) State() observability.CircuitBreakerState { return b.state }

func (b fakeBreaker) Metrics() observability.BreakerMetrics {
	return observability.BreakerMetrics{State: b.state.String(), FailureRate: 12.5}
}
