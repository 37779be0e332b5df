// Package workerpool provides the bounded task pool that dispatch work is
// handed to from broker-polling goroutines.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// SaturationPolicy decides what Submit does when the queue is full and the
// pool already runs its maximum number of workers.
type SaturationPolicy int

const (
	// CallerRuns executes the task on the submitting goroutine, throttling it.
	CallerRuns SaturationPolicy = iota
	// Reject refuses the task with ErrPoolSaturated.
	Reject
	// Drop discards the task and counts it.
	Drop
)

func (p SaturationPolicy) String() string {
	switch p {
	case CallerRuns:
		return "caller_runs"
	case Reject:
		return "reject"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config value to a SaturationPolicy.
func ParsePolicy(s string) (SaturationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "caller_runs":
		return CallerRuns, nil
	case "reject":
		return Reject, nil
	case "drop":
		return Drop, nil
	}
	return CallerRuns, fmt.Errorf("%w: unknown saturation policy %q", domain.ErrInvalidArgument, s)
}

// Task is a unit of work. ctx is the pool context; it is canceled only when a
// shutdown exceeds its grace period.
type Task func(ctx context.Context)

// Config sizes the pool.
type Config struct {
	Name          string
	Core          int
	Max           int
	QueueCapacity int
	KeepAlive     time.Duration
	Policy        SaturationPolicy
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Active    int64 `json:"active"`
	Size      int64 `json:"size"`
	Queued    int   `json:"queued"`
	Capacity  int   `json:"capacity"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	CallerRan int64 `json:"callerRan"`
}

// Pool runs Core workers permanently and grows up to Max when the queue is
// full; extra workers exit after KeepAlive without work.
type Pool struct {
	cfg    Config
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	workers int

	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	callerRan atomic.Int64
}

// New starts a pool with Core workers.
func New(cfg Config) *Pool {
	if cfg.Core < 1 {
		cfg.Core = 1
	}
	if cfg.Max < cfg.Core {
		cfg.Max = cfg.Core
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	p.mu.Lock()
	for i := 0; i < cfg.Core; i++ {
		p.spawnLocked(nil, true)
	}
	p.mu.Unlock()
	return p
}

func (p *Pool) spawnLocked(first Task, core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *Pool) worker(first Task, core bool) {
	defer p.wg.Done()
	if first != nil {
		p.run(first)
	}
	var idle *time.Timer
	var idleC <-chan time.Time
	if !core {
		idle = time.NewTimer(p.cfg.KeepAlive)
		defer idle.Stop()
		idleC = idle.C
	}
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				p.exit()
				return
			}
			p.run(t)
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.cfg.KeepAlive)
			}
		case <-idleC:
			p.exit()
			return
		}
	}
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *Pool) run(t Task) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			slog.Error("worker pool task panicked",
				slog.String("pool", p.cfg.Name),
				slog.Any("recover", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	t(p.ctx)
}

// Submit hands t to the pool. Under saturation the configured policy applies.
// It returns ErrPoolClosed once Shutdown has begun.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPoolClosed
	}
	if p.workers < p.cfg.Max {
		p.spawnLocked(t, false)
		p.mu.Unlock()
		return nil
	}
	// A worker may have freed a slot while we waited for the write lock.
	select {
	case p.tasks <- t:
		p.mu.Unlock()
		return nil
	default:
	}
	p.mu.Unlock()

	switch p.cfg.Policy {
	case CallerRuns:
		p.callerRan.Add(1)
		slog.Warn("worker pool saturated; running task on caller",
			slog.String("pool", p.cfg.Name),
			slog.Int("queue_capacity", p.cfg.QueueCapacity))
		p.run(t)
		return nil
	case Drop:
		p.rejected.Add(1)
		slog.Debug("worker pool saturated; task dropped", slog.String("pool", p.cfg.Name))
		return domain.ErrPoolSaturated
	default:
		p.rejected.Add(1)
		return domain.ErrPoolSaturated
	}
}

// Shutdown stops admission, waits up to grace for queued and running tasks,
// then cancels the task context. It reports whether cancellation was forced.
func (p *Pool) Shutdown(grace time.Duration) (forced bool) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return false
	case <-timer.C:
		slog.Warn("worker pool drain timed out; canceling in-flight tasks",
			slog.String("pool", p.cfg.Name),
			slog.Int64("active", p.active.Load()),
			slog.Int("queued", len(p.tasks)))
		p.cancel()
		return true
	}
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	size := int64(p.workers)
	p.mu.RUnlock()
	return Stats{
		Active:    p.active.Load(),
		Size:      size,
		Queued:    len(p.tasks),
		Capacity:  p.cfg.QueueCapacity,
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		CallerRan: p.callerRan.Load(),
	}
}
