package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// Handler processes one delivery. It owns the ack.
type Handler func(ctx context.Context, msg domain.Message)

// GroupConfig configures a WorkerGroup.
type GroupConfig struct {
	// ID names the listener, e.g. "request-new"; it is also the scaling key.
	ID             string
	Topic          string
	Group          string
	Concurrency    int
	MaxPollRecords int
	FetchMaxWait   time.Duration
	SessionTimeout time.Duration
	DrainTimeout   time.Duration
}

// WorkerGroup runs Concurrency consumer-group members on one topic. Each
// member is its own kgo client, so the broker spreads partitions across them.
type WorkerGroup struct {
	client  ClientConfig
	cfg     GroupConfig
	handler Handler

	concurrency atomic.Int32
	running     atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	pollers []*poller
	wg      sync.WaitGroup
}

// NewWorkerGroup builds a stopped group.
func NewWorkerGroup(client ClientConfig, cfg GroupConfig, handler Handler) (*WorkerGroup, error) {
	if err := client.validate(); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("missing required topic")
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Topic
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 50
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = 500 * time.Millisecond
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	g := &WorkerGroup{client: client, cfg: cfg, handler: handler}
	g.concurrency.Store(int32(cfg.Concurrency))
	return g, nil
}

// ID returns the listener id.
func (g *WorkerGroup) ID() string { return g.cfg.ID }

// Topic returns the consumed topic.
func (g *WorkerGroup) Topic() string { return g.cfg.Topic }

// Concurrency returns the configured number of pollers.
func (g *WorkerGroup) Concurrency() int { return int(g.concurrency.Load()) }

// Running returns the number of live pollers.
func (g *WorkerGroup) Running() int { return int(g.running.Load()) }

// SetConcurrency changes the configured level. A lower level takes effect as
// excess pollers leave on their next rebalance or poll; a higher one needs
// Stop and Start.
func (g *WorkerGroup) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", domain.ErrInvalidArgument, n)
	}
	g.concurrency.Store(int32(n))
	return nil
}

// Start spawns Concurrency pollers. Pollers outlive ctx; only Stop ends them.
func (g *WorkerGroup) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n := g.Concurrency()
	pollers := make([]*poller, 0, n)
	for i := 0; i < n; i++ {
		p, err := g.newPoller(i)
		if err != nil {
			cancel()
			for _, started := range pollers {
				started.client.Close()
			}
			return fmt.Errorf("op=worker_group.Start listener=%s: %w", g.cfg.ID, err)
		}
		pollers = append(pollers, p)
	}
	g.cancel = cancel
	g.pollers = pollers
	for _, p := range pollers {
		g.wg.Add(1)
		g.running.Add(1)
		go g.runPoller(runCtx, p)
	}
	slog.Info("worker group started",
		slog.String("listener", g.cfg.ID),
		slog.String("topic", g.cfg.Topic),
		slog.Int("concurrency", n))
	return nil
}

// Stop halts polling, waits up to DrainTimeout for in-flight acks, commits
// marked offsets and closes every client.
func (g *WorkerGroup) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel, pollers := g.cancel, g.pollers
	g.cancel, g.pollers = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return nil
	}
	start := time.Now()
	cancel()
	g.wg.Wait()

	var errs []error
	for _, p := range pollers {
		if err := p.shutdown(ctx, g.cfg.DrainTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("worker group stopped",
		slog.String("listener", g.cfg.ID),
		slog.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}

// Ping checks that a member client can reach the cluster.
func (g *WorkerGroup) Ping(ctx context.Context) error {
	g.mu.Lock()
	var cl *kgo.Client
	if len(g.pollers) > 0 {
		cl = g.pollers[0].client
	}
	g.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("worker group %s not running", g.cfg.ID)
	}
	return cl.Ping(ctx)
}

type poller struct {
	index   int
	group   *WorkerGroup
	client  *kgo.Client
	tracker *offsetTracker
	leaving atomic.Bool
	once    sync.Once
	err     error
}

func (g *WorkerGroup) newPoller(index int) (*poller, error) {
	p := &poller{index: index, group: g}
	opts := append(baseOpts(g.client),
		kgo.ConsumerGroup(g.cfg.Group),
		kgo.ConsumeTopics(g.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.SessionTimeout(g.cfg.SessionTimeout),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(g.cfg.FetchMaxWait),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.OnPartitionsAssigned(p.onAssigned),
		kgo.OnPartitionsRevoked(p.onRevoked),
		kgo.OnPartitionsLost(p.onLost),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	p.client = cl
	p.tracker = newOffsetTracker(func(r *kgo.Record) { cl.MarkCommitRecords(r) })
	return p, nil
}

// excess marks the poller for leaving once its index is above the configured
// level and reports whether it should go.
func (p *poller) excess() bool {
	if p.index >= p.group.Concurrency() {
		p.leaving.Store(true)
	}
	return p.leaving.Load()
}

func (p *poller) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	p.excess()
	slog.Debug("partitions assigned",
		slog.String("listener", p.group.cfg.ID),
		slog.Int("poller", p.index),
		slog.Any("partitions", assigned),
		slog.Bool("leaving", p.leaving.Load()))
}

func (p *poller) onRevoked(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
	if err := cl.CommitMarkedOffsets(ctx); err != nil {
		slog.Warn("commit on revoke failed",
			slog.String("listener", p.group.cfg.ID),
			slog.Int("poller", p.index),
			slog.Any("error", err))
	}
	p.tracker.Forget(revoked)
	p.excess()
}

func (p *poller) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	p.tracker.Forget(lost)
}

func (g *WorkerGroup) runPoller(ctx context.Context, p *poller) {
	defer g.wg.Done()
	defer g.running.Add(-1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	lg := slog.With(slog.String("listener", g.cfg.ID), slog.Int("poller", p.index))
	for {
		if p.excess() {
			lg.Info("poller leaving group after scale-down")
			if err := p.shutdown(ctx, g.cfg.DrainTimeout); err != nil {
				lg.Warn("poller shutdown incomplete", slog.Any("error", err))
			}
			return
		}
		fetches := p.client.PollRecords(ctx, g.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					continue
				}
				lg.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if fetches.NumRecords() == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(bo.NextBackOff()):
				}
				continue
			}
		}
		bo.Reset()
		if n, total := g.handleBatch(ctx, p, fetches.Records()); n < total {
			lg.Info("poller stopped mid-batch; remaining records left for redelivery",
				slog.Int("handled", n),
				slog.Int("skipped", total-n))
		}
	}
}

// handleBatch hands records to the handler in fetch order. Handlers run on a
// context Stop does not cancel, so a save or publish already under way
// finishes even while the group is being cycled. Once ctx is done no further
// record is tracked; those stay uncommitted and are redelivered.
func (g *WorkerGroup) handleBatch(ctx context.Context, p *poller, records []*kgo.Record) (handled, total int) {
	hctx := context.WithoutCancel(ctx)
	for _, r := range records {
		if ctx.Err() != nil {
			break
		}
		g.handler(hctx, p.tracker.Track(r))
		handled++
	}
	return handled, len(records)
}

// shutdown drains acks, commits and closes the client. Safe to call twice.
func (p *poller) shutdown(ctx context.Context, drain time.Duration) error {
	p.once.Do(func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
		defer cancel()
		if err := p.tracker.Wait(dctx); err != nil {
			slog.Warn("drain timed out with records in flight",
				slog.String("listener", p.group.cfg.ID),
				slog.Int("poller", p.index),
				slog.Int("in_flight", p.tracker.InFlight()))
		}
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer ccancel()
		if err := p.client.CommitMarkedOffsets(cctx); err != nil {
			p.err = fmt.Errorf("op=worker_group.commit listener=%s poller=%d: %w", p.group.cfg.ID, p.index, err)
		}
		p.tracker.Close()
		p.client.Close()
	})
	return p.err
}
