package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// OffsetSource reads consumer-group and log-end offsets from the broker.
type OffsetSource interface {
	// CommittedOffsets returns topic -> partition -> committed offset for the
	// group. Partitions without a commit are omitted.
	CommittedOffsets(ctx context.Context, group string) (map[string]map[int32]int64, error)
	// EndOffsets returns partition -> log-end offset for the given partitions.
	EndOffsets(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error)
}

// Adjuster applies a lag observation to a worker group.
type Adjuster interface {
	Adjust(ctx context.Context, groupID string, lag int64) Decision
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Group    string
	Interval time.Duration
	Timeout  time.Duration
	// Topics maps each monitored topic to the worker group consuming it.
	Topics map[string]string
}

// Monitor periodically computes per-topic lag and feeds the controller.
type Monitor struct {
	src  OffsetSource
	ctrl Adjuster
	cfg  MonitorConfig

	mu   sync.RWMutex
	lags map[string]int64
}

// NewMonitor builds a Monitor.
func NewMonitor(src OffsetSource, ctrl Adjuster, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Monitor{src: src, ctrl: ctrl, cfg: cfg, lags: make(map[string]int64)}
}

// Run checks lag on a fixed delay until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("lag monitor started",
		slog.String("group", m.cfg.Group),
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("topics", len(m.cfg.Topics)))
	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("lag monitor stopped")
			return
		case <-timer.C:
			m.safeCheck(ctx)
			timer.Reset(m.cfg.Interval)
		}
	}
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lag monitor cycle panicked", slog.Any("recover", r))
		}
	}()
	if err := m.CheckOnce(ctx); err != nil {
		slog.Warn("lag monitor cycle skipped", slog.Any("error", err))
	}
}

// CheckOnce runs a single monitoring cycle. Errors abort the cycle and are
// returned for logging; no adjustment is made for topics not yet reached.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	committed, err := m.src.CommittedOffsets(cctx, m.cfg.Group)
	cancel()
	if err != nil {
		return fmt.Errorf("op=monitor.committed_offsets: %w", err)
	}
	if len(committed) == 0 {
		slog.Debug("no committed offsets for consumer group yet", slog.String("group", m.cfg.Group))
		return nil
	}

	topics := make([]string, 0, len(m.cfg.Topics))
	for t := range m.cfg.Topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		lag, err := m.topicLag(ctx, topic, committed[topic])
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.lags[topic] = lag
		m.mu.Unlock()
		slog.Debug("topic lag", slog.String("topic", topic), slog.Int64("lag", lag))
		m.ctrl.Adjust(ctx, m.cfg.Topics[topic], lag)
	}
	return nil
}

func (m *Monitor) topicLag(ctx context.Context, topic string, committed map[int32]int64) (int64, error) {
	if len(committed) == 0 {
		return 0, nil
	}
	partitions := make([]int32, 0, len(committed))
	for p := range committed {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	ectx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	ends, err := m.src.EndOffsets(ectx, topic, partitions)
	if err != nil {
		return 0, fmt.Errorf("op=monitor.end_offsets topic=%s: %w", topic, err)
	}
	return ComputeLag(committed, ends), nil
}

// ComputeLag sums max(0, end-committed) over partitions present in both maps.
func ComputeLag(committed, ends map[int32]int64) int64 {
	var lag int64
	for p, c := range committed {
		end, ok := ends[p]
		if !ok {
			continue
		}
		if end > c {
			lag += end - c
		}
	}
	return lag
}

// LastLag returns the cached lag of topic from the latest completed cycle.
func (m *Monitor) LastLag(topic string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lag, ok := m.lags[topic]
	return lag, ok
}

// Snapshot returns a copy of all cached lags.
func (m *Monitor) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.lags))
	for t, l := range m.lags {
		out[t] = l
	}
	return out
}
