package concurrency

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// WorkerGroup is the capability the controller needs from a consumer group.
// Concurrency is the configured level; Running is the number of live workers,
// which lags behind after a scale-down until the next rebalance.
type WorkerGroup interface {
	ID() string
	Concurrency() int
	SetConcurrency(n int) error
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	Running() int
}

// WorkerGroupRegistry resolves worker groups by id.
type WorkerGroupRegistry interface {
	WorkerGroup(id string) (WorkerGroup, bool)
}

// Groups is a map-backed WorkerGroupRegistry.
type Groups map[string]WorkerGroup

// NewGroups indexes groups by their ID.
func NewGroups(gs ...WorkerGroup) Groups {
	m := make(Groups, len(gs))
	for _, g := range gs {
		m[g.ID()] = g
	}
	return m
}

// WorkerGroup implements WorkerGroupRegistry.
func (g Groups) WorkerGroup(id string) (WorkerGroup, bool) {
	wg, ok := g[id]
	return wg, ok
}

// IDs returns the registered ids in sorted order.
func (g Groups) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Decision describes what one Adjust call did.
type Decision struct {
	GroupID   string
	Lag       int64
	Target    int
	HasTarget bool
	From      int
	To        int
	Applied   bool
	Reason    string
}

// Skip reasons reported in Decision.Reason.
const (
	ReasonUnknownGroup = "unknown_group"
	ReasonNoTarget     = "no_target"
	ReasonAtTarget     = "at_target"
	ReasonCooldown     = "cooldown"
	ReasonClamped      = "clamped_no_change"
	ReasonApplyFailed  = "apply_failed"
	ReasonScaledUp     = "scaled_up"
	ReasonScaledDown   = "scaled_down"
)

// GroupSnapshot is the controller's view of one group.
type GroupSnapshot struct {
	Current   int       `json:"current"`
	LastScale time.Time `json:"lastScale,omitempty"`
}

type groupState struct {
	mu        sync.Mutex
	current   int
	lastScale time.Time
}

// Controller owns per-group concurrency state and applies lag-driven changes.
type Controller struct {
	policy  Policy
	groups  WorkerGroupRegistry
	now     func() time.Time
	onScale func(groupID string, from, to int)

	mu     sync.Mutex
	states map[string]*groupState
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithClock overrides the cooldown time source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithScaleHook is called after every applied change.
func WithScaleHook(fn func(groupID string, from, to int)) ControllerOption {
	return func(c *Controller) { c.onScale = fn }
}

// NewController builds a controller. policy must already be normalized.
func NewController(policy Policy, groups WorkerGroupRegistry, opts ...ControllerOption) *Controller {
	c := &Controller{
		policy: policy,
		groups: groups,
		now:    time.Now,
		states: make(map[string]*groupState),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Policy returns the active policy.
func (c *Controller) Policy() Policy { return c.policy }

func (c *Controller) state(id string, g WorkerGroup) *groupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		st = &groupState{current: g.Concurrency()}
		c.states[id] = st
	}
	return st
}

// Adjust makes one scaling decision for groupID and applies it. It never
// returns an error: failures are logged and leave the recorded state as it was.
func (c *Controller) Adjust(ctx context.Context, groupID string, lag int64) Decision {
	d := Decision{GroupID: groupID, Lag: lag}
	g, ok := c.groups.WorkerGroup(groupID)
	if !ok {
		slog.Warn("worker group not found", slog.String("listener", groupID))
		d.Reason = ReasonUnknownGroup
		return d
	}

	st := c.state(groupID, g)
	st.mu.Lock()
	defer st.mu.Unlock()

	d.From, d.To = st.current, st.current
	d.Target, d.HasTarget = DesiredConcurrency(c.policy, lag)
	switch {
	case !d.HasTarget:
		d.Reason = ReasonNoTarget
		return d
	case d.Target == st.current:
		d.Reason = ReasonAtTarget
		return d
	case !st.lastScale.IsZero() && c.now().Sub(st.lastScale) < c.policy.Cooldown:
		slog.Debug("scaling skipped during cooldown",
			slog.String("listener", groupID),
			slog.Int("current", st.current),
			slog.Int("target", d.Target))
		d.Reason = ReasonCooldown
		return d
	}

	next := nextLevel(c.policy, st.current, d.Target)
	if next == st.current {
		d.Reason = ReasonClamped
		return d
	}

	if err := c.apply(ctx, g, st.current, next); err != nil {
		slog.Error("failed to apply concurrency change",
			slog.String("listener", groupID),
			slog.Int("from", st.current),
			slog.Int("to", next),
			slog.Any("error", err))
		d.Reason = ReasonApplyFailed
		return d
	}

	from := st.current
	st.current = next
	st.lastScale = c.now()
	d.To, d.Applied = next, true
	d.Reason = ReasonScaledDown
	if next > from {
		d.Reason = ReasonScaledUp
	}
	slog.Info("concurrency adjusted",
		slog.String("listener", groupID),
		slog.Int64("lag", lag),
		slog.Int("from", from),
		slog.Int("to", next),
		slog.Int("target", d.Target))
	if c.onScale != nil {
		c.onScale(groupID, from, next)
	}
	return d
}

// apply reconfigures g. Scale-up cycles the group so new workers join now;
// scale-down only lowers the configured level and lets excess workers leave
// at the next partition reassignment. On failure the configured level is
// restored and, if the group was stopped, restarted.
func (c *Controller) apply(ctx context.Context, g WorkerGroup, from, to int) error {
	if err := g.SetConcurrency(to); err != nil {
		return err
	}
	if to < from {
		return nil
	}
	if err := g.Stop(ctx); err != nil {
		return errors.Join(err, g.SetConcurrency(from))
	}
	if err := g.Start(ctx); err != nil {
		revertErr := g.SetConcurrency(from)
		if revertErr == nil {
			revertErr = g.Start(ctx)
		}
		return errors.Join(err, revertErr)
	}
	return nil
}

// Current returns the recorded level for id; ok is false before the first Adjust.
func (c *Controller) Current(id string) (int, bool) {
	c.mu.Lock()
	st, ok := c.states[id]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current, true
}

// Snapshot returns the recorded state of every observed group.
func (c *Controller) Snapshot() map[string]GroupSnapshot {
	c.mu.Lock()
	states := make(map[string]*groupState, len(c.states))
	for id, st := range c.states {
		states[id] = st
	}
	c.mu.Unlock()

	out := make(map[string]GroupSnapshot, len(states))
	for id, st := range states {
		st.mu.Lock()
		out[id] = GroupSnapshot{Current: st.current, LastScale: st.lastScale}
		st.mu.Unlock()
	}
	return out
}
