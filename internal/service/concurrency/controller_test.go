package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	mu       sync.Mutex
	id       string
	conc     int
	running  int
	calls    []string
	stopErr  error
	startErr error
}

func newFakeGroup(id string, conc int) *fakeGroup {
	return &fakeGroup{id: id, conc: conc, running: conc}
}

func (g *fakeGroup) ID() string { return g.id }

func (g *fakeGroup) Concurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conc
}

func (g *fakeGroup) SetConcurrency(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "set")
	g.conc = n
	return nil
}

func (g *fakeGroup) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "stop")
	if g.stopErr != nil {
		return g.stopErr
	}
	g.running = 0
	return nil
}

func (g *fakeGroup) Start(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "start")
	if g.startErr != nil {
		err := g.startErr
		g.startErr = nil
		return err
	}
	g.running = g.conc
	return nil
}

func (g *fakeGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *fakeGroup) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(g *fakeGroup) (*Controller, *testClock) {
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	return NewController(examplePolicy(), NewGroups(g), WithClock(clk.Now)), clk
}

func TestController_ScaleUpCyclesGroupAndSteps(t *testing.T) {
	g := newFakeGroup("requestConsumer", 3)
	var hooked []int
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	c := NewController(examplePolicy(), NewGroups(g), WithClock(clk.Now),
		WithScaleHook(func(_ string, from, to int) { hooked = append(hooked, from, to) }))

	d := c.Adjust(context.Background(), "requestConsumer", 200)
	assert.True(t, d.Applied)
	assert.Equal(t, ReasonScaledUp, d.Reason)
	assert.Equal(t, 15, d.Target)
	assert.Equal(t, 3, d.From)
	assert.Equal(t, 5, d.To)
	assert.Equal(t, []string{"set", "stop", "start"}, g.Calls())
	assert.Equal(t, 5, g.Running())
	assert.Equal(t, []int{3, 5}, hooked)

	cur, ok := c.Current("requestConsumer")
	require.True(t, ok)
	assert.Equal(t, 5, cur)
}

func TestController_ScaleDownDoesNotCycle(t *testing.T) {
	g := newFakeGroup("responseConsumer", 9)
	c, _ := newTestController(g)

	d := c.Adjust(context.Background(), "responseConsumer", 0)
	assert.True(t, d.Applied)
	assert.Equal(t, ReasonScaledDown, d.Reason)
	assert.Equal(t, 7, d.To)
	assert.Equal(t, []string{"set"}, g.Calls())
	assert.Equal(t, 9, g.Running(), "excess workers leave at the next rebalance")
}

func TestController_CooldownAllowsOneChange(t *testing.T) {
	g := newFakeGroup("requestConsumer", 3)
	c, clk := newTestController(g)
	ctx := context.Background()

	require.True(t, c.Adjust(ctx, "requestConsumer", 200).Applied)
	clk.Advance(29 * time.Second)
	d := c.Adjust(ctx, "requestConsumer", 200)
	assert.False(t, d.Applied)
	assert.Equal(t, ReasonCooldown, d.Reason)

	clk.Advance(time.Second)
	d = c.Adjust(ctx, "requestConsumer", 200)
	assert.True(t, d.Applied)
	assert.Equal(t, 7, d.To)
}

func TestController_NoChangeCases(t *testing.T) {
	g := newFakeGroup("requestConsumer", 3)
	c, _ := newTestController(g)
	ctx := context.Background()

	assert.Equal(t, ReasonNoTarget, c.Adjust(ctx, "requestConsumer", 30).Reason)
	assert.Equal(t, ReasonAtTarget, c.Adjust(ctx, "requestConsumer", 5).Reason)
	assert.Empty(t, g.Calls())

	d := c.Adjust(ctx, "nope", 500)
	assert.Equal(t, ReasonUnknownGroup, d.Reason)
}

func TestController_ClampsOutOfRangeCurrent(t *testing.T) {
	g := newFakeGroup("requestConsumer", 40)
	c, _ := newTestController(g)

	d := c.Adjust(context.Background(), "requestConsumer", 200)
	assert.True(t, d.Applied)
	assert.Equal(t, 15, d.To, "step toward target then clamp to max")
}

func TestController_NeverExceedsStepOrBounds(t *testing.T) {
	g := newFakeGroup("requestConsumer", 3)
	c, clk := newTestController(g)
	ctx := context.Background()
	lags := []int64{500, 500, 0, 200, 80, 5, 1000, 1000, 1000, 1000, 1000, 0, 0, 0, 0, 0, 0}
	prev := 3
	for _, lag := range lags {
		d := c.Adjust(ctx, "requestConsumer", lag)
		diff := d.To - prev
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 2)
		assert.GreaterOrEqual(t, d.To, 3)
		assert.LessOrEqual(t, d.To, 15)
		prev = d.To
		clk.Advance(31 * time.Second)
	}
	assert.Equal(t, 3, prev)
}

func TestController_ApplyFailureLeavesStateUnchanged(t *testing.T) {
	g := newFakeGroup("requestConsumer", 3)
	g.stopErr = errors.New("broker unavailable")
	c, _ := newTestController(g)

	d := c.Adjust(context.Background(), "requestConsumer", 200)
	assert.False(t, d.Applied)
	assert.Equal(t, ReasonApplyFailed, d.Reason)
	assert.Equal(t, 3, g.Concurrency(), "configured level reverted")
	cur, _ := c.Current("requestConsumer")
	assert.Equal(t, 3, cur)

	// A failed apply does not start the cooldown.
	g.mu.Lock()
	g.stopErr = nil
	g.mu.Unlock()
	assert.True(t, c.Adjust(context.Background(), "requestConsumer", 200).Applied)
}

func TestController_StartFailureRestartsAtPreviousLevel(t *testing.T) {
	g := newFakeGroup("requestConsumer", 3)
	g.startErr = errors.New("join failed")
	c, _ := newTestController(g)

	d := c.Adjust(context.Background(), "requestConsumer", 200)
	assert.Equal(t, ReasonApplyFailed, d.Reason)
	assert.Equal(t, []string{"set", "stop", "start", "set", "start"}, g.Calls())
	assert.Equal(t, 3, g.Running())
}

func TestController_Snapshot(t *testing.T) {
	a := newFakeGroup("requestConsumer", 3)
	b := newFakeGroup("responseConsumer", 4)
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	c := NewController(examplePolicy(), NewGroups(a, b), WithClock(clk.Now))

	assert.Empty(t, c.Snapshot())
	c.Adjust(context.Background(), "requestConsumer", 30)
	c.Adjust(context.Background(), "responseConsumer", 200)

	snap := c.Snapshot()
	assert.Equal(t, 3, snap["requestConsumer"].Current)
	assert.True(t, snap["requestConsumer"].LastScale.IsZero())
	assert.Equal(t, 6, snap["responseConsumer"].Current)
	assert.Equal(t, clk.t, snap["responseConsumer"].LastScale)
	assert.Equal(t, []string{"requestConsumer", "responseConsumer"}, NewGroups(a, b).IDs())
}
