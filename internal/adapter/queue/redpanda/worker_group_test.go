package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

func noopHandler(context.Context, domain.Message) {}

func TestNewWorkerGroup_Defaults(t *testing.T) {
	g, err := NewWorkerGroup(ClientConfig{Brokers: []string{"localhost:9092"}},
		GroupConfig{Topic: "request-new", Group: "gw"}, noopHandler)
	require.NoError(t, err)

	assert.Equal(t, "request-new", g.ID(), "id defaults to the topic")
	assert.Equal(t, "request-new", g.Topic())
	assert.Equal(t, 1, g.Concurrency())
	assert.Equal(t, 0, g.Running())
	assert.Equal(t, 50, g.cfg.MaxPollRecords)
}

func TestNewWorkerGroup_Validation(t *testing.T) {
	_, err := NewWorkerGroup(ClientConfig{}, GroupConfig{Topic: "t", Group: "g"}, noopHandler)
	assert.Error(t, err)
	_, err = NewWorkerGroup(ClientConfig{Brokers: []string{"b"}}, GroupConfig{Topic: "t"}, noopHandler)
	assert.Error(t, err)
	_, err = NewWorkerGroup(ClientConfig{Brokers: []string{"b"}}, GroupConfig{Group: "g"}, noopHandler)
	assert.Error(t, err)
}

func TestWorkerGroup_SetConcurrency(t *testing.T) {
	g, err := NewWorkerGroup(ClientConfig{Brokers: []string{"b"}},
		GroupConfig{ID: "request-new", Topic: "request-new", Group: "gw", Concurrency: 3}, noopHandler)
	require.NoError(t, err)

	require.NoError(t, g.SetConcurrency(7))
	assert.Equal(t, 7, g.Concurrency())
	assert.ErrorIs(t, g.SetConcurrency(0), domain.ErrInvalidArgument)
	assert.Equal(t, 7, g.Concurrency())
}

func TestWorkerGroup_StopWhenNotStarted(t *testing.T) {
	g, err := NewWorkerGroup(ClientConfig{Brokers: []string{"b"}},
		GroupConfig{Topic: "t", Group: "g"}, noopHandler)
	require.NoError(t, err)
	assert.NoError(t, g.Stop(context.Background()))
	assert.Error(t, g.Ping(context.Background()))
}

func TestWorkerGroup_HandlerContextSurvivesStop(t *testing.T) {
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	var (
		calls      int
		handlerErr error
		afterStop  error
	)
	g, err := NewWorkerGroup(ClientConfig{Brokers: []string{"b"}},
		GroupConfig{Topic: "t", Group: "g"}, func(ctx context.Context, msg domain.Message) {
			calls++
			handlerErr = ctx.Err()
			// The group is cycled while this record's save is still running.
			stop()
			afterStop = ctx.Err()
			msg.Ack()
		})
	require.NoError(t, err)

	var marked []int64
	p := &poller{group: g, tracker: newOffsetTracker(func(r *kgo.Record) { marked = append(marked, r.Offset) })}
	records := []*kgo.Record{
		{Topic: "t", Partition: 0, Offset: 10},
		{Topic: "t", Partition: 0, Offset: 11},
		{Topic: "t", Partition: 1, Offset: 4},
	}

	handled, total := g.handleBatch(runCtx, p, records)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, calls, "records after the stop are not handed out")
	assert.NoError(t, handlerErr)
	assert.NoError(t, afterStop, "stopping the group does not cancel an in-flight handler")
	assert.Equal(t, []int64{10}, marked, "only the handled record is committed")
	assert.Zero(t, p.tracker.InFlight())
}

func TestWorkerGroup_HandleBatchRunsWholeBatch(t *testing.T) {
	var offsets []int64
	g, err := NewWorkerGroup(ClientConfig{Brokers: []string{"b"}},
		GroupConfig{Topic: "t", Group: "g"}, func(_ context.Context, msg domain.Message) {
			offsets = append(offsets, msg.Offset())
		})
	require.NoError(t, err)
	p := &poller{group: g, tracker: newOffsetTracker(func(*kgo.Record) {})}

	handled, total := g.handleBatch(context.Background(), p, []*kgo.Record{
		{Topic: "t", Offset: 1}, {Topic: "t", Offset: 2},
	})
	assert.Equal(t, 2, handled)
	assert.Equal(t, 2, total)
	assert.Equal(t, []int64{1, 2}, offsets)
	assert.Equal(t, 2, p.tracker.InFlight(), "unacked records stay in flight")
}

func TestPoller_LeavesWhenIndexExceedsConcurrency(t *testing.T) {
	g, err := NewWorkerGroup(ClientConfig{Brokers: []string{"b"}},
		GroupConfig{Topic: "t", Group: "g", Concurrency: 3}, noopHandler)
	require.NoError(t, err)

	kept := &poller{index: 1, group: g}
	extra := &poller{index: 2, group: g}
	assigned := map[string][]int32{"t": {0, 1}}

	extra.onAssigned(context.Background(), nil, assigned)
	assert.False(t, extra.leaving.Load(), "poller within the configured level stays")

	require.NoError(t, g.SetConcurrency(2))
	kept.onAssigned(context.Background(), nil, assigned)
	extra.onAssigned(context.Background(), nil, assigned)
	assert.False(t, kept.leaving.Load())
	assert.True(t, extra.leaving.Load(), "poller above the lowered level leaves on its next assignment")
}
