package usecase_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/request-gateway/internal/domain"
	"github.com/fairyhunter13/request-gateway/internal/usecase"
)

func pendingJobs(n int) []domain.JobRecord {
	out := make([]domain.JobRecord, n)
	for i := range out {
		j := validJob()
		j.RequestID = int64(100 + i)
		out[i] = j
	}
	return out
}

func TestIngestPoller_PublishesEveryPulledJob(t *testing.T) {
	t.Parallel()
	store := &mockRecordStore{}
	store.On("PullPending", mock.Anything).Return(pendingJobs(3), nil).Once()
	pub := &fakePublisher{}

	published, failed, err := usecase.NewIngestPoller(store, pub, time.Second, 0).PollOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, published)
	assert.Zero(t, failed)
	require.Len(t, pub.requests, 3)
	for i, r := range pub.requests {
		assert.Equal(t, int64(100+i), r.job.RequestID)
		assert.Zero(t, r.attempt)
	}
}

func TestIngestPoller_PublishErrorsDoNotStopTheBatch(t *testing.T) {
	t.Parallel()
	store := &mockRecordStore{}
	store.On("PullPending", mock.Anything).Return(pendingJobs(4), nil).Once()
	var calls atomic.Int32
	pub := &fakePublisher{}
	pub.onRequest = func(domain.JobRecord) {
		if calls.Add(1) == 2 {
			pub.requestErr = errBoom
		} else {
			pub.requestErr = nil
		}
	}

	published, failed, err := usecase.NewIngestPoller(store, pub, time.Second, 0).PollOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, published)
	assert.Equal(t, 1, failed)
}

func TestIngestPoller_PullErrorSkipsCycle(t *testing.T) {
	t.Parallel()
	store := &mockRecordStore{}
	store.On("PullPending", mock.Anything).Return(nil, errBoom).Once()
	pub := &fakePublisher{}

	_, _, err := usecase.NewIngestPoller(store, pub, time.Second, 0).PollOnce(context.Background())

	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, pub.requests)
}

func TestIngestPoller_RateLimitPacesPublishing(t *testing.T) {
	t.Parallel()
	store := &mockRecordStore{}
	store.On("PullPending", mock.Anything).Return(pendingJobs(3), nil).Once()
	pub := &fakePublisher{}

	start := time.Now()
	published, _, err := usecase.NewIngestPoller(store, pub, time.Second, 20).PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, published)
	assert.Less(t, time.Since(start), time.Second, "burst covers a small batch")
}

func TestIngestPoller_CanceledWhileWaitingForRate(t *testing.T) {
	t.Parallel()
	store := &mockRecordStore{}
	store.On("PullPending", mock.Anything).Return(pendingJobs(2), nil).Once()
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	published, _, err := usecase.NewIngestPoller(store, pub, time.Second, 1).PollOnce(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, published)
	assert.Empty(t, pub.requests)
}

func TestIngestPoller_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := &mockRecordStore{}
	var pulls atomic.Int32
	store.On("PullPending", mock.Anything).Return([]domain.JobRecord{}, nil).
		Run(func(mock.Arguments) { pulls.Add(1) })
	p := usecase.NewIngestPoller(store, &fakePublisher{}, 5*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return pulls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
