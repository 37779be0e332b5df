package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

func examplePolicy() Policy {
	return Policy{Min: 3, Max: 15, ScaleUpThreshold: 50, ScaleDownThreshold: 10, Step: 2, Cooldown: 30 * time.Second, TopicPartitions: 15}
}

func TestDesiredConcurrency_Examples(t *testing.T) {
	p := examplePolicy()
	tests := []struct {
		lag    int64
		target int
		ok     bool
	}{
		{0, 3, true},
		{5, 3, true},
		{10, 3, true},
		{11, 0, false},
		{50, 0, false},
		{51, 4, true},
		{80, 6, true},
		{125, 9, true},
		{200, 15, true},
		{100000, 15, true},
	}
	for _, tt := range tests {
		got, ok := DesiredConcurrency(p, tt.lag)
		assert.Equal(t, tt.ok, ok, "lag=%d", tt.lag)
		if tt.ok {
			assert.Equal(t, tt.target, got, "lag=%d", tt.lag)
		}
	}
}

func TestDesiredConcurrency_MonotonicAndBounded(t *testing.T) {
	p := examplePolicy()
	prev := 0
	for lag := int64(0); lag <= 400; lag++ {
		got, ok := DesiredConcurrency(p, lag)
		if lag > p.ScaleDownThreshold && lag <= p.ScaleUpThreshold {
			assert.False(t, ok, "lag=%d must be neutral", lag)
			continue
		}
		require.True(t, ok)
		assert.GreaterOrEqual(t, got, p.Min)
		assert.LessOrEqual(t, got, p.Max)
		assert.GreaterOrEqual(t, got, prev, "lag=%d", lag)
		prev = got
	}
}

func TestPolicy_Normalize(t *testing.T) {
	p, err := examplePolicy().Normalize()
	require.NoError(t, err)
	assert.Equal(t, 15, p.Max)

	clamped := examplePolicy()
	clamped.TopicPartitions = 10
	p, err = clamped.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 10, p.Max)

	bad := []func(*Policy){
		func(p *Policy) { p.Min = 0 },
		func(p *Policy) { p.Max = 2 },
		func(p *Policy) { p.ScaleUpThreshold = 10 },
		func(p *Policy) { p.TopicPartitions = 2 },
	}
	for i, mutate := range bad {
		p := examplePolicy()
		mutate(&p)
		_, err := p.Normalize()
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "case %d", i)
	}

	zeroStep := examplePolicy()
	zeroStep.Step = 0
	p, err = zeroStep.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Step)
}

func TestDefaultPolicy_IsValid(t *testing.T) {
	p, err := DefaultPolicy().Normalize()
	require.NoError(t, err)
	assert.Equal(t, 10, p.Max, "defaults clamp max to the partition count")
}

func TestNextLevel_StepsAndClamps(t *testing.T) {
	p := examplePolicy()
	assert.Equal(t, 5, nextLevel(p, 3, 15))
	assert.Equal(t, 4, nextLevel(p, 3, 4))
	assert.Equal(t, 13, nextLevel(p, 15, 3))
	assert.Equal(t, 3, nextLevel(p, 4, 3))
	assert.Equal(t, 15, nextLevel(p, 14, 40))
	assert.Equal(t, 3, nextLevel(p, 1, 0))
}
