// Package concurrency scales consumer worker groups from observed broker lag.
package concurrency

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// Policy bounds and paces scaling for a worker group.
type Policy struct {
	Min                int
	Max                int
	ScaleUpThreshold   int64
	ScaleDownThreshold int64
	Step               int
	Cooldown           time.Duration
	// TopicPartitions caps Max: workers beyond the partition count would idle.
	TopicPartitions int32
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Min:                3,
		Max:                15,
		ScaleUpThreshold:   50,
		ScaleDownThreshold: 10,
		Step:               2,
		Cooldown:           30 * time.Second,
		TopicPartitions:    10,
	}
}

// Normalize validates p and clamps Max to the partition count.
func (p Policy) Normalize() (Policy, error) {
	if p.Min < 1 {
		return p, fmt.Errorf("%w: min concurrency must be >= 1, got %d", domain.ErrInvalidArgument, p.Min)
	}
	if p.Max < p.Min {
		return p, fmt.Errorf("%w: max concurrency (%d) must be >= min (%d)", domain.ErrInvalidArgument, p.Max, p.Min)
	}
	if p.ScaleUpThreshold <= p.ScaleDownThreshold {
		return p, fmt.Errorf("%w: scale-up threshold (%d) must be > scale-down threshold (%d)",
			domain.ErrInvalidArgument, p.ScaleUpThreshold, p.ScaleDownThreshold)
	}
	if p.Step < 1 {
		p.Step = 1
	}
	if p.TopicPartitions > 0 && p.Max > int(p.TopicPartitions) {
		slog.Warn("max concurrency exceeds topic partitions; clamping",
			slog.Int("max_concurrency", p.Max),
			slog.Int("topic_partitions", int(p.TopicPartitions)))
		p.Max = int(p.TopicPartitions)
		if p.Max < p.Min {
			return p, fmt.Errorf("%w: topic partitions (%d) below min concurrency (%d)",
				domain.ErrInvalidArgument, p.TopicPartitions, p.Min)
		}
	}
	return p, nil
}

// DesiredConcurrency maps lag to a target level. ok is false in the neutral
// zone (ScaleDownThreshold, ScaleUpThreshold], meaning "leave as is". Above
// the upper threshold the target ramps linearly from Min and reaches Max at
// 3x the threshold past it.
func DesiredConcurrency(p Policy, lag int64) (target int, ok bool) {
	switch {
	case lag <= p.ScaleDownThreshold:
		return p.Min, true
	case lag > p.ScaleUpThreshold:
		ratio := float64(lag-p.ScaleUpThreshold) / float64(3*p.ScaleUpThreshold)
		if ratio > 1 {
			ratio = 1
		}
		target = p.Min + int(math.Ceil(float64(p.Max-p.Min)*ratio))
		if target > p.Max {
			target = p.Max
		}
		return target, true
	default:
		return 0, false
	}
}

// nextLevel moves current at most step toward target, clamped to [min,max].
func nextLevel(p Policy, current, target int) int {
	next := target
	if target > current && target-current > p.Step {
		next = current + p.Step
	} else if target < current && current-target > p.Step {
		next = current - p.Step
	}
	if next < p.Min {
		next = p.Min
	}
	if next > p.Max {
		next = p.Max
	}
	return next
}
