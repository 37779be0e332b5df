package config

import (
	"time"
)

// RetryConfig holds the retry budgets of both pipelines.
type RetryConfig struct {
	// MaxAttempts bounds outbound dispatch attempts per composite id.
	MaxAttempts int
	// SaveAttempts bounds record-store save attempts per result.
	SaveAttempts int
	// SaveInterval is the fixed delay between save attempts.
	SaveInterval time.Duration
}

// GetRetryConfig returns the retry configuration.
// In test environments the save interval is shortened.
func (c Config) GetRetryConfig() RetryConfig {
	rc := RetryConfig{
		MaxAttempts:  c.MaxAttempts,
		SaveAttempts: c.SaveRetryAttempts,
		SaveInterval: c.SaveRetryInterval,
	}
	if c.IsTest() && rc.SaveInterval > 50*time.Millisecond {
		rc.SaveInterval = 50 * time.Millisecond
	}
	return rc
}

// PoolSizes returns the worker pool core and max sizes, deriving unset values
// from the concurrency bounds (core = min, max = 2 x effectiveMax).
// effectiveMax is the ceiling the autoscaler can actually reach; zero falls
// back to ConcurrencyMax.
func (c Config) PoolSizes(effectiveMax int) (core, max int) {
	core, max = c.PoolCore, c.PoolMax
	if core <= 0 {
		core = c.ConcurrencyMin
	}
	if effectiveMax <= 0 {
		effectiveMax = c.ConcurrencyMax
	}
	if max <= 0 {
		max = effectiveMax * 2
	}
	if max < core {
		max = core
	}
	return core, max
}
