package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 3, cfg.ConcurrencyMin)
	assert.Equal(t, 15, cfg.ConcurrencyMax)
	assert.Equal(t, int64(50), cfg.ScaleUpThreshold)
	assert.Equal(t, int64(10), cfg.ScaleDownThreshold)
	assert.Equal(t, 2, cfg.ScaleStep)
	assert.Equal(t, 30*time.Second, cfg.ScaleCooldown)
	assert.Equal(t, 10*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 24*time.Hour, cfg.StateTTL)
	assert.Equal(t, 300*time.Second, cfg.LockTTL)
	assert.Equal(t, int32(3), cfg.DLQPartitions)
	assert.Equal(t, 25*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "/biruni/bmb/requests$pull", cfg.RecordStorePullURI)
	assert.False(t, cfg.ArchiveEnabled())
	assert.False(t, cfg.IngestActive(), "ingest needs a record store url")
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("CONCURRENCY_MAX", "8")
	t.Setenv("RECORD_STORE_BASE_URL", "http://records.local")
	t.Setenv("DB_URL", "postgres://u:p@localhost:5432/gw")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.ConcurrencyMax)
	assert.True(t, cfg.IngestActive())
	assert.True(t, cfg.ArchiveEnabled())
}

func Test_Load_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":     {"SCALE_COOLDOWN", "soon"},
		"zero attempts":    {"MAX_ATTEMPTS", "0"},
		"unknown policy":   {"POOL_SATURATION_POLICY", "block"},
		"zero save tries":  {"SAVE_RETRY_MAX_ATTEMPTS", "0"},
		"empty pool queue": {"POOL_QUEUE_CAPACITY", "0"},
		"max below min":    {"CONCURRENCY_MAX", "2"},
		"zero min":         {"CONCURRENCY_MIN", "0"},
		"flat thresholds":  {"SCALE_DOWN_THRESHOLD", "50"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "op=config.Load")
		})
	}
}

func Test_PoolSizes(t *testing.T) {
	cfg := Config{ConcurrencyMin: 3, ConcurrencyMax: 15}
	core, max := cfg.PoolSizes(0)
	assert.Equal(t, 3, core)
	assert.Equal(t, 30, max)

	_, max = cfg.PoolSizes(10)
	assert.Equal(t, 20, max, "derived max follows the reachable concurrency ceiling")

	cfg.PoolCore, cfg.PoolMax = 8, 4
	core, max = cfg.PoolSizes(10)
	assert.Equal(t, 8, core)
	assert.Equal(t, 8, max)
}

func Test_GetRetryConfig_TestEnvShortensInterval(t *testing.T) {
	cfg := Config{AppEnv: "test", MaxAttempts: 3, SaveRetryAttempts: 4, SaveRetryInterval: time.Second}
	rc := cfg.GetRetryConfig()
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 4, rc.SaveAttempts)
	assert.Equal(t, 50*time.Millisecond, rc.SaveInterval)

	cfg.AppEnv = "prod"
	assert.Equal(t, time.Second, cfg.GetRetryConfig().SaveInterval)
}
