// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	Port            int    `env:"PORT" envDefault:"8090"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"request-gateway"`
	// DBURL enables the dead-letter archive when set.
	DBURL    string `env:"DB_URL" envDefault:""`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Broker
	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaGroupID          string        `env:"KAFKA_GROUP_ID" envDefault:"request-gateway"`
	TopicRequestNew       string        `env:"TOPIC_REQUEST_NEW" envDefault:"request-new"`
	TopicRequestResponse  string        `env:"TOPIC_REQUEST_RESPONSE" envDefault:"request-response"`
	TopicRequestCallback  string        `env:"TOPIC_REQUEST_CALLBACK" envDefault:"request-callback"`
	TopicRequestDLQ       string        `env:"TOPIC_REQUEST_DLQ" envDefault:"request-dlq"`
	TopicReplication      int16         `env:"TOPIC_REPLICATION" envDefault:"1"`
	DLQPartitions         int32         `env:"DLQ_PARTITIONS" envDefault:"3"`
	KafkaMaxPollRecords   int           `env:"KAFKA_MAX_POLL_RECORDS" envDefault:"50"`
	KafkaFetchMaxWait     time.Duration `env:"KAFKA_FETCH_MAX_WAIT" envDefault:"500ms"`
	KafkaSessionTimeout   time.Duration `env:"KAFKA_SESSION_TIMEOUT" envDefault:"30s"`
	ConsumerDrainTimeout  time.Duration `env:"CONSUMER_DRAIN_TIMEOUT" envDefault:"5s"`
	DeadLetterArchiveGrp  string        `env:"DLQ_ARCHIVE_GROUP_ID" envDefault:"request-gateway-dlq-archive"`
	DeadLetterRetention   time.Duration `env:"DLQ_RETENTION" envDefault:"168h"`
	DeadLetterSweepPeriod time.Duration `env:"DLQ_SWEEP_INTERVAL" envDefault:"24h"`

	// State store
	StateTTL time.Duration `env:"STATE_TTL" envDefault:"24h"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"300s"`

	// Concurrency autoscaling
	ConcurrencyMin     int           `env:"CONCURRENCY_MIN" envDefault:"3"`
	ConcurrencyMax     int           `env:"CONCURRENCY_MAX" envDefault:"15"`
	MonitorInterval    time.Duration `env:"MONITOR_INTERVAL" envDefault:"10s"`
	ScaleUpThreshold   int64         `env:"SCALE_UP_THRESHOLD" envDefault:"50"`
	ScaleDownThreshold int64         `env:"SCALE_DOWN_THRESHOLD" envDefault:"10"`
	ScaleStep          int           `env:"SCALE_STEP" envDefault:"2"`
	ScaleCooldown      time.Duration `env:"SCALE_COOLDOWN" envDefault:"30s"`
	TopicPartitions    int32         `env:"TOPIC_PARTITIONS" envDefault:"10"`
	LagFetchTimeout    time.Duration `env:"LAG_FETCH_TIMEOUT" envDefault:"10s"`

	// Worker pool. Zero sizes derive from the concurrency bounds.
	PoolCore             int           `env:"POOL_CORE" envDefault:"0"`
	PoolMax              int           `env:"POOL_MAX" envDefault:"0"`
	PoolQueueCapacity    int           `env:"POOL_QUEUE_CAPACITY" envDefault:"200"`
	PoolKeepAlive        time.Duration `env:"POOL_KEEP_ALIVE" envDefault:"60s"`
	PoolSaturationPolicy string        `env:"POOL_SATURATION_POLICY" envDefault:"caller_runs"`
	ShutdownGrace        time.Duration `env:"SHUTDOWN_GRACE" envDefault:"25s"`

	// Outbound dispatch
	DispatchConnectTimeout time.Duration `env:"DISPATCH_CONNECT_TIMEOUT" envDefault:"10s"`
	DispatchReadTimeout    time.Duration `env:"DISPATCH_READ_TIMEOUT" envDefault:"30s"`
	DispatchWriteTimeout   time.Duration `env:"DISPATCH_WRITE_TIMEOUT" envDefault:"30s"`
	DispatchMaxBodyBytes   int64         `env:"DISPATCH_MAX_RESPONSE_BYTES" envDefault:"16777216"`
	MaxAttempts            int           `env:"MAX_ATTEMPTS" envDefault:"3"`

	// Circuit breaker
	CBFailureRateThreshold  float64       `env:"CB_FAILURE_RATE_THRESHOLD" envDefault:"50"`
	CBSlowCallRateThreshold float64       `env:"CB_SLOW_CALL_RATE_THRESHOLD" envDefault:"100"`
	CBSlowCallDuration      time.Duration `env:"CB_SLOW_CALL_DURATION" envDefault:"10s"`
	CBMinimumCalls          int           `env:"CB_MINIMUM_CALLS" envDefault:"10"`
	CBWindowSize            int           `env:"CB_WINDOW_SIZE" envDefault:"20"`
	CBOpenWait              time.Duration `env:"CB_OPEN_WAIT" envDefault:"30s"`
	CBHalfOpenCalls         int           `env:"CB_HALF_OPEN_CALLS" envDefault:"3"`

	// External record store
	RecordStoreBaseURL  string        `env:"RECORD_STORE_BASE_URL" envDefault:""`
	RecordStoreUsername string        `env:"RECORD_STORE_USERNAME"`
	RecordStorePassword string        `env:"RECORD_STORE_PASSWORD"`
	RecordStorePullURI  string        `env:"RECORD_STORE_PULL_URI" envDefault:"/biruni/bmb/requests$pull"`
	RecordStoreSaveURI  string        `env:"RECORD_STORE_SAVE_URI" envDefault:"/biruni/bmb/requests$save"`
	RecordStoreTimeout  time.Duration `env:"RECORD_STORE_TIMEOUT" envDefault:"60s"`
	SaveRetryAttempts   int           `env:"SAVE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	SaveRetryInterval   time.Duration `env:"SAVE_RETRY_INTERVAL" envDefault:"1s"`
	CallbackEnabled     bool          `env:"CALLBACK_ENABLED" envDefault:"false"`

	// Ingest poller
	IngestEnabled     bool          `env:"INGEST_ENABLED" envDefault:"true"`
	IngestInterval    time.Duration `env:"INGEST_INTERVAL" envDefault:"5s"`
	IngestPublishRate float64       `env:"INGEST_PUBLISH_RATE" envDefault:"200"`

	// Operational HTTP surface
	DebugEndpointsEnabled bool          `env:"DEBUG_ENDPOINTS_ENABLED" envDefault:"false"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if c.ConcurrencyMin < 1 {
		return fmt.Errorf("CONCURRENCY_MIN must be >= 1, got %d", c.ConcurrencyMin)
	}
	if c.ConcurrencyMax < c.ConcurrencyMin {
		return fmt.Errorf("CONCURRENCY_MAX (%d) must be >= CONCURRENCY_MIN (%d)", c.ConcurrencyMax, c.ConcurrencyMin)
	}
	if c.ScaleUpThreshold <= c.ScaleDownThreshold {
		return fmt.Errorf("SCALE_UP_THRESHOLD (%d) must be > SCALE_DOWN_THRESHOLD (%d)", c.ScaleUpThreshold, c.ScaleDownThreshold)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.SaveRetryAttempts < 1 {
		return fmt.Errorf("SAVE_RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.SaveRetryAttempts)
	}
	if c.PoolQueueCapacity < 1 {
		return fmt.Errorf("POOL_QUEUE_CAPACITY must be >= 1, got %d", c.PoolQueueCapacity)
	}
	switch strings.ToLower(c.PoolSaturationPolicy) {
	case "caller_runs", "reject", "drop":
	default:
		return fmt.Errorf("POOL_SATURATION_POLICY must be one of caller_runs, reject, drop; got %q", c.PoolSaturationPolicy)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ArchiveEnabled reports whether dead letters are archived to PostgreSQL.
func (c Config) ArchiveEnabled() bool { return strings.TrimSpace(c.DBURL) != "" }

// IngestActive reports whether the record-store ingest poller should run.
func (c Config) IngestActive() bool {
	return c.IngestEnabled && strings.TrimSpace(c.RecordStoreBaseURL) != ""
}
