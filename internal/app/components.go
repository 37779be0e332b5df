package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fairyhunter13/request-gateway/internal/adapter/dispatch"
	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/request-gateway/internal/adapter/recordstore"
	"github.com/fairyhunter13/request-gateway/internal/config"
	"github.com/fairyhunter13/request-gateway/internal/service/concurrency"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

// Listener ids double as scaling keys.
const (
	ListenerRequest  = "request-new"
	ListenerResponse = "request-response"
)

// ScalingPolicy converts the autoscaling settings into a normalized policy.
func ScalingPolicy(cfg config.Config) (concurrency.Policy, error) {
	p, err := concurrency.Policy{
		Min:                cfg.ConcurrencyMin,
		Max:                cfg.ConcurrencyMax,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		Step:               cfg.ScaleStep,
		Cooldown:           cfg.ScaleCooldown,
		TopicPartitions:    cfg.TopicPartitions,
	}.Normalize()
	if err != nil {
		return p, fmt.Errorf("op=app.ScalingPolicy: %w", err)
	}
	return p, nil
}

// PoolConfig sizes the shared worker pool against the normalized scaling
// policy, so a partition-clamped max also bounds the pool.
func PoolConfig(cfg config.Config, scaling concurrency.Policy) (workerpool.Config, error) {
	policy, err := workerpool.ParsePolicy(cfg.PoolSaturationPolicy)
	if err != nil {
		return workerpool.Config{}, fmt.Errorf("op=app.PoolConfig: %w", err)
	}
	core, max := cfg.PoolSizes(scaling.Max)
	return workerpool.Config{
		Name:          "dispatch",
		Core:          core,
		Max:           max,
		QueueCapacity: cfg.PoolQueueCapacity,
		KeepAlive:     cfg.PoolKeepAlive,
		Policy:        policy,
	}, nil
}

func BreakerConfig(cfg config.Config) observability.BreakerConfig {
	return observability.BreakerConfig{
		FailureRateThreshold:  cfg.CBFailureRateThreshold,
		SlowCallRateThreshold: cfg.CBSlowCallRateThreshold,
		SlowCallDuration:      cfg.CBSlowCallDuration,
		MinimumCalls:          cfg.CBMinimumCalls,
		WindowSize:            cfg.CBWindowSize,
		OpenWait:              cfg.CBOpenWait,
		HalfOpenCalls:         cfg.CBHalfOpenCalls,
	}
}

func DispatchConfig(cfg config.Config) dispatch.Config {
	return dispatch.Config{
		ConnectTimeout:   cfg.DispatchConnectTimeout,
		ReadTimeout:      cfg.DispatchReadTimeout,
		WriteTimeout:     cfg.DispatchWriteTimeout,
		MaxResponseBytes: cfg.DispatchMaxBodyBytes,
	}
}

func RecordStoreConfig(cfg config.Config) recordstore.Config {
	return recordstore.Config{
		BaseURL:  cfg.RecordStoreBaseURL,
		Username: cfg.RecordStoreUsername,
		Password: cfg.RecordStorePassword,
		PullURI:  cfg.RecordStorePullURI,
		SaveURI:  cfg.RecordStoreSaveURI,
		Timeout:  cfg.RecordStoreTimeout,
	}
}

// BrokerClient returns the kgo settings shared by every client. The client id
// carries the hostname so members are distinguishable in the broker.
func BrokerClient(cfg config.Config) redpanda.ClientConfig {
	id := cfg.OTELServiceName
	if host, err := os.Hostname(); err == nil && host != "" {
		id = id + "-" + host
	}
	return redpanda.ClientConfig{Brokers: cfg.KafkaBrokers, ClientID: id}
}

func Topics(cfg config.Config) redpanda.Topics {
	return redpanda.Topics{
		New:      cfg.TopicRequestNew,
		Response: cfg.TopicRequestResponse,
		Callback: cfg.TopicRequestCallback,
		DLQ:      cfg.TopicRequestDLQ,
	}
}

func TopicSpecs(cfg config.Config) []redpanda.TopicSpec {
	return redpanda.GatewayTopicSpecs(Topics(cfg), cfg.TopicPartitions, cfg.DLQPartitions, cfg.TopicReplication)
}

// GroupConfigs returns the request and response listener settings. Both
// start at the minimum concurrency.
func GroupConfigs(cfg config.Config) (request, response redpanda.GroupConfig) {
	base := redpanda.GroupConfig{
		Group:          cfg.KafkaGroupID,
		Concurrency:    cfg.ConcurrencyMin,
		MaxPollRecords: cfg.KafkaMaxPollRecords,
		FetchMaxWait:   cfg.KafkaFetchMaxWait,
		SessionTimeout: cfg.KafkaSessionTimeout,
		DrainTimeout:   cfg.ConsumerDrainTimeout,
	}
	request, response = base, base
	request.ID, request.Topic = ListenerRequest, cfg.TopicRequestNew
	response.ID, response.Topic = ListenerResponse, cfg.TopicRequestResponse
	return request, response
}

// MonitorConfig maps each consumed topic to the listener that scales with it.
func MonitorConfig(cfg config.Config) concurrency.MonitorConfig {
	return concurrency.MonitorConfig{
		Group:    cfg.KafkaGroupID,
		Interval: cfg.MonitorInterval,
		Timeout:  cfg.LagFetchTimeout,
		Topics: map[string]string{
			cfg.TopicRequestNew:      ListenerRequest,
			cfg.TopicRequestResponse: ListenerResponse,
		},
	}
}

// RecordScaleEvent is the controller scale hook.
func RecordScaleEvent(groupID string, from, to int) {
	direction := "up"
	if to < from {
		direction = "down"
	}
	observability.RecordScale(groupID, direction)
}

// RecordBreakerTransition is the breaker state-change hook.
func RecordBreakerTransition(name string, from, to observability.CircuitBreakerState) {
	observability.RecordCircuitBreakerState(name, to)
	slog.Warn("circuit breaker state changed",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}
