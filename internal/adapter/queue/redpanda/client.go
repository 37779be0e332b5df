package redpanda

import (
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// Header names carried on gateway records.
const (
	HeaderCompositeID = "composite_id"
	HeaderAttempt     = "attempt"
	HeaderErrorSource = "error_source"
	HeaderErrorReason = "error_reason"
)

const flushTimeout = 10 * time.Second

// ClientConfig holds the settings shared by every kgo client the gateway opens.
type ClientConfig struct {
	Brokers        []string
	ClientID       string
	DialTimeout    time.Duration
	RequestRetries int
}

func (c ClientConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("no seed brokers provided")
	}
	return nil
}

// baseOpts returns seed, timeout and tracing options common to producers and consumers.
func baseOpts(cfg ClientConfig) []kgo.Opt {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 10 * time.Second
	}
	retries := cfg.RequestRetries
	if retries <= 0 {
		retries = 10
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "request-gateway"
	}
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
			kotel.TracerPropagator(otel.GetTextMapPropagator()),
		)),
	)
	return []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(dial),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.RequestRetries(retries),
	}
}

// NewAdminClient opens a non-group client for topic administration, offset
// queries and readiness pings.
func NewAdminClient(cfg ClientConfig) (*kgo.Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(baseOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("redpanda admin client: %w", err)
	}
	return cl, nil
}
