// Package redpanda carries gateway jobs, results, callbacks and dead letters
// over Redpanda/Kafka using franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// Topics names the four gateway topics.
type Topics struct {
	New      string
	Response string
	Callback string
	DLQ      string
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		New:      "request-new",
		Response: "request-response",
		Callback: "request-callback",
		DLQ:      "request-dlq",
	}
}

// Producer implements domain.Publisher with synchronous delivery.
type Producer struct {
	client *kgo.Client
	topics Topics
}

// NewProducer constructs a Producer.
func NewProducer(cfg ClientConfig, topics Topics) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", cfg.Brokers))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := append(baseOpts(cfg),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create redpanda client", slog.Any("error", err))
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	return &Producer{client: client, topics: topics}, nil
}

// PublishRequest queues a job on the new-request topic. attempt is the number
// of dispatches already made; zero omits the header.
func (p *Producer) PublishRequest(ctx domain.Context, job domain.JobRecord, attempt int) error {
	r, err := newRecord(p.topics.New, job.CompositeID(), job, requestHeaders(job.CompositeID(), attempt)...)
	if err != nil {
		return fmt.Errorf("op=producer.PublishRequest: %w", err)
	}
	return p.produce(ctx, "op=producer.PublishRequest", r)
}

// PublishResult queues a dispatch result for saving.
func (p *Producer) PublishResult(ctx domain.Context, res domain.ResultRecord) error {
	id := res.CompositeID()
	r, err := newRecord(p.topics.Response, id, res, kgo.RecordHeader{Key: HeaderCompositeID, Value: []byte(id)})
	if err != nil {
		return fmt.Errorf("op=producer.PublishResult: %w", err)
	}
	return p.produce(ctx, "op=producer.PublishResult", r)
}

// PublishCallback queues a callback event.
func (p *Producer) PublishCallback(ctx domain.Context, ev domain.CallbackEvent) error {
	id := ev.CompositeID()
	r, err := newRecord(p.topics.Callback, id, ev, kgo.RecordHeader{Key: HeaderCompositeID, Value: []byte(id)})
	if err != nil {
		return fmt.Errorf("op=producer.PublishCallback: %w", err)
	}
	return p.produce(ctx, "op=producer.PublishCallback", r)
}

// PublishDeadLetter queues a permanently failed job.
func (p *Producer) PublishDeadLetter(ctx domain.Context, dl domain.DeadLetter) error {
	r, err := newRecord(p.topics.DLQ, dl.CompositeID(), dl, deadLetterHeaders(dl)...)
	if err != nil {
		return fmt.Errorf("op=producer.PublishDeadLetter: %w", err)
	}
	return p.produce(ctx, "op=producer.PublishDeadLetter", r)
}

func (p *Producer) produce(ctx context.Context, op string, r *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		slog.Error("failed to produce message",
			slog.String("topic", r.Topic),
			slog.String("key", string(r.Key)),
			slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.Debug("message produced", slog.String("topic", r.Topic), slog.String("key", string(r.Key)))
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error { return p.client.Ping(ctx) }

// Client exposes the underlying client for topic administration.
func (p *Producer) Client() *kgo.Client { return p.client }

// Close flushes buffered records and closes the producer.
func (p *Producer) Close() error {
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

func newRecord(topic, key string, v any, headers ...kgo.RecordHeader) (*kgo.Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &kgo.Record{Topic: topic, Key: []byte(key), Value: b, Headers: headers}, nil
}

func requestHeaders(id string, attempt int) []kgo.RecordHeader {
	hs := []kgo.RecordHeader{{Key: HeaderCompositeID, Value: []byte(id)}}
	if attempt > 0 {
		hs = append(hs, kgo.RecordHeader{Key: HeaderAttempt, Value: []byte(strconv.Itoa(attempt))})
	}
	return hs
}

func deadLetterHeaders(dl domain.DeadLetter) []kgo.RecordHeader {
	return []kgo.RecordHeader{
		{Key: HeaderCompositeID, Value: []byte(dl.CompositeID())},
		{Key: HeaderAttempt, Value: []byte(strconv.Itoa(dl.Attempts))},
		{Key: HeaderErrorSource, Value: []byte(dl.ErrorSource)},
		{Key: HeaderErrorReason, Value: []byte(dl.ErrorMessage)},
	}
}

var _ domain.Publisher = (*Producer)(nil)
