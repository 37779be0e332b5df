package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// DeadLetterArchiver copies dead-letter records into a durable archive.
type DeadLetterArchiver struct {
	client   *kgo.Client
	archive  domain.DeadLetterArchive
	groupID  string
	topic    string
	attempts uint64
	interval time.Duration
}

// NewDeadLetterArchiver creates an archiver consuming topic with its own group.
func NewDeadLetterArchiver(cfg ClientConfig, groupID, topic string, archive domain.DeadLetterArchive) (*DeadLetterArchiver, error) {
	slog.Info("creating dead-letter archiver", slog.Any("brokers", cfg.Brokers), slog.String("group_id", groupID))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	opts := append(baseOpts(cfg),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.FetchMaxBytes(1048576),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.AutoCommitMarks(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create dead-letter archiver client", slog.Any("error", err))
		return nil, fmt.Errorf("dead-letter archiver client: %w", err)
	}
	return newDeadLetterArchiver(client, groupID, topic, archive), nil
}

func newDeadLetterArchiver(client *kgo.Client, groupID, topic string, archive domain.DeadLetterArchive) *DeadLetterArchiver {
	return &DeadLetterArchiver{
		client:   client,
		archive:  archive,
		groupID:  groupID,
		topic:    topic,
		attempts: 5,
		interval: 500 * time.Millisecond,
	}
}

// Run polls until ctx is done or the client is closed.
func (a *DeadLetterArchiver) Run(ctx context.Context) {
	slog.Info("dead-letter archiver started", slog.String("topic", a.topic), slog.String("group_id", a.groupID))
	for {
		fetches := a.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("dead-letter archiver stopped")
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("dead-letter fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if fetches.NumRecords() == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if err := a.handle(ctx, r.Value); err != nil {
				slog.Error("failed to archive dead letter",
					slog.String("key", string(r.Key)),
					slog.Int("partition", int(r.Partition)),
					slog.Int64("offset", r.Offset),
					slog.Any("error", err))
			}
			a.client.MarkCommitRecords(r)
		})
	}
}

// handle decodes one record and inserts it with bounded retry. Undecodable
// records are reported and skipped.
func (a *DeadLetterArchiver) handle(ctx context.Context, value []byte) error {
	var dl domain.DeadLetter
	if err := json.Unmarshal(value, &dl); err != nil {
		return fmt.Errorf("op=dlq_archiver.decode: %w", err)
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(a.interval), a.attempts-1), ctx)
	if err := backoff.Retry(func() error { return a.archive.Insert(ctx, dl) }, bo); err != nil {
		return fmt.Errorf("op=dlq_archiver.insert id=%s: %w", dl.CompositeID(), err)
	}
	slog.Info("dead letter archived",
		slog.String("composite_id", dl.CompositeID()),
		slog.String("error_source", string(dl.ErrorSource)))
	return nil
}

// Close commits marks and closes the client.
func (a *DeadLetterArchiver) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.CommitMarkedOffsets(ctx); err != nil {
		slog.Warn("dead-letter archiver commit failed", slog.Any("error", err))
	}
	a.client.Close()
}
