package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// TopicSpec describes one topic to create.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// GatewayTopicSpecs returns the four gateway topics. The DLQ gets its own
// partition count.
func GatewayTopicSpecs(t Topics, partitions, dlqPartitions int32, replication int16) []TopicSpec {
	return []TopicSpec{
		{Name: t.New, Partitions: partitions, ReplicationFactor: replication},
		{Name: t.Response, Partitions: partitions, ReplicationFactor: replication},
		{Name: t.Callback, Partitions: partitions, ReplicationFactor: replication},
		{Name: t.DLQ, Partitions: dlqPartitions, ReplicationFactor: replication},
	}
}

// EnsureTopics creates every topic in specs, treating "already exists" as success.
func EnsureTopics(ctx context.Context, client *kgo.Client, specs []TopicSpec) error {
	var errs []error
	for _, s := range specs {
		if err := createTopicIfNotExists(ctx, client, s.Name, s.Partitions, s.ReplicationFactor); err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func validateTopicSpec(topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}
	return nil
}

func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if err := validateTopicSpec(topic, partitions, replicationFactor); err != nil {
		return err
	}
	slog.Info("ensuring topic exists",
		slog.String("topic", topic),
		slog.Int("partitions", int(partitions)),
		slog.Int("replication_factor", int(replicationFactor)))

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	return checkCreateTopicsResponse(createTopicsResp)
}

// checkCreateTopicsResponse maps per-topic error codes; code 36
// (TOPIC_ALREADY_EXISTS) is success.
func checkCreateTopicsResponse(resp *kmsg.CreateTopicsResponse) error {
	for _, topicResp := range resp.Topics {
		err := kerr.ErrorForCode(topicResp.ErrorCode)
		switch {
		case err == nil:
			slog.Info("topic created", slog.String("topic", topicResp.Topic))
		case errors.Is(err, kerr.TopicAlreadyExists):
			slog.Debug("topic already exists", slog.String("topic", topicResp.Topic))
		default:
			msg := ""
			if topicResp.ErrorMessage != nil {
				msg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %w: %s (code %d)", err, msg, topicResp.ErrorCode)
		}
	}
	return nil
}
