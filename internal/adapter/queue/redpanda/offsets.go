package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// OffsetSource reads committed and log-end offsets with raw admin requests.
type OffsetSource struct {
	client kmsg.Requestor
}

// NewOffsetSource wraps a client, typically the admin client.
func NewOffsetSource(client kmsg.Requestor) *OffsetSource {
	return &OffsetSource{client: client}
}

// CommittedOffsets returns topic -> partition -> committed offset for group.
// Partitions without a commit are omitted.
func (s *OffsetSource) CommittedOffsets(ctx context.Context, group string) (map[string]map[int32]int64, error) {
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = group

	resp, err := req.RequestWith(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("op=offsets.committed group=%s: %w", group, err)
	}
	out, err := committedFromResponse(group, resp)
	if err != nil {
		return nil, fmt.Errorf("op=offsets.committed group=%s: %w", group, err)
	}
	return out, nil
}

// committedFromResponse handles both the single-group (v0-v7) and the
// batched (v8+) response layouts.
func committedFromResponse(group string, resp *kmsg.OffsetFetchResponse) (map[string]map[int32]int64, error) {
	out := make(map[string]map[int32]int64)
	add := func(topic string, partition int32, offset int64) {
		if offset < 0 {
			return
		}
		if out[topic] == nil {
			out[topic] = make(map[int32]int64)
		}
		out[topic][partition] = offset
	}

	if len(resp.Groups) > 0 {
		for _, g := range resp.Groups {
			if g.Group != group {
				continue
			}
			if err := kerr.ErrorForCode(g.ErrorCode); err != nil {
				return nil, err
			}
			for _, t := range g.Topics {
				for _, p := range t.Partitions {
					if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
						return nil, fmt.Errorf("%s[%d]: %w", t.Topic, p.Partition, err)
					}
					add(t.Topic, p.Partition, p.Offset)
				}
			}
		}
		return out, nil
	}

	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return nil, err
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", t.Topic, p.Partition, err)
			}
			add(t.Topic, p.Partition, p.Offset)
		}
	}
	return out, nil
}

// EndOffsets returns partition -> log-end offset for topic.
func (s *OffsetSource) EndOffsets(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic
	for _, p := range partitions {
		rp := kmsg.NewListOffsetsRequestTopicPartition()
		rp.Partition = p
		rp.Timestamp = -1 // latest
		rt.Partitions = append(rt.Partitions, rp)
	}
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("op=offsets.end topic=%s: %w", topic, err)
	}
	out, err := endFromResponse(topic, resp)
	if err != nil {
		return nil, fmt.Errorf("op=offsets.end topic=%s: %w", topic, err)
	}
	return out, nil
}

func endFromResponse(topic string, resp *kmsg.ListOffsetsResponse) (map[int32]int64, error) {
	out := make(map[int32]int64)
	for _, t := range resp.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("partition %d: %w", p.Partition, err)
			}
			out[p.Partition] = p.Offset
		}
	}
	return out, nil
}
