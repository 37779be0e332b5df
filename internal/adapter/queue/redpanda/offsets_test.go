package redpanda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestCommittedFromResponse_SingleGroupLayout(t *testing.T) {
	resp := kmsg.NewPtrOffsetFetchResponse()
	topic := kmsg.NewOffsetFetchResponseTopic()
	topic.Topic = "request-new"
	for _, po := range [][2]int64{{0, 100}, {1, 200}, {2, -1}} {
		p := kmsg.NewOffsetFetchResponseTopicPartition()
		p.Partition = int32(po[0])
		p.Offset = po[1]
		topic.Partitions = append(topic.Partitions, p)
	}
	resp.Topics = append(resp.Topics, topic)

	out, err := committedFromResponse("g", resp)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[int32]int64{"request-new": {0: 100, 1: 200}}, out)
}

func TestCommittedFromResponse_BatchedLayout(t *testing.T) {
	resp := kmsg.NewPtrOffsetFetchResponse()
	other := kmsg.NewOffsetFetchResponseGroup()
	other.Group = "other"
	g := kmsg.NewOffsetFetchResponseGroup()
	g.Group = "g"
	topic := kmsg.NewOffsetFetchResponseGroupTopic()
	topic.Topic = "request-response"
	p := kmsg.NewOffsetFetchResponseGroupTopicPartition()
	p.Partition = 4
	p.Offset = 42
	topic.Partitions = append(topic.Partitions, p)
	g.Topics = append(g.Topics, topic)
	resp.Groups = append(resp.Groups, other, g)

	out, err := committedFromResponse("g", resp)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[int32]int64{"request-response": {4: 42}}, out)
}

func TestCommittedFromResponse_GroupError(t *testing.T) {
	resp := kmsg.NewPtrOffsetFetchResponse()
	resp.ErrorCode = kerr.CoordinatorNotAvailable.Code

	_, err := committedFromResponse("g", resp)
	assert.ErrorIs(t, err, kerr.CoordinatorNotAvailable)
}

func TestEndFromResponse(t *testing.T) {
	resp := kmsg.NewPtrListOffsetsResponse()
	topic := kmsg.NewListOffsetsResponseTopic()
	topic.Topic = "request-new"
	for _, po := range [][2]int64{{0, 160}, {1, 230}} {
		p := kmsg.NewListOffsetsResponseTopicPartition()
		p.Partition = int32(po[0])
		p.Offset = po[1]
		topic.Partitions = append(topic.Partitions, p)
	}
	resp.Topics = append(resp.Topics, topic)

	out, err := endFromResponse("request-new", resp)
	require.NoError(t, err)
	assert.Equal(t, map[int32]int64{0: 160, 1: 230}, out)

	topic.Partitions[0].ErrorCode = kerr.NotLeaderForPartition.Code
	resp.Topics[0] = topic
	_, err = endFromResponse("request-new", resp)
	assert.ErrorIs(t, err, kerr.NotLeaderForPartition)
}
