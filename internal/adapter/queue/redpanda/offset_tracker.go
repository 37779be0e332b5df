package redpanda

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

type partitionTrack struct {
	pending []*kgo.Record
	acked   map[int64]bool
}

// offsetTracker releases commit marks only up to the highest contiguously
// acknowledged offset of each partition. Records must be tracked in fetch
// order; acks may arrive in any order from any goroutine.
type offsetTracker struct {
	mark func(*kgo.Record)

	mu       sync.Mutex
	parts    map[topicPartition]*partitionTrack
	inflight int
	closed   bool
}

func newOffsetTracker(mark func(*kgo.Record)) *offsetTracker {
	return &offsetTracker{mark: mark, parts: make(map[topicPartition]*partitionTrack)}
}

// Track registers r as in flight and returns its Message.
func (t *offsetTracker) Track(r *kgo.Record) *recordMessage {
	tp := topicPartition{r.Topic, r.Partition}
	t.mu.Lock()
	pt, ok := t.parts[tp]
	if !ok {
		pt = &partitionTrack{acked: make(map[int64]bool)}
		t.parts[tp] = pt
	}
	pt.pending = append(pt.pending, r)
	t.inflight++
	t.mu.Unlock()
	return &recordMessage{r: r, ack: func(r *kgo.Record) { t.ack(pt, r) }}
}

func (t *offsetTracker) ack(pt *partitionTrack, r *kgo.Record) {
	t.mu.Lock()
	if t.parts[topicPartition{r.Topic, r.Partition}] != pt {
		// Partition was revoked after delivery.
		t.mu.Unlock()
		return
	}
	pt.acked[r.Offset] = true
	var last *kgo.Record
	for len(pt.pending) > 0 && pt.acked[pt.pending[0].Offset] {
		last = pt.pending[0]
		delete(pt.acked, last.Offset)
		pt.pending = pt.pending[1:]
		t.inflight--
	}
	// Marking under the lock keeps marks monotonic per partition.
	if last != nil && !t.closed {
		t.mark(last)
	}
	t.mu.Unlock()
}

// Forget drops tracking for the given partitions. Later acks for their
// records are ignored.
func (t *offsetTracker) Forget(partitions map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, ps := range partitions {
		for _, p := range ps {
			tp := topicPartition{topic, p}
			if pt, ok := t.parts[tp]; ok {
				t.inflight -= len(pt.pending)
				delete(t.parts, tp)
			}
		}
	}
}

// InFlight returns the number of tracked records not yet released.
func (t *offsetTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight
}

// Wait blocks until every tracked record is released or ctx is done.
func (t *offsetTracker) Wait(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if t.InFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close stops further marks; the client is about to go away.
func (t *offsetTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// recordMessage adapts a kgo record to domain.Message.
type recordMessage struct {
	r    *kgo.Record
	ack  func(*kgo.Record)
	once sync.Once
}

func (m *recordMessage) Topic() string    { return m.r.Topic }
func (m *recordMessage) Partition() int32 { return m.r.Partition }
func (m *recordMessage) Offset() int64    { return m.r.Offset }
func (m *recordMessage) Key() []byte      { return m.r.Key }
func (m *recordMessage) Value() []byte    { return m.r.Value }

func (m *recordMessage) Header(name string) string {
	for _, h := range m.r.Headers {
		if h.Key == name {
			return string(h.Value)
		}
	}
	return ""
}

func (m *recordMessage) Ack() { m.once.Do(func() { m.ack(m.r) }) }
