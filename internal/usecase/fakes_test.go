package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/request-gateway/internal/domain"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

type fakeMessage struct {
	topic     string
	partition int32
	offset    int64
	value     []byte
	headers   map[string]string
	acks      atomic.Int32
}

func newMessage(t *testing.T, topic string, offset int64, v any) *fakeMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return &fakeMessage{topic: topic, offset: offset, value: b}
}

func (m *fakeMessage) Topic() string    { return m.topic }
func (m *fakeMessage) Partition() int32 { return m.partition }
func (m *fakeMessage) Offset() int64    { return m.offset }
func (m *fakeMessage) Key() []byte      { return nil }
func (m *fakeMessage) Value() []byte    { return m.value }
func (m *fakeMessage) Header(name string) string {
	return m.headers[name]
}
func (m *fakeMessage) Ack()        { m.acks.Add(1) }
func (m *fakeMessage) acked() bool { return m.acks.Load() > 0 }

type fakeState struct {
	mu      sync.Mutex
	states  map[string]domain.RequestState
	locks   map[string]bool
	failOn  map[string]error
	creates int
}

func newFakeState() *fakeState {
	return &fakeState{
		states: map[string]domain.RequestState{},
		locks:  map[string]bool{},
		failOn: map[string]error{},
	}
}

func (s *fakeState) err(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failOn[op]
}

func (s *fakeState) GetState(_ domain.Context, id string) (domain.RequestState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *fakeState) CreateInitialState(_ domain.Context, id string, partition int32, offset int64) (domain.RequestState, error) {
	if err := s.err("create"); err != nil {
		return domain.RequestState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	st := s.states[id]
	st.CompositeID = id
	st.Status = domain.StatusProcessing
	st.KafkaPartition = partition
	st.KafkaOffset = offset
	s.states[id] = st
	return st, nil
}

func (s *fakeState) UpdateStatus(_ domain.Context, id string, status domain.RequestStatus) error {
	if err := s.err("update:" + string(status)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[id]
	st.CompositeID = id
	st.Status = status
	s.states[id] = st
	return nil
}

func (s *fakeState) MarkFailed(_ domain.Context, id, msg string, source domain.ErrorSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[id]
	st.CompositeID = id
	st.Status = domain.StatusFailed
	st.LastError = msg
	st.ErrorSource = source
	s.states[id] = st
	return nil
}

func (s *fakeState) IncrementAttempt(_ domain.Context, id string) (int, error) {
	if err := s.err("increment"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[id]
	st.CompositeID = id
	st.AttemptCount++
	s.states[id] = st
	return st.AttemptCount, nil
}

func (s *fakeState) IsTerminal(_ domain.Context, id string) (bool, error) {
	if err := s.err("terminal"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id].Status.IsTerminal(), nil
}

func (s *fakeState) TryLock(_ domain.Context, id string) (domain.Lease, bool, error) {
	if err := s.err("lock"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] {
		return nil, false, nil
	}
	s.locks[id] = true
	return &fakeLease{s: s, id: id}, true, nil
}

func (s *fakeState) locked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[id]
}

func (s *fakeState) get(id string) domain.RequestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

type fakeLease struct {
	s        *fakeState
	id       string
	released atomic.Int32
}

func (l *fakeLease) Key() string { return "lock:" + l.id }

func (l *fakeLease) Release(_ domain.Context) error {
	if l.released.Add(1) > 1 {
		return nil
	}
	l.s.mu.Lock()
	delete(l.s.locks, l.id)
	l.s.mu.Unlock()
	return nil
}

type requeued struct {
	job     domain.JobRecord
	attempt int
}

type fakePublisher struct {
	mu          sync.Mutex
	requests    []requeued
	results     []domain.ResultRecord
	callbacks   []domain.CallbackEvent
	deadLetters []domain.DeadLetter

	onRequest     func(job domain.JobRecord)
	requestErr    error
	resultErr     error
	deadLetterErr error
}

func (p *fakePublisher) PublishRequest(_ domain.Context, job domain.JobRecord, attempt int) error {
	if p.onRequest != nil {
		p.onRequest(job)
	}
	if p.requestErr != nil {
		return p.requestErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, requeued{job: job, attempt: attempt})
	return nil
}

func (p *fakePublisher) PublishResult(_ domain.Context, res domain.ResultRecord) error {
	if p.resultErr != nil {
		return p.resultErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
	return nil
}

func (p *fakePublisher) PublishCallback(_ domain.Context, ev domain.CallbackEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, ev)
	return nil
}

func (p *fakePublisher) PublishDeadLetter(_ domain.Context, dl domain.DeadLetter) error {
	if p.deadLetterErr != nil {
		return p.deadLetterErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, dl)
	return nil
}

// popRequest removes the oldest re-published job.
func (p *fakePublisher) popRequest() (requeued, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return requeued{}, false
	}
	r := p.requests[0]
	p.requests = p.requests[1:]
	return r, true
}

type dispatchFunc func(ctx domain.Context, job domain.JobRecord) domain.ResultRecord

type fakeDispatcher struct {
	calls atomic.Int32
	fn    dispatchFunc
}

func (d *fakeDispatcher) Dispatch(ctx domain.Context, job domain.JobRecord) domain.ResultRecord {
	d.calls.Add(1)
	return d.fn(ctx, job)
}

// inlinePool runs tasks on the caller.
type inlinePool struct{}

func (inlinePool) Submit(t workerpool.Task) error {
	t(context.Background())
	return nil
}

type rejectingPool struct{}

func (rejectingPool) Submit(workerpool.Task) error { return domain.ErrPoolSaturated }

var errBoom = errors.New("boom")

func validJob() domain.JobRecord {
	return domain.JobRecord{
		CompanyID: 7,
		RequestID: 42,
		BaseURL:   "http://upstream.local",
		URI:       "/orders",
		Method:    "POST",
		Body:      `{"a":1}`,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}
