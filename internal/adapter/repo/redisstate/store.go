// Package redisstate persists request lifecycle state and idempotency locks in Redis.
package redisstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/request-gateway/internal/domain"
)

const (
	StateKeyPrefix = "request:state:"
	LockKeyPrefix  = "request:lock:"

	DefaultStateTTL = 24 * time.Hour
	DefaultLockTTL  = 300 * time.Second
)

// Store implements domain.StateStore on Redis. Status changes run as WATCH
// transactions and never move a record backwards; the attempt counter is a
// plain get-then-set serialized per key through the idempotency lock.
type Store struct {
	rdb      redis.UniversalClient
	stateTTL time.Duration
	lockTTL  time.Duration
	now      func() time.Time
	release  *redis.Script
}

// Option customizes a Store.
type Option func(*Store)

// WithStateTTL overrides the state record TTL.
func WithStateTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.stateTTL = d
		}
	}
}

// WithLockTTL overrides the lock TTL.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Store on the given client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:      rdb,
		stateTTL: DefaultStateTTL,
		lockTTL:  DefaultLockTTL,
		now:      func() time.Time { return time.Now().UTC() },
		release:  redis.NewScript(luaReleaseScript),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func stateKey(id string) string { return StateKeyPrefix + id }

// GetState loads the state for id; found is false when no record exists.
func (s *Store) GetState(ctx domain.Context, id string) (domain.RequestState, bool, error) {
	return s.get(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx domain.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx domain.Context, c getter, id string) (domain.RequestState, bool, error) {
	raw, err := c.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RequestState{}, false, nil
	}
	if err != nil {
		return domain.RequestState{}, false, fmt.Errorf("op=state.get: %w", err)
	}
	var st domain.RequestState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.RequestState{}, false, fmt.Errorf("op=state.get decode %s: %w", id, err)
	}
	return st, true, nil
}

// SaveState writes st and refreshes its TTL.
func (s *Store) SaveState(ctx domain.Context, st domain.RequestState) error {
	raw, err := s.encode(&st)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, stateKey(st.CompositeID), raw, s.stateTTL).Err(); err != nil {
		return fmt.Errorf("op=state.save: %w", err)
	}
	return nil
}

func (s *Store) encode(st *domain.RequestState) ([]byte, error) {
	st.UpdatedAt = s.now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("op=state.save encode: %w", err)
	}
	return raw, nil
}

func (s *Store) loadOrNew(ctx domain.Context, id string) (domain.RequestState, error) {
	st, found, err := s.GetState(ctx, id)
	if err != nil {
		return domain.RequestState{}, err
	}
	if !found {
		st = s.fresh(id)
	}
	return st, nil
}

func (s *Store) fresh(id string) domain.RequestState {
	return domain.RequestState{CompositeID: id, Status: domain.StatusNew, CreatedAt: s.now()}
}

const maxTransitionRetries = 5

// transition moves id to next under WATCH so a writer racing on the same key
// cannot slip between the read and the write. edit runs on the loaded record
// before it is saved. A move the current status does not allow leaves the
// record untouched and reports applied false.
func (s *Store) transition(ctx domain.Context, id string, next domain.RequestStatus, edit func(*domain.RequestState)) (st domain.RequestState, applied bool, err error) {
	key := stateKey(id)
	txf := func(tx *redis.Tx) error {
		cur, found, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			cur = s.fresh(id)
		}
		if !cur.Status.AdvancesTo(next) {
			st, applied = cur, false
			return nil
		}
		cur.Status = next
		if edit != nil {
			edit(&cur)
		}
		raw, err := s.encode(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.stateTTL)
			return nil
		})
		st, applied = cur, err == nil
		return err
	}
	for i := 0; i < maxTransitionRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return domain.RequestState{}, false, fmt.Errorf("op=state.transition %s->%s: %w", id, next, err)
	}
	if !applied {
		slog.DebugContext(ctx, "state transition skipped",
			slog.String("composite_id", id),
			slog.String("status", string(st.Status)),
			slog.String("requested", string(next)))
	}
	return st, applied, nil
}

// CreateInitialState marks id PROCESSING at the given broker position. An
// existing record keeps its attempt count and creation time so redeliveries
// spend the same attempt budget. A record already settled is returned as is.
func (s *Store) CreateInitialState(ctx domain.Context, id string, partition int32, offset int64) (domain.RequestState, error) {
	ctx, span := otel.Tracer("repo.state").Start(ctx, "state.CreateInitialState")
	defer span.End()
	span.SetAttributes(attribute.String("composite_id", id))

	st, _, err := s.transition(ctx, id, domain.StatusProcessing, func(st *domain.RequestState) {
		st.KafkaPartition = partition
		st.KafkaOffset = offset
	})
	return st, err
}

// UpdateStatus sets the status, creating the record when missing. A record
// already at DONE or FAILED keeps its status, and COMPLETED only moves on to
// one of those.
func (s *Store) UpdateStatus(ctx domain.Context, id string, status domain.RequestStatus) error {
	if !status.Valid() {
		return fmt.Errorf("op=state.update_status: %w: %q", domain.ErrInvalidArgument, status)
	}
	_, _, err := s.transition(ctx, id, status, nil)
	return err
}

// MarkFailed moves id to FAILED with the error annotation. The first failure
// recorded wins and a DONE record is left alone.
func (s *Store) MarkFailed(ctx domain.Context, id, msg string, source domain.ErrorSource) error {
	_, _, err := s.transition(ctx, id, domain.StatusFailed, func(st *domain.RequestState) {
		st.LastError = msg
		st.ErrorSource = source
	})
	return err
}

// IncrementAttempt bumps the attempt count and returns the new value.
func (s *Store) IncrementAttempt(ctx domain.Context, id string) (int, error) {
	st, err := s.loadOrNew(ctx, id)
	if err != nil {
		return 0, err
	}
	st.AttemptCount++
	if err := s.SaveState(ctx, st); err != nil {
		return 0, err
	}
	return st.AttemptCount, nil
}

// IsTerminal reports whether id reached COMPLETED, DONE or FAILED.
func (s *Store) IsTerminal(ctx domain.Context, id string) (bool, error) {
	st, found, err := s.GetState(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return st.Status.IsTerminal(), nil
}

// DeleteState removes the state record ahead of its TTL.
func (s *Store) DeleteState(ctx domain.Context, id string) error {
	if err := s.rdb.Del(ctx, stateKey(id)).Err(); err != nil {
		return fmt.Errorf("op=state.delete: %w", err)
	}
	return nil
}
