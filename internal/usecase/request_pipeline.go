// Package usecase contains the message pipelines that move a job from the
// request topic to the record store.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	obsctx "github.com/fairyhunter13/request-gateway/internal/observability"

	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/domain"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
)

const (
	pipelineRequest  = "request"
	pipelineResponse = "response"
)

// Duplicate reasons reported on gateway_duplicates_total.
const (
	DuplicateTerminal = "terminal"
	DuplicateLocked   = "locked"
)

// TaskSubmitter accepts dispatch tasks. *workerpool.Pool implements it.
type TaskSubmitter interface {
	Submit(t workerpool.Task) error
}

// RequestPipeline claims jobs from the request topic and hands them to the pool.
type RequestPipeline struct {
	State       domain.StateStore
	Publisher   domain.Publisher
	Dispatcher  domain.Dispatcher
	Pool        TaskSubmitter
	MaxAttempts int

	validate *validator.Validate
}

// NewRequestPipeline constructs a RequestPipeline. maxAttempts below 1 means 1.
func NewRequestPipeline(state domain.StateStore, pub domain.Publisher, disp domain.Dispatcher, pool TaskSubmitter, maxAttempts int) *RequestPipeline {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RequestPipeline{
		State:       state,
		Publisher:   pub,
		Dispatcher:  disp,
		Pool:        pool,
		MaxAttempts: maxAttempts,
		validate:    validator.New(),
	}
}

// Handle processes one delivery. The message is acked only once the job is
// resolved (published, re-published or dead-lettered) or skipped as a duplicate.
func (p *RequestPipeline) Handle(ctx context.Context, msg domain.Message) {
	var job domain.JobRecord
	if err := json.Unmarshal(msg.Value(), &job); err != nil {
		slog.Warn("dropping undecodable request",
			slog.String("topic", msg.Topic()),
			slog.Int("partition", int(msg.Partition())),
			slog.Int64("offset", msg.Offset()),
			slog.Any("error", err))
		msg.Ack()
		return
	}

	id := job.CompositeID()
	ctx = obsctx.ContextWithJob(ctx, id,
		slog.String("topic", msg.Topic()),
		slog.Int("partition", int(msg.Partition())),
		slog.Int64("offset", msg.Offset()))
	lg := obsctx.LoggerFromContext(ctx)

	terminal, err := p.State.IsTerminal(ctx, id)
	if err != nil {
		lg.Error("state lookup failed; leaving message for redelivery", slog.Any("error", err))
		return
	}
	if terminal {
		lg.Info("request already terminal; skipping")
		observability.RecordDuplicate(DuplicateTerminal)
		msg.Ack()
		return
	}

	lease, acquired, err := p.State.TryLock(ctx, id)
	if err != nil {
		lg.Error("lock claim failed; leaving message for redelivery", slog.Any("error", err))
		return
	}
	if !acquired {
		lg.Info("request owned by another worker; skipping")
		observability.RecordDuplicate(DuplicateLocked)
		msg.Ack()
		return
	}
	release := releaseOnce(lease)

	if _, err := p.State.CreateInitialState(ctx, id, msg.Partition(), msg.Offset()); err != nil {
		lg.Error("initial state write failed", slog.Any("error", err))
		release(ctx)
		return
	}

	err = p.Pool.Submit(func(poolCtx context.Context) {
		tctx := obsctx.ContextWithLogger(poolCtx, lg)
		defer release(tctx)
		if p.process(tctx, job, msg, release) {
			msg.Ack()
		}
	})
	if err != nil {
		lg.Warn("worker pool refused task", slog.Any("error", err))
		release(ctx)
	}
}

// process runs one dispatch attempt and reports whether the job was resolved.
func (p *RequestPipeline) process(ctx context.Context, job domain.JobRecord, msg domain.Message, release func(context.Context)) (resolved bool) {
	observability.StartProcessingJob(pipelineRequest)
	defer observability.FinishProcessingJob(pipelineRequest)

	ctx, span := otel.Tracer("usecase.request").Start(ctx, "RequestPipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("composite_id", job.CompositeID()),
		attribute.String("http.method", job.Method))

	defer func() {
		if r := recover(); r != nil {
			obsctx.LoggerFromContext(ctx).Error("request processing panicked",
				slog.Any("recover", r),
				slog.String("stack", string(debug.Stack())))
			span.SetStatus(codes.Error, "panic")
			resolved = p.fail(ctx, job, msg, release, failure{
				retryable: true,
				source:    domain.SourceSystem,
				code:      domain.CodeProcessing,
				message:   fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	if err := p.validate.Struct(job); err != nil {
		span.SetStatus(codes.Error, "invalid job")
		return p.fail(ctx, job, msg, release, failure{
			source:  domain.SourceSystem,
			code:    domain.CodeInvalidRequest,
			message: err.Error(),
		})
	}

	if err := p.run(ctx, job); err != nil {
		var f failure
		if !errors.As(err, &f) {
			f = failure{
				retryable: true,
				source:    domain.SourceSystem,
				code:      domain.CodeProcessing,
				message:   err.Error(),
			}
		}
		span.SetStatus(codes.Error, f.message)
		return p.fail(ctx, job, msg, release, f)
	}
	return true
}

// run marks the job SENT, dispatches it and publishes a successful result.
// Unsuccessful results come back as a failure error.
func (p *RequestPipeline) run(ctx context.Context, job domain.JobRecord) error {
	id := job.CompositeID()
	if err := p.State.UpdateStatus(ctx, id, domain.StatusSent); err != nil {
		return err
	}

	res := p.Dispatcher.Dispatch(ctx, job)
	obsctx.LoggerFromContext(ctx).Debug("dispatched",
		slog.Int("status", res.HTTPStatus),
		slog.String("outcome", string(res.Outcome())))

	if !res.IsSuccess() {
		src := res.ErrorSource
		if src == domain.SourceNone {
			src = domain.SourceHTTP
		}
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", res.HTTPStatus)
		}
		return failure{
			retryable: res.IsRetryable(),
			source:    src,
			code:      res.ErrorCode,
			message:   msg,
		}
	}

	if err := p.Publisher.PublishResult(ctx, res); err != nil {
		return err
	}
	if err := p.State.UpdateStatus(ctx, id, domain.StatusCompleted); err != nil {
		return err
	}
	obsctx.LoggerFromContext(ctx).Info("request completed", slog.Int("status", res.HTTPStatus))
	return nil
}

// fail spends one attempt and either re-publishes the job or dead-letters it.
// It reports false when neither could be recorded, leaving the message for
// redelivery. The lease is released before a re-publish so the next delivery
// of the job can claim it.
func (p *RequestPipeline) fail(ctx context.Context, job domain.JobRecord, msg domain.Message, release func(context.Context), f failure) bool {
	lg := obsctx.LoggerFromContext(ctx)
	id := job.CompositeID()

	attempts, err := p.State.IncrementAttempt(ctx, id)
	if err != nil {
		lg.Error("attempt increment failed", slog.Any("error", err))
		return false
	}

	if f.retryable && attempts < p.MaxAttempts {
		lg.Warn("retryable failure; re-publishing",
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", p.MaxAttempts),
			slog.String("error_source", string(f.source)),
			slog.String("error", f.message))
		release(ctx)
		if err := p.Publisher.PublishRequest(ctx, job, attempts); err != nil {
			lg.Error("re-publish failed", slog.Any("error", err))
			return false
		}
		observability.RecordRetry(string(f.source))
		return true
	}

	dl := domain.DeadLetter{
		Job:          job,
		ErrorSource:  f.source,
		ErrorMessage: f.message,
		ErrorCode:    f.code,
		Attempts:     attempts,
		FailedAt:     time.Now().UTC(),
	}
	if err := p.Publisher.PublishDeadLetter(ctx, dl); err != nil {
		lg.Error("dead-letter publish failed", slog.Any("error", err))
		return false
	}
	observability.RecordDeadLetter(string(f.source))
	if err := p.State.MarkFailed(ctx, id, f.message, f.source); err != nil {
		lg.Error("mark failed did not persist", slog.Any("error", err))
	}
	lg.Error("request failed permanently",
		slog.Int("attempts", attempts),
		slog.String("error_source", string(f.source)),
		slog.String("error", f.message),
		slog.Int("partition", int(msg.Partition())))
	return true
}

// failure describes an unsuccessful attempt.
type failure struct {
	retryable bool
	source    domain.ErrorSource
	code      string
	message   string
}

func (f failure) Error() string { return string(f.source) + ": " + f.message }

// releaseOnce returns a release func that is safe to call from several exit paths.
func releaseOnce(l domain.Lease) func(ctx context.Context) {
	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				obsctx.LoggerFromContext(ctx).Warn("lock release failed",
					slog.String("key", l.Key()),
					slog.Any("error", err))
			}
		})
	}
}
