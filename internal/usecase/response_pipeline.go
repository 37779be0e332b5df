package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	obsctx "github.com/fairyhunter13/request-gateway/internal/observability"

	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// Save outcomes reported on gateway_record_store_saves_total.
const (
	SaveSaved  = "saved"
	SaveFailed = "failed"
)

// ResponseConfig tunes the response pipeline.
type ResponseConfig struct {
	SaveAttempts    int
	SaveInterval    time.Duration
	CallbackEnabled bool
}

// ResponsePipeline persists dispatch results to the record store.
type ResponsePipeline struct {
	State     domain.StateStore
	Store     domain.RecordStore
	Publisher domain.Publisher
	cfg       ResponseConfig
}

// NewResponsePipeline constructs a ResponsePipeline.
func NewResponsePipeline(state domain.StateStore, store domain.RecordStore, pub domain.Publisher, cfg ResponseConfig) *ResponsePipeline {
	if cfg.SaveAttempts < 1 {
		cfg.SaveAttempts = 1
	}
	if cfg.SaveInterval < 0 {
		cfg.SaveInterval = 0
	}
	return &ResponsePipeline{State: state, Store: store, Publisher: pub, cfg: cfg}
}

// Handle saves one result and acks it. The only case left unacked is a save
// interrupted by ctx cancellation, which is redelivered after restart.
func (p *ResponsePipeline) Handle(ctx context.Context, msg domain.Message) {
	var res domain.ResultRecord
	if err := json.Unmarshal(msg.Value(), &res); err != nil {
		slog.Warn("dropping undecodable result",
			slog.String("topic", msg.Topic()),
			slog.Int("partition", int(msg.Partition())),
			slog.Int64("offset", msg.Offset()),
			slog.Any("error", err))
		msg.Ack()
		return
	}

	observability.StartProcessingJob(pipelineResponse)
	defer observability.FinishProcessingJob(pipelineResponse)

	id := res.CompositeID()
	ctx = obsctx.ContextWithJob(ctx, id,
		slog.String("topic", msg.Topic()),
		slog.Int("partition", int(msg.Partition())),
		slog.Int64("offset", msg.Offset()))
	ctx, span := otel.Tracer("usecase.response").Start(ctx, "ResponsePipeline.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("composite_id", id))
	lg := obsctx.LoggerFromContext(ctx)

	attempts, err := p.save(ctx, res)
	if err != nil && ctx.Err() != nil {
		lg.Warn("result save interrupted; leaving message for redelivery",
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return
	}

	ev := domain.CallbackEvent{
		CompanyID: res.CompanyID,
		RequestID: res.RequestID,
		SavedAt:   time.Now().UTC(),
	}
	if err == nil {
		observability.RecordSave(SaveSaved)
		if uerr := p.State.UpdateStatus(ctx, id, domain.StatusDone); uerr != nil {
			lg.Error("state update to DONE failed", slog.Any("error", uerr))
		}
		lg.Info("result saved", slog.Int("attempts", attempts))
		ev.Response = &res
	} else {
		observability.RecordSave(SaveFailed)
		span.SetStatus(codes.Error, err.Error())
		reason := fmt.Sprintf("Failed to save response after %d attempts: %v", attempts, err)
		if serr := p.Store.SaveError(ctx, res.CompanyID, res.RequestID, reason); serr != nil {
			lg.Error("error payload save failed", slog.Any("error", serr))
		}
		if merr := p.State.MarkFailed(ctx, id, reason, domain.SourceCallback); merr != nil {
			lg.Error("mark failed did not persist", slog.Any("error", merr))
		}
		lg.Error("result save exhausted", slog.Int("attempts", attempts), slog.Any("error", err))
		ev.ErrorMessage = reason
	}

	if p.cfg.CallbackEnabled {
		if perr := p.Publisher.PublishCallback(ctx, ev); perr != nil {
			lg.Error("callback publish failed", slog.Any("error", perr))
		}
	}
	msg.Ack()
}

// save retries SaveResult on a fixed interval and returns the attempts spent.
func (p *ResponsePipeline) save(ctx context.Context, res domain.ResultRecord) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := p.Store.SaveResult(ctx, res)
		if err != nil {
			obsctx.LoggerFromContext(ctx).Warn("result save attempt failed",
				slog.Int("attempt", attempts),
				slog.Int("max_attempts", p.cfg.SaveAttempts),
				slog.Any("error", err))
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.SaveInterval), uint64(p.cfg.SaveAttempts-1)),
		ctx)
	err := backoff.Retry(op, b)
	return attempts, err
}
