package usecase

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/domain"
)

// Ingest outcomes reported on gateway_ingested_total.
const (
	IngestPublished = "published"
	IngestFailed    = "failed"
)

// IngestPoller pulls pending jobs from the record store and publishes them to
// the request topic.
type IngestPoller struct {
	store    domain.RecordStore
	pub      domain.Publisher
	interval time.Duration
	limiter  *rate.Limiter
}

// NewIngestPoller builds a poller publishing at most perSecond jobs per second.
// A non-positive rate disables pacing.
func NewIngestPoller(store domain.RecordStore, pub domain.Publisher, interval time.Duration, perSecond float64) *IngestPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &IngestPoller{store: store, pub: pub, interval: interval, limiter: limiter}
}

// Run polls on a fixed interval until ctx is done.
func (p *IngestPoller) Run(ctx context.Context) {
	slog.Info("ingest poller started", slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("ingest poller stopped")
			return
		case <-ticker.C:
			if _, _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("ingest cycle skipped", slog.Any("error", err))
			}
		}
	}
}

// PollOnce runs one pull-and-publish cycle. A pull error aborts the cycle;
// publish errors are counted and the rest of the batch continues.
func (p *IngestPoller) PollOnce(ctx context.Context) (published, failed int, err error) {
	jobs, err := p.store.PullPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, job := range jobs {
		if err := p.limiter.Wait(ctx); err != nil {
			return published, failed, err
		}
		if err := p.pub.PublishRequest(ctx, job, 0); err != nil {
			failed++
			observability.RecordIngest(IngestFailed)
			slog.Error("ingest publish failed",
				slog.String("composite_id", job.CompositeID()),
				slog.Any("error", err))
			continue
		}
		published++
		observability.RecordIngest(IngestPublished)
	}
	if len(jobs) > 0 {
		slog.Info("ingest cycle complete",
			slog.Int("pulled", len(jobs)),
			slog.Int("published", published),
			slog.Int("failed", failed))
	}
	return published, failed, nil
}
