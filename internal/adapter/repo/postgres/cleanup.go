package postgres

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the retention operation the cleanup service drives.
type Sweeper interface {
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// CleanupService handles dead-letter retention.
type CleanupService struct {
	Repo      Sweeper
	Retention time.Duration
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(repo Sweeper, retention time.Duration) *CleanupService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &CleanupService{Repo: repo, Retention: retention}
}

// CleanupOldData removes dead letters older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	n, err := s.Repo.DeleteOlderThan(ctx, s.Retention)
	if err != nil {
		return err
	}
	slog.Info("dead-letter cleanup completed",
		slog.Int64("deleted", n),
		slog.Duration("retention", s.Retention))
	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
