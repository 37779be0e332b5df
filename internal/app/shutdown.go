package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Stopper is a worker group being drained.
type Stopper interface {
	ID() string
	Stop(ctx context.Context) error
}

// Drainer is the worker pool being drained.
type Drainer interface {
	Shutdown(grace time.Duration) (forced bool)
}

// ShutdownCoordinator stops the message path in dependency order: background
// loops first, then consumers, then the pool that runs their tasks.
type ShutdownCoordinator struct {
	// Background stops the ingest poller and the lag monitor. Each func must
	// return once its loop has exited.
	Background []func()
	Groups     []Stopper
	Pool       Drainer
	Grace      time.Duration
}

// Shutdown runs every step even when an earlier one fails and joins the errors.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	start := time.Now()
	slog.Info("graceful shutdown started", slog.Int("worker_groups", len(s.Groups)))

	step := time.Now()
	for _, stop := range s.Background {
		stop()
	}
	slog.Info("background loops stopped", slog.Duration("duration", time.Since(step)))

	var errs []error
	step = time.Now()
	for _, g := range s.Groups {
		if err := g.Stop(ctx); err != nil {
			slog.Error("worker group stop failed", slog.String("listener", g.ID()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("op=shutdown.Stop listener=%s: %w", g.ID(), err))
		}
	}
	slog.Info("worker groups stopped", slog.Duration("duration", time.Since(step)))

	if s.Pool != nil {
		step = time.Now()
		grace := s.Grace
		if grace <= 0 {
			grace = 25 * time.Second
		}
		if forced := s.Pool.Shutdown(grace); forced {
			slog.Warn("worker pool drain forced; in-flight tasks were canceled",
				slog.Duration("grace", grace),
				slog.Duration("duration", time.Since(step)))
		} else {
			slog.Info("worker pool drained", slog.Duration("duration", time.Since(step)))
		}
	}

	err := errors.Join(errs...)
	slog.Info("graceful shutdown finished",
		slog.Duration("duration", time.Since(start)),
		slog.Bool("clean", err == nil))
	return err
}
