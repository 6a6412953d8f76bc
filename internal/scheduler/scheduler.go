// Package scheduler triggers periodic sync passes while the daemon runs.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/schaermu/relsyncd/internal/mirror"
)

// Scheduler invokes the sync engine on a fixed interval
type Scheduler struct {
	engine   *mirror.Engine
	interval time.Duration
	logger   *slog.Logger
}

// New creates a scheduler running one pass every interval
func New(engine *mirror.Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Start performs an initial sync, then runs one pass per tick until the
// context is cancelled. Always returns the context's error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync")
	s.run(ctx)

	interval := s.jitteredInterval()
	s.logger.Info("scheduler started",
		"base_interval", s.interval,
		"actual_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	report, err := s.engine.Run(ctx)
	switch {
	case errors.Is(err, mirror.ErrBusy):
		s.logger.Debug("scheduled sync skipped, pass already running")
	case err != nil:
		s.logger.Error("scheduled sync failed", "error", err)
	default:
		s.logger.Info("scheduled sync completed",
			"synced", report.Synced,
			"skipped", report.Skipped,
			"duration", report.Duration)
	}
}

// jitteredInterval offsets the base interval by up to ±10% so multiple
// mirrors do not hit the upstream API at the same instant.
func (s *Scheduler) jitteredInterval() time.Duration {
	if s.interval <= 0 {
		return s.interval
	}
	maxOffset := s.interval / 10
	if maxOffset <= 0 {
		return s.interval
	}
	//nolint:gosec // non-cryptographic randomness is fine for jitter
	offset := time.Duration(rand.Int64N(int64(2*maxOffset))) - maxOffset
	return s.interval + offset
}
