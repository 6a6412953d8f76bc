// Package mirror orchestrates a full sync pass: enumerate upstream
// releases, materialize missing version directories, reconcile the tracking
// directories and publish the index document.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/github"
	"github.com/schaermu/relsyncd/internal/release"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/track"
)

// Engine coordinates the sync pipeline
type Engine struct {
	cfg     *config.Config
	source  github.Client
	store   *store.Store
	tracker *track.Reconciler
	logger  *slog.Logger

	mu      sync.Mutex // guards running and pending
	running bool
	pending bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, source github.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		source:  source,
		store:   store.New(cfg.Paths.MirrorDir, source, cfg.Sync.DownloadConcurrency, logger),
		tracker: track.New(cfg.Paths.MirrorDir, logger),
		logger:  logger,
	}
}

// Run executes sync passes under the single-flight guard. If a pass is
// already running the call returns ErrBusy immediately; under the coalesce
// policy it additionally records a pending re-run that the running call
// services right after its current pass. The guard is released on every
// exit path.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	if e.running {
		if e.cfg.Sync.BusyPolicy == config.BusyCoalesce {
			e.pending = true
		}
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.running = true
	e.mu.Unlock()

	// The file lock keeps a oneshot CLI sync and the daemon from
	// interleaving on the same mirror root.
	if err := os.MkdirAll(e.cfg.Paths.MirrorDir, 0755); err != nil {
		e.releaseSlot()
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	fl := flock.New(e.cfg.LockPath())
	locked, err := fl.TryLock()
	if err != nil {
		e.releaseSlot()
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !locked {
		e.releaseSlot()
		return nil, ErrLockHeld
	}
	defer func() {
		_ = fl.Unlock()
	}()

	for {
		report, err := e.runPass(ctx)

		// Releasing the slot and testing for a queued re-run must be a
		// single critical section: a trigger landing between the two
		// would otherwise be acknowledged but never serviced.
		e.mu.Lock()
		if e.pending && ctx.Err() == nil {
			e.pending = false
			e.mu.Unlock()
			e.logger.Info("re-running sync due to pending request")
			continue
		}
		e.running = false
		e.mu.Unlock()
		return report, err
	}
}

func (e *Engine) releaseSlot() {
	e.mu.Lock()
	e.running = false
	e.pending = false
	e.mu.Unlock()
}

// runPass performs one complete sync pass.
func (e *Engine) runPass(ctx context.Context) (*Report, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.Timeout.Std())
	defer cancel()

	e.logger.Info("starting sync",
		"repo", e.cfg.Repo.Slug,
		"mirror_dir", e.cfg.Paths.MirrorDir)

	if err := e.prepare(); err != nil {
		return nil, err
	}

	releases, err := e.source.ListReleases(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Releases: len(releases)}

	// Newest first, so the versions most likely to be requested land
	// earliest. Tags like "v1.0.0" and "1.0.0" collapse to the same
	// canonical version; the first listing entry wins.
	versions := make([]release.Version, 0, len(releases))
	byVersion := make(map[string]release.Release, len(releases))
	for _, r := range releases {
		key := r.Version.String()
		if _, ok := byVersion[key]; ok {
			e.logger.Warn("ignoring duplicate release tag",
				"version", key,
				"tag", r.Version.RawTag)
			continue
		}
		byVersion[key] = r
		versions = append(versions, r.Version)
	}
	release.SortDescending(versions)

	var known []release.Version
	for _, v := range versions {
		rel := byVersion[v.String()]

		_, created, err := e.store.EnsureVersionDir(ctx, rel)
		if err != nil {
			// A release whose assets cannot be fetched is skipped
			// for this pass and retried on the next one; partial
			// data is never promoted.
			if errors.Is(err, github.ErrAssetFetch) {
				e.logger.Warn("skipping release, assets could not be fetched",
					"version", v.String(),
					"error", err)
				report.Skipped++
				continue
			}
			return nil, err
		}
		if created {
			e.logger.Info("mirrored release", "version", v.String())
			report.Synced++
		}
		known = append(known, v)
	}

	scopes := release.TrackingScopes(known)
	updated, err := e.tracker.Reconcile(ctx, scopes)
	if err != nil {
		return nil, err
	}
	report.TrackingUpdated = updated

	if err := e.publishIndex(known, scopes); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	e.logger.Info("sync completed",
		"releases", report.Releases,
		"synced", report.Synced,
		"skipped", report.Skipped,
		"tracking_updated", len(report.TrackingUpdated),
		"duration", report.Duration)

	return report, nil
}

// prepare creates the mirror skeleton and sweeps debris from interrupted
// passes. Safe here: the sync guard is held.
func (e *Engine) prepare() error {
	for _, dir := range []string{e.cfg.StagingDir(), e.cfg.TrackingDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := e.store.CleanStaging(); err != nil {
		return fmt.Errorf("failed to clean staging area: %w", err)
	}
	if err := e.tracker.SweepOrphans(); err != nil {
		return fmt.Errorf("failed to sweep tracking targets: %w", err)
	}
	return nil
}
