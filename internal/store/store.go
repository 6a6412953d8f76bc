// Package store owns the immutable per-version asset directories. A version
// directory is built in a staging location and renamed into place only once
// every asset has been fetched and verified, so consumers never observe a
// partially downloaded version.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/relsyncd/internal/checksums"
	"github.com/schaermu/relsyncd/internal/github"
	"github.com/schaermu/relsyncd/internal/release"
)

// Store materializes release assets under the mirror root
type Store struct {
	root        string
	source      github.Client
	concurrency int
	logger      *slog.Logger
}

// New creates a store rooted at the mirror directory
func New(root string, source github.Client, concurrency int, logger *slog.Logger) *Store {
	return &Store{
		root:        root,
		source:      source,
		concurrency: concurrency,
		logger:      logger,
	}
}

// VersionDir returns the final path of a version's directory
func (s *Store) VersionDir(v release.Version) string {
	return filepath.Join(s.root, v.String())
}

func (s *Store) stagingDir() string {
	return filepath.Join(s.root, ".staging")
}

// EnsureVersionDir makes sure the release's version directory exists and is
// complete. Returns the directory path and whether it was (re)created. When
// the directory already holds every expected asset at the expected size the
// call makes no filesystem mutation at all.
func (s *Store) EnsureVersionDir(ctx context.Context, rel release.Release) (string, bool, error) {
	dir := s.VersionDir(rel.Version)

	if s.isComplete(dir, rel) {
		return dir, false, nil
	}

	staging := filepath.Join(s.stagingDir(), uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", false, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	s.logger.Info("downloading release assets",
		"version", rel.Version.String(),
		"assets", len(rel.Assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, asset := range rel.Assets {
		g.Go(func() error {
			return s.source.DownloadAsset(gctx, asset, filepath.Join(staging, asset.Name))
		})
	}
	if err := g.Wait(); err != nil {
		return "", false, err
	}

	if err := s.verify(staging, rel); err != nil {
		return "", false, err
	}

	// An existing directory at the final path is incomplete or corrupt
	// (otherwise isComplete would have short-circuited); replace it.
	if _, err := os.Lstat(dir); err == nil {
		s.logger.Warn("replacing incomplete version directory", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", false, fmt.Errorf("failed to remove incomplete version directory: %w", err)
		}
	}

	if err := os.Rename(staging, dir); err != nil {
		return "", false, fmt.Errorf("failed to publish version directory: %w", err)
	}

	return dir, true, nil
}

// isComplete reports whether dir already contains every expected asset with
// a matching size.
func (s *Store) isComplete(dir string, rel release.Release) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}

	for _, asset := range rel.Assets {
		info, err := os.Stat(filepath.Join(dir, asset.Name))
		if err != nil {
			return false
		}
		if asset.Size > 0 && info.Size() != asset.Size {
			return false
		}
	}
	return true
}

// verify checks staged assets against sizes and, when the release ships a
// checksum manifest, against its SHA-256 digests.
func (s *Store) verify(staging string, rel release.Release) error {
	staged := make(map[string]bool, len(rel.Assets))
	for _, asset := range rel.Assets {
		path := filepath.Join(staging, asset.Name)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("staged asset missing: %w", err)
		}
		if asset.Size > 0 && info.Size() != asset.Size {
			return fmt.Errorf("%w: %s: staged size %d does not match upstream size %d",
				github.ErrAssetFetch, asset.Name, info.Size(), asset.Size)
		}
		staged[asset.Name] = true
	}

	if _, ok := rel.ChecksumAsset(); !ok {
		return nil
	}

	f, err := os.Open(filepath.Join(staging, release.ChecksumsFilename))
	if err != nil {
		return fmt.Errorf("failed to open checksum manifest: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	entries, err := checksums.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse checksum manifest for %s: %w", rel.Version.String(), err)
	}

	for _, e := range entries {
		// Manifests may list files that are not release assets
		// (e.g. per-platform archives published elsewhere).
		if !staged[e.Name] {
			continue
		}
		if err := checksums.VerifyFile(filepath.Join(staging, e.Name), e.Hash); err != nil {
			return fmt.Errorf("%w: %v", github.ErrAssetFetch, err)
		}
	}

	return nil
}

// CleanStaging removes leftover staging directories from interrupted passes.
// Only called while the sync guard is held, so nothing here is in use.
func (s *Store) CleanStaging() error {
	entries, err := os.ReadDir(s.stagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		s.logger.Debug("removing orphaned staging entry", "name", e.Name())
		if err := os.RemoveAll(filepath.Join(s.stagingDir(), e.Name())); err != nil {
			return err
		}
	}
	return nil
}
