// Package track maintains the tracking directories (/latest, /X, /X.Y).
// Each tracking path is a symlink into an internal target directory; scope
// updates build a fresh target in full, then retarget the symlink with a
// single atomic rename. Readers therefore always observe the contents of
// exactly one version, never a mix.
package track

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/schaermu/relsyncd/internal/checksums"
	"github.com/schaermu/relsyncd/internal/release"
)

// SidecarFilename names the marker file inside every tracking directory
// recording which exact version it currently mirrors.
const SidecarFilename = "version.txt"

// targetDirName is the hidden directory under the mirror root that holds
// the tracking symlink targets.
const targetDirName = ".tracking"

// Reconciler rewrites tracking directories to point at scope winners
type Reconciler struct {
	root   string
	logger *slog.Logger
}

// New creates a reconciler rooted at the mirror directory
func New(root string, logger *slog.Logger) *Reconciler {
	return &Reconciler{root: root, logger: logger}
}

// Reconcile brings every tracking directory in line with its scope winner.
// Scopes whose recorded pointee already matches are left untouched (no
// filesystem mutation, no log noise). Returns the labels that changed.
func (r *Reconciler) Reconcile(ctx context.Context, scopes map[string]release.Version) ([]string, error) {
	labels := make([]string, 0, len(scopes))
	for label := range scopes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var updated []string
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		winner := scopes[label]
		if current, err := r.currentVersion(label); err == nil && current == winner.String() {
			continue
		}

		r.logger.Info("updating tracking directory",
			"scope", label,
			"version", winner.String())
		if err := r.rebuild(label, winner); err != nil {
			return updated, fmt.Errorf("failed to update tracking directory %s: %w", label, err)
		}
		updated = append(updated, label)
	}

	return updated, nil
}

// CurrentVersion returns the version a tracking directory currently
// mirrors, read from its sidecar marker.
func (r *Reconciler) CurrentVersion(label string) (string, error) {
	return r.currentVersion(label)
}

func (r *Reconciler) currentVersion(label string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.root, label, SidecarFilename))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// rebuild stages a complete new tracking directory for the winner and swaps
// it into the scope's public path.
func (r *Reconciler) rebuild(label string, winner release.Version) error {
	versionDir := filepath.Join(r.root, winner.String())
	entries, err := os.ReadDir(versionDir)
	if err != nil {
		return fmt.Errorf("failed to read version directory: %w", err)
	}

	buildDir := filepath.Join(r.root, targetDirName, label+"-"+uuid.NewString())
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == release.ChecksumsFilename {
			continue
		}

		linkName := release.StripVersion(name, winner)
		if linkName == "" {
			linkName = name
		}

		// The sidecar name is reserved for the version marker. Linking an
		// asset under it would make the marker write below follow the
		// symlink into the version directory; the asset stays reachable
		// through its version path instead.
		if linkName == SidecarFilename {
			r.logger.Warn("asset shadows the version marker, not linked",
				"scope", label,
				"asset", name)
			continue
		}

		// Targets are relative so the tree survives a mirror root
		// move; ../../ hops out of .tracking/<target>/ to the root.
		target := filepath.Join("..", "..", winner.String(), name)
		if err := os.Symlink(target, filepath.Join(buildDir, linkName)); err != nil {
			_ = os.RemoveAll(buildDir)
			return fmt.Errorf("failed to link %s: %w", linkName, err)
		}
	}

	if err := r.writeChecksums(versionDir, buildDir, winner); err != nil {
		_ = os.RemoveAll(buildDir)
		return err
	}

	if err := os.WriteFile(filepath.Join(buildDir, SidecarFilename), []byte(winner.String()+"\n"), 0644); err != nil {
		_ = os.RemoveAll(buildDir)
		return err
	}

	if err := r.swap(buildDir, filepath.Join(r.root, label)); err != nil {
		_ = os.RemoveAll(buildDir)
		return err
	}
	return nil
}

// writeChecksums copies the version's checksum manifest into the build
// directory with every filename version-stripped; hashes cover content and
// carry over unchanged.
func (r *Reconciler) writeChecksums(versionDir, buildDir string, winner release.Version) error {
	src, err := os.Open(filepath.Join(versionDir, release.ChecksumsFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	dst, err := os.Create(filepath.Join(buildDir, release.ChecksumsFilename))
	if err != nil {
		return err
	}

	strip := func(name string) string {
		if stripped := release.StripVersion(name, winner); stripped != "" {
			return stripped
		}
		return name
	}
	if err := checksums.Rewrite(src, dst, strip); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to rewrite checksum manifest: %w", err)
	}
	return dst.Close()
}

// swap atomically retargets the public tracking path at the new build
// directory. The public path is always a symlink; replacing a symlink via
// rename is the one atomic filesystem operation that changes visible state.
func (r *Reconciler) swap(buildDir, public string) error {
	// Symlink value relative to the mirror root, e.g. ".tracking/1-<uuid>".
	relTarget := filepath.Join(targetDirName, filepath.Base(buildDir))

	info, err := os.Lstat(public)
	if os.IsNotExist(err) {
		return os.Symlink(relTarget, public)
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("tracking path %s exists but is not a symlink", public)
	}

	oldTarget, err := os.Readlink(public)
	if err != nil {
		return err
	}

	tmp := filepath.Join(r.root, targetDirName, ".swap-"+uuid.NewString())
	if err := os.Symlink(relTarget, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, public); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// The old target is unreachable now; remove it outside the visible
	// state transition.
	if !filepath.IsAbs(oldTarget) {
		oldTarget = filepath.Join(r.root, oldTarget)
	}
	if err := os.RemoveAll(oldTarget); err != nil {
		r.logger.Warn("failed to remove previous tracking target", "path", oldTarget, "error", err)
	}

	return nil
}

// SweepOrphans removes tracking targets no scope symlink references, e.g.
// leftovers from a pass that crashed between build and swap. Only called
// while the sync guard is held.
func (r *Reconciler) SweepOrphans() error {
	targetRoot := filepath.Join(r.root, targetDirName)
	targets, err := os.ReadDir(targetRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	referenced := make(map[string]bool)
	rootEntries, err := os.ReadDir(r.root)
	if err != nil {
		return err
	}
	for _, e := range rootEntries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		link, err := os.Readlink(filepath.Join(r.root, e.Name()))
		if err != nil {
			continue
		}
		referenced[filepath.Base(link)] = true
	}

	for _, t := range targets {
		if referenced[t.Name()] {
			continue
		}
		r.logger.Debug("removing orphaned tracking target", "name", t.Name())
		if err := os.RemoveAll(filepath.Join(targetRoot, t.Name())); err != nil {
			return err
		}
	}
	return nil
}
