package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/relsyncd/internal/release"
)

// Index is the machine-readable mapping consumers fetch as /index.json.
type Index struct {
	LastUpdated         time.Time         `json:"last_updated"`
	TrackingDirectories map[string]string `json:"tracking_directories"`
	Versions            []string          `json:"versions"`
}

// publishIndex writes the index document via stage-then-rename, same
// atomicity discipline as the tracking swap, so readers never see a
// truncated document. When nothing changed since the last pass the existing
// file is left untouched (keeps repeated syncs free of writes).
func (e *Engine) publishIndex(known []release.Version, scopes map[string]release.Version) error {
	sorted := make([]release.Version, len(known))
	copy(sorted, known)
	release.SortDescending(sorted)

	idx := Index{
		LastUpdated:         time.Now().UTC(),
		TrackingDirectories: make(map[string]string, len(scopes)),
		Versions:            make([]string, 0, len(sorted)),
	}
	for label, v := range scopes {
		idx.TrackingDirectories[label] = v.String()
	}
	for _, v := range sorted {
		idx.Versions = append(idx.Versions, v.String())
	}

	if current, err := e.readIndex(); err == nil &&
		reflect.DeepEqual(current.TrackingDirectories, idx.TrackingDirectories) &&
		reflect.DeepEqual(current.Versions, idx.Versions) {
		return nil
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	staging := filepath.Join(e.cfg.StagingDir(), "index-"+uuid.NewString()+".json")
	if err := os.WriteFile(staging, data, 0644); err != nil {
		return fmt.Errorf("failed to stage index document: %w", err)
	}
	if err := os.Rename(staging, e.cfg.IndexPath()); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("failed to publish index document: %w", err)
	}

	e.logger.Info("published index", "versions", len(idx.Versions), "scopes", len(idx.TrackingDirectories))
	return nil
}

func (e *Engine) readIndex() (*Index, error) {
	data, err := os.ReadFile(e.cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}
