package mirror

import (
	"errors"
	"fmt"
	"time"
)

// ErrBusy signals that a sync pass is already running. It is a control
// signal, not a failure: callers decide whether it maps to a no-op, a
// queued re-run or a 409-style response.
var ErrBusy = errors.New("sync already in progress")

// ErrLockHeld reports that another process holds the mirror lock. It wraps
// ErrBusy so callers that only care about "a sync is running" keep working,
// while the webhook can tell it apart: no re-run can be queued behind a
// pass owned by a different process.
var ErrLockHeld = fmt.Errorf("%w: mirror lock held by another process", ErrBusy)

// Report summarizes one completed sync pass
type Report struct {
	Releases        int           `json:"releases"`         // parseable upstream releases seen
	Synced          int           `json:"synced"`           // version directories created this pass
	Skipped         int           `json:"skipped"`          // releases skipped due to fetch failures
	TrackingUpdated []string      `json:"tracking_updated"` // scope labels rewritten
	Duration        time.Duration `json:"duration"`
}
