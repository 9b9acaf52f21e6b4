package reaper

import (
	"time"

	"github.com/p-arndt/mcdriver/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListSessions(status string, limit int) ([]*store.SessionRecord, error)
	UpdateSessionStatus(id int64, status, reason string, at time.Time) error
	Prune(before time.Time) (int64, error)
}

// ProcessChecker reports whether the client process that journaled a
// session still exists.
type ProcessChecker interface {
	IsRunning(pid int) (bool, error)
}
