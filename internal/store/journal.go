package store

import (
	"log/slog"
	"os"
	"time"

	"github.com/p-arndt/mcdriver/internal/mcapi"
)

// Journal records the session lifecycle of one client in the store.
type Journal struct {
	store    *Store
	clientID string
	pid      int
	logger   *slog.Logger
	now      func() time.Time
}

// Journal returns a mcapi.Journal writing rows tagged with clientID. Write
// failures are logged and never reach the driver.
func (s *Store) Journal(clientID string, logger *slog.Logger) *Journal {
	return &Journal{
		store:    s,
		clientID: clientID,
		pid:      os.Getpid(),
		logger:   logger.With("client", clientID),
		now:      time.Now,
	}
}

var _ mcapi.Journal = (*Journal)(nil)

func (j *Journal) Opened(sessionID uint32, kind mcapi.SessionKind, target string) {
	err := j.store.RecordSession(&SessionRecord{
		ClientID:  j.clientID,
		PID:       j.pid,
		SessionID: sessionID,
		Kind:      string(kind),
		Target:    target,
		Status:    StatusOpen,
		OpenedAt:  j.now(),
	})
	if err != nil {
		j.logger.Error("journal open failed", "session_id", sessionID, "error", err)
	}
}

func (j *Journal) Closed(sessionID uint32) {
	if err := j.store.CloseSession(j.clientID, sessionID, j.now()); err != nil {
		j.logger.Warn("journal close failed", "session_id", sessionID, "error", err)
	}
}

func (j *Journal) Orphaned(sessionID uint32, kind mcapi.SessionKind, target string, reason string) {
	now := j.now()
	err := j.store.RecordSession(&SessionRecord{
		ClientID:  j.clientID,
		PID:       j.pid,
		SessionID: sessionID,
		Kind:      string(kind),
		Target:    target,
		Status:    StatusOrphaned,
		Reason:    reason,
		OpenedAt:  now,
		ClosedAt:  &now,
	})
	if err != nil {
		j.logger.Error("journal orphan failed", "session_id", sessionID, "error", err)
	}
}

// DeviceLost marks every session still open for this client as lost.
func (j *Journal) DeviceLost(reason string) {
	n, err := j.store.MarkLost(j.clientID, reason, j.now())
	if err != nil {
		j.logger.Error("journal mark lost failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Warn("sessions lost with device", "count", n, "reason", reason)
	}
}
