package mcapi

// SessionKind names how a session was opened.
type SessionKind string

const (
	KindUUID     SessionKind = "uuid"
	KindTrustlet SessionKind = "trustlet"
	KindGP       SessionKind = "gp"
)

// Journal records session lifecycle events. Implementations must not block
// for long; failures are theirs to report.
type Journal interface {
	Opened(sessionID uint32, kind SessionKind, target string)
	Closed(sessionID uint32)
	// Orphaned records a session the daemon opened but the client could
	// not take into use.
	Orphaned(sessionID uint32, kind SessionKind, target string, reason string)
}

type nopJournal struct{}

func (nopJournal) Opened(uint32, SessionKind, string) {}
func (nopJournal) Closed(uint32) {}
func (nopJournal) Orphaned(uint32, SessionKind, string, string) {}
