package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Session statuses.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusOrphaned = "orphaned"
	// StatusLost marks sessions dropped with their device.
	StatusLost = "lost"
)

// SessionRecord is one journal row. SessionID is only unique per client and
// while open; ID is the row key.
type SessionRecord struct {
	ID        int64      `json:"id"`
	ClientID  string     `json:"client_id"`
	PID       int        `json:"pid"`
	SessionID uint32     `json:"session_id"`
	Kind      string     `json:"kind"`
	Target    string     `json:"target"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id  TEXT NOT NULL,
	pid        INTEGER NOT NULL DEFAULT 0,
	session_id INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'open',
	reason     TEXT NOT NULL DEFAULT '',
	opened_at  DATETIME NOT NULL,
	closed_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id, session_id);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL and busy_timeout
// applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// New opens the journal. maxOpenConns controls the connection pool size (0 =
// default 4). An in-memory database always uses a single connection, since
// every connection would see its own database.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSession inserts rec and sets its ID.
func (s *Store) RecordSession(rec *SessionRecord) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`INSERT INTO sessions (client_id, pid, session_id, kind, target, status, reason, opened_at, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ClientID, rec.PID, rec.SessionID, rec.Kind, rec.Target, rec.Status, rec.Reason,
			rec.OpenedAt.UTC(), utcOrNil(rec.ClosedAt),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading session row id: %w", err)
	}
	rec.ID = id
	return nil
}

// CloseSession marks the open row of the client's session closed.
func (s *Store) CloseSession(clientID string, sessionID uint32, at time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, closed_at = ?
			 WHERE client_id = ? AND session_id = ? AND status = ?`,
			StatusClosed, at.UTC(), clientID, sessionID, StatusOpen,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return checkRowAffected(result, fmt.Sprintf("%s/%d", clientID, sessionID))
}

// MarkLost marks every open session of the client lost and returns how many
// there were.
func (s *Store) MarkLost(clientID string, reason string, at time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, reason = ?, closed_at = ?
			 WHERE client_id = ? AND status = ?`,
			StatusLost, reason, at.UTC(), clientID, StatusOpen,
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("marking sessions lost: %w", err)
	}
	return result.RowsAffected()
}

// UpdateSessionStatus finishes the row id with status.
func (s *Store) UpdateSessionStatus(id int64, status, reason string, at time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET status = ?, reason = ?, closed_at = ? WHERE id = ?`,
			status, reason, at.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, fmt.Sprintf("row %d", id))
}

func (s *Store) GetSession(id int64) (*SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, client_id, pid, session_id, kind, target, status, reason, opened_at, closed_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns the newest rows first. An empty status lists all;
// limit <= 0 means no limit.
func (s *Store) ListSessions(status string, limit int) ([]*SessionRecord, error) {
	query := `SELECT id, client_id, pid, session_id, kind, target, status, reason, opened_at, closed_at
		 FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CountByStatus returns the number of rows per status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating counts: %w", err)
	}
	return counts, nil
}

// Prune deletes finished rows older than before.
func (s *Store) Prune(before time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM sessions WHERE status != ? AND opened_at < ?`,
			StatusOpen, before.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*SessionRecord, error) {
	var rec SessionRecord
	var closedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.ClientID, &rec.PID, &rec.SessionID, &rec.Kind, &rec.Target,
		&rec.Status, &rec.Reason, &rec.OpenedAt, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	return &rec, nil
}

func scanSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return records, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
