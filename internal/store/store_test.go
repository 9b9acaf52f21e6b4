package store

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/mcdriver/internal/mcapi"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(client string, sid uint32) *SessionRecord {
	return &SessionRecord{
		ClientID:  client,
		SessionID: sid,
		Kind:      "uuid",
		Target:    "07050000-0000-0000-0000-000000000000",
		Status:    StatusOpen,
		OpenedAt:  time.Now().UTC(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordAndGetSession(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord("c1", 7)

	require.NoError(t, st.RecordSession(rec))
	assert.NotZero(t, rec.ID)

	got, err := st.GetSession(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, uint32(7), got.SessionID)
	assert.Equal(t, "uuid", got.Kind)
	assert.Equal(t, rec.Target, got.Target)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Nil(t, got.ClosedAt)
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetSession(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseSession(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord("c1", 3)
	require.NoError(t, st.RecordSession(rec))

	require.NoError(t, st.CloseSession("c1", 3, time.Now()))

	got, err := st.GetSession(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	// Already closed.
	err = st.CloseSession("c1", 3, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseSessionScopedToClient(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.RecordSession(testRecord("c1", 3)))

	err := st.CloseSession("c2", 3, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionIDReuse(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.RecordSession(testRecord("c1", 1)))
	require.NoError(t, st.CloseSession("c1", 1, time.Now()))

	again := testRecord("c1", 1)
	require.NoError(t, st.RecordSession(again))
	require.NoError(t, st.CloseSession("c1", 1, time.Now()))

	closed, err := st.ListSessions(StatusClosed, 0)
	require.NoError(t, err)
	assert.Len(t, closed, 2)
}

func TestListSessions(t *testing.T) {
	st := newTestStore(t)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, st.RecordSession(testRecord("c1", i)))
	}
	require.NoError(t, st.CloseSession("c1", 2, time.Now()))

	all, err := st.ListSessions("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint32(3), all[0].SessionID, "newest first")

	open, err := st.ListSessions(StatusOpen, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	limited, err := st.ListSessions("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListSessionsEmpty(t *testing.T) {
	st := newTestStore(t)

	sessions, err := st.ListSessions("", 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMarkLost(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.RecordSession(testRecord("c1", 1)))
	require.NoError(t, st.RecordSession(testRecord("c1", 2)))
	require.NoError(t, st.RecordSession(testRecord("c2", 1)))
	require.NoError(t, st.CloseSession("c1", 2, time.Now()))

	n, err := st.MarkLost("c1", "daemon unreachable", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := st.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusLost])
	assert.Equal(t, 1, counts[StatusClosed])
	assert.Equal(t, 1, counts[StatusOpen])

	lost, err := st.ListSessions(StatusLost, 0)
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, "daemon unreachable", lost[0].Reason)
}

func TestUpdateSessionStatus(t *testing.T) {
	st := newTestStore(t)
	rec := testRecord("c1", 4)
	rec.PID = 4242
	require.NoError(t, st.RecordSession(rec))

	require.NoError(t, st.UpdateSessionStatus(rec.ID, StatusLost, "client exited", time.Now()))

	got, err := st.GetSession(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, StatusLost, got.Status)
	assert.Equal(t, "client exited", got.Reason)
	assert.NotNil(t, got.ClosedAt)

	err = st.UpdateSessionStatus(rec.ID+1, StatusLost, "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrune(t *testing.T) {
	st := newTestStore(t)
	old := testRecord("c1", 1)
	old.OpenedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.RecordSession(old))
	require.NoError(t, st.CloseSession("c1", 1, time.Now()))

	stillOpen := testRecord("c1", 2)
	stillOpen.OpenedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.RecordSession(stillOpen))

	n, err := st.Prune(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetSession(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetSession(stillOpen.ID)
	assert.NoError(t, err)
}

func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := New(path, 2)
	require.NoError(t, err)
	require.NoError(t, st.RecordSession(testRecord("c1", 1)))
	require.NoError(t, st.Close())

	st, err = New(path, 2)
	require.NoError(t, err)
	defer st.Close()
	all, err := st.ListSessions("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestJournal(t *testing.T) {
	st := newTestStore(t)
	j := st.Journal("c1", discardLogger())

	j.Opened(5, mcapi.KindTrustlet, "spid=1")
	j.Orphaned(6, mcapi.KindUUID, "07050000-0000-0000-0000-000000000000", "ERR_NQ_FAILED")
	j.Closed(5)
	j.Closed(99) // unknown; logged only

	all, err := st.ListSessions("", 0)
	require.NoError(t, err)
	for _, r := range all {
		assert.Equal(t, os.Getpid(), r.PID)
	}

	counts, err := st.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusClosed])
	assert.Equal(t, 1, counts[StatusOrphaned])

	orphans, err := st.ListSessions(StatusOrphaned, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "ERR_NQ_FAILED", orphans[0].Reason)
	assert.NotNil(t, orphans[0].ClosedAt)
}

func TestJournalLogsSessionID(t *testing.T) {
	st := newTestStore(t)
	var out bytes.Buffer
	j := st.Journal("c1", slog.New(slog.NewTextHandler(&out, nil)))

	j.Closed(42)
	assert.Contains(t, out.String(), "session_id=42")
	assert.NotContains(t, out.String(), "session=42")
}

func TestJournalDeviceLost(t *testing.T) {
	st := newTestStore(t)
	j := st.Journal("c1", discardLogger())

	j.Opened(1, mcapi.KindGP, "gp-ta")
	j.Opened(2, mcapi.KindUUID, "ta")
	j.DeviceLost("daemon unreachable")

	counts, err := st.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusLost])
	assert.Zero(t, counts[StatusOpen])
}

func TestIsBusyLock(t *testing.T) {
	assert.False(t, isBusyLock(nil))
	assert.True(t, isBusyLock(errString("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusyLock(errString("no such table")))
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errString("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return errString("constraint failed")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

type errString string

func (e errString) Error() string { return string(e) }
