package reaper

import (
	"time"

	"github.com/p-arndt/mcdriver/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListSessions(status string, limit int) ([]*store.SessionRecord, error) {
	args := m.Called(status, limit)
	if records := args.Get(0); records != nil {
		return records.([]*store.SessionRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) UpdateSessionStatus(id int64, status, reason string, at time.Time) error {
	args := m.Called(id, status, reason, at)
	return args.Error(0)
}

func (m *MockReaperStore) Prune(before time.Time) (int64, error) {
	args := m.Called(before)
	return args.Get(0).(int64), args.Error(1)
}

// MockProcessChecker mocks the ProcessChecker interface.
type MockProcessChecker struct {
	mock.Mock
}

func (m *MockProcessChecker) IsRunning(pid int) (bool, error) {
	args := m.Called(pid)
	return args.Bool(0), args.Error(1)
}
