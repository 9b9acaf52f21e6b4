package mcapi

import "github.com/stretchr/testify/mock"

// MockJournal mocks the Journal interface.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Opened(sessionID uint32, kind SessionKind, target string) {
	m.Called(sessionID, kind, target)
}

func (m *MockJournal) Closed(sessionID uint32) {
	m.Called(sessionID)
}

func (m *MockJournal) Orphaned(sessionID uint32, kind SessionKind, target string, reason string) {
	m.Called(sessionID, kind, target, reason)
}
