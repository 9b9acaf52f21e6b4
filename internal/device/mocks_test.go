package device

import (
	"github.com/p-arndt/mcdriver/internal/kmod"
	"github.com/stretchr/testify/mock"
)

// MockKmod mocks the kmod.Device interface.
type MockKmod struct {
	mock.Mock
}

func (m *MockKmod) MallocWsm(n int) (*kmod.Wsm, error) {
	args := m.Called(n)
	if w := args.Get(0); w != nil {
		return w.(*kmod.Wsm), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockKmod) FreeWsm(w *kmod.Wsm) error {
	args := m.Called(w)
	return args.Error(0)
}

func (m *MockKmod) RegisterBuffer(buf []byte) (uint32, error) {
	args := m.Called(buf)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockKmod) UnregisterBuffer(handle uint32) error {
	args := m.Called(handle)
	return args.Error(0)
}

func (m *MockKmod) Close() error {
	args := m.Called()
	return args.Error(0)
}

var testifyAnyBuf = mock.AnythingOfType("[]uint8")
