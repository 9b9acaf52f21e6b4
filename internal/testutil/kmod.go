package testutil

import (
	"errors"
	"sync"

	"github.com/p-arndt/mcdriver/internal/kmod"
)

// ErrKmodInjected is the failure injected by MemKmod.
var ErrKmodInjected = errors.New("injected kernel failure")

// MemKmod is an in-memory kernel device.
type MemKmod struct {
	mu         sync.Mutex
	next       uint32
	registered map[uint32][]byte
	wsm        map[uint32]*kmod.Wsm
	closed     bool

	// FailRegisterAt makes the n-th RegisterBuffer call (from 0) fail; -1
	// disables it.
	FailRegisterAt int
	registers      int
	FailMalloc     bool
}

var _ kmod.Device = (*MemKmod)(nil)

func NewMemKmod() *MemKmod {
	return &MemKmod{
		next:           1,
		registered:     make(map[uint32][]byte),
		wsm:            make(map[uint32]*kmod.Wsm),
		FailRegisterAt: -1,
	}
}

// Opener returns a kmod.Opener handing out m.
func (m *MemKmod) Opener() kmod.Opener {
	return func(string) (kmod.Device, error) { return m, nil }
}

func (m *MemKmod) MallocWsm(n int) (*kmod.Wsm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, kmod.ErrClosed
	}
	if m.FailMalloc || n <= 0 {
		return nil, ErrKmodInjected
	}
	// Page-rounded capacity, like a real mapping.
	size := (n + 0xFFF) &^ 0xFFF
	w := &kmod.Wsm{Buf: make([]byte, n, size), Handle: m.next, PhysAddr: 0x80000000 + uint64(m.next)<<12}
	m.wsm[m.next] = w
	m.next++
	return w, nil
}

func (m *MemKmod) FreeWsm(w *kmod.Wsm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wsm[w.Handle]; !ok {
		return kmod.ErrUnknownHandle
	}
	delete(m.wsm, w.Handle)
	return nil
}

func (m *MemKmod) RegisterBuffer(buf []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, kmod.ErrClosed
	}
	n := m.registers
	m.registers++
	if n == m.FailRegisterAt {
		return 0, ErrKmodInjected
	}
	h := m.next
	m.next++
	m.registered[h] = buf
	return h, nil
}

func (m *MemKmod) UnregisterBuffer(handle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[handle]; !ok {
		return kmod.ErrUnknownHandle
	}
	delete(m.registered, handle)
	return nil
}

func (m *MemKmod) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Registered returns the number of live buffer registrations.
func (m *MemKmod) Registered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registered)
}

// Allocated returns the number of live WSM allocations.
func (m *MemKmod) Allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wsm)
}

func (m *MemKmod) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
