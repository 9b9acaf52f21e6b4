package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/internal/kmod"
	"github.com/p-arndt/mcdriver/protocol"
)

// BulkBuf describes a non-contiguous buffer registered for a session.
type BulkBuf struct {
	Buf    []byte
	Handle uint32
	// SecureAddr is assigned by the daemon once the buffer is mapped.
	SecureAddr uint32
}

func (b *BulkBuf) Addr() uintptr { return kmod.Addr(b.Buf) }
func (b *BulkBuf) Len() uint32   { return uint32(len(b.Buf)) }

// Session is one open trusted application instance.
type Session struct {
	id   uint32
	nq   conn.Conn
	kmod kmod.Device
	// address of the contiguous WSM used as TCI, 0 if none
	tciAddr uintptr

	lastErr atomic.Int32

	mu   sync.Mutex
	bulk map[uintptr]*BulkBuf
}

func newSession(id uint32, nq conn.Conn, k kmod.Device) *Session {
	return &Session{
		id:   id,
		nq:   nq,
		kmod: k,
		bulk: make(map[uintptr]*BulkBuf),
	}
}

func (s *Session) ID() uint32 { return s.id }

// NotificationConn returns the connection notifications arrive on.
func (s *Session) NotificationConn() conn.Conn { return s.nq }

// TCIAddr returns the address of the contiguous WSM used as TCI.
func (s *Session) TCIAddr() uintptr { return s.tciAddr }

// SetErrorInfo latches a termination payload delivered by a notification.
func (s *Session) SetErrorInfo(payload int32) {
	s.lastErr.Store(payload)
}

// LastErr returns the latest termination payload. Reading does not clear it;
// it persists until the next non-zero notification overwrites it.
func (s *Session) LastErr() int32 {
	return s.lastErr.Load()
}

// AddBulkBuf registers buf with the kernel device and records it. A second
// registration of the same address fails and leaves the first untouched.
func (s *Session) AddBulkBuf(buf []byte) (*BulkBuf, error) {
	addr := kmod.Addr(buf)
	if addr == 0 {
		return nil, protocol.ErrNullPointer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bulk[addr]; ok {
		return nil, fmt.Errorf("%w: buffer %#x already registered", protocol.ErrBulkMapping, addr)
	}
	handle, err := s.kmod.RegisterBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrBulkMapping, err)
	}
	b := &BulkBuf{Buf: buf, Handle: handle}
	s.bulk[addr] = b
	return b, nil
}

// AttachBulkBuf takes ownership of a buffer registered on the device before
// the session existed.
func (s *Session) AttachBulkBuf(b *BulkBuf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bulk[b.Addr()]; ok {
		return fmt.Errorf("%w: buffer %#x already registered", protocol.ErrBulkMapping, b.Addr())
	}
	s.bulk[b.Addr()] = b
	return nil
}

// SetSecureAddr records the secure virtual address of a mapped buffer.
func (s *Session) SetSecureAddr(addr uintptr, secureAddr uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bulk[addr]; ok {
		b.SecureAddr = secureAddr
	}
}

// FindBulkBuf looks a buffer up by local address.
func (s *Session) FindBulkBuf(addr uintptr) (*BulkBuf, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bulk[addr]
	return b, ok
}

// GetBufHandle finds the registration handle of the buffer mapped at
// secureAddr with length secureLen.
func (s *Session) GetBufHandle(secureAddr, secureLen uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bulk {
		if b.SecureAddr == secureAddr && b.Len() == secureLen {
			return b.Handle, true
		}
	}
	return 0, false
}

// RemoveBulkBuf deregisters the buffer at addr. The record is erased even
// if the kernel refuses the deregistration.
func (s *Session) RemoveBulkBuf(addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bulk[addr]
	if !ok {
		return fmt.Errorf("%w: buffer %#x not registered", protocol.ErrBulkUnmapping, addr)
	}
	delete(s.bulk, addr)
	if err := s.kmod.UnregisterBuffer(b.Handle); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrBulkUnmapping, err)
	}
	return nil
}

// BulkBufCount returns the number of registered buffers.
func (s *Session) BulkBufCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bulk)
}

// release drops every bulk buffer and closes the notification connection.
func (s *Session) release() error {
	s.mu.Lock()
	bufs := s.bulk
	s.bulk = make(map[uintptr]*BulkBuf)
	s.mu.Unlock()

	var errs []error
	for _, b := range bufs {
		if err := s.kmod.UnregisterBuffer(b.Handle); err != nil {
			errs = append(errs, fmt.Errorf("unregister %d: %w", b.Handle, err))
		}
	}
	if s.nq != nil {
		if err := s.nq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notification conn: %w", err))
		}
	}
	return errors.Join(errs...)
}
