// Package device tracks the client side state of an open link to the secure
// world: the daemon connection, the kernel device handle, contiguous shared
// memory and the open sessions.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/internal/kmod"
	"github.com/p-arndt/mcdriver/protocol"
)

// Config holds what a Device needs besides its owned handles.
type Config struct {
	ID uint32
	// SocketPath and Dial open notification connections.
	SocketPath string
	Dial       conn.DialFunc
	Logger     *slog.Logger
}

// Device owns the daemon connection and kernel device handle of one open
// device, together with its sessions and contiguous WSM allocations.
type Device struct {
	id         uint32
	conn       conn.Conn
	kmod       kmod.Device
	socketPath string
	dial       conn.DialFunc
	logger     *slog.Logger

	valid atomic.Bool

	mu       sync.Mutex
	sessions map[uint32]*Session
	wsm      map[uintptr]*kmod.Wsm
}

// New takes ownership of c and k.
func New(cfg Config, c conn.Conn, k kmod.Device) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		id:         cfg.ID,
		conn:       c,
		kmod:       k,
		socketPath: cfg.SocketPath,
		dial:       cfg.Dial,
		logger:     logger,
		sessions:   make(map[uint32]*Session),
		wsm:        make(map[uintptr]*kmod.Wsm),
	}
	d.valid.Store(true)
	return d
}

func (d *Device) ID() uint32 { return d.id }

// Conn returns the daemon connection.
func (d *Device) Conn() conn.Conn { return d.conn }

// IsValid reports whether the daemon connection is still usable.
func (d *Device) IsValid() bool { return d.valid.Load() }

// SetInvalid marks the daemon connection as lost.
func (d *Device) SetInvalid() {
	if d.valid.Swap(false) {
		d.logger.Warn("device marked invalid", "device_id", d.id)
	}
}

// IsConnectionAlive probes the daemon connection without consuming data.
func (d *Device) IsConnectionAlive() bool {
	return d.conn.IsAlive()
}

// DialNotification opens a new connection for session notifications.
func (d *Device) DialNotification() (conn.Conn, error) {
	if d.dial == nil {
		return nil, errors.New("no notification dialer")
	}
	return d.dial(d.socketPath)
}

func (d *Device) HasSessions() bool {
	return d.SessionCount() > 0
}

func (d *Device) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// CreateSession registers a session the daemon opened. Session ids are
// unique per device; a duplicate means the daemon is confused.
func (d *Device) CreateSession(id uint32, nq conn.Conn, tciAddr uintptr) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[id]; ok {
		return nil, fmt.Errorf("%w: duplicate session id %d", protocol.ErrInvalidResponse, id)
	}
	s := newSession(id, nq, d.kmod)
	s.tciAddr = tciAddr
	d.sessions[id] = s
	return s, nil
}

// RemoveSession drops the session and releases its resources.
func (d *Device) RemoveSession(id uint32) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return protocol.ErrUnknownSession
	}
	delete(d.sessions, id)
	d.mu.Unlock()

	if err := s.release(); err != nil {
		d.logger.Warn("session release incomplete", "session_id", id, "error", err)
	}
	return nil
}

// ResolveSession looks up an open session.
func (d *Device) ResolveSession(id uint32) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return nil, protocol.ErrUnknownSession
	}
	return s, nil
}

// AllocateContiguousWsm allocates contiguous shared memory and indexes it by
// address.
func (d *Device) AllocateContiguousWsm(n int) (*kmod.Wsm, error) {
	w, err := d.kmod.MallocWsm(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrNoFreeMemory, err)
	}
	d.mu.Lock()
	d.wsm[w.Addr()] = w
	d.mu.Unlock()
	return w, nil
}

// FreeContiguousWsm releases an allocation. It refuses while an open
// session uses the allocation as its TCI.
func (d *Device) FreeContiguousWsm(w *kmod.Wsm) error {
	addr := w.Addr()

	d.mu.Lock()
	if _, ok := d.wsm[addr]; !ok {
		d.mu.Unlock()
		return protocol.ErrWSMNotFound
	}
	for _, s := range d.sessions {
		if s.tciAddr == addr {
			d.mu.Unlock()
			return fmt.Errorf("%w: wsm %#x is the TCI of session %d", protocol.ErrInvalidOperation, addr, s.id)
		}
	}
	delete(d.wsm, addr)
	d.mu.Unlock()

	if err := d.kmod.FreeWsm(w); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrFreeMemoryFailed, err)
	}
	return nil
}

// FindContiguousWsm returns the allocation starting at addr.
func (d *Device) FindContiguousWsm(addr uintptr) (*kmod.Wsm, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.wsm[addr]
	return w, ok
}

// MapBulkBuf registers a non-contiguous buffer with the kernel device. The
// result is not yet owned by any session.
func (d *Device) MapBulkBuf(buf []byte) (*BulkBuf, error) {
	if len(buf) == 0 {
		return nil, protocol.ErrNullPointer
	}
	handle, err := d.kmod.RegisterBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrBulkMapping, err)
	}
	return &BulkBuf{Buf: buf, Handle: handle}, nil
}

// UnmapBulkBuf undoes MapBulkBuf for a buffer no session took.
func (d *Device) UnmapBulkBuf(b *BulkBuf) error {
	if err := d.kmod.UnregisterBuffer(b.Handle); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrBulkUnmapping, err)
	}
	return nil
}

// Close tears down every session, every WSM allocation, the kernel device
// handle and the daemon connection.
func (d *Device) Close() error {
	d.SetInvalid()

	d.mu.Lock()
	sessions := d.sessions
	wsm := d.wsm
	d.sessions = make(map[uint32]*Session)
	d.wsm = make(map[uintptr]*kmod.Wsm)
	d.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.release(); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", id, err))
		}
	}
	for _, w := range wsm {
		if err := d.kmod.FreeWsm(w); err != nil {
			errs = append(errs, fmt.Errorf("free wsm %#x: %w", w.Addr(), err))
		}
	}
	if d.kmod != nil {
		if err := d.kmod.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kernel device: %w", err))
		}
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close daemon conn: %w", err))
		}
	}
	return errors.Join(errs...)
}
