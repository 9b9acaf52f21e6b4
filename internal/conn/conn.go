// Package conn implements the byte-stream connection to the secure-world
// daemon.
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is returned by ReadData when nothing arrived in time.
	ErrTimeout = errors.New("read timed out")
	// ErrInterrupted is returned by ReadData when the read was interrupted.
	ErrInterrupted = errors.New("read interrupted")
)

// Conn is a duplex channel to the daemon. One write must be matched by the
// next read; Conn does not demultiplex responses.
type Conn interface {
	// WriteData writes all of p.
	WriteData(p []byte) (int, error)
	// ReadData fills p. A negative timeout blocks, a positive timeout
	// bounds the wait, and zero never blocks: it returns whatever is
	// queued, which may be a short count. It returns (0, nil) when the peer
	// shut down cleanly and a short count when it shut down mid-record.
	ReadData(p []byte, timeout time.Duration) (int, error)
	// Interrupt makes the current or next ReadData return ErrInterrupted.
	// It fires once.
	Interrupt()
	// ClearInterrupt discards an interruption no read consumed.
	ClearInterrupt()
	// IsAlive probes the peer without consuming data.
	IsAlive() bool
	Close() error
}

// DialFunc opens a new connection to the daemon socket at path.
type DialFunc func(path string) (Conn, error)

// Dial connects to the daemon unix socket.
func Dial(path string) (Conn, error) {
	// Refuse symlinked sockets.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("socket %s is a symlink", path)
	}
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &UnixConn{c: c}, nil
}

// UnixConn is a Conn over a unix stream socket.
type UnixConn struct {
	c *net.UnixConn

	mu          sync.Mutex
	interrupted bool
}

// NewUnixConn wraps an established unix socket connection.
func NewUnixConn(c *net.UnixConn) *UnixConn {
	return &UnixConn{c: c}
}

func (u *UnixConn) WriteData(p []byte) (int, error) {
	// The net package writes the whole buffer or fails.
	return u.c.Write(p)
}

func (u *UnixConn) ReadData(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	u.mu.Lock()
	if u.interrupted {
		u.interrupted = false
		u.mu.Unlock()
		return 0, ErrInterrupted
	}
	var err error
	switch {
	case timeout > 0:
		err = u.c.SetReadDeadline(time.Now().Add(timeout))
	default:
		err = u.c.SetReadDeadline(time.Time{})
	}
	u.mu.Unlock()
	if err != nil {
		return 0, err
	}

	// A zero timeout takes what is queued, even a partial record.
	if timeout == 0 {
		return u.recvNonBlocking(p)
	}

	n := 0
	for n < len(p) {
		m, err := u.c.Read(p[n:])
		n += m
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if u.consumeInterrupt() {
				return n, ErrInterrupted
			}
			if n > 0 {
				return n, nil
			}
			return 0, ErrTimeout
		}
		return n, err
	}
	return n, nil
}

// recvNonBlocking performs a single MSG_DONTWAIT receive.
func (u *UnixConn) recvNonBlocking(p []byte) (int, error) {
	rc, err := u.c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var rerr error
	err = rc.Read(func(fd uintptr) bool {
		n, _, rerr = unix.Recvfrom(int(fd), p, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		// Interrupt arms a past deadline, which fails rc.Read up front.
		if errors.Is(err, os.ErrDeadlineExceeded) && u.consumeInterrupt() {
			return 0, ErrInterrupted
		}
		return 0, err
	}
	if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) {
		return 0, ErrTimeout
	}
	if errors.Is(rerr, unix.EINTR) {
		return 0, ErrInterrupted
	}
	if rerr != nil {
		return 0, rerr
	}
	return n, nil
}

// consumeInterrupt clears a pending interruption and reports whether there
// was one.
func (u *UnixConn) consumeInterrupt() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	was := u.interrupted
	u.interrupted = false
	return was
}

func (u *UnixConn) Interrupt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.interrupted = true
	// Wake a blocked reader.
	_ = u.c.SetReadDeadline(time.Unix(1, 0))
}

func (u *UnixConn) ClearInterrupt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.interrupted {
		u.interrupted = false
		_ = u.c.SetReadDeadline(time.Time{})
	}
}

func (u *UnixConn) IsAlive() bool {
	u.mu.Lock()
	if !u.interrupted {
		// A stale deadline would fail the probe below.
		_ = u.c.SetReadDeadline(time.Time{})
	}
	u.mu.Unlock()

	rc, err := u.c.SyscallConn()
	if err != nil {
		return false
	}
	alive := false
	err = rc.Read(func(fd uintptr) bool {
		var b [1]byte
		n, _, rerr := unix.Recvfrom(int(fd), b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK):
			alive = true
		case rerr == nil && n > 0:
			alive = true
		}
		return true
	})
	return err == nil && alive
}

func (u *UnixConn) Close() error {
	return u.c.Close()
}
