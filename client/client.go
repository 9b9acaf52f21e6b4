// Package client is the public entry point of the driver: it opens the
// device, manages sessions and shared memory, and reports failures as
// *Error values carrying both the result code and an errno.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/p-arndt/mcdriver/internal/config"
	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/internal/device"
	"github.com/p-arndt/mcdriver/internal/kmod"
	"github.com/p-arndt/mcdriver/internal/mcapi"
	"github.com/p-arndt/mcdriver/protocol"
)

// Journal records session lifecycle events. A Journal that also implements
// DeviceLost(reason string) is told when sessions vanish with their device.
type Journal = mcapi.Journal

type deviceLostRecorder interface {
	DeviceLost(reason string)
}

type options struct {
	dial    conn.DialFunc
	open    kmod.Opener
	journal Journal
}

// Option customizes a Client.
type Option func(*options)

// WithDialer replaces the daemon socket dialer.
func WithDialer(dial conn.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithKernelOpener replaces the kernel device opener.
func WithKernelOpener(open kmod.Opener) Option {
	return func(o *options) { o.open = open }
}

// WithJournal records session lifecycle events in j.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// Client owns at most one open device. Methods are safe for concurrent use,
// but two calls must not talk to the daemon over the same connection at the
// same time: the daemon answers strictly in order.
type Client struct {
	driver  *mcapi.Driver
	journal Journal
	logger  *slog.Logger

	mu  sync.RWMutex
	dev *device.Device

	gp *gpTable
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	maxTCI, err := cfg.MaxTCIBytes()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		driver: mcapi.New(mcapi.Config{
			SocketPath: cfg.SocketPath,
			DevicePath: cfg.DevicePath,
			MaxTCILen:  maxTCI,
			Dial:       o.dial,
			Open:       o.open,
			Journal:    o.journal,
		}, logger),
		journal: o.journal,
		logger:  logger,
		gp:      newGPTable(),
	}, nil
}

// device returns the current device, which may be nil.
func (c *Client) device() *device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dev
}

// fail wraps err for op and logs it. An *Error passes through unchanged.
func (c *Client) fail(op string, err error) error {
	e, ok := err.(*Error)
	if !ok {
		err = newError(op, err)
		if e, ok = err.(*Error); !ok {
			return err
		}
	}
	switch e.Result {
	case protocol.ErrTimeout, protocol.InfoNotification, protocol.NoNotification:
		c.logger.Debug("operation ended", "op", op, "result", e.Result)
	default:
		c.logger.Error("operation failed", "op", op, "errno", e.Errno.Error(), "result", e.Result, "error", e.Err)
	}
	return e
}

// Open connects to the daemon and opens the device. A device invalidated
// by a lost daemon is dropped and opened again.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		if c.dev.IsValid() {
			return c.fail("open", protocol.ErrInvalidOperation)
		}
		c.dropDevice("device reopened")
	}
	d, err := c.driver.OpenDevice()
	if err != nil {
		return c.fail("open", err)
	}
	c.dev = d
	c.logger.Info("driver client open")
	return nil
}

// Close closes the device. It fails with ErrSessionPending, and keeps the
// device, while sessions are open. On any other outcome the device is
// released.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.driver.CloseDevice(c.dev)
	if mcapi.ResultOf(err) != protocol.ErrSessionPending && c.dev != nil {
		reason := "device closed"
		if err != nil {
			reason = mcapi.ResultOf(err).String()
		}
		c.dropDevice(reason)
	}
	if err != nil {
		return c.fail("close", err)
	}
	c.logger.Info("driver client closed")
	return nil
}

// dropDevice releases c.dev. c.mu must be held.
func (c *Client) dropDevice(reason string) {
	if c.dev.HasSessions() {
		if r, ok := c.journal.(deviceLostRecorder); ok {
			r.DeviceLost(reason)
		}
	}
	if err := c.dev.Close(); err != nil {
		c.logger.Warn("releasing device failed", "error", err)
	}
	c.dev = nil
	c.gp.reset()
}

// IsOpen reports whether a valid device is open.
func (c *Client) IsOpen() bool {
	d := c.device()
	return d != nil && d.IsValid()
}

// HasOpenSessions reports whether the device has open sessions. A device
// whose daemon went away has none.
func (c *Client) HasOpenSessions() (bool, error) {
	d := c.device()
	if d != nil && !d.IsValid() {
		return false, nil
	}
	err := c.driver.DeviceHasOpenSessions(d)
	switch mcapi.ResultOf(err) {
	case protocol.OK:
		return false, nil
	case protocol.ErrSessionPending:
		return true, nil
	}
	return false, c.fail("has open sessions", err)
}

// SessionRequest opens a session with a trusted application known to the
// daemon.
type SessionRequest struct {
	UUID uuid.UUID
	// GP opens the application as a GlobalPlatform TA. Its TCI then takes
	// part in cancellation.
	GP    bool
	Login uint32
	TCI   []byte
}

// OpenSession opens a session and returns its id. Only public login is
// supported.
func (c *Client) OpenSession(req SessionRequest) (uint32, error) {
	if req.Login != protocol.LoginPublic {
		return 0, c.fail("open session", errnoError("open session", protocol.ErrInvalidParameter, unix.EINVAL,
			fmt.Errorf("login type %d not supported", req.Login)))
	}
	if req.GP && len(req.TCI) < protocol.GPTCIMinLen {
		return 0, c.fail("open session", errnoError("open session", protocol.ErrInvalidParameter, unix.EINVAL,
			fmt.Errorf("GP TCI of %d bytes cannot hold the cancellation flag (need %d)", len(req.TCI), protocol.GPTCIMinLen)))
	}
	d := c.device()
	var (
		s   *device.Session
		err error
	)
	if req.GP {
		s, err = c.driver.OpenGPTA(d, req.UUID, req.TCI)
	} else {
		s, err = c.driver.OpenSession(d, req.UUID, req.TCI)
	}
	if err != nil {
		return 0, c.fail("open session", err)
	}
	if req.GP {
		c.gp.add(s.ID(), req.TCI)
	}
	return s.ID(), nil
}

// OpenTrustlet opens a session with the trusted application binary
// trustlet, signed for the service provider spid.
func (c *Client) OpenTrustlet(spid uint32, trustlet []byte, tci []byte) (uint32, error) {
	s, err := c.driver.OpenTrustlet(c.device(), spid, trustlet, tci)
	if err != nil {
		return 0, c.fail("open trustlet", err)
	}
	return s.ID(), nil
}

func (c *Client) CloseSession(sessionID uint32) error {
	if err := c.driver.CloseSession(c.device(), sessionID); err != nil {
		return c.fail("close session", err)
	}
	c.gp.remove(sessionID)
	return nil
}

// Notify wakes the trusted application of the session.
func (c *Client) Notify(sessionID uint32) error {
	return c.fail("notify", c.driver.Notify(c.device(), sessionID))
}

// WaitNotification blocks until the session is notified. timeout is in
// milliseconds or one of the protocol timeout constants. A session that
// terminated returns an error matching protocol.InfoNotification; GetError
// then returns its exit code.
func (c *Client) WaitNotification(ctx context.Context, sessionID uint32, timeout int32) error {
	return c.fail("wait notification", c.driver.WaitNotification(ctx, c.device(), sessionID, timeout))
}

// Malloc allocates n bytes of world shared memory. The buffer may serve as
// a TCI; release it with Free.
func (c *Client) Malloc(n int) ([]byte, error) {
	w, err := c.driver.MallocWsm(c.device(), n)
	if err != nil {
		return nil, c.fail("malloc", err)
	}
	return w.Buf, nil
}

func (c *Client) Free(buf []byte) error {
	return c.fail("free", c.driver.FreeWsm(c.device(), buf))
}

// BufMap is one buffer of a Map or Unmap call. Map fills SecureAddr.
type BufMap struct {
	Buf        []byte
	SecureAddr uint32
}

// Map maps up to protocol.MapMax buffers into the session. Entries with a
// nil Buf are skipped. After the first failure the remaining entries get a
// nil Buf and the buffers mapped so far are unmapped again.
func (c *Client) Map(sessionID uint32, bufs []BufMap) error {
	if len(bufs) > protocol.MapMax {
		return c.fail("map", errnoError("map", protocol.ErrInvalidParameter, unix.EINVAL,
			fmt.Errorf("%d buffers, at most %d", len(bufs), protocol.MapMax)))
	}
	d := c.device()
	var firstErr error
	mapped := false
	for i := range bufs {
		b := &bufs[i]
		if b.Buf == nil {
			continue
		}
		if firstErr != nil {
			// Not attempted; keep the unwind away from it.
			b.Buf = nil
			continue
		}
		m, err := c.driver.Map(d, sessionID, b.Buf)
		if err != nil {
			firstErr = c.fail(fmt.Sprintf("map buffer #%d", i), err)
			b.Buf = nil
			continue
		}
		b.SecureAddr = m.SecureAddr
		mapped = true
	}
	switch {
	case firstErr == nil && !mapped:
		return c.fail("map", errnoError("map", protocol.ErrInvalidParameter, unix.EINVAL,
			fmt.Errorf("no buffers in set")))
	case firstErr != nil && mapped:
		_ = c.unmap(d, sessionID, bufs)
	}
	return firstErr
}

// Unmap unmaps buffers mapped by Map. It tries every entry and returns the
// last failure.
func (c *Client) Unmap(sessionID uint32, bufs []BufMap) error {
	if len(bufs) > protocol.MapMax {
		return c.fail("unmap", errnoError("unmap", protocol.ErrInvalidParameter, unix.EINVAL,
			fmt.Errorf("%d buffers, at most %d", len(bufs), protocol.MapMax)))
	}
	return c.unmap(c.device(), sessionID, bufs)
}

func (c *Client) unmap(d *device.Device, sessionID uint32, bufs []BufMap) error {
	var lastErr error
	unmapped := false
	for i := range bufs {
		b := &bufs[i]
		if b.Buf == nil {
			continue
		}
		err := c.driver.Unmap(d, sessionID, b.Buf, mcapi.Mapping{
			SecureAddr: b.SecureAddr,
			SecureLen:  uint32(len(b.Buf)),
		})
		if err != nil {
			lastErr = c.fail(fmt.Sprintf("unmap buffer #%d", i), err)
			continue
		}
		unmapped = true
	}
	if lastErr == nil && !unmapped {
		return c.fail("unmap", errnoError("unmap", protocol.ErrInvalidParameter, unix.EINVAL,
			fmt.Errorf("no buffers in set")))
	}
	return lastErr
}

// GetError returns the exit code the session's trusted application last
// reported. It stays until a later notification overwrites it.
func (c *Client) GetError(sessionID uint32) (int32, error) {
	code, err := c.driver.GetSessionErrorCode(c.device(), sessionID)
	if err != nil {
		return 0, c.fail("get error", err)
	}
	return code, nil
}

// GetVersion returns the version information of the secure OS.
func (c *Client) GetVersion() (*protocol.VersionInfo, error) {
	info, err := c.driver.GetMobiCoreVersion(c.device())
	if err != nil {
		return nil, c.fail("get version", err)
	}
	return info, nil
}

// GPRequestCancellation raises the cancellation flag of a GP session and
// notifies its trusted application.
func (c *Client) GPRequestCancellation(sessionID uint32) error {
	if !c.gp.cancel(sessionID) {
		return c.fail("gp cancel", errnoError("gp cancel", protocol.ErrUnknownSession, unix.ENOENT,
			fmt.Errorf("session %d: %w", sessionID, ErrNotGPSession)))
	}
	return c.Notify(sessionID)
}
