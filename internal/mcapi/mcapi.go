// Package mcapi implements the driver operations on top of a device: the
// command/response exchanges with the daemon and the local bookkeeping that
// goes with them.
package mcapi

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/internal/device"
	"github.com/p-arndt/mcdriver/internal/kmod"
	"github.com/p-arndt/mcdriver/protocol"
)

// DefaultDeviceID is the only device the daemon knows.
const DefaultDeviceID = 0

type Config struct {
	SocketPath string
	DevicePath string
	// MaxTCILen bounds the TCI of a new session; 0 means protocol.MaxTCILen.
	MaxTCILen int
	Dial      conn.DialFunc
	Open      kmod.Opener
	Journal   Journal
}

// Driver runs the daemon protocol.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Driver {
	if cfg.Dial == nil {
		cfg.Dial = conn.Dial
	}
	if cfg.Open == nil {
		cfg.Open = kmod.Open
	}
	if cfg.Journal == nil {
		cfg.Journal = nopJournal{}
	}
	if cfg.MaxTCILen <= 0 || cfg.MaxTCILen > protocol.MaxTCILen {
		cfg.MaxTCILen = protocol.MaxTCILen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}
}

// OpenDevice connects to the daemon, checks its interface version, opens the
// device there and then opens the kernel device. On failure everything
// acquired so far is released.
func (dr *Driver) OpenDevice() (*device.Device, error) {
	c, err := dr.cfg.Dial(dr.cfg.SocketPath)
	if err != nil {
		dr.logger.Warn("could not connect to daemon", "socket", dr.cfg.SocketPath, "error", err)
		return nil, fmt.Errorf("%w: %w", protocol.ErrSocketConnect, err)
	}

	k, err := dr.openDevice(c)
	if err != nil {
		c.Close()
		return nil, err
	}

	d := device.New(device.Config{
		ID:         DefaultDeviceID,
		SocketPath: dr.cfg.SocketPath,
		Dial:       dr.cfg.Dial,
		Logger:     dr.logger,
	}, c, k)
	dr.logger.Info("device opened", "device_id", d.ID())
	return d, nil
}

func (dr *Driver) openDevice(c conn.Conn) (kmod.Device, error) {
	v, err := getDaemonVersion(c)
	if err != nil {
		return nil, err
	}
	ok, msg := protocol.CheckDaemonVersion(v)
	if !ok {
		dr.logger.Error(msg)
		return nil, protocol.ErrDaemonVersion
	}
	dr.logger.Debug(msg)

	if err := write(c, protocol.OpenDeviceCmd{
		Header:   protocol.Header{CommandID: protocol.CmdOpenDevice},
		DeviceID: DefaultDeviceID,
	}); err != nil {
		return nil, err
	}
	if err := readResult(c); err != nil {
		dr.logger.Warn("daemon refused device open", "result", ResultOf(err))
		return nil, err
	}

	k, err := dr.cfg.Open(dr.cfg.DevicePath)
	if err != nil {
		dr.logger.Error("could not open device file", "path", dr.cfg.DevicePath, "error", err)
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidDeviceFile, err)
	}
	return k, nil
}

func getDaemonVersion(c conn.Conn) (protocol.Version, error) {
	if err := write(c, protocol.GetVersionCmd{
		Header: protocol.Header{CommandID: protocol.CmdGetVersion},
	}); err != nil {
		return 0, err
	}
	if err := readResult(c); err != nil {
		return 0, err
	}
	var v protocol.Version
	if err := read(c, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// CloseDevice asks the daemon to close the device. It refuses while sessions
// are open and marks the device invalid on success. The caller still owns d
// and releases it with d.Close.
func (dr *Driver) CloseDevice(d *device.Device) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	if !d.IsConnectionAlive() {
		d.SetInvalid()
		dr.logger.Error("daemon is dead, removing device")
		return protocol.ErrDaemonUnreachable
	}
	if d.HasSessions() {
		dr.logger.Error("trying to close device while sessions are still pending", "sessions", d.SessionCount())
		return protocol.ErrSessionPending
	}

	err := call(d, protocol.CloseDeviceCmd{
		Header: protocol.Header{CommandID: protocol.CmdCloseDevice},
	}, nil)
	if err != nil {
		dr.logger.Warn("close device failed", "result", ResultOf(err))
		return err
	}
	d.SetInvalid()
	return nil
}

// DeviceHasOpenSessions returns ErrSessionPending while sessions are open.
func (dr *Driver) DeviceHasOpenSessions(d *device.Device) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	if !d.IsConnectionAlive() {
		d.SetInvalid()
		dr.logger.Error("daemon is dead, removing device")
		return protocol.ErrDaemonUnreachable
	}
	if d.HasSessions() {
		return protocol.ErrSessionPending
	}
	return nil
}

// tciRef is the resolved communication buffer of a session being opened.
type tciRef struct {
	handle uint32
	offset uint32
	// contiguous WSM address, or 0
	wsmAddr uintptr
	// registered here, owned by the session once it exists
	bulk *device.BulkBuf
}

// resolveTCI finds the daemon handle of tci: the handle of its contiguous
// WSM, or a new bulk registration.
func (dr *Driver) resolveTCI(d *device.Device, tci []byte) (*tciRef, error) {
	if len(tci) > dr.cfg.MaxTCILen {
		dr.logger.Error("TCI too long", "len", len(tci), "max", dr.cfg.MaxTCILen)
		return nil, protocol.ErrTCITooBig
	}
	addr := kmod.Addr(tci)
	ref := &tciRef{offset: uint32(addr & protocol.PageMask)}

	if w, ok := d.FindContiguousWsm(addr); ok {
		if w.Len() < len(tci) {
			dr.logger.Error("TCI longer than allocated WSM", "len", len(tci), "wsm_len", w.Len())
			return nil, protocol.ErrTCIGreaterThanWSM
		}
		ref.handle = w.Handle
		ref.wsmAddr = addr
		return ref, nil
	}
	if len(tci) == 0 {
		return ref, nil
	}
	b, err := d.MapBulkBuf(tci)
	if err != nil {
		dr.logger.Error("registering TCI failed", "error", err)
		return nil, fmt.Errorf("%w: %w", protocol.ErrWSMNotFound, err)
	}
	ref.handle = b.Handle
	ref.bulk = b
	return ref, nil
}

// release drops a bulk registration no session took.
func (dr *Driver) release(d *device.Device, ref *tciRef) {
	if ref == nil || ref.bulk == nil {
		return
	}
	if err := d.UnmapBulkBuf(ref.bulk); err != nil {
		dr.logger.Warn("releasing TCI registration failed", "error", err)
	}
}

// OpenSession opens a session with the trusted application id, sharing tci.
func (dr *Driver) OpenSession(d *device.Device, id uuid.UUID, tci []byte) (*device.Session, error) {
	return dr.openByUUID(d, protocol.CmdOpenSession, KindUUID, id, tci)
}

// OpenGPTA opens a session with the GlobalPlatform trusted application id.
func (dr *Driver) OpenGPTA(d *device.Device, id uuid.UUID, tci []byte) (*device.Session, error) {
	return dr.openByUUID(d, protocol.CmdOpenTrustedApp, KindGP, id, tci)
}

func (dr *Driver) openByUUID(d *device.Device, cmdID protocol.CommandID, kind SessionKind, id uuid.UUID, tci []byte) (*device.Session, error) {
	if err := checkDevice(d); err != nil {
		return nil, err
	}
	ref, err := dr.resolveTCI(d, tci)
	if err != nil {
		return nil, err
	}
	cmd := protocol.OpenSessionCmd{
		Header:    protocol.Header{CommandID: cmdID},
		DeviceID:  d.ID(),
		UUID:      id,
		TCIOffset: ref.offset,
		Handle:    ref.handle,
		Len:       uint32(len(tci)),
	}
	s, err := dr.openSession(d, kind, id.String(), ref, func() error {
		return write(d.Conn(), cmd)
	})
	if err != nil {
		dr.release(d, ref)
		return nil, err
	}
	return s, nil
}

// OpenTrustlet opens a session with a trusted application shipped by the
// caller. The binary follows the command on the wire.
func (dr *Driver) OpenTrustlet(d *device.Device, spid uint32, trustlet []byte, tci []byte) (*device.Session, error) {
	if err := checkDevice(d); err != nil {
		return nil, err
	}
	if len(trustlet) == 0 || len(tci) == 0 {
		return nil, protocol.ErrNullPointer
	}
	ref, err := dr.resolveTCI(d, tci)
	if err != nil {
		return nil, err
	}
	cmd := protocol.OpenTrustletCmd{
		Header:    protocol.Header{CommandID: protocol.CmdOpenTrustlet},
		DeviceID:  d.ID(),
		SPID:      spid,
		BinaryLen: uint32(len(trustlet)),
		TCIOffset: ref.offset,
		Handle:    ref.handle,
		Len:       uint32(len(tci)),
	}
	target := fmt.Sprintf("spid:%d", spid)
	s, err := dr.openSession(d, KindTrustlet, target, ref, func() error {
		if err := write(d.Conn(), cmd); err != nil {
			return err
		}
		return writeRaw(d.Conn(), trustlet)
	})
	if err != nil {
		dr.release(d, ref)
		return nil, err
	}
	return s, nil
}

// openSession runs the handshake shared by all open variants: send, read
// the result and payload, connect the notification channel, register the
// session.
func (dr *Driver) openSession(d *device.Device, kind SessionKind, target string, ref *tciRef, send func() error) (*device.Session, error) {
	var payload protocol.OpenSessionPayload
	err := func() error {
		if err := send(); err != nil {
			return err
		}
		if err := readResult(d.Conn()); err != nil {
			if r := ResultOf(err); !r.IsTransport() {
				if r.Major() == protocol.ErrMCPError {
					dr.logger.Error("secure world refused session", "mcp_result", r.MCP())
				} else {
					dr.logger.Error("daemon could not open session", "result", r)
				}
				return protocol.DecodeOpenResult(r)
			}
			return err
		}
		return read(d.Conn(), &payload)
	}()
	if err := checkTransport(d, err); err != nil {
		return nil, err
	}

	sid := payload.SessionID
	logger := dr.logger.With("session_id", sid)
	logger.Debug("service started, setting up notification channel")

	nq, err := d.DialNotification()
	if err != nil {
		logger.Error("could not connect notification channel", "error", err)
		dr.cfg.Journal.Orphaned(sid, kind, target, "notification connect failed")
		return nil, fmt.Errorf("%w: %w", protocol.ErrSocketConnect, err)
	}
	err = func() error {
		if err := write(nq, protocol.NQConnectCmd{
			Header:          protocol.Header{CommandID: protocol.CmdNQConnect},
			DeviceID:        d.ID(),
			SessionID:       sid,
			DeviceSessionID: payload.DeviceSessionID,
			SessionMagic:    payload.SessionMagic,
		}); err != nil {
			return err
		}
		return readResult(nq)
	}()
	if err != nil {
		// The daemon side session stays open; nothing closes it here.
		logger.Error("NQ_CONNECT failed", "result", ResultOf(err))
		nq.Close()
		dr.cfg.Journal.Orphaned(sid, kind, target, "NQ_CONNECT failed: "+ResultOf(err).String())
		return nil, err
	}

	s, err := d.CreateSession(sid, nq, ref.wsmAddr)
	if err != nil {
		logger.Error("could not register session", "error", err)
		nq.Close()
		dr.cfg.Journal.Orphaned(sid, kind, target, "duplicate session id")
		return nil, err
	}
	if ref.bulk != nil {
		// Cannot collide: the session is new.
		_ = s.AttachBulkBuf(ref.bulk)
		ref.bulk = nil
	}
	dr.cfg.Journal.Opened(sid, kind, target)
	logger.Info("session opened", "kind", kind)
	return s, nil
}

// CloseSession closes the session at the daemon and then releases it
// locally.
func (dr *Driver) CloseSession(d *device.Device, sessionID uint32) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	if _, err := d.ResolveSession(sessionID); err != nil {
		dr.logger.Error("session not found", "session_id", sessionID)
		return err
	}
	err := call(d, protocol.CloseSessionCmd{
		Header:    protocol.Header{CommandID: protocol.CmdCloseSession},
		SessionID: sessionID,
	}, nil)
	if err != nil {
		dr.logger.Error("CLOSE_SESSION failed", "session_id", sessionID, "result", ResultOf(err))
		return err
	}
	if err := d.RemoveSession(sessionID); err != nil {
		return err
	}
	dr.cfg.Journal.Closed(sessionID)
	dr.logger.Info("session closed", "session_id", sessionID)
	return nil
}

// Notify wakes the trusted application. The daemon does not answer.
func (dr *Driver) Notify(d *device.Device, sessionID uint32) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	if _, err := d.ResolveSession(sessionID); err != nil {
		return err
	}
	err := write(d.Conn(), protocol.NotifyCmd{
		Header:    protocol.Header{CommandID: protocol.CmdNotify},
		SessionID: sessionID,
	})
	return checkTransport(d, err)
}

// MallocWsm allocates contiguous world shared memory.
func (dr *Driver) MallocWsm(d *device.Device, n int) (*kmod.Wsm, error) {
	if err := checkDevice(d); err != nil {
		return nil, err
	}
	w, err := d.AllocateContiguousWsm(n)
	if err != nil {
		dr.logger.Warn("allocation of WSM failed", "len", n, "error", err)
		return nil, err
	}
	return w, nil
}

// FreeWsm frees the allocation starting at buf.
func (dr *Driver) FreeWsm(d *device.Device, buf []byte) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	w, ok := d.FindContiguousWsm(kmod.Addr(buf))
	if !ok {
		dr.logger.Error("address is unknown to FreeWsm")
		return protocol.ErrWSMNotFound
	}
	if err := d.FreeContiguousWsm(w); err != nil {
		dr.logger.Error("free of WSM failed", "error", err)
		return err
	}
	return nil
}

// Mapping is the secure world view of a mapped buffer.
type Mapping struct {
	SecureAddr uint32
	SecureLen  uint32
}

// Map registers buf for the session and maps it into the secure world.
func (dr *Driver) Map(d *device.Device, sessionID uint32, buf []byte) (Mapping, error) {
	if err := checkDevice(d); err != nil {
		return Mapping{}, err
	}
	if len(buf) == 0 {
		return Mapping{}, protocol.ErrNullPointer
	}
	s, err := d.ResolveSession(sessionID)
	if err != nil {
		return Mapping{}, err
	}

	b, err := s.AddBulkBuf(buf)
	if err != nil {
		dr.logger.Error("registering buffer failed", "session_id", sessionID, "error", err)
		return Mapping{}, err
	}

	var payload protocol.MapBulkBufPayload
	err = call(d, protocol.MapBulkBufCmd{
		Header:       protocol.Header{CommandID: protocol.CmdMapBulkBuf},
		SessionID:    sessionID,
		Handle:       b.Handle,
		PageOffset:   0,
		BufferOffset: uint32(b.Addr() & protocol.PageMask),
		Len:          b.Len(),
	}, &payload)
	if err != nil {
		dr.logger.Error("MAP_BULK_BUF failed", "session_id", sessionID, "result", ResultOf(err))
		if rerr := s.RemoveBulkBuf(b.Addr()); rerr != nil {
			dr.logger.Error("unregistering bulk buffer failed", "error", rerr)
		}
		return Mapping{}, err
	}

	s.SetSecureAddr(b.Addr(), payload.SecureVirtualAddress)
	return Mapping{SecureAddr: payload.SecureVirtualAddress, SecureLen: b.Len()}, nil
}

// Unmap removes a mapping made by Map. buf and m must match it exactly. The
// local registration is dropped even if the daemon rejects the request.
func (dr *Driver) Unmap(d *device.Device, sessionID uint32, buf []byte, m Mapping) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	if len(buf) == 0 || m.SecureAddr == 0 {
		return protocol.ErrNullPointer
	}
	s, err := d.ResolveSession(sessionID)
	if err != nil {
		return err
	}
	handle, ok := s.GetBufHandle(m.SecureAddr, m.SecureLen)
	if !ok {
		dr.logger.Error("no mapping for secure address", "session_id", sessionID, "secure_addr", m.SecureAddr)
		return protocol.ErrBlkBuffNotFound
	}
	b, ok := s.FindBulkBuf(kmod.Addr(buf))
	if !ok || b.Handle != handle {
		dr.logger.Error("buffer does not match mapping", "session_id", sessionID, "secure_addr", m.SecureAddr)
		return protocol.ErrBlkBuffNotFound
	}

	callErr := call(d, protocol.UnmapBulkBufCmd{
		Header:               protocol.Header{CommandID: protocol.CmdUnmapBulkBuf},
		SessionID:            sessionID,
		Handle:               handle,
		SecureVirtualAddress: m.SecureAddr,
		Len:                  m.SecureLen,
	}, nil)
	if callErr != nil {
		dr.logger.Error("UNMAP_BULK_BUF failed", "session_id", sessionID, "result", ResultOf(callErr))
	}

	rmErr := s.RemoveBulkBuf(b.Addr())
	if rmErr != nil {
		dr.logger.Error("unregistering bulk buffer failed", "session_id", sessionID, "error", rmErr)
	}
	if callErr != nil {
		return callErr
	}
	return rmErr
}

// GetSessionErrorCode returns the last termination payload of the session.
func (dr *Driver) GetSessionErrorCode(d *device.Device, sessionID uint32) (int32, error) {
	if err := checkDevice(d); err != nil {
		return 0, err
	}
	s, err := d.ResolveSession(sessionID)
	if err != nil {
		return 0, err
	}
	return s.LastErr(), nil
}

// GetMobiCoreVersion queries the secure OS version information.
func (dr *Driver) GetMobiCoreVersion(d *device.Device) (*protocol.VersionInfo, error) {
	if err := checkDevice(d); err != nil {
		return nil, err
	}
	var info protocol.VersionInfo
	err := call(d, protocol.GetMobiCoreVersionCmd{
		Header: protocol.Header{CommandID: protocol.CmdGetMobiCoreVersion},
	}, &info)
	if err != nil {
		dr.logger.Error("GET_MOBICORE_VERSION failed", "result", ResultOf(err))
		return nil, err
	}
	return &info, nil
}
