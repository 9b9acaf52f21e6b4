// Package protocol defines the fixed-layout binary messages exchanged between
// the driver client and the secure-world daemon over its unix socket.
//
// Every command starts with a Header carrying the command ID, followed by the
// command-specific fields. Every response starts with a Result, optionally
// followed by a payload. All integers are little endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ByteOrder is the wire byte order.
var ByteOrder = binary.LittleEndian

type CommandID uint32

const (
	CmdOpenDevice         CommandID = 2
	CmdCloseDevice        CommandID = 3
	CmdNQConnect          CommandID = 4
	CmdOpenSession        CommandID = 5
	CmdCloseSession       CommandID = 6
	CmdNotify             CommandID = 7
	CmdMapBulkBuf         CommandID = 8
	CmdUnmapBulkBuf       CommandID = 9
	CmdGetVersion         CommandID = 10
	CmdGetMobiCoreVersion CommandID = 11
	CmdOpenTrustlet       CommandID = 12
	CmdOpenTrustedApp     CommandID = 13
)

var commandNames = map[CommandID]string{
	CmdOpenDevice:         "OPEN_DEVICE",
	CmdCloseDevice:        "CLOSE_DEVICE",
	CmdNQConnect:          "NQ_CONNECT",
	CmdOpenSession:        "OPEN_SESSION",
	CmdCloseSession:       "CLOSE_SESSION",
	CmdNotify:             "NOTIFY",
	CmdMapBulkBuf:         "MAP_BULK_BUF",
	CmdUnmapBulkBuf:       "UNMAP_BULK_BUF",
	CmdGetVersion:         "GET_VERSION",
	CmdGetMobiCoreVersion: "GET_MOBICORE_VERSION",
	CmdOpenTrustlet:       "OPEN_TRUSTLET",
	CmdOpenTrustedApp:     "OPEN_TRUSTED_APP",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%d)", uint32(c))
}

// Header prefixes every command.
type Header struct {
	CommandID CommandID
}

type GetVersionCmd struct {
	Header
}

type OpenDeviceCmd struct {
	Header
	DeviceID uint32
}

type CloseDeviceCmd struct {
	Header
}

// OpenSessionCmd is used for both OPEN_SESSION and OPEN_TRUSTED_APP.
type OpenSessionCmd struct {
	Header
	DeviceID  uint32
	UUID      uuid.UUID
	TCIOffset uint32
	Handle    uint32
	Len       uint32
}

// OpenTrustletCmd is followed on the wire by BinaryLen raw bytes.
type OpenTrustletCmd struct {
	Header
	DeviceID  uint32
	SPID      uint32
	BinaryLen uint32
	TCIOffset uint32
	Handle    uint32
	Len       uint32
}

type CloseSessionCmd struct {
	Header
	SessionID uint32
}

// NotifyCmd has no response.
type NotifyCmd struct {
	Header
	SessionID uint32
}

// NQConnectCmd is sent on a session's notification connection.
type NQConnectCmd struct {
	Header
	DeviceID        uint32
	SessionID       uint32
	DeviceSessionID uint32
	SessionMagic    uint32
}

type MapBulkBufCmd struct {
	Header
	SessionID    uint32
	Handle       uint32
	PageOffset   uint32
	BufferOffset uint32
	Len          uint32
}

type UnmapBulkBufCmd struct {
	Header
	SessionID            uint32
	Handle               uint32
	SecureVirtualAddress uint32
	Len                  uint32
}

type GetMobiCoreVersionCmd struct {
	Header
}

// OpenSessionPayload follows an OK result for all three open variants.
type OpenSessionPayload struct {
	SessionID       uint32
	DeviceSessionID uint32
	SessionMagic    uint32
}

type MapBulkBufPayload struct {
	SessionID            uint32
	SecureVirtualAddress uint32
}

// VersionInfo describes the secure OS and its interfaces.
type VersionInfo struct {
	ProductID        [64]byte
	VersionMCI       uint32
	VersionSO        uint32
	VersionMCLF      uint32
	VersionContainer uint32
	VersionMcConfig  uint32
	VersionTlAPI     uint32
	VersionDrAPI     uint32
	VersionCmp       uint32
}

// Product returns the NUL-terminated product string.
func (v *VersionInfo) Product() string {
	if i := bytes.IndexByte(v.ProductID[:], 0); i >= 0 {
		return string(v.ProductID[:i])
	}
	return string(v.ProductID[:])
}

// Notification is the fixed-size record delivered on a notification
// connection. A non-zero payload reports that the session terminated.
type Notification struct {
	SessionID uint32
	Payload   int32
}

// Sizes of fixed records.
var (
	ResultSize             = binary.Size(Result(0))
	NotificationSize       = binary.Size(Notification{})
	OpenSessionPayloadSize = binary.Size(OpenSessionPayload{})
	MapBulkBufPayloadSize  = binary.Size(MapBulkBufPayload{})
	VersionInfoSize        = binary.Size(VersionInfo{})
)

// Encode serializes a fixed-layout message.
func Encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, ByteOrder, msg); err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a fixed-layout message. The input must be exactly the
// size of the target.
func Decode(data []byte, msg any) error {
	if n := binary.Size(msg); n != len(data) {
		return fmt.Errorf("decode %T: have %d bytes, want %d", msg, len(data), n)
	}
	if err := binary.Read(bytes.NewReader(data), ByteOrder, msg); err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	return nil
}

// PeekCommandID returns the command ID of an encoded command.
func PeekCommandID(data []byte) (CommandID, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return CommandID(ByteOrder.Uint32(data)), true
}

const (
	// NoTimeout makes WaitNotification return immediately.
	NoTimeout int32 = 0
	// InfiniteTimeout waits until a notification arrives, restarting
	// interrupted reads.
	InfiniteTimeout int32 = -1
	// InfiniteTimeoutInterruptible waits until a notification arrives or
	// the wait is interrupted.
	InfiniteTimeoutInterruptible int32 = -2
)

// MaxTCILen is the largest TCI accepted when opening a session.
const MaxTCILen = 0x100000

// MapMax is the number of buffers a single map request may carry.
const MapMax = 4

// PageMask extracts the in-page offset of an address.
const PageMask = 0xFFF

// LoginPublic is the only login type the client accepts.
const LoginPublic = 0
