package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOpenSession(t *testing.T) {
	id := uuid.MustParse("07050000-0000-0000-0000-000000000000")
	data, err := Encode(OpenSessionCmd{
		Header:    Header{CommandID: CmdOpenSession},
		UUID:      id,
		TCIOffset: 0x123,
		Handle:    7,
		Len:       4096,
	})
	require.NoError(t, err)

	// header + device id + uuid + offset + handle + len
	require.Len(t, data, 4+4+16+4+4+4)
	assert.Equal(t, uint32(CmdOpenSession), ByteOrder.Uint32(data[0:]))
	assert.Equal(t, id[:], data[8:24])
	assert.Equal(t, uint32(0x123), ByteOrder.Uint32(data[24:]))
	assert.Equal(t, uint32(7), ByteOrder.Uint32(data[28:]))
	assert.Equal(t, uint32(4096), ByteOrder.Uint32(data[32:]))

	cmd, ok := PeekCommandID(data)
	assert.True(t, ok)
	assert.Equal(t, CmdOpenSession, cmd)
}

func TestDecodeNotification(t *testing.T) {
	data, err := Encode(Notification{SessionID: 3, Payload: -5})
	require.NoError(t, err)
	require.Len(t, data, NotificationSize)

	var n Notification
	require.NoError(t, Decode(data, &n))
	assert.Equal(t, uint32(3), n.SessionID)
	assert.Equal(t, int32(-5), n.Payload)
}

func TestDecodeSizeMismatch(t *testing.T) {
	var p OpenSessionPayload
	err := Decode(make([]byte, OpenSessionPayloadSize-1), &p)
	assert.Error(t, err)
}

func TestRecordSizes(t *testing.T) {
	assert.Equal(t, 4, ResultSize)
	assert.Equal(t, 8, NotificationSize)
	assert.Equal(t, 12, OpenSessionPayloadSize)
	assert.Equal(t, 8, MapBulkBufPayloadSize)
	assert.Equal(t, 96, VersionInfoSize)
}

func TestVersionInfoProduct(t *testing.T) {
	var v VersionInfo
	copy(v.ProductID[:], "t-base-EXYNOS64-Android-302A")
	assert.Equal(t, "t-base-EXYNOS64-Android-302A", v.Product())
}

func TestPeekCommandIDShort(t *testing.T) {
	_, ok := PeekCommandID([]byte{1, 2})
	assert.False(t, ok)
}

func TestCommandIDString(t *testing.T) {
	assert.Equal(t, "NQ_CONNECT", CmdNQConnect.String())
	assert.Equal(t, "CMD(99)", CommandID(99).String())
}

func TestDecodeOpenResult(t *testing.T) {
	tests := []struct {
		name string
		in   Result
		want Result
	}{
		{"ok", OK, OK},
		{"plain error passes through", ErrUnknownDevice, ErrUnknownDevice},
		{"wrong key", MakeMCPError(MCPErrWrongPublicKey), ErrWrongPublicKey},
		{"type mismatch", MakeMCPError(MCPErrContainerTypeMismatch), ErrContainerTypeMismatch},
		{"locked", MakeMCPError(MCPErrContainerLocked), ErrContainerLocked},
		{"sp no child", MakeMCPError(MCPErrSPNoChild), ErrSPNoChild},
		{"tl no child", MakeMCPError(MCPErrTLNoChild), ErrTLNoChild},
		{"unwrap root", MakeMCPError(MCPErrUnwrapRootFailed), ErrUnwrapRootFailed},
		{"unwrap sp", MakeMCPError(MCPErrUnwrapSPFailed), ErrUnwrapSPFailed},
		{"unwrap trustlet", MakeMCPError(MCPErrUnwrapTrustletFailed), ErrUnwrapTrustletFailed},
		{"unknown minor collapses", MakeMCPError(MCPErrNoMoreSessions), ErrMCPError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeOpenResult(tt.in))
		})
	}
}

func TestResultMajorAndMCP(t *testing.T) {
	r := MakeMCPError(MCPErrContainerLocked)
	assert.Equal(t, ErrMCPError, r.Major())
	assert.Equal(t, MCPErrContainerLocked, r.MCP())
	assert.Equal(t, ErrDaemonUnreachable, ErrSocketRead.Major())
	assert.Equal(t, "ERR_MCP_ERROR(mcp=16)", r.String())
	assert.Equal(t, "ERR_SESSION_PENDING", ErrSessionPending.Error())
	assert.Equal(t, "RESULT(0x77)", Result(0x77).String())
}

func TestResultIsTransport(t *testing.T) {
	assert.True(t, ErrSocketWrite.IsTransport())
	assert.True(t, ErrSocketRead.IsTransport())
	assert.True(t, ErrSocketLength.IsTransport())
	assert.False(t, ErrSocketConnect.IsTransport())
	assert.False(t, ErrTimeout.IsTransport())
}

func TestCheckDaemonVersion(t *testing.T) {
	ok, _ := CheckDaemonVersion(MakeVersion(0, 2))
	assert.True(t, ok)
	ok, _ = CheckDaemonVersion(MakeVersion(0, 9))
	assert.True(t, ok)

	ok, msg := CheckDaemonVersion(MakeVersion(0, 1))
	assert.False(t, ok)
	assert.Contains(t, msg, "0.1")

	ok, _ = CheckDaemonVersion(MakeVersion(1, 0))
	assert.False(t, ok)
}

func TestVersionParts(t *testing.T) {
	v := MakeVersion(3, 14)
	assert.Equal(t, uint16(3), v.Major())
	assert.Equal(t, uint16(14), v.Minor())
	assert.Equal(t, "3.14", v.String())
}

func TestGPCancelFlag(t *testing.T) {
	tci := make([]byte, GPTCIMinLen)
	assert.False(t, GPCancelled(tci))
	assert.True(t, SetGPCancelled(tci))
	assert.True(t, GPCancelled(tci))

	short := make([]byte, GPCancelFlagOffset)
	assert.False(t, SetGPCancelled(short))
	assert.False(t, GPCancelled(short))
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 0x100000, MaxTCILen)
	assert.Equal(t, 4, MapMax)
	assert.Equal(t, int32(-1), InfiniteTimeout)
	assert.Equal(t, int32(-2), InfiniteTimeoutInterruptible)
	assert.Equal(t, 88, GPCancelFlagOffset)
}
