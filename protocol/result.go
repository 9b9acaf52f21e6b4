package protocol

import "fmt"

// Result is the status code carried by every daemon response and returned by
// the driver operations. Result implements error; OK is never returned as an
// error value.
type Result uint32

// Codes 0..39 form a dense range that is mirrored by the errno table in the
// client package.
const (
	OK                        Result = 0
	NoNotification            Result = 1
	ErrNotification           Result = 2
	ErrNotImplemented         Result = 3
	ErrOutOfResources         Result = 4
	ErrInit                   Result = 5
	ErrUnknown                Result = 6
	ErrUnknownDevice          Result = 7
	ErrUnknownSession         Result = 8
	ErrInvalidOperation       Result = 9
	ErrInvalidResponse        Result = 10
	ErrTimeout                Result = 11
	ErrNoFreeMemory           Result = 12
	ErrFreeMemoryFailed       Result = 13
	ErrSessionPending         Result = 14
	ErrDaemonUnreachable      Result = 15
	ErrInvalidDeviceFile      Result = 16
	ErrInvalidParameter       Result = 17
	ErrKernelModule           Result = 18
	ErrBulkMapping            Result = 19
	ErrBulkUnmapping          Result = 20
	InfoNotification          Result = 21
	ErrNQFailed               Result = 22
	ErrDaemonVersion          Result = 23
	ErrContainerVersion       Result = 24
	ErrWrongPublicKey         Result = 25
	ErrContainerTypeMismatch  Result = 26
	ErrContainerLocked        Result = 27
	ErrSPNoChild              Result = 28
	ErrTLNoChild              Result = 29
	ErrUnwrapRootFailed       Result = 30
	ErrUnwrapSPFailed         Result = 31
	ErrUnwrapTrustletFailed   Result = 32
	ErrDaemonDeviceNotOpen    Result = 33
	ErrTAAttestationError     Result = 34
	ErrInterruptedBySignal    Result = 35
	ErrServiceBlocked         Result = 36
	ErrServiceLocked          Result = 37
	ErrServiceKilled          Result = 38
	ErrNoFreeInstances        Result = 39
	ErrMCPError               Result = 0x40

	LastDenseResult = ErrNoFreeInstances
)

const (
	resultMajorMask Result = 0xFF
	resultMCPShift         = 8
	resultMCPMask          = 0xFFFF
)

// Extended codes produced by the client itself. They lie outside the dense
// range; the low byte names the class they belong to.
const (
	ErrSocketConnect     Result = 0x0001000F
	ErrSocketWrite       Result = 0x0002000F
	ErrSocketRead        Result = 0x0003000F
	ErrSocketLength      Result = 0x0004000F
	ErrNullPointer       Result = 0x00010011
	ErrTCITooBig         Result = 0x000E0012
	ErrTCIGreaterThanWSM Result = 0x000F0012
	ErrWSMNotFound       Result = 0x00010013
	ErrBlkBuffNotFound   Result = 0x00010014
)

var resultNames = map[Result]string{
	OK:                       "OK",
	NoNotification:           "NO_NOTIFICATION",
	ErrNotification:          "ERR_NOTIFICATION",
	ErrNotImplemented:        "ERR_NOT_IMPLEMENTED",
	ErrOutOfResources:        "ERR_OUT_OF_RESOURCES",
	ErrInit:                  "ERR_INIT",
	ErrUnknown:               "ERR_UNKNOWN",
	ErrUnknownDevice:         "ERR_UNKNOWN_DEVICE",
	ErrUnknownSession:        "ERR_UNKNOWN_SESSION",
	ErrInvalidOperation:      "ERR_INVALID_OPERATION",
	ErrInvalidResponse:       "ERR_INVALID_RESPONSE",
	ErrTimeout:               "ERR_TIMEOUT",
	ErrNoFreeMemory:          "ERR_NO_FREE_MEMORY",
	ErrFreeMemoryFailed:      "ERR_FREE_MEMORY_FAILED",
	ErrSessionPending:        "ERR_SESSION_PENDING",
	ErrDaemonUnreachable:     "ERR_DAEMON_UNREACHABLE",
	ErrInvalidDeviceFile:     "ERR_INVALID_DEVICE_FILE",
	ErrInvalidParameter:      "ERR_INVALID_PARAMETER",
	ErrKernelModule:          "ERR_KERNEL_MODULE",
	ErrBulkMapping:           "ERR_BULK_MAPPING",
	ErrBulkUnmapping:         "ERR_BULK_UNMAPPING",
	InfoNotification:         "INFO_NOTIFICATION",
	ErrNQFailed:              "ERR_NQ_FAILED",
	ErrDaemonVersion:         "ERR_DAEMON_VERSION",
	ErrContainerVersion:      "ERR_CONTAINER_VERSION",
	ErrWrongPublicKey:        "ERR_WRONG_PUBLIC_KEY",
	ErrContainerTypeMismatch: "ERR_CONTAINER_TYPE_MISMATCH",
	ErrContainerLocked:       "ERR_CONTAINER_LOCKED",
	ErrSPNoChild:             "ERR_SP_NO_CHILD",
	ErrTLNoChild:             "ERR_TL_NO_CHILD",
	ErrUnwrapRootFailed:      "ERR_UNWRAP_ROOT_FAILED",
	ErrUnwrapSPFailed:        "ERR_UNWRAP_SP_FAILED",
	ErrUnwrapTrustletFailed:  "ERR_UNWRAP_TRUSTLET_FAILED",
	ErrDaemonDeviceNotOpen:   "ERR_DAEMON_DEVICE_NOT_OPEN",
	ErrTAAttestationError:    "ERR_TA_ATTESTATION_ERROR",
	ErrInterruptedBySignal:   "ERR_INTERRUPTED_BY_SIGNAL",
	ErrServiceBlocked:        "ERR_SERVICE_BLOCKED",
	ErrServiceLocked:         "ERR_SERVICE_LOCKED",
	ErrServiceKilled:         "ERR_SERVICE_KILLED",
	ErrNoFreeInstances:       "ERR_NO_FREE_INSTANCES",
	ErrMCPError:              "ERR_MCP_ERROR",
	ErrSocketConnect:         "ERR_SOCKET_CONNECT",
	ErrSocketWrite:           "ERR_SOCKET_WRITE",
	ErrSocketRead:            "ERR_SOCKET_READ",
	ErrSocketLength:          "ERR_SOCKET_LENGTH",
	ErrNullPointer:           "ERR_NULL_POINTER",
	ErrTCITooBig:             "ERR_TCI_TOO_BIG",
	ErrTCIGreaterThanWSM:     "ERR_TCI_GREATER_THAN_WSM",
	ErrWSMNotFound:           "ERR_WSM_NOT_FOUND",
	ErrBlkBuffNotFound:       "ERR_BLK_BUFF_NOT_FOUND",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	if r.Major() == ErrMCPError {
		return fmt.Sprintf("ERR_MCP_ERROR(mcp=%d)", r.MCP())
	}
	return fmt.Sprintf("RESULT(%#x)", uint32(r))
}

func (r Result) Error() string {
	return r.String()
}

// Major returns the class of the result.
func (r Result) Major() Result {
	return r & resultMajorMask
}

// MCP returns the secure-world minor code nested in an ErrMCPError result.
func (r Result) MCP() MCPResult {
	return MCPResult((uint32(r) >> resultMCPShift) & resultMCPMask)
}

// MakeMCPError nests a secure-world minor code into an ErrMCPError result.
func MakeMCPError(code MCPResult) Result {
	return ErrMCPError | Result((uint32(code)&resultMCPMask)<<resultMCPShift)
}

// IsTransport reports whether r is a failure of the daemon connection itself.
func (r Result) IsTransport() bool {
	switch r {
	case ErrSocketWrite, ErrSocketRead, ErrSocketLength:
		return true
	}
	return false
}

// MCPResult is the return code of the secure-world management protocol.
type MCPResult uint32

const (
	MCPOK                       MCPResult = 0
	MCPErrInvalidSession        MCPResult = 1
	MCPErrNoMoreSessions        MCPResult = 2
	MCPErrTrustletNotFound      MCPResult = 4
	MCPErrWrongPublicKey        MCPResult = 14
	MCPErrContainerTypeMismatch MCPResult = 15
	MCPErrContainerLocked       MCPResult = 16
	MCPErrSPNoChild             MCPResult = 17
	MCPErrTLNoChild             MCPResult = 18
	MCPErrUnwrapRootFailed      MCPResult = 19
	MCPErrUnwrapSPFailed        MCPResult = 20
	MCPErrUnwrapTrustletFailed  MCPResult = 21
)

var mcpProvisioningErrors = map[MCPResult]Result{
	MCPErrWrongPublicKey:        ErrWrongPublicKey,
	MCPErrContainerTypeMismatch: ErrContainerTypeMismatch,
	MCPErrContainerLocked:       ErrContainerLocked,
	MCPErrSPNoChild:             ErrSPNoChild,
	MCPErrTLNoChild:             ErrTLNoChild,
	MCPErrUnwrapRootFailed:      ErrUnwrapRootFailed,
	MCPErrUnwrapSPFailed:        ErrUnwrapSPFailed,
	MCPErrUnwrapTrustletFailed:  ErrUnwrapTrustletFailed,
}

// DecodeOpenResult translates the result of a session-open command. Results
// of the MCP class are narrowed to the provisioning error they carry; an
// unknown minor code collapses to ErrMCPError. Other results are returned
// unchanged.
func DecodeOpenResult(r Result) Result {
	if r == OK || r.Major() != ErrMCPError {
		return r
	}
	if mapped, ok := mcpProvisioningErrors[r.MCP()]; ok {
		return mapped
	}
	return ErrMCPError
}
