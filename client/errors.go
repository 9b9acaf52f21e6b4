package client

import (
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/mcdriver/internal/mcapi"
	"github.com/p-arndt/mcdriver/protocol"
)

// ErrNotGPSession is returned by GPRequestCancellation for a session that
// was not opened as a GP trusted application.
var ErrNotGPSession = errors.New("not a GP session")

// Error is returned by every Client operation. It matches both its result
// code and its errno with errors.Is.
type Error struct {
	Op     string
	Result protocol.Result
	Errno  unix.Errno
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err != error(e.Result) {
		return fmt.Sprintf("%s: %v (%v)", e.Op, e.Err, e.Errno)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Op, e.Result, e.Errno)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Errno, e.Result}
	if e.Err != nil && e.Err != error(e.Result) {
		errs = append(errs, e.Err)
	}
	return errs
}

// errnoTable is indexed by the dense result codes.
var errnoTable = [protocol.LastDenseResult + 1]unix.Errno{
	protocol.OK:                       0,
	protocol.NoNotification:           unix.ENOMSG,
	protocol.ErrNotification:          unix.EBADMSG,
	protocol.ErrNotImplemented:        unix.ENOLINK,
	protocol.ErrOutOfResources:        unix.ENOSPC,
	protocol.ErrInit:                  unix.EHOSTDOWN,
	protocol.ErrUnknown:               unix.ENOLINK,
	protocol.ErrUnknownDevice:         unix.ENODEV,
	protocol.ErrUnknownSession:        unix.ENXIO,
	protocol.ErrInvalidOperation:      unix.EPERM,
	protocol.ErrInvalidResponse:       unix.EBADE,
	protocol.ErrTimeout:               unix.ETIME,
	protocol.ErrNoFreeMemory:          unix.ENOMEM,
	protocol.ErrFreeMemoryFailed:      unix.EUCLEAN,
	protocol.ErrSessionPending:        unix.ENOTEMPTY,
	protocol.ErrDaemonUnreachable:     unix.EHOSTUNREACH,
	protocol.ErrInvalidDeviceFile:     unix.ENOENT,
	protocol.ErrInvalidParameter:      unix.EINVAL,
	protocol.ErrKernelModule:          unix.EPROTO,
	protocol.ErrBulkMapping:           unix.EADDRINUSE,
	protocol.ErrBulkUnmapping:         unix.EADDRNOTAVAIL,
	protocol.InfoNotification:         unix.ECOMM,
	protocol.ErrNQFailed:              unix.EUNATCH,
	protocol.ErrDaemonVersion:         unix.ENOLINK,
	protocol.ErrContainerVersion:      unix.ENOLINK,
	protocol.ErrWrongPublicKey:        unix.EKEYREJECTED,
	protocol.ErrContainerTypeMismatch: unix.ENOLINK,
	protocol.ErrContainerLocked:       unix.ENOLINK,
	protocol.ErrSPNoChild:             unix.ENOLINK,
	protocol.ErrTLNoChild:             unix.ENOLINK,
	protocol.ErrUnwrapRootFailed:      unix.ENOLINK,
	protocol.ErrUnwrapSPFailed:        unix.ENOLINK,
	protocol.ErrUnwrapTrustletFailed:  unix.ENOLINK,
	protocol.ErrDaemonDeviceNotOpen:   unix.EBADF,
	protocol.ErrTAAttestationError:    unix.ENOLINK,
	protocol.ErrInterruptedBySignal:   unix.EINTR,
	protocol.ErrServiceBlocked:        unix.ECONNREFUSED,
	protocol.ErrServiceLocked:         unix.ECONNABORTED,
	protocol.ErrServiceKilled:         unix.ECONNRESET,
	protocol.ErrNoFreeInstances:       unix.ENOLINK,
}

// Errno maps a result code to the errno reported for it. OK maps to 0.
func Errno(r protocol.Result) unix.Errno {
	if r <= protocol.LastDenseResult {
		return errnoTable[r]
	}
	switch r {
	case protocol.ErrTCITooBig:
		if bits.UintSize == 64 {
			return unix.EINVAL
		}
		return unix.ENOMEM
	}
	return unix.EBADSLT
}

// newError wraps the outcome of a driver operation. It returns nil when err
// carries no failure.
func newError(op string, err error) error {
	if err == nil {
		return nil
	}
	r := mcapi.ResultOf(err)
	errno := Errno(r)
	if errno == 0 {
		return nil
	}
	return &Error{Op: op, Result: r, Errno: errno, Err: err}
}

// errnoError reports a failure decided locally, without a driver result.
func errnoError(op string, r protocol.Result, errno unix.Errno, err error) error {
	return &Error{Op: op, Result: r, Errno: errno, Err: err}
}
