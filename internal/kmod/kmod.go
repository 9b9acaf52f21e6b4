// Package kmod abstracts the kernel module handle used to allocate world
// shared memory and register buffers with the secure world.
package kmod

import (
	"errors"
	"unsafe"
)

var (
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("kernel device closed")
	// ErrUnknownHandle is returned when a handle was never registered.
	ErrUnknownHandle = errors.New("unknown buffer handle")
)

// Wsm is a contiguous world shared memory allocation.
type Wsm struct {
	Buf    []byte
	Handle uint32
	// PhysAddr is the physical address reported by the kernel, if any.
	PhysAddr uint64
}

// Addr returns the virtual address of the allocation.
func (w *Wsm) Addr() uintptr {
	return Addr(w.Buf)
}

// Len returns the length of the allocation.
func (w *Wsm) Len() int {
	return len(w.Buf)
}

// Device is an open kernel device handle.
type Device interface {
	// MallocWsm allocates len bytes of contiguous shared memory.
	MallocWsm(len int) (*Wsm, error)
	FreeWsm(w *Wsm) error
	// RegisterBuffer makes a non-contiguous buffer visible to the secure
	// world and returns its registration handle.
	RegisterBuffer(buf []byte) (uint32, error)
	UnregisterBuffer(handle uint32) error
	Close() error
}

// Opener opens the kernel device at path.
type Opener func(path string) (Device, error)

// Addr returns the address of the first byte of buf, or 0 for an empty
// slice.
func Addr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
