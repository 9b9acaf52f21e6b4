package kmod

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request layout, as in <asm-generic/ioctl.h>.
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocMagic = 'M'
)

func iowr(nr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<iocDirShift | iocMagic<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

type regWsmParams struct {
	Buffer    uint64
	Len       uint32
	PID       uint32
	Handle    uint32
	_         uint32
	TablePhys uint64
}

type unregWsmParams struct {
	Handle uint32
}

var (
	ioctlRegWsm   = iowr(1, unsafe.Sizeof(regWsmParams{}))
	ioctlUnregWsm = iowr(2, unsafe.Sizeof(unregWsmParams{}))
)

// File is the Linux kernel module handle.
type File struct {
	mu     sync.Mutex
	fd     int
	closed bool
	// registered buffers, kept reachable while the kernel references them
	bufs map[uint32][]byte
}

// Open opens the kernel module device file.
func Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &File{fd: fd, bufs: make(map[uint32][]byte)}, nil
}

func (f *File) MallocWsm(n int) (*Wsm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	size := roundPage(n)
	buf, err := unix.Mmap(f.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap wsm of %d bytes: %w", size, err)
	}
	params, err := f.register(buf)
	if err != nil {
		unix.Munmap(buf)
		return nil, err
	}
	return &Wsm{Buf: buf[:n], Handle: params.Handle, PhysAddr: params.TablePhys}, nil
}

func (f *File) FreeWsm(w *Wsm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.unregister(w.Handle); err != nil {
		return err
	}
	return unix.Munmap(w.Buf[:cap(w.Buf)])
}

func (f *File) RegisterBuffer(buf []byte) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	params, err := f.register(buf)
	if err != nil {
		return 0, err
	}
	return params.Handle, nil
}

func (f *File) UnregisterBuffer(handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.unregister(handle)
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.bufs = nil
	return unix.Close(f.fd)
}

func (f *File) register(buf []byte) (*regWsmParams, error) {
	params := &regWsmParams{
		Buffer: uint64(Addr(buf)),
		Len:    uint32(len(buf)),
		PID:    uint32(os.Getpid()),
	}
	if err := ioctl(f.fd, ioctlRegWsm, unsafe.Pointer(params)); err != nil {
		return nil, fmt.Errorf("register buffer of %d bytes: %w", len(buf), err)
	}
	f.bufs[params.Handle] = buf
	return params, nil
}

func (f *File) unregister(handle uint32) error {
	if _, ok := f.bufs[handle]; !ok {
		return fmt.Errorf("unregister %d: %w", handle, ErrUnknownHandle)
	}
	params := &unregWsmParams{Handle: handle}
	if err := ioctl(f.fd, ioctlUnregWsm, unsafe.Pointer(params)); err != nil {
		return fmt.Errorf("unregister %d: %w", handle, err)
	}
	delete(f.bufs, handle)
	return nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func roundPage(n int) int {
	page := unix.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}
