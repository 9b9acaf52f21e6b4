package kmod

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIoctlNumbers(t *testing.T) {
	// _IOWR('M', 1, 32 bytes)
	assert.Equal(t, uintptr(0xC0204D01), ioctlRegWsm)
	// _IOWR('M', 2, 4 bytes)
	assert.Equal(t, uintptr(0xC0044D02), ioctlUnregWsm)
}

func TestAddr(t *testing.T) {
	assert.Zero(t, Addr(nil))
	buf := make([]byte, 16)
	assert.Equal(t, Addr(buf)+4, Addr(buf[4:]))

	w := &Wsm{Buf: buf}
	assert.Equal(t, Addr(buf), w.Addr())
	assert.Equal(t, 16, w.Len())
}

func TestRoundPage(t *testing.T) {
	page := unix.Getpagesize()
	assert.Equal(t, page, roundPage(1))
	assert.Equal(t, page, roundPage(page))
	assert.Equal(t, 2*page, roundPage(page+1))
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "mobicore"))
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestFileWithoutDriver(t *testing.T) {
	// /dev/null accepts open but knows nothing about our ioctls.
	dev, err := Open("/dev/null")
	require.NoError(t, err)

	_, err = dev.RegisterBuffer(make([]byte, 64))
	assert.Error(t, err)

	err = dev.UnregisterBuffer(7)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	_, err = dev.MallocWsm(64)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = dev.RegisterBuffer(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)
}
