package mcapi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/internal/device"
	"github.com/p-arndt/mcdriver/protocol"
)

// ResultOf extracts the result code carried by err. A nil error is OK and an
// error without a result code is ErrUnknown.
func ResultOf(err error) protocol.Result {
	if err == nil {
		return protocol.OK
	}
	var r protocol.Result
	if errors.As(err, &r) {
		return r
	}
	return protocol.ErrUnknown
}

// write sends one encoded message.
func write(c conn.Conn, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrInvalidParameter, err)
	}
	return writeRaw(c, data)
}

func writeRaw(c conn.Conn, data []byte) error {
	if _, err := c.WriteData(data); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrSocketWrite, err)
	}
	return nil
}

// read fills msg from a blocking read. Nothing read is a read failure, a
// partial record a length failure.
func read(c conn.Conn, msg any) error {
	buf := make([]byte, binary.Size(msg))
	n, err := c.ReadData(buf, -1)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrSocketRead, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: connection closed", protocol.ErrSocketRead)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: got %d bytes, want %d", protocol.ErrSocketLength, n, len(buf))
	}
	return protocol.Decode(buf, msg)
}

// readResult reads a response header. The daemon's result is returned as an
// error unless it is OK.
func readResult(c conn.Conn) error {
	var r protocol.Result
	if err := read(c, &r); err != nil {
		return err
	}
	if r != protocol.OK {
		return r
	}
	return nil
}

// call sends cmd over the device connection and reads the result and, if
// the result is OK, the payload. A transport failure invalidates the device.
func call(d *device.Device, cmd any, payload any) error {
	err := func() error {
		if err := write(d.Conn(), cmd); err != nil {
			return err
		}
		if err := readResult(d.Conn()); err != nil {
			return err
		}
		if payload != nil {
			return read(d.Conn(), payload)
		}
		return nil
	}()
	return checkTransport(d, err)
}

// checkTransport invalidates d when err is a failure of its connection.
func checkTransport(d *device.Device, err error) error {
	if err != nil && ResultOf(err).IsTransport() {
		d.SetInvalid()
	}
	return err
}

// checkDevice fails fast for a missing or invalid device.
func checkDevice(d *device.Device) error {
	if d == nil {
		return protocol.ErrDaemonDeviceNotOpen
	}
	if !d.IsValid() {
		return protocol.ErrDaemonUnreachable
	}
	return nil
}
