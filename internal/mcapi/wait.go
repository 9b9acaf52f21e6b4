package mcapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/internal/device"
	"github.com/p-arndt/mcdriver/protocol"
)

// WaitNotification waits for a notification of the session and then drains
// the queue without blocking.
//
// timeout is in milliseconds, or one of protocol.NoTimeout,
// protocol.InfiniteTimeout and protocol.InfiniteTimeoutInterruptible. It
// only bounds the first read. Cancelling ctx interrupts the read in
// progress: an InfiniteTimeout wait restarts it, an
// InfiniteTimeoutInterruptible wait returns ErrInterruptedBySignal.
//
// A notification with a non-zero payload ends the drain with
// InfoNotification and latches the payload as the session's last error.
func (dr *Driver) WaitNotification(ctx context.Context, d *device.Device, sessionID uint32, timeout int32) error {
	if err := checkDevice(d); err != nil {
		return err
	}
	s, err := d.ResolveSession(sessionID)
	if err != nil {
		dr.logger.Error("session not found", "session_id", sessionID)
		return err
	}
	nq := s.NotificationConn()

	stop := interruptOnDone(ctx, nq)
	defer stop()

	logger := dr.logger.With("session_id", sessionID)
	buf := make([]byte, protocol.NotificationSize)
	for count := 0; ; {
		n, err := nq.ReadData(buf, readTimeout(timeout))
		if errors.Is(err, conn.ErrInterrupted) {
			switch timeout {
			case protocol.InfiniteTimeout:
				continue
			case protocol.InfiniteTimeoutInterruptible:
				return protocol.ErrInterruptedBySignal
			}
		}
		if count == 0 {
			if errors.Is(err, conn.ErrTimeout) {
				logger.Debug("timeout waiting for notification")
				return protocol.ErrTimeout
			}
			if err == nil && n == 0 {
				logger.Error("notification connection is dead, removing device")
				d.SetInvalid()
				return protocol.ErrNotification
			}
		}
		// Drain the rest without blocking.
		timeout = protocol.NoTimeout

		if err != nil || n != len(buf) {
			if count == 0 {
				logger.Error("read notification failed", "bytes", n, "error", err)
				return protocol.ErrNotification
			}
			// Earlier notifications were valid; the caller got those.
			return nil
		}

		count++
		var nf protocol.Notification
		if err := protocol.Decode(buf, &nf); err != nil {
			return protocol.ErrNotification
		}
		logger.Debug("received notification", "count", count, "payload", nf.Payload)

		if nf.Payload != 0 {
			// The trusted application ended; keep its exit code.
			s.SetErrorInfo(nf.Payload)
			return protocol.InfoNotification
		}
	}
}

func readTimeout(timeout int32) time.Duration {
	if timeout < 0 {
		return -1
	}
	return time.Duration(timeout) * time.Millisecond
}

// interruptOnDone interrupts c when ctx is done. The returned stop waits
// for the watcher and discards an interruption nobody consumed.
func interruptOnDone(ctx context.Context, c conn.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	fired := false
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.Interrupt()
			fired = true
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		if fired {
			c.ClearInterrupt()
		}
	}
}
