package mcapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/p-arndt/mcdriver/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitNotificationNoTimeoutNoData(t *testing.T) {
	f := newFixture(t)
	f.openSession(t, 1, nil)

	start := time.Now()
	err := f.dr.WaitNotification(context.Background(), f.dev, 1, protocol.NoTimeout)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitNotificationDrainsRoutineWakeups(t *testing.T) {
	f := newFixture(t)
	s, nq := f.openSession(t, 1, nil)
	nq.QueueMsg(
		protocol.Notification{SessionID: 1},
		protocol.Notification{SessionID: 1},
	)

	err := f.dr.WaitNotification(context.Background(), f.dev, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, int32(0), s.LastErr())

	// The NQ_CONNECT response read, then the first read with the caller's
	// timeout and the draining reads without one.
	assert.Equal(t, []time.Duration{-1, 500 * time.Millisecond, 0, 0}, nq.ReadTimeouts())
}

func TestWaitNotificationTerminationPayload(t *testing.T) {
	f := newFixture(t)
	s, nq := f.openSession(t, 1, nil)
	nq.QueueMsg(
		protocol.Notification{SessionID: 1, Payload: 0},
		protocol.Notification{SessionID: 1, Payload: -22},
		protocol.Notification{SessionID: 1, Payload: 0},
	)

	err := f.dr.WaitNotification(context.Background(), f.dev, 1, protocol.InfiniteTimeout)
	assert.ErrorIs(t, err, protocol.InfoNotification)
	assert.Equal(t, int32(-22), s.LastErr())
	// The loop stopped at the terminating notification.
	assert.Equal(t, 1, nq.Pending())

	code, err := f.dr.GetSessionErrorCode(f.dev, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(-22), code)
}

func TestWaitNotificationDeadConnection(t *testing.T) {
	f := newFixture(t)
	_, nq := f.openSession(t, 1, nil)
	nq.QueueShutdown()

	err := f.dr.WaitNotification(context.Background(), f.dev, 1, protocol.InfiniteTimeout)
	assert.ErrorIs(t, err, protocol.ErrNotification)
	assert.False(t, f.dev.IsValid())
}

func TestWaitNotificationShortFirstRead(t *testing.T) {
	f := newFixture(t)
	_, nq := f.openSession(t, 1, nil)
	nq.QueueRead([]byte{1, 0, 0})

	err := f.dr.WaitNotification(context.Background(), f.dev, 1, 100)
	assert.ErrorIs(t, err, protocol.ErrNotification)
	assert.True(t, f.dev.IsValid())
}

func TestWaitNotificationShortLaterReadIsSwallowed(t *testing.T) {
	f := newFixture(t)
	s, nq := f.openSession(t, 1, nil)
	nq.QueueMsg(protocol.Notification{SessionID: 1})
	nq.QueueRead([]byte{1, 0, 0})

	err := f.dr.WaitNotification(context.Background(), f.dev, 1, 100)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), s.LastErr())
}

func TestWaitNotificationReadErrorLater(t *testing.T) {
	f := newFixture(t)
	_, nq := f.openSession(t, 1, nil)
	nq.QueueMsg(protocol.Notification{SessionID: 1})
	nq.QueueReadErr(errors.New("connection reset"))

	assert.NoError(t, f.dr.WaitNotification(context.Background(), f.dev, 1, 100))
}

func TestWaitNotificationInterruptible(t *testing.T) {
	f := newFixture(t)
	f.openSession(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := f.dr.WaitNotification(ctx, f.dev, 1, protocol.InfiniteTimeoutInterruptible)
	assert.ErrorIs(t, err, protocol.ErrInterruptedBySignal)
}

func TestWaitNotificationInfiniteRestartsAfterInterrupt(t *testing.T) {
	f := newFixture(t)
	s, nq := f.openSession(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		nq.QueueMsg(protocol.Notification{SessionID: 1, Payload: 5})
	}()

	err := f.dr.WaitNotification(ctx, f.dev, 1, protocol.InfiniteTimeout)
	assert.ErrorIs(t, err, protocol.InfoNotification)
	assert.Equal(t, int32(5), s.LastErr())
}

func TestWaitNotificationStaleInterruptIsDiscarded(t *testing.T) {
	f := newFixture(t)
	_, nq := f.openSession(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	nq.QueueMsg(protocol.Notification{SessionID: 1, Payload: 1})
	_ = f.dr.WaitNotification(ctx, f.dev, 1, protocol.InfiniteTimeoutInterruptible)

	// Whatever the first wait saw, the next one is not interrupted.
	nq.QueueMsg(protocol.Notification{SessionID: 1, Payload: 2})
	err := f.dr.WaitNotification(context.Background(), f.dev, 1, protocol.InfiniteTimeoutInterruptible)
	assert.ErrorIs(t, err, protocol.InfoNotification)
}

func TestWaitNotificationUnknownSession(t *testing.T) {
	f := newFixture(t)

	err := f.dr.WaitNotification(context.Background(), f.dev, 3, 10)
	assert.ErrorIs(t, err, protocol.ErrUnknownSession)
}

func TestWaitNotificationInvalidDevice(t *testing.T) {
	f := newFixture(t)
	f.openSession(t, 1, nil)
	f.dev.SetInvalid()

	err := f.dr.WaitNotification(context.Background(), f.dev, 1, 10)
	assert.ErrorIs(t, err, protocol.ErrDaemonUnreachable)
}
