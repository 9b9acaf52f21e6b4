package testutil

import (
	"io"
	"log/slog"

	"github.com/p-arndt/mcdriver/internal/config"
	"github.com/p-arndt/mcdriver/protocol"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		SocketPath:  "/tmp/mcdriver-test/mcdaemon.sock",
		DevicePath:  "/dev/mobicore-user",
		MaxTCILen:   "1MiB",
		JournalPath: ":memory:",
		LogLevel:    "error",
	}
}

// TestLogger discards everything.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Daemon returns a daemon connection scripted through a successful device
// open.
func Daemon() *FakeConn {
	return NewFakeConn().
		QueueResult(protocol.OK, protocol.MakeVersion(0, 2)).
		QueueResult(protocol.OK)
}

// QueueOpen scripts a successful session open on daemon and returns the
// notification connection to hand to the dialer.
func QueueOpen(daemon *FakeConn, sessionID uint32) *FakeConn {
	daemon.QueueResult(protocol.OK, protocol.OpenSessionPayload{
		SessionID:       sessionID,
		DeviceSessionID: sessionID + 100,
		SessionMagic:    0xCAFE,
	})
	return NewFakeConn().QueueResult(protocol.OK)
}
