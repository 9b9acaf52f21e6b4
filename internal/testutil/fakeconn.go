package testutil

import (
	"sync"
	"time"

	"github.com/p-arndt/mcdriver/internal/conn"
	"github.com/p-arndt/mcdriver/protocol"
)

type readStep struct {
	data     []byte
	err      error
	shutdown bool
}

// FakeConn is a scripted daemon connection. Reads are served from a queue
// in stream order; every write is recorded.
type FakeConn struct {
	mu          sync.Mutex
	reads       []readStep
	writes      [][]byte
	timeouts    []time.Duration
	failWriteAt int
	writeErr    error
	interrupted bool
	closed      bool
	dead        bool
	kick        chan struct{}
}

var _ conn.Conn = (*FakeConn)(nil)

func NewFakeConn() *FakeConn {
	return &FakeConn{failWriteAt: -1, kick: make(chan struct{}, 1)}
}

// QueueRead appends raw bytes to the read stream.
func (f *FakeConn) QueueRead(data []byte) *FakeConn {
	f.push(readStep{data: append([]byte(nil), data...)})
	return f
}

// QueueMsg appends encoded fixed-layout messages to the read stream.
func (f *FakeConn) QueueMsg(msgs ...any) *FakeConn {
	for _, m := range msgs {
		data, err := protocol.Encode(m)
		if err != nil {
			panic(err)
		}
		f.push(readStep{data: data})
	}
	return f
}

// QueueResult appends a response: a result code and an optional payload.
func (f *FakeConn) QueueResult(r protocol.Result, payload ...any) *FakeConn {
	return f.QueueMsg(append([]any{r}, payload...)...)
}

// QueueReadErr makes the next read fail with err.
func (f *FakeConn) QueueReadErr(err error) *FakeConn {
	f.push(readStep{err: err})
	return f
}

// QueueShutdown makes the next read report a clean peer shutdown.
func (f *FakeConn) QueueShutdown() *FakeConn {
	f.push(readStep{shutdown: true})
	return f
}

// FailWriteAt makes the n-th write (counting from 0) fail with err.
func (f *FakeConn) FailWriteAt(n int, err error) *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWriteAt = n
	f.writeErr = err
	return f
}

// SetDead makes IsAlive report false.
func (f *FakeConn) SetDead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
}

func (f *FakeConn) push(s readStep) {
	f.mu.Lock()
	f.reads = append(f.reads, s)
	f.mu.Unlock()
	f.wake()
}

func (f *FakeConn) wake() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *FakeConn) WriteData(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == f.failWriteAt {
		f.writes = append(f.writes, nil)
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

// ReadData serves the queue. With nothing queued a non-negative timeout
// reports ErrTimeout at once and a negative one blocks until data is
// queued or Interrupt is called.
func (f *FakeConn) ReadData(p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		if f.interrupted {
			f.interrupted = false
			f.mu.Unlock()
			return 0, conn.ErrInterrupted
		}
		if len(f.reads) > 0 {
			n, err := f.serve(p)
			f.mu.Unlock()
			return n, err
		}
		f.mu.Unlock()
		if timeout >= 0 {
			return 0, conn.ErrTimeout
		}
		<-f.kick
	}
}

// serve consumes from the head of the queue. Data longer than p stays
// queued for the next read.
func (f *FakeConn) serve(p []byte) (int, error) {
	step := &f.reads[0]
	switch {
	case step.err != nil:
		err := step.err
		f.reads = f.reads[1:]
		return 0, err
	case step.shutdown:
		f.reads = f.reads[1:]
		return 0, nil
	}
	n := copy(p, step.data)
	step.data = step.data[n:]
	if len(step.data) == 0 {
		f.reads = f.reads[1:]
	}
	return n, nil
}

func (f *FakeConn) Interrupt() {
	f.mu.Lock()
	f.interrupted = true
	f.mu.Unlock()
	f.wake()
}

func (f *FakeConn) ClearInterrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = false
}

func (f *FakeConn) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.dead
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Writes returns copies of everything written so far.
func (f *FakeConn) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Commands returns the command IDs of the recorded writes that carry a
// command header. Raw payload writes show up too; callers know their
// position.
func (f *FakeConn) Commands() []protocol.CommandID {
	var ids []protocol.CommandID
	for _, w := range f.Writes() {
		if id, ok := protocol.PeekCommandID(w); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// CountCommand returns how many recorded writes start with id.
func (f *FakeConn) CountCommand(id protocol.CommandID) int {
	n := 0
	for _, c := range f.Commands() {
		if c == id {
			n++
		}
	}
	return n
}

// ReadTimeouts returns the timeouts passed to ReadData, in order.
func (f *FakeConn) ReadTimeouts() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.timeouts...)
}

// Pending returns the number of unread queue entries.
func (f *FakeConn) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}
