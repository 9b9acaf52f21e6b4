package testutil

import (
	"errors"
	"sync"

	"github.com/p-arndt/mcdriver/internal/conn"
)

// ErrNoConn is returned by Dialer when its queue is empty.
var ErrNoConn = errors.New("no scripted connection")

// Dialer hands out scripted connections in order.
type Dialer struct {
	mu    sync.Mutex
	conns []*FakeConn
	errs  []error
	paths []string
}

// Add queues c for the next dial.
func (d *Dialer) Add(c ...*FakeConn) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fc := range c {
		d.conns = append(d.conns, fc)
		d.errs = append(d.errs, nil)
	}
	return d
}

// AddErr makes the next dial fail.
func (d *Dialer) AddErr(err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, nil)
	d.errs = append(d.errs, err)
	return d
}

func (d *Dialer) Dial(path string) (conn.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
	if len(d.conns) == 0 {
		return nil, ErrNoConn
	}
	c, err := d.conns[0], d.errs[0]
	d.conns, d.errs = d.conns[1:], d.errs[1:]
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.paths)
}
