// Package reaper keeps the session journal honest: sessions journaled as
// open by a client process that no longer exists are marked lost, and
// finished entries past the retention period are deleted.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/mcdriver/internal/store"
)

type Reaper struct {
	store     ReaperStore
	procs     ProcessChecker
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a reaper that prunes entries older than retention every
// interval. A zero retention keeps everything.
func New(st ReaperStore, interval, retention time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:     st,
		procs:     signalChecker{},
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// SetProcessChecker replaces the liveness check of client processes.
func (r *Reaper) SetProcessChecker(pc ProcessChecker) {
	r.procs = pc
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "retention", r.retention)

	r.Reconcile()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Reconcile()
			r.prune()
		}
	}
}

func (r *Reaper) prune() {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.Prune(r.now().Add(-r.retention))
	if err != nil {
		r.logger.Error("reaper: prune", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaper: pruned journal entries", "count", n)
	}
}

// Reconcile marks open entries of exited client processes lost. The daemon
// may still hold those sessions.
func (r *Reaper) Reconcile() {
	open, err := r.store.ListSessions(store.StatusOpen, 0)
	if err != nil {
		r.logger.Error("reconcile: list open sessions", "error", err)
		return
	}

	lost := 0
	for _, rec := range open {
		if rec.PID <= 0 {
			continue
		}
		running, err := r.procs.IsRunning(rec.PID)
		if err != nil {
			r.logger.Warn("reconcile: error checking client process",
				"row", rec.ID, "pid", rec.PID, "error", err)
			continue
		}
		if running {
			continue
		}
		r.logger.Warn("reconcile: client exited with session open, marking lost",
			"row", rec.ID, "pid", rec.PID, "session_id", rec.SessionID)
		if err := r.store.UpdateSessionStatus(rec.ID, store.StatusLost, "client process exited", r.now()); err != nil {
			r.logger.Error("reconcile: update status", "row", rec.ID, "error", err)
			continue
		}
		lost++
	}
	if lost > 0 {
		r.logger.Info("reconcile: marked sessions lost", "count", lost)
	}
}

// signalChecker probes a pid with signal 0.
type signalChecker struct{}

func (signalChecker) IsRunning(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	}
	return false, err
}
