// Package sched runs the collection jobs at fixed wall-clock times, with a
// database-backed lease so that a job runs on at most one collector even
// when several share a database.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jongtix/caa-collector-sub001/internal/store"
)

// Locker serializes named jobs across the collector fleet through a
// store.LockStore lease.
type Locker struct {
	locks  store.LockStore
	holder string
	log    *slog.Logger
}

// NewLocker creates a Locker identifying itself by hostname and pid.
func NewLocker(locks store.LockStore) *Locker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Locker{
		locks:  locks,
		holder: fmt.Sprintf("%s-%d", host, os.Getpid()),
		log:    slog.Default().With("component", "job-lock"),
	}
}

// TryRunExclusively runs action under the named lease. It makes exactly one
// acquisition attempt: when another collector holds a live lease, it returns
// nil without running anything. On acquisition the action gets a context
// bounded by maxHold, and the release keeps the lease until at least
// acquiredAt+minHold so that clock-skewed peers cannot rerun the job early.
func (l *Locker) TryRunExclusively(ctx context.Context, name string, minHold, maxHold time.Duration, action func(ctx context.Context) error) error {
	acquiredAt := time.Now()

	ok, err := l.locks.AcquireLock(ctx, name, l.holder, acquiredAt.Add(maxHold))
	if err != nil {
		return fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if !ok {
		l.log.Debug("lease held elsewhere, skipping", "job", name)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, maxHold)
	defer cancel()
	runErr := action(runCtx)

	until := time.Now()
	if floor := acquiredAt.Add(minHold); floor.After(until) {
		until = floor
	}
	// Release even when ctx was cancelled mid-run.
	if err := l.locks.ReleaseLock(context.WithoutCancel(ctx), name, l.holder, until); err != nil {
		l.log.Error("releasing lease failed", "job", name, "err", err)
	}

	return runErr
}
