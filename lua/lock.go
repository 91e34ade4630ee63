// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Lock/unlock hooks for spec §5's single-access discipline: "the runtime
// provides lock/unlock stub hooks at API entry/exit that embedders may
// override." The default implementation is a binary semaphore.Weighted,
// chosen because the teacher's go.mod already carries golang.org/x/sync and
// nothing else in the pack needs a counting/weighted lock primitive more
// than this one call site does.
package lua

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Locker implements the pair of hooks spec §5 describes embedders may
// override to serialize concurrent host-thread access to one State's
// Global.
type Locker interface {
	Lock()
	Unlock()
}

// semLocker adapts a semaphore.Weighted(1) into the Lock/Unlock shape.
type semLocker struct {
	sem *semaphore.Weighted
}

// NewMutexLocker returns the default Locker: a weighted semaphore with
// capacity 1, acquired/released around every API entry/exit point an
// embedder routes through Global.Lock/Unlock.
func NewMutexLocker() Locker {
	return &semLocker{sem: semaphore.NewWeighted(1)}
}

func (l *semLocker) Lock() {
	// A single-access handle with capacity 1 never blocks longer than the
	// holder takes to call Unlock, so an uncancellable background context
	// is the correct wait here.
	_ = l.sem.Acquire(context.Background(), 1)
}

func (l *semLocker) Unlock() { l.sem.Release(1) }

// Lock acquires the Global's access discipline lock (spec §5: "concurrent
// host threads must serialize access").
func (g *Global) Lock() { g.lock.Lock() }

// Unlock releases it.
func (g *Global) Unlock() { g.lock.Unlock() }

// SetLocker installs a custom Locker, overriding the default semaphore
// (spec §5: "embedders may override" the lock/unlock hooks).
func (g *Global) SetLocker(l Locker) { g.lock = l }
