// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Coroutines group of the host API (spec §6.1, §4.8): new_thread, resume,
// yield, status, is_yieldable, close_thread. A coroutine here is exactly
// thread.Coroutine's goroutine/channel handoff (spec §5.3); this file only
// adapts that primitive to the stack-based calling convention the rest of
// the host API uses.
package lua

import (
	"sync"

	"github.com/probechain/luacore/errctl"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
)

// coroRegistry tracks the thread.Coroutine handle (and its not-yet-called
// entry function) backing each live coroutine thread.Thread, keyed by the
// embedded *thread.Thread pointer — the only handle a bare KindThread
// value.Value resolves to via gc.Heap.Thread. Guarded by a mutex because a
// running coroutine's own goroutine (calling Yield, or checking
// IsYieldable) races the driver goroutine issuing Resume calls.
type coroRegistry struct {
	mu   sync.Mutex
	byTh map[*thread.Thread]*coroHandle
}

type coroHandle struct {
	co    *thread.Coroutine
	entry value.Value // the function to call on the first Resume; Nil until then
}

func (g *Global) coroutines() *coroRegistry {
	if g.coros == nil {
		g.coros = &coroRegistry{byTh: make(map[*thread.Thread]*coroHandle)}
	}
	return g.coros
}

func (r *coroRegistry) get(t *thread.Thread) *coroHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTh[t]
}

func (r *coroRegistry) put(t *thread.Thread, h *coroHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTh[t] = h
}

func (r *coroRegistry) delete(t *thread.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTh, t)
}

const (
	defaultCoroStack    = 64
	defaultCoroMaxStack = 1 << 16
)

// NewThread creates a fresh, not-yet-started coroutine, pushes it (spec
// §6.1 new_thread), and returns a *State bound to it so the host can push
// the entry function and its arguments directly onto the new thread's own
// stack before the first Resume.
func (s *State) NewThread() *State {
	reg := s.coroutines()
	handle := &coroHandle{}
	co := thread.NewCoroutine(func(c *thread.Coroutine, args []value.Value) ([]value.Value, error) {
		return s.VM.Call(c.Thread, handle.entry, args, -1)
	}, defaultCoroStack, defaultCoroMaxStack)
	handle.co = co
	reg.put(co.Thread, handle)

	s.Push(s.Heap.NewThread(co.Thread))
	return &State{Global: s.Global, th: co.Thread}
}

// Resume resumes the coroutine thread at index i, consuming nargs values
// already pushed onto that thread's own stack (spec §6.1 resume). On the
// first resume of a freshly created thread those nargs values must sit
// directly above the entry function the host pushed via the *State
// NewThread returned; on later resumes they are simply the values to hand
// back from the pending Yield call. Results are pushed onto the calling
// State's stack; the bool reports whether the coroutine yielded (true) or
// ran to completion/error (false).
func (s *State) Resume(i, nargs int) (nres int, yielded bool, err error) {
	th := s.Heap.Thread(s.at(i))
	if th == nil {
		return 0, false, s.errorf("bad argument: thread expected")
	}
	handle := s.coroutines().get(th)
	if handle == nil {
		return 0, false, s.errorf("cannot resume a non-coroutine thread")
	}

	ci := th.Current()
	var args []value.Value
	if handle.entry.IsNil() {
		fnIdx := ci.Top - nargs - 1
		handle.entry = th.Stack[fnIdx]
		args = append([]value.Value(nil), th.Stack[fnIdx+1:ci.Top]...)
		ci.Top = fnIdx
	} else {
		argIdx := ci.Top - nargs
		args = append([]value.Value(nil), th.Stack[argIdx:ci.Top]...)
		ci.Top = argIdx
	}

	results, yld, rerr := handle.co.Resume(args)
	if rerr != nil {
		return 0, false, rerr
	}
	if !yld {
		s.coroutines().delete(th)
	}
	for _, r := range results {
		s.Push(r)
	}
	return len(results), yld, nil
}

// Yield suspends the coroutine whose Thread is s (spec §6.1 yield): it
// must be called with s bound to the coroutine itself, e.g. from within a
// CFunction running on it. vals are handed back as Resume's results; the
// values Resume is next called with become Yield's return.
func (s *State) Yield(vals []value.Value) ([]value.Value, error) {
	handle := s.coroutines().get(s.th)
	if handle == nil {
		return nil, errctl.ErrNonYieldable
	}
	return handle.co.Yield(vals)
}

// Status reports the coroutine thread at index i's lifecycle state: one of
// "suspended", "running", "normal", "dead" (spec §6.1 status).
func (s *State) Status(i int) string {
	th := s.Heap.Thread(s.at(i))
	if th == nil {
		return "dead"
	}
	return th.Status.String()
}

// IsYieldable reports whether the current thread s is a coroutine that may
// currently yield (spec §6.1 is_yieldable): false for the main thread and
// for any thread past a non-yieldable C-call boundary.
func (s *State) IsYieldable() bool {
	handle := s.coroutines().get(s.th)
	return handle != nil && handle.co.IsYieldable()
}

// CloseThread force-closes a suspended or never-started coroutine thread at
// index i, running any pending to-be-closed variables' __close metamethods
// and marking it dead (spec §6.1 close_thread, §4.8's explicit-close
// companion to garbage-collected coroutine cleanup).
func (s *State) CloseThread(i int) error {
	th := s.Heap.Thread(s.at(i))
	if th == nil {
		return s.errorf("bad argument: thread expected")
	}
	if th.Status != thread.StatusSuspended {
		return s.errorf("cannot close a %s coroutine", th.Status)
	}

	ci := th.Current()
	pending := ci.TBC.Pending(0)
	th.CloseUpvaluesFrom(0)
	if err := s.VM.RunClose(th, pending, nil); err != nil {
		return err
	}
	th.Status = thread.StatusDead
	s.coroutines().delete(th)
	return nil
}
