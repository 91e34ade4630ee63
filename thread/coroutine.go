// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package thread

import (
	"fmt"

	"github.com/probechain/luacore/value"
)

// ErrNonYieldable is returned by Yield when NonYieldableDepth > 0 (spec
// §5.3: "yield must fail, not block, when crossing a C-call boundary that
// forbids it").
var ErrNonYieldable = fmt.Errorf("thread: attempt to yield from outside a coroutine")

// ErrDeadCoroutine is returned by Resume on a thread whose Status is
// StatusDead.
var ErrDeadCoroutine = fmt.Errorf("thread: cannot resume dead coroutine")

// ErrNotSuspended is returned by Resume on a thread that is not
// StatusSuspended (already running, or normal).
var ErrNotSuspended = fmt.Errorf("thread: cannot resume non-suspended coroutine")

// Body is the entry point a coroutine's goroutine runs; it receives the
// arguments passed to the first Resume and returns the values the
// coroutine's function ultimately returns (or an error if it raised one
// uncaught). Calls to Yield from within Body communicate through the
// Coroutine's channels rather than a direct function return, matching
// Lua's asymmetric-coroutine semantics on top of Go's symmetric
// goroutines.
type Body func(co *Coroutine, args []value.Value) ([]value.Value, error)

// Coroutine pairs a Thread with the goroutine/channel plumbing needed to
// implement resume/yield as synchronous handoffs (spec §5.3: "exactly one
// of the main thread and a resumed coroutine is ever running at a time").
type Coroutine struct {
	*Thread

	toCoroutine chan []value.Value
	fromCoroutine chan coroutineMsg
	started     bool
	body        Body
}

type coroutineMsg struct {
	yielded bool
	values  []value.Value
	err     error
}

// NewCoroutine creates a suspended coroutine that will run body when first
// resumed.
func NewCoroutine(body Body, initialStack, maxStack int) *Coroutine {
	return &Coroutine{
		Thread:        New(initialStack, maxStack),
		toCoroutine:   make(chan []value.Value),
		fromCoroutine: make(chan coroutineMsg),
		body:          body,
	}
}

// Resume transfers control to the coroutine, passing args as either the
// initial call arguments (first resume) or the results of the pending
// Yield call (subsequent resumes). It blocks until the coroutine yields,
// returns, or raises an error, and reports which of those happened via the
// bool return (true if the coroutine yielded and is still suspended).
func (c *Coroutine) Resume(args []value.Value) (results []value.Value, yielded bool, err error) {
	switch c.Status {
	case StatusDead:
		return nil, false, ErrDeadCoroutine
	case StatusRunning, StatusNormal:
		return nil, false, ErrNotSuspended
	}

	c.Status = StatusRunning
	if !c.started {
		c.started = true
		go func() {
			res, err := c.body(c, args)
			c.fromCoroutine <- coroutineMsg{yielded: false, values: res, err: err}
		}()
	} else {
		c.toCoroutine <- args
	}

	msg := <-c.fromCoroutine
	if msg.yielded {
		c.Status = StatusSuspended
		return msg.values, true, nil
	}
	c.Status = StatusDead
	return msg.values, false, msg.err
}

// Yield suspends the coroutine, handing vals back to whoever called
// Resume, and blocks until the next Resume call supplies new arguments.
// Must only be called from within the goroutine running this coroutine's
// Body.
func (c *Coroutine) Yield(vals []value.Value) ([]value.Value, error) {
	if c.NonYieldableDepth > 0 {
		return nil, ErrNonYieldable
	}
	c.fromCoroutine <- coroutineMsg{yielded: true, values: vals}
	args := <-c.toCoroutine
	return args, nil
}

// IsYieldable reports whether Yield would currently succeed.
func (c *Coroutine) IsYieldable() bool { return c.NonYieldableDepth == 0 }
