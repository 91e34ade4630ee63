// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package thread implements the ThreadObj / coroutine machinery from spec
// §4.6/§5.3: a register stack shared by every CallInfo in the thread's
// call chain, a doubly linked CallInfo list, open-upvalue tracking, and
// the suspended/running/normal/dead status cycle a coroutine moves
// through across resume/yield.
package thread

import (
	"errors"

	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/value"
)

// Status is the lifecycle state of a Thread (spec §4.6, mirroring the
// coroutine.status host API).
type Status int

const (
	StatusSuspended Status = iota
	StatusRunning
	StatusNormal // resumed another coroutine; waiting for it
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusSuspended:
		return "suspended"
	case StatusRunning:
		return "running"
	case StatusNormal:
		return "normal"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ErrStackOverflow is returned when growing the register stack would
// exceed the configured maximum (spec §4.6 edge case).
var ErrStackOverflow = errors.New("thread: stack overflow")

// Thread is the runtime object behind a Lua thread/coroutine value (spec
// §3.4 ThreadObj). The main thread of a lua.State is itself a Thread.
type Thread struct {
	Stack []value.Value // shared register window storage for every CallInfo

	root    *CallInfo
	current *CallInfo

	// openUpvalues maps a register index in Stack to the Upvalue aliasing
	// it, so that two closures capturing the same still-live local share
	// exactly one cell (spec §4.6).
	openUpvalues map[int]*proto.Upvalue

	Status Status

	// NonYieldableDepth counts C-call-like boundaries the current call
	// chain is nested inside that forbid yielding (spec §5.3); yield fails
	// with ErrNonYieldable while this is > 0.
	NonYieldableDepth int

	MaxStackSize int
}

// New creates a fresh thread with an initial register stack of size
// initialStack (grown on demand up to maxStack).
func New(initialStack, maxStack int) *Thread {
	if initialStack <= 0 {
		initialStack = 64
	}
	if maxStack <= 0 {
		maxStack = 1 << 20
	}
	root := NewRoot()
	return &Thread{
		Stack:        make([]value.Value, initialStack),
		root:         root,
		current:      root,
		openUpvalues: make(map[int]*proto.Upvalue),
		Status:       StatusSuspended,
		MaxStackSize: maxStack,
	}
}

// Current returns the innermost active CallInfo.
func (t *Thread) Current() *CallInfo { return t.current }

// Root returns the bottommost CallInfo of the call chain. The gc package
// walks Root.Next.Next... to mark every closure still referenced by an
// active frame (spec §4.4 "mark roots: ... every thread's stack/callinfo").
func (t *Thread) Root() *CallInfo { return t.root }

// OpenUpvalues returns the register-index-to-Upvalue map backing this
// thread's still-open upvalue cells, for gc marking.
func (t *Thread) OpenUpvalues() map[int]*proto.Upvalue { return t.openUpvalues }

// PushCall enters a new CallInfo as a child of the current one, growing
// the register stack if base+window exceeds its current length.
func (t *Thread) PushCall(cl *proto.Closure, base, window int, numRets int) (*CallInfo, error) {
	if err := t.ensure(base + window); err != nil {
		return nil, err
	}
	ci := t.current.PushChild()
	ci.Closure = cl
	ci.PC = 0
	ci.Base = base
	ci.Top = base + window
	ci.NumRets = numRets
	ci.IsTailCall = false
	ci.TBC = TBCList{}
	t.current = ci
	return ci, nil
}

// PopCall closes any upvalues opened within the popped frame and returns
// to the caller CallInfo. It returns the pending to-be-closed values the
// caller must now run __close on, in the order required (spec §4.8).
func (t *Thread) PopCall() []value.Value {
	ci := t.current
	pending := ci.TBC.Pending(ci.Base)
	t.CloseUpvaluesFrom(ci.Base)
	if ci.Prev != nil {
		t.current = ci.Prev
	}
	return pending
}

// Reserve grows the stack so that index n is addressable, failing with
// ErrStackOverflow past MaxStackSize. Exported for the host embedding API's
// check_stack operation (spec §6.1), which must be able to guarantee room
// above the current top before a C-style host function pushes results.
func (t *Thread) Reserve(n int) error { return t.ensure(n) }

// ensure grows Stack so that index n is valid, up to MaxStackSize.
func (t *Thread) ensure(n int) error {
	if n <= len(t.Stack) {
		return nil
	}
	if n > t.MaxStackSize {
		return ErrStackOverflow
	}
	newSize := len(t.Stack) * 2
	if newSize < n {
		newSize = n
	}
	if newSize > t.MaxStackSize {
		newSize = t.MaxStackSize
	}
	grown := make([]value.Value, newSize)
	copy(grown, t.Stack)
	t.Stack = grown
	return nil
}

// FindOrCreateUpvalue returns the open upvalue aliasing register idx,
// creating one if this is the first closure to capture it (spec §4.6:
// "two closures capturing the same local share one cell").
func (t *Thread) FindOrCreateUpvalue(idx int) *proto.Upvalue {
	if uv, ok := t.openUpvalues[idx]; ok {
		return uv
	}
	uv := proto.NewOpen(&t.Stack, idx)
	t.openUpvalues[idx] = uv
	return uv
}

// CloseUpvaluesFrom closes every open upvalue aliasing register index >=
// from, detaching it from the stack and removing it from the open set.
func (t *Thread) CloseUpvaluesFrom(from int) {
	for idx, uv := range t.openUpvalues {
		if idx >= from {
			uv.Close()
			delete(t.openUpvalues, idx)
		}
	}
}

// Get reads absolute stack slot idx (not relative to the current frame's
// base).
func (t *Thread) Get(idx int) value.Value { return t.Stack[idx] }

// Set writes v into absolute stack slot idx (not relative to the current
// frame's base).
func (t *Thread) Set(idx int, v value.Value) { t.Stack[idx] = v }
