// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package thread

import "github.com/probechain/luacore/proto"

// CallInfo is one activation record in a thread's call stack: a register
// window into the thread's shared stack, the running closure, and the
// bookkeeping needed to resume the caller when this call returns (spec
// §4.6). CallInfo frames form a doubly linked list rather than a slice so
// that a pointer to one remains valid across a stack-relocating growth of
// the thread's register stack.
type CallInfo struct {
	Prev, Next *CallInfo

	Closure *proto.Closure
	PC      int // next instruction index to execute, for script closures

	Base    int // first register of this frame's window in Thread.Stack
	Top     int // one past the last register currently in use
	NumRets int // results requested by the caller: -1 means "all"

	IsTailCall bool

	// VarargBase/VarargCount describe the extra arguments passed beyond a
	// vararg function's declared parameters, stored just below Base.
	VarargBase  int
	VarargCount int

	TBC TBCList
}

// NewRoot creates the bottommost CallInfo for a thread, with no caller to
// return to.
func NewRoot() *CallInfo {
	return &CallInfo{Base: 0, Top: 0}
}

// PushChild appends a new CallInfo after ci, reusing ci.Next's node if the
// thread has called this deep before (spec §4.6: "CallInfo nodes are
// recycled across calls at the same depth to avoid reallocating on every
// call").
func (ci *CallInfo) PushChild() *CallInfo {
	if ci.Next != nil {
		return ci.Next
	}
	child := &CallInfo{Prev: ci}
	ci.Next = child
	return child
}
