// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package proto

import "github.com/probechain/luacore/value"

// Upvalue is a shared variable cell. While the stack frame that declared it
// is still live, an Upvalue is "open" and Get/Set read and write straight
// through to that frame's register, so every closure sharing the variable
// sees writes from any of them, including the enclosing function itself.
// When the frame exits, thread.Thread calls Close, which copies the current
// value into the Upvalue's own storage and severs the link (spec §4.6:
// "closing an upvalue must be invisible to every closure holding it").
type Upvalue struct {
	stack *[]value.Value // the frame's register window, nil once closed
	index int            // index into *stack while open
	closed value.Value   // holds the value once closed
}

// NewOpen creates an upvalue pointing at stack[index], which must remain
// valid until Close is called.
func NewOpen(stack *[]value.Value, index int) *Upvalue {
	return &Upvalue{stack: stack, index: index}
}

// NewClosed creates an already-closed upvalue wrapping v directly; used for
// top-level chunk upvalues and for host-constructed closures that capture
// no live stack frame.
func NewClosed(v value.Value) *Upvalue {
	return &Upvalue{closed: v}
}

// Get reads the upvalue's current value.
func (u *Upvalue) Get() value.Value {
	if u.stack == nil {
		return u.closed
	}
	return (*u.stack)[u.index]
}

// Set writes v into the upvalue.
func (u *Upvalue) Set(v value.Value) {
	if u.stack == nil {
		u.closed = v
		return
	}
	(*u.stack)[u.index] = v
}

// IsOpen reports whether the upvalue still aliases a live stack frame.
func (u *Upvalue) IsOpen() bool { return u.stack != nil }

// StackIndex returns the register index this open upvalue aliases; only
// meaningful while IsOpen.
func (u *Upvalue) StackIndex() int { return u.index }

// Close detaches the upvalue from its stack frame, copying out the current
// value. Calling Close on an already-closed upvalue is a no-op.
func (u *Upvalue) Close() {
	if u.stack == nil {
		return
	}
	u.closed = (*u.stack)[u.index]
	u.stack = nil
}
