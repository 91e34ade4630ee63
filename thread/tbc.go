// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// To-be-closed variable tracking for the PROBE language runtime.
//
// The checker enforces the following invariants for every open scope
// (spec §4.8):
//
//  1. A to-be-closed binding's __close metamethod runs exactly once, when
//     its declaring scope exits (normally, via break/return, or via an
//     error unwind) — in reverse order of declaration.
//  2. A binding is handed back for closing at most once: Pending removes
//     every binding it returns from the list.
//  3. A binding that is still open when Pending runs for its register is
//     always handed back — there is no "forgot to close" script-level error;
//     the runtime guarantees it, unlike the move/drop discipline this
//     checker was adapted from.
package thread

import (
	"fmt"

	"github.com/probechain/luacore/value"
)

// TBCErrorCode classifies a to-be-closed bookkeeping fault.
type TBCErrorCode int

const (
	// ErrDoubleClose classifies closing the same register twice. Nothing in
	// this package returns it: Pending removes what it hands back.
	ErrDoubleClose TBCErrorCode = iota

	// ErrNotToBeClosed classifies closing a register that was never marked
	// to-be-closed. Nothing in this package returns it.
	ErrNotToBeClosed

	// ErrCloseValueNotClosable is returned when Mark is called with a value
	// that is neither nil/false (spec §4.8: permitted as a no-op marker)
	// nor a value carrying a __close metamethod.
	ErrCloseValueNotClosable
)

func (c TBCErrorCode) String() string {
	switch c {
	case ErrDoubleClose:
		return "double-close"
	case ErrNotToBeClosed:
		return "not-to-be-closed"
	case ErrCloseValueNotClosable:
		return "not-closable"
	default:
		return fmt.Sprintf("tbc-error(%d)", int(c))
	}
}

// TBCError records a single to-be-closed bookkeeping violation.
type TBCError struct {
	Code TBCErrorCode
	Reg  int
}

func (e *TBCError) Error() string {
	return fmt.Sprintf("to-be-closed error [%s] at register %d", e.Code, e.Reg)
}

// tbcBinding tracks one pending to-be-closed variable.
type tbcBinding struct {
	reg    int
	val    value.Value
	closed bool
}

// TBCList tracks the to-be-closed bindings declared within a single
// CallInfo frame, in declaration order. Pending walks it back-to-front,
// matching the OpClose opcode's "close every pending variable at register
// index >= a, in reverse order" contract.
type TBCList struct {
	bindings []*tbcBinding
}

// Mark registers reg as to-be-closed, holding val (its current contents).
// hasClose reports whether val actually carries a __close metamethod; a
// nil/false val with hasClose==false is accepted as a documented no-op
// marker (spec §4.8), anything else without __close is rejected.
func (l *TBCList) Mark(reg int, val value.Value, hasClose bool) error {
	if !hasClose && val.Truthy() {
		return &TBCError{Code: ErrCloseValueNotClosable, Reg: reg}
	}
	l.bindings = append(l.bindings, &tbcBinding{reg: reg, val: val})
	return nil
}

// Pending returns the to-be-closed bindings at register index >= from, in
// the reverse order __close must run them, and removes them from the list.
func (l *TBCList) Pending(from int) []value.Value {
	cut := len(l.bindings)
	for cut > 0 && l.bindings[cut-1].reg >= from {
		cut--
	}
	tail := l.bindings[cut:]
	l.bindings = l.bindings[:cut]

	out := make([]value.Value, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		out = append(out, tail[i].val)
	}
	return out
}

// Empty reports whether no to-be-closed bindings remain.
func (l *TBCList) Empty() bool { return len(l.bindings) == 0 }
