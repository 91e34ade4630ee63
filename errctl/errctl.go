// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package errctl implements the error-handling fabric from spec §4.7/§7:
// a taxonomy of error codes, a ScriptError value carrying an arbitrary
// Lua value as its payload (not just a string), and a stack of protected
// call frames that a throw unwinds to.
//
// The sentinel-error style here follows the vm package's own
// ErrOutOfGas/ErrDivisionByZero/... convention: every runtime fault the
// interpreter can report is a package-level var so callers can
// errors.Is-match it, with ScriptError carrying the payload for user-level
// error() values.
package errctl

import (
	"errors"
	"fmt"

	"github.com/probechain/luacore/value"
)

// Code classifies why a protected call returned an error (spec §4.7's
// status codes for pcall/xpcall-equivalent operations).
type Code int

const (
	// CodeOK is not an error; included for symmetry with the status codes a
	// protected call frame can produce.
	CodeOK Code = iota
	// CodeRuntime is a generic runtime error raised by error() or by the VM
	// itself (type mismatch, arithmetic on a non-number, etc.).
	CodeRuntime
	// CodeSyntax is reserved for the (out-of-scope) compiler front-end; the
	// runtime never produces it directly but preserves it when propagating
	// an error value tagged this way by an embedder.
	CodeSyntax
	// CodeMemory is raised when an allocation cannot be satisfied (spec §4.3
	// "allocation failure must be a catchable error, not a process abort").
	CodeMemory
	// CodeErrorInErrorHandling is raised when a message handler itself
	// raises an error (spec §4.7: "a second error while handling the first
	// discards the first and reports an error-in-error-handling status").
	CodeErrorInErrorHandling
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeRuntime:
		return "runtime error"
	case CodeSyntax:
		return "syntax error"
	case CodeMemory:
		return "out of memory"
	case CodeErrorInErrorHandling:
		return "error in error handling"
	default:
		return fmt.Sprintf("errctl.Code(%d)", int(c))
	}
}

// Sentinel errors for VM-internal faults that never carry a script-level
// payload (spec §4.5/§4.8 edge cases).
var (
	ErrDivideByZero     = errors.New("errctl: attempt to perform 'n%%0'")
	ErrInvalidOpcode    = errors.New("errctl: invalid opcode")
	ErrStackOverflow    = errors.New("errctl: stack overflow")
	ErrNonYieldable     = errors.New("errctl: attempt to yield across a non-yieldable boundary")
	ErrClosedCoroutine  = errors.New("errctl: cannot resume dead coroutine")
	ErrDoubleClose      = errors.New("errctl: to-be-closed variable closed twice")
	ErrUnconsumedClose  = errors.New("errctl: to-be-closed variable missing __close")
)

// ScriptError wraps an arbitrary Lua value raised via error() or a runtime
// fault, with the Code that classifies it and an optional traceback
// (populated by thread.Thread when a message handler is installed, spec
// §4.7's xpcall-equivalent). Payload is a value.Value, not a Go string,
// because any value is a valid error payload (spec §7); Text caches the
// already-decoded bytes for a string payload, since a value.Value string
// is just an arena ref (package value holds no bytes itself) and errctl
// cannot decode it back without importing strtab.
type ScriptError struct {
	Code      Code
	Payload   value.Value
	Text      string
	Traceback string
}

func (e *ScriptError) Error() string {
	if e.Payload.Kind() == value.KindString {
		if e.Text != "" {
			return e.Text
		}
		return "(string error, no text cached)"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Payload.Kind())
}

// New builds a runtime ScriptError carrying payload, with no decoded text
// cached (use NewText when the caller can already decode a string
// payload, e.g. from a *gc.Heap it has on hand).
func New(payload value.Value) *ScriptError {
	return &ScriptError{Code: CodeRuntime, Payload: payload}
}

// NewText builds a runtime ScriptError carrying payload, caching text as
// its decoded string form for Error() to report (used when payload is a
// string value.Value and the caller has already resolved its bytes).
func NewText(payload value.Value, text string) *ScriptError {
	return &ScriptError{Code: CodeRuntime, Payload: payload, Text: text}
}

// Newf builds a runtime ScriptError carrying a formatted string message.
// The caller supplies intern, typically a thin wrapper around a
// strtab.Table's NewString, so errctl need not import strtab directly;
// this mirrors the host API's luaL_error convenience constructor (spec
// §6.5).
func Newf(intern func(string) value.Value, format string, args ...any) *ScriptError {
	msg := fmt.Sprintf(format, args...)
	return &ScriptError{Code: CodeRuntime, Payload: intern(msg), Text: msg}
}

// Protected represents one entry in the protected-call stack maintained by
// a thread.Thread: the register window depth to restore to, and the
// to-be-closed list to run, when a throw unwinds to this frame (spec
// §4.7/§4.8).
type Protected struct {
	// CallDepth is the CallInfo depth active when this protected frame was
	// entered; a throw unwinds CallInfo frames down to this depth.
	CallDepth int
	// StackTop is the thread stack height to truncate back to.
	StackTop int
	// NonYieldable is true if this protected call was entered from a
	// context that forbids yielding across it (e.g. a host pcall
	// implemented without coroutine support, spec §5.3).
	NonYieldable bool
}

// Stack is a LIFO of Protected frames plus the propagation mechanics a
// thread uses to implement pcall/xpcall and top-level error reporting.
type Stack struct {
	frames []Protected
}

// Push enters a new protected frame.
func (s *Stack) Push(p Protected) { s.frames = append(s.frames, p) }

// Pop removes and returns the innermost protected frame; ok is false if the
// stack was empty.
func (s *Stack) Pop() (Protected, bool) {
	if len(s.frames) == 0 {
		return Protected{}, false
	}
	p := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return p, true
}

// Depth returns the number of protected frames currently open.
func (s *Stack) Depth() int { return len(s.frames) }

// Top returns the innermost protected frame without removing it; ok is
// false if the stack is empty (meaning an uncaught error reaches the top
// level, spec §4.7's "an error with no protected call reports through the
// host's panic handler").
func (s *Stack) Top() (Protected, bool) {
	if len(s.frames) == 0 {
		return Protected{}, false
	}
	return s.frames[len(s.frames)-1], true
}
