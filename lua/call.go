// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Calls group of the host API (spec §6.1): call and pcall. The throw
// mechanism itself is plain Go error propagation (vm.Call already returns
// an error rather than unwinding via panic/recover for every script-level
// fault, per Design Notes §9's "Result<_, Throw>" option) — a protected
// call here only needs to snapshot and restore stack/CallInfo depth around
// that call, and additionally recover from a Go-level panic for faults
// (like a host stack overflow) that are raised that way instead.
package lua

import (
	"fmt"

	"github.com/probechain/luacore/errctl"
	"github.com/probechain/luacore/value"
)

// Call invokes the function at stack position -(nargs+1) with the nargs
// arguments above it, replacing all of them with its results (spec §6.1
// call). nres < 0 keeps every result; an error propagates to the caller
// uncaught (use PCall to trap it).
func (s *State) Call(nargs, nres int) error {
	ci := s.th.Current()
	fnIdx := ci.Top - nargs - 1
	fn := s.th.Stack[fnIdx]
	args := make([]value.Value, nargs)
	copy(args, s.th.Stack[fnIdx+1:ci.Top])
	ci.Top = fnIdx

	results, err := s.VM.Call(s.th, fn, args, nres)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.Push(r)
	}
	return nil
}

// PCall invokes the function the same way Call does, but traps any error
// (a ScriptError, a VM sentinel fault, or a recovered Go panic) instead of
// propagating it: on failure the stack is truncated back to its pre-call
// height and the error value (or a formatted message string, for a
// non-script error) is left at that position (spec §6.1 pcall, §7
// "pcall returns (false, err) ... with the stack ... restored").
//
// errf, if non-zero, is the stack index of a message handler invoked on
// the error object after the stack has been truncated back to its pre-call
// height (spec §4.7's xpcall-equivalent,
// §7's "double-fault" handling: an error raised by the handler itself is
// reported as CodeErrorInErrorHandling rather than recursing further).
func (s *State) PCall(nargs, nres, errf int) (err error) {
	ci := s.th.Current()
	preTop := ci.Top - nargs - 1

	var handler value.Value
	if errf != 0 {
		handler = s.at(errf)
	}

	defer func() {
		if r := recover(); r != nil {
			// A CFunction has no error return (spec §6.1's push_cclosure
			// signature is args-in/result-count-out only), so Error's
			// documented way to raise one is to panic with it; recovering
			// that panic here must keep the *errctl.ScriptError intact
			// rather than restringify it, or its payload (which may be any
			// value, not just a string, per spec §7) would be lost.
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("lua: %v", r)
			}
		}
		if err != nil {
			s.th.CloseUpvaluesFrom(preTop)
			s.SetTop(preTop - ci.Base)
			errVal := s.errorValue(err)
			if !handler.IsNil() {
				if hres, herr := s.VM.Call(s.th, handler, []value.Value{errVal}, 1); herr == nil && len(hres) > 0 {
					errVal = hres[0]
				} else if herr != nil {
					errVal = s.errorValue(&errctl.ScriptError{Code: errctl.CodeErrorInErrorHandling, Payload: s.errorValue(herr)})
				}
			}
			s.Push(errVal)
		}
	}()

	err = s.Call(nargs, nres)
	return err
}

// errorValue extracts the Lua-level value.Value payload carried by err,
// wrapping a non-ScriptError Go error as a formatted string message (spec
// §4.7: "errors are values, typically strings, but any value is
// permitted").
func (s *State) errorValue(err error) value.Value {
	if se, ok := err.(*errctl.ScriptError); ok {
		return se.Payload
	}
	return s.Heap.NewString([]byte(err.Error()))
}

// Error raises v as a script error from a CFunction, unwinding to the
// nearest protected frame (spec §6.1 error). v is the error payload (any
// value, per spec §7). A CFunction has no error return (push_cclosure's
// signature is args-in/result-count-out only), so the documented way to
// raise one is to panic with the value Error returns; PCall's recover
// handles that panic without losing v.
func (s *State) Error(v value.Value) error {
	if v.Kind() == value.KindString {
		if str := s.Heap.String(v); str != nil {
			return errctl.NewText(v, string(str.Bytes))
		}
	}
	return errctl.New(v)
}
