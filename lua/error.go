// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Errors and diagnostics group of the host API (spec §6.1): error/warning
// reporting hooks (set_panic, set_warn_fn, warning) that sit outside the
// throw/pcall mechanism call.go already covers, plus to_close for
// installing a to-be-closed stack slot from host code.
package lua

import "github.com/probechain/luacore/value"

// PanicFunc is invoked when an error propagates past every protected call
// on a thread (spec §6.1 set_panic: "the last line of defense before the
// host process would otherwise see an uncaught Go panic").
type PanicFunc func(L *State, err value.Value)

// SetPanic installs fn as the panic handler, returning whichever handler
// was previously installed (nil initially).
func (s *State) SetPanic(fn PanicFunc) (old PanicFunc) {
	old = s.panicFn
	s.panicFn = func(st *State, v value.Value) { fn(st, v) }
	return old
}

// Panic invokes the installed panic handler, if any, then returns err
// unchanged so a caller with no protected frame above it still observes
// the failure (spec §7: an error with no pcall above it is fatal). A host
// driver can call this around its top-level Call, the one place in this
// Go-native error model that has no enclosing protected frame to catch it
// automatically; cmd/luai uses PCall instead and does not call Panic.
func (s *State) Panic(err error) error {
	if err != nil && s.panicFn != nil {
		s.panicFn(s, s.errorValue(err))
	}
	return err
}

// WarnFunc receives a diagnostic message that is not a script error:
// finalizer failures and emergency-collection notices (spec §4.4, §6.1
// set_warn_fn).
type WarnFunc func(msg string)

// SetWarnFn installs fn as the warning sink, replacing gc.Heap's default
// no-op.
func (s *State) SetWarnFn(fn WarnFunc) { s.warnFn = fn }

// Warning emits msg through the installed warning function directly (spec
// §6.1 warning), for host code that wants to report something
// warning-worthy without going through the GC's own Warn hook.
func (s *State) Warning(msg string) {
	if s.warnFn != nil {
		s.warnFn(msg)
	}
}

// ToClose marks the value at index i as to-be-closed: its __close
// metamethod runs when the current call frame exits or is unwound by an
// error, in reverse declaration order among that frame's to-be-closed
// values (spec §4.8, §6.1 to_close). It is an error if the value has
// neither a __close metamethod nor is false/nil.
func (s *State) ToClose(i int) error {
	v := s.at(i)
	idx, ok := s.abs(i)
	if !ok {
		return s.errorf("bad argument: invalid index for to_close")
	}
	ci := s.th.Current()
	reg := idx - ci.Base

	hasClose := v.Truthy() && s.hasCloseMetamethod(v)
	return ci.TBC.Mark(reg, v, hasClose)
}

// hasCloseMetamethod reports whether v's metatable (if any) defines
// __close.
func (s *State) hasCloseMetamethod(v value.Value) bool {
	mt := s.VM.Metatable(v)
	if mt == nil {
		return false
	}
	fn, _ := mt.Get(s.Heap.NewString([]byte("__close")))
	return !fn.IsNil()
}
