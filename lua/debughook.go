// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Thin host-API exposure of the VM's debug hook dispatch (spec §4.5's four
// event points: call, return, line, count, tail-call). The debug standard
// library itself (traceback formatting, getinfo, breakpoint bookkeeping) is
// a Non-goal (spec §1); this is only the mechanism a library like that
// would be built on.
package lua

import "github.com/probechain/luacore/vm"

// HookFunc observes VM dispatch events on L's current thread.
type HookFunc = vm.HookFunc

// HookMask and the named event masks mirror vm.HookMask for callers that
// only import the lua package.
type HookMask = vm.HookMask

const (
	MaskCall     = vm.MaskCall
	MaskReturn   = vm.MaskReturn
	MaskLine     = vm.MaskLine
	MaskCount    = vm.MaskCount
	MaskTailCall = vm.MaskTailCall
)

// SetHook installs fn as the debug hook for every thread of this runtime
// (the VM is shared globally, spec §3.5), observing the events selected by
// mask; count is the instruction cadence for MaskCount. A nil fn or zero
// mask disables hooking.
func (s *State) SetHook(fn HookFunc, mask HookMask, count int) {
	s.VM.SetHook(fn, mask, count)
}

// HookActive reports whether a debug hook is currently installed.
func (s *State) HookActive() bool { return s.VM.HookActive() }
