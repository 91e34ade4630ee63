// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Debug hook event dispatch (spec §4.5 "Hook events"): the five
// event-dispatch points spec.md names as in-scope for the core (call,
// return, line, count, tail-call) — everything past dispatching these
// events to a single installed callback (a debug library's sethook,
// traceback formatting, breakpoints) is out of scope per spec §1's
// "Debugging hooks beyond the event-dispatch points named in §4".
package vm

import "github.com/probechain/luacore/thread"

// HookEvent identifies which of the five dispatch points fired.
type HookEvent int

const (
	HookCall HookEvent = iota
	HookReturn
	HookLine
	HookCount
	HookTailCall
)

func (e HookEvent) String() string {
	switch e {
	case HookCall:
		return "call"
	case HookReturn:
		return "return"
	case HookLine:
		return "line"
	case HookCount:
		return "count"
	case HookTailCall:
		return "tail call"
	default:
		return "unknown"
	}
}

// HookMask selects which events a Hook callback wants to observe.
type HookMask uint8

const (
	MaskCall HookMask = 1 << iota
	MaskReturn
	MaskLine
	MaskCount
	MaskTailCall
)

// HookFunc is called synchronously on the firing thread; line is the
// 1-based source line for HookLine and 0 for every other event. A HookFunc
// that panics with a *errctl.ScriptError is treated the same as any other
// script error raised mid-instruction (spec §5 "the debug hook may raise an
// error from a hook callback as a cooperative cancellation point") — callers
// that want this must recover and return an error through the normal
// unwind path rather than relying on a Go panic crossing package boundaries,
// so HookFunc itself has no error return; use a closure over the owning
// *lua.State to call State.Error from within the hook if cancellation is
// needed.
type HookFunc func(th *thread.Thread, event HookEvent, line int)

// hookState is embedded directly (not a pointer) in VM so the hot path's
// single guard is a plain bool field read, matching spec §4.5's "the
// interpreter must check a single trap flag per instruction to keep the hot
// path fast".
type hookState struct {
	fn    HookFunc
	mask  HookMask
	trap  bool
	count int // configured instruction cadence for MaskCount
	left  int // instructions remaining until the next HookCount fire
	line  int // last line a HookLine fired for, to suppress repeats
}

// SetHook installs fn to observe the events selected by mask on this VM's
// interpreter loop; count is the instruction cadence for MaskCount (spec
// §4.5 "every N instructions"). Passing a nil fn or zero mask disables
// hooking and clears the trap flag.
func (vm *VM) SetHook(fn HookFunc, mask HookMask, count int) {
	if fn == nil || mask == 0 {
		vm.hook = hookState{}
		return
	}
	if count <= 0 {
		count = 1
	}
	vm.hook = hookState{fn: fn, mask: mask, trap: true, count: count, left: count, line: -1}
}

// HookActive reports whether a hook is currently installed.
func (vm *VM) HookActive() bool { return vm.hook.trap }

// checkLineAndCount fires HookCount/HookLine as the dispatch loop crosses
// instruction boundaries; lineAt is the source line of the instruction
// about to execute (0 when the Proto carries no line for it).
func (vm *VM) checkLineAndCount(th *thread.Thread, lineAt int32) {
	h := &vm.hook
	if !h.trap {
		return
	}
	if h.mask&MaskCount != 0 {
		h.left--
		if h.left <= 0 {
			h.left = h.count
			h.fn(th, HookCount, 0)
		}
	}
	if h.mask&MaskLine != 0 && lineAt != 0 && int(lineAt) != h.line {
		h.line = int(lineAt)
		h.fn(th, HookLine, int(lineAt))
	}
}

func (vm *VM) fireCall(th *thread.Thread) {
	if vm.hook.trap && vm.hook.mask&MaskCall != 0 {
		vm.hook.fn(th, HookCall, 0)
	}
}

func (vm *VM) fireReturn(th *thread.Thread) {
	if vm.hook.trap && vm.hook.mask&MaskReturn != 0 {
		vm.hook.fn(th, HookReturn, 0)
	}
}

func (vm *VM) fireTailCall(th *thread.Thread) {
	if vm.hook.trap && vm.hook.mask&MaskTailCall != 0 {
		vm.hook.fn(th, HookTailCall, 0)
	}
}
