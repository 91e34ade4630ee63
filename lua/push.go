// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Pushing group of the host API (spec §6.1): push_nil, push_bool,
// push_integer, push_number, push_lstring/push_string/push_fstring,
// push_cclosure, push_light_userdata, push_thread.
package lua

import (
	"fmt"

	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/value"
)

// PushNil pushes Nil.
func (s *State) PushNil() { s.Push(value.Nil) }

// PushBool pushes a Bool.
func (s *State) PushBool(b bool) { s.Push(value.Bool(b)) }

// PushInteger pushes an Integer.
func (s *State) PushInteger(i int64) { s.Push(value.Int(i)) }

// PushNumber pushes a Float.
func (s *State) PushNumber(f float64) { s.Push(value.Flt(f)) }

// PushString interns or allocates bytes as a String value and pushes it
// (spec §6.1 push_lstring).
func (s *State) PushString(str string) { s.Push(s.Heap.NewString([]byte(str))) }

// PushFString formats like fmt.Sprintf and pushes the result as a String
// (spec §6.1 push_fstring).
func (s *State) PushFString(format string, args ...any) {
	s.PushString(fmt.Sprintf(format, args...))
}

// PushLightUserData pushes a LightPointer wrapping addr (spec §6.1
// push_light_userdata): not GC-tracked, no per-value metatable.
func (s *State) PushLightUserData(addr uint64) { s.Push(value.LightPointer(addr)) }

// PushThread pushes this State's own thread value onto its stack, and
// reports whether it is the main thread (spec §6.1 push_thread contract).
func (s *State) PushThread() bool {
	th := s.heapThread()
	s.Push(th)
	return s.th == s.Main
}

func (s *State) heapThread() value.Value {
	v, _ := s.registry.Get(value.Int(registryMain))
	if s.th == s.Main {
		return v
	}
	if ref, ok := s.Heap.ThreadRef(s.th); ok {
		return value.FromRef(value.KindThread, ref)
	}
	return value.Nil
}

// PushCClosure wraps fn as a callable host closure capturing the top n
// values on the stack as its upvalues (spec §6.1 push_cclosure), popping
// them and pushing the new closure.
func (s *State) PushCClosure(name string, fn CFunction, n int) {
	ci := s.th.Current()
	ups := make([]*proto.Upvalue, n)
	for i := 0; i < n; i++ {
		ups[i] = proto.NewClosed(s.th.Stack[ci.Top-n+i])
	}
	ci.Top -= n
	cl := s.wrapCFunction(name, fn, ups)
	s.Push(s.Heap.NewScriptClosure(cl))
}

// PushGoFunction wraps fn as a callable host closure with no upvalues; a
// convenience over PushCClosure(name, fn, 0) for the common case (spec
// §6.1 push_cclosure with nup==0).
func (s *State) PushGoFunction(name string, fn CFunction) { s.PushCClosure(name, fn, 0) }

// PushGlobalsTable pushes the globals table (registry slot 2, spec §6.5).
func (s *State) PushGlobalsTable() {
	v, _ := s.registry.Get(value.Int(registryGlobals))
	s.Push(v)
}

// Register installs fn as a global function named name — the stack-API
// equivalent of the reference embedding API's lua_register convenience
// (push_cclosure followed by set_field on the globals table), for host code
// (e.g. cmd/luai's minimal stdlib) that wants a one-call way to expose a Go
// function to script code without manually juggling the globals table.
func (s *State) Register(name string, fn CFunction) {
	s.PushGlobalsTable()
	s.PushGoFunction(name, fn)
	s.SetField(-2, name)
	s.Pop(1)
}

// wrapCFunction adapts a stack-based CFunction into a proto.HostFunc: it
// pushes a synthetic CallInfo above the caller's frame so fn's stack
// indices are relative to its own window (spec §6.1's C-function calling
// convention), runs fn with ups bound as its upvalue set, and collects
// whatever fn left on top of that window as the call's results.
func (s *State) wrapCFunction(name string, fn CFunction, ups []*proto.Upvalue) *proto.Closure {
	g := s.Global
	host := func(args []value.Value) ([]value.Value, error) {
		th := s.th
		base := th.Current().Top
		ci, err := th.PushCall(nil, base, len(args), -1)
		if err != nil {
			return nil, err
		}
		for i, a := range args {
			th.Stack[ci.Base+i] = a
		}
		ci.Top = ci.Base + len(args)

		inner := &State{Global: g, th: th, upvalues: ups}
		n := fn(inner)
		if n < 0 {
			n = 0
		}
		top := th.Current().Top
		if n > top-ci.Base {
			n = top - ci.Base
		}
		results := make([]value.Value, n)
		copy(results, th.Stack[top-n:top])
		th.PopCall()
		return results, nil
	}
	return proto.NewHost(name, host, ups)
}
