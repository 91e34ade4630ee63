// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package lua implements the stack-based host embedding API from spec §6:
// a State wraps one global area (string table, GC heap, registered
// metatables) plus a view onto whichever thread is currently "current" for
// this handle, addressed the same way the reference C API addresses a
// lua_State — positive indices from the current call frame's base,
// negative indices counting down from its top, and a fixed pseudo-index
// for the registry.
//
// Every State method corresponds to one operation named in spec §6.1; they
// are split across sibling files (stack.go, convert.go, push.go, table.go,
// meta.go, call.go, load.go, dump.go, coroutine.go, gcapi.go, error.go,
// misc.go, lock.go) the way lauxlib/lua.h groups them, not by Go
// convention.
package lua

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/probechain/luacore/errctl"
	"github.com/probechain/luacore/gc"
	"github.com/probechain/luacore/internal/xlog"
	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/strtab"
	"github.com/probechain/luacore/table"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
	"github.com/probechain/luacore/vm"
)

// Registry slot layout (spec §6.5).
const (
	registryRefPool = 1 // the anchored-reference pool used by Ref/Unref
	registryGlobals = 2 // the globals table
	registryMain    = 3 // the main thread
)

// CFunction is a host function using the stack-based calling convention
// (spec §6.1's push_cclosure): it reads its arguments off L's stack via
// positive indices, pushes its results, and returns how many it pushed.
// This is distinct from proto.HostFunc, which uses a direct Go
// args-in/results-out signature; push_cclosure adapts a CFunction into one.
type CFunction func(L *State) int

// State is one host-facing handle onto a luacore runtime: the shared
// global area (spec §3.5) plus whichever thread.Thread this handle
// currently addresses. Creating a coroutine with NewThread returns a
// different *State sharing the same Global.
type State struct {
	*Global

	th *thread.Thread

	// upvalues are the captured values of the CFunction presently
	// executing on this State, set by the push_cclosure adapter around
	// each invocation so Upvalue/SetUpvalue (pseudo-indices) can reach
	// them (spec §6.1 "per-upvalue pseudo-indices for host closures").
	upvalues []*proto.Upvalue
}

// Global is the "global area" of spec §3.5: everything shared by every
// coroutine of one runtime instance. It is not addressed directly by host
// code; every operation goes through a *State view onto one of its
// threads.
type Global struct {
	Heap    *gc.Heap
	VM      *vm.VM
	Strings *strtab.Table

	Main *thread.Thread

	registryVal value.Value
	registry    *table.Table

	panicFn func(*State, value.Value)
	warnFn  func(string)

	lock Locker

	// protoCache caches previously-loaded chunks by chunk name + content
	// digest (spec §6.2's Load Protocol, a common require-style caching
	// pattern — see DESIGN.md's lua entry), so re-loading identical source
	// text skips decoding it again; Load still drains the reader callback
	// to compute the digest.
	protoCache *lru.Cache

	refFree []int64 // free list for Ref/Unref (luaL_ref-equivalent)

	coros *coroRegistry // live coroutine handles, keyed by their *thread.Thread
}

const defaultProtoCacheSize = 64

// NewState creates a fresh runtime: a string table, a GC heap over it, a
// VM, a main thread, and the registry described in spec §6.5 (slot 1 the
// ref pool marker, slot 2 the globals table, slot 3 the main thread).
func NewState() *State {
	strs := strtab.New(256, 4)
	heap := gc.New(strs)
	m := vm.New(heap)

	main := thread.New(256, 1<<20)
	mainVal := heap.NewThread(main)

	registryVal := heap.NewTable(0, 4)
	registry := heap.Table(registryVal)
	globalsVal := heap.NewTable(0, 16)
	registry.Set(value.Int(registryGlobals), globalsVal)
	registry.Set(value.Int(registryMain), mainVal)
	registry.Set(value.Int(registryRefPool), value.Nil)

	cache, _ := lru.New(defaultProtoCacheSize)

	g := &Global{
		Heap:        heap,
		VM:          m,
		Strings:     strs,
		Main:        main,
		registryVal: registryVal,
		registry:    registry,
		protoCache:  cache,
		lock:        NewMutexLocker(),
		warnFn:      func(msg string) { xlog.Warn(msg) },
	}
	heap.Roots = g.markRoots
	heap.Warn = func(msg string) {
		if g.warnFn != nil {
			g.warnFn(msg)
		}
	}
	heap.CallGC = g.callGC

	return &State{Global: g, th: main}
}

// markRoots implements the GC root set from spec §4.4: the registry table
// (slot 2's globals, slot 3's main thread, and the ref pool all hang off
// it). Every live coroutine thread is reachable transitively too, since
// NewThread pushes it onto whatever stack is live at the time of creation;
// once marked, a thread's own Stack/CallInfo chain and open upvalues are
// walked directly by cycle.go's blacken, via its KindThread case.
func (g *Global) markRoots() []value.Value {
	return []value.Value{g.registryVal}
}

// callGC invokes fn(obj) through the VM's calling convention, for the GC
// package's finalization step (spec §4.4). Supplied as gc.Heap.CallGC to
// avoid gc importing vm.
func (g *Global) callGC(fn, obj value.Value) error {
	_, err := g.VM.Call(g.Main, fn, []value.Value{obj}, 0)
	return err
}

// Globals returns the globals table (registry slot 2).
func (s *State) Globals() *table.Table {
	v, _ := s.registry.Get(value.Int(registryGlobals))
	return s.Heap.Table(v)
}

// Registry returns the registry table itself, for direct manipulation by
// an embedder that needs a private anchor slot (spec §6.5).
func (s *State) Registry() *table.Table { return s.registry }

// Thread returns the thread.Thread this State view currently addresses.
func (s *State) Thread() *thread.Thread { return s.th }

// errorf builds a runtime ScriptError carrying a formatted message string,
// interned through this State's string table (mirrors luaL_error).
func (s *State) errorf(format string, args ...any) error {
	return errctl.Newf(func(msg string) value.Value { return s.Heap.NewString([]byte(msg)) }, format, args...)
}
