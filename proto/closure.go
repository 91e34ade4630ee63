// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package proto

import "github.com/probechain/luacore/value"

// HostFunc is the signature of a function implemented in Go and exposed to
// scripts as a callable value (spec §6.2). args is the argument list;
// results is returned to the caller's register window. An error aborts the
// call and is propagated the same way a script-level error() would be
// (spec §4.7).
type HostFunc func(args []value.Value) (results []value.Value, err error)

// Closure is either a script closure (a Proto plus its captured upvalues)
// or a host closure (a Go function plus its captured upvalues). Every
// callable Value in the runtime resolves to one of these (spec §3.4).
type Closure struct {
	Proto    *Proto     // nil for a host closure
	Upvalues []*Upvalue // length == len(Proto.Upvalues) for a script closure

	Host     HostFunc // non-nil for a host closure
	HostName string   // for error messages and debug info
}

// NewScript builds a closure over proto with the given upvalue cells,
// which the caller (the vm package's OpClosure handler) has already
// resolved from either the enclosing frame's registers or its own
// upvalues, per proto.Upvalues' descriptors.
func NewScript(p *Proto, upvalues []*Upvalue) *Closure {
	return &Closure{Proto: p, Upvalues: upvalues}
}

// NewHost wraps a Go function as a callable closure, optionally capturing
// upvalues of its own (used by the lua package to implement closures over
// host state, e.g. a configured logger).
func NewHost(name string, fn HostFunc, upvalues []*Upvalue) *Closure {
	return &Closure{Host: fn, HostName: name, Upvalues: upvalues}
}

// IsHost reports whether the closure wraps a Go function rather than a
// script Proto.
func (c *Closure) IsHost() bool { return c.Host != nil }

// Name returns a descriptive name for error messages: the host name, or
// the script's source name (the line it was defined on is not included).
func (c *Closure) Name() string {
	if c.IsHost() {
		if c.HostName != "" {
			return c.HostName
		}
		return "?"
	}
	if c.Proto != nil {
		return c.Proto.Source
	}
	return "?"
}
