// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package proto holds the compiled, immutable description of a function
// body (spec §3.4 Proto) and the runtime Closure/Upvalue objects built from
// it. A Proto never changes after the (out-of-scope) compiler produces it;
// every Closure sharing a Proto shares its code and constant pool and
// differs only in which upvalue cells it has captured.
package proto

import "github.com/probechain/luacore/value"

// UpvalDesc describes where a closure instantiation should capture one
// upvalue from: either a register of the enclosing function's current
// stack frame (InStack true) or one of the enclosing function's own
// upvalues (InStack false).
type UpvalDesc struct {
	Name    string
	InStack bool
	Index   uint8
}

// LocalVar records a named local's live register range, used by the host
// API's introspection calls and by error messages naming a variable.
type LocalVar struct {
	Name    string
	StartPC int
	EndPC   int
}

// Proto is the compiled form of a function body: its bytecode, constant
// pool, nested function prototypes (for OpClosure), and upvalue/debug
// metadata. Everything here is produced by the (out-of-scope) compiler and
// never mutates once built.
type Proto struct {
	Source   string // chunk name, for error messages
	LineDefined    int
	LastLineDefined int

	NumParams   uint8
	IsVararg    bool
	MaxStack    uint8 // register window size this function needs

	Code      []byte         // 4-byte instructions, per the vm package encoding
	Constants []value.Value  // OpLoadK operand pool
	Protos    []*Proto       // nested function prototypes, indexed by OpClosure
	Upvalues  []UpvalDesc

	Locals []LocalVar  // debug info: source-level local names
	Lines  []int32     // Lines[i] is the source line of instruction i
}

// InstructionCount returns the number of 4-byte instructions in Code.
func (p *Proto) InstructionCount() int { return len(p.Code) / 4 }

// LineAt returns the source line for instruction index pc, or 0 if no
// debug info was compiled in.
func (p *Proto) LineAt(pc int) int32 {
	if pc < 0 || pc >= len(p.Lines) {
		return 0
	}
	return p.Lines[pc]
}
