// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Exported wrappers over the interpreter's internal indexing/arithmetic/
// comparison helpers, for the lua package's host embedding API (spec §6.1
// get_table/set_table/arith/compare/concat/len) to drive the exact same
// metamethod-dispatch logic the bytecode instructions use, rather than
// duplicating it.
package vm

import (
	"github.com/probechain/luacore/table"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
)

// Index implements spec §6.1 get_table: t[k], following __index.
func (vm *VM) Index(th *thread.Thread, t, k value.Value) (value.Value, error) {
	return vm.index(th, t, k)
}

// NewIndex implements spec §6.1 set_table: t[k] = v, following __newindex.
func (vm *VM) NewIndex(th *thread.Thread, t, k, v value.Value) error {
	return vm.newindex(th, t, k, v)
}

// Arith implements spec §6.1 arith(op): dispatches op (one of
// OpAdd..OpShr) over a and b (b is ignored for the unary operators),
// following the Integer/Float split and metamethod fallback of spec §4.5.
func (vm *VM) Arith(th *thread.Thread, op Opcode, a, b value.Value) (value.Value, error) {
	switch op {
	case OpUnm:
		return vm.arithUnm(th, a)
	case OpBNot:
		return vm.bitwiseNot(th, a)
	case OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
		return vm.bitwise(th, op, a, b)
	default:
		return vm.arith(th, op, a, b)
	}
}

// CompareOp selects which relational operator Compare evaluates.
type CompareOp int

const (
	CompareEQ CompareOp = iota
	CompareLT
	CompareLE
)

// Compare implements spec §6.1 compare(i, j, op): raw+__eq equality for
// CompareEQ, __lt/__le (with the documented not(b<a) fallback for missing
// __le) for CompareLT/CompareLE.
func (vm *VM) Compare(th *thread.Thread, a, b value.Value, op CompareOp) (bool, error) {
	switch op {
	case CompareEQ:
		return vm.equals(th, a, b)
	case CompareLT:
		return vm.less(th, a, b, false)
	default:
		return vm.less(th, a, b, true)
	}
}

// Concat implements spec §6.1 concat(n): right-associative concatenation
// of vals (top of stack last), string/number operands joined directly,
// else __concat (spec §4.5).
func (vm *VM) Concat(th *thread.Thread, vals []value.Value) (value.Value, error) {
	if len(vals) == 0 {
		return vm.Heap.NewString(nil), nil
	}
	acc := vals[len(vals)-1]
	for i := len(vals) - 2; i >= 0; i-- {
		v, err := vm.concat2(th, vals[i], acc)
		if err != nil {
			return value.Nil, err
		}
		acc = v
	}
	return acc, nil
}

// Len implements spec §6.1 len(i): `#v`, following __len.
func (vm *VM) Len(th *thread.Thread, v value.Value) (value.Value, error) {
	return vm.length(th, v)
}

// Equals exposes valuesEqual (content-aware string equality) for callers
// outside the package that need raw (non-metamethod) equality, e.g. the
// lua package's table/userdata identity checks.
func (vm *VM) Equals(a, b value.Value) bool { return vm.valuesEqual(a, b) }

// Metatable exposes getMetatable for the lua package's get_metatable host
// API (spec §6.1): the metatable governing v, or nil if it has none.
func (vm *VM) Metatable(v value.Value) *table.Table { return vm.getMetatable(v) }

// RunClose exposes runClose for callers outside the package that force a
// to-be-closed list shut early, e.g. the lua package's close_thread (spec
// §6.1, §4.8).
func (vm *VM) RunClose(th *thread.Thread, vals []value.Value, cause error) error {
	return vm.runClose(th, vals, cause)
}
