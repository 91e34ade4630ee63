// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Arithmetic/comparison/concatenation group of the host API (spec §6.1
// arith, compare, concat, len): thin stack-based wrappers over vm/api.go's
// exported metamethod-dispatch helpers, so host code gets the exact same
// semantics the bytecode instructions use without duplicating them.
package lua

import (
	"github.com/probechain/luacore/value"
	"github.com/probechain/luacore/vm"
)

// Arith replaces the top one (unary) or two (binary) stack values with the
// result of applying op, following the metamethod fallback the matching
// bytecode instruction uses (spec §6.1 arith). op is one of vm.OpAdd
// through vm.OpBNot.
func (s *State) Arith(op vm.Opcode) error {
	ci := s.th.Current()
	var a, b value.Value
	unary := op == vm.OpUnm || op == vm.OpBNot
	if unary {
		a = s.th.Stack[ci.Top-1]
	} else {
		a = s.th.Stack[ci.Top-2]
		b = s.th.Stack[ci.Top-1]
	}

	result, err := s.VM.Arith(s.th, op, a, b)
	if err != nil {
		return err
	}
	if unary {
		s.th.Stack[ci.Top-1] = result
	} else {
		s.th.Stack[ci.Top-2] = result
		ci.Top--
	}
	return nil
}

// Compare reports whether the values at indices i and j satisfy op
// (spec §6.1 compare), following __eq/__lt/__le as the corresponding
// bytecode instruction would.
func (s *State) Compare(i, j int, op vm.CompareOp) (bool, error) {
	return s.VM.Compare(s.th, s.at(i), s.at(j), op)
}

// Concat replaces the top n values with their concatenation, in the stack
// order they appear (bottom to top), following __concat on any non-
// string/number operand pair (spec §6.1 concat).
func (s *State) Concat(n int) error {
	if n == 0 {
		s.Push(s.Heap.NewString(nil))
		return nil
	}
	ci := s.th.Current()
	vals := append([]value.Value(nil), s.th.Stack[ci.Top-n:ci.Top]...)
	result, err := s.VM.Concat(s.th, vals)
	if err != nil {
		return err
	}
	ci.Top -= n
	s.Push(result)
	return nil
}

// Len pushes the length of the value at index i, following __len (spec
// §6.1 len).
func (s *State) Len(i int) error {
	v, err := s.VM.Len(s.th, s.at(i))
	if err != nil {
		return err
	}
	s.Push(v)
	return nil
}

// RawEqual reports whether the values at indices i and j are equal without
// consulting __eq (spec §6.1 raw_equal).
func (s *State) RawEqual(i, j int) bool {
	a, b := s.at(i), s.at(j)
	if nk, ok := value.NormalizeKey(a); ok {
		a = nk
	}
	if nk, ok := value.NormalizeKey(b); ok {
		b = nk
	}
	return value.RawEqual(a, b) || s.VM.Equals(a, b)
}
