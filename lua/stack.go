// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Stack manipulation group of the host API (spec §6.1): gettop, settop,
// push_value, rotate, copy, check_stack, xmove, plus the positive/
// negative/pseudo index resolution every other group builds on.
package lua

import "github.com/probechain/luacore/value"

// RegistryIndex is the pseudo-index addressing the registry table (spec
// §6.1/§6.5), chosen well below any realistic stack depth so it can never
// collide with a real positive or negative index.
const RegistryIndex = -1000000

// upvalueIndex returns the pseudo-index for the n-th upvalue (1-based) of
// the CFunction currently executing on this State (spec §6.1 "per-upvalue
// pseudo-indices for host closures").
func upvalueIndex(n int) int { return RegistryIndex - n }

// isPseudo reports whether i is the registry index or an upvalue index.
func isPseudo(i int) bool { return i <= RegistryIndex }

// abs resolves a 1-based positive index or a negative index counting down
// from the top to an absolute slot within the current frame's window. ok is
// false for an out-of-range index and for a pseudo-index, which at and
// setAt resolve themselves.
func (s *State) abs(i int) (idx int, ok bool) {
	ci := s.th.Current()
	if i > 0 {
		idx = ci.Base + i - 1
		return idx, idx < ci.Top
	}
	if i < 0 && !isPseudo(i) {
		idx = ci.Top + i
		return idx, idx >= ci.Base
	}
	return 0, false
}

// GetTop returns the index of the top element (0 if the stack is empty),
// i.e. the number of values currently on this frame's window.
func (s *State) GetTop() int {
	ci := s.th.Current()
	return ci.Top - ci.Base
}

// SetTop sets the stack top to index n: growing pads with Nil, shrinking
// discards values above n (spec §6.1 settop).
func (s *State) SetTop(n int) {
	ci := s.th.Current()
	newTop := ci.Base + n
	if n < 0 {
		newTop = ci.Top + n + 1
	}
	if newTop > ci.Top {
		if err := s.th.Reserve(newTop); err == nil {
			for i := ci.Top; i < newTop; i++ {
				s.th.Stack[i] = value.Nil
			}
		}
	}
	for i := newTop; i < ci.Top; i++ {
		s.th.Stack[i] = value.Nil
	}
	ci.Top = newTop
}

// Pop discards the top n values, equivalent to SetTop(-n-1).
func (s *State) Pop(n int) { s.SetTop(-n - 1) }

// at returns the value stored at resolved index i, or Nil if i is out of
// range or addresses the empty region above a grown-but-unset top.
func (s *State) at(i int) value.Value {
	if i == RegistryIndex {
		return s.registryVal
	}
	if i < RegistryIndex { // an upvalue pseudo-index
		n := RegistryIndex - i
		if n < 1 || n > len(s.upvalues) {
			return value.Nil
		}
		return s.upvalues[n-1].Get()
	}
	idx, ok := s.abs(i)
	if !ok {
		return value.Nil
	}
	return s.th.Stack[idx]
}

// setAt writes v at resolved index i. An index outside the current frame's
// window, including one at or above the current top, is ignored; the frame
// is not grown.
func (s *State) setAt(i int, v value.Value) {
	if i < RegistryIndex {
		n := RegistryIndex - i
		if n >= 1 && n <= len(s.upvalues) {
			s.upvalues[n-1].Set(v)
		}
		return
	}
	idx, ok := s.abs(i)
	if !ok {
		return
	}
	s.th.Stack[idx] = v
}

// Push appends v to the top of the current frame's window, growing the
// stack as needed.
func (s *State) Push(v value.Value) {
	ci := s.th.Current()
	if err := s.th.Reserve(ci.Top + 1); err != nil {
		panic(s.errorf("stack overflow"))
	}
	s.th.Stack[ci.Top] = v
	ci.Top++
}

// PushValue duplicates the value at index i onto the top of the stack
// (spec §6.1 push_value).
func (s *State) PushValue(i int) { s.Push(s.at(i)) }

// Remove deletes the value at index i, shifting everything above it down
// by one.
func (s *State) Remove(i int) {
	ci := s.th.Current()
	idx, ok := s.abs(i)
	if !ok {
		return
	}
	copy(s.th.Stack[idx:ci.Top-1], s.th.Stack[idx+1:ci.Top])
	ci.Top--
}

// Insert moves the top value down to index i, shifting everything from i
// upward.
func (s *State) Insert(i int) { s.Rotate(i, 1) }

// Rotate rotates the value sequence between index i and the stack top by n
// positions (spec §6.1 rotate): positive n rotates toward the top,
// negative toward the bottom, matching the reference lua_rotate contract.
func (s *State) Rotate(i, n int) {
	ci := s.th.Current()
	idx, ok := s.abs(i)
	if !ok {
		return
	}
	seg := s.th.Stack[idx:ci.Top]
	l := len(seg)
	if l == 0 {
		return
	}
	n = ((n % l) + l) % l
	reverse(seg[:l-n])
	reverse(seg[l-n:])
	reverse(seg)
}

func reverse(s []value.Value) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Copy copies the value at index from into index to, without touching the
// stack top (spec §6.1 copy).
func (s *State) Copy(from, to int) { s.setAt(to, s.at(from)) }

// CheckStack ensures at least n additional slots are available above the
// current top, growing the underlying register stack if needed (spec
// §6.1 check_stack). It reports false instead of raising when growth would
// exceed the thread's configured maximum, matching the reference API's
// "caller decides how to react" contract.
func (s *State) CheckStack(n int) bool {
	ci := s.th.Current()
	return s.th.Reserve(ci.Top+n) == nil
}

// XMove transfers n values from the top of from's stack to the top of to's
// stack (spec §6.1 xmove), used to hand arguments/results across a
// resume/yield boundary between two State views sharing the same Global.
func XMove(from, to *State, n int) {
	fc := from.th.Current()
	vals := make([]value.Value, n)
	copy(vals, from.th.Stack[fc.Top-n:fc.Top])
	fc.Top -= n
	for _, v := range vals {
		to.Push(v)
	}
}
