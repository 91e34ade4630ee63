// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Table group of the host API (spec §6.1): new_table, get_table/set_table
// (metamethod-aware), get_field/set_field, get_i/set_i, the raw_*
// variants, and next.
package lua

import "github.com/probechain/luacore/value"

// NewTable pushes a fresh empty table (spec §6.1 new_table).
func (s *State) NewTable(narr, nrec int) { s.Push(s.Heap.NewTable(narr, nrec)) }

// GetTable replaces the key at the top of the stack with t[key], where t
// is the value at index i, following __index on a miss (spec §6.1
// get_table).
func (s *State) GetTable(i int) error {
	t := s.at(i)
	ci := s.th.Current()
	k := s.th.Stack[ci.Top-1]
	v, err := s.VM.Index(s.th, t, k)
	if err != nil {
		return err
	}
	s.th.Stack[ci.Top-1] = v
	return nil
}

// SetTable pops a value and a key (value on top, key below it) and
// performs t[key] = value on the table at index i, following __newindex
// on a miss (spec §6.1 set_table).
func (s *State) SetTable(i int) error {
	t := s.at(i)
	ci := s.th.Current()
	v := s.th.Stack[ci.Top-1]
	k := s.th.Stack[ci.Top-2]
	ci.Top -= 2
	return s.VM.NewIndex(s.th, t, k, v)
}

// GetField pushes t[k] where t is the value at index i and k is a string
// key, following __index (spec §6.1 get_field).
func (s *State) GetField(i int, k string) error {
	t := s.at(i)
	v, err := s.VM.Index(s.th, t, s.Heap.NewString([]byte(k)))
	if err != nil {
		return err
	}
	s.Push(v)
	return nil
}

// SetField pops a value and performs t[k] = value, following __newindex
// (spec §6.1 set_field).
func (s *State) SetField(i int, k string) error {
	t := s.at(i)
	ci := s.th.Current()
	v := s.th.Stack[ci.Top-1]
	ci.Top--
	return s.VM.NewIndex(s.th, t, s.Heap.NewString([]byte(k)), v)
}

// GetI pushes t[n] (an integer key), following __index.
func (s *State) GetI(i int, n int64) error {
	t := s.at(i)
	v, err := s.VM.Index(s.th, t, value.Int(n))
	if err != nil {
		return err
	}
	s.Push(v)
	return nil
}

// SetI pops a value and performs t[n] = value, following __newindex.
func (s *State) SetI(i int, n int64) error {
	t := s.at(i)
	ci := s.th.Current()
	v := s.th.Stack[ci.Top-1]
	ci.Top--
	return s.VM.NewIndex(s.th, t, value.Int(n), v)
}

// RawGet replaces the key at the top of the stack with t[key], bypassing
// any metamethod (spec §6.1 raw_get).
func (s *State) RawGet(i int) error {
	t := s.Heap.Table(s.at(i))
	if t == nil {
		return s.errorf("attempt to index a non-table value")
	}
	ci := s.th.Current()
	k := s.th.Stack[ci.Top-1]
	v, _ := t.Get(k)
	s.th.Stack[ci.Top-1] = v
	return nil
}

// RawSet pops a value and a key and performs t[key] = value directly on
// the table's storage, bypassing __newindex (spec §6.1 raw_set).
func (s *State) RawSet(i int) error {
	t := s.Heap.Table(s.at(i))
	if t == nil {
		return s.errorf("attempt to index a non-table value")
	}
	ci := s.th.Current()
	v := s.th.Stack[ci.Top-1]
	k := s.th.Stack[ci.Top-2]
	ci.Top -= 2
	if err := t.Set(k, v); err != nil {
		return err
	}
	s.Heap.BarrierBack(s.at(i).AsRef())
	return nil
}

// RawGetI pushes t[n] directly, bypassing __index.
func (s *State) RawGetI(i int, n int64) error {
	t := s.Heap.Table(s.at(i))
	if t == nil {
		return s.errorf("attempt to index a non-table value")
	}
	v, _ := t.Get(value.Int(n))
	s.Push(v)
	return nil
}

// RawSetI pops a value and performs t[n] = value directly, bypassing
// __newindex.
func (s *State) RawSetI(i int, n int64) error {
	t := s.Heap.Table(s.at(i))
	if t == nil {
		return s.errorf("attempt to index a non-table value")
	}
	ci := s.th.Current()
	v := s.th.Stack[ci.Top-1]
	ci.Top--
	if err := t.Set(value.Int(n), v); err != nil {
		return err
	}
	s.Heap.BarrierBack(s.at(i).AsRef())
	return nil
}

// Next implements spec §6.1 next: given a key on top of the stack (replace
// with Nil to start iteration), pops it and pushes the next key then its
// value, reporting false (with nothing pushed) once iteration completes.
func (s *State) Next(i int) (bool, error) {
	t := s.Heap.Table(s.at(i))
	if t == nil {
		return false, s.errorf("attempt to index a non-table value")
	}
	ci := s.th.Current()
	k := s.th.Stack[ci.Top-1]
	ci.Top--
	nk, nv, ok, err := t.Next(k)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.Push(nk)
	s.Push(nv)
	return true, nil
}
