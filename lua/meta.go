// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Metatables and userdata group of the host API (spec §6.1):
// get_metatable, set_metatable, new_userdata, get_iuservalue,
// set_iuservalue.
package lua

import (
	"github.com/probechain/luacore/gc"
	"github.com/probechain/luacore/table"
	"github.com/probechain/luacore/value"
)

// UserData is the host-facing view of a gc.UserData object, returned by
// ToUserdata and NewUserData (spec §6.1 new_userdata/to_userdata).
type UserData struct {
	obj *gc.UserData
}

// Bytes returns the userdata's host-owned byte payload.
func (u *UserData) Bytes() []byte { return u.obj.Data }

// GetMetatable pushes the metatable governing the value at index i and
// returns true, or pushes nothing and returns false if it has none (spec
// §6.1 get_metatable).
func (s *State) GetMetatable(i int) bool {
	mt := s.VM.Metatable(s.at(i))
	if mt == nil {
		return false
	}
	v := s.wrapTable(mt)
	s.Push(v)
	return true
}

// wrapTable resolves a live *table.Table back to a value.Value via the
// heap's reverse index. Every metatable reachable here is already
// heap-resident (SetMetatable only ever installs a table that was pushed
// through this State), so the lookup always succeeds.
func (s *State) wrapTable(t *table.Table) value.Value {
	if ref, ok := s.Heap.TableRef(t); ok {
		return value.FromRef(value.KindTable, ref)
	}
	return value.Nil
}

// SetMetatable pops the table (or Nil) at the top of the stack and
// installs it as the metatable of the value at index i (spec §6.1
// set_metatable). Only tables and userdata may carry a metatable in this
// runtime (spec §3.1); setting one on any other kind is a no-op, matching
// the reference API's "ignored for other types" leniency for metatables
// set via the stack API (per-type metatables are installed separately,
// see SetTypeMetatable).
func (s *State) SetMetatable(i int) error {
	ci := s.th.Current()
	mtVal := s.th.Stack[ci.Top-1]
	ci.Top--

	target := s.at(i)
	var mt *table.Table
	if !mtVal.IsNil() {
		mt = s.Heap.Table(mtVal)
		if mt == nil {
			return s.errorf("bad argument: table expected for metatable")
		}
	}

	switch target.Kind() {
	case value.KindTable:
		t := s.Heap.Table(target)
		t.SetMetatable(mt)
		s.syncMetaFlags(target, mt)
		if mt != nil {
			s.Heap.BarrierBack(target.AsRef())
		}
	case value.KindUserData:
		u := s.Heap.UserData(target)
		if u != nil {
			u.Metatable = mt
			s.syncMetaFlags(target, mt)
		}
	}
	return nil
}

// syncMetaFlags refreshes the gc.Heap's cached __gc/__mode bookkeeping for
// ref after its metatable changed, per spec §4.4 ("any mutation of the
// metatable invalidates this cache").
func (s *State) syncMetaFlags(ref value.Value, mt *table.Table) {
	r := ref.AsRef()
	if mt == nil {
		s.Heap.MarkHasGC(r, false)
		s.Heap.SetWeakMode(r, false, false)
		return
	}
	gcFn, _ := mt.Get(s.Heap.NewString([]byte("__gc")))
	s.Heap.MarkHasGC(r, !gcFn.IsNil())

	modeV, _ := mt.Get(s.Heap.NewString([]byte("__mode")))
	weakK, weakV := false, false
	if modeV.Kind() == value.KindString {
		if str := s.Heap.String(modeV); str != nil {
			for _, c := range str.Bytes {
				if c == 'k' {
					weakK = true
				}
				if c == 'v' {
					weakV = true
				}
			}
		}
	}
	s.Heap.SetWeakMode(r, weakK, weakV)
}

// NewUserData allocates nbytes of host-owned storage plus nuv associated
// user values and pushes it (spec §6.1 new_userdata).
func (s *State) NewUserData(nbytes, nuv int) *UserData {
	v := s.Heap.NewUserData(nbytes, nuv)
	s.Push(v)
	return &UserData{obj: s.Heap.UserData(v)}
}

// GetIUserValue pushes the n-th (1-based) user value associated with the
// userdata at index i (spec §6.1 get_iuservalue).
func (s *State) GetIUserValue(i, n int) bool {
	u := s.Heap.UserData(s.at(i))
	if u == nil || n < 1 || n > len(u.UserValues) {
		s.PushNil()
		return false
	}
	s.Push(u.UserValues[n-1])
	return true
}

// SetIUserValue pops a value and stores it as the n-th user value of the
// userdata at index i (spec §6.1 set_iuservalue).
func (s *State) SetIUserValue(i, n int) bool {
	u := s.Heap.UserData(s.at(i))
	ci := s.th.Current()
	v := s.th.Stack[ci.Top-1]
	ci.Top--
	if u == nil || n < 1 || n > len(u.UserValues) {
		return false
	}
	u.UserValues[n-1] = v
	return true
}
