// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package table implements the hybrid array+hash table engine from spec
// §3.3/§4.2: a contiguous array part for keys 1..asize, an open-addressed
// hash part with in-node chaining for everything else, a metatable, and a
// six-bit "fast path absent" cache over the common metamethods.
//
// The access-bounds discipline here (every read/write is checked against
// the live extent of the array part before touching raw slices) is carried
// over from the teacher's linear-memory allocator in lang/vm/memory.go: the
// array part here *is* a flat slice with exactly the same "every access is
// bounds-checked, nothing reads or writes past what's live" posture that
// allocator applies to its byte store.
package table

import (
	"errors"

	"github.com/probechain/luacore/value"
)

// ErrInvalidKey is returned by Set when the key is Nil or NaN (spec §3.3:
// "NaN and Nil are never valid keys").
var ErrInvalidKey = errors.New("table: nil or NaN is not a valid key")

// FastFlag identifies one of the six metamethods cacheable in Table.flags.
type FastFlag uint8

const (
	FlagIndex FastFlag = 1 << iota
	FlagNewIndex
	FlagGC
	FlagMode
	FlagLen
	FlagEq
)

// node is one hash-part slot: a (key, value, next) triple, where next
// chains within the same backing array (spec §3.3).
type node struct {
	key  value.Value
	val  value.Value
	used bool
	next int // index of next node in chain, or -1
}

// Table is the hybrid array+hash container from spec §3.3.
type Table struct {
	array []arraySlot // slots for integer keys 1..len(array)
	nodes []node      // hash part

	flags FastFlag // bitmask: bit set means "this metamethod is known absent"

	Metatable *Table // optional; invalidates flags on any mutation
}

type arraySlot struct {
	v     value.Value
	empty bool
}

// New creates an empty table with the given size hints (narr array slots,
// nrec hash slots preallocated), matching the host API's new_table(narr,
// nrec) (spec §6.1).
func New(narr, nrec int) *Table {
	t := &Table{}
	if narr > 0 {
		t.array = make([]arraySlot, narr)
		for i := range t.array {
			t.array[i].empty = true
		}
	}
	t.nodes = newNodeArray(nrec)
	return t
}

func newNodeArray(n int) []node {
	size := 1
	for size < n+1 {
		size *= 2
	}
	nodes := make([]node, size)
	for i := range nodes {
		nodes[i].next = -1
	}
	return nodes
}

// mainPosition returns the hash-part slot a normalized key hashes to.
func (t *Table) mainPosition(k value.Value) int {
	if len(t.nodes) == 0 {
		return 0
	}
	h := hashValue(k)
	return int(h & uint64(len(t.nodes)-1))
}

func hashValue(k value.Value) uint64 {
	switch k.Kind() {
	case value.KindInteger:
		u := uint64(k.AsInt())
		u ^= u >> 33
		u *= 0xff51afd7ed558ccd
		u ^= u >> 33
		return u
	case value.KindFloat:
		bits := uint64(int64(k.AsFloat() * 1e9)) // coarse but stable mixing step
		bits ^= bits >> 29
		bits *= 0xbf58476d1ce4e5b9
		return bits
	case value.KindBool:
		if k.AsBool() {
			return 1
		}
		return 0
	case value.KindString, value.KindTable, value.KindClosure, value.KindThread, value.KindUserData:
		r := k.AsRef()
		return uint64(r.Index)*2654435761 + uint64(r.Gen)
	case value.KindLightPointer:
		return k.AsLightPointer()
	case value.KindHostFn:
		return k.AsHostFn()
	default:
		return 0
	}
}

// Get implements spec §4.2 get(t, k): normalize k, probe the array part for
// small positive integers, else walk the hash chain from k's main position.
// Returns (value.Nil, false) for an absent key.
func (t *Table) Get(k value.Value) (value.Value, bool) {
	nk, ok := value.NormalizeKey(k)
	if !ok {
		return value.Nil, false
	}
	if nk.Kind() == value.KindInteger {
		i := nk.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			slot := t.array[i-1]
			if slot.empty {
				return value.Nil, false
			}
			return slot.v, true
		}
	}
	return t.hashGet(nk)
}

func (t *Table) hashGet(k value.Value) (value.Value, bool) {
	if len(t.nodes) == 0 {
		return value.Nil, false
	}
	idx := t.mainPosition(k)
	for idx != -1 {
		n := &t.nodes[idx]
		if n.used && value.RawEqual(n.key, k) {
			return n.val, true
		}
		if !n.used {
			return value.Nil, false
		}
		idx = n.next
	}
	return value.Nil, false
}

// Set implements spec §4.2 set(t, k, v): normalize k, overwrite an existing
// slot, otherwise place the new key at its main position (relocating a
// colliding occupant to a free node first, per the standard open-addressing
// invariant), rehashing if no free node is available.
func (t *Table) Set(k, v value.Value) error {
	nk, ok := value.NormalizeKey(k)
	if !ok {
		return ErrInvalidKey
	}
	if nk.Kind() == value.KindInteger {
		i := nk.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			t.array[i-1] = arraySlot{v: v, empty: v.IsNil()}
			return nil
		}
		if int(i) == len(t.array)+1 && !v.IsNil() {
			t.hashDelete(nk) // drop any older copy the hash part holds
			t.array = append(t.array, arraySlot{v: v})
			t.absorbFromHash()
			return nil
		}
	}
	t.hashSet(nk, v)
	return nil
}

// absorbFromHash pulls any integer keys immediately following the array
// part out of the hash part, extending the array — this keeps "array part
// covers every live integer key up to asize" true after an append grows it.
func (t *Table) absorbFromHash() {
	for {
		nextKey := value.Int(int64(len(t.array) + 1))
		v, ok := t.hashGet(nextKey)
		if !ok {
			return
		}
		t.hashDelete(nextKey)
		t.array = append(t.array, arraySlot{v: v})
	}
}

func (t *Table) hashDelete(k value.Value) {
	if len(t.nodes) == 0 {
		return
	}
	idx := t.mainPosition(k)
	prev := -1
	for idx != -1 {
		n := &t.nodes[idx]
		if n.used && value.RawEqual(n.key, k) {
			if prev == -1 {
				// The chain head lives at the main position: move its
				// successor up so the rest of the chain stays reachable.
				if nx := n.next; nx != -1 {
					*n = t.nodes[nx]
					t.nodes[nx] = node{next: -1}
				} else {
					n.used = false
				}
			} else {
				t.nodes[prev].next = n.next
				n.used = false
				n.next = -1
			}
			return
		}
		prev = idx
		idx = n.next
	}
}

func (t *Table) hashSet(k, v value.Value) {
	if v.IsNil() {
		t.hashDelete(k)
		return
	}
	if len(t.nodes) == 0 {
		t.nodes = newNodeArray(1)
	}
	mp := t.mainPosition(k)

	// Overwrite if the key is already present anywhere in its chain.
	for idx := mp; idx != -1; {
		n := &t.nodes[idx]
		if n.used && value.RawEqual(n.key, k) {
			n.val = v
			return
		}
		if !n.used {
			break
		}
		idx = n.next
	}

	main := &t.nodes[mp]
	if !main.used {
		main.key, main.val, main.used, main.next = k, v, true, -1
		return
	}

	occupantMain := t.mainPosition(main.key)
	if occupantMain == mp {
		// The occupant already belongs here; chain the new key off a free node.
		free := t.findFreeNode()
		if free == -1 {
			t.rehash(1)
			t.Set(k, v) // k may now fall inside the resized array part
			return
		}
		t.nodes[free] = node{key: k, val: v, used: true, next: main.next}
		main.next = free
		return
	}

	// main is occupied by a key whose own main position is elsewhere: evict
	// that occupant to a free node and reinsert k at its rightful position.
	free := t.findFreeNode()
	if free == -1 {
		t.rehash(1)
		t.Set(k, v) // k may now fall inside the resized array part
		return
	}
	prevIdx := occupantMain
	for t.nodes[prevIdx].next != mp && t.nodes[prevIdx].next != -1 {
		prevIdx = t.nodes[prevIdx].next
	}
	moved := *main
	t.nodes[free] = moved
	if t.nodes[prevIdx].next == mp {
		t.nodes[prevIdx].next = free
	}
	main.key, main.val, main.used, main.next = k, v, true, -1
}

func (t *Table) findFreeNode() int {
	for i := len(t.nodes) - 1; i >= 0; i-- {
		if !t.nodes[i].used {
			return i
		}
	}
	return -1
}

// rehash implements spec §4.2's rehash step: count all live entries, size
// the array part to the largest power of two with at least half its slots
// live, and size the hash part to a power of two fitting the rest.
func (t *Table) rehash(extra int) {
	type kv = struct {
		k, v value.Value
	}
	var all []kv
	for i, s := range t.array {
		if !s.empty {
			all = append(all, kv{value.Int(int64(i + 1)), s.v})
		}
	}
	for _, n := range t.nodes {
		if n.used {
			all = append(all, kv{n.key, n.val})
		}
	}

	newArraySize := computeArraySize(all)
	newArray := make([]arraySlot, newArraySize)
	for i := range newArray {
		newArray[i].empty = true
	}
	var rest []kv
	for _, e := range all {
		if e.k.Kind() == value.KindInteger {
			i := e.k.AsInt()
			if i >= 1 && int(i) <= newArraySize {
				newArray[i-1] = arraySlot{v: e.v}
				continue
			}
		}
		rest = append(rest, e)
	}

	hashSize := len(rest) + extra
	t.array = newArray
	t.nodes = newNodeArray(hashSize)
	for _, e := range rest {
		t.hashSet(e.k, e.v)
	}
}

// computeArraySize picks the largest 2^n such that at least half the slots
// 1..2^n are live integer keys (spec §4.2).
func computeArraySize(all []struct{ k, v value.Value }) int {
	maxKey := 0
	for _, e := range all {
		if e.k.Kind() == value.KindInteger {
			if i := int(e.k.AsInt()); i >= 1 && i > maxKey {
				maxKey = i
			}
		}
	}
	best := 0
	for size := 1; size <= maxKey; size *= 2 {
		live := 0
		for _, e := range all {
			if e.k.Kind() == value.KindInteger {
				if i := int(e.k.AsInt()); i >= 1 && i <= size {
					live++
				}
			}
		}
		if live*2 >= size {
			best = size
		}
	}
	return best
}

// SetMetatable installs mt as the table's metatable and clears the
// fast-path cache (spec §4.2: "cleared whenever the metatable is
// reassigned").
func (t *Table) SetMetatable(mt *Table) {
	t.Metatable = mt
	t.flags = 0
}

// InvalidateFlags clears the fast-path cache; the vm package calls this
// whenever a string key among {__index,__newindex,__gc,__mode,__len,__eq}
// is written on a table currently serving as someone's metatable (spec
// §4.2: "cleared ... whenever any of its string-keyed entries is written").
func (t *Table) InvalidateFlags() { t.flags = 0 }

// FastAbsent reports whether flag is cached as known-absent.
func (t *Table) FastAbsent(flag FastFlag) bool { return t.flags&flag != 0 }

// MarkFastAbsent sets flag as known-absent. Callers (the vm package) call
// this after a full metatable lookup confirms the metamethod is missing.
func (t *Table) MarkFastAbsent(flag FastFlag) { t.flags |= flag }

// Len implements the `#t` length operator (spec §3.3/§4.2): returns any
// boundary n such that slot n is non-empty and slot n+1 is empty, found by
// binary search over the array part with a hash-part fallback.
func (t *Table) Len() int64 {
	n := len(t.array)
	if n == 0 {
		return t.hashBoundaryAbove(0)
	}
	if t.array[n-1].empty {
		lo, hi := 0, n
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			if t.array[mid-1].empty {
				hi = mid
			} else {
				lo = mid
			}
		}
		return int64(lo)
	}
	return t.hashBoundaryAbove(int64(n))
}

func (t *Table) hashBoundaryAbove(start int64) int64 {
	if _, ok := t.Get(value.Int(start + 1)); !ok {
		return start
	}
	i, j := start+1, start+2
	for {
		if _, ok := t.Get(value.Int(j)); !ok {
			break
		}
		i = j
		if j > (1 << 62) {
			for {
				if _, ok := t.Get(value.Int(i + 1)); !ok {
					return i
				}
				i++
			}
		}
		j *= 2
	}
	for j-i > 1 {
		m := (i + j) / 2
		if _, ok := t.Get(value.Int(m)); ok {
			i = m
		} else {
			j = m
		}
	}
	return i
}

// Iter is a stable iteration cursor for Next.
type Iter struct {
	arrayIdx int
	nodeIdx  int
}

// Next implements spec §4.2 next(t, k): stable traversal visiting array
// slots in ascending index order, then hash nodes in bucket order. Passing
// value.Nil starts iteration. Modifying an existing key's value during
// iteration is permitted; inserting new keys is explicitly left undefined
// (spec §9) but must never corrupt memory — this implementation resumes
// from a saved position, so an insertion is at worst skipped or revisited,
// never out-of-bounds.
func (t *Table) Next(k value.Value) (nk, nv value.Value, ok bool, err error) {
	startArray, startNode := 0, 0
	if !k.IsNil() {
		pos, found := t.locate(k)
		if !found {
			return value.Nil, value.Nil, false, errors.New("table: invalid key to next")
		}
		startArray, startNode = pos.arrayIdx, pos.nodeIdx
	}
	for i := startArray; i < len(t.array); i++ {
		if !t.array[i].empty {
			return value.Int(int64(i + 1)), t.array[i].v, true, nil
		}
	}
	for i := startNode; i < len(t.nodes); i++ {
		if t.nodes[i].used {
			return t.nodes[i].key, t.nodes[i].val, true, nil
		}
	}
	return value.Nil, value.Nil, false, nil
}

func (t *Table) locate(k value.Value) (Iter, bool) {
	nk, ok := value.NormalizeKey(k)
	if !ok {
		return Iter{}, false
	}
	if nk.Kind() == value.KindInteger {
		i := nk.AsInt()
		if i >= 1 && int(i) <= len(t.array) {
			return Iter{arrayIdx: int(i), nodeIdx: 0}, true
		}
	}
	for idx := range t.nodes {
		if t.nodes[idx].used && value.RawEqual(t.nodes[idx].key, nk) {
			return Iter{arrayIdx: len(t.array), nodeIdx: idx + 1}, true
		}
	}
	return Iter{}, false
}

// ArraySize and HashSize expose the current part sizes for tests and
// diagnostics.
func (t *Table) ArraySize() int { return len(t.array) }
func (t *Table) HashSize() int  { return len(t.nodes) }

// ForEach walks every live (key, value) pair, array part first in index
// order then hash part in bucket order. Used by the gc package to trace a
// table's references during marking (spec §4.4); fn must not mutate t.
func (t *Table) ForEach(fn func(k, v value.Value)) {
	for i, s := range t.array {
		if !s.empty {
			fn(value.Int(int64(i+1)), s.v)
		}
	}
	for _, n := range t.nodes {
		if n.used {
			fn(n.key, n.val)
		}
	}
}

// DeleteMatching removes every (key, value) pair for which shouldDelete
// reports true, used by the gc package to clear weak-value, ephemeron and
// fully-weak table entries during the atomic phase (spec §4.4 Weak
// tables). Deletion goes through the same hashDelete/array-clear path Set
// uses, so chain integrity is preserved exactly as a script-level
// `t[k] = nil` would.
func (t *Table) DeleteMatching(shouldDelete func(k, v value.Value) bool) {
	var dead []value.Value
	for i, s := range t.array {
		if !s.empty && shouldDelete(value.Int(int64(i+1)), s.v) {
			dead = append(dead, value.Int(int64(i+1)))
		}
	}
	for _, n := range t.nodes {
		if n.used && shouldDelete(n.key, n.val) {
			dead = append(dead, n.key)
		}
	}
	for _, k := range dead {
		_ = t.Set(k, value.Nil)
	}
}
