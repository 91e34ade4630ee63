// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package strtab implements the string engine from spec §3.2/§4.1: short
// strings are interned by content (two short strings with identical bytes
// are the same object; equality is then pointer/identity equality), long
// strings are not interned and have their hash computed lazily on first
// keying.
//
// The intern table is a bucket-chained map keyed by hash, the same shape as
// the teacher's allocation registry in lang/vm/memory.go (a map keyed by a
// monotone address with an explicit bounds-checked lookup) — here the "base
// address" is a content hash and the "allocation" is the bucket chain of
// StringObj candidates with that hash.
package strtab

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/crypto/sha3"
)

// ShortLenMax is the default threshold (spec §3.2) below which a string is
// interned; above it, a string is "long".
const ShortLenMax = 40

// ErrInternFailed is returned when the intern table cannot accommodate a new
// short string (mirrors the teacher's ErrOutOfMemory-style sentinel).
var ErrInternFailed = errors.New("strtab: intern failed")

// StringObj is the heap object backing a String value. Short strings are
// deduplicated by the Table below; long strings are allocated fresh by
// every call to NewString for bytes longer than ShortLenMax.
type StringObj struct {
	Bytes    []byte
	Hash     uint64
	Short    bool
	hashSet  bool // long strings compute Hash lazily
	extra    uint8
	external bool
	dealloc  func(udata any, bytes []byte)
	udata    any
}

// Len returns the number of bytes in the string.
func (s *StringObj) Len() int { return len(s.Bytes) }

// IsReserved reports whether this short string is a tagged reserved word
// (spec §3.2: "reserved-word short strings carry a non-zero extra tag").
func (s *StringObj) IsReserved() bool { return s.extra != 0 }

// ExtraTag returns the reserved-word tag, or 0 if this string is not one.
func (s *StringObj) ExtraTag() uint8 { return s.extra }

// HashOf returns the string's hash, computing it lazily for long strings
// that have not yet been used as a table key (spec §3.2).
func (s *StringObj) HashOf() uint64 {
	if s.Short || s.hashSet {
		return s.Hash
	}
	s.Hash = fnvHash(s.Bytes)
	s.hashSet = true
	return s.Hash
}

// Finalize runs the external deallocator, if any, for long strings created
// via NewExternal. It is invoked by the gc package's sweeper.
func (s *StringObj) Finalize() {
	if s.external && s.dealloc != nil {
		s.dealloc(s.udata, s.Bytes)
		s.dealloc = nil
	}
}

// Table is the global short-string intern table plus the long-string dedup
// cache. The zero value is not usable; use New.
type Table struct {
	mu      sync.Mutex
	buckets []*bucketEntry
	used    int

	// dedup is a best-effort content-addressed cache for long string
	// payloads: repeatedly loading the same large chunk of source text (a
	// common embedding pattern) should not retain N copies of identical
	// bytes. It never participates in identity/equality — only backing
	// storage reuse.
	dedup *fastcache.Cache
}

type bucketEntry struct {
	obj  *StringObj
	next *bucketEntry
}

// outOfMemoryObj is the pre-allocated string returned when a fresh
// allocation cannot succeed (spec §4.1).
var outOfMemoryObj = &StringObj{Bytes: []byte("not enough memory"), Short: true, hashSet: true}

// OutOfMemoryString returns the pre-allocated "not enough memory" string
// object used when interning would otherwise fail to allocate.
func OutOfMemoryString() *StringObj { return outOfMemoryObj }

// New creates a string intern table with the given initial bucket count
// (rounded to the next power of two) and a dedup cache of dedupMB megabytes
// for long-string payloads.
func New(initialBuckets int, dedupMB int) *Table {
	if initialBuckets <= 0 {
		initialBuckets = 64
	}
	n := 1
	for n < initialBuckets {
		n <<= 1
	}
	if dedupMB <= 0 {
		dedupMB = 1
	}
	return &Table{
		buckets: make([]*bucketEntry, n),
		dedup:   fastcache.New(dedupMB * 1024 * 1024),
	}
}

// NewString implements spec §4.1 new_string: short strings are interned,
// long strings are allocated fresh with a lazily-computed hash.
func (t *Table) NewString(b []byte) *StringObj {
	if len(b) <= ShortLenMax {
		return t.intern(b, 0)
	}
	return t.newLong(b)
}

// NewReserved interns b as a short string tagged with a non-zero extra
// value identifying which reserved word it is (spec §3.2).
func (t *Table) NewReserved(b []byte, tag uint8) *StringObj {
	if tag == 0 {
		panic("strtab: reserved tag must be non-zero")
	}
	return t.intern(b, tag)
}

// NewExternal implements spec §4.1 new_external: a long string whose bytes
// are not owned by the runtime's allocator; dealloc(udata, bytes) runs at
// finalization (invoked by the gc package, never by strtab itself).
func (t *Table) NewExternal(b []byte, dealloc func(udata any, bytes []byte), udata any) *StringObj {
	return &StringObj{
		Bytes:    b,
		Short:    false,
		external: true,
		dealloc:  dealloc,
		udata:    udata,
	}
}

func (t *Table) newLong(b []byte) *StringObj {
	digest := contentDigest(b)
	cp := make([]byte, len(b))
	copy(cp, b)
	if cached, ok := t.dedup.HasGet(nil, digest[:]); ok && len(cached) == len(b) {
		cp = cached
	} else {
		t.dedup.Set(digest[:], cp)
	}
	return &StringObj{Bytes: cp, Short: false}
}

func (t *Table) intern(b []byte, tag uint8) *StringObj {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := fnvHash(b)
	idx := h & uint64(len(t.buckets)-1)
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.obj.Hash == h && string(e.obj.Bytes) == string(b) {
			return e.obj
		}
	}
	if t.used+1 > len(t.buckets) {
		t.internResizeLocked(len(t.buckets) * 2)
		idx = h & uint64(len(t.buckets)-1)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	obj := &StringObj{Bytes: cp, Hash: h, Short: true, hashSet: true, extra: tag}
	t.buckets[idx] = &bucketEntry{obj: obj, next: t.buckets[idx]}
	t.used++
	return obj
}

// InternResize implements spec §4.1 intern_resize: grow or shrink the
// intern table, rehashing by re-probing every live entry.
func (t *Table) InternResize(newBuckets int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 1
	for n < newBuckets {
		n <<= 1
	}
	t.internResizeLocked(n)
}

func (t *Table) internResizeLocked(n int) {
	if n < 1 {
		n = 1
	}
	next := make([]*bucketEntry, n)
	for _, head := range t.buckets {
		for e := head; e != nil; {
			nx := e.next
			idx := e.obj.Hash & uint64(n-1)
			e.next = next[idx]
			next[idx] = e
			e = nx
		}
	}
	t.buckets = next
}

// Remove implements spec §4.1 remove: called by the sweeper to unlink a
// dead short string from the intern table.
func (t *Table) Remove(obj *StringObj) {
	if !obj.Short {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := obj.Hash & uint64(len(t.buckets)-1)
	var prev *bucketEntry
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.obj == obj {
			if prev == nil {
				t.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			t.used--
			return
		}
		prev = e
	}
}

// Used returns the number of live interned short strings.
func (t *Table) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Capacity returns the current bucket count.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

func contentDigest(b []byte) [32]byte {
	return sha3.Sum256(b)
}

// fnvHash is the string hash function: a 64-bit FNV-1a variant. The
// exact algorithm is left open by spec §4.1; FNV-1a is used for its
// simplicity. It places short strings in the intern table and is the hash
// HashOf computes lazily for long strings; it is never serialized, so the
// choice is not a compatibility concern.
func fnvHash(b []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// Sha256Digest is a third, independent digest from fnvHash (the lazy
// long-string hash) and contentDigest (the sha3 fastcache dedup key): it
// exists for callers outside this package that want to key their own cache
// on "same bytes" without pulling in sha3 themselves (e.g. the lua package's
// compiled-chunk Proto cache keys on it). It is not consulted anywhere in
// this package's own dedup path.
func Sha256Digest(b []byte) [32]byte { return sha256.Sum256(b) }
