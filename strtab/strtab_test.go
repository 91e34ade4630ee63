// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package strtab

import "testing"

func TestShortStringsIntern(t *testing.T) {
	tab := New(16, 1)
	a := tab.NewString([]byte("hello"))
	b := tab.NewString([]byte("hello"))
	if a != b {
		t.Fatal("two short strings with identical bytes must be the same object")
	}
	c := tab.NewString([]byte("world"))
	if a == c {
		t.Fatal("different bytes must not intern to the same object")
	}
}

func TestLongStringsNotInterned(t *testing.T) {
	tab := New(16, 1)
	payload := make([]byte, ShortLenMax+1)
	for i := range payload {
		payload[i] = byte(i)
	}
	a := tab.NewString(payload)
	b := tab.NewString(payload)
	if a.Short {
		t.Fatal("expected a long string")
	}
	if a == b {
		t.Fatal("long strings must never be interned for identity")
	}
	if string(a.Bytes) != string(b.Bytes) {
		t.Fatal("long string payload must still compare equal by bytes")
	}
}

func TestLongStringHashLazy(t *testing.T) {
	tab := New(16, 1)
	payload := make([]byte, ShortLenMax+5)
	s := tab.NewString(payload)
	if s.hashSet {
		t.Fatal("long string hash must not be computed until first keying")
	}
	h1 := s.HashOf()
	if !s.hashSet {
		t.Fatal("HashOf must compute and cache the hash")
	}
	if h2 := s.HashOf(); h1 != h2 {
		t.Fatal("HashOf must be stable across calls")
	}
}

func TestRemoveUnlinksDeadShortString(t *testing.T) {
	tab := New(16, 1)
	a := tab.NewString([]byte("dead"))
	if tab.Used() != 1 {
		t.Fatalf("expected 1 interned string, got %d", tab.Used())
	}
	tab.Remove(a)
	if tab.Used() != 0 {
		t.Fatalf("expected 0 interned strings after Remove, got %d", tab.Used())
	}
	b := tab.NewString([]byte("dead"))
	if a == b {
		t.Fatal("after Remove, a new object must be created for the same bytes")
	}
}

func TestInternResizeRehashesAllEntries(t *testing.T) {
	tab := New(2, 1)
	var objs []*StringObj
	for i := 0; i < 50; i++ {
		objs = append(objs, tab.NewString([]byte{byte(i), byte(i >> 8)}))
	}
	tab.InternResize(256)
	if tab.Capacity() != 256 {
		t.Fatalf("expected capacity 256, got %d", tab.Capacity())
	}
	for i, o := range objs {
		got := tab.NewString([]byte{byte(i), byte(i >> 8)})
		if got != o {
			t.Fatalf("entry %d lost identity across resize", i)
		}
	}
}

func TestNewExternalRunsDeallocOnFinalize(t *testing.T) {
	tab := New(16, 1)
	called := false
	payload := []byte("external-payload\x00")
	s := tab.NewExternal(payload, func(udata any, bytes []byte) {
		called = true
	}, nil)
	s.Finalize()
	if !called {
		t.Fatal("expected external deallocator to run on Finalize")
	}
}

func TestReservedWordTag(t *testing.T) {
	tab := New(16, 1)
	s := tab.NewReserved([]byte("function"), 7)
	if !s.IsReserved() || s.ExtraTag() != 7 {
		t.Fatalf("expected reserved tag 7, got reserved=%v tag=%d", s.IsReserved(), s.ExtraTag())
	}
}
