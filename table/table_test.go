// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package table

import (
	"testing"

	gofuzz "github.com/google/gofuzz"

	"github.com/probechain/luacore/value"
)

func TestArrayPartGetSet(t *testing.T) {
	tb := New(0, 0)
	for i := int64(1); i <= 8; i++ {
		if err := tb.Set(value.Int(i), value.Int(i*10)); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if tb.ArraySize() < 8 {
		t.Fatalf("expected array part to absorb 1..8, got size %d", tb.ArraySize())
	}
	for i := int64(1); i <= 8; i++ {
		v, ok := tb.Get(value.Int(i))
		if !ok || v.AsInt() != i*10 {
			t.Fatalf("Get(%d) = %v, %v", i, v, ok)
		}
	}
}

func TestHashPartAndMixedKeys(t *testing.T) {
	tb := New(0, 0)
	tb.Set(value.Int(1), value.Int(100))
	s := value.FromRef(value.KindString, value.Ref{Index: 1, Gen: 1})
	tb.Set(s, value.Int(200))
	v, ok := tb.Get(s)
	if !ok || v.AsInt() != 200 {
		t.Fatalf("expected hash key to round-trip, got %v ok=%v", v, ok)
	}
	v2, ok := tb.Get(value.Int(1))
	if !ok || v2.AsInt() != 100 {
		t.Fatal("array-part key must still be reachable alongside hash keys")
	}
}

func TestSetNilDeletesKey(t *testing.T) {
	tb := New(0, 0)
	k := value.FromRef(value.KindString, value.Ref{Index: 2, Gen: 1})
	tb.Set(k, value.Int(1))
	tb.Set(k, value.Nil)
	if _, ok := tb.Get(k); ok {
		t.Fatal("setting nil must delete the key")
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	tb := New(0, 0)
	if err := tb.Set(value.Nil, value.Int(1)); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey for nil key, got %v", err)
	}
	nan := value.Flt(nanValue())
	if err := tb.Set(nan, value.Int(1)); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey for NaN key, got %v", err)
	}
}

func nanValue() float64 {
	var z float64
	return z / z
}

func TestLenFindsABoundary(t *testing.T) {
	tb := New(0, 0)
	for i := int64(1); i <= 5; i++ {
		tb.Set(value.Int(i), value.Bool(true))
	}
	n := tb.Len()
	if _, ok := tb.Get(value.Int(n)); n != 0 && !ok {
		t.Fatalf("Len() = %d is not a live slot", n)
	}
	if ok2, _ := tb.Get(value.Int(n + 1)); ok2.Kind() != value.KindNil {
		t.Fatalf("slot after Len() = %d must be empty", n)
	}
}

func TestNextVisitsEveryLiveKeyExactlyOnce(t *testing.T) {
	tb := New(0, 0)
	want := map[int64]bool{}
	for i := int64(1); i <= 4; i++ {
		tb.Set(value.Int(i), value.Bool(true))
		want[i] = true
	}
	for i := int64(100); i < 104; i++ {
		tb.Set(value.Int(i), value.Bool(true))
		want[i] = true
	}
	seen := map[int64]bool{}
	k := value.Nil
	for {
		nk, _, ok, err := tb.Next(k)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if nk.Kind() != value.KindInteger {
			t.Fatalf("unexpected key kind %v", nk.Kind())
		}
		seen[nk.AsInt()] = true
		k = nk
	}
	if len(seen) != len(want) {
		t.Fatalf("visited %d keys, want %d", len(seen), len(want))
	}
	for i := range want {
		if !seen[i] {
			t.Fatalf("missing key %d from iteration", i)
		}
	}
}

func TestFastFlagCache(t *testing.T) {
	tb := New(0, 0)
	if tb.FastAbsent(FlagIndex) {
		t.Fatal("fresh table must not report a flag as absent")
	}
	tb.MarkFastAbsent(FlagIndex)
	if !tb.FastAbsent(FlagIndex) {
		t.Fatal("MarkFastAbsent must be observable via FastAbsent")
	}
	tb.SetMetatable(New(0, 0))
	if tb.FastAbsent(FlagIndex) {
		t.Fatal("SetMetatable must clear the fast-path cache")
	}
}

// TestFuzzGetSet is referenced by a comment in the value package's tests; it checks
// that arbitrary integer/bool key-value pairs always round-trip regardless
// of insertion order, matching property 8 (hybrid table invariants).
func TestFuzzGetSet(t *testing.T) {
	f := gofuzz.New().NilChance(0)
	tb := New(0, 0)
	model := map[int64]int64{}
	for i := 0; i < 500; i++ {
		var k, v int64
		f.Fuzz(&k)
		f.Fuzz(&v)
		k = k%1000 + 1 // keep keys positive and small to exercise both parts
		if k <= 0 {
			k = 1
		}
		if err := tb.Set(value.Int(k), value.Int(v)); err != nil {
			t.Fatalf("Set(%d,%d): %v", k, v, err)
		}
		model[k] = v
	}
	for k, v := range model {
		got, ok := tb.Get(value.Int(k))
		if !ok || got.AsInt() != v {
			t.Fatalf("Get(%d) = %v, %v; want %d", k, got, ok, v)
		}
	}
}
