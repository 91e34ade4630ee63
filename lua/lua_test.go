// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

package lua

import (
	"testing"

	"github.com/probechain/luacore/value"
)

func TestStackPushPopGetTop(t *testing.T) {
	s := NewState()
	s.PushInteger(1)
	s.PushInteger(2)
	s.PushInteger(3)
	if got := s.GetTop(); got != 3 {
		t.Fatalf("GetTop() = %d, want 3", got)
	}
	s.Pop(1)
	if got := s.GetTop(); got != 2 {
		t.Fatalf("GetTop() after Pop(1) = %d, want 2", got)
	}
	if v, ok := s.ToInteger(-1); !ok || v != 2 {
		t.Fatalf("ToInteger(-1) = (%d, %v), want (2, true)", v, ok)
	}
}

func TestRotateAndInsert(t *testing.T) {
	s := NewState()
	s.PushInteger(1)
	s.PushInteger(2)
	s.PushInteger(3)
	s.Rotate(-3, 1) // [1,2,3] -> [3,1,2]
	got := []int64{}
	for i := 1; i <= s.GetTop(); i++ {
		v, _ := s.ToInteger(i)
		got = append(got, v)
	}
	want := []int64{3, 1, 2}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("after Rotate, stack = %v, want %v", got, want)
		}
	}
}

func TestGlobalsSetAndGetField(t *testing.T) {
	s := NewState()
	s.PushGlobalsTable()
	s.PushInteger(42)
	if err := s.SetField(-2, "answer"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	s.Pop(1) // discard the globals table pushed above

	s.PushGlobalsTable()
	if err := s.GetField(-1, "answer"); err != nil {
		t.Fatalf("GetField: %v", err)
	}
	v, ok := s.ToInteger(-1)
	if !ok || v != 42 {
		t.Fatalf("globals.answer = (%d, %v), want (42, true)", v, ok)
	}
}

func TestRegisterAndCallHostFunction(t *testing.T) {
	s := NewState()
	s.Register("add", func(L *State) int {
		a, _ := L.ToInteger(1)
		b, _ := L.ToInteger(2)
		L.PushInteger(a + b)
		return 1
	})

	s.PushGlobalsTable()
	if err := s.GetField(-1, "add"); err != nil {
		t.Fatalf("GetField: %v", err)
	}
	s.Remove(-2) // drop the globals table, leaving just the function
	s.PushInteger(3)
	s.PushInteger(4)
	if err := s.Call(2, 1); err != nil {
		t.Fatalf("Call: %v", err)
	}
	v, ok := s.ToInteger(-1)
	if !ok || v != 7 {
		t.Fatalf("add(3,4) = (%d, %v), want (7, true)", v, ok)
	}
}

func TestPCallTrapsHostError(t *testing.T) {
	s := NewState()
	s.Register("boom", func(L *State) int {
		panic(L.Error(L.Heap.NewString([]byte("kaboom"))))
	})

	preTop := s.GetTop()
	s.PushGlobalsTable()
	if err := s.GetField(-1, "boom"); err != nil {
		t.Fatalf("GetField: %v", err)
	}
	s.Remove(-2)
	if err := s.PCall(0, 0, 0); err == nil {
		t.Fatal("expected PCall to report the trapped error")
	}
	if got := s.GetTop(); got != preTop+1 {
		t.Fatalf("GetTop() after trapped PCall = %d, want %d (stack restored plus one error value)", got, preTop+1)
	}
	msg, ok := s.ToString(-1)
	if !ok || msg != "kaboom" {
		t.Fatalf("error value = (%q, %v), want (%q, true)", msg, ok, "kaboom")
	}
}

func TestNewTableRawSetGetAndLen(t *testing.T) {
	s := NewState()
	s.NewTable(0, 0)
	s.PushInteger(10)
	if err := s.RawSetI(-2, 1); err != nil {
		t.Fatalf("RawSetI: %v", err)
	}
	s.PushInteger(20)
	if err := s.RawSetI(-2, 2); err != nil {
		t.Fatalf("RawSetI: %v", err)
	}
	if got := s.RawLen(-1); got != 2 {
		t.Fatalf("RawLen() = %d, want 2", got)
	}
	if err := s.RawGetI(-1, 1); err != nil {
		t.Fatalf("RawGetI: %v", err)
	}
	v, ok := s.ToInteger(-1)
	if !ok || v != 10 {
		t.Fatalf("t[1] = (%d, %v), want (10, true)", v, ok)
	}
}

func TestNextIteratesAllPairs(t *testing.T) {
	s := NewState()
	s.NewTable(0, 0)
	s.PushInteger(100)
	if err := s.RawSetI(-2, 1); err != nil {
		t.Fatalf("RawSetI: %v", err)
	}
	s.PushInteger(200)
	if err := s.RawSetI(-2, 2); err != nil {
		t.Fatalf("RawSetI: %v", err)
	}

	tblIdx := s.GetTop()
	sum := int64(0)
	count := 0
	s.PushNil()
	for {
		ok, err := s.Next(tblIdx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		v, _ := s.ToInteger(-1)
		sum += v
		count++
		s.Pop(1) // drop value, keep key on top for the next Next call
	}
	if count != 2 || sum != 300 {
		t.Fatalf("iterated %d pairs summing %d, want 2 pairs summing 300", count, sum)
	}
}

func TestTypeAndIsPredicates(t *testing.T) {
	s := NewState()
	s.PushNil()
	s.PushBool(true)
	s.PushInteger(7)
	s.PushString("hi")
	s.NewTable(0, 0)

	if !s.IsNil(-5) {
		t.Fatal("expected index -5 to be nil")
	}
	if s.Type(-4) != value.KindBool {
		t.Fatalf("expected -4 to be a bool, got %v", s.Type(-4))
	}
	if !s.IsNumber(-3) {
		t.Fatal("expected -3 to be a number")
	}
	if !s.IsString(-2) {
		t.Fatal("expected -2 to be a string")
	}
	if !s.IsTable(-1) {
		t.Fatal("expected -1 to be a table")
	}
}

func TestGCControlSurface(t *testing.T) {
	s := NewState()
	if !s.GCIsRunning() {
		t.Fatal("expected GC to be running by default")
	}
	s.GCStop()
	if s.GCIsRunning() {
		t.Fatal("expected GC stopped after GCStop")
	}
	s.GCRestart()
	if !s.GCIsRunning() {
		t.Fatal("expected GC running after GCRestart")
	}
	s.NewTable(0, 0)
	s.Pop(1)
	s.GCCollect()
	kb, rem := s.GCCount()
	if kb < 0 || rem < 0 {
		t.Fatalf("GCCount() = (%d, %d), want non-negative", kb, rem)
	}
}
