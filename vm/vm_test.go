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

package vm

import (
	"testing"

	"github.com/probechain/luacore/gc"
	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/strtab"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
)

// ---- bytecode assembly helpers -----------------------------------------------

// instr encodes a standard [op][a][b][c] instruction, matching fetch's
// big-endian layout.
func instr(op Opcode, a, b, c byte) []byte {
	return []byte{byte(op), a, b, c}
}

// instrWide encodes a [op][a][imm_hi][imm_lo] instruction.
func instrWide(op Opcode, a byte, imm uint16) []byte {
	return []byte{byte(op), a, byte(imm >> 8), byte(imm)}
}

// jumpImm biases a signed PC-relative offset the way OpJmp/OpForPrep/
// OpForLoop/OpTForLoop expect (fetch's signedImm subtracts 0x8000 back out).
func jumpImm(offset int) uint16 { return uint16(offset + 0x8000) }

func asm(words ...[]byte) []byte {
	var out []byte
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

// ---- test fixture --------------------------------------------------------------

type fixture struct {
	heap *gc.Heap
	vm   *VM
	th   *thread.Thread
}

func newFixture() *fixture {
	h := gc.New(strtab.New(16, 1))
	return &fixture{heap: h, vm: New(h), th: thread.New(64, 4096)}
}

// run wraps p in a closure with no upvalues and calls it with args,
// requesting nResults (-1 for "all").
func (f *fixture) run(p *proto.Proto, args []value.Value, nResults int) ([]value.Value, error) {
	cl := proto.NewScript(p, nil)
	fn := f.heap.NewScriptClosure(cl)
	return f.vm.Call(f.th, fn, args, nResults)
}

func (f *fixture) str(s string) value.Value { return f.heap.NewString([]byte(s)) }

func mustInt(t *testing.T, v value.Value) int64 {
	t.Helper()
	if v.Kind() != value.KindInteger {
		t.Fatalf("expected integer, got %s (%v)", v.Kind(), v)
	}
	return v.AsInt()
}

// ---- arithmetic ----------------------------------------------------------------

func TestArithmeticIntegerAddition(t *testing.T) {
	f := newFixture()
	p := &proto.Proto{
		MaxStack: 3,
		Constants: []value.Value{
			value.Int(3),
			value.Int(4),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpAdd, 2, 0, 1),
			instr(OpReturn, 2, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 7 {
		t.Fatalf("got %v, want [7]", res)
	}
}

func TestArithmeticFloatDivisionPromotesDomain(t *testing.T) {
	f := newFixture()
	p := &proto.Proto{
		MaxStack: 3,
		Constants: []value.Value{
			value.Int(7),
			value.Int(2),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpDiv, 2, 0, 1),
			instr(OpReturn, 2, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].Kind() != value.KindFloat {
		t.Fatalf("integer division by / must yield a float, got %v", res)
	}
	fv, _ := res[0].ToFloat()
	if fv != 3.5 {
		t.Fatalf("got %v, want 3.5", fv)
	}
}

func TestIntegerFloorDivideByZeroErrors(t *testing.T) {
	f := newFixture()
	p := &proto.Proto{
		MaxStack: 3,
		Constants: []value.Value{
			value.Int(1),
			value.Int(0),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpIDiv, 2, 0, 1),
			instr(OpReturn, 2, 2, 0),
		),
	}
	if _, err := f.run(p, nil, -1); err == nil {
		t.Fatalf("expected an error dividing by zero")
	}
}

// ---- tables and metamethods -----------------------------------------------------

func TestTableSetAndGetRoundTrip(t *testing.T) {
	f := newFixture()
	key := f.str("greeting")
	val := f.str("hello")
	p := &proto.Proto{
		MaxStack: 4,
		Constants: []value.Value{
			key,
			val,
		},
		Code: asm(
			instr(OpNewTable, 0, 0, 0),
			instrWide(OpLoadK, 1, 0),
			instrWide(OpLoadK, 2, 1),
			instr(OpSetTable, 0, 1, 2),
			instr(OpGetTable, 3, 0, 1),
			instr(OpReturn, 3, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].Kind() != value.KindString {
		t.Fatalf("got %v, want a string", res)
	}
	if f.vm.Heap.String(res[0]).Len() != len("hello") {
		t.Fatalf("round-tripped value has wrong length")
	}
}

func TestIndexFallsThroughToMetatable(t *testing.T) {
	f := newFixture()
	main := f.heap.NewTable(0, 0)
	fallback := f.heap.NewTable(0, 0)
	mt := f.heap.NewTable(0, 0)

	key := f.str("answer")
	if err := f.heap.Table(fallback).Set(key, value.Int(42)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	indexKey := f.str("__index")
	if err := f.heap.Table(mt).Set(indexKey, fallback); err != nil {
		t.Fatalf("setup: %v", err)
	}
	f.heap.Table(main).SetMetatable(f.heap.Table(mt))

	p := &proto.Proto{
		MaxStack: 2,
		Constants: []value.Value{
			main,
			key,
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpGetTable, 0, 0, 1),
			instr(OpReturn, 0, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 42 {
		t.Fatalf("got %v, want [42] via __index chain", res)
	}
}

// ---- calls -----------------------------------------------------------------------

func TestCallHostClosure(t *testing.T) {
	f := newFixture()
	double := proto.NewHost("double", func(args []value.Value) ([]value.Value, error) {
		return []value.Value{value.Int(args[0].AsInt() * 2)}, nil
	}, nil)
	doubleVal := f.heap.NewScriptClosure(double)

	p := &proto.Proto{
		MaxStack: 2,
		Constants: []value.Value{
			doubleVal,
			value.Int(21),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpCall, 0, 2, 2),
			instr(OpReturn, 0, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 42 {
		t.Fatalf("got %v, want [42]", res)
	}
}

func TestTailCallReusesFrame(t *testing.T) {
	f := newFixture()

	// callee(n) = n + 1
	callee := &proto.Proto{
		NumParams: 1,
		MaxStack:  2,
		Constants: []value.Value{value.Int(1)},
		Code: asm(
			instrWide(OpLoadK, 1, 0),
			instr(OpAdd, 0, 0, 1),
			instr(OpReturn, 0, 2, 0),
		),
	}
	calleeCl := proto.NewScript(callee, nil)
	calleeVal := f.heap.NewScriptClosure(calleeCl)

	// caller(n) = return callee(n)   -- via tail call.
	// r0 = arg n, r1 = callee closure, r2 = arg moved into call position,
	// TAILCALL r1 (arg at r2).
	caller := &proto.Proto{
		NumParams: 1,
		MaxStack:  3,
		Constants: []value.Value{calleeVal},
		Code: asm(
			instrWide(OpLoadK, 1, 0),
			instr(OpMove, 2, 0, 0),
			instr(OpTailCall, 1, 2, 0),
			instr(OpReturn, 1, 0, 0),
		),
	}

	res, err := f.run(caller, []value.Value{value.Int(9)}, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 10 {
		t.Fatalf("got %v, want [10]", res)
	}
}

// ---- closures and upvalues -------------------------------------------------------

func TestClosureMutatesParentUpvalue(t *testing.T) {
	f := newFixture()

	// child(): sets the captured upvalue to 99, returns nothing.
	child := &proto.Proto{
		MaxStack:  1,
		Constants: []value.Value{value.Int(99)},
		Upvalues:  []proto.UpvalDesc{{Name: "x", InStack: true, Index: 0}},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instr(OpSetUpval, 0, 0, 0),
			instr(OpReturn, 0, 1, 0),
		),
	}

	// parent(): r0 = 10; make closure over r0; call it; return r0.
	parent := &proto.Proto{
		MaxStack:  2,
		Constants: []value.Value{value.Int(10)},
		Protos:    []*proto.Proto{child},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpClosure, 1, 0),
			instr(OpCall, 1, 1, 1),
			instr(OpReturn, 0, 2, 0),
		),
	}

	res, err := f.run(parent, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 99 {
		t.Fatalf("got %v, want [99]: child's SetUpval should mutate the open upvalue", res)
	}
}

// ---- loops -------------------------------------------------------------------------

func TestNumericForLoopSum(t *testing.T) {
	f := newFixture()
	// r4 = sum = 0; for r0=1,5,1 do sum = sum + r3 end; return sum
	p := &proto.Proto{
		MaxStack: 5,
		Constants: []value.Value{
			value.Int(0),
			value.Int(1),
			value.Int(5),
			value.Int(1),
		},
		Code: asm(
			instrWide(OpLoadK, 4, 0), // r4 = 0
			instrWide(OpLoadK, 0, 1), // r0 = 1 (init)
			instrWide(OpLoadK, 1, 2), // r1 = 5 (limit)
			instrWide(OpLoadK, 2, 3), // r2 = 1 (step)
			instrWide(OpForPrep, 0, jumpImm(1)),
			instr(OpAdd, 4, 4, 3), // body: sum += r3
			instrWide(OpForLoop, 0, jumpImm(-2)),
			instr(OpReturn, 4, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 15 {
		t.Fatalf("got %v, want [15]", res)
	}
}

func TestNumericForLoopNeverRunsWhenAlreadyPastLimit(t *testing.T) {
	f := newFixture()
	p := &proto.Proto{
		MaxStack: 5,
		Constants: []value.Value{
			value.Int(0),
			value.Int(5),
			value.Int(1),
			value.Int(1),
		},
		Code: asm(
			instrWide(OpLoadK, 4, 0), // sum = 0
			instrWide(OpLoadK, 0, 1), // init = 5
			instrWide(OpLoadK, 1, 2), // limit = 1
			instrWide(OpLoadK, 2, 3), // step = 1 (ascending, init already past limit)
			instrWide(OpForPrep, 0, jumpImm(1)),
			instr(OpAdd, 4, 4, 3),
			instrWide(OpForLoop, 0, jumpImm(-2)),
			instr(OpReturn, 4, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 0 {
		t.Fatalf("got %v, want [0]: loop body must never run", res)
	}
}

func TestGenericForLoopOverHostIterator(t *testing.T) {
	f := newFixture()
	values := []value.Value{value.Int(10), value.Int(20), value.Int(30)}
	iterFn := func(args []value.Value) ([]value.Value, error) {
		control := args[1]
		idx := 0
		if !control.IsNil() {
			idx = int(control.AsInt()) + 1
		}
		if idx >= len(values) {
			return []value.Value{value.Nil}, nil
		}
		return []value.Value{value.Int(int64(idx)), values[idx]}, nil
	}
	iterCl := proto.NewHost("iter", iterFn, nil)
	iterVal := f.heap.NewScriptClosure(iterCl)

	p := &proto.Proto{
		MaxStack: 7,
		Constants: []value.Value{
			value.Int(0),
			iterVal,
		},
		Code: asm(
			instrWide(OpLoadK, 6, 0), // sum = 0
			instrWide(OpLoadK, 0, 1), // r0 = iterator
			instr(OpLoadNil, 1, 1, 0), // r1,r2 = nil (state, control)
			instrWide(OpJmp, 0, jumpImm(1)),
			instr(OpAdd, 6, 6, 5), // body: sum += result value (r5)
			instr(OpTForCall, 0, 0, 2),
			instrWide(OpTForLoop, 0, jumpImm(-3)),
			instr(OpReturn, 6, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 60 {
		t.Fatalf("got %v, want [60]", res)
	}
}

// ---- concatenation ---------------------------------------------------------------

func TestConcatMixesStringsAndNumbers(t *testing.T) {
	f := newFixture()
	p := &proto.Proto{
		MaxStack: 4,
		Constants: []value.Value{
			f.str("foo"),
			f.str("bar"),
			value.Int(42),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instrWide(OpLoadK, 2, 2),
			instr(OpConcat, 3, 0, 2),
			instr(OpReturn, 3, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("got %v, want one result", res)
	}
	got := f.vm.Heap.String(res[0])
	if string(got.Bytes) != "foobar42" {
		t.Fatalf("got %q, want %q", got.Bytes, "foobar42")
	}
}

// ---- to-be-closed variables --------------------------------------------------------

func TestToBeClosedRunsOnNormalReturn(t *testing.T) {
	f := newFixture()
	closerMT := f.heap.NewTable(0, 0)
	closeKey := f.str("__close")

	calls := 0
	closeFn := proto.NewHost("close", func(args []value.Value) ([]value.Value, error) {
		calls++
		return nil, nil
	}, nil)
	closeVal := f.heap.NewScriptClosure(closeFn)
	if err := f.heap.Table(closerMT).Set(closeKey, closeVal); err != nil {
		t.Fatalf("setup: %v", err)
	}

	closer := f.heap.NewTable(0, 0)
	f.heap.Table(closer).SetMetatable(f.heap.Table(closerMT))

	p := &proto.Proto{
		MaxStack: 2,
		Constants: []value.Value{
			closer,
			value.Int(5),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instr(OpTBC, 0, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpReturn, 1, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || mustInt(t, res[0]) != 5 {
		t.Fatalf("got %v, want [5]", res)
	}
	if calls != 1 {
		t.Fatalf("expected __close to run exactly once on return, ran %d times", calls)
	}
}

func TestToBeClosedRunsDuringErrorUnwind(t *testing.T) {
	f := newFixture()
	closerMT := f.heap.NewTable(0, 0)
	closeKey := f.str("__close")

	calls := 0
	closeFn := proto.NewHost("close", func(args []value.Value) ([]value.Value, error) {
		calls++
		return nil, nil
	}, nil)
	closeVal := f.heap.NewScriptClosure(closeFn)
	if err := f.heap.Table(closerMT).Set(closeKey, closeVal); err != nil {
		t.Fatalf("setup: %v", err)
	}

	closer := f.heap.NewTable(0, 0)
	f.heap.Table(closer).SetMetatable(f.heap.Table(closerMT))

	p := &proto.Proto{
		MaxStack: 3,
		Constants: []value.Value{
			closer,
			value.Int(1),
			value.Int(0),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instr(OpTBC, 0, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instrWide(OpLoadK, 2, 2),
			instr(OpIDiv, 1, 1, 2), // 1 // 0: runtime error
			instr(OpReturn, 1, 2, 0),
		),
	}
	if _, err := f.run(p, nil, -1); err == nil {
		t.Fatalf("expected an error from division by zero")
	}
	if calls != 1 {
		t.Fatalf("expected __close to run exactly once during unwind, ran %d times", calls)
	}
}

// ---- equality and ordering ---------------------------------------------------------

func TestLongStringEqualityIsContentBased(t *testing.T) {
	f := newFixture()
	long := make([]byte, strtab.ShortLenMax+10)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	a := f.heap.NewString(append([]byte(nil), long...))
	b := f.heap.NewString(append([]byte(nil), long...))
	if a.AsRef() == b.AsRef() {
		t.Fatalf("long strings are not expected to be interned to the same slot")
	}
	if !f.vm.valuesEqual(a, b) {
		t.Fatalf("two long strings with identical content must compare equal")
	}
}

func TestComparisonAcrossIntegersAndFloats(t *testing.T) {
	f := newFixture()
	p := &proto.Proto{
		MaxStack: 3,
		Constants: []value.Value{
			value.Int(3),
			value.Flt(3.5),
		},
		Code: asm(
			instrWide(OpLoadK, 0, 0),
			instrWide(OpLoadK, 1, 1),
			instr(OpLt, 2, 0, 1),
			instr(OpReturn, 2, 2, 0),
		),
	}
	res, err := f.run(p, nil, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || !res[0].AsBool() {
		t.Fatalf("got %v, want [true] (3 < 3.5)", res)
	}
}

// TestLessOrEqualFallsBackToNotLess checks that <= on operands whose
// metatable defines only __lt (no __le) succeeds via not (b < a) instead of
// erroring (spec §4.2).
func TestLessOrEqualFallsBackToNotLess(t *testing.T) {
	f := newFixture()
	mt := f.heap.NewTable(0, 0)
	valueKey := f.str("v")
	ltFn := proto.NewHost("__lt", func(args []value.Value) ([]value.Value, error) {
		va, _ := f.heap.Table(args[0]).Get(valueKey)
		vb, _ := f.heap.Table(args[1]).Get(valueKey)
		return []value.Value{value.Bool(va.AsInt() < vb.AsInt())}, nil
	}, nil)
	if err := f.heap.Table(mt).Set(f.str("__lt"), f.heap.NewScriptClosure(ltFn)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tagged := func(n int64) value.Value {
		tbl := f.heap.NewTable(0, 0)
		if err := f.heap.Table(tbl).Set(valueKey, value.Int(n)); err != nil {
			t.Fatalf("setup: %v", err)
		}
		f.heap.Table(tbl).SetMetatable(f.heap.Table(mt))
		return tbl
	}
	small, big := tagged(1), tagged(2)

	got, err := f.vm.less(f.th, small, big, true) // small <= big, i.e. 1 <= 2
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatal("small <= big should be true via the not(b<a) __lt fallback")
	}

	got, err = f.vm.less(f.th, big, small, true) // big <= small, i.e. 2 <= 1
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal("big <= small should be false via the not(b<a) __lt fallback")
	}
}
