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
	"math"

	"github.com/probechain/luacore/table"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
)

// ---- indexing ----------------------------------------------------------------

// index implements OpGetTable/OpSelf's R[a] = t[k] semantics, following the
// __index chain across tables and non-table values alike (spec §4.2: a
// __index entry that is itself a table is indexed again; a function is
// called with (t, k)).
func (vm *VM) index(th *thread.Thread, t, k value.Value) (value.Value, error) {
	for i := 0; i < maxMetaLoop; i++ {
		if t.Kind() == value.KindTable {
			tbl := vm.Heap.Table(t)
			if tbl == nil {
				return value.Nil, vm.errorf("attempt to index an invalid table")
			}
			v, ok := tbl.Get(k)
			if ok && !v.IsNil() {
				return v, nil
			}
			mm := vm.metamethod(t, metaIndex)
			if mm.IsNil() {
				return value.Nil, nil
			}
			if mm.Kind() == value.KindTable {
				t = mm
				continue
			}
			res, err := vm.Call(th, mm, []value.Value{t, k}, 1)
			if err != nil {
				return value.Nil, err
			}
			if len(res) > 0 {
				return res[0], nil
			}
			return value.Nil, nil
		}

		mm := vm.metamethod(t, metaIndex)
		if mm.IsNil() {
			return value.Nil, vm.errorf("attempt to index a %s value", t.Kind())
		}
		if mm.Kind() == value.KindTable {
			t = mm
			continue
		}
		res, err := vm.Call(th, mm, []value.Value{t, k}, 1)
		if err != nil {
			return value.Nil, err
		}
		if len(res) > 0 {
			return res[0], nil
		}
		return value.Nil, nil
	}
	return value.Nil, vm.errorf("'__index' chain too long; possible loop")
}

// newindex implements OpSetTable's t[k] = v semantics, following the
// __newindex chain (spec §4.2). A plain table whose key is already present
// (even with a nil value is not "present") is assigned directly; only a
// raw-absent key defers to __newindex.
func (vm *VM) newindex(th *thread.Thread, t, k, v value.Value) error {
	for i := 0; i < maxMetaLoop; i++ {
		if t.Kind() == value.KindTable {
			tbl := vm.Heap.Table(t)
			if tbl == nil {
				return vm.errorf("attempt to index an invalid table")
			}
			if existing, ok := tbl.Get(k); ok && !existing.IsNil() {
				return vm.rawset(t, tbl, k, v)
			}
			mm := vm.metamethod(t, metaNewIndex)
			if mm.IsNil() {
				return vm.rawset(t, tbl, k, v)
			}
			if mm.Kind() == value.KindTable {
				t = mm
				continue
			}
			_, err := vm.Call(th, mm, []value.Value{t, k, v}, 0)
			return err
		}

		mm := vm.metamethod(t, metaNewIndex)
		if mm.IsNil() {
			return vm.errorf("attempt to index a %s value", t.Kind())
		}
		if mm.Kind() == value.KindTable {
			t = mm
			continue
		}
		_, err := vm.Call(th, mm, []value.Value{t, k, v}, 0)
		return err
	}
	return vm.errorf("'__newindex' chain too long; possible loop")
}

func (vm *VM) rawset(t value.Value, tbl *table.Table, k, v value.Value) error {
	if err := tbl.Set(k, v); err != nil {
		return err
	}
	vm.Heap.BarrierBack(t.AsRef())
	return nil
}

// ---- arithmetic ----------------------------------------------------------------

func arithMetaKey(op Opcode) metaKey {
	switch op {
	case OpAdd:
		return metaAdd
	case OpSub:
		return metaSub
	case OpMul:
		return metaMul
	case OpDiv:
		return metaDiv
	case OpIDiv:
		return metaIDiv
	case OpMod:
		return metaMod
	case OpPow:
		return metaPow
	default:
		return metaAdd
	}
}

func bitwiseMetaKey(op Opcode) metaKey {
	switch op {
	case OpBAnd:
		return metaBAnd
	case OpBOr:
		return metaBOr
	case OpBXor:
		return metaBXor
	case OpShl:
		return metaShl
	case OpShr:
		return metaShr
	default:
		return metaBAnd
	}
}

func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorModInt(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}

// arith implements the seven arithmetic opcodes, dispatching to integer
// arithmetic when both operands are integers, float arithmetic when both
// coerce to numbers, and the matching metamethod otherwise (spec §4.2:
// "arithmetic stays in integer domain only when both operands are
// integers; otherwise the whole operation runs in float domain").
func (vm *VM) arith(th *thread.Thread, op Opcode, a, b value.Value) (value.Value, error) {
	if a.Kind() == value.KindInteger && b.Kind() == value.KindInteger {
		ai, bi := a.AsInt(), b.AsInt()
		switch op {
		case OpAdd:
			return value.Int(ai + bi), nil
		case OpSub:
			return value.Int(ai - bi), nil
		case OpMul:
			return value.Int(ai * bi), nil
		case OpDiv:
			return value.Flt(float64(ai) / float64(bi)), nil
		case OpIDiv:
			if bi == 0 {
				return value.Nil, vm.errorf("attempt to perform 'n//0'")
			}
			return value.Int(floorDivInt(ai, bi)), nil
		case OpMod:
			if bi == 0 {
				return value.Nil, vm.errorf("attempt to perform 'n%%0'")
			}
			return value.Int(floorModInt(ai, bi)), nil
		case OpPow:
			return value.Flt(math.Pow(float64(ai), float64(bi))), nil
		}
	}

	if af, ok1 := a.ToFloat(); ok1 {
		if bf, ok2 := b.ToFloat(); ok2 {
			switch op {
			case OpAdd:
				return value.Flt(af + bf), nil
			case OpSub:
				return value.Flt(af - bf), nil
			case OpMul:
				return value.Flt(af * bf), nil
			case OpDiv:
				return value.Flt(af / bf), nil
			case OpIDiv:
				return value.Flt(math.Floor(af / bf)), nil
			case OpMod:
				m := af - math.Floor(af/bf)*bf
				return value.Flt(m), nil
			case OpPow:
				return value.Flt(math.Pow(af, bf)), nil
			}
		}
	}

	return vm.arithFallback(th, arithMetaKey(op), a, b, "perform arithmetic on")
}

func (vm *VM) arithFallback(th *thread.Thread, mk metaKey, a, b value.Value, verb string) (value.Value, error) {
	mm := vm.metamethod(a, mk)
	if mm.IsNil() {
		mm = vm.metamethod(b, mk)
	}
	if !mm.IsNil() {
		res, err := vm.Call(th, mm, []value.Value{a, b}, 1)
		if err != nil {
			return value.Nil, err
		}
		if len(res) > 0 {
			return res[0], nil
		}
		return value.Nil, nil
	}
	bad := a
	if a.IsNumber() {
		bad = b
	}
	return value.Nil, vm.errorf("attempt to %s a %s value", verb, bad.Kind())
}

// arithUnm implements unary minus (spec §4.2 __unm).
func (vm *VM) arithUnm(th *thread.Thread, v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindInteger:
		return value.Int(-v.AsInt()), nil
	case value.KindFloat:
		f, _ := v.ToFloat()
		return value.Flt(-f), nil
	}
	res, err := vm.arithFallback(th, metaUnm, v, v, "perform arithmetic on")
	return res, err
}

// toExactInt coerces v to an int64 for bitwise operations: integers pass
// through, floats must represent an exact integer value (spec §4.2 "a float
// operand to a bitwise operator must have an exact integer value").
func toExactInt(v value.Value) (int64, bool) {
	switch v.Kind() {
	case value.KindInteger:
		return v.AsInt(), true
	case value.KindFloat:
		f, _ := v.ToFloat()
		return value.ExactInt(f)
	default:
		return 0, false
	}
}

func shiftInt(a, n int64) int64 {
	if n <= -64 || n >= 64 {
		return 0
	}
	if n >= 0 {
		return int64(uint64(a) << uint(n))
	}
	return int64(uint64(a) >> uint(-n))
}

// bitwise implements the five bitwise opcodes (spec §4.2).
func (vm *VM) bitwise(th *thread.Thread, op Opcode, a, b value.Value) (value.Value, error) {
	ai, ok1 := toExactInt(a)
	bi, ok2 := toExactInt(b)
	if ok1 && ok2 {
		switch op {
		case OpBAnd:
			return value.Int(ai & bi), nil
		case OpBOr:
			return value.Int(ai | bi), nil
		case OpBXor:
			return value.Int(ai ^ bi), nil
		case OpShl:
			return value.Int(shiftInt(ai, bi)), nil
		case OpShr:
			return value.Int(shiftInt(ai, -bi)), nil
		}
	}
	return vm.arithFallback(th, bitwiseMetaKey(op), a, b, "perform bitwise operation on")
}

// bitwiseNot implements OpBNot (spec §4.2 __bnot).
func (vm *VM) bitwiseNot(th *thread.Thread, v value.Value) (value.Value, error) {
	if i, ok := toExactInt(v); ok {
		return value.Int(^i), nil
	}
	return vm.arithFallback(th, metaBNot, v, v, "perform bitwise operation on")
}

// ---- comparisons -----------------------------------------------------------

// equals implements OpEq: raw equality first (with content-aware string
// comparison, spec §3.2/§4.1), falling back to __eq only when both operands
// are tables or both are userdata and are not already raw-equal (spec
// §4.2: "__eq is consulted only between two tables or two userdata").
func (vm *VM) equals(th *thread.Thread, a, b value.Value) (bool, error) {
	if vm.valuesEqual(a, b) {
		return true, nil
	}
	sameComparable := (a.Kind() == value.KindTable && b.Kind() == value.KindTable) ||
		(a.Kind() == value.KindUserData && b.Kind() == value.KindUserData)
	if !sameComparable {
		return false, nil
	}
	mm := vm.metamethod(a, metaEq)
	if mm.IsNil() {
		mm = vm.metamethod(b, metaEq)
	}
	if mm.IsNil() {
		return false, nil
	}
	res, err := vm.Call(th, mm, []value.Value{a, b}, 1)
	if err != nil {
		return false, err
	}
	return len(res) > 0 && res[0].Truthy(), nil
}

// less implements OpLt/OpLe: numeric and string ordering first, then
// __lt/__le (spec §4.2).
func (vm *VM) less(th *thread.Thread, a, b value.Value, orEqual bool) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		if orEqual {
			return af <= bf, nil
		}
		return af < bf, nil
	}
	if a.Kind() == value.KindString && b.Kind() == value.KindString {
		sa, sb := vm.Heap.String(a), vm.Heap.String(b)
		if sa != nil && sb != nil {
			cmp := compareBytes(sa.Bytes, sb.Bytes)
			if orEqual {
				return cmp <= 0, nil
			}
			return cmp < 0, nil
		}
	}

	mk := metaLt
	if orEqual {
		mk = metaLe
	}
	mm := vm.metamethod(a, mk)
	if mm.IsNil() {
		mm = vm.metamethod(b, mk)
	}
	if mm.IsNil() {
		if orEqual {
			// No __le on either operand: fall back to not (b < a) (spec
			// §4.2), which still goes through __lt if either operand
			// defines that instead.
			lt, err := vm.less(th, b, a, false)
			if err != nil {
				return false, err
			}
			return !lt, nil
		}
		return false, vm.errorf("attempt to compare two %s values", a.Kind())
	}
	res, err := vm.Call(th, mm, []value.Value{a, b}, 1)
	if err != nil {
		return false, err
	}
	return len(res) > 0 && res[0].Truthy(), nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// ---- length and concatenation ------------------------------------------------

// length implements OpLen: __len first, then the string byte length or
// table border (spec §4.2/§3.3).
func (vm *VM) length(th *thread.Thread, v value.Value) (value.Value, error) {
	mm := vm.metamethod(v, metaLen)
	if !mm.IsNil() {
		res, err := vm.Call(th, mm, []value.Value{v}, 1)
		if err != nil {
			return value.Nil, err
		}
		if len(res) > 0 {
			return res[0], nil
		}
		return value.Nil, nil
	}
	switch v.Kind() {
	case value.KindString:
		s := vm.Heap.String(v)
		if s == nil {
			return value.Nil, vm.errorf("attempt to get length of an invalid string")
		}
		return value.Int(int64(s.Len())), nil
	case value.KindTable:
		t := vm.Heap.Table(v)
		if t == nil {
			return value.Nil, vm.errorf("attempt to get length of an invalid table")
		}
		return value.Int(t.Len()), nil
	}
	return value.Nil, vm.errorf("attempt to get length of a %s value", v.Kind())
}

func concatCoerce(vm *VM, v value.Value) ([]byte, bool) {
	switch v.Kind() {
	case value.KindString:
		s := vm.Heap.String(v)
		if s == nil {
			return nil, false
		}
		return s.Bytes, true
	case value.KindInteger, value.KindFloat:
		return []byte(value.FormatNumber(v)), true
	default:
		return nil, false
	}
}

// concat2 implements a single ".." application: string/number coercion,
// falling back to __concat (spec §4.2).
func (vm *VM) concat2(th *thread.Thread, a, b value.Value) (value.Value, error) {
	as, aok := concatCoerce(vm, a)
	bs, bok := concatCoerce(vm, b)
	if aok && bok {
		buf := make([]byte, 0, len(as)+len(bs))
		buf = append(buf, as...)
		buf = append(buf, bs...)
		return vm.Heap.NewString(buf), nil
	}
	mm := vm.metamethod(a, metaConcat)
	if mm.IsNil() {
		mm = vm.metamethod(b, metaConcat)
	}
	if !mm.IsNil() {
		res, err := vm.Call(th, mm, []value.Value{a, b}, 1)
		if err != nil {
			return value.Nil, err
		}
		if len(res) > 0 {
			return res[0], nil
		}
		return value.Nil, nil
	}
	bad := a
	if aok {
		bad = b
	}
	return value.Nil, vm.errorf("attempt to concatenate a %s value", bad.Kind())
}

// concat implements OpConcat: R[b]..R[b+1]..,...,..R[c], folded right to
// left so a chain of __concat calls associates the way the reference
// implementation's OP_CONCAT does.
func (vm *VM) concat(th *thread.Thread, ci *thread.CallInfo, b, c int) (value.Value, error) {
	acc := reg(th, ci, c)
	for i := c - 1; i >= b; i-- {
		v, err := vm.concat2(th, reg(th, ci, i), acc)
		if err != nil {
			return value.Nil, err
		}
		acc = v
	}
	return acc, nil
}

// ---- numeric for loops -------------------------------------------------------

// prepareForLoop validates and normalizes a numeric for loop's three
// control values, picking integer mode only when all three are already
// integers (spec §4.5 OpForPrep edge case: "a for loop with any
// non-integer control value runs entirely in float domain").
func (vm *VM) prepareForLoop(initV, limitV, stepV value.Value) (init, limit, step value.Value, isInt bool, err error) {
	if initV.Kind() == value.KindInteger && limitV.Kind() == value.KindInteger && stepV.Kind() == value.KindInteger {
		if stepV.AsInt() == 0 {
			return value.Nil, value.Nil, value.Nil, false, vm.errorf("'for' step is zero")
		}
		return initV, limitV, stepV, true, nil
	}
	fi, ok1 := initV.ToFloat()
	fl, ok2 := limitV.ToFloat()
	fs, ok3 := stepV.ToFloat()
	if !ok1 {
		return value.Nil, value.Nil, value.Nil, false, vm.errorf("'for' initial value must be a number")
	}
	if !ok2 {
		return value.Nil, value.Nil, value.Nil, false, vm.errorf("'for' limit must be a number")
	}
	if !ok3 {
		return value.Nil, value.Nil, value.Nil, false, vm.errorf("'for' step must be a number")
	}
	if fs == 0 {
		return value.Nil, value.Nil, value.Nil, false, vm.errorf("'for' step is zero")
	}
	return value.Flt(fi), value.Flt(fl), value.Flt(fs), false, nil
}

func addOverflowsInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, true
	}
	return sum, false
}

// stepForLoop advances a numeric for loop by one iteration, reporting
// whether the loop body should run again. An integer-mode step that would
// overflow int64 clips the loop instead of wrapping (spec §4.5 edge case
// "overflow on the final iteration ends the loop rather than wrapping").
func (vm *VM) stepForLoop(counter, limit, step value.Value) (bool, value.Value) {
	if counter.Kind() == value.KindInteger {
		c, l, s := counter.AsInt(), limit.AsInt(), step.AsInt()
		next, overflow := addOverflowsInt64(c, s)
		if overflow {
			return false, value.Nil
		}
		if s > 0 {
			if next > l {
				return false, value.Nil
			}
		} else if next < l {
			return false, value.Nil
		}
		return true, value.Int(next)
	}

	f, _ := counter.ToFloat()
	fl, _ := limit.ToFloat()
	fs, _ := step.ToFloat()
	next := f + fs
	if fs > 0 {
		if next > fl {
			return false, value.Nil
		}
	} else if next < fl {
		return false, value.Nil
	}
	return true, value.Flt(next)
}
