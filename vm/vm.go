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
	"bytes"

	"github.com/probechain/luacore/errctl"
	"github.com/probechain/luacore/gc"
	"github.com/probechain/luacore/proto"
	"github.com/probechain/luacore/table"
	"github.com/probechain/luacore/thread"
	"github.com/probechain/luacore/value"
)

// maxMetaLoop bounds __index/__newindex/__call metatable chains, matching
// the reference implementation's loop-detection constant (spec §4.2 edge
// case "a metatable cycle must be a catchable error, not an infinite loop").
const maxMetaLoop = 2000

// metaKey indexes the fixed set of metamethod name strings a VM interns
// once at construction (spec §4.2/§4.5/§4.7 metamethod names).
type metaKey int

const (
	metaIndex metaKey = iota
	metaNewIndex
	metaAdd
	metaSub
	metaMul
	metaDiv
	metaIDiv
	metaMod
	metaPow
	metaUnm
	metaBAnd
	metaBOr
	metaBXor
	metaBNot
	metaShl
	metaShr
	metaConcat
	metaLen
	metaEq
	metaLt
	metaLe
	metaCall
	metaClose
	metaGC
	metaMode
	metaCount
)

var metaNames = [metaCount]string{
	metaIndex:    "__index",
	metaNewIndex: "__newindex",
	metaAdd:      "__add",
	metaSub:      "__sub",
	metaMul:      "__mul",
	metaDiv:      "__div",
	metaIDiv:     "__idiv",
	metaMod:      "__mod",
	metaPow:      "__pow",
	metaUnm:      "__unm",
	metaBAnd:     "__band",
	metaBOr:      "__bor",
	metaBXor:     "__bxor",
	metaBNot:     "__bnot",
	metaShl:      "__shl",
	metaShr:      "__shr",
	metaConcat:   "__concat",
	metaLen:      "__len",
	metaEq:       "__eq",
	metaLt:       "__lt",
	metaLe:       "__le",
	metaCall:     "__call",
	metaClose:    "__close",
	metaGC:       "__gc",
	metaMode:     "__mode",
}

// fastFlagFor returns the table.FastFlag tracking m's known-absence, for
// the six metamethods the fast-path cache covers (spec §4.2).
func fastFlagFor(m metaKey) (table.FastFlag, bool) {
	switch m {
	case metaIndex:
		return table.FlagIndex, true
	case metaNewIndex:
		return table.FlagNewIndex, true
	case metaGC:
		return table.FlagGC, true
	case metaMode:
		return table.FlagMode, true
	case metaLen:
		return table.FlagLen, true
	case metaEq:
		return table.FlagEq, true
	default:
		return 0, false
	}
}

// VM is the register-based bytecode interpreter from spec §4.5. One VM is
// shared by every thread of a single lua.State; the interpreter loop itself
// is reentrant per goroutine (each coroutine's Thread carries its own
// register stack and CallInfo chain).
type VM struct {
	Heap *gc.Heap

	meta [metaCount]value.Value

	// StringMetatable is the single shared metatable every string value
	// implicitly carries (spec §4.1: "strings share one metatable", used to
	// hang the string library's methods off __index).
	StringMetatable *table.Table

	hook hookState
}

// New builds a VM over h, interning the fixed metamethod-name strings.
func New(h *gc.Heap) *VM {
	vm := &VM{Heap: h}
	for i, name := range metaNames {
		vm.meta[i] = h.NewString([]byte(name))
	}
	return vm
}

func (vm *VM) errorf(format string, args ...any) error {
	return errctl.Newf(func(s string) value.Value { return vm.Heap.NewString([]byte(s)) }, format, args...)
}

// getMetatable returns v's metatable, or nil if it has none (spec §3.1:
// only tables, userdata and strings can carry one in this runtime).
func (vm *VM) getMetatable(v value.Value) *table.Table {
	switch v.Kind() {
	case value.KindTable:
		return vm.Heap.Table(v).Metatable
	case value.KindUserData:
		if u := vm.Heap.UserData(v); u != nil {
			return u.Metatable
		}
	case value.KindString:
		return vm.StringMetatable
	}
	return nil
}

// metamethod looks up metamethod m on v, consulting the fast-path
// known-absent cache when m is one of the six cacheable metamethods (spec
// §4.2 FastFlag).
func (vm *VM) metamethod(v value.Value, m metaKey) value.Value {
	mt := vm.getMetatable(v)
	if mt == nil {
		return value.Nil
	}
	if flag, cacheable := fastFlagFor(m); cacheable {
		if mt.FastAbsent(flag) {
			return value.Nil
		}
		fn, ok := mt.Get(vm.meta[m])
		if !ok || fn.IsNil() {
			mt.MarkFastAbsent(flag)
			return value.Nil
		}
		return fn
	}
	fn, _ := mt.Get(vm.meta[m])
	return fn
}

// valuesEqual implements language-level raw equality, special-casing
// strings to compare by content: strtab only interns short strings (spec
// §3.2/§4.1), so two long strings with identical bytes are distinct arena
// objects and value.RawEqual's ref-identity check alone is not enough.
func (vm *VM) valuesEqual(a, b value.Value) bool {
	if a.Kind() == value.KindString && b.Kind() == value.KindString {
		if a.AsRef() == b.AsRef() {
			return true
		}
		sa, sb := vm.Heap.String(a), vm.Heap.String(b)
		if sa == nil || sb == nil {
			return false
		}
		return bytes.Equal(sa.Bytes, sb.Bytes)
	}
	return value.RawEqual(a, b)
}

// ---- calling convention -----------------------------------------------------

// Call invokes fn with args, following the __call metamethod chain for
// non-function values (spec §4.6). nResults < 0 means "keep all results";
// otherwise the result slice is padded with nil or truncated to exactly
// nResults values.
func (vm *VM) Call(th *thread.Thread, fn value.Value, args []value.Value, nResults int) ([]value.Value, error) {
	for i := 0; i < maxMetaLoop; i++ {
		switch fn.Kind() {
		case value.KindClosure:
			cl := vm.Heap.Closure(fn)
			if cl == nil {
				return nil, vm.errorf("attempt to call an invalid function")
			}
			vm.fireCall(th)
			var results []value.Value
			var err error
			if cl.IsHost() {
				results, err = cl.Host(args)
			} else {
				results, err = vm.callScript(th, cl, args)
			}
			if err != nil {
				return nil, err
			}
			vm.fireReturn(th)
			return adjustResults(results, nResults), nil
		default:
			mm := vm.metamethod(fn, metaCall)
			if mm.IsNil() {
				return nil, vm.errorf("attempt to call a %s value", fn.Kind())
			}
			args = append([]value.Value{fn}, args...)
			fn = mm
		}
	}
	return nil, vm.errorf("'__call' chain too long; possible loop")
}

func adjustResults(results []value.Value, n int) []value.Value {
	if n < 0 {
		return results
	}
	out := make([]value.Value, n)
	copy(out, results)
	return out
}

// callScript pushes a new CallInfo for cl over th and runs the interpreter
// loop to completion, returning whatever OpReturn produced.
func (vm *VM) callScript(th *thread.Thread, cl *proto.Closure, args []value.Value) ([]value.Value, error) {
	p := cl.Proto
	nFixed := int(p.NumParams)

	callerTop := th.Current().Top
	nExtra := 0
	if p.IsVararg && len(args) > nFixed {
		nExtra = len(args) - nFixed
	}

	ci, err := th.PushCall(cl, callerTop+nExtra, int(p.MaxStack), -1)
	if err != nil {
		return nil, err
	}
	ci.VarargBase = callerTop
	ci.VarargCount = nExtra

	for i := 0; i < nExtra; i++ {
		th.Stack[callerTop+i] = args[nFixed+i]
	}
	for i := 0; i < int(p.MaxStack); i++ {
		if i < nFixed && i < len(args) {
			th.Stack[ci.Base+i] = args[i]
		} else {
			th.Stack[ci.Base+i] = value.Nil
		}
	}

	return vm.execute(th)
}

// runClose invokes __close (in the order vals is given, which callers
// already arrange in reverse declaration order per spec §4.8) on every
// to-be-closed value that actually carries the metamethod; a nil/false
// entry is a documented no-op marker. cause, if non-nil, is the error that
// triggered the unwind and is handed to each __close as its second
// argument (spec §4.8: "a to-be-closed variable's closer observes the
// error that is unwinding past it, if any").
func (vm *VM) runClose(th *thread.Thread, vals []value.Value, cause error) error {
	first := cause
	for _, v := range vals {
		if !v.Truthy() {
			continue
		}
		mm := vm.metamethod(v, metaClose)
		if mm.IsNil() {
			continue
		}
		errVal := value.Nil
		if se, ok := first.(*errctl.ScriptError); ok {
			errVal = se.Payload
		}
		if _, err := vm.Call(th, mm, []value.Value{v, errVal}, 0); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ---- register window access -------------------------------------------------

func reg(th *thread.Thread, ci *thread.CallInfo, i int) value.Value { return th.Stack[ci.Base+i] }
func setReg(th *thread.Thread, ci *thread.CallInfo, i int, v value.Value) {
	th.Stack[ci.Base+i] = v
}

// ---- instruction decode ------------------------------------------------------

func fetch(code []byte, pc int) (op Opcode, a int, b, c int, imm int) {
	i := pc * 4
	op = Opcode(code[i])
	a = int(code[i+1])
	if op.IsWideImmediate() {
		imm = int(code[i+2])<<8 | int(code[i+3])
		return
	}
	b = int(code[i+2])
	c = int(code[i+3])
	return
}

func signedImm(imm int) int { return imm - 0x8000 }

// ---- the interpreter loop ----------------------------------------------------

// execute runs the fetch-decode-dispatch loop for th.Current() until that
// frame returns, implementing every opcode in vm/opcodes.go (spec §4.5).
// A non-tail call to a script closure recurses into execute for the callee
// and resumes here on return; a tail call instead reuses this Go stack
// frame via the reentry loop, so it never grows the Go call stack (spec
// §4.6 "a tail call must not grow the C stack").
func (vm *VM) execute(th *thread.Thread) ([]value.Value, error) {
reentry:
	ci := th.Current()
	cl := ci.Closure
	p := cl.Proto
	code := p.Code

	for {
		if vm.hook.trap {
			vm.checkLineAndCount(th, p.LineAt(ci.PC))
		}
		op, a, b, c, imm := fetch(code, ci.PC)
		ci.PC++

		switch op {
		case OpLoadK:
			setReg(th, ci, a, p.Constants[imm])

		case OpLoadBool:
			setReg(th, ci, a, value.Bool(b != 0))
			if c != 0 {
				ci.PC++
			}

		case OpLoadNil:
			for i := a; i <= a+b; i++ {
				setReg(th, ci, i, value.Nil)
			}

		case OpMove:
			setReg(th, ci, a, reg(th, ci, b))

		case OpGetUpval:
			setReg(th, ci, a, cl.Upvalues[b].Get())

		case OpSetUpval:
			uv := cl.Upvalues[b]
			v := reg(th, ci, a)
			uv.Set(v)
			if !uv.IsOpen() {
				if ref, ok := vm.Heap.ClosureRef(cl); ok {
					vm.Heap.BarrierForward(ref, v)
				}
			}

		case OpNewTable:
			setReg(th, ci, a, vm.Heap.NewTable(b, c))

		case OpGetTable:
			v, err := vm.index(th, reg(th, ci, b), reg(th, ci, c))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpSetTable:
			if err := vm.newindex(th, reg(th, ci, a), reg(th, ci, b), reg(th, ci, c)); err != nil {
				return nil, vm.unwind(th, err)
			}

		case OpSelf:
			obj := reg(th, ci, b)
			setReg(th, ci, a+1, obj)
			v, err := vm.index(th, obj, reg(th, ci, c))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpAdd, OpSub, OpMul, OpDiv, OpIDiv, OpMod, OpPow:
			v, err := vm.arith(th, op, reg(th, ci, b), reg(th, ci, c))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpUnm:
			v, err := vm.arithUnm(th, reg(th, ci, b))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpBAnd, OpBOr, OpBXor, OpShl, OpShr:
			v, err := vm.bitwise(th, op, reg(th, ci, b), reg(th, ci, c))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpBNot:
			v, err := vm.bitwiseNot(th, reg(th, ci, b))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpEq:
			eq, err := vm.equals(th, reg(th, ci, b), reg(th, ci, c))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, value.Bool(eq))

		case OpLt:
			lt, err := vm.less(th, reg(th, ci, b), reg(th, ci, c), false)
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, value.Bool(lt))

		case OpLe:
			le, err := vm.less(th, reg(th, ci, b), reg(th, ci, c), true)
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, value.Bool(le))

		case OpNot:
			setReg(th, ci, a, value.Bool(!reg(th, ci, b).Truthy()))

		case OpLen:
			v, err := vm.length(th, reg(th, ci, b))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpConcat:
			v, err := vm.concat(th, ci, b, c)
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			setReg(th, ci, a, v)

		case OpJmp:
			ci.PC += signedImm(imm)

		case OpTest:
			if reg(th, ci, a).Truthy() != (c != 0) {
				ci.PC++
			}

		case OpTestSet:
			v := reg(th, ci, b)
			if v.Truthy() == (c != 0) {
				setReg(th, ci, a, v)
			} else {
				ci.PC++
			}

		case OpCall:
			nargs := b - 1
			if b == 0 {
				nargs = ci.Top - (ci.Base + a + 1)
			}
			args := make([]value.Value, nargs)
			for i := 0; i < nargs; i++ {
				args[i] = reg(th, ci, a+1+i)
			}
			nrets := c - 1
			results, err := vm.Call(th, reg(th, ci, a), args, nrets)
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			for i, v := range results {
				setReg(th, ci, a+i, v)
			}
			if c == 0 {
				ci.Top = ci.Base + a + len(results)
			}

		case OpTailCall:
			nargs := b - 1
			if b == 0 {
				nargs = ci.Top - (ci.Base + a + 1)
			}
			args := make([]value.Value, nargs)
			for i := 0; i < nargs; i++ {
				args[i] = reg(th, ci, a+1+i)
			}
			fn := reg(th, ci, a)

			pending := ci.TBC.Pending(ci.Base)
			th.CloseUpvaluesFrom(ci.Base)
			if err := vm.runClose(th, pending, nil); err != nil {
				return nil, vm.unwind(th, err)
			}

			newCl := vm.Heap.Closure(fn)
			if newCl == nil || newCl.IsHost() {
				// Host (or unresolved) callee: this CallInfo's script-frame
				// shape can't be reused, so fall back to a regular call and
				// return its results directly.
				results, callErr := vm.Call(th, fn, args, -1)
				th.PopCall()
				if callErr != nil {
					return nil, callErr
				}
				return results, nil
			}

			vm.fireTailCall(th)

			cl = newCl
			p = cl.Proto
			code = p.Code
			ci.Closure = cl
			ci.IsTailCall = true
			ci.TBC = thread.TBCList{}

			nFixed := int(p.NumParams)
			nExtra := 0
			if p.IsVararg && len(args) > nFixed {
				nExtra = len(args) - nFixed
			}
			base := ci.Base
			window := int(p.MaxStack)
			for i := 0; i < nExtra; i++ {
				th.Stack[base-nExtra+i] = args[nFixed+i]
			}
			ci.VarargBase = base - nExtra
			ci.VarargCount = nExtra
			for i := 0; i < window; i++ {
				if i < nFixed && i < len(args) {
					th.Stack[base+i] = args[i]
				} else {
					th.Stack[base+i] = value.Nil
				}
			}
			ci.Top = base + window
			ci.PC = 0
			goto reentry

		case OpReturn:
			n := b - 1
			if b == 0 {
				n = ci.Top - (ci.Base + a)
			}
			results := make([]value.Value, n)
			for i := 0; i < n; i++ {
				results[i] = reg(th, ci, a+i)
			}
			pending := th.PopCall()
			if err := vm.runClose(th, pending, nil); err != nil {
				return nil, err
			}
			return results, nil

		case OpVararg:
			n := b - 1
			if b == 0 {
				n = ci.VarargCount
			}
			for i := 0; i < n; i++ {
				if i < ci.VarargCount {
					setReg(th, ci, a+i, th.Stack[ci.VarargBase+i])
				} else {
					setReg(th, ci, a+i, value.Nil)
				}
			}
			if b == 0 {
				ci.Top = ci.Base + a + n
			}

		case OpClosure:
			childProto := p.Protos[imm]
			upvals := make([]*proto.Upvalue, len(childProto.Upvalues))
			for i, d := range childProto.Upvalues {
				if d.InStack {
					upvals[i] = th.FindOrCreateUpvalue(ci.Base + int(d.Index))
				} else {
					upvals[i] = cl.Upvalues[d.Index]
				}
			}
			newCl := proto.NewScript(childProto, upvals)
			setReg(th, ci, a, vm.Heap.NewScriptClosure(newCl))

		case OpForPrep:
			init, limit, step, isInt, err := vm.prepareForLoop(reg(th, ci, a), reg(th, ci, a+1), reg(th, ci, a+2))
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			if isInt {
				setReg(th, ci, a, value.Int(init.AsInt()-step.AsInt()))
			} else {
				f, _ := init.ToFloat()
				s, _ := step.ToFloat()
				setReg(th, ci, a, value.Flt(f-s))
			}
			setReg(th, ci, a+1, limit)
			setReg(th, ci, a+2, step)
			ci.PC += signedImm(imm)

		case OpForLoop:
			cont, nv := vm.stepForLoop(reg(th, ci, a), reg(th, ci, a+1), reg(th, ci, a+2))
			if cont {
				setReg(th, ci, a, nv)
				setReg(th, ci, a+3, nv)
				ci.PC += signedImm(imm)
			}

		case OpTForCall:
			iter := reg(th, ci, a)
			state := reg(th, ci, a+1)
			control := reg(th, ci, a+2)
			results, err := vm.Call(th, iter, []value.Value{state, control}, c)
			if err != nil {
				return nil, vm.unwind(th, err)
			}
			for i := 0; i < c; i++ {
				setReg(th, ci, a+4+i, results[i])
			}

		case OpTForLoop:
			first := reg(th, ci, a+4)
			if !first.IsNil() {
				setReg(th, ci, a+2, first)
				ci.PC += signedImm(imm)
			}

		case OpTBC:
			v := reg(th, ci, a)
			hasClose := !vm.metamethod(v, metaClose).IsNil()
			if err := ci.TBC.Mark(a, v, hasClose); err != nil {
				return nil, vm.unwind(th, err)
			}

		case OpClose:
			pending := ci.TBC.Pending(a)
			th.CloseUpvaluesFrom(a)
			if err := vm.runClose(th, pending, nil); err != nil {
				return nil, vm.unwind(th, err)
			}

		default:
			return nil, vm.unwind(th, errctl.ErrInvalidOpcode)
		}
	}
}

// unwind runs every pending to-be-closed variable in the current frame (in
// reverse declaration order) before propagating err further up, matching
// spec §4.7's "an error unwind still runs __close" guarantee, and pops the
// frame so a surrounding protected call sees a consistent CallInfo depth.
func (vm *VM) unwind(th *thread.Thread, err error) error {
	ci := th.Current()
	pending := ci.TBC.Pending(ci.Base)
	th.CloseUpvaluesFrom(ci.Base)
	closeErr := vm.runClose(th, pending, err)
	th.PopCall()
	if closeErr != nil {
		return closeErr
	}
	return err
}
