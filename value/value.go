// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package value defines the tagged Value union that every luacore subsystem
// operates on: the VM's registers, a table's keys and values, an upvalue
// cell's contents, and every slot of a thread's stack all hold a Value.
//
// Design principles:
//   - One concrete type, one Kind tag — no interface-per-variant dispatch on
//     the hot path (the VM dereferences Kind directly at every instruction).
//   - Integer and Float are distinct kinds with their own arithmetic and
//     equality rules; neither is silently truncated into the other except
//     where the language requires it (pow/div always float, an exact
//     integer-valued float can key as an integer in a table).
//   - Reference-shaped variants (String, Table, Closure, Thread, UserData)
//     hold a Ref — a generation-tagged arena index, never a Go pointer —
//     so the gc package owns all object identity and lifetime.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind categorizes the fundamental shape of a Value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindLightPointer
	KindString
	KindTable
	KindClosure
	KindHostFn
	KindThread
	KindUserData
)

var kindNames = [...]string{
	KindNil:          "nil",
	KindBool:         "boolean",
	KindInteger:      "number",
	KindFloat:        "number",
	KindLightPointer: "userdata",
	KindString:       "string",
	KindTable:        "table",
	KindClosure:      "function",
	KindHostFn:       "function",
	KindThread:       "thread",
	KindUserData:     "userdata",
}

// String returns the language-level type name (the name lua's `type()`
// built-in would report), not a Go-level debug name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Ref is a generation-tagged index into a gc arena. It is the indirection
// prescribed for "GC object graph with cycles" (see DESIGN.md): every
// reference-shaped Value variant stores one of these instead of a language
// (Go) pointer, so the gc package can move, color and collect objects
// without the value model knowing anything about mark-sweep.
type Ref struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether r is the zero Ref (used as a "no object" marker).
func (r Ref) IsZero() bool { return r.Index == 0 && r.Gen == 0 }

// Value is the tagged union described in spec §3.1.
type Value struct {
	kind Kind
	n    uint64 // Integer bits, or math.Float64bits(Float), or bool as 0/1, or LightPointer address
	ref  Ref    // valid when kind is String/Table/Closure/Thread/UserData
}

// Nil is the singleton nil value.
var Nil = Value{kind: KindNil}

// True and False are the two boolean values.
var True = Value{kind: KindBool, n: 1}
var False = Value{kind: KindBool, n: 0}

// Bool returns True or False for b.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int returns an Integer value.
func Int(i int64) Value { return Value{kind: KindInteger, n: uint64(i)} }

// Flt returns a Float value.
func Flt(f float64) Value { return Value{kind: KindFloat, n: math.Float64bits(f)} }

// LightPointer returns a LightPointer value wrapping a raw host address.
// LightPointer is not GC-tracked and carries no per-value metatable.
func LightPointer(addr uint64) Value { return Value{kind: KindLightPointer, n: addr} }

// FromRef builds a reference-shaped Value (String/Table/Closure/Thread/
// UserData) around a gc arena reference.
func FromRef(k Kind, r Ref) Value { return Value{kind: k, ref: r} }

// HostFn returns a direct host-function Value carrying an opaque table
// index into the embedder's function registry (no upvalues, no heap object).
func HostFn(id uint64) Value { return Value{kind: KindHostFn, n: id} }

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is Nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// AsBool returns the raw bool payload; only meaningful when Kind()==KindBool.
func (v Value) AsBool() bool { return v.n != 0 }

// AsInt returns the raw int64 payload; only meaningful when Kind()==KindInteger.
func (v Value) AsInt() int64 { return int64(v.n) }

// AsFloat returns the raw float64 payload; only meaningful when Kind()==KindFloat.
func (v Value) AsFloat() float64 { return math.Float64frombits(v.n) }

// AsLightPointer returns the raw address; only meaningful when Kind()==KindLightPointer.
func (v Value) AsLightPointer() uint64 { return v.n }

// AsHostFn returns the raw host-function id; only meaningful when Kind()==KindHostFn.
func (v Value) AsHostFn() uint64 { return v.n }

// AsRef returns the arena reference; only meaningful for reference-shaped kinds.
func (v Value) AsRef() Ref { return v.ref }

// Truthy implements spec §3.1: only Nil and Bool(false) are falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.n != 0
	default:
		return true
	}
}

// IsNumber reports whether v is Integer or Float.
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindFloat }

// ToFloat converts a numeric value to float64. The second result is false
// for non-numeric values.
func (v Value) ToFloat() (float64, bool) {
	switch v.kind {
	case KindInteger:
		return float64(v.AsInt()), true
	case KindFloat:
		return v.AsFloat(), true
	default:
		return 0, false
	}
}

// ExactInt reports whether f represents an integer exactly representable
// as an int64 (used both for raw equality across Integer/Float and for the
// "float key normalizes to integer key" table rule in §3.3).
func ExactInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	if f < -9.2233720368547758e18 || f >= 9.2233720368547758e18 {
		return 0, false
	}
	return int64(f), true
}

// NormalizeKey implements the table-key normalization rule from §4.2:
// reject Nil/NaN, and fold an exact-integer Float into its Integer form.
// ok is false for Nil or NaN, which are never valid keys.
func NormalizeKey(v Value) (Value, bool) {
	switch v.kind {
	case KindNil:
		return v, false
	case KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) {
			return v, false
		}
		if i, exact := ExactInt(f); exact {
			return Int(i), true
		}
		return v, true
	default:
		return v, true
	}
}

// RawEqual implements spec §3.1 raw equality: numeric kinds compare
// numerically across Integer/Float, reference kinds compare by identity
// (the caller supplies identity via same Ref, or byte equality for long
// strings resolved by the strtab package), everything else compares by
// kind+payload.
func RawEqual(a, b Value) bool {
	if a.kind == KindInteger && b.kind == KindInteger {
		return a.n == b.n
	}
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.ToFloat()
		bf, _ := b.ToFloat()
		// An Integer equals a Float iff the Float exactly represents it.
		if a.kind == KindInteger {
			if i, exact := ExactInt(bf); exact {
				return i == a.AsInt()
			}
			return false
		}
		if b.kind == KindInteger {
			if i, exact := ExactInt(af); exact {
				return i == b.AsInt()
			}
			return false
		}
		return af == bf
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.n == b.n
	case KindLightPointer:
		return a.n == b.n
	case KindString, KindTable, KindClosure, KindThread, KindUserData:
		return a.ref == b.ref
	case KindHostFn:
		return a.n == b.n
	default:
		return false
	}
}

// FormatNumber implements spec §6.4 numeric formatting.
func FormatNumber(v Value) string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		f := v.AsFloat()
		if math.IsInf(f, 1) {
			return "inf"
		}
		if math.IsInf(f, -1) {
			return "-inf"
		}
		if math.IsNaN(f) {
			return "nan"
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		if got, err := strconv.ParseFloat(s, 64); err != nil || got != f {
			s = strconv.FormatFloat(f, 'g', 17, 64)
			if !strings.ContainsAny(s, ".eEnN") {
				s += ".0"
			}
		}
		return s
	default:
		return ""
	}
}

// ParseNumber implements spec §6.4 string→number conversion: decimal and
// hex integers, decimal and hex floats, optional sign/whitespace; "inf" and
// "nan" literals are rejected. Prefers Integer when the text round-trips as
// one.
func ParseNumber(s string) (Value, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return Nil, false
	}
	low := strings.ToLower(t)
	if strings.Contains(low, "inf") || strings.Contains(low, "nan") {
		return Nil, false
	}
	neg := false
	body := t
	if len(body) > 0 && (body[0] == '+' || body[0] == '-') {
		neg = body[0] == '-'
		body = body[1:]
	}
	isHex := len(body) > 1 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X')
	if isHex {
		if strings.ContainsAny(body, ".pP") {
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return Nil, false
			}
			return Flt(f), true
		}
		u, err := strconv.ParseUint(body[2:], 16, 64)
		if err != nil {
			return Nil, false
		}
		i := int64(u)
		if neg {
			i = -i
		}
		return Int(i), true
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return Int(i), true
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return Flt(f), true
	}
	return Nil, false
}
