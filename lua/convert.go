// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Type testing and conversion group of the host API (spec §6.1): type,
// is_number/is_string/is_table, to_integer/to_number/to_string/to_boolean,
// to_userdata, raw_len.
package lua

import (
	"github.com/probechain/luacore/value"
)

// Type returns the language-level Kind of the value at index i (spec §6.1
// type).
func (s *State) Type(i int) value.Kind { return s.at(i).Kind() }

// IsNumber reports whether the value at i is an Integer or Float, or a
// string that parses as one (spec §6.1 is_number follows the reference
// API's coercion-aware contract).
func (s *State) IsNumber(i int) bool {
	v := s.at(i)
	if v.IsNumber() {
		return true
	}
	if v.Kind() == value.KindString {
		if str := s.Heap.String(v); str != nil {
			_, ok := value.ParseNumber(string(str.Bytes))
			return ok
		}
	}
	return false
}

// IsString reports whether the value at i is a string, or a number (which
// always has a canonical string form).
func (s *State) IsString(i int) bool {
	k := s.at(i).Kind()
	return k == value.KindString || k == value.KindInteger || k == value.KindFloat
}

// IsTable reports whether the value at i is a table.
func (s *State) IsTable(i int) bool { return s.at(i).Kind() == value.KindTable }

// IsFunction reports whether the value at i is callable directly (a
// closure or host function; values with __call are not reported callable
// here, matching lua_isfunction's raw-kind check).
func (s *State) IsFunction(i int) bool {
	k := s.at(i).Kind()
	return k == value.KindClosure || k == value.KindHostFn
}

// IsNil reports whether the value at i is Nil (including an out-of-range
// index, which the reference API also reports as nil).
func (s *State) IsNil(i int) bool { return s.at(i).IsNil() }

// ToInteger converts the value at i to an int64. ok is false if the value
// is not a number and not a string parsing to one, or is a float without
// an exact integer representation.
func (s *State) ToInteger(i int) (int64, bool) {
	v := s.numberAt(i)
	switch v.Kind() {
	case value.KindInteger:
		return v.AsInt(), true
	case value.KindFloat:
		return value.ExactInt(v.AsFloat())
	default:
		return 0, false
	}
}

// ToNumber converts the value at i to a float64 (spec §6.1 to_number),
// accepting both Integer/Float and parseable strings.
func (s *State) ToNumber(i int) (float64, bool) {
	v := s.numberAt(i)
	return v.ToFloat()
}

// numberAt resolves index i to a numeric value.Value, parsing a string
// payload through value.ParseNumber if needed (spec §6.4's "prefer
// Integer, else Float" string-to-number rule).
func (s *State) numberAt(i int) value.Value {
	v := s.at(i)
	if v.IsNumber() {
		return v
	}
	if v.Kind() == value.KindString {
		if str := s.Heap.String(v); str != nil {
			if n, ok := value.ParseNumber(string(str.Bytes)); ok {
				return n
			}
		}
	}
	return value.Nil
}

// ToString returns the bytes a value at i would produce via the `..`
// concatenation/`tostring` conversion path (spec §6.4 numeric formatting
// for numbers; raw bytes for strings). ok is false for values with no
// canonical string form (tables, functions, ... without a __tostring,
// which the vm package's concat path handles separately).
func (s *State) ToString(i int) (string, bool) {
	v := s.at(i)
	switch v.Kind() {
	case value.KindString:
		if str := s.Heap.String(v); str != nil {
			return string(str.Bytes), true
		}
		return "", false
	case value.KindInteger, value.KindFloat:
		return value.FormatNumber(v), true
	default:
		return "", false
	}
}

// ToBoolean returns the value's truthiness (spec §3.1); unlike ToNumber/
// ToString this never fails, matching lua_toboolean.
func (s *State) ToBoolean(i int) bool { return s.at(i).Truthy() }

// ToUserdata returns the UserData payload at i, or nil if the value is not
// a userdata.
func (s *State) ToUserdata(i int) *UserData {
	v := s.at(i)
	if v.Kind() != value.KindUserData {
		return nil
	}
	u := s.Heap.UserData(v)
	if u == nil {
		return nil
	}
	return &UserData{obj: u}
}

// RawLen returns the length of the value at i without invoking any
// metamethod (spec §6.1 raw_len): byte length for strings, array boundary
// for tables (spec §3.3's `#t`), 0 otherwise.
func (s *State) RawLen(i int) int64 {
	v := s.at(i)
	switch v.Kind() {
	case value.KindString:
		if str := s.Heap.String(v); str != nil {
			return int64(str.Len())
		}
	case value.KindTable:
		if t := s.Heap.Table(v); t != nil {
			return t.Len()
		}
	}
	return 0
}
