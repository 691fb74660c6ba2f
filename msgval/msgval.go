// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package msgval defines a dynamically-typed value tree used as the
// in-memory representation of message parameters and payloads.
//
// The peer protocol's parameter and result shapes vary per command and
// evolve independently of this library, so payloads are modeled as a
// tagged union over the wire format's scalar and container types rather
// than as one concrete struct per command. Typed builders are layered on
// top in the templates package as a convenience; the Value tree is always
// the wire representation.
//
// String and Binary are distinct kinds and never conflated: a field that
// is logically opaque bytes must round-trip as Binary even if its content
// happens to be valid UTF-8, because the wire format distinguishes the
// two and downstream consumers depend on the distinction.
package msgval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// A Kind identifies the type of value stored in a Value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBinary
	KindArray
	KindMap
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBinary: "binary",
	KindArray:  "array",
	KindMap:    "map",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind %d", int(k))
	}
	return kindNames[k]
}

// A Value is a member of the value tree. The zero value is Nil.
// Values are shallow-copyable; Array and Map contents are shared
// between copies.
type Value struct {
	kind Kind
	num  uint64 // bool, int, and float payloads
	str  string // string payload
	bin  []byte // binary payload
	arr  []Value
	m    *Map
}

// Nil returns the nil value. It is equivalent to a zero Value.
func Nil() Value { return Value{} }

// Bool returns a Boolean value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, num: uint64(v)} }

// Float returns a floating-point value.
func Float(v float64) Value { return Value{kind: KindFloat, num: math.Float64bits(v)} }

// String returns a string value. The string must be valid UTF-8; the
// codec reports an encoding error otherwise.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Binary returns an opaque byte-sequence value. The value retains bs
// without copying it.
func Binary(bs []byte) Value { return Value{kind: KindBinary, bin: bs} }

// Array returns an array value comprising the given elements.
func Array(elts ...Value) Value { return Value{kind: KindArray, arr: elts} }

// MapValue wraps m as a value. A nil m is treated as an empty map.
func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

// Kind reports the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.kind == KindNil }

// AsBool reports the Boolean payload of v, or false if v is not a bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.num != 0, true
}

// AsInt reports the integer payload of v, or 0 if v is not an int.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return int64(v.num), true
}

// AsFloat reports the floating-point payload of v, or 0 if v is not a float.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return math.Float64frombits(v.num), true
}

// AsString reports the string payload of v, or "" if v is not a string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsBinary reports the byte payload of v, or nil if v is not binary.
// The caller must not modify the reported slice.
func (v Value) AsBinary() ([]byte, bool) {
	if v.kind != KindBinary {
		return nil, false
	}
	return v.bin, true
}

// AsArray reports the elements of v, or nil if v is not an array.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsMap reports the map payload of v, or nil if v is not a map.
func (v Value) AsMap() (*Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Equal reports whether v and w are structurally equal: same kind and
// payload, with arrays compared elementwise and maps compared by key set
// and per-key value (map key order does not affect equality).
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool, KindInt:
		return v.num == w.num
	case KindFloat:
		// Compare by bit pattern so NaN round-trips compare equal.
		return v.num == w.num
	case KindString:
		return v.str == w.str
	case KindBinary:
		return string(v.bin) == string(w.bin)
	case KindArray:
		if len(v.arr) != len(w.arr) {
			return false
		}
		for i, elt := range v.arr {
			if !elt.Equal(w.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if v.m.Len() != w.m.Len() {
			return false
		}
		for _, key := range v.m.Keys() {
			wv, ok := w.m.Get(key)
			if !ok {
				return false
			}
			vv, _ := v.m.Get(key)
			if !vv.Equal(wv) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v in a compact human-readable form for logs and tests.
// The rendering is not a serialization format.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindFloat:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindBinary:
		return fmt.Sprintf("bin[%d]", len(v.bin))
	case KindArray:
		elts := make([]string, len(v.arr))
		for i, elt := range v.arr {
			elts[i] = elt.String()
		}
		return "[" + strings.Join(elts, ", ") + "]"
	case KindMap:
		elts := make([]string, 0, v.m.Len())
		for _, key := range v.m.Keys() {
			ev, _ := v.m.Get(key)
			elts = append(elts, key+": "+ev.String())
		}
		return "{" + strings.Join(elts, ", ") + "}"
	}
	return "invalid"
}
