// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package kv

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/juju/errors"
)

// Kind enumerates the attribute value kinds the store understands. They
// mirror the DynamoDB attribute types we use: string, number, binary,
// boolean and string set.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindNumber
	KindBytes
	KindBool
	KindStringSet
)

// String is part of fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindString:
		return "S"
	case KindNumber:
		return "N"
	case KindBytes:
		return "B"
	case KindBool:
		return "BOOL"
	case KindStringSet:
		return "SS"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a single attribute value. The zero Value has KindNone and means
// "no value"; it is used for absent range keys and optional fields.
// Numbers are held in canonical decimal form so that equal numbers have
// equal representations.
type Value struct {
	kind Kind
	str  string // payload for KindString and KindNumber
	raw  []byte // payload for KindBytes
	flag bool   // payload for KindBool
	set  []string
}

// S returns a string value.
func S(s string) Value {
	return Value{kind: KindString, str: s}
}

// N returns a number value holding the given integer.
func N(n int64) Value {
	return Value{kind: KindNumber, str: strconv.FormatInt(n, 10)}
}

// NFloat returns a number value holding the given float.
func NFloat(f float64) Value {
	return Value{kind: KindNumber, str: strconv.FormatFloat(f, 'g', -1, 64)}
}

// NDecimal returns a number value from its decimal string form, as received
// from the store.
func NDecimal(s string) (Value, error) {
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return Value{}, errors.NotValidf("number %q", s)
	}
	return Value{kind: KindNumber, str: s}, nil
}

// B returns a binary value.
func B(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte(nil), b...)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, flag: b}
}

// SS returns a string-set value. Elements are sorted and deduplicated; a
// set value never compares by order of insertion.
func SS(elems ...string) Value {
	sorted := append([]string(nil), elems...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, e := range sorted {
		if i == 0 || e != sorted[i-1] {
			out = append(out, e)
		}
	}
	return Value{kind: KindStringSet, set: out}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether this is the zero (absent) value.
func (v Value) IsZero() bool { return v.kind == KindNone }

// Str returns the string payload, or "" for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Number returns the canonical decimal form of a number value.
func (v Value) Number() string {
	if v.kind != KindNumber {
		return ""
	}
	return v.str
}

// Int returns the number payload as an int64.
func (v Value) Int() (int64, error) {
	if v.kind != KindNumber {
		return 0, errors.NotValidf("%s value as int", v.kind)
	}
	n, err := strconv.ParseInt(v.str, 10, 64)
	if err != nil {
		return 0, errors.NotValidf("number %q as int", v.str)
	}
	return n, nil
}

// Float returns the number payload as a float64.
func (v Value) Float() (float64, error) {
	if v.kind != KindNumber {
		return 0, errors.NotValidf("%s value as float", v.kind)
	}
	f, err := strconv.ParseFloat(v.str, 64)
	if err != nil {
		return 0, errors.NotValidf("number %q as float", v.str)
	}
	return f, nil
}

// Bytes returns the binary payload, or nil for other kinds.
func (v Value) Bytes() []byte {
	if v.kind != KindBytes {
		return nil
	}
	return append([]byte(nil), v.raw...)
}

// BoolValue returns the boolean payload, or false for other kinds.
func (v Value) BoolValue() bool {
	return v.kind == KindBool && v.flag
}

// Set returns the string-set payload, or nil for other kinds.
func (v Value) Set() []string {
	if v.kind != KindStringSet {
		return nil
	}
	return append([]string(nil), v.set...)
}

// Equal reports whether two values have the same kind and payload. Numbers
// compare numerically, so N("1.0") equals N("1").
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return numberCompare(v.str, o.str) == 0
	case KindBytes:
		return string(v.raw) == string(o.raw)
	case KindBool:
		return v.flag == o.flag
	case KindStringSet:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if v.set[i] != o.set[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Less orders two values of the same sortable kind the way the store's
// range scans do: strings and binary byte-wise, numbers numerically.
// Booleans and sets are not sortable and always return false.
func (v Value) Less(o Value) bool {
	if v.kind != o.kind {
		// Absent sorts first; mixed kinds have no defined order beyond that.
		return v.kind < o.kind
	}
	switch v.kind {
	case KindString:
		return v.str < o.str
	case KindNumber:
		return numberCompare(v.str, o.str) < 0
	case KindBytes:
		return string(v.raw) < string(o.raw)
	}
	return false
}

// HasPrefix reports whether a string or binary value begins with the given
// prefix. Used by BEGINS_WITH range conditions.
func (v Value) HasPrefix(prefix Value) bool {
	switch v.kind {
	case KindString:
		p := prefix.Str()
		return len(v.str) >= len(p) && v.str[:len(p)] == p
	case KindBytes:
		p := prefix.Bytes()
		return len(v.raw) >= len(p) && string(v.raw[:len(p)]) == string(p)
	}
	return false
}

// String is part of fmt.Stringer; it renders a debug form.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "<none>"
	case KindString:
		return fmt.Sprintf("S:%q", v.str)
	case KindNumber:
		return "N:" + v.str
	case KindBytes:
		return fmt.Sprintf("B:%x", v.raw)
	case KindBool:
		return fmt.Sprintf("BOOL:%t", v.flag)
	case KindStringSet:
		return fmt.Sprintf("SS:%v", v.set)
	}
	return "<invalid>"
}

// numberCompare compares two canonical decimal strings numerically. Both
// operands parse as int64 in every schema this store serves; the float path
// covers aspect ratios and other measure attributes.
func numberCompare(a, b string) int {
	ia, errA := strconv.ParseInt(a, 10, 64)
	ib, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	}
	fa, _ := strconv.ParseFloat(a, 64)
	fb, _ := strconv.ParseFloat(b, 64)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}
