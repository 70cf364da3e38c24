// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package kv

// Expected is a per-attribute write precondition. With Exists false the
// attribute must be absent; with a Value it must be present and equal;
// with Exists true and no Value it must merely be present. A failed
// precondition surfaces as ErrConditionFailed.
type Expected struct {
	Name   string
	Exists bool
	Value  *Value
}

// Absent expects the named attribute not to exist. Expecting the hash key
// attribute absent is the conventional way to assert "row does not exist".
func Absent(name string) Expected {
	return Expected{Name: name}
}

// Equals expects the named attribute to exist with exactly this value.
func Equals(name string, v Value) Expected {
	return Expected{Name: name, Exists: true, Value: &v}
}

// Present expects the named attribute to exist with any value.
func Present(name string) Expected {
	return Expected{Name: name, Exists: true}
}

// Matches evaluates the precondition against an item (nil means the row is
// absent entirely).
func (e Expected) Matches(item Item) bool {
	var v Value
	if item != nil {
		v = item[e.Name]
	}
	if !e.Exists {
		return v.IsZero()
	}
	if v.IsZero() {
		return false
	}
	if e.Value != nil {
		return v.Equal(*e.Value)
	}
	return true
}

// UpdateAction says how an Update changes an attribute.
type UpdateAction uint8

const (
	// UpdatePut replaces the attribute with the given value.
	UpdatePut UpdateAction = iota
	// UpdateAdd atomically adds to a number, or unions into a string set.
	// Adding to an absent number treats it as zero.
	UpdateAdd
	// UpdateDelete removes the attribute entirely, or removes the given
	// elements when the value is a string set.
	UpdateDelete
)

// Update is a single attribute mutation within an UpdateItem call.
type Update struct {
	Name   string
	Action UpdateAction
	Value  Value
}

// Put replaces an attribute.
func Put(name string, v Value) Update {
	return Update{Name: name, Action: UpdatePut, Value: v}
}

// Add atomically increments a number attribute (or unions a string set).
func Add(name string, v Value) Update {
	return Update{Name: name, Action: UpdateAdd, Value: v}
}

// Delete removes an attribute.
func Delete(name string) Update {
	return Update{Name: name, Action: UpdateDelete}
}

// DeleteElems removes elements from a string-set attribute.
func DeleteElems(name string, elems ...string) Update {
	return Update{Name: name, Action: UpdateDelete, Value: SS(elems...)}
}

// RangeOp enumerates range key comparison operators for Query.
type RangeOp uint8

const (
	RangeEQ RangeOp = iota
	RangeLT
	RangeLE
	RangeGT
	RangeGE
	RangeBetween
	RangeBeginsWith
)

// RangeCondition restricts a Query to rows whose range key satisfies the
// operator. Between takes two values (inclusive bounds); all others one.
type RangeCondition struct {
	Op     RangeOp
	Values []Value
}

// RangeEquals matches exactly one range key.
func RangeEquals(v Value) *RangeCondition {
	return &RangeCondition{Op: RangeEQ, Values: []Value{v}}
}

// RangeGreater matches range keys strictly greater than v.
func RangeGreater(v Value) *RangeCondition {
	return &RangeCondition{Op: RangeGT, Values: []Value{v}}
}

// RangeAtLeast matches range keys greater than or equal to v.
func RangeAtLeast(v Value) *RangeCondition {
	return &RangeCondition{Op: RangeGE, Values: []Value{v}}
}

// RangeLess matches range keys strictly less than v.
func RangeLess(v Value) *RangeCondition {
	return &RangeCondition{Op: RangeLT, Values: []Value{v}}
}

// RangeAtMost matches range keys less than or equal to v.
func RangeAtMost(v Value) *RangeCondition {
	return &RangeCondition{Op: RangeLE, Values: []Value{v}}
}

// Between matches range keys in [lo, hi].
func Between(lo, hi Value) *RangeCondition {
	return &RangeCondition{Op: RangeBetween, Values: []Value{lo, hi}}
}

// BeginsWith matches string range keys with the given prefix.
func BeginsWith(prefix string) *RangeCondition {
	return &RangeCondition{Op: RangeBeginsWith, Values: []Value{S(prefix)}}
}

// Matches evaluates the condition against a range key value.
func (rc *RangeCondition) Matches(v Value) bool {
	if rc == nil {
		return true
	}
	switch rc.Op {
	case RangeEQ:
		return v.Equal(rc.Values[0])
	case RangeLT:
		return v.Less(rc.Values[0])
	case RangeLE:
		return !rc.Values[0].Less(v)
	case RangeGT:
		return rc.Values[0].Less(v)
	case RangeGE:
		return !v.Less(rc.Values[0])
	case RangeBetween:
		return !v.Less(rc.Values[0]) && !rc.Values[1].Less(v)
	case RangeBeginsWith:
		return v.HasPrefix(rc.Values[0])
	}
	return false
}
