// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package kv

import (
	"fmt"
)

// Item is a stored row: attribute name to value. Missing attributes are
// simply absent from the map.
type Item map[string]Value

// Has reports whether the named attribute is present.
func (it Item) Has(name string) bool {
	v, ok := it[name]
	return ok && !v.IsZero()
}

// Str returns the named string attribute, or "" when absent.
func (it Item) Str(name string) string {
	return it[name].Str()
}

// Int returns the named number attribute as int64, or 0 when absent or
// malformed. Attribute values written by this package are always canonical,
// so the error case only arises on rows corrupted outside the service.
func (it Item) Int(name string) int64 {
	n, err := it[name].Int()
	if err != nil {
		return 0
	}
	return n
}

// Float returns the named number attribute as float64, or 0 when absent.
func (it Item) Float(name string) float64 {
	f, err := it[name].Float()
	if err != nil {
		return 0
	}
	return f
}

// Bool returns the named boolean attribute, or false when absent.
func (it Item) Bool(name string) bool {
	return it[name].BoolValue()
}

// Bytes returns the named binary attribute, or nil when absent.
func (it Item) Bytes(name string) []byte {
	return it[name].Bytes()
}

// StringSet returns the named string-set attribute, or nil when absent.
func (it Item) StringSet(name string) []string {
	return it[name].Set()
}

// Clone returns a copy of the item that shares no mutable state.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Key identifies a single row: the hash key, plus the range key for tables
// that have one. A zero Range means the table is keyed by hash alone.
type Key struct {
	Hash  Value
	Range Value
}

// String is part of fmt.Stringer.
func (k Key) String() string {
	if k.Range.IsZero() {
		return k.Hash.String()
	}
	return fmt.Sprintf("%s/%s", k.Hash, k.Range)
}

// Table describes a table and its key schema. The schema travels with every
// call so that backends can build key expressions without a registry.
type Table struct {
	Name     string
	HashKey  string
	RangeKey string // empty for hash-only tables
}

// Key extracts this table's key from an item.
func (t Table) Key(item Item) Key {
	k := Key{Hash: item[t.HashKey]}
	if t.RangeKey != "" {
		k.Range = item[t.RangeKey]
	}
	return k
}

// KeyItem returns an item holding only the key attributes.
func (t Table) KeyItem(key Key) Item {
	item := Item{t.HashKey: key.Hash}
	if t.RangeKey != "" && !key.Range.IsZero() {
		item[t.RangeKey] = key.Range
	}
	return item
}
