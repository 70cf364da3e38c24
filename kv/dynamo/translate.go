// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package dynamo

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"

	"github.com/viewfinderco/viewfinder-sub004/kv"
)

func encodeValue(v kv.Value) (types.AttributeValue, error) {
	switch v.Kind() {
	case kv.KindString:
		return &types.AttributeValueMemberS{Value: v.Str()}, nil
	case kv.KindNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case kv.KindBytes:
		return &types.AttributeValueMemberB{Value: v.Bytes()}, nil
	case kv.KindBool:
		return &types.AttributeValueMemberBOOL{Value: v.BoolValue()}, nil
	case kv.KindStringSet:
		return &types.AttributeValueMemberSS{Value: v.Set()}, nil
	}
	return nil, errors.NotValidf("attribute value of kind %s", v.Kind())
}

func decodeValue(av types.AttributeValue) (kv.Value, error) {
	switch av := av.(type) {
	case *types.AttributeValueMemberS:
		return kv.S(av.Value), nil
	case *types.AttributeValueMemberN:
		v, err := kv.NDecimal(av.Value)
		return v, errors.Trace(err)
	case *types.AttributeValueMemberB:
		return kv.B(av.Value), nil
	case *types.AttributeValueMemberBOOL:
		return kv.Bool(av.Value), nil
	case *types.AttributeValueMemberSS:
		return kv.SS(av.Value...), nil
	}
	return kv.Value{}, errors.NotSupportedf("attribute value of type %T", av)
}

func encodeItem(item kv.Item) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(item))
	for name, v := range item {
		av, err := encodeValue(v)
		if err != nil {
			return nil, errors.Annotatef(err, "attribute %q", name)
		}
		out[name] = av
	}
	return out, nil
}

func decodeItem(raw map[string]types.AttributeValue) (kv.Item, error) {
	item := make(kv.Item, len(raw))
	for name, av := range raw {
		v, err := decodeValue(av)
		if err != nil {
			return nil, errors.Annotatef(err, "attribute %q", name)
		}
		item[name] = v
	}
	return item, nil
}

func encodeKey(t kv.Table, key kv.Key) (map[string]types.AttributeValue, error) {
	item, err := encodeItem(t.KeyItem(key))
	return item, errors.Trace(err)
}

func decodeKey(t kv.Table, raw map[string]types.AttributeValue) (kv.Key, error) {
	item, err := decodeItem(raw)
	if err != nil {
		return kv.Key{}, errors.Trace(err)
	}
	return t.Key(item), nil
}

// exprBuilder accumulates condition, update and key expressions with
// name and value substitution. Every attribute reference goes through a
// placeholder, which sidesteps the store's reserved-word list (it
// includes "name" and "timestamp", both live attributes here).
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
	err    error
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

func (b *exprBuilder) name(attr string) string {
	for p, n := range b.names {
		if n == attr {
			return p
		}
	}
	p := fmt.Sprintf("#n%d", len(b.names))
	b.names[p] = attr
	return p
}

func (b *exprBuilder) value(v kv.Value) string {
	av, err := encodeValue(v)
	if err != nil && b.err == nil {
		b.err = err
	}
	p := fmt.Sprintf(":v%d", len(b.values))
	b.values[p] = av
	return p
}

// condition renders preconditions as a condition expression, or "" when
// there are none.
func (b *exprBuilder) condition(expected []kv.Expected) string {
	clauses := make([]string, 0, len(expected))
	for _, e := range expected {
		n := b.name(e.Name)
		switch {
		case !e.Exists:
			clauses = append(clauses, "attribute_not_exists("+n+")")
		case e.Value != nil:
			clauses = append(clauses, n+" = "+b.value(*e.Value))
		default:
			clauses = append(clauses, "attribute_exists("+n+")")
		}
	}
	return strings.Join(clauses, " AND ")
}

// update renders attribute updates as an update expression. Deleting a
// whole attribute maps to REMOVE; deleting set elements maps to DELETE.
func (b *exprBuilder) update(updates []kv.Update) (string, error) {
	var sets, adds, deletes, removes []string
	for _, u := range updates {
		n := b.name(u.Name)
		switch u.Action {
		case kv.UpdatePut:
			sets = append(sets, n+" = "+b.value(u.Value))
		case kv.UpdateAdd:
			adds = append(adds, n+" "+b.value(u.Value))
		case kv.UpdateDelete:
			if u.Value.Kind() == kv.KindStringSet {
				deletes = append(deletes, n+" "+b.value(u.Value))
			} else {
				removes = append(removes, n)
			}
		default:
			return "", errors.NotValidf("update action %d", u.Action)
		}
	}
	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(adds, ", "))
	}
	if len(deletes) > 0 {
		parts = append(parts, "DELETE "+strings.Join(deletes, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	return strings.Join(parts, " "), nil
}

// keyCondition renders a query's hash equality and optional range
// condition as a key condition expression.
func (b *exprBuilder) keyCondition(t kv.Table, q kv.Query) (string, error) {
	expr := b.name(t.HashKey) + " = " + b.value(q.Hash)
	rc := q.Range
	if rc == nil {
		return expr, nil
	}
	if t.RangeKey == "" {
		return "", errors.NotValidf("range condition on hash-only table %q", t.Name)
	}
	n := b.name(t.RangeKey)
	switch rc.Op {
	case kv.RangeEQ:
		expr += " AND " + n + " = " + b.value(rc.Values[0])
	case kv.RangeLT:
		expr += " AND " + n + " < " + b.value(rc.Values[0])
	case kv.RangeLE:
		expr += " AND " + n + " <= " + b.value(rc.Values[0])
	case kv.RangeGT:
		expr += " AND " + n + " > " + b.value(rc.Values[0])
	case kv.RangeGE:
		expr += " AND " + n + " >= " + b.value(rc.Values[0])
	case kv.RangeBetween:
		expr += " AND " + n + " BETWEEN " + b.value(rc.Values[0]) + " AND " + b.value(rc.Values[1])
	case kv.RangeBeginsWith:
		expr += " AND begins_with(" + n + ", " + b.value(rc.Values[0]) + ")"
	default:
		return "", errors.NotValidf("range operator %d", rc.Op)
	}
	return expr, nil
}
