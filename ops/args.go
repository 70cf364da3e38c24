// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ops

import (
	"github.com/juju/schema"

	"github.com/viewfinderco/viewfinder-sub004/service/params"
)

// coerceArgs checks args against the method's field schema. JSON numbers
// arrive as float64, so integer fields use schema.ForceInt. A coercion
// failure is a client error: the arguments can never become valid, so the
// operation is rejected rather than retried.
func coerceArgs(method string, fields schema.Fields, defaults schema.Defaults, args map[string]interface{}) (map[string]interface{}, error) {
	coerced, err := schema.FieldMap(fields, defaults).Coerce(args, nil)
	if err != nil {
		return nil, params.Invalidf("", "%s: %v", method, err)
	}
	return coerced.(map[string]interface{}), nil
}

// The field helpers read coerced values. With schema.Omit defaults a
// missing optional field is simply absent from the map, so each helper
// returns the zero value for absent fields.

func fieldStr(valid map[string]interface{}, name string) string {
	if v, ok := valid[name]; ok && v != nil {
		return v.(string)
	}
	return ""
}

func fieldInt(valid map[string]interface{}, name string) int64 {
	if v, ok := valid[name]; ok && v != nil {
		return int64(v.(int))
	}
	return 0
}

func fieldBool(valid map[string]interface{}, name string) bool {
	if v, ok := valid[name]; ok && v != nil {
		return v.(bool)
	}
	return false
}

func fieldFloat(valid map[string]interface{}, name string) float64 {
	if v, ok := valid[name]; ok && v != nil {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return 0
}

// fieldStrPtr distinguishes "absent" from "present and empty": update
// methods treat an empty string as an instruction to clear the attribute.
func fieldStrPtr(valid map[string]interface{}, name string) *string {
	if v, ok := valid[name]; ok && v != nil {
		s := v.(string)
		return &s
	}
	return nil
}

func fieldStrList(valid map[string]interface{}, name string) []string {
	v, ok := valid[name]
	if !ok || v == nil {
		return nil
	}
	raw := v.([]interface{})
	out := make([]string, len(raw))
	for i, e := range raw {
		out[i] = e.(string)
	}
	return out
}

func fieldIntList(valid map[string]interface{}, name string) []int64 {
	v, ok := valid[name]
	if !ok || v == nil {
		return nil
	}
	raw := v.([]interface{})
	out := make([]int64, len(raw))
	for i, e := range raw {
		out[i] = int64(e.(int))
	}
	return out
}

func fieldMapList(valid map[string]interface{}, name string) []map[string]interface{} {
	v, ok := valid[name]
	if !ok || v == nil {
		return nil
	}
	raw := v.([]interface{})
	out := make([]map[string]interface{}, len(raw))
	for i, e := range raw {
		out[i] = e.(map[string]interface{})
	}
	return out
}

func fieldMap(valid map[string]interface{}, name string) map[string]interface{} {
	if v, ok := valid[name]; ok && v != nil {
		return v.(map[string]interface{})
	}
	return nil
}
