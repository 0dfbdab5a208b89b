package model

import (
	"fmt"
	"math"
	"strconv"
)

// Record is one raw, loosely-typed platform record. Accessors never fail:
// a missing key or an unexpected type yields the zero value.
type Record map[string]any

// String returns the value at key as a string.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value at key as an int. Numeric strings are parsed.
func (r Record) Int(key string) int {
	switch t := r[key].(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Bool returns the value at key as a bool.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Map returns the nested object at key.
func (r Record) Map(key string) Record {
	switch t := r[key].(type) {
	case map[string]any:
		return Record(t)
	case Record:
		return t
	}
	return nil
}

// Slice returns the nested array at key as records, skipping non-objects.
func (r Record) Slice(key string) []Record {
	arr, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out
}
