package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is one attribute value: a scalar, a list of values or a string-keyed
// map of values. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value              { return Value{} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Int(i int64) Value        { return Value{kind: KindInt, i: i} }
func Float(f float64) Value    { return Value{kind: KindFloat, f: f} }
func String(s string) Value    { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: cloneValues(items)} }

func Map(entries map[string]Value) Value {
	return Value{kind: KindMap, m: cloneValueMap(entries)}
}

// ValueOf converts a Go value into a Value. Types outside the union are
// rendered with fmt.Sprint so that every input has a defined encoding.
func ValueOf(v any) Value {
	switch typed := v.(type) {
	case nil:
		return Null()
	case Value:
		return typed.Clone()
	case bool:
		return Bool(typed)
	case int:
		return Int(int64(typed))
	case int8:
		return Int(int64(typed))
	case int16:
		return Int(int64(typed))
	case int32:
		return Int(int64(typed))
	case int64:
		return Int(typed)
	case uint:
		return uintValue(uint64(typed))
	case uint8:
		return Int(int64(typed))
	case uint16:
		return Int(int64(typed))
	case uint32:
		return Int(int64(typed))
	case uint64:
		return uintValue(typed)
	case float32:
		return Float(float64(typed))
	case float64:
		return Float(typed)
	case string:
		return String(typed)
	case json.Number:
		return numberValue(typed)
	case time.Time:
		return String(typed.UTC().Format(time.RFC3339Nano))
	case time.Duration:
		return Float(typed.Seconds())
	case error:
		return String(typed.Error())
	case []Value:
		return List(typed...)
	case []any:
		items := make([]Value, len(typed))
		for i, item := range typed {
			items[i] = ValueOf(item)
		}
		return Value{kind: KindList, list: items}
	case []string:
		items := make([]Value, len(typed))
		for i, item := range typed {
			items[i] = String(item)
		}
		return Value{kind: KindList, list: items}
	case map[string]Value:
		return Map(typed)
	case map[string]any:
		entries := make(map[string]Value, len(typed))
		for key, item := range typed {
			entries[key] = ValueOf(item)
		}
		return Value{kind: KindMap, m: entries}
	case map[string]string:
		entries := make(map[string]Value, len(typed))
		for key, item := range typed {
			entries[key] = String(item)
		}
		return Value{kind: KindMap, m: entries}
	case fmt.Stringer:
		return String(typed.String())
	default:
		return String(fmt.Sprint(typed))
	}
}

func uintValue(u uint64) Value {
	if u > math.MaxInt64 {
		return Float(float64(u))
	}
	return Int(int64(u))
}

func numberValue(n json.Number) Value {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return Int(i)
	}
	if f, err := n.Float64(); err == nil {
		return Float(f)
	}
	return String(n.String())
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsFloat reports numeric values of either representation.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return cloneValues(v.list), true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return cloneValueMap(v.m), true
}

// Interface returns the plain Go form used by encoders: nil, bool, int64,
// float64, string, []any or map[string]any. Non-finite floats become nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil
		}
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for key, item := range v.m {
			out[key] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		return Value{kind: KindList, list: cloneValues(v.list)}
	case KindMap:
		return Value{kind: KindMap, m: cloneValueMap(v.m)}
	default:
		return v
	}
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for key, item := range v.m {
			peer, ok := other.m[key]
			if !ok || !item.Equal(peer) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for terminal display.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for key := range v.m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, key := range keys {
			parts[i] = key + "=" + v.m[key].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	*v = ValueOf(raw)
	return nil
}

func cloneValues(in []Value) []Value {
	if in == nil {
		return nil
	}
	out := make([]Value, len(in))
	for i, item := range in {
		out[i] = item.Clone()
	}
	return out
}

func cloneValueMap(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for key, item := range in {
		out[key] = item.Clone()
	}
	return out
}

// Attributes is the open metadata map carried by an activity.
type Attributes map[string]Value

// AttributesOf converts a plain map, typically decoded from a request.
func AttributesOf(in map[string]any) Attributes {
	if len(in) == 0 {
		return Attributes{}
	}
	out := make(Attributes, len(in))
	for key, item := range in {
		out[key] = ValueOf(item)
	}
	return out
}

func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for key, item := range a {
		out[key] = item.Clone()
	}
	return out
}

// Merge copies every entry of extra into a, overwriting existing keys.
func (a Attributes) Merge(extra Attributes) {
	for key, item := range extra {
		a[key] = item.Clone()
	}
}

func (a Attributes) Plain() map[string]any {
	out := make(map[string]any, len(a))
	for key, item := range a {
		out[key] = item.Interface()
	}
	return out
}

func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for key := range maps.Keys(a) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
