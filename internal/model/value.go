package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// refKey is the JSON object key that marks a serialized artifact reference.
const refKey = "$artifact"

// Value is an agent output or observation: a string, number, bool, nested
// mapping, sequence, or a reference to an externalized artifact version.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    map[string]Value
	list []Value
	ref  Handle
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Ref(h Handle) Value { return Value{kind: KindRef, ref: h} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Str() string { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) Truth() bool { return v.b }
func (v Value) Handle() Handle { return v.ref }
func (v Value) Items() []Value { return v.list }
func (v Value) Len() int {
	switch v.kind {
	case KindMap:
		return len(v.m)
	case KindList:
		return len(v.list)
	case KindString:
		return len(v.str)
	}
	return 0
}

// Fields returns the entries of a map value. The returned map must not be
// mutated; use Pick, Omit or With to derive new values.
func (v Value) Fields() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// Get looks up a field of a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.m[key]
	return f, ok
}

// Keys returns the sorted field names of a map value.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether the value carries no content.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindMap:
		return len(v.m) == 0
	case KindList:
		return len(v.list) == 0
	}
	return false
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, f := range v.m {
			m[k] = f.Clone()
		}
		return Value{kind: KindMap, m: m}
	case KindList:
		l := make([]Value, len(v.list))
		for i, item := range v.list {
			l[i] = item.Clone()
		}
		return Value{kind: KindList, list: l}
	}
	return v
}

// Pick returns a map value restricted to keys. Non-map values are returned unchanged.
func (v Value) Pick(keys []string) Value {
	if v.kind != KindMap {
		return v
	}
	m := make(map[string]Value, len(keys))
	for _, k := range keys {
		if f, ok := v.m[k]; ok {
			m[k] = f.Clone()
		}
	}
	return Map(m)
}

// Omit returns a map value without keys. Non-map values are returned unchanged.
func (v Value) Omit(keys []string) Value {
	if v.kind != KindMap {
		return v
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	m := make(map[string]Value, len(v.m))
	for k, f := range v.m {
		if !drop[k] {
			m[k] = f.Clone()
		}
	}
	return Map(m)
}

// With returns a copy of a map value with key set to f.
func (v Value) With(key string, f Value) Value {
	m := make(map[string]Value, len(v.m)+1)
	for k, existing := range v.m {
		m[k] = existing
	}
	m[key] = f
	return Map(m)
}

// Text renders the value for inclusion in a prompt. Strings render verbatim;
// everything else renders as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNull:
		return ""
	case KindRef:
		return v.ref.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// MarshalJSON encodes the value as natural JSON. References encode as
// {"$artifact": {"artifact_id": ..., "version": ...}}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		return json.Marshal(v.m)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindRef:
		return json.Marshal(map[string]Handle{refKey: v.ref})
	}
	return nil, fmt.Errorf("value: unknown kind %d", v.kind)
}

// UnmarshalJSON decodes natural JSON into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts decoded JSON, YAML, or plain Go values into a Value.
// Unknown types are rendered with fmt into strings.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case Handle:
		return Ref(t)
	case map[string]Value:
		return Map(t)
	case []Value:
		return List(t...)
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return List(items...)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return List(items...)
	case map[string]any:
		if h, ok := refFromMap(t); ok {
			return Ref(h)
		}
		m := make(map[string]Value, len(t))
		for k, f := range t {
			m[k] = FromAny(f)
		}
		return Map(m)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, f := range t {
			m[fmt.Sprint(k)] = f
		}
		return FromAny(m)
	}
	return String(fmt.Sprint(x))
}

func refFromMap(m map[string]any) (Handle, bool) {
	if len(m) != 1 {
		return Handle{}, false
	}
	inner, ok := m[refKey].(map[string]any)
	if !ok {
		return Handle{}, false
	}
	id, _ := inner["artifact_id"].(string)
	if id == "" {
		return Handle{}, false
	}
	var version int
	switch n := inner["version"].(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return Handle{}, false
		}
		version = int(i)
	case float64:
		version = int(n)
	case int:
		version = n
	default:
		return Handle{}, false
	}
	return Handle{ArtifactID: id, Version: version}, true
}

// ToAny converts the value into plain Go values (map[string]any, []any,
// string, float64, bool, nil) for encoders that do not know Value.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		m := make(map[string]any, len(v.m))
		for k, f := range v.m {
			m[k] = f.ToAny()
		}
		return m
	case KindList:
		l := make([]any, len(v.list))
		for i, item := range v.list {
			l[i] = item.ToAny()
		}
		return l
	case KindRef:
		return map[string]any{refKey: map[string]any{"artifact_id": v.ref.ArtifactID, "version": v.ref.Version}}
	}
	return nil
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindRef:
		return v.ref == o.ref
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, f := range v.m {
			g, ok := o.m[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}
