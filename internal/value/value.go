// Package value models loosely-typed platform payloads as a closed set of
// variants so that consumers pattern-match on Kind instead of reflecting.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
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
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable tagged union. The zero Value is Null.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
	m    Map
	l    []Value
}

// Map is a payload dictionary.
type Map map[string]Value

func Null() Value               { return Value{} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func Number(n float64) Value    { return Value{kind: KindNumber, n: n} }
func Int(n int) Value           { return Value{kind: KindNumber, n: float64(n)} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func MapOf(m Map) Value         { return Value{kind: KindMap, m: m} }
func List(items ...Value) Value { return Value{kind: KindList, l: items} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string variant.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Num returns the number variant.
func (v Value) Num() (float64, bool) { return v.n, v.kind == KindNumber }

// Boolean returns the bool variant.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Map returns the map variant.
func (v Value) Map() (Map, bool) { return v.m, v.kind == KindMap }

// Items returns the list variant.
func (v Value) Items() ([]Value, bool) { return v.l, v.kind == KindList }

// Text renders scalars for human-facing output. Numbers are formatted
// without locale grouping ("1500", "2.5"). Null, maps and lists render empty.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return FormatNumber(v.n)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func FormatNumber(n float64) string {
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return ""
	}
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
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
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	case KindMap:
		return v.m.Equal(o.m)
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) clone() Value {
	switch v.kind {
	case KindMap:
		return MapOf(v.m.Clone())
	case KindList:
		cp := make([]Value, len(v.l))
		for i := range v.l {
			cp[i] = v.l[i].clone()
		}
		return List(cp...)
	default:
		return v
	}
}

// Clone returns a deep copy.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Lookup finds a key case-insensitively; an exact match wins.
func (m Map) Lookup(key string) (Value, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	// Deterministic pick when several keys differ only by case.
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.EqualFold(k, key) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return Value{}, false
	}
	sort.Strings(keys)
	return m[keys[0]], true
}

// ---- JSON ----

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		if math.IsInf(v.n, 0) || math.IsNaN(v.n) {
			return nil, fmt.Errorf("value: unsupported number %v", v.n)
		}
		return json.Marshal(v.n)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]Value(v.m))
	case KindList:
		if v.l == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.l)
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("value: trailing data after JSON document")
		}
		return fmt.Errorf("value: trailing data after JSON document: %w", err)
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func (m Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(m))
}

func (m *Map) UnmarshalJSON(b []byte) error {
	var v Value
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	switch v.kind {
	case KindMap:
		*m = v.m
		return nil
	case KindNull:
		*m = nil
		return nil
	default:
		return fmt.Errorf("value: expected object, got %s", v.kind)
	}
}

// FromAny converts decoded JSON (or YAML-coerced JSON) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(t), nil
	case int64:
		return Number(float64(t)), nil
	case map[string]any:
		m := make(Map, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return MapOf(m), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items = append(items, ev)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported type %T", x)
	}
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(s string) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON([]byte(s)); err != nil {
		return Value{}, err
	}
	return v, nil
}
