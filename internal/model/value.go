package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the field value domain.
// Only Null, String, Int, Bool and List implement it.
type Value interface {
	value()
}

// Null is the explicit empty/absent marker.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a text value.
type String string

func (String) value() {}

// Int is an integer value. Always int64, never float.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// List is an ordered list of values (concatenate results).
type List []Value

func (List) value() {}

// Strings builds a List of String values.
func Strings(ss ...string) List {
	out := make(List, len(ss))
	for i, s := range ss {
		out[i] = String(s)
	}
	return out
}

// IsEmpty reports whether v carries no information: nil, Null, blank string
// or an empty list.
func IsEmpty(v Value) bool {
	switch val := v.(type) {
	case nil, Null:
		return true
	case String:
		return strings.TrimSpace(string(val)) == ""
	case List:
		return len(val) == 0
	default:
		return false
	}
}

// Text renders a scalar value as a string. Lists and Null report false.
func Text(v Value) (string, bool) {
	switch val := v.(type) {
	case String:
		return string(val), true
	case Int:
		return fmt.Sprintf("%d", int64(val)), true
	case Bool:
		if val {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// Attributes is a bag of named source values (material or supplier data).
type Attributes map[string]Value

// FieldSet maps field identifiers to computed values.
type FieldSet map[string]Value

// SortedKeys returns keys in canonical order (UTF-16 code units).
func (fs FieldSet) SortedKeys() []string {
	return sortedKeys(fs)
}

// Clone returns a shallow copy. Values are immutable so a shallow copy is enough,
// except for lists which are copied element-wise.
func (fs FieldSet) Clone() FieldSet {
	if fs == nil {
		return nil
	}
	out := make(FieldSet, len(fs))
	for k, v := range fs {
		if l, ok := v.(List); ok {
			v = slices.Clone(l)
		}
		out[k] = v
	}
	return out
}

// Equal compares two field sets value by value.
func (fs FieldSet) Equal(other FieldSet) bool {
	if len(fs) != len(other) {
		return false
	}
	for k, v := range fs {
		ov, ok := other[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two values structurally. nil and Null are equal.
func ValuesEqual(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	la, aList := a.(List)
	lb, bList := b.(List)
	if aList || bList {
		if !aList || !bList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !ValuesEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func sortedKeys[M ~map[string]Value](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 orders strings by UTF-16 code units as RFC 8785 requires.
// Go's native string comparison is UTF-8 byte order, which differs for
// characters outside the BMP.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}

// MarshalJSON writes the field set with sorted keys.
func (fs FieldSet) MarshalJSON() ([]byte, error) {
	return marshalMap(fs)
}

// UnmarshalJSON reads a field set, rejecting floats.
func (fs *FieldSet) UnmarshalJSON(data []byte) error {
	m, err := unmarshalMap(data)
	if err != nil {
		return err
	}
	*fs = FieldSet(m)
	return nil
}

// MarshalJSON writes the attributes with sorted keys.
func (a Attributes) MarshalJSON() ([]byte, error) {
	return marshalMap(a)
}

// UnmarshalJSON reads attributes, rejecting floats.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	m, err := unmarshalMap(data)
	if err != nil {
		return err
	}
	*a = Attributes(m)
	return nil
}

func marshalMap[M ~map[string]Value](m M) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range sortedKeys(m) {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func unmarshalMap(data []byte) (map[string]Value, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(raw))
	for k, v := range raw {
		val, err := UnmarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// MarshalValue marshals a Value to JSON. This is not canonical marshaling;
// use MarshalCanonical for fingerprints.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case List:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// UnmarshalValue decodes JSON into a Value. null becomes Null; floats and
// objects are rejected.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// FromGo converts a decoded JSON/YAML value into a Value.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed in field values: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not allowed in field values: %v", val)
		}
		return Int(int64(val)), nil
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			ev, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case []string:
		return Strings(val...), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// ToGo converts a Value back to plain Go types (nil, string, int64, bool, []any).
func ToGo(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}
