package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 style canonical JSON for fingerprints.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. U+2028/U+2029 are written literally
//
// Null is allowed: it is the empty marker of a computed field.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		return writeCanonicalString(buf, string(val))
	case string:
		return writeCanonicalString(buf, val)
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case List:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case FieldSet:
		return writeCanonicalObject(buf, map[string]Value(val))
	case Attributes:
		return writeCanonicalObject(buf, map[string]Value(val))
	case map[string]Value:
		return writeCanonicalObject(buf, val)
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]Value) error {
	buf.WriteByte('{')
	for i, k := range sortedKeys(obj) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))
	if bytes.Contains(out, []byte(`\u202`)) {
		out = []byte(unescapeLineSeparators(string(out)))
	}
	buf.Write(out)
	return nil
}

// unescapeLineSeparators turns \u2028 and \u2029 escapes back into literal
// characters unless the backslash itself is escaped.
func unescapeLineSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	backslashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && backslashes%2 == 0 && i+5 < len(s) && s[i+1:i+5] == "u202" && (s[i+5] == '8' || s[i+5] == '9') {
			if s[i+5] == '8' {
				b.WriteString("\u2028")
			} else {
				b.WriteString("\u2029")
			}
			i += 5
			backslashes = 0
			continue
		}
		if c == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		b.WriteByte(c)
	}
	return b.String()
}
