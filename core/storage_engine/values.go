package storageengine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// encodedValue keeps the Go type of a property across JSON encoding.
type encodedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// ValidateValue reports whether v can be stored as a property value.
func ValidateValue(v any) error {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, []byte, []string:
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedValueType, v)
}

// EncodeValue encodes a property value for a command.
func EncodeValue(v any) (json.RawMessage, error) {
	var kind string
	switch val := v.(type) {
	case nil:
		return json.Marshal(encodedValue{T: "null"})
	case string:
		kind = "string"
	case bool:
		kind = "bool"
	case int:
		kind = "int"
		v = int64(val)
	case int64:
		kind = "int"
	case float64:
		kind = "float"
	case []byte:
		kind = "bytes"
	case []string:
		kind = "strings"
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValueType, v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s value: %w", kind, err)
	}
	return json.Marshal(encodedValue{T: kind, V: raw})
}

// DecodeValue decodes a property value produced by EncodeValue.
func DecodeValue(raw json.RawMessage) (any, error) {
	var ev encodedValue
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode value envelope: %w", err)
	}
	var err error
	switch ev.T {
	case "null":
		return nil, nil
	case "string":
		var s string
		err = json.Unmarshal(ev.V, &s)
		return s, err
	case "bool":
		var b bool
		err = json.Unmarshal(ev.V, &b)
		return b, err
	case "int":
		var i int64
		err = json.Unmarshal(ev.V, &i)
		return i, err
	case "float":
		var f float64
		err = json.Unmarshal(ev.V, &f)
		return f, err
	case "bytes":
		var b []byte
		err = json.Unmarshal(ev.V, &b)
		return b, err
	case "strings":
		var ss []string
		err = json.Unmarshal(ev.V, &ss)
		return ss, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedValueType, ev.T)
}

// ValuesEqual compares property values, treating int and int64 alike.
func ValuesEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	}
	return a == b
}

func normalize(v any) any {
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}
