// Package record holds the flat attribute records produced by the harvest:
// the tagged scalar Value, flattening of raw API payloads, column renaming
// and the base/custom merge.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the scalar held by a Value.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
)

// Value is a tagged scalar. The zero Value is null. Numbers keep their
// JSON literal text.
type Value struct {
	Kind   Kind
	String string
	Number json.Number
	Bool   bool
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{Kind: KindString, String: s} }

// NumberValue returns a numeric value. NaN and infinities have no JSON
// form and become null.
func NumberValue(n float64) Value {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Null()
	}
	return Value{Kind: KindNumber, Number: json.Number(strconv.FormatFloat(n, 'f', -1, 64))}
}

// NumberText returns a numeric value holding the JSON number literal n
// unchanged.
func NumberText(n string) Value { return Value{Kind: KindNumber, Number: json.Number(n)} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsNull reports whether v holds no scalar.
func (v Value) IsNull() bool {
	return v.Kind == "" || v.Kind == KindNull
}

// Interface returns the Go scalar for SQL binding (nil for null). Integers
// bind as int64 and fractions as float64. Literals that overflow both,
// such as long numeric codes or out-of-range exponents, bind as their text.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.String
	case KindNumber:
		return v.numberInterface()
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

// MarshalJSON encodes the bare scalar so checkpoints stay readable.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.String)
	case KindNumber:
		if v.Number == "" {
			return []byte("null"), nil
		}
		return []byte(v.Number), nil
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a bare scalar. Objects and arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '{', '[':
		return fmt.Errorf("record value must be a scalar, got %s", data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("parse number: %w", err)
		}
		*v = NumberText(n.String())
	}
	return nil
}

func (v Value) numberInterface() interface{} {
	n := v.Number.String()
	if i, err := strconv.ParseInt(n, 10, 64); err == nil {
		return i
	}
	if strings.ContainsAny(n, ".eE") {
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return n
}

// Fields maps a flattened column name to its value.
type Fields map[string]Value

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is one worker keyed by its associate identifier.
type Record struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Clone returns a copy whose Fields map is not shared with r.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: r.Fields.Clone()}
}
