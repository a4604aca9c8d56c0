package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ScalarKind identifies which variant a Scalar holds.
type ScalarKind int

const (
	KindInvalid ScalarKind = iota
	KindString
	KindNumber
	KindBool
)

func (k ScalarKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// ErrNotScalar is returned when an attribute value is an object, array or null.
var ErrNotScalar = errors.New("value must be a string, number or boolean")

// Scalar is a closed string | number | bool value. Attribute maps are made of
// scalars only so they can be forwarded to the target unchanged.
type Scalar struct {
	kind ScalarKind
	str  string
	num  float64
	b    bool
}

func String(v string) Scalar  { return Scalar{kind: KindString, str: v} }
func Number(v float64) Scalar { return Scalar{kind: KindNumber, num: v} }
func Bool(v bool) Scalar      { return Scalar{kind: KindBool, b: v} }

func (s Scalar) Kind() ScalarKind { return s.kind }

// Value returns the underlying Go value (string, float64 or bool).
func (s Scalar) Value() any {
	switch s.kind {
	case KindString:
		return s.str
	case KindNumber:
		return s.num
	case KindBool:
		return s.b
	default:
		return nil
	}
}

// String renders the scalar the way it would appear in a typed field.
func (s Scalar) String() string {
	switch s.kind {
	case KindString:
		return s.str
	case KindNumber:
		return strconv.FormatFloat(s.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(s.b)
	default:
		return ""
	}
}

// Equal reports whether both scalars hold the same variant and value.
func (s Scalar) Equal(o Scalar) bool {
	return s == o
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case KindString:
		return json.Marshal(s.str)
	case KindNumber:
		return []byte(strconv.FormatFloat(s.num, 'g', -1, 64)), nil
	case KindBool:
		return json.Marshal(s.b)
	default:
		return nil, ErrNotScalar
	}
}

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrNotScalar
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = String(v)
	case 't', 'f':
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Bool(v)
	case '{', '[', 'n':
		return ErrNotScalar
	default:
		v, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("parse number %q: %w", data, err)
		}
		*s = Number(v)
	}
	return nil
}

// Attributes is an opaque scalar-valued mapping.
type Attributes map[string]Scalar

// Merge returns a new map holding a's entries overridden by each of others in turn.
func (a Attributes) Merge(others ...Attributes) Attributes {
	n := len(a)
	for _, o := range others {
		n += len(o)
	}
	if n == 0 {
		return nil
	}
	out := make(Attributes, n)
	for k, v := range a {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// Values converts the map to plain Go values, for JSON or template consumers.
func (a Attributes) Values() map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v.Value()
	}
	return out
}
