package field

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the runtime tag of a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindString
	KindList
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return "none"
	}
}

// Errors returned by ElemKind. Callers map them onto their own error kinds.
var (
	ErrEmptyList  = errors.New("list has no elements")
	ErrMixedList  = errors.New("list elements have different types")
	ErrNestedList = errors.New("lists of lists are not supported")
)

// Value is a tagged union holding one field value: an integer, a string, or an
// ordered list of integers or strings (immutable value type).
//
// List does not check its elements; ElemKind reports whether a list is
// homogeneous so that writers can reject mixed lists at mutation time.
type Value struct {
	kind  Kind
	i     int64
	s     string
	elems []Value
}

// Int returns an integer value.
func Int(n int64) Value {
	return Value{kind: KindInt, i: n}
}

// String returns a string value. Hex fields are carried as strings too.
func String(s string) Value {
	return Value{kind: KindString, s: s}
}

// List returns a list value holding a copy of elems.
func List(elems ...Value) Value {
	c := make([]Value, len(elems))
	copy(c, elems)
	return Value{kind: KindList, elems: c}
}

// IntList returns a list of integers.
func IntList(ns ...int64) Value {
	elems := make([]Value, len(ns))
	for i, n := range ns {
		elems[i] = Int(n)
	}
	return Value{kind: KindList, elems: elems}
}

// StringList returns a list of strings.
func StringList(ss ...string) Value {
	elems := make([]Value, len(ss))
	for i, s := range ss {
		elems[i] = String(s)
	}
	return Value{kind: KindList, elems: elems}
}

// Kind returns the value's tag. The zero Value has KindNone.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the zero Value.
func (v Value) IsZero() bool { return v.kind == KindNone }

// AsInt returns the integer and whether v is an Int.
func (v Value) AsInt() (int64, bool) {
	return v.i, v.kind == KindInt
}

// AsString returns the string and whether v is a String.
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// Len returns the number of list elements, or 0 for scalars.
func (v Value) Len() int {
	return len(v.elems)
}

// Elems returns a copy of the list elements.
func (v Value) Elems() []Value {
	if v.kind != KindList {
		return nil
	}
	c := make([]Value, len(v.elems))
	copy(c, v.elems)
	return c
}

// Ints returns the elements of an integer list.
func (v Value) Ints() ([]int64, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]int64, len(v.elems))
	for i, e := range v.elems {
		n, ok := e.AsInt()
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// Strings returns the elements of a string list.
func (v Value) Strings() ([]string, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]string, len(v.elems))
	for i, e := range v.elems {
		s, ok := e.AsString()
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// ElemKind returns the common element kind of a list value.
// It fails with ErrEmptyList, ErrNestedList or ErrMixedList.
// This is a PURE function.
func (v Value) ElemKind() (Kind, error) {
	if v.kind != KindList {
		return KindNone, fmt.Errorf("%s value is not a list", v.kind)
	}
	if len(v.elems) == 0 {
		return KindNone, ErrEmptyList
	}
	first := v.elems[0].kind
	if first == KindList {
		return KindNone, ErrNestedList
	}
	for _, e := range v.elems[1:] {
		if e.kind == KindList {
			return KindNone, ErrNestedList
		}
		if e.kind != first {
			return KindNone, ErrMixedList
		}
	}
	return first, nil
}

// Equal reports whether two values have the same kind and contents.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders the value for logs and listings.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return strconv.Quote(v.s)
	case KindList:
		parts := make([]string, len(v.elems))
		for i, e := range v.elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "<none>"
	}
}

// FromAny converts a decoded Go value (as produced by encoding/json or
// yaml.v3) into a Value. Floats must be integral.
func FromAny(x any) (Value, error) {
	switch n := x.(type) {
	case Value:
		return n, nil
	case int:
		return Int(int64(n)), nil
	case int32:
		return Int(int64(n)), nil
	case int64:
		return Int(n), nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return Value{}, fmt.Errorf("number %v is not an integer", n)
		}
		return Int(int64(n)), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("number %s is not an integer", n)
		}
		return Int(i), nil
	case string:
		return String(n), nil
	case []string:
		return StringList(n...), nil
	case []int64:
		return IntList(n...), nil
	case []any:
		elems := make([]Value, len(n))
		for i, e := range n {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = ev
		}
		return Value{kind: KindList, elems: elems}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// Any converts v back into plain Go values (int64, string, []any).
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Any()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes ints as numbers, strings as strings and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes numbers, strings and arrays of either.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
