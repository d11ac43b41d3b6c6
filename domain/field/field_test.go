package field

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		typ      Type
		expected string
	}{
		{TypeString, "STRING"},
		{TypeList, "LIST"},
		{TypeInt, "INT"},
		{TypeHex, "HEX"},
		{Type(9), "UNKNOWN(9)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.typ.String(); got != tt.expected {
				t.Errorf("Type.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTypeWireTags(t *testing.T) {
	if TypeString != 1 || TypeList != 2 || TypeInt != 3 || TypeHex != 4 {
		t.Errorf("wire tags changed: string=%d list=%d int=%d hex=%d",
			TypeString, TypeList, TypeInt, TypeHex)
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"string", TypeString, false},
		{"HEX", TypeHex, false},
		{"int", TypeInt, false},
		{"list", TypeList, false},
		{"float", TypeInvalid, true},
		{"", TypeInvalid, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTypeAccepts(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		kind Kind
		want bool
	}{
		{"int into int", TypeInt, KindInt, true},
		{"string into string", TypeString, KindString, true},
		{"string into hex", TypeHex, KindString, true},
		{"int into string", TypeString, KindInt, false},
		{"string into int", TypeInt, KindString, false},
		{"list into list", TypeList, KindList, true},
		{"list into int", TypeInt, KindList, false},
		{"none", TypeString, KindNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.Accepts(tt.kind); got != tt.want {
				t.Errorf("%v.Accepts(%v) = %v, want %v", tt.typ, tt.kind, got, tt.want)
			}
		})
	}
}

func TestTypeValidSubtype(t *testing.T) {
	for _, typ := range []Type{TypeString, TypeHex, TypeInt} {
		if !typ.ValidSubtype() {
			t.Errorf("%v.ValidSubtype() = false, want true", typ)
		}
	}
	if TypeList.ValidSubtype() {
		t.Error("lists of lists must not be a valid subtype")
	}
}

func TestValueElemKind(t *testing.T) {
	tests := []struct {
		name    string
		value   Value
		want    Kind
		wantErr error
	}{
		{"ints", IntList(1, 2, 3), KindInt, nil},
		{"strings", StringList("a", "b"), KindString, nil},
		{"empty", List(), KindNone, ErrEmptyList},
		{"mixed", List(Int(1), String("a")), KindNone, ErrMixedList},
		{"nested", List(IntList(1)), KindNone, ErrNestedList},
		{"nested after first", List(Int(1), IntList(1)), KindNone, ErrNestedList},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.value.ElemKind()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ElemKind() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ElemKind() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := Int(4).ElemKind(); err == nil {
		t.Error("ElemKind() on a scalar should fail")
	}
}

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same int", Int(7), Int(7), true},
		{"different int", Int(7), Int(8), false},
		{"int vs string", Int(7), String("7"), false},
		{"same list", StringList("a", "b"), StringList("a", "b"), true},
		{"list order", StringList("a", "b"), StringList("b", "a"), false},
		{"list length", IntList(1), IntList(1, 2), false},
		{"zero values", Value{}, Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueListIsCopied(t *testing.T) {
	elems := []Value{Int(1), Int(2)}
	v := List(elems...)
	elems[0] = Int(99)

	got, ok := v.Ints()
	if !ok {
		t.Fatal("Ints() ok = false")
	}
	if got[0] != 1 {
		t.Errorf("List kept a reference to the caller's slice: got %v", got)
	}
}

func TestFromAny(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    Value
		wantErr bool
	}{
		{"int", 5, Int(5), false},
		{"float integral", float64(12), Int(12), false},
		{"float fraction", 1.5, Value{}, true},
		{"string", "x", String("x"), false},
		{"any list", []any{"a", "b"}, StringList("a", "b"), false},
		{"json number", json.Number("42"), Int(42), false},
		{"bool", true, Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAny(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromAny(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("FromAny(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValueUnmarshalJSON(t *testing.T) {
	var fields map[string]Value
	data := `{"ttl": 5, "name": "mesh", "tag": ["a", "b"], "ports": [80, 443]}`
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !fields["ttl"].Equal(Int(5)) {
		t.Errorf("ttl = %v, want 5", fields["ttl"])
	}
	if !fields["name"].Equal(String("mesh")) {
		t.Errorf("name = %v, want \"mesh\"", fields["name"])
	}
	if !fields["tag"].Equal(StringList("a", "b")) {
		t.Errorf("tag = %v", fields["tag"])
	}
	if !fields["ports"].Equal(IntList(80, 443)) {
		t.Errorf("ports = %v", fields["ports"])
	}
}

func TestValueString(t *testing.T) {
	if got := List(Int(1), String("a")).String(); got != `[1, "a"]` {
		t.Errorf("String() = %s", got)
	}
	if got := (Value{}).String(); got != "<none>" {
		t.Errorf("String() = %s", got)
	}
}
