// Package field provides the value types shared by the schema catalog, records
// and backends: the declared field Type and the tagged Value union.
// This package has NO dependencies on I/O or external packages.
package field

import "fmt"

// Type is the declared type of a record or schema field.
// The numeric values match the registry's wire tags.
type Type int

const (
	TypeInvalid Type = 0
	TypeString  Type = 1
	TypeList    Type = 2
	TypeInt     Type = 3
	TypeHex     Type = 4
)

// String returns the registry's name for the type.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeList:
		return "LIST"
	case TypeInt:
		return "INT"
	case TypeHex:
		return "HEX"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Valid reports whether t is one of the known type tags.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeList, TypeInt, TypeHex:
		return true
	}
	return false
}

// IsText reports whether values of type t are carried as strings.
func (t Type) IsText() bool {
	return t == TypeString || t == TypeHex
}

// ValidSubtype reports whether t may be used as a list element type.
// Lists of lists are not supported.
func (t Type) ValidSubtype() bool {
	return t == TypeString || t == TypeHex || t == TypeInt
}

// ParseType parses a type name as written in schema files ("string", "HEX", ...).
func ParseType(s string) (Type, error) {
	switch s {
	case "string", "STRING":
		return TypeString, nil
	case "list", "LIST":
		return TypeList, nil
	case "int", "INT":
		return TypeInt, nil
	case "hex", "HEX":
		return TypeHex, nil
	default:
		return TypeInvalid, fmt.Errorf("unknown field type %q", s)
	}
}

// Accepts reports whether a value of kind k may be stored in a field declared
// as t. Text values fit both String and Hex fields.
// This is a PURE function.
func (t Type) Accepts(k Kind) bool {
	switch k {
	case KindInt:
		return t == TypeInt
	case KindString:
		return t.IsText()
	case KindList:
		return t == TypeList
	default:
		return false
	}
}
