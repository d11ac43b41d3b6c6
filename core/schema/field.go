package schema

import (
	"fmt"

	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

// SchemaField is one classified schema field.
type SchemaField struct {
	Name     string     `json:"name" yaml:"name"`
	Type     field.Type `json:"type" yaml:"type"`
	Required bool       `json:"required" yaml:"required"`

	// Min and Max bound INT fields. Nil means unbounded.
	Min *int64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *int64 `json:"max,omitempty" yaml:"max,omitempty"`

	// Length bounds STRING and HEX fields. Nil means unbounded.
	Length *int `json:"length,omitempty" yaml:"length,omitempty"`

	// Subtype is the element type of LIST fields.
	Subtype field.Type `json:"subtype,omitempty" yaml:"subtype,omitempty"`
}

// Classify turns raw backend metadata into a SchemaField.
// Only the constraints that apply to the declared type are kept.
// This is a PURE function.
func Classify(meta ports.FieldMeta) (SchemaField, error) {
	f := SchemaField{Name: meta.Name, Type: meta.Type, Required: meta.Required}

	switch meta.Type {
	case field.TypeInt:
		if meta.HasMin {
			min := meta.Min
			f.Min = &min
		}
		if meta.HasMax {
			max := meta.Max
			f.Max = &max
		}
	case field.TypeString, field.TypeHex:
		if meta.HasLength {
			n := meta.Length
			f.Length = &n
		}
	case field.TypeList:
		if !meta.Subtype.ValidSubtype() {
			return SchemaField{}, errs.E("schema.classify", errs.KindUnknownFieldType, meta.Name,
				fmt.Sprintf("unsupported list subtype %s", meta.Subtype))
		}
		f.Subtype = meta.Subtype
	default:
		return SchemaField{}, errs.E("schema.classify", errs.KindUnknownFieldType, meta.Name,
			fmt.Sprintf("unsupported type %s", meta.Type))
	}
	return f, nil
}

// Meta converts f back into backend metadata.
func (f SchemaField) Meta() ports.FieldMeta {
	m := ports.FieldMeta{Name: f.Name, Type: f.Type, Required: f.Required, Subtype: f.Subtype}
	if f.Min != nil {
		m.Min, m.HasMin = *f.Min, true
	}
	if f.Max != nil {
		m.Max, m.HasMax = *f.Max, true
	}
	if f.Length != nil {
		m.Length, m.HasLength = *f.Length, true
	}
	return m
}

// Equal reports whether two fields declare the same type and constraints.
func (f SchemaField) Equal(o SchemaField) bool {
	return f.Name == o.Name &&
		f.Type == o.Type &&
		f.Required == o.Required &&
		f.Subtype == o.Subtype &&
		eqPtr(f.Min, o.Min) &&
		eqPtr(f.Max, o.Max) &&
		eqPtr(f.Length, o.Length)
}

// Describe renders the field's type and constraints, e.g. "INT [1..5]".
func (f SchemaField) Describe() string {
	switch f.Type {
	case field.TypeInt:
		lo, hi := "", ""
		if f.Min != nil {
			lo = fmt.Sprint(*f.Min)
		}
		if f.Max != nil {
			hi = fmt.Sprint(*f.Max)
		}
		if lo == "" && hi == "" {
			return "INT"
		}
		return fmt.Sprintf("INT [%s..%s]", lo, hi)
	case field.TypeString, field.TypeHex:
		if f.Length != nil {
			return fmt.Sprintf("%s(%d)", f.Type, *f.Length)
		}
		return f.Type.String()
	case field.TypeList:
		return fmt.Sprintf("LIST<%s>", f.Subtype)
	default:
		return f.Type.String()
	}
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
