package schema

import (
	"errors"
	"fmt"

	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/domain/field"
)

// Validate checks that v can be stored in f.
// Type disagreements fail with KindTypeMismatch; constraint violations and
// empty lists fail with KindValidationError.
// This is a PURE function.
func Validate(f SchemaField, v field.Value) error {
	const op = "schema.validate"

	if !f.Type.Accepts(v.Kind()) {
		return errs.E(op, errs.KindTypeMismatch, f.Name,
			fmt.Sprintf("%s value for %s field", v.Kind(), f.Type))
	}

	switch f.Type {
	case field.TypeInt:
		n, _ := v.AsInt()
		return checkInt(op, f, n)
	case field.TypeString, field.TypeHex:
		s, _ := v.AsString()
		return checkText(op, f.Name, f.Type, f.Length, s)
	case field.TypeList:
		kind, err := v.ElemKind()
		if err != nil {
			return ListError(op, f.Name, err)
		}
		if !f.Subtype.Accepts(kind) {
			return errs.E(op, errs.KindTypeMismatch, f.Name,
				fmt.Sprintf("%s elements for LIST<%s>", kind, f.Subtype))
		}
		for i, e := range v.Elems() {
			var err error
			if f.Subtype == field.TypeInt {
				n, _ := e.AsInt()
				err = checkInt(op, f, n)
			} else {
				s, _ := e.AsString()
				err = checkText(op, f.Name, f.Subtype, f.Length, s)
			}
			if err != nil {
				var ce *errs.Error
				if errors.As(err, &ce) {
					ce.Message = fmt.Sprintf("element %d: %s", i, ce.Message)
				}
				return err
			}
		}
	}
	return nil
}

// ListError maps a field.Value.ElemKind failure onto the error taxonomy:
// empty lists are a validation error, mixed or nested lists a type mismatch.
func ListError(op, name string, err error) error {
	if errors.Is(err, field.ErrEmptyList) {
		return errs.Wrap(op, errs.KindValidationError, name, err)
	}
	return errs.Wrap(op, errs.KindTypeMismatch, name, err)
}

func checkInt(op string, f SchemaField, n int64) error {
	if f.Min != nil && n < *f.Min {
		return errs.E(op, errs.KindValidationError, f.Name,
			fmt.Sprintf("%d is below minimum %d", n, *f.Min))
	}
	if f.Max != nil && n > *f.Max {
		return errs.E(op, errs.KindValidationError, f.Name,
			fmt.Sprintf("%d is above maximum %d", n, *f.Max))
	}
	return nil
}

func checkText(op, name string, typ field.Type, length *int, s string) error {
	if length != nil && len(s) > *length {
		return errs.E(op, errs.KindValidationError, name,
			fmt.Sprintf("length %d exceeds %d", len(s), *length))
	}
	if typ == field.TypeHex && !isHex(s) {
		return errs.E(op, errs.KindValidationError, name, "not a hex string")
	}
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
