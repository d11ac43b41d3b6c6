package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/core/schema"
	"github.com/artpar/csmclient/domain/field"
)

type assignment struct {
	name  string
	value field.Value
}

// parseAssignments parses NAME=VALUE arguments using the catalog's
// declared types. Undeclared fields are integers when they parse as one
// and strings otherwise.
func parseAssignments(catalog *schema.Catalog, args []string) ([]assignment, error) {
	out := make([]assignment, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected NAME=VALUE, got %q", arg)
		}

		sf, err := catalog.FieldByName(name)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrNotFound):
			sf = schema.SchemaField{Name: name}
		default:
			return nil, err
		}

		v, err := parseValue(sf, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, assignment{name: name, value: v})
	}
	return out, nil
}

// parseValue converts raw to the shape sf declares.
// This is a PURE function.
func parseValue(sf schema.SchemaField, raw string) (field.Value, error) {
	switch sf.Type {
	case field.TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return field.Value{}, fmt.Errorf("not an integer: %q", raw)
		}
		return field.Int(n), nil
	case field.TypeString, field.TypeHex:
		return field.String(raw), nil
	case field.TypeList:
		if raw == "" {
			return field.List(), nil
		}
		parts := strings.Split(raw, ",")
		if sf.Subtype != field.TypeInt {
			return field.StringList(parts...), nil
		}
		ns := make([]int64, len(parts))
		for i, p := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return field.Value{}, fmt.Errorf("element %d is not an integer: %q", i, p)
			}
			ns[i] = n
		}
		return field.IntList(ns...), nil
	default:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return field.Int(n), nil
		}
		return field.String(raw), nil
	}
}
