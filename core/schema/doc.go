/*
Package schema provides the schema catalog: the set of fields a registry
accepts on a service record, with their types and constraints.

A catalog is fetched once from a ports.Backend and owns the backend's schema
handle until Close:

	cat, err := schema.Fetch(ctx, backend, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	f, err := cat.FieldByName("ttl")

# Field Types

  - STRING: text, optional maximum length
  - HEX:    hex-encoded text, optional maximum length
  - INT:    integer, optional min and max
  - LIST:   ordered list of STRING, HEX or INT elements (never nested)

# Bounds

A bound is only enforced when the registry declares it. A declared bound of
zero is a real bound; an undeclared bound is unlimited.

# Validation

Validate checks a field.Value against a SchemaField. It is used by records
before writing through to the backend and by registry implementations on
commit.
*/
package schema
