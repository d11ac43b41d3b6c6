package backend

import (
	"context"
	"fmt"

	"github.com/artpar/csmclient/ports"
)

type schemaEntry struct {
	def     ports.SchemaDefinition
	byName  map[string]int
	handles map[int]ports.FieldHandle
}

type schemaFieldRef struct {
	schema ports.SchemaHandle
	index  int
}

func newSchemaEntry(def ports.SchemaDefinition) *schemaEntry {
	s := &schemaEntry{
		def:     def,
		byName:  make(map[string]int, len(def.Fields)),
		handles: make(map[int]ports.FieldHandle),
	}
	for i, f := range def.Fields {
		s.byName[f.Name] = i
	}
	return s
}

// FetchSchema loads the schema from the source and returns a handle to it.
func (e *Engine) FetchSchema(ctx context.Context) (ports.SchemaHandle, int, error) {
	def, err := e.source.Load(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch schema: %w: %w", ports.ErrUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	h := ports.SchemaHandle(e.alloc())
	e.schemas[h] = newSchemaEntry(def)
	return h, len(def.Fields), nil
}

// FreeSchema releases a schema handle and the field handles issued from it.
func (e *Engine) FreeSchema(h ports.SchemaHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.schemas[h]
	if !ok {
		return fmt.Errorf("free schema %d: %w", h, ports.ErrInvalidHandle)
	}
	for _, fh := range s.handles {
		delete(e.schemaFields, fh)
	}
	delete(e.schemas, h)
	return nil
}

// SchemaVersion returns the schema revision.
func (e *Engine) SchemaVersion(h ports.SchemaHandle) (int, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.schemas[h]
	if !ok {
		return 0, 0, fmt.Errorf("schema %d: %w", h, ports.ErrInvalidHandle)
	}
	return s.def.Major, s.def.Minor, nil
}

// SchemaFieldByIndex returns a handle to the i-th schema field and its name.
func (e *Engine) SchemaFieldByIndex(h ports.SchemaHandle, i int) (ports.FieldHandle, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.schemas[h]
	if !ok {
		return 0, "", fmt.Errorf("schema %d: %w", h, ports.ErrInvalidHandle)
	}
	if i < 0 || i >= len(s.def.Fields) {
		return 0, "", fmt.Errorf("schema field %d: %w", i, ports.ErrNotFound)
	}
	return e.schemaField(h, s, i), s.def.Fields[i].Name, nil
}

// SchemaFieldByName returns a handle to the named schema field.
func (e *Engine) SchemaFieldByName(h ports.SchemaHandle, name string) (ports.FieldHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.schemas[h]
	if !ok {
		return 0, fmt.Errorf("schema %d: %w", h, ports.ErrInvalidHandle)
	}
	i, ok := s.byName[name]
	if !ok {
		return 0, fmt.Errorf("schema field %q: %w", name, ports.ErrNotFound)
	}
	return e.schemaField(h, s, i), nil
}

// SchemaFieldMeta returns the declared metadata of a schema field.
func (e *Engine) SchemaFieldMeta(fh ports.FieldHandle) (ports.FieldMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref, ok := e.schemaFields[fh]
	if !ok {
		return ports.FieldMeta{}, fmt.Errorf("schema field %d: %w", fh, ports.ErrInvalidHandle)
	}
	return e.schemas[ref.schema].def.Fields[ref.index], nil
}

// schemaField issues a field handle for (h, i). Caller holds e.mu.
func (e *Engine) schemaField(h ports.SchemaHandle, s *schemaEntry, i int) ports.FieldHandle {
	if fh, ok := s.handles[i]; ok {
		return fh
	}
	fh := ports.FieldHandle(e.alloc())
	s.handles[i] = fh
	e.schemaFields[fh] = schemaFieldRef{schema: h, index: i}
	return fh
}
