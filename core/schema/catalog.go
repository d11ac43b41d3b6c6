package schema

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/ports"
)

// Version is the registry's schema revision.
type Version struct {
	Major int
	Minor float64
}

// String renders "major.minor" when minor is whole. A fractional minor
// cannot be dotted onto the major unambiguously, so it is spelled out.
func (v Version) String() string {
	minor := strconv.FormatFloat(v.Minor, 'f', -1, 64)
	if v.Minor != math.Trunc(v.Minor) {
		return fmt.Sprintf("%d (minor %s)", v.Major, minor)
	}
	return fmt.Sprintf("%d.%s", v.Major, minor)
}

// Catalog is a fetched schema. It owns the backend schema handle and caches
// classified fields by index.
type Catalog struct {
	backend ports.Backend
	handle  ports.SchemaHandle
	count   int
	version Version
	cache   map[int]SchemaField
	logger  zerolog.Logger
}

// Fetch obtains the current schema from the backend.
func Fetch(ctx context.Context, backend ports.Backend, logger zerolog.Logger) (*Catalog, error) {
	const op = "schema.fetch"

	h, n, err := backend.FetchSchema(ctx)
	if err != nil {
		return nil, errs.Wrap(op, errs.KindBackendUnavailable, "", err)
	}
	if h == 0 {
		return nil, errs.E(op, errs.KindBackendUnavailable, "", "registry returned no schema")
	}

	major, minor, err := backend.SchemaVersion(h)
	if err != nil {
		_ = backend.FreeSchema(h)
		return nil, errs.Wrap(op, errs.KindBackendUnavailable, "", err)
	}

	c := &Catalog{
		backend: backend,
		handle:  h,
		count:   n,
		version: Version{Major: major, Minor: minor},
		cache:   make(map[int]SchemaField, n),
		logger:  logger,
	}
	logger.Debug().
		Int("fields", n).
		Str("version", c.version.String()).
		Msg("schema fetched")
	return c, nil
}

// Len returns the number of schema fields.
func (c *Catalog) Len() int {
	return c.count
}

// Version returns the schema revision.
func (c *Catalog) Version() Version {
	return c.version
}

// FieldByIndex returns the i-th field in registry order.
func (c *Catalog) FieldByIndex(i int) (SchemaField, error) {
	const op = "schema.field_by_index"

	if err := c.check(op); err != nil {
		return SchemaField{}, err
	}
	if i < 0 || i >= c.count {
		return SchemaField{}, errs.E(op, errs.KindNotFound, "", fmt.Sprintf("index %d out of range [0,%d)", i, c.count))
	}
	if f, ok := c.cache[i]; ok {
		return f, nil
	}

	fh, name, err := c.backend.SchemaFieldByIndex(c.handle, i)
	if err != nil {
		return SchemaField{}, errs.FromBackend(op, "", err)
	}
	if fh == 0 {
		return SchemaField{}, errs.E(op, errs.KindNotFound, "", fmt.Sprintf("index %d", i))
	}
	f, err := c.classify(op, name, fh)
	if err != nil {
		return SchemaField{}, err
	}
	c.cache[i] = f
	return f, nil
}

// FieldByName returns the field with the given name.
func (c *Catalog) FieldByName(name string) (SchemaField, error) {
	const op = "schema.field_by_name"

	if err := c.check(op); err != nil {
		return SchemaField{}, err
	}
	if name == "" {
		return SchemaField{}, errs.E(op, errs.KindNotFound, "", "empty field name")
	}
	fh, err := c.backend.SchemaFieldByName(c.handle, name)
	if err != nil {
		return SchemaField{}, errs.FromBackend(op, name, err)
	}
	if fh == 0 {
		return SchemaField{}, errs.E(op, errs.KindNotFound, name, "")
	}
	return c.classify(op, name, fh)
}

// All yields every field in registry order. A classification failure is
// yielded once and ends the sequence.
func (c *Catalog) All() iter.Seq2[SchemaField, error] {
	return func(yield func(SchemaField, error) bool) {
		for i := 0; i < c.count; i++ {
			f, err := c.FieldByIndex(i)
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Fields returns all fields, failing on the first unclassifiable one.
func (c *Catalog) Fields() ([]SchemaField, error) {
	out := make([]SchemaField, 0, c.count)
	for f, err := range c.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Close releases the schema handle. It is safe to call more than once.
func (c *Catalog) Close() error {
	if c.handle == 0 {
		return nil
	}
	h := c.handle
	c.handle = 0
	c.cache = nil
	if err := c.backend.FreeSchema(h); err != nil {
		return errs.FromBackend("schema.close", "", err)
	}
	return nil
}

// Closed reports whether Close has released the schema handle.
func (c *Catalog) Closed() bool {
	return c.handle == 0
}

func (c *Catalog) check(op string) error {
	if c.Closed() {
		return errs.E(op, errs.KindNotFound, "", "catalog is closed")
	}
	return nil
}

func (c *Catalog) classify(op, name string, fh ports.FieldHandle) (SchemaField, error) {
	meta, err := c.backend.SchemaFieldMeta(fh)
	if err != nil {
		return SchemaField{}, errs.FromBackend(op, name, err)
	}
	if meta.Name == "" {
		meta.Name = name
	}
	f, err := Classify(meta)
	if err != nil {
		c.logger.Warn().Str("field", name).Err(err).Msg("unclassifiable schema field")
		return SchemaField{}, err
	}
	return f, nil
}
