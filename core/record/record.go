// Package record provides Record, a typed view over one registry service.
//
// Records are either hydrated from an existing backend handle or created
// empty. Local records can be modified and committed; records learned from
// other nodes are read-only.
package record

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/core/schema"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

// Record is one service entry. It owns its backend record handle.
// A Record is not safe for concurrent use.
type Record struct {
	backend ports.Backend
	handle  ports.RecordHandle
	catalog *schema.Catalog
	logger  zerolog.Logger

	local   bool
	dirty   bool
	removed bool
	length  int

	fields map[string]field.Value
	names  []string
}

// Option configures a Record.
type Option func(*Record)

// WithCatalog validates writes against the catalog's declared fields.
func WithCatalog(c *schema.Catalog) Option {
	return func(r *Record) { r.catalog = c }
}

// WithLogger sets the record logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Record) { r.logger = l }
}

func newRecord(backend ports.Backend, h ports.RecordHandle, opts []Option) *Record {
	r := &Record{
		backend: backend,
		handle:  h,
		logger:  zerolog.Nop(),
		fields:  make(map[string]field.Value),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate wraps an existing backend handle and reads all of its fields.
// The Record takes ownership of h; if hydration fails, h is released.
func Hydrate(backend ports.Backend, h ports.RecordHandle, opts ...Option) (*Record, error) {
	const op = "record.hydrate"

	if h == 0 {
		return nil, errs.E(op, errs.KindNotFound, "", "null record handle")
	}
	r := newRecord(backend, h, opts)

	n, err := backend.RecordFieldCount(h)
	if err != nil {
		r.release()
		return nil, errs.FromBackend(op, "", err)
	}
	r.length = n

	if err := r.load(op); err != nil {
		r.release()
		return nil, err
	}

	local, err := backend.IsLocal(h)
	if err != nil {
		r.release()
		return nil, errs.FromBackend(op, "", err)
	}
	r.local = local
	return r, nil
}

// CreateNew requests an empty local record from the backend.
func CreateNew(ctx context.Context, backend ports.Backend, opts ...Option) (*Record, error) {
	h, err := backend.CreateRecord(ctx)
	if err != nil {
		return nil, errs.FromBackend("record.create", "", err)
	}
	if h == 0 {
		return nil, errs.E("record.create", errs.KindBackendUnavailable, "", "registry returned no record")
	}
	r := newRecord(backend, h, opts)
	r.local = true
	return r, nil
}

// load re-reads every field through the cursor protocol. Only
// ports.ErrEndOfFields ends iteration; any other error fails the load.
func (r *Record) load(op string) error {
	fields := make(map[string]field.Value)
	var names []string

	var cursor ports.FieldHandle
	for {
		fh, name, err := r.backend.NextField(r.handle, cursor)
		if errors.Is(err, ports.ErrEndOfFields) {
			break
		}
		if err != nil {
			return errs.FromBackend(op, "", err)
		}
		if fh == 0 {
			return errs.E(op, errs.KindBackendUnavailable, name, "registry returned a null field without ending iteration")
		}
		v, err := r.read(op, name, fh)
		if err != nil {
			return err
		}
		if _, dup := fields[name]; !dup {
			names = append(names, name)
		}
		fields[name] = v
		cursor = fh
	}

	r.fields = fields
	r.names = names
	return nil
}

// read decodes one backend field into a Value.
func (r *Record) read(op, name string, fh ports.FieldHandle) (field.Value, error) {
	typ, err := r.backend.FieldType(fh)
	if err != nil {
		return field.Value{}, errs.FromBackend(op, name, err)
	}

	switch typ {
	case field.TypeInt:
		n, err := r.backend.FieldInt(fh)
		if err != nil {
			return field.Value{}, errs.FromBackend(op, name, err)
		}
		return field.Int(n), nil

	case field.TypeString, field.TypeHex:
		s, err := r.backend.FieldString(fh)
		if err != nil {
			return field.Value{}, errs.FromBackend(op, name, err)
		}
		return field.String(s), nil

	case field.TypeList:
		sub, err := r.backend.FieldListSubtype(fh)
		if err != nil {
			return field.Value{}, errs.FromBackend(op, name, err)
		}
		if !sub.ValidSubtype() {
			return field.Value{}, errs.E(op, errs.KindUnknownFieldType, name, fmt.Sprintf("list subtype %s", sub))
		}
		n, err := r.backend.FieldListLength(fh)
		if err != nil {
			return field.Value{}, errs.FromBackend(op, name, err)
		}
		elems := make([]field.Value, n)
		for i := range n {
			if sub == field.TypeInt {
				v, err := r.backend.FieldListInt(fh, i)
				if err != nil {
					return field.Value{}, errs.FromBackend(op, name, err)
				}
				elems[i] = field.Int(v)
			} else {
				s, err := r.backend.FieldListString(fh, i)
				if err != nil {
					return field.Value{}, errs.FromBackend(op, name, err)
				}
				elems[i] = field.String(s)
			}
		}
		return field.List(elems...), nil

	default:
		return field.Value{}, errs.E(op, errs.KindUnknownFieldType, name, fmt.Sprintf("type %s", typ))
	}
}

// Get re-reads a field from the backend.
func (r *Record) Get(name string) (field.Value, error) {
	const op = "record.get"

	if err := r.alive(op); err != nil {
		return field.Value{}, err
	}
	fh, err := r.backend.FieldByName(r.handle, name)
	if err != nil {
		return field.Value{}, errs.FromBackend(op, name, err)
	}
	if fh == 0 {
		return field.Value{}, errs.E(op, errs.KindNotFound, name, "")
	}
	v, err := r.read(op, name, fh)
	return v, err
}

// Set writes a field through to the backend.
//
// The value must match the type already established for the field, lists
// must be non-empty and homogeneous, and when a catalog is attached the value
// must conform to the declared field. A failed Set changes nothing.
func (r *Record) Set(name string, v field.Value) error {
	const op = "record.set"

	if err := r.writable(op); err != nil {
		return err
	}
	if name == "" {
		return errs.E(op, errs.KindValidationError, "", "empty field name")
	}
	if v.IsZero() {
		return errs.E(op, errs.KindValidationError, name, "no value")
	}

	var elemKind field.Kind
	if v.Kind() == field.KindList {
		k, err := v.ElemKind()
		if err != nil {
			return schema.ListError(op, name, err)
		}
		elemKind = k
	}

	// Type and subtype established by the backend for this field, if any.
	var existing, existingSub field.Type
	fh, err := r.backend.FieldByName(r.handle, name)
	switch {
	case errors.Is(err, ports.ErrNotFound):
	case err != nil:
		return errs.FromBackend(op, name, err)
	case fh != 0:
		existing, err = r.backend.FieldType(fh)
		if err != nil {
			return errs.FromBackend(op, name, err)
		}
		if !existing.Accepts(v.Kind()) {
			return errs.E(op, errs.KindTypeMismatch, name,
				fmt.Sprintf("%s value for existing %s field", v.Kind(), existing))
		}
		if existing == field.TypeList {
			existingSub, err = r.backend.FieldListSubtype(fh)
			if err != nil {
				return errs.FromBackend(op, name, err)
			}
			if !existingSub.Accepts(elemKind) {
				return errs.E(op, errs.KindTypeMismatch, name,
					fmt.Sprintf("%s elements for existing LIST<%s>", elemKind, existingSub))
			}
		}
	}

	// Declared type and constraints from the catalog, if attached.
	var declared, declaredSub field.Type
	if r.catalog != nil {
		// A released catalog cannot tell undeclared fields apart.
		if r.catalog.Closed() {
			return errs.E(op, errs.KindNotFound, name, "catalog is closed")
		}
		sf, err := r.catalog.FieldByName(name)
		switch {
		case errors.Is(err, errs.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := schema.Validate(sf, v); err != nil {
				return err
			}
			declared, declaredSub = sf.Type, sf.Subtype
		}
	}

	if err := r.write(name, v, textType(existing, declared), textType(existingSub, declaredSub)); err != nil {
		return errs.FromBackend(op, name, err)
	}

	if _, ok := r.fields[name]; !ok {
		r.names = append(r.names, name)
	}
	r.fields[name] = v
	r.dirty = true
	r.logger.Debug().Str("field", name).Stringer("value", v).Msg("field set")
	return nil
}

// textType picks STRING or HEX for a text value, preferring the type the
// backend already holds.
func textType(existing, declared field.Type) field.Type {
	if existing.IsText() {
		return existing
	}
	if declared.IsText() {
		return declared
	}
	return field.TypeString
}

func (r *Record) write(name string, v field.Value, text, textSub field.Type) error {
	switch v.Kind() {
	case field.KindInt:
		n, _ := v.AsInt()
		return r.backend.SetInt(r.handle, name, n)
	case field.KindString:
		s, _ := v.AsString()
		return r.backend.SetString(r.handle, name, text, s)
	default:
		if ns, ok := v.Ints(); ok {
			return r.backend.SetIntList(r.handle, name, ns)
		}
		ss, _ := v.Strings()
		return r.backend.SetStringList(r.handle, name, textSub, ss)
	}
}

// Delete drops a field from the record.
func (r *Record) Delete(name string) error {
	const op = "record.delete"

	if err := r.writable(op); err != nil {
		return err
	}
	if err := r.backend.RemoveField(r.handle, name); err != nil {
		return errs.FromBackend(op, name, err)
	}
	delete(r.fields, name)
	r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == name })
	r.dirty = true
	r.logger.Debug().Str("field", name).Msg("field deleted")
	return nil
}

// Commit persists pending changes. The registry assigns the key and
// signature, which are read back into the record. Committing a clean record
// does nothing.
func (r *Record) Commit(ctx context.Context) error {
	const op = "record.commit"

	if err := r.writable(op); err != nil {
		return err
	}
	if !r.dirty {
		return nil
	}
	return r.commit(ctx, op)
}

// Publish commits the record whether or not it has pending changes.
func (r *Record) Publish(ctx context.Context) error {
	const op = "record.publish"

	if err := r.writable(op); err != nil {
		return err
	}
	return r.commit(ctx, op)
}

func (r *Record) commit(ctx context.Context, op string) error {
	if err := r.backend.CommitRecord(ctx, r.handle); err != nil {
		return errs.FromBackend(op, "", err)
	}
	// The commit has landed; a failed reload leaves the record dirty so the
	// next Commit reloads it.
	if err := r.load(op); err != nil {
		return err
	}
	r.dirty = false
	r.logger.Debug().Str("key", r.Key()).Msg("record committed")
	return nil
}

// Remove deletes the record from the registry and releases its handle.
// Every later operation fails with a not-found error.
func (r *Record) Remove(ctx context.Context) error {
	const op = "record.remove"

	if err := r.writable(op); err != nil {
		return err
	}
	if err := r.backend.RemoveRecord(ctx, r.handle); err != nil {
		return errs.FromBackend(op, "", err)
	}
	key := r.Key()
	r.removed = true
	r.release()
	r.fields = map[string]field.Value{}
	r.names = nil
	r.logger.Debug().Str("key", key).Msg("record removed")
	return nil
}

// Close releases the backend handle. It is safe to call more than once.
func (r *Record) Close() error {
	if r.handle == 0 {
		return nil
	}
	h := r.handle
	r.handle = 0
	if err := r.backend.ReleaseRecord(h); err != nil {
		return errs.FromBackend("record.close", "", err)
	}
	return nil
}

func (r *Record) release() {
	if err := r.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("release record handle")
	}
}

func (r *Record) alive(op string) error {
	if r.removed {
		return errs.E(op, errs.KindNotFound, "", "record was removed")
	}
	if r.handle == 0 {
		return errs.E(op, errs.KindNotFound, "", "record is closed")
	}
	return nil
}

func (r *Record) writable(op string) error {
	if err := r.alive(op); err != nil {
		return err
	}
	if !r.local {
		return errs.E(op, errs.KindReadOnlyViolation, "", "record is not local")
	}
	return nil
}

// Key returns the registry-assigned key, or "" before the first commit.
func (r *Record) Key() string {
	s, _ := r.fields[ports.KeyField].AsString()
	return s
}

// IsLocal reports whether the record was created on this node and may be
// modified.
func (r *Record) IsLocal() bool { return r.local }

// IsDirty reports whether the record has uncommitted changes.
func (r *Record) IsDirty() bool { return r.dirty }

// IsCurrent reports whether the record has no uncommitted changes.
func (r *Record) IsCurrent() bool { return !r.dirty }

// Len returns the field count reported when the record was hydrated.
func (r *Record) Len() int { return r.length }

// Fields returns a copy of the materialized field map.
func (r *Record) Fields() map[string]field.Value {
	return maps.Clone(r.fields)
}

// All yields the materialized fields in registry order.
func (r *Record) All() iter.Seq2[string, field.Value] {
	return func(yield func(string, field.Value) bool) {
		for _, name := range r.names {
			if !yield(name, r.fields[name]) {
				return
			}
		}
	}
}

// Equal reports whether both records hold identical field maps.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return maps.EqualFunc(r.fields, o.fields, field.Value.Equal)
}
