// Package backend provides a reference registry engine implementing
// ports.Backend on top of a ports.ServiceStore and a ports.SchemaSource.
//
// Handles are entries in per-kind tables keyed by a shared counter. Releasing
// a handle removes its entry, so a second release fails with
// ports.ErrInvalidHandle.
package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/adapters/clock"
	"github.com/artpar/csmclient/adapters/idgen"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

// Engine is an in-process registry.
type Engine struct {
	mu sync.Mutex

	source ports.SchemaSource
	store  ports.ServiceStore
	ids    ports.IDGenerator
	signer ports.Signer
	clock  ports.Clock
	logger zerolog.Logger

	next         uint64
	schemas      map[ports.SchemaHandle]*schemaEntry
	schemaFields map[ports.FieldHandle]schemaFieldRef
	snapshots    map[ports.SnapshotHandle]*snapshot
	records      map[ports.RecordHandle]*recordEntry
	fields       map[ports.FieldHandle]fieldRef
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the generator for service keys.
func WithIDGenerator(g ports.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithSigner sets the service signer.
func WithSigner(s ports.Signer) Option {
	return func(e *Engine) { e.signer = s }
}

// WithClock sets the clock used for UpdatedAt timestamps.
func WithClock(c ports.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine serving the schema from source and persisting
// committed services in store. Without WithSigner, services are committed
// with an empty signature.
func New(source ports.SchemaSource, store ports.ServiceStore, opts ...Option) *Engine {
	e := &Engine{
		source:       source,
		store:        store,
		ids:          idgen.Hex{},
		clock:        clock.Real{},
		logger:       zerolog.Nop(),
		schemas:      make(map[ports.SchemaHandle]*schemaEntry),
		schemaFields: make(map[ports.FieldHandle]schemaFieldRef),
		snapshots:    make(map[ports.SnapshotHandle]*snapshot),
		records:      make(map[ports.RecordHandle]*recordEntry),
		fields:       make(map[ports.FieldHandle]fieldRef),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handles reports the number of live handles of each kind.
type Handles struct {
	Schemas   int
	Snapshots int
	Records   int
}

// Open returns the number of live handles. Owners that release everything
// they acquire leave all counts at zero.
func (e *Engine) Open() Handles {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Handles{
		Schemas:   len(e.schemas),
		Snapshots: len(e.snapshots),
		Records:   len(e.records),
	}
}

// Import stores a service learned from another node. Imported services
// are not local and cannot be modified through this engine.
func (e *Engine) Import(ctx context.Context, svc ports.StoredService) error {
	if svc.Key == "" {
		return fmt.Errorf("import: %w: service has no key", ports.ErrInvalid)
	}
	svc.Local = false
	if svc.UpdatedAt.IsZero() {
		svc.UpdatedAt = e.clock.Now()
	}
	if err := e.store.Put(ctx, svc); err != nil {
		return storeErr("import", err)
	}
	e.logger.Debug().Str("key", svc.Key).Msg("service imported")
	return nil
}

func (e *Engine) alloc() uint64 {
	e.next++
	return e.next
}

// storeErr classifies a ServiceStore failure. Missing services stay
// ErrNotFound; anything else means the registry's storage is unreachable.
func storeErr(op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ports.ErrUnavailable, err)
}

// -----------------------------------------------------------------------------
// Records and fields
// -----------------------------------------------------------------------------

type namedField struct {
	name string
	ports.StoredField
}

type recordEntry struct {
	key       string
	local     bool
	persisted bool
	removed   bool
	fields    []namedField
	handles   map[string]ports.FieldHandle
}

func (r *recordEntry) index(name string) int {
	return slices.IndexFunc(r.fields, func(f namedField) bool { return f.name == name })
}

func (r *recordEntry) set(name string, f ports.StoredField) {
	if i := r.index(name); i >= 0 {
		r.fields[i].StoredField = f
		return
	}
	r.fields = append(r.fields, namedField{name: name, StoredField: f})
}

func (r *recordEntry) values() map[string]field.Value {
	out := make(map[string]field.Value, len(r.fields))
	for _, f := range r.fields {
		out[f.name] = f.Value
	}
	return out
}

func (r *recordEntry) stored() map[string]ports.StoredField {
	out := make(map[string]ports.StoredField, len(r.fields))
	for _, f := range r.fields {
		out[f.name] = f.StoredField
	}
	return out
}

type fieldRef struct {
	record ports.RecordHandle
	name   string
}

func (e *Engine) newRecord(svc ports.StoredService) ports.RecordHandle {
	rec := &recordEntry{
		key:       svc.Key,
		local:     svc.Local,
		persisted: svc.Key != "",
		handles:   make(map[string]ports.FieldHandle),
	}
	names := make([]string, 0, len(svc.Fields))
	for name := range svc.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		rec.fields = append(rec.fields, namedField{name: name, StoredField: svc.Fields[name]})
	}
	h := ports.RecordHandle(e.alloc())
	e.records[h] = rec
	return h
}

// record resolves a live, not removed record handle. Caller holds e.mu.
func (e *Engine) record(rh ports.RecordHandle) (*recordEntry, error) {
	rec, ok := e.records[rh]
	if !ok || rec.removed {
		return nil, fmt.Errorf("record %d: %w", rh, ports.ErrInvalidHandle)
	}
	return rec, nil
}

// field resolves a record field handle to its current value. Caller holds e.mu.
func (e *Engine) field(fh ports.FieldHandle) (ports.StoredField, error) {
	ref, ok := e.fields[fh]
	if !ok {
		return ports.StoredField{}, fmt.Errorf("field %d: %w", fh, ports.ErrInvalidHandle)
	}
	rec, err := e.record(ref.record)
	if err != nil {
		return ports.StoredField{}, err
	}
	i := rec.index(ref.name)
	if i < 0 {
		return ports.StoredField{}, fmt.Errorf("field %q: %w", ref.name, ports.ErrInvalidHandle)
	}
	return rec.fields[i].StoredField, nil
}

// fieldHandle returns the stable handle for a record field. Caller holds e.mu.
func (e *Engine) fieldHandle(rh ports.RecordHandle, rec *recordEntry, name string) ports.FieldHandle {
	if fh, ok := rec.handles[name]; ok {
		return fh
	}
	fh := ports.FieldHandle(e.alloc())
	rec.handles[name] = fh
	e.fields[fh] = fieldRef{record: rh, name: name}
	return fh
}

func (e *Engine) dropRecord(rh ports.RecordHandle, rec *recordEntry) {
	for _, fh := range rec.handles {
		delete(e.fields, fh)
	}
	delete(e.records, rh)
}

// CreateRecord returns a handle to a new, empty, local record.
func (e *Engine) CreateRecord(ctx context.Context) (ports.RecordHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("create: %w: %w", ports.ErrUnavailable, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.newRecord(ports.StoredService{Local: true})
	return h, nil
}

// ReleaseRecord frees a record handle. Removed records may still be released.
func (e *Engine) ReleaseRecord(rh ports.RecordHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[rh]
	if !ok {
		return fmt.Errorf("release record %d: %w", rh, ports.ErrInvalidHandle)
	}
	e.dropRecord(rh, rec)
	return nil
}

// IsLocal reports whether the record was created on this node.
func (e *Engine) IsLocal(rh ports.RecordHandle) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.record(rh)
	if err != nil {
		return false, err
	}
	return rec.local, nil
}

// RecordFieldCount returns the number of fields on the record.
func (e *Engine) RecordFieldCount(rh ports.RecordHandle) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.record(rh)
	if err != nil {
		return 0, err
	}
	return len(rec.fields), nil
}

// NextField returns the field after the given one, or the first field when
// after is zero. ErrEndOfFields follows the last field.
func (e *Engine) NextField(rh ports.RecordHandle, after ports.FieldHandle) (ports.FieldHandle, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.record(rh)
	if err != nil {
		return 0, "", err
	}

	i := 0
	if after != 0 {
		ref, ok := e.fields[after]
		if !ok || ref.record != rh {
			return 0, "", fmt.Errorf("cursor %d: %w", after, ports.ErrInvalidHandle)
		}
		pos := rec.index(ref.name)
		if pos < 0 {
			return 0, "", fmt.Errorf("cursor field %q: %w", ref.name, ports.ErrInvalidHandle)
		}
		i = pos + 1
	}
	if i >= len(rec.fields) {
		return 0, "", ports.ErrEndOfFields
	}
	name := rec.fields[i].name
	return e.fieldHandle(rh, rec, name), name, nil
}

// FieldByName returns a handle to the named record field.
func (e *Engine) FieldByName(rh ports.RecordHandle, name string) (ports.FieldHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.record(rh)
	if err != nil {
		return 0, err
	}
	if rec.index(name) < 0 {
		return 0, fmt.Errorf("field %q: %w", name, ports.ErrNotFound)
	}
	return e.fieldHandle(rh, rec, name), nil
}

// FieldType returns the declared type of a record field.
func (e *Engine) FieldType(fh ports.FieldHandle) (field.Type, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.field(fh)
	if err != nil {
		return field.TypeInvalid, err
	}
	return f.Type, nil
}

// FieldInt returns the value of an INT field.
func (e *Engine) FieldInt(fh ports.FieldHandle) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.field(fh)
	if err != nil {
		return 0, err
	}
	n, ok := f.Value.AsInt()
	if !ok {
		return 0, fmt.Errorf("%s field has no int value: %w", f.Type, ports.ErrNotFound)
	}
	return n, nil
}

// FieldString returns the value of a STRING or HEX field.
func (e *Engine) FieldString(fh ports.FieldHandle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.field(fh)
	if err != nil {
		return "", err
	}
	s, ok := f.Value.AsString()
	if !ok {
		return "", fmt.Errorf("%s field has no string value: %w", f.Type, ports.ErrNotFound)
	}
	return s, nil
}

// FieldListSubtype returns the element type of a LIST field.
func (e *Engine) FieldListSubtype(fh ports.FieldHandle) (field.Type, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.field(fh)
	if err != nil {
		return field.TypeInvalid, err
	}
	if f.Type != field.TypeList {
		return field.TypeInvalid, fmt.Errorf("%s field has no subtype: %w", f.Type, ports.ErrNotFound)
	}
	return f.Subtype, nil
}

// FieldListLength returns the number of elements of a LIST field.
func (e *Engine) FieldListLength(fh ports.FieldHandle) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := e.field(fh)
	if err != nil {
		return 0, err
	}
	if f.Type != field.TypeList {
		return 0, fmt.Errorf("%s field has no length: %w", f.Type, ports.ErrNotFound)
	}
	return f.Value.Len(), nil
}

// FieldListInt returns element i of an INT list.
func (e *Engine) FieldListInt(fh ports.FieldHandle, i int) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elem, err := e.elem(fh, i)
	if err != nil {
		return 0, err
	}
	n, ok := elem.AsInt()
	if !ok {
		return 0, fmt.Errorf("element %d is not an int: %w", i, ports.ErrNotFound)
	}
	return n, nil
}

// FieldListString returns element i of a STRING or HEX list.
func (e *Engine) FieldListString(fh ports.FieldHandle, i int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elem, err := e.elem(fh, i)
	if err != nil {
		return "", err
	}
	s, ok := elem.AsString()
	if !ok {
		return "", fmt.Errorf("element %d is not a string: %w", i, ports.ErrNotFound)
	}
	return s, nil
}

func (e *Engine) elem(fh ports.FieldHandle, i int) (field.Value, error) {
	f, err := e.field(fh)
	if err != nil {
		return field.Value{}, err
	}
	elems := f.Value.Elems()
	if i < 0 || i >= len(elems) {
		return field.Value{}, fmt.Errorf("element %d: %w", i, ports.ErrNotFound)
	}
	return elems[i], nil
}

// mutable resolves a record that may be written. Caller holds e.mu.
func (e *Engine) mutable(rh ports.RecordHandle, name string) (*recordEntry, error) {
	rec, err := e.record(rh)
	if err != nil {
		return nil, err
	}
	if !rec.local {
		return nil, fmt.Errorf("record %q is not local: %w", rec.key, ports.ErrInvalid)
	}
	if name == "" {
		return nil, fmt.Errorf("empty field name: %w", ports.ErrInvalid)
	}
	return rec, nil
}

// SetInt sets an INT field.
func (e *Engine) SetInt(rh ports.RecordHandle, name string, v int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.mutable(rh, name)
	if err != nil {
		return err
	}
	rec.set(name, ports.StoredField{Type: field.TypeInt, Value: field.Int(v)})
	return nil
}

// SetString sets a STRING or HEX field.
func (e *Engine) SetString(rh ports.RecordHandle, name string, typ field.Type, v string) error {
	if !typ.IsText() {
		return fmt.Errorf("set %q: %s is not a text type: %w", name, typ, ports.ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.mutable(rh, name)
	if err != nil {
		return err
	}
	rec.set(name, ports.StoredField{Type: typ, Value: field.String(v)})
	return nil
}

// SetIntList sets a LIST<INT> field.
func (e *Engine) SetIntList(rh ports.RecordHandle, name string, vs []int64) error {
	if len(vs) == 0 {
		return fmt.Errorf("set %q: empty list: %w", name, ports.ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.mutable(rh, name)
	if err != nil {
		return err
	}
	rec.set(name, ports.StoredField{Type: field.TypeList, Subtype: field.TypeInt, Value: field.IntList(vs...)})
	return nil
}

// SetStringList sets a LIST<STRING> or LIST<HEX> field.
func (e *Engine) SetStringList(rh ports.RecordHandle, name string, subtype field.Type, vs []string) error {
	if len(vs) == 0 {
		return fmt.Errorf("set %q: empty list: %w", name, ports.ErrInvalid)
	}
	if !subtype.IsText() {
		return fmt.Errorf("set %q: %s is not a text type: %w", name, subtype, ports.ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.mutable(rh, name)
	if err != nil {
		return err
	}
	rec.set(name, ports.StoredField{Type: field.TypeList, Subtype: subtype, Value: field.StringList(vs...)})
	return nil
}

// RemoveField drops a field from the record. Removing a missing field
// fails with ErrNotFound.
func (e *Engine) RemoveField(rh ports.RecordHandle, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.mutable(rh, name)
	if err != nil {
		return err
	}
	i := rec.index(name)
	if i < 0 {
		return fmt.Errorf("field %q: %w", name, ports.ErrNotFound)
	}
	rec.fields = slices.Delete(rec.fields, i, i+1)
	if fh, ok := rec.handles[name]; ok {
		delete(e.fields, fh)
		delete(rec.handles, name)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.Backend = (*Engine)(nil)
