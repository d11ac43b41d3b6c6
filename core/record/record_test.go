package record_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/adapters/backend"
	"github.com/artpar/csmclient/adapters/memory"
	"github.com/artpar/csmclient/adapters/schemafile"
	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/core/record"
	"github.com/artpar/csmclient/core/schema"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

func testDefinition() ports.SchemaDefinition {
	return ports.SchemaDefinition{
		Major: 1,
		Fields: []ports.FieldMeta{
			{Name: "key", Type: field.TypeHex, Required: true},
			{Name: "name", Type: field.TypeString, Length: 16, HasLength: true},
			{Name: "version", Type: field.TypeInt, Min: 1, Max: 5, HasMin: true, HasMax: true},
			{Name: "tags", Type: field.TypeList, Subtype: field.TypeString},
			{Name: "fingerprint", Type: field.TypeHex},
		},
	}
}

type fixture struct {
	engine  *backend.Engine
	store   *memory.ServiceStore
	catalog *schema.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewServiceStore()
	e := backend.New(schemafile.Static{Def: testDefinition()}, store)
	c, err := schema.Fetch(context.Background(), e, zerolog.Nop())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &fixture{engine: e, store: store, catalog: c}
}

func (f *fixture) create(t *testing.T, opts ...record.Option) *record.Record {
	t.Helper()
	r, err := record.CreateNew(context.Background(), f.engine, opts...)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// remote imports a service from another node and hydrates it.
func (f *fixture) remote(t *testing.T, key string) *record.Record {
	t.Helper()
	ctx := context.Background()
	err := f.engine.Import(ctx, ports.StoredService{
		Key: key,
		Fields: map[string]ports.StoredField{
			"key":  {Type: field.TypeHex, Value: field.String(key)},
			"name": {Type: field.TypeString, Value: field.String("remote")},
			"tags": {Type: field.TypeList, Subtype: field.TypeString, Value: field.StringList("x")},
		},
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	return f.hydrate(t, key)
}

func (f *fixture) hydrate(t *testing.T, key string) *record.Record {
	t.Helper()
	sh, _, err := f.engine.FetchRecords(context.Background())
	if err != nil {
		t.Fatalf("FetchRecords() error = %v", err)
	}
	defer f.engine.FreeRecords(sh)
	rh, err := f.engine.RecordByKey(sh, key)
	if err != nil {
		t.Fatalf("RecordByKey(%q) error = %v", key, err)
	}
	r, err := record.Hydrate(f.engine, rh)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateNew(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	if !r.IsLocal() {
		t.Error("new record should be local")
	}
	if r.IsDirty() || !r.IsCurrent() {
		t.Error("new record should be clean")
	}
	if r.Key() != "" {
		t.Errorf("Key() = %q, want empty before commit", r.Key())
	}
	if len(r.Fields()) != 0 {
		t.Errorf("Fields() = %v, want empty", r.Fields())
	}
}

func TestSetGet(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value field.Value
	}{
		{"int", "version", field.Int(3)},
		{"string", "name", field.String("mesh chat")},
		{"string list keeps order", "tags", field.StringList("b", "a", "c")},
		{"int list", "ports", field.IntList(443, 80)},
		{"undeclared field", "extra", field.String("x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.create(t)

			if err := r.Set(tt.field, tt.value); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := r.Get(tt.field)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !got.Equal(tt.value) {
				t.Errorf("Get() = %v, want %v", got, tt.value)
			}
			if !r.IsDirty() {
				t.Error("Set() should mark the record dirty")
			}
		})
	}
}

func TestGet_Missing(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	if _, err := r.Get("name"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Get() error = %v, want not found", err)
	}
}

func TestSet_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		setup   map[string]field.Value
		field   string
		value   field.Value
		catalog bool
		wantErr error
	}{
		{
			name:    "int over existing string",
			setup:   map[string]field.Value{"name": field.String("a")},
			field:   "name",
			value:   field.Int(1),
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "string over existing int",
			setup:   map[string]field.Value{"version": field.Int(2)},
			field:   "version",
			value:   field.String("2"),
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "list over existing scalar",
			setup:   map[string]field.Value{"name": field.String("a")},
			field:   "name",
			value:   field.StringList("a"),
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "int list over existing string list",
			setup:   map[string]field.Value{"tags": field.StringList("a")},
			field:   "tags",
			value:   field.IntList(1),
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "empty list",
			field:   "tags",
			value:   field.List(),
			wantErr: errs.ErrValidation,
		},
		{
			name:    "mixed list",
			field:   "tags",
			value:   field.List(field.String("a"), field.Int(1)),
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "nested list",
			field:   "tags",
			value:   field.List(field.StringList("a")),
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "zero value",
			field:   "name",
			value:   field.Value{},
			wantErr: errs.ErrValidation,
		},
		{
			name:    "empty name",
			field:   "",
			value:   field.Int(1),
			wantErr: errs.ErrValidation,
		},
		{
			name:    "above declared max",
			field:   "version",
			value:   field.Int(9),
			catalog: true,
			wantErr: errs.ErrValidation,
		},
		{
			name:    "declared type",
			field:   "version",
			value:   field.String("three"),
			catalog: true,
			wantErr: errs.ErrTypeMismatch,
		},
		{
			name:    "declared length",
			field:   "name",
			value:   field.String("a name far longer than sixteen"),
			catalog: true,
			wantErr: errs.ErrValidation,
		},
		{
			name:    "declared hex",
			field:   "fingerprint",
			value:   field.String("not hex"),
			catalog: true,
			wantErr: errs.ErrValidation,
		},
		{
			name:    "declared list subtype",
			field:   "tags",
			value:   field.IntList(1, 2),
			catalog: true,
			wantErr: errs.ErrTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var opts []record.Option
			if tt.catalog {
				opts = append(opts, record.WithCatalog(f.catalog))
			}
			r := f.create(t, opts...)
			for name, v := range tt.setup {
				if err := r.Set(name, v); err != nil {
					t.Fatalf("setup Set(%q) error = %v", name, err)
				}
			}
			before := r.Fields()

			err := r.Set(tt.field, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Set() error = %v, want %v", err, tt.wantErr)
			}

			after := r.Fields()
			if len(after) != len(before) {
				t.Fatalf("failed Set() changed the field map: %v -> %v", before, after)
			}
			for name, v := range before {
				if !after[name].Equal(v) {
					t.Errorf("failed Set() changed %q: %v -> %v", name, v, after[name])
				}
			}
			if want, ok := before[tt.field]; ok {
				got, err := r.Get(tt.field)
				if err != nil || !got.Equal(want) {
					t.Errorf("backend value changed: Get() = %v, %v; want %v", got, err, want)
				}
			} else if tt.field != "" {
				if _, err := r.Get(tt.field); !errors.Is(err, errs.ErrNotFound) {
					t.Errorf("failed Set() created the field on the backend: %v", err)
				}
			}
		})
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	if err := r.Set("name", field.String("a")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := r.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := r.Delete("name"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !r.IsDirty() {
		t.Error("Delete() should mark the record dirty")
	}
	if _, err := r.Get("name"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want not found", err)
	}
	if _, ok := r.Fields()["name"]; ok {
		t.Error("deleted field still in Fields()")
	}
	if err := r.Delete("name"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want not found", err)
	}
}

// Schema declares version as INT [1..5]; a committed value reads back intact.
func TestCommit_VersionScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, record.WithCatalog(f.catalog))

	if err := r.Set("version", field.Int(3)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := r.Get("version")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Equal(field.Int(3)) {
		t.Errorf("Get(version) = %v, want 3", got)
	}
	if !r.IsLocal() {
		t.Error("committed record should stay local")
	}
	if r.IsDirty() {
		t.Error("Commit() should clear dirty")
	}
	if r.Key() == "" {
		t.Error("Commit() should assign a key")
	}
	if f.store.Len() != 1 {
		t.Errorf("store has %d services, want 1", f.store.Len())
	}
}

func TestCommit_ListScenario(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	if err := r.Set("tags", field.StringList("a", "b")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := r.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := r.Get("tags")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ss, _ := got.Strings(); len(ss) != 2 || ss[0] != "a" || ss[1] != "b" {
		t.Errorf("Get(tags) = %v, want [a b]", got)
	}
}

func TestCommit_KeepsKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t)

	r.Set("name", field.String("first"))
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	key := r.Key()

	r.Set("name", field.String("second"))
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
	if r.Key() != key {
		t.Errorf("Key() changed from %q to %q", key, r.Key())
	}
	if f.store.Len() != 1 {
		t.Errorf("store has %d services, want 1", f.store.Len())
	}
}

func TestCommit_Rejected(t *testing.T) {
	store := memory.NewServiceStore()
	def := testDefinition()
	def.Fields[1].Required = true // name
	e := backend.New(schemafile.Static{Def: def}, store)

	r, err := record.CreateNew(context.Background(), e)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}
	defer r.Close()
	r.Set("version", field.Int(2))

	if err := r.Commit(context.Background()); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("Commit() error = %v, want validation error", err)
	}
	if !r.IsDirty() {
		t.Error("rejected Commit() should leave the record dirty")
	}
	if store.Len() != 0 {
		t.Errorf("rejected commit stored %d services", store.Len())
	}
}

type countingBackend struct {
	ports.Backend
	commits int
}

func (b *countingBackend) CommitRecord(ctx context.Context, rh ports.RecordHandle) error {
	b.commits++
	return b.Backend.CommitRecord(ctx, rh)
}

func TestCommit_IdempotentWhenClean(t *testing.T) {
	f := newFixture(t)
	cb := &countingBackend{Backend: f.engine}
	r, err := record.CreateNew(context.Background(), cb)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}
	defer r.Close()

	// Clean new record: nothing to commit.
	if err := r.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if cb.commits != 0 {
		t.Errorf("clean Commit() reached the backend %d times", cb.commits)
	}

	r.Set("name", field.String("x"))
	r.Commit(context.Background())
	r.Commit(context.Background())
	if cb.commits != 1 {
		t.Errorf("backend commits = %d, want 1", cb.commits)
	}

	if err := r.Publish(context.Background()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if cb.commits != 2 {
		t.Errorf("Publish() should always commit, backend commits = %d", cb.commits)
	}
}

func TestRemote_ReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.remote(t, "ab12")

	if r.IsLocal() {
		t.Fatal("imported record should not be local")
	}
	if r.Key() != "ab12" {
		t.Errorf("Key() = %q, want ab12", r.Key())
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	checks := map[string]error{
		"set":    r.Set("name", field.String("mine")),
		"delete": r.Delete("name"),
		"commit": r.Commit(ctx),
		"remove": r.Remove(ctx),
	}
	for op, err := range checks {
		if !errors.Is(err, errs.ErrReadOnlyViolation) {
			t.Errorf("%s error = %v, want read-only violation", op, err)
		}
	}

	if _, err := f.store.Get(ctx, "ab12"); err != nil {
		t.Errorf("remote service was removed from the store: %v", err)
	}
	got, err := r.Get("name")
	if err != nil || !got.Equal(field.String("remote")) {
		t.Errorf("Get(name) = %v, %v; want remote", got, err)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := record.CreateNew(ctx, f.engine)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}
	r.Set("name", field.String("gone soon"))
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := r.Remove(ctx); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d services after Remove", f.store.Len())
	}
	if open := f.engine.Open(); open.Records != 0 {
		t.Errorf("Remove() leaked %d record handles", open.Records)
	}

	if _, err := r.Get("name"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Get() after Remove error = %v, want not found", err)
	}
	if err := r.Set("name", field.String("x")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Set() after Remove error = %v, want not found", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() after Remove error = %v", err)
	}
}

func TestRemove_Uncommitted(t *testing.T) {
	f := newFixture(t)
	r, err := record.CreateNew(context.Background(), f.engine)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}

	if err := r.Remove(context.Background()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if open := f.engine.Open(); open.Records != 0 {
		t.Errorf("Remove() leaked %d record handles", open.Records)
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	r, err := record.CreateNew(context.Background(), f.engine)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if open := f.engine.Open(); open.Records != 0 {
		t.Errorf("%d record handles still open", open.Records)
	}
	if _, err := r.Get("name"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Get() after Close error = %v, want not found", err)
	}
}

func TestHydrate_UnknownType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.engine.Import(ctx, ports.StoredService{
		Key: "cd34",
		Fields: map[string]ports.StoredField{
			"weird": {Type: field.Type(9), Value: field.Int(1)},
		},
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	sh, _, _ := f.engine.FetchRecords(ctx)
	defer f.engine.FreeRecords(sh)
	rh, err := f.engine.RecordByKey(sh, "cd34")
	if err != nil {
		t.Fatalf("RecordByKey() error = %v", err)
	}

	if _, err := record.Hydrate(f.engine, rh); !errors.Is(err, errs.ErrUnknownFieldType) {
		t.Errorf("Hydrate() error = %v, want unknown field type", err)
	}
	if open := f.engine.Open(); open.Records != 0 {
		t.Errorf("failed Hydrate() leaked %d record handles", open.Records)
	}
}

type cursorFault struct {
	ports.Backend
	calls     int
	failAfter int
}

func (b *cursorFault) NextField(rh ports.RecordHandle, after ports.FieldHandle) (ports.FieldHandle, string, error) {
	b.calls++
	if b.calls > b.failAfter {
		return 0, "", errors.New("connection reset")
	}
	return b.Backend.NextField(rh, after)
}

// Only the end-of-fields sentinel ends hydration; other errors fail it.
func TestHydrate_CursorError(t *testing.T) {
	f := newFixture(t)
	f.remote(t, "ab12")

	sh, _, _ := f.engine.FetchRecords(context.Background())
	defer f.engine.FreeRecords(sh)
	rh, err := f.engine.RecordByKey(sh, "ab12")
	if err != nil {
		t.Fatalf("RecordByKey() error = %v", err)
	}

	fb := &cursorFault{Backend: f.engine, failAfter: 1}
	if _, err := record.Hydrate(fb, rh); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("Hydrate() error = %v, want backend unavailable", err)
	}
	// One handle belongs to the remote fixture record; the failed one is released.
	if open := f.engine.Open(); open.Records != 1 {
		t.Errorf("open record handles = %d, want 1", open.Records)
	}
}

func TestHydrate_NullHandle(t *testing.T) {
	f := newFixture(t)
	if _, err := record.Hydrate(f.engine, 0); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Hydrate(0) error = %v, want not found", err)
	}
}

func TestEqual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t)
	r.Set("name", field.String("x"))
	r.Set("tags", field.StringList("a", "b"))
	if err := r.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	same := f.hydrate(t, r.Key())
	if !r.Equal(same) {
		t.Errorf("committed record %v != hydrated %v", r.Fields(), same.Fields())
	}

	r.Set("name", field.String("y"))
	if r.Equal(same) {
		t.Error("records with different fields compare equal")
	}
	if r.Equal(nil) {
		t.Error("record equals nil")
	}
}

func TestAll_Order(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	r.Set("b", field.Int(1))
	r.Set("a", field.Int(2))
	r.Set("c", field.Int(3))
	r.Delete("a")

	var names []string
	for name := range r.All() {
		names = append(names, name)
	}
	if len(names) != 2 || names[0] != "b" || names[1] != "c" {
		t.Errorf("All() names = %v, want [b c]", names)
	}
}

// Writes through a released catalog fail instead of skipping its checks.
func TestSet_ClosedCatalog(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, record.WithCatalog(f.catalog))

	if err := r.Set("version", field.String("x")); !errors.Is(err, errs.ErrTypeMismatch) {
		t.Fatalf("Set() error = %v, want type mismatch", err)
	}
	if err := f.catalog.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, name := range []string{"version", "extra"} {
		if err := r.Set(name, field.String("x")); !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("Set(%q) after catalog Close() error = %v, want not found", name, err)
		}
		if _, err := r.Get(name); !errors.Is(err, errs.ErrNotFound) {
			t.Errorf("Get(%q) = %v, want the rejected write not applied", name, err)
		}
	}
	if r.IsDirty() {
		t.Error("rejected Set() marked the record dirty")
	}
}

type reloadFault struct {
	ports.Backend
	fail bool
}

func (b *reloadFault) NextField(rh ports.RecordHandle, after ports.FieldHandle) (ports.FieldHandle, string, error) {
	if b.fail {
		return 0, "", errors.New("connection reset")
	}
	return b.Backend.NextField(rh, after)
}

func TestCommit_ReloadFailureStaysDirty(t *testing.T) {
	f := newFixture(t)
	fb := &reloadFault{Backend: f.engine}
	r, err := record.CreateNew(context.Background(), fb)
	if err != nil {
		t.Fatalf("CreateNew() error = %v", err)
	}
	defer r.Close()

	if err := r.Set("name", field.String("x")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	fb.fail = true
	if err := r.Commit(context.Background()); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Fatalf("Commit() error = %v, want backend unavailable", err)
	}
	if f.store.Len() != 1 {
		t.Errorf("stored services = %d, want the commit to have landed", f.store.Len())
	}
	if !r.IsDirty() {
		t.Error("record reports clean although it was not reloaded")
	}

	fb.fail = false
	if err := r.Commit(context.Background()); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
	if r.IsDirty() {
		t.Error("record still dirty after a successful Commit()")
	}
	if r.Key() == "" {
		t.Error("reloaded record has no key")
	}
}
