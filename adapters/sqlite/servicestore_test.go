package sqlite_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/csmclient/adapters/backend"
	"github.com/artpar/csmclient/adapters/schemafile"
	"github.com/artpar/csmclient/adapters/sqlite"
	"github.com/artpar/csmclient/core/record"
	"github.com/artpar/csmclient/core/registry"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "csm-test.db")
	db, err := sqlite.Open(path)
	require.NoError(t, err, "open database")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(), "migrate")
	return db
}

func service(key string) ports.StoredService {
	return ports.StoredService{
		Key:   key,
		Local: true,
		Fields: map[string]ports.StoredField{
			"name": {Type: field.TypeString, Value: field.String("chat")},
			"ttl":  {Type: field.TypeInt, Value: field.Int(5)},
			"tag":  {Type: field.TypeList, Subtype: field.TypeString, Value: field.StringList("a", "b")},
			"port": {Type: field.TypeList, Subtype: field.TypeInt, Value: field.IntList(80, 443)},
		},
		UpdatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.Migrate())
}

func TestServiceStore_PutAndGet(t *testing.T) {
	store := sqlite.NewServiceStore(setupTestDB(t))
	ctx := context.Background()

	want := service("ab01")
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, "ab01")
	require.NoError(t, err)
	assert.Equal(t, want.Key, got.Key)
	assert.True(t, got.Local)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "UpdatedAt = %v", got.UpdatedAt)
	require.Len(t, got.Fields, len(want.Fields))
	for name, f := range want.Fields {
		assert.Equal(t, f.Type, got.Fields[name].Type, name)
		assert.Equal(t, f.Subtype, got.Fields[name].Subtype, name)
		assert.True(t, f.Value.Equal(got.Fields[name].Value), "%s = %v, want %v", name, got.Fields[name].Value, f.Value)
	}

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestServiceStore_PutReplaceKeepsOrder(t *testing.T) {
	store := sqlite.NewServiceStore(setupTestDB(t))
	ctx := context.Background()

	for _, k := range []string{"c3", "a1", "b2"} {
		require.NoError(t, store.Put(ctx, service(k)))
	}
	updated := service("c3")
	updated.Local = false
	require.NoError(t, store.Put(ctx, updated))

	list, err := store.List(ctx)
	require.NoError(t, err)
	var keys []string
	for _, svc := range list {
		keys = append(keys, svc.Key)
	}
	assert.Equal(t, []string{"c3", "a1", "b2"}, keys)
	assert.False(t, list[0].Local)
}

func TestServiceStore_PutWithoutKey(t *testing.T) {
	store := sqlite.NewServiceStore(setupTestDB(t))
	assert.ErrorIs(t, store.Put(context.Background(), service("")), ports.ErrInvalid)
}

func TestServiceStore_Delete(t *testing.T) {
	store := sqlite.NewServiceStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, service("ab01")))
	require.NoError(t, store.Delete(ctx, "ab01"))
	assert.ErrorIs(t, store.Delete(ctx, "ab01"), ports.ErrNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServiceStore_Closed(t *testing.T) {
	db := setupTestDB(t)
	store := sqlite.NewServiceStore(db)
	db.Close()

	_, err := store.List(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrNotFound))
}

func TestServiceStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	open := func() (*sqlite.DB, *backend.Engine) {
		db, err := sqlite.Open(path)
		require.NoError(t, err)
		require.NoError(t, db.Migrate())
		return db, backend.New(schemafile.Static{Def: schemafile.Default()}, sqlite.NewServiceStore(db))
	}

	db, e := open()
	r, err := record.CreateNew(ctx, e)
	require.NoError(t, err)
	for name, v := range map[string]field.Value{
		"name":     field.String("files"),
		"uri":      field.String("smb://10.0.0.2/share"),
		"ttl":      field.Int(3),
		"lifetime": field.Int(86400),
		"type":     field.StringList("storage"),
	} {
		require.NoError(t, r.Set(name, v))
	}
	require.NoError(t, r.Commit(ctx))
	key := r.Key()
	want := r.Fields()
	r.Close()
	require.NoError(t, db.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	db, e = open()
	defer db.Close()
	c, err := registry.New(ctx, e)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get(key)
	require.NoError(t, err)
	assert.True(t, got.IsLocal())
	for name, v := range want {
		gv, err := got.Get(name)
		require.NoError(t, err, name)
		assert.True(t, v.Equal(gv), "%s = %v, want %v", name, gv, v)
	}
}
