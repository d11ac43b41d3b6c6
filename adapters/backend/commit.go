package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/artpar/csmclient/core/schema"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

type snapshot struct {
	services []ports.StoredService
	byKey    map[string]int
}

// FetchRecords snapshots every stored service.
func (e *Engine) FetchRecords(ctx context.Context) (ports.SnapshotHandle, int, error) {
	services, err := e.store.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch records: %w: %w", ports.ErrUnavailable, err)
	}

	snap := &snapshot{services: services, byKey: make(map[string]int, len(services))}
	for i, svc := range services {
		snap.byKey[svc.Key] = i
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	h := ports.SnapshotHandle(e.alloc())
	e.snapshots[h] = snap
	return h, len(services), nil
}

// FreeRecords releases a snapshot. Record handles taken from it stay valid.
func (e *Engine) FreeRecords(sh ports.SnapshotHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.snapshots[sh]; !ok {
		return fmt.Errorf("free records %d: %w", sh, ports.ErrInvalidHandle)
	}
	delete(e.snapshots, sh)
	return nil
}

// RecordByIndex returns a new record handle for the i-th service.
func (e *Engine) RecordByIndex(sh ports.SnapshotHandle, i int) (ports.RecordHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, ok := e.snapshots[sh]
	if !ok {
		return 0, fmt.Errorf("snapshot %d: %w", sh, ports.ErrInvalidHandle)
	}
	if i < 0 || i >= len(snap.services) {
		return 0, fmt.Errorf("record %d: %w", i, ports.ErrNotFound)
	}
	return e.newRecord(snap.services[i]), nil
}

// RecordByKey returns a new record handle for the service with key.
func (e *Engine) RecordByKey(sh ports.SnapshotHandle, key string) (ports.RecordHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, ok := e.snapshots[sh]
	if !ok {
		return 0, fmt.Errorf("snapshot %d: %w", sh, ports.ErrInvalidHandle)
	}
	i, ok := snap.byKey[key]
	if !ok || key == "" {
		return 0, fmt.Errorf("record %q: %w", key, ports.ErrNotFound)
	}
	return e.newRecord(snap.services[i]), nil
}

// CommitRecord validates a local record against the current schema, assigns
// its key on first commit, signs it and persists it.
func (e *Engine) CommitRecord(ctx context.Context, rh ports.RecordHandle) error {
	def, err := e.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w: %w", ports.ErrUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.record(rh)
	if err != nil {
		return err
	}
	if !rec.local {
		return fmt.Errorf("commit %q: not local: %w", rec.key, ports.ErrInvalid)
	}
	if err := conform(def, rec); err != nil {
		return fmt.Errorf("commit: %w: %w", ports.ErrInvalid, err)
	}

	key := rec.key
	if key == "" {
		key = e.ids.New()
	}
	// Work on a copy so a failed store write leaves the record untouched.
	next := &recordEntry{fields: append([]namedField(nil), rec.fields...)}
	next.set(ports.KeyField, ports.StoredField{Type: field.TypeHex, Value: field.String(key)})
	if e.signer != nil {
		if i := next.index(ports.SignatureField); i >= 0 {
			next.fields = slices.Delete(next.fields, i, i+1)
		}
		sig, err := e.signer.Sign(next.values())
		if err != nil {
			return fmt.Errorf("commit: sign: %w", err)
		}
		next.set(ports.SignatureField, ports.StoredField{Type: field.TypeHex, Value: field.String(sig)})
	}

	svc := ports.StoredService{
		Key:       key,
		Local:     true,
		Fields:    next.stored(),
		UpdatedAt: e.clock.Now(),
	}
	if err := e.store.Put(ctx, svc); err != nil {
		return storeErr("commit", err)
	}

	rec.key = key
	rec.persisted = true
	rec.fields = next.fields
	e.logger.Debug().Str("key", key).Int("fields", len(rec.fields)).Msg("service committed")
	return nil
}

// RemoveRecord deletes a local record from the store and marks its handle
// removed. The handle must still be released.
func (e *Engine) RemoveRecord(ctx context.Context, rh ports.RecordHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.record(rh)
	if err != nil {
		return err
	}
	if !rec.local {
		return fmt.Errorf("remove %q: not local: %w", rec.key, ports.ErrInvalid)
	}
	if rec.persisted {
		if err := e.store.Delete(ctx, rec.key); err != nil {
			return storeErr("remove", err)
		}
	}
	rec.removed = true
	e.logger.Debug().Str("key", rec.key).Msg("service removed")
	return nil
}

// conform checks a record against the schema: required fields are present
// and every declared field holds a conforming value. Fields the schema does
// not declare are accepted. Key and signature are assigned here, so they are
// never required of the caller.
func conform(def ports.SchemaDefinition, rec *recordEntry) error {
	var errs []error
	for _, meta := range def.Fields {
		sf, err := schema.Classify(meta)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		i := rec.index(meta.Name)
		if i < 0 {
			if meta.Required && meta.Name != ports.KeyField && meta.Name != ports.SignatureField {
				errs = append(errs, fmt.Errorf("field %q is required", meta.Name))
			}
			continue
		}
		if meta.Name == ports.KeyField || meta.Name == ports.SignatureField {
			continue
		}
		if err := schema.Validate(sf, rec.fields[i].Value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isNotFound(err error) bool {
	return errors.Is(err, ports.ErrNotFound)
}
