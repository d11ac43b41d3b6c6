// Package registry provides Collection, a keyed and ordered view over every
// service a registry currently knows about.
//
// A Collection holds one backend snapshot. Mutations go through the backend
// and are followed by a full Refresh; there is no incremental update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/core/errs"
	"github.com/artpar/csmclient/core/record"
	"github.com/artpar/csmclient/ports"
)

// Collection mirrors the registry's services. It owns its snapshot handle
// and the Records it hands out; callers must not Close those records.
// A Collection is not safe for concurrent use.
type Collection struct {
	backend  ports.Backend
	snapshot ports.SnapshotHandle
	count    int
	stale    bool
	closed   bool

	byIndex map[int]*record.Record
	byKey   map[string]*record.Record

	recordOpts []record.Option
	logger     zerolog.Logger
}

// Option configures a Collection.
type Option func(*Collection)

// WithRecordOptions applies opts to every record the collection hydrates.
func WithRecordOptions(opts ...record.Option) Option {
	return func(c *Collection) { c.recordOpts = append(c.recordOpts, opts...) }
}

// WithLogger sets the collection logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Collection) { c.logger = l }
}

// New fetches the current services from the backend.
func New(ctx context.Context, backend ports.Backend, opts ...Option) (*Collection, error) {
	c := &Collection{
		backend: backend,
		byIndex: make(map[int]*record.Record),
		byKey:   make(map[string]*record.Record),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Len returns the number of services in the current snapshot.
func (c *Collection) Len() int {
	return c.count
}

// Stale reports whether the last refresh failed. A stale collection holds no
// snapshot; reads fail until Refresh succeeds.
func (c *Collection) Stale() bool {
	return c.stale
}

// Get returns the service with the given key.
func (c *Collection) Get(key string) (*record.Record, error) {
	const op = "registry.get"

	if err := c.usable(op); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.E(op, errs.KindNotFound, "", "empty key")
	}
	if r, ok := c.byKey[key]; ok {
		return r, nil
	}

	rh, err := c.backend.RecordByKey(c.snapshot, key)
	if err != nil {
		return nil, errs.FromBackend(op, "", err)
	}
	r, err := record.Hydrate(c.backend, rh, c.recordOpts...)
	if err != nil {
		return nil, err
	}
	c.byKey[key] = r
	return r, nil
}

// At returns the i-th service in registry order.
func (c *Collection) At(i int) (*record.Record, error) {
	const op = "registry.at"

	if err := c.usable(op); err != nil {
		return nil, err
	}
	if i < 0 || i >= c.count {
		return nil, errs.E(op, errs.KindNotFound, "", fmt.Sprintf("index %d out of range [0,%d)", i, c.count))
	}
	if r, ok := c.byIndex[i]; ok {
		return r, nil
	}

	rh, err := c.backend.RecordByIndex(c.snapshot, i)
	if err != nil {
		return nil, errs.FromBackend(op, "", err)
	}
	r, err := record.Hydrate(c.backend, rh, c.recordOpts...)
	if err != nil {
		return nil, err
	}
	c.byIndex[i] = r
	return r, nil
}

// All yields every service in registry order. A failure is yielded once and
// ends the sequence. The sequence can be ranged over repeatedly.
func (c *Collection) All() iter.Seq2[*record.Record, error] {
	return func(yield func(*record.Record, error) bool) {
		if err := c.usable("registry.all"); err != nil {
			yield(nil, err)
			return
		}
		for i := 0; i < c.count; i++ {
			r, err := c.At(i)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// Keys returns the keys of all services in registry order.
func (c *Collection) Keys() ([]string, error) {
	keys := make([]string, 0, c.count)
	for r, err := range c.All() {
		if err != nil {
			return nil, err
		}
		keys = append(keys, r.Key())
	}
	return keys, nil
}

// Append commits a local record, whether or not it has pending changes, and
// refreshes the collection.
func (c *Collection) Append(ctx context.Context, r *record.Record) error {
	const op = "registry.append"

	if c.closed {
		return errs.E(op, errs.KindNotFound, "", "collection is closed")
	}
	if r == nil {
		return errs.E(op, errs.KindValidationError, "", "nil record")
	}
	if !r.IsLocal() {
		return errs.E(op, errs.KindReadOnlyViolation, "", "record is not local")
	}
	if err := r.Publish(ctx); err != nil {
		return err
	}
	c.logger.Debug().Str("key", r.Key()).Msg("service appended")
	return c.Refresh(ctx)
}

// Delete removes the service with the given key from the registry and
// refreshes the collection.
func (c *Collection) Delete(ctx context.Context, key string) error {
	const op = "registry.delete"

	if err := c.usable(op); err != nil {
		return err
	}
	if key == "" {
		return errs.E(op, errs.KindNotFound, "", "empty key")
	}

	rh, err := c.backend.RecordByKey(c.snapshot, key)
	if err != nil {
		return errs.FromBackend(op, "", err)
	}
	if err := c.remove(ctx, op, rh); err != nil {
		return err
	}
	c.logger.Debug().Str("key", key).Msg("service deleted")
	return c.Refresh(ctx)
}

// remove deletes a record through a temporary handle, releasing it on
// every path.
func (c *Collection) remove(ctx context.Context, op string, rh ports.RecordHandle) (err error) {
	defer func() {
		if rerr := c.backend.ReleaseRecord(rh); rerr != nil && err == nil {
			err = errs.FromBackend(op, "", rerr)
		}
	}()

	local, err := c.backend.IsLocal(rh)
	if err != nil {
		return errs.FromBackend(op, "", err)
	}
	if !local {
		return errs.E(op, errs.KindReadOnlyViolation, "", "service is not local")
	}
	if err := c.backend.RemoveRecord(ctx, rh); err != nil {
		return errs.FromBackend(op, "", err)
	}
	return nil
}

// Refresh discards the current snapshot and every record taken from it, then
// fetches all services again. If the fetch fails the collection is stale.
func (c *Collection) Refresh(ctx context.Context) error {
	const op = "registry.refresh"

	if c.closed {
		return errs.E(op, errs.KindNotFound, "", "collection is closed")
	}
	releaseErr := c.release(op)

	sh, n, err := c.backend.FetchRecords(ctx)
	if err != nil {
		c.stale = true
		c.logger.Warn().Err(err).Msg("refresh failed, collection is stale")
		return errors.Join(errs.Wrap(op, errs.KindBackendUnavailable, "", err), releaseErr)
	}
	c.snapshot = sh
	c.count = n
	c.stale = false
	c.logger.Debug().Int("services", n).Msg("collection refreshed")
	return releaseErr
}

// release frees held records and the snapshot exactly once.
func (c *Collection) release(op string) error {
	var errList []error
	for _, r := range c.byIndex {
		errList = append(errList, r.Close())
	}
	for _, r := range c.byKey {
		errList = append(errList, r.Close())
	}
	clear(c.byIndex)
	clear(c.byKey)

	if c.snapshot != 0 {
		sh := c.snapshot
		c.snapshot = 0
		if err := c.backend.FreeRecords(sh); err != nil {
			errList = append(errList, errs.FromBackend(op, "", err))
		}
	}
	c.count = 0
	return errors.Join(errList...)
}

// Close releases the snapshot and all held records. It is safe to call more
// than once.
func (c *Collection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.release("registry.close")
}

func (c *Collection) usable(op string) error {
	if c.closed {
		return errs.E(op, errs.KindNotFound, "", "collection is closed")
	}
	if c.stale {
		return errs.E(op, errs.KindBackendUnavailable, "", "collection is stale; refresh it")
	}
	return nil
}
