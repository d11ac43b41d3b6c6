package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/csmclient/ports"
)

// Backend decorates a ports.Backend with call, error and latency metrics.
// Only calls that reach the registry are timed; handle accessors pass
// straight through.
type Backend struct {
	ports.Backend
	m *Collector
}

// Instrument wraps b. A nil collector returns b unchanged.
func Instrument(b ports.Backend, m *Collector) ports.Backend {
	if m == nil {
		return b
	}
	return &Backend{Backend: b, m: m}
}

func (b *Backend) observe(op string, start time.Time, err error) {
	b.m.BackendCalls.WithLabelValues(op).Inc()
	b.m.BackendDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		b.m.BackendErrors.WithLabelValues(op, Reason(err)).Inc()
	}
}

// FetchSchema implements ports.Backend.
func (b *Backend) FetchSchema(ctx context.Context) (ports.SchemaHandle, int, error) {
	start := time.Now()
	h, n, err := b.Backend.FetchSchema(ctx)
	b.observe("fetch_schema", start, err)
	return h, n, err
}

// FetchRecords implements ports.Backend.
func (b *Backend) FetchRecords(ctx context.Context) (ports.SnapshotHandle, int, error) {
	start := time.Now()
	h, n, err := b.Backend.FetchRecords(ctx)
	b.observe("fetch_records", start, err)
	if err == nil {
		b.m.SnapshotSize.Set(float64(n))
	}
	return h, n, err
}

// CreateRecord implements ports.Backend.
func (b *Backend) CreateRecord(ctx context.Context) (ports.RecordHandle, error) {
	start := time.Now()
	h, err := b.Backend.CreateRecord(ctx)
	b.observe("create_record", start, err)
	return h, err
}

// CommitRecord implements ports.Backend.
func (b *Backend) CommitRecord(ctx context.Context, rh ports.RecordHandle) error {
	start := time.Now()
	err := b.Backend.CommitRecord(ctx, rh)
	b.observe("commit_record", start, err)
	return err
}

// RemoveRecord implements ports.Backend.
func (b *Backend) RemoveRecord(ctx context.Context, rh ports.RecordHandle) error {
	start := time.Now()
	err := b.Backend.RemoveRecord(ctx, rh)
	b.observe("remove_record", start, err)
	return err
}

// Reason labels a backend error by its sentinel.
func Reason(err error) string {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return "not_found"
	case errors.Is(err, ports.ErrInvalidHandle):
		return "invalid_handle"
	case errors.Is(err, ports.ErrInvalid):
		return "invalid"
	case errors.Is(err, ports.ErrUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// Ensure interface compliance.
var _ ports.Backend = (*Backend)(nil)
