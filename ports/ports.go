// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/csmclient/domain/field"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// Random abstracts randomness for testability.
type Random interface {
	// Bytes generates n random bytes.
	Bytes(n int) ([]byte, error)
	// String generates a random string of n characters.
	String(n int) (string, error)
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Signer produces the signature stored with a committed service.
type Signer interface {
	// Sign returns a hex signature over the service fields.
	// The signature field itself is never part of the input.
	Sign(fields map[string]field.Value) (string, error)
}

// -----------------------------------------------------------------------------
// Registry Backend Port
// -----------------------------------------------------------------------------

// Well-known field names maintained by the registry on commit.
const (
	KeyField       = "key"
	SignatureField = "signature"
)

// Backend errors. Implementations wrap these with fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound means the requested field, record or index does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEndOfFields ends NextField iteration. It is the only end marker.
	ErrEndOfFields = errors.New("end of fields")
	// ErrInvalidHandle means a handle was released, removed or never issued.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrUnavailable means the registry could not be reached.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrInvalid means the registry rejected a record on commit.
	ErrInvalid = errors.New("rejected by registry")
)

// Handles are opaque references into a Backend. The zero value of every
// handle type is the null handle.
type (
	SchemaHandle   uint64
	FieldHandle    uint64
	RecordHandle   uint64
	SnapshotHandle uint64
)

// FieldMeta describes one schema field as the registry declares it.
// Bounds are only meaningful when the matching Has* flag is set.
type FieldMeta struct {
	Name      string
	Required  bool
	Type      field.Type
	Min       int64
	Max       int64
	HasMin    bool
	HasMax    bool
	Length    int
	HasLength bool
	Subtype   field.Type // list element type; TypeInvalid for scalars
}

// Backend is the registry boundary. Every handle it returns is owned by the
// caller and must be released exactly once with the matching Free or Release
// call. Calls are synchronous; only operations that reach storage take a
// context.
type Backend interface {
	// Schema
	FetchSchema(ctx context.Context) (SchemaHandle, int, error)
	FreeSchema(h SchemaHandle) error
	SchemaVersion(h SchemaHandle) (major int, minor float64, err error)
	SchemaFieldByIndex(h SchemaHandle, i int) (FieldHandle, string, error)
	SchemaFieldByName(h SchemaHandle, name string) (FieldHandle, error)
	SchemaFieldMeta(fh FieldHandle) (FieldMeta, error)

	// Snapshots
	FetchRecords(ctx context.Context) (SnapshotHandle, int, error)
	FreeRecords(sh SnapshotHandle) error
	RecordByIndex(sh SnapshotHandle, i int) (RecordHandle, error)
	RecordByKey(sh SnapshotHandle, key string) (RecordHandle, error)

	// Record lifecycle
	CreateRecord(ctx context.Context) (RecordHandle, error)
	CommitRecord(ctx context.Context, rh RecordHandle) error
	RemoveRecord(ctx context.Context, rh RecordHandle) error
	ReleaseRecord(rh RecordHandle) error
	IsLocal(rh RecordHandle) (bool, error)

	// Record fields. NextField with a zero handle starts iteration and
	// returns ErrEndOfFields after the last field.
	RecordFieldCount(rh RecordHandle) (int, error)
	NextField(rh RecordHandle, after FieldHandle) (FieldHandle, string, error)
	FieldByName(rh RecordHandle, name string) (FieldHandle, error)

	FieldType(fh FieldHandle) (field.Type, error)
	FieldInt(fh FieldHandle) (int64, error)
	FieldString(fh FieldHandle) (string, error)
	FieldListSubtype(fh FieldHandle) (field.Type, error)
	FieldListLength(fh FieldHandle) (int, error)
	FieldListInt(fh FieldHandle, i int) (int64, error)
	FieldListString(fh FieldHandle, i int) (string, error)

	// Record mutation. typ selects String or Hex for text values.
	SetInt(rh RecordHandle, name string, v int64) error
	SetString(rh RecordHandle, name string, typ field.Type, v string) error
	SetIntList(rh RecordHandle, name string, vs []int64) error
	SetStringList(rh RecordHandle, name string, subtype field.Type, vs []string) error
	RemoveField(rh RecordHandle, name string) error
}

// -----------------------------------------------------------------------------
// Backend Data Ports
// -----------------------------------------------------------------------------

// SchemaDefinition is a complete schema as loaded from a source.
type SchemaDefinition struct {
	Major  int
	Minor  float64
	Fields []FieldMeta
}

// SchemaSource loads the schema served by a Backend.
type SchemaSource interface {
	Load(ctx context.Context) (SchemaDefinition, error)
}

// StoredService is a committed service as persisted by a ServiceStore.
type StoredService struct {
	Key       string
	Local     bool
	Fields    map[string]StoredField
	UpdatedAt time.Time
}

// StoredField is a typed field value at rest. Subtype is set for lists only.
type StoredField struct {
	Type    field.Type  `json:"type"`
	Subtype field.Type  `json:"subtype,omitempty"`
	Value   field.Value `json:"value"`
}

// ServiceStore persists committed services.
type ServiceStore interface {
	// List returns all services in insertion order.
	List(ctx context.Context) ([]StoredService, error)

	// Get retrieves a service by key.
	Get(ctx context.Context, key string) (StoredService, error)

	// Put creates or replaces a service. Replacing keeps its position.
	Put(ctx context.Context, s StoredService) error

	// Delete removes a service.
	Delete(ctx context.Context, key string) error
}
