// Package idgen provides service key generators.
package idgen

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/artpar/csmclient/ports"
	"github.com/google/uuid"
)

// UUID generates UUID v4 strings.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Hex generates random 128-bit keys as 32 lowercase hex characters, so keys
// satisfy HEX key fields.
type Hex struct{}

// New generates a new hex key.
func (Hex) New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Sequential generates sequential hex keys (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential key generator. The prefix should be
// hex if keys are validated.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential key.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return fmt.Sprintf("%s%04x", s.prefix, n)
}

// Reset resets the counter (for testing).
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

// Ensure interface compliance.
var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = Hex{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
