// Package random provides sources of secret material.
package random

import (
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand/v2"
	"sync"

	"github.com/artpar/csmclient/ports"
)

// Real reads from crypto/rand. Use it for signing secrets.
type Real struct{}

// Bytes returns n random bytes.
func (Real) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// String returns n random hex characters.
func (r Real) String(n int) (string, error) {
	return hexString(r, n)
}

// Seeded is a deterministic source for tests. Two sources built from the
// same seed produce the same sequence.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.ChaCha8
}

// NewSeeded creates a deterministic source.
func NewSeeded(seed uint64) *Seeded {
	var s [32]byte
	for i := range 8 {
		s[i] = byte(seed >> (8 * i))
	}
	return &Seeded{rng: mrand.NewChaCha8(s)}
}

// Bytes returns the next n bytes of the sequence.
func (s *Seeded) Bytes(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, n)
	s.rng.Read(b)
	return b, nil
}

// String returns the next n hex characters of the sequence.
func (s *Seeded) String(n int) (string, error) {
	return hexString(s, n)
}

func hexString(r ports.Random, n int) (string, error) {
	b, err := r.Bytes((n + 1) / 2)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b)[:n], nil
}

// Ensure interface compliance.
var (
	_ ports.Random = Real{}
	_ ports.Random = (*Seeded)(nil)
)
