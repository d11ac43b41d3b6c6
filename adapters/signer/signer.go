// Package signer signs committed services with a keyed BLAKE2b-512 MAC.
package signer

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

// SecretSize is the number of secret bytes generated for ephemeral signers.
const SecretSize = 32

// ErrNoSecret is returned when a signer is built without key material.
var ErrNoSecret = errors.New("signer: empty secret")

// Blake2b signs services. Signatures are 128 hex characters, which is what
// the default schema declares for the signature field.
type Blake2b struct {
	secret []byte
}

// New creates a signer from a secret. Secrets longer than 64 bytes are
// rejected by BLAKE2b.
func New(secret []byte) (*Blake2b, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("signer: secret longer than %d bytes", blake2b.Size)
	}
	return &Blake2b{secret: slices.Clone(secret)}, nil
}

// Ephemeral creates a signer with a fresh secret drawn from rnd. Signatures
// from an ephemeral signer cannot be verified after a restart.
func Ephemeral(rnd ports.Random) (*Blake2b, error) {
	secret, err := rnd.Bytes(SecretSize)
	if err != nil {
		return nil, fmt.Errorf("signer: generate secret: %w", err)
	}
	return New(secret)
}

// Sign returns the hex MAC of the canonical encoding of fields. A signature
// field in the input is ignored.
func (s *Blake2b) Sign(fields map[string]field.Value) (string, error) {
	h, err := blake2b.New512(s.secret)
	if err != nil {
		return "", err
	}
	h.Write(Canonical(fields))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether sig is the signature of fields.
func (s *Blake2b) Verify(fields map[string]field.Value, sig string) bool {
	want, err := s.Sign(fields)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

// Canonical encodes fields in name order as length-prefixed name and value
// pairs, skipping the signature field.
// This is a PURE function.
func Canonical(fields map[string]field.Value) []byte {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name != ports.SignatureField {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var buf []byte
	for _, name := range names {
		buf = appendChunk(buf, name)
		buf = appendChunk(buf, fields[name].String())
	}
	return buf
}

func appendChunk(buf []byte, s string) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}

// Ensure interface compliance.
var _ ports.Signer = (*Blake2b)(nil)
