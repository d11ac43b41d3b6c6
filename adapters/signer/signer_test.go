package signer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/csmclient/adapters/backend"
	"github.com/artpar/csmclient/adapters/memory"
	"github.com/artpar/csmclient/adapters/random"
	"github.com/artpar/csmclient/adapters/schemafile"
	"github.com/artpar/csmclient/adapters/signer"
	"github.com/artpar/csmclient/core/record"
	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

func fields() map[string]field.Value {
	return map[string]field.Value{
		"key":  field.String("ab12"),
		"name": field.String("chat"),
		"ttl":  field.Int(5),
		"tag":  field.StringList("a", "b"),
	}
}

func TestNew_RejectsBadSecrets(t *testing.T) {
	_, err := signer.New(nil)
	assert.ErrorIs(t, err, signer.ErrNoSecret)

	_, err = signer.New(make([]byte, 65))
	assert.Error(t, err)
}

func TestSign(t *testing.T) {
	s, err := signer.New([]byte("secret"))
	require.NoError(t, err)

	sig, err := s.Sign(fields())
	require.NoError(t, err)
	assert.Len(t, sig, 128)
	assert.True(t, s.Verify(fields(), sig))

	// Signature fields never feed into the signature.
	withSig := fields()
	withSig[ports.SignatureField] = field.String(sig)
	again, err := s.Sign(withSig)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	changed := fields()
	changed["ttl"] = field.Int(6)
	assert.False(t, s.Verify(changed, sig))

	other, err := signer.New([]byte("other"))
	require.NoError(t, err)
	assert.False(t, other.Verify(fields(), sig))
}

func TestCanonical_Unambiguous(t *testing.T) {
	a := map[string]field.Value{"ab": field.String("c")}
	b := map[string]field.Value{"a": field.String("bc")}
	assert.NotEqual(t, signer.Canonical(a), signer.Canonical(b))

	// Int 5 and string "5" encode differently.
	assert.NotEqual(t,
		signer.Canonical(map[string]field.Value{"n": field.Int(5)}),
		signer.Canonical(map[string]field.Value{"n": field.String("5")}))
}

func TestEphemeral(t *testing.T) {
	a, err := signer.Ephemeral(random.NewSeeded(1))
	require.NoError(t, err)
	b, err := signer.Ephemeral(random.NewSeeded(1))
	require.NoError(t, err)

	sa, _ := a.Sign(fields())
	sb, _ := b.Sign(fields())
	assert.Equal(t, sa, sb)
}

func TestSign_OnCommit(t *testing.T) {
	s, err := signer.New([]byte("secret"))
	require.NoError(t, err)
	e := backend.New(schemafile.Static{Def: schemafile.Default()}, memory.NewServiceStore(), backend.WithSigner(s))
	ctx := context.Background()

	r, err := record.CreateNew(ctx, e)
	require.NoError(t, err)
	defer r.Close()
	for name, v := range map[string]field.Value{
		"name":     field.String("chat"),
		"uri":      field.String("http://10.0.0.1"),
		"ttl":      field.Int(5),
		"lifetime": field.Int(60),
	} {
		require.NoError(t, r.Set(name, v))
	}
	require.NoError(t, r.Commit(ctx))

	sig, err := r.Get(ports.SignatureField)
	require.NoError(t, err)
	text, ok := sig.AsString()
	require.True(t, ok)
	assert.True(t, s.Verify(r.Fields(), text))
}
