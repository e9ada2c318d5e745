package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/crypto"
)

var fastArgon2 = crypto.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1}

func kdfModules() []crypto.KDF {
	rng := crypto.NewSystemRandom()
	return []crypto.KDF{
		crypto.NewArgon2id(fastArgon2, rng),
		crypto.NewScrypt(rng),
		crypto.NewPBKDF2(rng),
	}
}

func TestKDF_Deterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, crypto.SaltSize)

	for _, k := range kdfModules() {
		t.Run(k.ID(), func(t *testing.T) {
			params, err := k.NewParams(salt)
			require.NoError(t, err)

			a, err := k.DeriveKey(crypto.HiddenString("correcthorse"), params)
			require.NoError(t, err)
			b, err := k.DeriveKey(crypto.HiddenString("correcthorse"), params)
			require.NoError(t, err)

			assert.Equal(t, crypto.KeySize, a.Len())
			assert.True(t, a.Equal(b))

			other, err := k.DeriveKey(crypto.HiddenString("batterystaple"), params)
			require.NoError(t, err)
			assert.False(t, a.Equal(other))
		})
	}
}

func TestKDF_FreshSaltPerParams(t *testing.T) {
	for _, k := range kdfModules() {
		t.Run(k.ID(), func(t *testing.T) {
			p1, err := k.NewParams(nil)
			require.NoError(t, err)
			p2, err := k.NewParams(nil)
			require.NoError(t, err)
			assert.NotEqual(t, p1, p2)

			a, err := k.DeriveKey(crypto.HiddenString("same secret"), p1)
			require.NoError(t, err)
			b, err := k.DeriveKey(crypto.HiddenString("same secret"), p2)
			require.NoError(t, err)
			assert.False(t, a.Equal(b))
		})
	}
}

func TestKDF_SaltHandling(t *testing.T) {
	k := crypto.NewArgon2id(fastArgon2, crypto.NewSystemRandom())

	tests := []struct {
		name    string
		salt    []byte
		wantErr bool
	}{
		{"generated", nil, false},
		{"exact", bytes.Repeat([]byte{1}, crypto.SaltSize), false},
		{"truncated", bytes.Repeat([]byte{1}, crypto.SaltSize*3), false},
		{"too short", []byte("short"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := k.NewParams(tt.salt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			id, err := crypto.ModuleID(params)
			require.NoError(t, err)
			assert.Equal(t, "argon2id", id)
		})
	}

	exact, err := k.NewParams(bytes.Repeat([]byte{1}, crypto.SaltSize))
	require.NoError(t, err)
	long, err := k.NewParams(append(bytes.Repeat([]byte{1}, crypto.SaltSize), 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, exact, long, "overlong salt is truncated")
}

func TestKDF_RejectsForeignParams(t *testing.T) {
	rng := crypto.NewSystemRandom()
	scryptParams, err := crypto.NewScrypt(rng).NewParams(nil)
	require.NoError(t, err)

	_, err = crypto.NewArgon2id(fastArgon2, rng).DeriveKey(crypto.HiddenString("x"), scryptParams)
	assert.ErrorIs(t, err, crypto.ErrModuleMismatch)
}

func TestKDF_RejectsCorruptParams(t *testing.T) {
	k := crypto.NewArgon2id(fastArgon2, crypto.NewSystemRandom())
	params, err := k.NewParams(nil)
	require.NoError(t, err)

	body, id, err := crypto.SplitTag(params)
	require.NoError(t, err)

	truncated := crypto.AppendTag(body[:len(body)-1], id)
	_, err = k.DeriveKey(crypto.HiddenString("x"), truncated)
	assert.ErrorIs(t, err, crypto.ErrMalformed)

	zeroCost := append([]byte(nil), body...)
	copy(zeroCost[1:5], []byte{0, 0, 0, 0})
	_, err = k.DeriveKey(crypto.HiddenString("x"), crypto.AppendTag(zeroCost, id))
	assert.ErrorIs(t, err, crypto.ErrMalformed)
}
