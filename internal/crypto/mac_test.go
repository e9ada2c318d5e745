package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/crypto"
)

func TestMAC_CreateAndCompare(t *testing.T) {
	key := crypto.NewKey(bytes.Repeat([]byte{7}, crypto.KeySize))

	for _, m := range []crypto.MAC{crypto.HMACSHA256{}, crypto.Blake3MAC{}} {
		t.Run(m.ID(), func(t *testing.T) {
			data := crypto.MACInput([]byte("user"), []byte("plugin"), []byte("public key"))

			a, err := m.Create(data, key)
			require.NoError(t, err)
			b, err := m.Create(data, key)
			require.NoError(t, err)
			assert.True(t, m.Compare(a, b))

			id, err := crypto.ModuleID(a)
			require.NoError(t, err)
			assert.Equal(t, m.ID(), id)

			other, err := m.Create(crypto.MACInput([]byte("user"), []byte("plugin"), []byte("public keY")), key)
			require.NoError(t, err)
			assert.False(t, m.Compare(a, other))

			otherKey := crypto.NewKey(bytes.Repeat([]byte{8}, crypto.KeySize))
			c, err := m.Create(data, otherKey)
			require.NoError(t, err)
			assert.False(t, m.Compare(a, c))

			assert.False(t, m.Compare(a, a[:len(a)-1]))
		})
	}
}

func TestMAC_ShortKey(t *testing.T) {
	short := crypto.NewKey([]byte("too short"))
	for _, m := range []crypto.MAC{crypto.HMACSHA256{}, crypto.Blake3MAC{}} {
		t.Run(m.ID(), func(t *testing.T) {
			_, err := m.Create([]byte("data"), short)
			assert.ErrorIs(t, err, crypto.ErrInvalidKey)
		})
	}
}

func TestMACInput_Unambiguous(t *testing.T) {
	a := crypto.MACInput([]byte("ab"), []byte("c"))
	b := crypto.MACInput([]byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)

	assert.Equal(t, []byte{0, 0, 0, 0}, crypto.MACInput(nil))
	assert.Equal(t, []byte{0, 0, 0, 1, 'x'}, crypto.MACInput([]byte("x")))
}

func TestHash_Sum(t *testing.T) {
	for _, h := range []crypto.Hash{crypto.SHA256{}, crypto.Blake3{}} {
		t.Run(h.ID(), func(t *testing.T) {
			a := h.Sum([]byte("token"))
			assert.Len(t, a, 32+crypto.TagSize)
			assert.Equal(t, a, h.Sum([]byte("token")))
			assert.NotEqual(t, a, h.Sum([]byte("tokem")))
		})
	}
}
