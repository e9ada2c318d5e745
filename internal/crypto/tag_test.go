package crypto_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
)

func TestTag_RoundTrip(t *testing.T) {
	body := []byte("ciphertext body")
	tagged := crypto.AppendTag(body, "aes-256-gcm")
	assert.Len(t, tagged, len(body)+crypto.TagSize)

	got, id, err := crypto.SplitTag(tagged)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, "aes-256-gcm", id)

	// AppendTag must not write into the caller's backing array
	buf := make([]byte, 3, 64)
	_ = crypto.AppendTag(buf, "x")
	assert.Equal(t, buf[:cap(buf)][3], byte(0))
}

func TestTag_Errors(t *testing.T) {
	good := crypto.AppendTag([]byte("b"), "sha256")

	badMagic := append([]byte(nil), good...)
	badMagic[len(badMagic)-crypto.TagSize] = 'X'

	badVersion := append([]byte(nil), good...)
	badVersion[len(badVersion)-crypto.TagSize+2] = 9

	badLen := append([]byte(nil), good...)
	badLen[len(badLen)-crypto.TagSize+3] = 0

	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte("tiny")},
		{"magic", badMagic},
		{"version", badVersion},
		{"id length", badLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := crypto.SplitTag(tt.data)
			assert.ErrorIs(t, err, crypto.ErrMalformed)
		})
	}
}

func TestTag_PanicsOnOversizedID(t *testing.T) {
	assert.Panics(t, func() { crypto.AppendTag(nil, "") })
	assert.Panics(t, func() { crypto.AppendTag(nil, "an-identifier-longer-than-the-tag") })
}

func TestRegistry(t *testing.T) {
	reg, err := crypto.NewDefaultRegistry(crypto.NewSystemRandom(), fastArgon2)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"aes-256-gcm", "argon2id", "blake3", "blake3-keyed", "crypto-rand",
		"hmac-sha256", "nacl-box-x25519", "pbkdf2-sha256", "scrypt", "sha256",
		"shamir-ed25519", "xchacha20-poly1305",
	}, reg.IDs())

	sym, err := reg.Symmetric("xchacha20-poly1305")
	require.NoError(t, err)
	assert.Equal(t, "xchacha20-poly1305", sym.ID())

	t.Run("unknown id", func(t *testing.T) {
		_, err := reg.Symmetric("des-cbc")
		assert.ErrorIs(t, err, models.ErrConfiguration)

		var cfgErr *models.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "des-cbc", cfgErr.Value)
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := reg.Symmetric("sha256")
		assert.ErrorIs(t, err, models.ErrConfiguration)
	})

	t.Run("duplicate", func(t *testing.T) {
		assert.Error(t, reg.Register(crypto.SHA256{}))
	})
}
