package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// HMACSHA256 is the default MAC.
type HMACSHA256 struct{}

func (HMACSHA256) ID() string { return "hmac-sha256" }

func (m HMACSHA256) Create(data []byte, key *Key) ([]byte, error) {
	if key.Len() < KeySize {
		return nil, ErrInvalidKey
	}
	h := hmac.New(sha256.New, key.Bytes())
	h.Write(data)
	return AppendTag(h.Sum(nil), m.ID()), nil
}

func (HMACSHA256) Compare(actual, expected []byte) bool {
	return hmac.Equal(actual, expected)
}

// Blake3MAC is keyed BLAKE3.
type Blake3MAC struct{}

func (Blake3MAC) ID() string { return "blake3-keyed" }

func (m Blake3MAC) Create(data []byte, key *Key) ([]byte, error) {
	h, err := blake3.NewKeyed(key.Bytes())
	if err != nil {
		return nil, ErrInvalidKey
	}
	_, _ = h.Write(data)
	return AppendTag(h.Sum(nil), m.ID()), nil
}

func (Blake3MAC) Compare(actual, expected []byte) bool {
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// MACInput encodes fields unambiguously: each is prefixed with its
// 4-byte big-endian length.
func MACInput(fields ...[]byte) []byte {
	n := 0
	for _, f := range fields {
		n += 4 + len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}
