package crypto

import (
	"crypto/sha256"

	"github.com/zeebo/blake3"
)

// SHA256 is the default hash.
type SHA256 struct{}

func (SHA256) ID() string { return "sha256" }

func (h SHA256) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return AppendTag(sum[:], h.ID())
}

// Blake3 is BLAKE3-256.
type Blake3 struct{}

func (Blake3) ID() string { return "blake3" }

func (h Blake3) Sum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return AppendTag(sum[:], h.ID())
}
