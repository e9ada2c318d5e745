package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/TheMichaelB/tresor/internal/models"
)

// XChaCha20Poly1305 uses a 24-byte random nonce, so nonce reuse is not a
// concern for long-lived keys.
type XChaCha20Poly1305 struct {
	random CSPRNG
}

// NewXChaCha20Poly1305 creates the module.
func NewXChaCha20Poly1305(random CSPRNG) *XChaCha20Poly1305 {
	return &XChaCha20Poly1305{random: random}
}

func (c *XChaCha20Poly1305) ID() string { return "xchacha20-poly1305" }

func (c *XChaCha20Poly1305) GenerateKey() (*Key, error) {
	b, err := c.random.Bytes(chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return NewKey(b), nil
}

func (c *XChaCha20Poly1305) Encrypt(plaintext *Hidden, key *Key) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, ErrInvalidKey
	}

	nonce, err := c.random.Bytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	body := aead.Seal(nonce, nonce, plaintext.Bytes(), nil)
	return AppendTag(body, c.ID()), nil
}

func (c *XChaCha20Poly1305) Decrypt(ciphertext []byte, key *Key) (*Hidden, error) {
	body, err := openTag(ciphertext, c.ID())
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, ErrInvalidKey
	}

	if len(body) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformed)
	}

	n := chacha20poly1305.NonceSizeX
	plaintext, err := aead.Open(nil, body[:n], body[n:], nil)
	if err != nil {
		return nil, &models.DecryptionError{Module: c.ID()}
	}

	return NewHidden(plaintext), nil
}
