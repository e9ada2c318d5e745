package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/models"
)

const (
	NonceSize = 12 // GCM standard
	TagLength = 16 // GCM tag
)

// AESGCM is AES-256-GCM with a random nonce.
// Body format: nonce || ciphertext || tag
type AESGCM struct {
	random CSPRNG
}

// NewAESGCM creates the module.
func NewAESGCM(random CSPRNG) *AESGCM {
	return &AESGCM{random: random}
}

func (c *AESGCM) ID() string { return "aes-256-gcm" }

// GenerateKey returns a random 256-bit key.
func (c *AESGCM) GenerateKey() (*Key, error) {
	b, err := c.random.Bytes(KeySize)
	if err != nil {
		return nil, err
	}
	return NewKey(b), nil
}

// Encrypt seals plaintext under key.
func (c *AESGCM) Encrypt(plaintext *Hidden, key *Key) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}

	nonce, err := c.random.Bytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	body := aead.Seal(nonce, nonce, plaintext.Bytes(), nil)
	return AppendTag(body, c.ID()), nil
}

// Decrypt opens tagged ciphertext.
func (c *AESGCM) Decrypt(ciphertext []byte, key *Key) (*Hidden, error) {
	body, err := openTag(ciphertext, c.ID())
	if err != nil {
		return nil, err
	}

	// Minimum size: nonce + tag
	if len(body) < NonceSize+TagLength {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformed)
	}

	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, body[:NonceSize], body[NonceSize:], nil)
	if err != nil {
		return nil, &models.DecryptionError{Module: c.ID()}
	}

	return NewHidden(plaintext), nil
}

func (c *AESGCM) aead(key *Key) (cipher.AEAD, error) {
	if key.Len() != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
