package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/TheMichaelB/tresor/internal/models"
)

// SealedBox is X25519 + XSalsa20-Poly1305 anonymous sealing.
type SealedBox struct {
	random CSPRNG
}

// NewSealedBox creates the module.
func NewSealedBox(random CSPRNG) *SealedBox {
	return &SealedBox{random: random}
}

func (b *SealedBox) ID() string { return "nacl-box-x25519" }

// GenerateKeyPair creates a pair and checks it can open what it seals.
func (b *SealedBox) GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(b.random)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	pair := &KeyPair{
		PublicKey:  NewKey(pub[:]),
		PrivateKey: NewKey(priv[:]),
	}

	if err := b.selfTest(pair); err != nil {
		pair.Destroy()
		return nil, err
	}
	return pair, nil
}

func (b *SealedBox) selfTest(pair *KeyPair) error {
	nonce, err := b.random.Bytes(32)
	if err != nil {
		return err
	}
	probe := NewHidden(nonce)
	defer probe.Destroy()

	sealed, err := b.Encrypt(probe, pair.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTest, err)
	}
	opened, err := b.Decrypt(sealed, pair)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTest, err)
	}
	defer opened.Destroy()

	if !opened.Equal(probe) {
		return ErrSelfTest
	}
	return nil
}

// Encrypt seals plaintext to publicKey.
func (b *SealedBox) Encrypt(plaintext *Hidden, publicKey *Key) ([]byte, error) {
	pub, err := key32(publicKey)
	if err != nil {
		return nil, err
	}

	body, err := box.SealAnonymous(nil, plaintext.Bytes(), pub, b.random)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return AppendTag(body, b.ID()), nil
}

// Decrypt opens a sealed message.
func (b *SealedBox) Decrypt(ciphertext []byte, pair *KeyPair) (*Hidden, error) {
	body, err := openTag(ciphertext, b.ID())
	if err != nil {
		return nil, err
	}
	if len(body) < box.AnonymousOverhead {
		return nil, fmt.Errorf("%w: sealed box too short", ErrMalformed)
	}
	if pair == nil || pair.PrivateKey == nil {
		return nil, fmt.Errorf("%w: private key required", ErrInvalidKey)
	}

	pub, err := key32(pair.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := key32(pair.PrivateKey)
	if err != nil {
		return nil, err
	}

	plaintext, ok := box.OpenAnonymous(nil, body, pub, priv)
	if !ok {
		return nil, &models.DecryptionError{Module: b.ID()}
	}
	return NewHidden(plaintext), nil
}

// key32 points into the key's own buffer so no extra copy is left behind.
func key32(k *Key) (*[32]byte, error) {
	if k.Len() != 32 {
		return nil, ErrInvalidKey
	}
	return (*[32]byte)(k.Bytes()), nil
}

