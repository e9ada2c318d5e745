package crypto

import "io"

// Module is a registered primitive implementation. Its ID is written into
// the tag of everything it produces.
type Module interface {
	ID() string
}

// SymmetricCrypto is authenticated symmetric encryption.
type SymmetricCrypto interface {
	Module

	// GenerateKey returns a fresh random key.
	GenerateKey() (*Key, error)

	// Encrypt returns tagged ciphertext.
	Encrypt(plaintext *Hidden, key *Key) ([]byte, error)

	// Decrypt fails with a DecryptionError when the tag does not verify
	// and with ErrMalformed when the input cannot be parsed.
	Decrypt(ciphertext []byte, key *Key) (*Hidden, error)
}

// AsymmetricCrypto is authenticated public-key encryption.
type AsymmetricCrypto interface {
	Module

	// GenerateKeyPair returns a pair that has passed a round-trip self-test.
	GenerateKeyPair() (*KeyPair, error)

	// Encrypt seals plaintext to a public key.
	Encrypt(plaintext *Hidden, publicKey *Key) ([]byte, error)

	// Decrypt opens a sealed message with an unlocked pair.
	Decrypt(ciphertext []byte, pair *KeyPair) (*Hidden, error)
}

// KDF derives keys from low-entropy secrets. Params carry the salt and
// cost settings so stored derivations stay reproducible.
type KDF interface {
	Module

	// NewParams builds tagged parameters. A nil salt is generated and an
	// overlong salt is truncated.
	NewParams(salt []byte) ([]byte, error)

	// DeriveKey is deterministic for the same secret and params.
	DeriveKey(secret *Hidden, params []byte) (*Key, error)
}

// Hash is an unkeyed digest.
type Hash interface {
	Module
	Sum(data []byte) []byte
}

// MAC is a keyed integrity tag.
type MAC interface {
	Module
	Create(data []byte, key *Key) ([]byte, error)

	// Compare runs in constant time.
	Compare(actual, expected []byte) bool
}

// SecretSharing is a threshold scheme. Shares carry their own index and
// threshold.
type SecretSharing interface {
	Module

	// Split returns n shares, any t of which recover the secret.
	Split(secret *Hidden, n, t int) ([]*Hidden, error)

	// Recover fails with ErrInsufficientShares below the threshold.
	Recover(shares []*Hidden) (*Hidden, error)

	// Extend issues shares at new indices from at least t existing shares.
	Extend(shares []*Hidden, indices []int) ([]*Hidden, error)

	// ShareIndex returns the index a share was issued at.
	ShareIndex(share *Hidden) (int, error)
}

// CSPRNG is the only source of randomness for keys, salts and codes.
type CSPRNG interface {
	Module
	io.Reader
	Bytes(n int) ([]byte, error)
	Intn(n int) (int, error)
	String(alphabet string, n int) (string, error)
}
