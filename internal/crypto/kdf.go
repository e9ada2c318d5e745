package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// SaltSize is the salt length for every KDF module.
	SaltSize = 16

	kdfParamsVersion = 1

	// Scrypt parameters for the legacy module
	ScryptLogN = 15 // N = 32768
	ScryptR    = 8
	ScryptP    = 1

	// PBKDF2 parameters for the legacy module
	DefaultIterations = 100000
)

// Argon2Params are the cost settings used for new derivations.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params follow the OWASP recommendation for Argon2id.
var DefaultArgon2Params = Argon2Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Argon2id is the default KDF.
// Params body: version | time u32 | memory u32 | threads u8 | salt
type Argon2id struct {
	params Argon2Params
	random CSPRNG
}

// NewArgon2id creates the module with the cost used for new params.
func NewArgon2id(params Argon2Params, random CSPRNG) *Argon2id {
	return &Argon2id{params: params, random: random}
}

func (k *Argon2id) ID() string { return "argon2id" }

func (k *Argon2id) NewParams(salt []byte) ([]byte, error) {
	salt, err := prepareSalt(k.random, salt)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 10+SaltSize)
	body = append(body, kdfParamsVersion)
	body = binary.BigEndian.AppendUint32(body, k.params.Time)
	body = binary.BigEndian.AppendUint32(body, k.params.MemoryKiB)
	body = append(body, k.params.Threads)
	body = append(body, salt...)
	return AppendTag(body, k.ID()), nil
}

func (k *Argon2id) DeriveKey(secret *Hidden, params []byte) (*Key, error) {
	body, err := openTag(params, k.ID())
	if err != nil {
		return nil, err
	}
	if len(body) != 10+SaltSize || body[0] != kdfParamsVersion {
		return nil, fmt.Errorf("%w: argon2id params", ErrMalformed)
	}
	t := binary.BigEndian.Uint32(body[1:5])
	m := binary.BigEndian.Uint32(body[5:9])
	p := body[9]
	if t == 0 || m < 8*uint32(p) || p == 0 {
		return nil, fmt.Errorf("%w: argon2id cost", ErrMalformed)
	}
	return NewKey(argon2.IDKey(secret.Bytes(), body[10:], t, m, p, KeySize)), nil
}

// Scrypt is kept so keys derived before the Argon2id switch still open.
// Params body: version | logN u8 | r u32 | p u32 | salt
type Scrypt struct {
	random CSPRNG
}

// NewScrypt creates the module.
func NewScrypt(random CSPRNG) *Scrypt {
	return &Scrypt{random: random}
}

func (k *Scrypt) ID() string { return "scrypt" }

func (k *Scrypt) NewParams(salt []byte) ([]byte, error) {
	salt, err := prepareSalt(k.random, salt)
	if err != nil {
		return nil, err
	}
	body := []byte{kdfParamsVersion, ScryptLogN}
	body = binary.BigEndian.AppendUint32(body, ScryptR)
	body = binary.BigEndian.AppendUint32(body, ScryptP)
	body = append(body, salt...)
	return AppendTag(body, k.ID()), nil
}

func (k *Scrypt) DeriveKey(secret *Hidden, params []byte) (*Key, error) {
	body, err := openTag(params, k.ID())
	if err != nil {
		return nil, err
	}
	if len(body) != 10+SaltSize || body[0] != kdfParamsVersion || body[1] > 30 {
		return nil, fmt.Errorf("%w: scrypt params", ErrMalformed)
	}
	n := 1 << body[1]
	r := int(binary.BigEndian.Uint32(body[2:6]))
	p := int(binary.BigEndian.Uint32(body[6:10]))

	key, err := scrypt.Key(secret.Bytes(), body[10:], n, r, p, KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation: %w", err)
	}
	return NewKey(key), nil
}

// PBKDF2 is PBKDF2-HMAC-SHA256, kept for old data.
// Params body: version | iterations u32 | salt
type PBKDF2 struct {
	random CSPRNG
}

// NewPBKDF2 creates the module.
func NewPBKDF2(random CSPRNG) *PBKDF2 {
	return &PBKDF2{random: random}
}

func (k *PBKDF2) ID() string { return "pbkdf2-sha256" }

func (k *PBKDF2) NewParams(salt []byte) ([]byte, error) {
	salt, err := prepareSalt(k.random, salt)
	if err != nil {
		return nil, err
	}
	body := []byte{kdfParamsVersion}
	body = binary.BigEndian.AppendUint32(body, DefaultIterations)
	body = append(body, salt...)
	return AppendTag(body, k.ID()), nil
}

func (k *PBKDF2) DeriveKey(secret *Hidden, params []byte) (*Key, error) {
	body, err := openTag(params, k.ID())
	if err != nil {
		return nil, err
	}
	if len(body) != 5+SaltSize || body[0] != kdfParamsVersion {
		return nil, fmt.Errorf("%w: pbkdf2 params", ErrMalformed)
	}
	iter := int(binary.BigEndian.Uint32(body[1:5]))
	if iter <= 0 {
		return nil, fmt.Errorf("%w: pbkdf2 iterations", ErrMalformed)
	}
	return NewKey(pbkdf2.Key(secret.Bytes(), body[5:], iter, KeySize, sha256.New)), nil
}

// prepareSalt generates a missing salt and truncates a long one.
func prepareSalt(random CSPRNG, salt []byte) ([]byte, error) {
	switch {
	case len(salt) == 0:
		return random.Bytes(SaltSize)
	case len(salt) < SaltSize:
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	default:
		out := make([]byte, SaltSize)
		copy(out, salt)
		return out, nil
	}
}
