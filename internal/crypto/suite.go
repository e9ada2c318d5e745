package crypto

import (
	"fmt"
)

// Selection names the modules used for new data.
type Selection struct {
	Symmetric  string
	Asymmetric string
	KDF        string
	MAC        string
	Hash       string
	Sharing    string
	Random     string
}

// DefaultSelection is the current algorithm choice.
func DefaultSelection() Selection {
	return Selection{
		Symmetric:  "aes-256-gcm",
		Asymmetric: "nacl-box-x25519",
		KDF:        "argon2id",
		MAC:        "hmac-sha256",
		Hash:       "sha256",
		Sharing:    "shamir-ed25519",
		Random:     "crypto-rand",
	}
}

// NewDefaultRegistry registers every built-in module.
func NewDefaultRegistry(random CSPRNG, argon Argon2Params) (*Registry, error) {
	reg := NewRegistry()
	modules := []Module{
		random,
		NewAESGCM(random),
		NewXChaCha20Poly1305(random),
		NewSealedBox(random),
		NewArgon2id(argon, random),
		NewScrypt(random),
		NewPBKDF2(random),
		HMACSHA256{},
		Blake3MAC{},
		SHA256{},
		Blake3{},
		NewShamir(),
	}
	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Suite is the configured set of modules. New data is produced by the
// selected modules; stored data is opened by the module named in its tag.
type Suite struct {
	Symmetric  SymmetricCrypto
	Asymmetric AsymmetricCrypto
	KDF        KDF
	MAC        MAC
	Hash       Hash
	Sharing    SecretSharing
	Random     CSPRNG

	registry *Registry
}

// NewSuite resolves sel against reg.
func NewSuite(reg *Registry, sel Selection) (*Suite, error) {
	s := &Suite{registry: reg}
	var err error

	if s.Random, err = reg.Random(sel.Random); err != nil {
		return nil, err
	}
	if s.Symmetric, err = reg.Symmetric(sel.Symmetric); err != nil {
		return nil, err
	}
	if s.Asymmetric, err = reg.Asymmetric(sel.Asymmetric); err != nil {
		return nil, err
	}
	if s.KDF, err = reg.KDF(sel.KDF); err != nil {
		return nil, err
	}
	if s.MAC, err = reg.MAC(sel.MAC); err != nil {
		return nil, err
	}
	if s.Hash, err = reg.Hash(sel.Hash); err != nil {
		return nil, err
	}
	if s.Sharing, err = reg.Sharing(sel.Sharing); err != nil {
		return nil, err
	}
	return s, nil
}

// Registry returns the module registry.
func (s *Suite) Registry() *Registry { return s.registry }

// Decrypt opens symmetric ciphertext with the module that produced it.
func (s *Suite) Decrypt(ciphertext []byte, key *Key) (*Hidden, error) {
	id, err := ModuleID(ciphertext)
	if err != nil {
		return nil, err
	}
	m, err := s.registry.Symmetric(id)
	if err != nil {
		return nil, err
	}
	return m.Decrypt(ciphertext, key)
}

// Open opens a sealed message with the module that produced it.
func (s *Suite) Open(ciphertext []byte, pair *KeyPair) (*Hidden, error) {
	id, err := ModuleID(ciphertext)
	if err != nil {
		return nil, err
	}
	m, err := s.registry.Asymmetric(id)
	if err != nil {
		return nil, err
	}
	return m.Decrypt(ciphertext, pair)
}

// DeriveKey re-derives a key from stored params.
func (s *Suite) DeriveKey(secret *Hidden, params []byte) (*Key, error) {
	id, err := ModuleID(params)
	if err != nil {
		return nil, err
	}
	m, err := s.registry.KDF(id)
	if err != nil {
		return nil, err
	}
	return m.DeriveKey(secret, params)
}

// NewDerivedKey derives a key under fresh params from the selected KDF.
func (s *Suite) NewDerivedKey(secret *Hidden) (*Key, []byte, error) {
	params, err := s.KDF.NewParams(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("new kdf params: %w", err)
	}
	key, err := s.KDF.DeriveKey(secret, params)
	if err != nil {
		return nil, nil, err
	}
	return key, params, nil
}

// CreateMAC tags data with the selected MAC.
func (s *Suite) CreateMAC(data []byte, key *Key) ([]byte, error) {
	return s.MAC.Create(data, key)
}

// VerifyMAC recomputes mac with the module named in its tag.
func (s *Suite) VerifyMAC(data []byte, key *Key, mac []byte) (bool, error) {
	id, err := ModuleID(mac)
	if err != nil {
		return false, err
	}
	m, err := s.registry.MAC(id)
	if err != nil {
		return false, err
	}
	expected, err := m.Create(data, key)
	if err != nil {
		return false, err
	}
	return m.Compare(mac, expected), nil
}

// VerifyHash checks digest against data.
func (s *Suite) VerifyHash(data, digest []byte) (bool, error) {
	id, err := ModuleID(digest)
	if err != nil {
		return false, err
	}
	m, err := s.registry.Hash(id)
	if err != nil {
		return false, err
	}
	return HMACSHA256{}.Compare(m.Sum(data), digest), nil
}

// RecoverSecret recombines shares with the module that issued them.
func (s *Suite) RecoverSecret(shares []*Hidden) (*Hidden, error) {
	m, err := s.sharingFor(shares)
	if err != nil {
		return nil, err
	}
	return m.Recover(shares)
}

// ExtendShares issues shares at new indices.
func (s *Suite) ExtendShares(shares []*Hidden, indices []int) ([]*Hidden, error) {
	m, err := s.sharingFor(shares)
	if err != nil {
		return nil, err
	}
	return m.Extend(shares, indices)
}

// ShareIndex returns the index of a share.
func (s *Suite) ShareIndex(share *Hidden) (int, error) {
	m, err := s.sharingFor([]*Hidden{share})
	if err != nil {
		return 0, err
	}
	return m.ShareIndex(share)
}

func (s *Suite) sharingFor(shares []*Hidden) (SecretSharing, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}
	id, err := ModuleID(shares[0].Bytes())
	if err != nil {
		return nil, err
	}
	return s.registry.Sharing(id)
}
