// Package keystore loads the process-wide system keys and authenticates
// stored records with them.
package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
)

// Name identifies a system key.
type Name string

const (
	// KeyPairAuth authenticates key pair, group and share rows.
	KeyPairAuth Name = "keypair-auth"
	// PasswordAuth authenticates password, access, recovery and link rows.
	PasswordAuth Name = "password-auth"
	// PasswordLink wraps payload keys of public links.
	PasswordLink Name = "password-link"
	// Factor wraps server-held factor secrets such as TOTP seeds.
	Factor Name = "factor"
)

// Names lists every system key.
var Names = []Name{KeyPairAuth, PasswordAuth, PasswordLink, Factor}

// Source produces the raw bytes of a system key.
type Source interface {
	Load(ctx context.Context, name Name) ([]byte, error)
}

// Keystore caches system keys in memguard enclaves. Keys are loaded on
// first use and stay encrypted in memory between uses.
type Keystore struct {
	source Source

	mu       sync.Mutex
	enclaves map[Name]*memguard.Enclave
}

// New creates a keystore over source.
func New(source Source) *Keystore {
	return &Keystore{
		source:   source,
		enclaves: make(map[Name]*memguard.Enclave),
	}
}

// Key returns a copy of a system key. The caller destroys it.
func (k *Keystore) Key(ctx context.Context, name Name) (*crypto.Key, error) {
	enclave, err := k.enclave(ctx, name)
	if err != nil {
		return nil, err
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s enclave: %w", name, err)
	}
	defer buf.Destroy()

	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return crypto.NewKey(out), nil
}

// Preload loads every system key, so a missing key fails at startup.
func (k *Keystore) Preload(ctx context.Context) error {
	for _, name := range Names {
		if _, err := k.enclave(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (k *Keystore) enclave(ctx context.Context, name Name) (*memguard.Enclave, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.enclaves[name]; ok {
		return e, nil
	}

	raw, err := k.source.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load system key %s: %w", name, err)
	}
	if len(raw) != crypto.KeySize {
		memguard.WipeBytes(raw)
		return nil, &models.ConfigurationError{
			Setting: "system key " + string(name),
			Err:     fmt.Errorf("key is %d bytes, want %d", len(raw), crypto.KeySize),
		}
	}

	// NewEnclave wipes raw
	e := memguard.NewEnclave(raw)
	k.enclaves[name] = e
	return e, nil
}
