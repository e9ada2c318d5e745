package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length of every symmetric key and X25519 key.
const KeySize = 32

// Key is raw key material.
type Key struct {
	secret *Hidden
}

// NewKey takes ownership of b.
func NewKey(b []byte) *Key {
	return &Key{secret: NewHidden(b)}
}

// KeyFromHidden wraps h without copying.
func KeyFromHidden(h *Hidden) *Key {
	return &Key{secret: h}
}

// Bytes exposes the key. The slice must not be retained past Destroy.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.secret.Bytes()
}

// Hidden returns the backing value.
func (k *Key) Hidden() *Hidden { return k.secret }

// Len returns the key length.
func (k *Key) Len() int { return len(k.Bytes()) }

// Clone returns an independent copy.
func (k *Key) Clone() *Key { return &Key{secret: k.secret.Clone()} }

// Equal compares in constant time.
func (k *Key) Equal(other *Key) bool { return k.secret.Equal(other.secret) }

// Destroy wipes the key.
func (k *Key) Destroy() {
	if k != nil {
		k.secret.Destroy()
	}
}

func (k *Key) String() string { return "[key]" }

func (k *Key) GoString() string { return "[key]" }

// Format keeps the key out of formatted output.
func (k *Key) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte("[key]"))
}

// KeyPair is an asymmetric pair. PrivateKey may be nil for a public-only
// pair.
type KeyPair struct {
	PublicKey  *Key
	PrivateKey *Key
}

// ID is the KeyID of the public key.
func (p *KeyPair) ID() string {
	return KeyID(p.PublicKey.Bytes())
}

// Destroy wipes both halves.
func (p *KeyPair) Destroy() {
	if p == nil {
		return
	}
	p.PrivateKey.Destroy()
	p.PublicKey.Destroy()
}

// KeyID is a short stable identifier for a public key.
func KeyID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// KeyRefs joins key ids in order.
func KeyRefs(publicKeys ...[]byte) string {
	ids := make([]string, len(publicKeys))
	for i, pk := range publicKeys {
		ids[i] = KeyID(pk)
	}
	return strings.Join(ids, ",")
}

// SplitKeyRefs reverses KeyRefs.
func SplitKeyRefs(refs string) []string {
	if refs == "" {
		return nil
	}
	return strings.Split(refs, ",")
}
