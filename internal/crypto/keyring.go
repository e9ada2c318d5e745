package crypto

import "sync"

// Keyring holds the key pairs a caller has unlocked during one request.
// Pairs are indexed by the KeyID of their public key, so a pair replaced
// by rotation stays usable until the keyring is destroyed.
type Keyring struct {
	mu    sync.RWMutex
	pairs map[string]*KeyPair
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{pairs: make(map[string]*KeyPair)}
}

// Put adds an unlocked pair. An existing pair with the same id is wiped.
func (r *Keyring) Put(pair *KeyPair) {
	id := pair.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.pairs[id]; ok && old != pair {
		old.Destroy()
	}
	r.pairs[id] = pair
}

// Get returns the pair for a public key.
func (r *Keyring) Get(publicKey []byte) (*KeyPair, bool) {
	return r.GetByID(KeyID(publicKey))
}

// GetByID returns the pair for a key id.
func (r *Keyring) GetByID(id string) (*KeyPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[id]
	return p, ok
}

// Remove wipes and forgets one pair.
func (r *Keyring) Remove(publicKey []byte) {
	id := KeyID(publicKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pairs[id]; ok {
		p.Destroy()
		delete(r.pairs, id)
	}
}

// Len returns the number of unlocked pairs.
func (r *Keyring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}

// Destroy wipes every pair.
func (r *Keyring) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.pairs {
		p.Destroy()
		delete(r.pairs, id)
	}
}
