package crypto

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/TheMichaelB/tresor/internal/models"
)

// Tag layout, appended to every ciphertext, MAC, digest, KDF parameter
// blob and share:
//
//	magic "TV" | version | id length | module id, zero padded to 26 bytes
const (
	TagSize        = 30
	tagVersion     = 1
	maxModuleIDLen = TagSize - 4
)

var tagMagic = []byte("TV")

// AppendTag appends the trailer for module id to body.
func AppendTag(body []byte, id string) []byte {
	if len(id) == 0 || len(id) > maxModuleIDLen {
		panic(fmt.Sprintf("crypto: module id %q does not fit the tag", id))
	}
	out := make([]byte, len(body), len(body)+TagSize)
	copy(out, body)
	out = append(out, tagMagic...)
	out = append(out, tagVersion, byte(len(id)))
	out = append(out, id...)
	return append(out, make([]byte, maxModuleIDLen-len(id))...)
}

// SplitTag separates body and module id.
func SplitTag(data []byte) ([]byte, string, error) {
	if len(data) < TagSize {
		return nil, "", fmt.Errorf("%w: shorter than tag", ErrMalformed)
	}
	body, tag := data[:len(data)-TagSize], data[len(data)-TagSize:]
	if !bytes.Equal(tag[:2], tagMagic) {
		return nil, "", fmt.Errorf("%w: bad tag magic", ErrMalformed)
	}
	if tag[2] != tagVersion {
		return nil, "", fmt.Errorf("%w: tag version %d", ErrMalformed, tag[2])
	}
	n := int(tag[3])
	if n == 0 || n > maxModuleIDLen {
		return nil, "", fmt.Errorf("%w: tag id length %d", ErrMalformed, n)
	}
	return body, string(tag[4 : 4+n]), nil
}

// ModuleID returns the id in data's tag.
func ModuleID(data []byte) (string, error) {
	_, id, err := SplitTag(data)
	return id, err
}

// openTag checks data was produced by id and returns the body.
func openTag(data []byte, id string) ([]byte, error) {
	body, got, err := SplitTag(data)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, fmt.Errorf("%w: %s, not %s", ErrModuleMismatch, got, id)
	}
	return body, nil
}

// Registry maps module ids to implementations. Every module that ever
// produced stored data must stay registered.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module.
func (r *Registry) Register(m Module) error {
	id := m.ID()
	if len(id) == 0 || len(id) > maxModuleIDLen {
		return fmt.Errorf("module id %q must be 1-%d bytes", id, maxModuleIDLen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; ok {
		return fmt.Errorf("module %s already registered", id)
	}
	r.modules[id] = m
	return nil
}

// Module looks up an id.
func (r *Registry) Module(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok {
		return nil, &models.ConfigurationError{Setting: "crypto module", Value: id}
	}
	return m, nil
}

// IDs lists registered ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Symmetric looks up a symmetric module.
func (r *Registry) Symmetric(id string) (SymmetricCrypto, error) {
	return lookup[SymmetricCrypto](r, id, "symmetric")
}

// Asymmetric looks up an asymmetric module.
func (r *Registry) Asymmetric(id string) (AsymmetricCrypto, error) {
	return lookup[AsymmetricCrypto](r, id, "asymmetric")
}

// KDF looks up a key derivation module.
func (r *Registry) KDF(id string) (KDF, error) {
	return lookup[KDF](r, id, "kdf")
}

// MAC looks up a MAC module.
func (r *Registry) MAC(id string) (MAC, error) {
	return lookup[MAC](r, id, "mac")
}

// Hash looks up a hash module.
func (r *Registry) Hash(id string) (Hash, error) {
	return lookup[Hash](r, id, "hash")
}

// Sharing looks up a secret sharing module.
func (r *Registry) Sharing(id string) (SecretSharing, error) {
	return lookup[SecretSharing](r, id, "sharing")
}

// Random looks up a CSPRNG module.
func (r *Registry) Random(id string) (CSPRNG, error) {
	return lookup[CSPRNG](r, id, "random")
}

func lookup[T Module](r *Registry, id, kind string) (T, error) {
	var zero T
	m, err := r.Module(id)
	if err != nil {
		return zero, &models.ConfigurationError{Setting: "crypto." + kind, Value: id, Err: err}
	}
	t, ok := m.(T)
	if !ok {
		return zero, &models.ConfigurationError{
			Setting: "crypto." + kind,
			Value:   id,
			Err:     fmt.Errorf("module is not a %s module", kind),
		}
	}
	return t, nil
}
