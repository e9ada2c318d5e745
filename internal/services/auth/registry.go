package auth

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/totp"
)

// FactoryFunc builds the factor for a stored plugin descriptor.
type FactoryFunc func(p *models.AuthPlugin) (Factor, error)

// Registry maps plugin kinds to factories. Kinds are registered
// explicitly at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FactoryFunc)}
}

// DefaultRegistry registers the built-in kinds.
func DefaultRegistry(cfg config.AuthConfig, otp *totp.Service) *Registry {
	r := NewRegistry()
	r.MustRegister(KindPassword, func(*models.AuthPlugin) (Factor, error) {
		return &PasswordFactor{MinLength: cfg.MinPasswordLength}, nil
	})
	r.MustRegister(KindKeyfile, func(*models.AuthPlugin) (Factor, error) {
		return &KeyfileFactor{MinBytes: cfg.MinKeyfileBytes}, nil
	})
	r.MustRegister(KindTOTP, func(*models.AuthPlugin) (Factor, error) {
		return &TOTPFactor{TOTP: otp, Now: time.Now}, nil
	})
	return r
}

// Register adds a kind.
func (r *Registry) Register(kind string, f FactoryFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("plugin kind %s already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register for kinds wired at startup; a duplicate kind
// is a programming error and panics.
func (r *Registry) MustRegister(kind string, f FactoryFunc) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the factor for p.
func (r *Registry) New(p *models.AuthPlugin) (Factor, error) {
	r.mu.RLock()
	f, ok := r.factories[p.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, &models.ConfigurationError{Setting: "auth plugin kind", Value: p.Kind}
	}
	return f(p)
}
