package auth

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/store"
)

// Deps are the collaborators of the authentication service.
type Deps struct {
	Store    store.Store
	Suite    *crypto.Suite
	Keys     *keystore.Keystore
	Verifier *keystore.Verifier
	Registry *Registry
	Limiter  *Limiter
	Metrics  *metrics.Metrics
	Logger   *events.Logger
}

// Service manages plugins and security classes.
type Service struct {
	store    store.Store
	registry *Registry
	deps     *pluginDeps
	logger   *events.Logger
}

// NewService creates an authentication service.
func NewService(d Deps) *Service {
	logger := d.Logger.WithField("service", "auth")
	return &Service{
		store:    d.Store,
		registry: d.Registry,
		deps: &pluginDeps{
			store:    d.Store,
			suite:    d.Suite,
			keys:     d.Keys,
			verifier: d.Verifier,
			limiter:  d.Limiter,
			metrics:  d.Metrics,
			logger:   logger,
		},
		logger: logger,
	}
}

// CreatePlugin stores a plugin descriptor. Its kind must be registered.
func (s *Service) CreatePlugin(ctx context.Context, p *models.AuthPlugin) (*Plugin, error) {
	if err := p.Validate(); err != nil {
		return nil, &models.PolicyError{Reason: "invalid plugin", Err: err}
	}
	factor, err := s.registry.New(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAuthPlugin(ctx, p); err != nil {
		return nil, fmt.Errorf("create plugin: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"plugin_id": p.ID,
		"kind":      p.Kind,
	}).Info("Created plugin")
	return newPlugin(p, factor, s.deps), nil
}

// Plugin loads a plugin.
func (s *Service) Plugin(ctx context.Context, id int64) (*Plugin, error) {
	d, err := s.store.GetAuthPlugin(ctx, id)
	if err != nil {
		return nil, err
	}
	factor, err := s.registry.New(d)
	if err != nil {
		return nil, err
	}
	return newPlugin(d, factor, s.deps), nil
}

// Plugins loads every plugin.
func (s *Service) Plugins(ctx context.Context) ([]*Plugin, error) {
	ds, err := s.store.ListAuthPlugins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Plugin, 0, len(ds))
	for _, d := range ds {
		factor, err := s.registry.New(d)
		if err != nil {
			return nil, err
		}
		out = append(out, newPlugin(d, factor, s.deps))
	}
	return out, nil
}

// DeletePlugin removes an unreferenced plugin.
func (s *Service) DeletePlugin(ctx context.Context, id int64) error {
	if err := s.store.DeleteAuthPlugin(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("plugin_id", id).Info("Deleted plugin")
	return nil
}

// CreateSecurityClass stores a class. Every plugin must exist.
func (s *Service) CreateSecurityClass(ctx context.Context, c *models.SecurityClass) (*SecurityClass, error) {
	if err := c.Validate(); err != nil {
		return nil, &models.PolicyError{Reason: "invalid security class", Err: err}
	}
	plugins, err := s.resolve(ctx, c.PluginIDs)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSecurityClass(ctx, c); err != nil {
		return nil, fmt.Errorf("create security class: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"class_id": c.ID,
		"plugins":  c.PluginIDs,
	}).Info("Created security class")
	return &SecurityClass{class: c, plugins: plugins}, nil
}

// SecurityClass loads a class and its plugins.
func (s *Service) SecurityClass(ctx context.Context, id int64) (*SecurityClass, error) {
	c, err := s.store.GetSecurityClass(ctx, id)
	if err != nil {
		return nil, err
	}
	plugins, err := s.resolve(ctx, c.PluginIDs)
	if err != nil {
		return nil, err
	}
	return &SecurityClass{class: c, plugins: plugins}, nil
}

// ListSecurityClasses returns the stored classes.
func (s *Service) ListSecurityClasses(ctx context.Context) ([]*models.SecurityClass, error) {
	return s.store.ListSecurityClasses(ctx)
}

// DeleteSecurityClass removes a class no password or group uses.
func (s *Service) DeleteSecurityClass(ctx context.Context, id int64) error {
	if err := s.store.DeleteSecurityClass(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("class_id", id).Info("Deleted security class")
	return nil
}

func (s *Service) resolve(ctx context.Context, ids []int64) ([]*Plugin, error) {
	plugins := make([]*Plugin, 0, len(ids))
	for _, id := range ids {
		p, err := s.Plugin(ctx, id)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}
