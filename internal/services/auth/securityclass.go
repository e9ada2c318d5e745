package auth

import (
	"context"
	"errors"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
)

// SecurityClass is a stored class with its plugins resolved, in order.
type SecurityClass struct {
	class   *models.SecurityClass
	plugins []*Plugin
}

// ID returns the class id.
func (c *SecurityClass) ID() int64 { return c.class.ID }

// Model returns the stored class.
func (c *SecurityClass) Model() *models.SecurityClass { return c.class }

// Plugins returns the plugins in class order.
func (c *SecurityClass) Plugins() []*Plugin { return c.plugins }

// Plugin returns the class plugin with the given id.
func (c *SecurityClass) Plugin(id int64) (*Plugin, bool) {
	for _, p := range c.plugins {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Authenticate runs every plugin in order and stops at the first failure.
// infos maps plugin ids to the presented information. A plugin without
// information passes only if the session already has it authenticated.
func (c *SecurityClass) Authenticate(ctx context.Context, actor *Actor, infos map[int64]*crypto.Hidden) error {
	for _, p := range c.plugins {
		info, ok := infos[p.ID()]
		if !ok || info == nil {
			done, err := p.IsAuthenticated(ctx, actor)
			if err != nil {
				return err
			}
			if !done {
				return &models.AuthenticationError{PluginID: p.ID(), Err: models.ErrNotAuthenticated}
			}
			continue
		}
		if err := p.Authenticate(ctx, actor, info); err != nil {
			return err
		}
	}
	return nil
}

// IsAuthenticated reports whether every plugin is authenticated.
func (c *SecurityClass) IsAuthenticated(ctx context.Context, actor *Actor) (bool, error) {
	err := c.Require(ctx, actor)
	if err == nil {
		return true, nil
	}
	var authErr *models.AuthenticationError
	if errors.As(err, &authErr) {
		return false, nil
	}
	return false, err
}

// Require fails with an AuthenticationError naming the first plugin that
// is not authenticated.
func (c *SecurityClass) Require(ctx context.Context, actor *Actor) error {
	for _, p := range c.plugins {
		done, err := p.IsAuthenticated(ctx, actor)
		if err != nil {
			return err
		}
		if !done {
			return &models.AuthenticationError{PluginID: p.ID(), Err: models.ErrNotAuthenticated}
		}
	}
	return nil
}
