package actors

import (
	"context"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/auth"
)

// CryptoUser is the key view of one authenticated actor.
type CryptoUser struct {
	svc   *Service
	actor *auth.Actor
}

// ID returns the user id.
func (u *CryptoUser) ID() int64 { return u.actor.UserID }

// Actor returns the bound actor.
func (u *CryptoUser) Actor() *auth.Actor { return u.actor }

// GetAuthKeyPair returns the user's verified key pair row for a plugin.
func (u *CryptoUser) GetAuthKeyPair(ctx context.Context, pluginID int64) (*models.AuthKeyPair, error) {
	p, err := u.svc.auth.Plugin(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	return p.KeyPair(ctx, u.ID())
}

// UnlockedKeyPair returns the current key pair for a plugin from the
// actor's keyring. The plugin must have been authenticated in this
// request.
func (u *CryptoUser) UnlockedKeyPair(ctx context.Context, pluginID int64) (*crypto.KeyPair, error) {
	row, err := u.GetAuthKeyPair(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	pair, ok := u.actor.Keyring.Get(row.PublicKey)
	if !ok {
		return nil, &models.AuthenticationError{PluginID: pluginID, Err: models.ErrNotAuthenticated}
	}
	return pair, nil
}

// GetGroupAccessKey reconstructs a group's access key from the shares of
// this user and any cosigners. Every participant must be a group member
// and every share row must verify. The caller destroys the key.
func (u *CryptoUser) GetGroupAccessKey(ctx context.Context, groupID int64, cosigners ...*CryptoUser) (*crypto.Key, error) {
	g, err := u.svc.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return u.svc.accessKey(ctx, g, u.participants(cosigners))
}

func (u *CryptoUser) participants(cosigners []*CryptoUser) []*auth.Actor {
	out := []*auth.Actor{u.actor}
	for _, c := range cosigners {
		out = append(out, c.actor)
	}
	return out
}
