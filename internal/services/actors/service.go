// Package actors manages the key material of users and groups: the
// public halves of AuthKeyPairs, group key pairs and the threshold shares
// of group access keys.
package actors

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/directory"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/store"
)

// Record names used in integrity logs and metrics.
const (
	recordGroup        = "crypto_group"
	recordGroupKeyPair = "group_key_pair"
	recordGroupShare   = "group_share"
)

// Deps are the collaborators of the actors service.
type Deps struct {
	Store     store.Store
	Suite     *crypto.Suite
	Verifier  *keystore.Verifier
	Auth      *auth.Service
	Directory directory.Directory
	Logger    *events.Logger
}

// Service is the CryptoActors handler.
type Service struct {
	store     store.Store
	suite     *crypto.Suite
	verifier  *keystore.Verifier
	auth      *auth.Service
	directory directory.Directory
	logger    *events.Logger
}

// NewService creates the handler.
func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		suite:     d.Suite,
		verifier:  d.Verifier,
		auth:      d.Auth,
		directory: d.Directory,
		logger:    d.Logger.WithField("service", "actors"),
	}
}

// User binds an authenticated actor.
func (s *Service) User(actor *auth.Actor) *CryptoUser {
	return &CryptoUser{svc: s, actor: actor}
}

// PublicKeys returns a user's verified key pair rows for every plugin of
// the class, in class order. Nothing is decrypted, so any user can be the
// target.
func (s *Service) PublicKeys(ctx context.Context, userID int64, sc *auth.SecurityClass) ([]*models.AuthKeyPair, error) {
	rows := make([]*models.AuthKeyPair, 0, len(sc.Plugins()))
	for _, p := range sc.Plugins() {
		row, err := p.KeyPair(ctx, userID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, &models.PolicyError{
				Reason: fmt.Sprintf("user %d is not registered with plugin %d", userID, p.ID()),
				Err:    err,
			}
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DeleteUser removes every key row of a user. It refuses while that would
// leave one of the user's groups below its threshold.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	shares, err := s.store.ListUserShares(ctx, userID)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, sh := range shares {
		if seen[sh.GroupID] {
			continue
		}
		seen[sh.GroupID] = true
		if err := s.checkRemoval(ctx, sh.GroupID, userID); err != nil {
			return err
		}
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.logger.WithField("user_id", userID).Info("Deleted user key material")
	return nil
}

func (s *Service) requireMember(ctx context.Context, userID, groupID int64) error {
	ok, err := s.directory.IsMember(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d is not a member of group %d: %w", userID, groupID, models.ErrAccessDenied)
	}
	return nil
}
