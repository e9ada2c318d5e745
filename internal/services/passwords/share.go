package passwords

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
)

// ShareWithUser wraps the payload key for another user. The payload is
// not touched. Sharing with a user who already has access rewraps that
// user's row under their current keys.
func (s *Service) ShareWithUser(ctx context.Context, actor *auth.Actor, id, userID int64, cosigners ...*actors.CryptoUser) error {
	p, payloadKey, err := s.open(ctx, actor, id, cosigners)
	if err != nil {
		return err
	}
	defer payloadKey.Destroy()
	if err := s.checkOwner(ctx, actor, p.OwnerType, p.OwnerID); err != nil {
		return err
	}
	if _, err := s.directory.User(ctx, userID); err != nil {
		return err
	}

	sc, err := s.auth.SecurityClass(ctx, p.SecurityClassID)
	if err != nil {
		return err
	}
	a, err := s.wrapForUser(ctx, userID, sc, payloadKey)
	if err != nil {
		return err
	}
	a.PasswordID = p.ID
	if a.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, a.MACFields()...); err != nil {
		return err
	}
	if err := s.store.PutUserAccess(ctx, a); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"password_id": p.ID,
		"user_id":     userID,
		"by":          actor.UserID,
	}).Info("Shared password with user")
	return nil
}

// UnshareUser removes a user's wrapper. The owning user keeps access.
func (s *Service) UnshareUser(ctx context.Context, actor *auth.Actor, id, userID int64) error {
	p, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireClass(ctx, actor, p); err != nil {
		return err
	}
	if err := s.checkOwner(ctx, actor, p.OwnerType, p.OwnerID); err != nil {
		return err
	}
	if p.OwnerType == models.OwnerUser && p.OwnerID == userID {
		return &models.PolicyError{Reason: "the owner cannot be removed from a password"}
	}
	if err := s.store.DeleteUserAccess(ctx, id, userID); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"password_id": id,
		"user_id":     userID,
		"by":          actor.UserID,
	}).Info("Unshared password with user")
	return nil
}

// ShareWithGroup wraps the payload key for a group under the group key
// pair of the password's security class.
func (s *Service) ShareWithGroup(ctx context.Context, actor *auth.Actor, id, groupID int64, cosigners ...*actors.CryptoUser) error {
	p, payloadKey, err := s.open(ctx, actor, id, cosigners)
	if err != nil {
		return err
	}
	defer payloadKey.Destroy()
	if err := s.checkOwner(ctx, actor, p.OwnerType, p.OwnerID); err != nil {
		return err
	}

	a, err := s.wrapForGroup(ctx, groupID, p.SecurityClassID, payloadKey)
	if err != nil {
		return err
	}
	a.PasswordID = p.ID
	if a.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, a.MACFields()...); err != nil {
		return err
	}
	if err := s.store.PutGroupAccess(ctx, a); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"password_id": p.ID,
		"group_id":    groupID,
		"by":          actor.UserID,
	}).Info("Shared password with group")
	return nil
}

// UnshareGroup removes a group's wrapper. The owning group keeps access.
func (s *Service) UnshareGroup(ctx context.Context, actor *auth.Actor, id, groupID int64) error {
	p, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireClass(ctx, actor, p); err != nil {
		return err
	}
	if err := s.checkOwner(ctx, actor, p.OwnerType, p.OwnerID); err != nil {
		return err
	}
	if p.OwnerType == models.OwnerGroup && p.OwnerID == groupID {
		return &models.PolicyError{Reason: fmt.Sprintf("group %d owns password %d", groupID, id)}
	}
	if err := s.store.DeleteGroupAccess(ctx, id, groupID); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"password_id": id,
		"group_id":    groupID,
		"by":          actor.UserID,
	}).Info("Unshared password with group")
	return nil
}
