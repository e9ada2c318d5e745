// Package passwords is the Passwords handler: encrypted secrets owned by
// a user or a group, with one payload-key wrapper per accessor.
package passwords

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/directory"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/store"
)

// Record names used in integrity logs and metrics.
const (
	recordPassword    = "password"
	recordUserAccess  = "password_user_access"
	recordGroupAccess = "password_group_access"
)

// Deps are the collaborators of the passwords service.
type Deps struct {
	Store     store.Store
	Suite     *crypto.Suite
	Verifier  *keystore.Verifier
	Auth      *auth.Service
	Actors    *actors.Service
	Directory directory.Directory
	Logger    *events.Logger
}

// Service is the Passwords handler.
type Service struct {
	store     store.Store
	suite     *crypto.Suite
	verifier  *keystore.Verifier
	auth      *auth.Service
	actors    *actors.Service
	directory directory.Directory
	validate  *validator.Validate
	logger    *events.Logger
}

// NewService creates the handler.
func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		suite:     d.Suite,
		verifier:  d.Verifier,
		auth:      d.Auth,
		actors:    d.Actors,
		directory: d.Directory,
		validate:  validator.New(),
		logger:    d.Logger.WithField("service", "passwords"),
	}
}

// CreateRequest describes a new password.
type CreateRequest struct {
	OwnerID         int64            `validate:"required,gt=0"`
	OwnerType       models.OwnerType `validate:"required,oneof=user group"`
	SecurityClassID int64            `validate:"required,gt=0"`
	Title           string           `validate:"required,max=255"`
	Description     string           `validate:"max=4096"`
	DataType        string           `validate:"required,max=64"`
	Payload         *crypto.Hidden   `validate:"required"`
	// MACFields overrides the authenticated columns.
	MACFields []string `validate:"omitempty,dive,oneof=owner_id owner_type security_class_id data_type encrypted_payload title description"`
	// ShareWith lists further users to wrap the payload key for.
	ShareWith []int64 `validate:"omitempty,dive,gt=0"`
}

// UpdateRequest changes a password. Nil fields are kept.
type UpdateRequest struct {
	Title       *string        `validate:"omitempty,min=1,max=255"`
	Description *string        `validate:"omitempty,max=4096"`
	DataType    *string        `validate:"omitempty,min=1,max=64"`
	Payload     *crypto.Hidden `validate:"omitempty"`
}

// Create encrypts the payload under a fresh payload key and wraps that key
// for the owner and every user in ShareWith. The caller must satisfy the
// security class.
func (s *Service) Create(ctx context.Context, actor *auth.Actor, req *CreateRequest) (*models.Password, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &models.PolicyError{Reason: "invalid password request", Err: err}
	}
	sc, err := s.auth.SecurityClass(ctx, req.SecurityClassID)
	if err != nil {
		return nil, err
	}
	if err := sc.Require(ctx, actor); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, actor, req.OwnerType, req.OwnerID); err != nil {
		return nil, err
	}

	payloadKey, err := s.suite.Symmetric.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate payload key: %w", err)
	}
	defer payloadKey.Destroy()

	p := &models.Password{
		OwnerID:         req.OwnerID,
		OwnerType:       req.OwnerType,
		SecurityClassID: req.SecurityClassID,
		Title:           req.Title,
		Description:     req.Description,
		DataType:        req.DataType,
		MACFieldNames:   req.MACFields,
	}
	if len(p.MACFieldNames) == 0 {
		p.MACFieldNames = models.DefaultPasswordMACFields
	}
	if p.EncryptedPayload, err = s.suite.Symmetric.Encrypt(req.Payload, payloadKey); err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	// Wrappers are sealed before the transaction; only ids and MACs are
	// filled in inside it.
	users := dedupe(req.ShareWith)
	if req.OwnerType == models.OwnerUser {
		users = dedupe(append([]int64{req.OwnerID}, req.ShareWith...))
	}
	access := &store.PasswordAccess{}
	for _, userID := range users {
		a, err := s.wrapForUser(ctx, userID, sc, payloadKey)
		if err != nil {
			return nil, err
		}
		access.Users = append(access.Users, a)
	}
	if req.OwnerType == models.OwnerGroup {
		a, err := s.wrapForGroup(ctx, req.OwnerID, sc.ID(), payloadKey)
		if err != nil {
			return nil, err
		}
		access.Groups = append(access.Groups, a)
	}

	build := func(id int64) (*store.PasswordAccess, error) {
		p.ID = id
		if err := s.tagPassword(ctx, p); err != nil {
			return nil, err
		}
		for _, a := range access.Users {
			a.PasswordID = id
			if a.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, a.MACFields()...); err != nil {
				return nil, err
			}
		}
		for _, a := range access.Groups {
			a.PasswordID = id
			if a.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, a.MACFields()...); err != nil {
				return nil, err
			}
		}
		return access, nil
	}
	if err := s.store.CreatePassword(ctx, p, build); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"password_id": p.ID,
		"owner_type":  p.OwnerType,
		"owner_id":    p.OwnerID,
		"accessors":   len(access.Users) + len(access.Groups),
	}).Info("Created password")
	return p, nil
}

// Get decrypts a password. Cosigners contribute group shares when the
// actor's access is through a group.
func (s *Service) Get(ctx context.Context, actor *auth.Actor, id int64, cosigners ...*actors.CryptoUser) (*models.Password, *crypto.Hidden, error) {
	p, payloadKey, err := s.open(ctx, actor, id, cosigners)
	if err != nil {
		return nil, nil, err
	}
	defer payloadKey.Destroy()

	payload, err := s.suite.Decrypt(p.EncryptedPayload, payloadKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt payload of %s: %w", p.RecordID(), err)
	}
	return p, payload, nil
}

// Update changes metadata and/or the payload. The payload key is kept, so
// no wrapper changes.
func (s *Service) Update(ctx context.Context, actor *auth.Actor, id int64, req *UpdateRequest, cosigners ...*actors.CryptoUser) (*models.Password, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &models.PolicyError{Reason: "invalid password request", Err: err}
	}
	p, payloadKey, err := s.open(ctx, actor, id, cosigners)
	if err != nil {
		return nil, err
	}
	defer payloadKey.Destroy()

	if req.Title != nil {
		p.Title = *req.Title
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.DataType != nil {
		p.DataType = *req.DataType
	}
	if req.Payload != nil {
		if p.EncryptedPayload, err = s.suite.Symmetric.Encrypt(req.Payload, payloadKey); err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
	}
	if err := s.tagPassword(ctx, p); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePassword(ctx, p); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"password_id": p.ID,
		"user_id":     actor.UserID,
	}).Info("Updated password")
	return p, nil
}

// Delete removes a password and every row that references it. The actor
// must own it and satisfy its security class.
func (s *Service) Delete(ctx context.Context, actor *auth.Actor, id int64) error {
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
	if err := s.store.DeletePassword(ctx, id); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"password_id": id,
		"user_id":     actor.UserID,
	}).Info("Deleted password")
	return nil
}

// List returns the index entries visible to the actor, directly or
// through a group.
func (s *Service) List(ctx context.Context, actor *auth.Actor) ([]*models.IndexEntry, error) {
	entries, err := s.store.ListIndex(ctx, models.OwnerUser, actor.UserID)
	if err != nil {
		return nil, err
	}
	groups, err := s.directory.GroupsOf(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		ge, err := s.store.ListIndex(ctx, models.OwnerGroup, g)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ge...)
	}
	return entries, nil
}

// PayloadKey unwraps the payload key of a password the actor owns. The
// caller destroys the key.
func (s *Service) PayloadKey(ctx context.Context, actor *auth.Actor, id int64, cosigners ...*actors.CryptoUser) (*models.Password, *crypto.Key, error) {
	p, key, err := s.open(ctx, actor, id, cosigners)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkOwner(ctx, actor, p.OwnerType, p.OwnerID); err != nil {
		key.Destroy()
		return nil, nil, err
	}
	return p, key, nil
}

// RebuildIndex recreates the index from the access rows.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	return s.store.RebuildIndex(ctx)
}

// Load fetches a password row and verifies its MAC. Nothing is
// decrypted.
func (s *Service) Load(ctx context.Context, id int64) (*models.Password, error) {
	p, err := s.store.GetPassword(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := p.MACFields()
	if err != nil {
		return nil, &models.IntegrityError{Record: recordPassword, ID: p.RecordID(), Err: err}
	}
	if err := s.verifier.Check(ctx, keystore.PasswordAuth, recordPassword, p.RecordID(), p.MAC, fields...); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) tagPassword(ctx context.Context, p *models.Password) error {
	fields, err := p.MACFields()
	if err != nil {
		return &models.PolicyError{Reason: "invalid MAC fields", Err: err}
	}
	p.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, fields...)
	return err
}

// open loads a password, checks the class and unwraps the payload key.
func (s *Service) open(ctx context.Context, actor *auth.Actor, id int64, cosigners []*actors.CryptoUser) (*models.Password, *crypto.Key, error) {
	p, err := s.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireClass(ctx, actor, p); err != nil {
		return nil, nil, err
	}
	key, err := s.payloadKey(ctx, actor, p, cosigners)
	if err != nil {
		return nil, nil, err
	}
	return p, key, nil
}

// requireClass checks the actor has authenticated every plugin of the
// password's security class.
func (s *Service) requireClass(ctx context.Context, actor *auth.Actor, p *models.Password) error {
	sc, err := s.auth.SecurityClass(ctx, p.SecurityClassID)
	if err != nil {
		return err
	}
	return sc.Require(ctx, actor)
}

// payloadKey unwraps the payload key through the actor's own wrapper or,
// failing that, through a group the actor belongs to.
func (s *Service) payloadKey(ctx context.Context, actor *auth.Actor, p *models.Password, cosigners []*actors.CryptoUser) (*crypto.Key, error) {
	a, err := s.userAccess(ctx, p.ID, actor.UserID)
	switch {
	case err == nil:
		return s.unwrapUser(actor, a)
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	groups, err := s.store.ListPasswordGroupAccess(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for _, ga := range groups {
		member, err := s.directory.IsMember(ctx, actor.UserID, ga.GroupID)
		if err != nil {
			return nil, err
		}
		if !member {
			continue
		}
		if err := s.checkGroupAccess(ctx, ga); err != nil {
			return nil, err
		}
		return s.unwrapGroup(ctx, actor, ga, cosigners)
	}
	return nil, fmt.Errorf("%s: %w", p.RecordID(), models.ErrAccessDenied)
}

func (s *Service) userAccess(ctx context.Context, passwordID, userID int64) (*models.PasswordUserAccess, error) {
	a, err := s.store.GetUserAccess(ctx, passwordID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.Check(ctx, keystore.PasswordAuth, recordUserAccess, a.RecordID(), a.MAC, a.MACFields()...); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) checkGroupAccess(ctx context.Context, a *models.PasswordGroupAccess) error {
	return s.verifier.Check(ctx, keystore.PasswordAuth, recordGroupAccess, a.RecordID(), a.MAC, a.MACFields()...)
}

// checkOwner allows the owning user or a member of the owning group.
func (s *Service) checkOwner(ctx context.Context, actor *auth.Actor, ownerType models.OwnerType, ownerID int64) error {
	switch ownerType {
	case models.OwnerUser:
		if ownerID == actor.UserID {
			return nil
		}
	case models.OwnerGroup:
		ok, err := s.directory.IsMember(ctx, actor.UserID, ownerID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("user %d does not own %s %d: %w", actor.UserID, ownerType, ownerID, models.ErrAccessDenied)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
