// Package links implements anonymous password links: a link id and token
// open one password, within a call limit and/or an expiry date.
package links

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/services/passwords"
	"github.com/TheMichaelB/tresor/internal/store"
)

const (
	recordLink = "password_link"
	tokenSize  = 32
)

// Deps are the collaborators of the links service.
type Deps struct {
	Store     store.Store
	Suite     *crypto.Suite
	Keys      *keystore.Keystore
	Verifier  *keystore.Verifier
	Passwords *passwords.Service
	Config    config.LinksConfig
	Metrics   *metrics.Metrics
	Logger    *events.Logger
	Now       func() time.Time
}

// Service manages password links.
type Service struct {
	store     store.Store
	suite     *crypto.Suite
	keys      *keystore.Keystore
	verifier  *keystore.Verifier
	passwords *passwords.Service
	cfg       config.LinksConfig
	metrics   *metrics.Metrics
	logger    *events.Logger
	now       func() time.Time

	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy
}

// NewService creates the service.
func NewService(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     d.Store,
		suite:     d.Suite,
		keys:      d.Keys,
		verifier:  d.Verifier,
		passwords: d.Passwords,
		cfg:       d.Config,
		metrics:   d.Metrics,
		logger:    d.Logger.WithField("service", "links"),
		now:       now,
		idEntropy: ulid.Monotonic(d.Suite.Random, 0),
	}
}

// newID returns a ULID drawing its entropy from the suite's CSPRNG.
func (s *Service) newID(now time.Time) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.idEntropy)
	if err != nil {
		return "", fmt.Errorf("generate link id: %w", err)
	}
	return id.String(), nil
}

// CreateRequest describes a new link. At least one of MaxCalls and TTL
// must be set.
type CreateRequest struct {
	PasswordID int64
	MaxCalls   int
	TTL        time.Duration
	// AccessPassword, when set, must be presented on every access.
	AccessPassword *crypto.Hidden
}

// Created is a new link. Token is not stored and cannot be shown again.
type Created struct {
	Link  *models.PasswordLink
	Token string
	URL   string
}

// Create issues a link for a password the actor owns.
func (s *Service) Create(ctx context.Context, actor *auth.Actor, req CreateRequest, cosigners ...*actors.CryptoUser) (*Created, error) {
	if err := s.checkLimits(req); err != nil {
		return nil, err
	}

	p, payloadKey, err := s.passwords.PayloadKey(ctx, actor, req.PasswordID, cosigners...)
	if err != nil {
		return nil, err
	}
	defer payloadKey.Destroy()

	linkKey, err := s.keys.Key(ctx, keystore.PasswordLink)
	if err != nil {
		return nil, err
	}
	defer linkKey.Destroy()

	rawToken, err := s.suite.Random.Bytes(tokenSize)
	if err != nil {
		return nil, fmt.Errorf("generate link token: %w", err)
	}

	now := s.now().UTC()
	id, err := s.newID(now)
	if err != nil {
		return nil, err
	}
	l := &models.PasswordLink{
		ID:         id,
		PasswordID: p.ID,
		CreatorID:  actor.UserID,
		TokenHash:  s.suite.Hash.Sum(rawToken),
		MaxCalls:   req.MaxCalls,
		CreatedAt:  now.Truncate(time.Second),
	}
	if req.TTL > 0 {
		l.ExpiresAt = now.Add(req.TTL).Truncate(time.Second)
	}

	enc, err := s.suite.Symmetric.Encrypt(payloadKey.Hidden(), linkKey)
	if err != nil {
		return nil, fmt.Errorf("wrap link key: %w", err)
	}
	if req.AccessPassword != nil && req.AccessPassword.Len() > 0 {
		key, params, err := s.suite.NewDerivedKey(req.AccessPassword)
		if err != nil {
			return nil, err
		}
		inner := crypto.NewHidden(enc)
		enc, err = s.suite.Symmetric.Encrypt(inner, key)
		inner.Destroy()
		key.Destroy()
		if err != nil {
			return nil, fmt.Errorf("wrap link key: %w", err)
		}
		l.AccessParams = params
	}
	l.EncryptedKey = enc

	if l.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, l.MACFields()...); err != nil {
		return nil, err
	}
	if err := s.store.CreateLink(ctx, l); err != nil {
		return nil, err
	}

	token := base64.RawURLEncoding.EncodeToString(rawToken)
	s.logger.WithFields(map[string]interface{}{
		"link_id":     l.ID,
		"password_id": p.ID,
		"user_id":     actor.UserID,
	}).Info("Created password link")

	return &Created{Link: l, Token: token, URL: s.url(l.ID, token)}, nil
}

func (s *Service) checkLimits(req CreateRequest) error {
	if req.MaxCalls < 0 || req.TTL < 0 {
		return &models.PolicyError{Reason: "link limits must not be negative"}
	}
	if req.MaxCalls == 0 && req.TTL == 0 {
		return &models.PolicyError{Reason: "a link needs a call limit or an expiry"}
	}
	if s.cfg.MaxCalls > 0 && req.MaxCalls > s.cfg.MaxCalls {
		return &models.PolicyError{Reason: fmt.Sprintf("a link allows at most %d calls", s.cfg.MaxCalls)}
	}
	if s.cfg.MaxLifetime > 0 && req.TTL > s.cfg.MaxLifetime {
		return &models.PolicyError{Reason: fmt.Sprintf("a link lives at most %s", s.cfg.MaxLifetime)}
	}
	return nil
}

func (s *Service) url(id, token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/links/" + id + "/" + token
}

// Access opens the password behind a link. The call is counted before
// anything is decrypted, so a wrong access password uses up a call.
func (s *Service) Access(ctx context.Context, id, token string, accessPassword *crypto.Hidden) (*models.Password, *crypto.Hidden, error) {
	p, payload, err := s.access(ctx, id, token, accessPassword)
	s.metrics.LinkAccess(accessResult(err))
	if err != nil {
		s.logger.WithError(err).WithField("link_id", id).Info("Link access refused")
		return nil, nil, err
	}
	s.logger.WithField("link_id", id).Info("Link accessed")
	return p, payload, nil
}

func (s *Service) access(ctx context.Context, id, token string, accessPassword *crypto.Hidden) (*models.Password, *crypto.Hidden, error) {
	l, err := s.store.GetLink(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.verifier.Check(ctx, keystore.PasswordAuth, recordLink, l.RecordID(), l.MAC, l.MACFields()...); err != nil {
		return nil, nil, err
	}

	rawToken, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, &models.NotFoundError{Kind: "link", ID: id}
	}
	ok, err := s.suite.VerifyHash(rawToken, l.TokenHash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &models.NotFoundError{Kind: "link", ID: id}
	}

	if err := s.store.ConsumeLinkCall(ctx, id, s.now()); err != nil {
		if errors.Is(err, store.ErrLinkExhausted) {
			return nil, nil, &models.PolicyError{Reason: "link is no longer valid", Err: err}
		}
		return nil, nil, err
	}

	payloadKey, err := s.unwrap(ctx, l, accessPassword)
	if err != nil {
		return nil, nil, err
	}
	defer payloadKey.Destroy()

	p, err := s.passwords.Load(ctx, l.PasswordID)
	if err != nil {
		return nil, nil, err
	}
	payload, err := s.suite.Decrypt(p.EncryptedPayload, payloadKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt payload of %s: %w", p.RecordID(), err)
	}
	return p, payload, nil
}

func (s *Service) unwrap(ctx context.Context, l *models.PasswordLink, accessPassword *crypto.Hidden) (*crypto.Key, error) {
	enc := l.EncryptedKey
	if len(l.AccessParams) > 0 {
		if accessPassword == nil || accessPassword.Len() == 0 {
			return nil, &models.DecryptionError{Module: "access password", Err: errors.New("access password required")}
		}
		key, err := s.suite.DeriveKey(accessPassword, l.AccessParams)
		if err != nil {
			return nil, err
		}
		inner, err := s.suite.Decrypt(enc, key)
		key.Destroy()
		if err != nil {
			return nil, err
		}
		defer inner.Destroy()
		enc = inner.Bytes()
	}

	linkKey, err := s.keys.Key(ctx, keystore.PasswordLink)
	if err != nil {
		return nil, err
	}
	defer linkKey.Destroy()

	payloadKey, err := s.suite.Decrypt(enc, linkKey)
	if err != nil {
		return nil, err
	}
	return crypto.KeyFromHidden(payloadKey), nil
}

// List returns the links the actor created for a password.
func (s *Service) List(ctx context.Context, actor *auth.Actor, passwordID int64) ([]*models.PasswordLink, error) {
	all, err := s.store.ListLinks(ctx, passwordID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.PasswordLink, 0, len(all))
	for _, l := range all {
		if l.CreatorID == actor.UserID {
			out = append(out, l)
		}
	}
	return out, nil
}

// Delete revokes a link. Only its creator can.
func (s *Service) Delete(ctx context.Context, actor *auth.Actor, id string) error {
	l, err := s.store.GetLink(ctx, id)
	if err != nil {
		return err
	}
	if err := s.verifier.Check(ctx, keystore.PasswordAuth, recordLink, l.RecordID(), l.MAC, l.MACFields()...); err != nil {
		return err
	}
	if l.CreatorID != actor.UserID {
		return fmt.Errorf("link %s: %w", id, models.ErrAccessDenied)
	}
	if err := s.store.DeleteLink(ctx, id); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"link_id": id,
		"user_id": actor.UserID,
	}).Info("Deleted password link")
	return nil
}

func accessResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrPolicy):
		return "exhausted"
	case errors.Is(err, models.ErrDecryptionFailed):
		return "wrong_password"
	case errors.Is(err, models.ErrIntegrity):
		return "integrity"
	default:
		return "error"
	}
}
