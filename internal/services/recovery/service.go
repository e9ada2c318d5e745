// Package recovery is the Recovery handler. A recovery entry holds one
// factor's credential encrypted under a key derived from a one-time code
// that only the user ever sees.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/directory"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/notify"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/store"
)

const recordEntry = "recovery_entry"

// Session keys
const (
	dataKey      = "recovery:data:"
	tokenKey     = "recovery:token:"
	confirmedKey = "recovery:confirmed:"
)

// Deps are the collaborators of the recovery service.
type Deps struct {
	Store     store.Store
	Suite     *crypto.Suite
	Verifier  *keystore.Verifier
	Auth      *auth.Service
	Directory directory.Directory
	Notifier  notify.Sender
	Config    config.RecoveryConfig
	Metrics   *metrics.Metrics
	Logger    *events.Logger
	Now       func() time.Time
}

// Service is the Recovery handler.
type Service struct {
	store     store.Store
	suite     *crypto.Suite
	verifier  *keystore.Verifier
	auth      *auth.Service
	directory directory.Directory
	notifier  notify.Sender
	cfg       config.RecoveryConfig
	metrics   *metrics.Metrics
	logger    *events.Logger
	now       func() time.Time
}

// NewService creates the handler.
func NewService(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     d.Store,
		suite:     d.Suite,
		verifier:  d.Verifier,
		auth:      d.Auth,
		directory: d.Directory,
		notifier:  d.Notifier,
		cfg:       d.Config,
		metrics:   d.Metrics,
		logger:    d.Logger.WithField("service", "recovery"),
		now:       now,
	}
}

// Data is the one-shot display payload left in the session by
// CreateEntry.
type Data struct {
	UserID    int64
	PluginID  int64
	Code      *crypto.Hidden
	CreatedAt time.Time
}

type sessionData struct {
	UserID    int64     `json:"user_id"`
	PluginID  int64     `json:"plugin_id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateEntry checks info against the plugin, then stores it encrypted
// under a fresh recovery code. Any earlier entry for the plugin is
// replaced. The code is only available once, through
// GetRecoveryDataFromSession.
func (s *Service) CreateEntry(ctx context.Context, actor *auth.Actor, pluginID int64, info *crypto.Hidden) (*models.RecoveryMetadata, error) {
	p, err := s.auth.Plugin(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	escrow, err := p.EscrowInformation(ctx, actor.UserID, info)
	if err != nil {
		return nil, err
	}
	defer escrow.Destroy()

	code, err := newCode(s.suite.Random)
	if err != nil {
		return nil, fmt.Errorf("generate recovery code: %w", err)
	}
	defer code.Destroy()

	key, params, err := s.suite.NewDerivedKey(code)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	entry := &models.RecoveryEntry{
		UserID:   actor.UserID,
		PluginID: pluginID,
		Salt:     params,
	}
	if entry.EncryptedAuthInformation, err = s.suite.Symmetric.Encrypt(escrow, key); err != nil {
		return nil, fmt.Errorf("encrypt recovery entry: %w", err)
	}
	if entry.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, entry.MACFields()...); err != nil {
		return nil, err
	}
	entry.CreatedAt = s.now().UTC().Truncate(time.Second)
	if err := s.store.ReplaceRecoveryEntry(ctx, entry); err != nil {
		return nil, err
	}

	display, err := json.Marshal(sessionData{
		UserID:    actor.UserID,
		PluginID:  pluginID,
		Code:      FormatCode(code),
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	if err := actor.Session.Set(ctx, dataKey+strconv.FormatInt(pluginID, 10), display); err != nil {
		return nil, fmt.Errorf("store recovery data in session: %w", err)
	}

	s.metrics.RecoveryEvent("created")
	s.logger.WithFields(map[string]interface{}{
		"user_id":   actor.UserID,
		"plugin_id": pluginID,
	}).Info("Created recovery entry")

	return &models.RecoveryMetadata{
		UserID:    actor.UserID,
		PluginID:  pluginID,
		CreatedAt: entry.CreatedAt,
	}, nil
}

// GetRecoveryDataFromSession returns the code left by CreateEntry and
// removes it from the session. The second call finds nothing.
func (s *Service) GetRecoveryDataFromSession(ctx context.Context, actor *auth.Actor, pluginID int64) (*Data, bool, error) {
	raw, ok, err := actor.Session.Take(ctx, dataKey+strconv.FormatInt(pluginID, 10))
	if err != nil || !ok {
		return nil, false, err
	}
	var d sessionData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false, fmt.Errorf("decode recovery data: %w", err)
	}
	if d.UserID != actor.UserID {
		return nil, false, nil
	}
	return &Data{
		UserID:    d.UserID,
		PluginID:  d.PluginID,
		Code:      crypto.HiddenString(d.Code),
		CreatedAt: d.CreatedAt,
	}, true, nil
}

// HasEntry reports whether the user has a recovery entry for the plugin.
func (s *Service) HasEntry(ctx context.Context, userID, pluginID int64) (bool, error) {
	_, err := s.store.GetRecoveryEntry(ctx, userID, pluginID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// DeleteEntry removes the user's entry for the plugin.
func (s *Service) DeleteEntry(ctx context.Context, userID, pluginID int64) error {
	if err := s.store.DeleteRecoveryEntry(ctx, userID, pluginID); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"plugin_id": pluginID,
	}).Info("Deleted recovery entry")
	return nil
}

// RecoverEntry decrypts the stored credential with the code. A wrong
// code is ErrWrongRecoveryCode. When tokens are required the actor's
// session must hold a confirmed token for the plugin, which is used up by
// a successful recovery.
func (s *Service) RecoverEntry(ctx context.Context, actor *auth.Actor, pluginID int64, code *crypto.Hidden) (*crypto.Hidden, error) {
	logger := s.logger.WithFields(map[string]interface{}{
		"user_id":   actor.UserID,
		"plugin_id": pluginID,
	})

	if s.cfg.RequireToken {
		ok, err := s.confirmed(ctx, actor, pluginID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &models.PolicyError{Reason: "recovery token has not been confirmed"}
		}
	}

	entry, err := s.store.GetRecoveryEntry(ctx, actor.UserID, pluginID)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.Check(ctx, keystore.PasswordAuth, recordEntry, entry.RecordID(), entry.MAC, entry.MACFields()...); err != nil {
		return nil, err
	}

	normalized := NormalizeCode(code)
	defer normalized.Destroy()
	key, err := s.suite.DeriveKey(normalized, entry.Salt)
	if err != nil {
		return nil, fmt.Errorf("derive recovery key: %w", err)
	}
	defer key.Destroy()

	info, err := s.suite.Decrypt(entry.EncryptedAuthInformation, key)
	if errors.Is(err, models.ErrDecryptionFailed) {
		s.metrics.RecoveryEvent("wrong_code")
		logger.Info("Wrong recovery code")
		return nil, fmt.Errorf("%s: %w", entry.RecordID(), models.ErrWrongRecoveryCode)
	}
	if err != nil {
		return nil, err
	}

	if s.cfg.RequireToken {
		if err := actor.Session.Delete(ctx, confirmedKey+strconv.FormatInt(pluginID, 10)); err != nil {
			info.Destroy()
			return nil, err
		}
	}
	s.metrics.RecoveryEvent("recovered")
	logger.Info("Recovered credential")
	return info, nil
}
