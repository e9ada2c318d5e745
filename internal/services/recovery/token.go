package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/auth"
)

const tokenAlphabet = "0123456789"

type pendingToken struct {
	UserID  int64     `json:"user_id"`
	Digest  []byte    `json:"digest"`
	Expires time.Time `json:"expires"`
}

// SendToken delivers a short-lived token to the user's directory address.
// The token's digest is kept in the actor's session until ConfirmToken.
func (s *Service) SendToken(ctx context.Context, actor *auth.Actor, pluginID int64) error {
	ok, err := s.HasEntry(ctx, actor.UserID, pluginID)
	if err != nil {
		return err
	}
	if !ok {
		return &models.NotFoundError{Kind: "recovery entry", ID: fmt.Sprintf("user=%d plugin=%d", actor.UserID, pluginID)}
	}
	user, err := s.directory.User(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		return &models.PolicyError{Reason: fmt.Sprintf("user %d has no address for recovery tokens", actor.UserID)}
	}

	token, err := s.suite.Random.String(tokenAlphabet, s.cfg.TokenLength)
	if err != nil {
		return fmt.Errorf("generate recovery token: %w", err)
	}
	pending, err := json.Marshal(pendingToken{
		UserID:  actor.UserID,
		Digest:  s.suite.Hash.Sum([]byte(token)),
		Expires: s.now().Add(s.cfg.TokenTTL),
	})
	if err != nil {
		return err
	}
	if err := actor.Session.Set(ctx, tokenKey+strconv.FormatInt(pluginID, 10), pending); err != nil {
		return err
	}

	message := fmt.Sprintf("Your recovery token is %s. It expires in %s.", token, s.cfg.TokenTTL)
	if err := s.notifier.Send(ctx, user.Email, "Password recovery", message); err != nil {
		s.logger.WithError(err).WithField("user_id", actor.UserID).Error("Failed to send recovery token")
		return fmt.Errorf("%w: %v", models.ErrNotifyFailed, err)
	}

	s.metrics.RecoveryEvent("token_sent")
	s.logger.WithFields(map[string]interface{}{
		"user_id":   actor.UserID,
		"plugin_id": pluginID,
	}).Info("Sent recovery token")
	return nil
}

// ConfirmToken checks a token sent by SendToken. A token is good for one
// confirmation.
func (s *Service) ConfirmToken(ctx context.Context, actor *auth.Actor, pluginID int64, token string) error {
	id := strconv.FormatInt(pluginID, 10)
	raw, ok, err := actor.Session.Take(ctx, tokenKey+id)
	if err != nil {
		return err
	}
	if !ok {
		return &models.PolicyError{Reason: "no recovery token is pending"}
	}
	var p pendingToken
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode recovery token: %w", err)
	}
	if p.UserID != actor.UserID || !s.now().Before(p.Expires) {
		s.metrics.RecoveryEvent("token_rejected")
		return &models.PolicyError{Reason: "recovery token expired"}
	}
	match, err := s.suite.VerifyHash([]byte(token), p.Digest)
	if err != nil {
		return err
	}
	if !match {
		s.metrics.RecoveryEvent("token_rejected")
		return fmt.Errorf("recovery token: %w", models.ErrWrongRecoveryCode)
	}

	s.metrics.RecoveryEvent("token_confirmed")
	return actor.Session.Set(ctx, confirmedKey+id, []byte(strconv.FormatInt(actor.UserID, 10)))
}

func (s *Service) confirmed(ctx context.Context, actor *auth.Actor, pluginID int64) (bool, error) {
	v, ok, err := actor.Session.Get(ctx, confirmedKey+strconv.FormatInt(pluginID, 10))
	if err != nil || !ok {
		return false, err
	}
	return string(v) == strconv.FormatInt(actor.UserID, 10), nil
}

