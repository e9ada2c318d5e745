package passwords

import (
	"context"
	"errors"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/auth"
)

// ReencryptReport summarises a ReencryptAll run.
type ReencryptReport struct {
	Rewrapped int
	Skipped   int
	// Failed holds the password ids whose wrapper could not be
	// rewrapped, for example because a plugin was not authenticated.
	Failed []int64
}

// ReencryptAll rewraps every payload key the actor can open directly
// under the actor's current key pairs. Rows already sealed to the
// current keys are skipped, so an interrupted run can be repeated.
func (s *Service) ReencryptAll(ctx context.Context, actor *auth.Actor) (*ReencryptReport, error) {
	rows, err := s.store.ListUserAccess(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	report := &ReencryptReport{}
	classes := make(map[int64]*auth.SecurityClass)
	logger := s.logger.WithField("user_id", actor.UserID)

	for _, a := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		done, err := s.reencrypt(ctx, actor, a, classes)
		var ie *models.IntegrityError
		switch {
		case errors.As(err, &ie):
			return report, err
		case err != nil:
			logger.WithError(err).WithField("password_id", a.PasswordID).Warn("Could not rewrap payload key")
			report.Failed = append(report.Failed, a.PasswordID)
		case done:
			report.Rewrapped++
		default:
			report.Skipped++
		}
	}

	logger.WithFields(map[string]interface{}{
		"rewrapped": report.Rewrapped,
		"skipped":   report.Skipped,
		"failed":    len(report.Failed),
	}).Info("Re-encrypted payload keys")
	return report, nil
}

func (s *Service) reencrypt(ctx context.Context, actor *auth.Actor, a *models.PasswordUserAccess, classes map[int64]*auth.SecurityClass) (bool, error) {
	if err := s.verifier.Check(ctx, keystore.PasswordAuth, recordUserAccess, a.RecordID(), a.MAC, a.MACFields()...); err != nil {
		return false, err
	}
	p, err := s.Load(ctx, a.PasswordID)
	if err != nil {
		return false, err
	}

	sc, ok := classes[p.SecurityClassID]
	if !ok {
		if sc, err = s.auth.SecurityClass(ctx, p.SecurityClassID); err != nil {
			return false, err
		}
		classes[p.SecurityClassID] = sc
	}
	current, err := s.actors.PublicKeys(ctx, actor.UserID, sc)
	if err != nil {
		return false, err
	}
	pubs := make([][]byte, len(current))
	for i, row := range current {
		pubs[i] = row.PublicKey
	}
	if a.KeyRefs == crypto.KeyRefs(pubs...) {
		return false, nil
	}

	payloadKey, err := s.unwrapUser(actor, a)
	if err != nil {
		return false, err
	}
	defer payloadKey.Destroy()

	enc, err := s.seal(payloadKey, pubs)
	if err != nil {
		return false, err
	}
	next := &models.PasswordUserAccess{
		PasswordID:   a.PasswordID,
		UserID:       a.UserID,
		EncryptedKey: enc,
		KeyRefs:      crypto.KeyRefs(pubs...),
	}
	if next.MAC, err = s.verifier.Tag(ctx, keystore.PasswordAuth, next.MACFields()...); err != nil {
		return false, err
	}
	return true, s.store.PutUserAccess(ctx, next)
}
