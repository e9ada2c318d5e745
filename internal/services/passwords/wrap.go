package passwords

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
)

// wrapForUser seals the payload key in layers, one per plugin of the
// class in class order. Opening needs every layer's private key.
func (s *Service) wrapForUser(ctx context.Context, userID int64, sc *auth.SecurityClass, payloadKey *crypto.Key) (*models.PasswordUserAccess, error) {
	rows, err := s.actors.PublicKeys(ctx, userID, sc)
	if err != nil {
		return nil, err
	}
	pubs := make([][]byte, len(rows))
	for i, row := range rows {
		pubs[i] = row.PublicKey
	}
	enc, err := s.seal(payloadKey, pubs)
	if err != nil {
		return nil, err
	}
	return &models.PasswordUserAccess{
		UserID:       userID,
		EncryptedKey: enc,
		KeyRefs:      crypto.KeyRefs(pubs...),
	}, nil
}

func (s *Service) seal(payloadKey *crypto.Key, pubs [][]byte) ([]byte, error) {
	layer := payloadKey.Hidden().Clone()
	for _, pk := range pubs {
		pub := crypto.NewKey(clone(pk))
		enc, err := s.suite.Asymmetric.Encrypt(layer, pub)
		pub.Destroy()
		layer.Destroy()
		if err != nil {
			return nil, fmt.Errorf("wrap payload key: %w", err)
		}
		layer = crypto.NewHidden(enc)
	}
	out := clone(layer.Bytes())
	layer.Destroy()
	return out, nil
}

// unwrapUser peels the layers with key pairs from the actor's keyring.
// A retired pair still in the keyring opens wrappers that have not been
// rewrapped yet.
func (s *Service) unwrapUser(actor *auth.Actor, a *models.PasswordUserAccess) (*crypto.Key, error) {
	refs := crypto.SplitKeyRefs(a.KeyRefs)
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s has no key refs", crypto.ErrMalformed, a.RecordID())
	}
	layer := crypto.NewHidden(clone(a.EncryptedKey))
	for i := len(refs) - 1; i >= 0; i-- {
		pair, ok := actor.Keyring.GetByID(refs[i])
		if !ok {
			layer.Destroy()
			return nil, &models.AuthenticationError{Err: models.ErrNotAuthenticated}
		}
		next, err := s.suite.Open(layer.Bytes(), pair)
		layer.Destroy()
		if err != nil {
			return nil, fmt.Errorf("unwrap payload key for %s: %w", a.RecordID(), err)
		}
		layer = next
	}
	return crypto.KeyFromHidden(layer), nil
}

// wrapForGroup seals the payload key to the group's key pair for the
// class. The group must already hold a key pair for it.
func (s *Service) wrapForGroup(ctx context.Context, groupID, classID int64, payloadKey *crypto.Key) (*models.PasswordGroupAccess, error) {
	g, err := s.actors.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	k, err := g.GetKeyPair(ctx, classID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, &models.PolicyError{
			Reason: fmt.Sprintf("group %d has no key pair for security class %d", groupID, classID),
			Err:    err,
		}
	}
	if err != nil {
		return nil, err
	}
	enc, err := s.seal(payloadKey, [][]byte{k.PublicKey})
	if err != nil {
		return nil, err
	}
	return &models.PasswordGroupAccess{
		GroupID:         groupID,
		SecurityClassID: classID,
		EncryptedKey:    enc,
		KeyRef:          crypto.KeyID(k.PublicKey),
	}, nil
}

// unwrapGroup reconstructs the group access key from the actor's and the
// cosigners' shares and opens the group wrapper.
func (s *Service) unwrapGroup(ctx context.Context, actor *auth.Actor, a *models.PasswordGroupAccess, cosigners []*actors.CryptoUser) (*crypto.Key, error) {
	accessKey, err := s.actors.User(actor).GetGroupAccessKey(ctx, a.GroupID, cosigners...)
	if err != nil {
		return nil, err
	}
	defer accessKey.Destroy()

	g, err := s.actors.Group(ctx, a.GroupID)
	if err != nil {
		return nil, err
	}
	pair, err := g.UnlockKeyPair(ctx, a.SecurityClassID, accessKey)
	if err != nil {
		return nil, err
	}
	defer pair.Destroy()

	if pair.ID() != a.KeyRef {
		return nil, fmt.Errorf("%s was sealed to a replaced group key: %w", a.RecordID(), models.ErrAccessDenied)
	}
	key, err := s.suite.Open(a.EncryptedKey, pair)
	if err != nil {
		return nil, fmt.Errorf("unwrap payload key for %s: %w", a.RecordID(), err)
	}
	return crypto.KeyFromHidden(key), nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
