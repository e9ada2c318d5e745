package actors

import (
	"context"
	"fmt"
	"sort"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/auth"
)

// holderSet is the key pair rows shares are sealed to: one row per
// membership plugin for each member.
type holderSet struct {
	perMember int
	keys      [][]*models.AuthKeyPair
}

func (h holderSet) count() int { return h.perMember * len(h.keys) }

func (s *Service) holderKeys(ctx context.Context, classID int64, members []int64) (holderSet, error) {
	sc, err := s.auth.SecurityClass(ctx, classID)
	if err != nil {
		return holderSet{}, err
	}
	h := holderSet{perMember: len(sc.Plugins())}
	for _, m := range members {
		rows, err := s.PublicKeys(ctx, m, sc)
		if err != nil {
			return holderSet{}, err
		}
		h.keys = append(h.keys, rows)
	}
	return h, nil
}

// issueShares splits key and seals the shares to the holders in order.
func (s *Service) issueShares(ctx context.Context, groupID int64, key *crypto.Key, t int, h holderSet) ([]*models.GroupShare, error) {
	split, err := s.suite.Sharing.Split(key.Hidden(), h.count(), t)
	if err != nil {
		return nil, fmt.Errorf("split access key: %w", err)
	}
	defer destroyAll(split)

	out := make([]*models.GroupShare, 0, len(split))
	for i, rows := range h.keys {
		sealed, err := s.sealShares(ctx, groupID, rows, split[i*h.perMember:(i+1)*h.perMember])
		if err != nil {
			return nil, err
		}
		out = append(out, sealed...)
	}
	return out, nil
}

// sealShares seals shares[i] to rows[i].
func (s *Service) sealShares(ctx context.Context, groupID int64, rows []*models.AuthKeyPair, shares []*crypto.Hidden) ([]*models.GroupShare, error) {
	out := make([]*models.GroupShare, 0, len(rows))
	for i, row := range rows {
		sh := &models.GroupShare{
			GroupID:       groupID,
			UserID:        row.UserID,
			AuthKeyPairID: row.ID,
		}
		if err := s.sealShare(ctx, sh, row, shares[i]); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, nil
}

func (s *Service) sealShare(ctx context.Context, sh *models.GroupShare, row *models.AuthKeyPair, share *crypto.Hidden) error {
	pub := crypto.NewKey(clone(row.PublicKey))
	defer pub.Destroy()

	enc, err := s.suite.Asymmetric.Encrypt(share, pub)
	if err != nil {
		return fmt.Errorf("seal share: %w", err)
	}
	sh.AuthKeyPairID = row.ID
	sh.KeyRef = crypto.KeyID(row.PublicKey)
	sh.EncryptedShare = enc
	sh.MAC, err = s.verifier.Tag(ctx, keystore.KeyPairAuth, sh.MACFields()...)
	return err
}

func (s *Service) checkShare(ctx context.Context, sh *models.GroupShare) error {
	return s.verifier.Check(ctx, keystore.KeyPairAuth, recordGroupShare, sh.RecordID(), sh.MAC, sh.MACFields()...)
}

// collectShares opens every share the participants can open with their
// unlocked key pairs. All of a participant's share rows are verified
// before any is used.
func (s *Service) collectShares(ctx context.Context, g *CryptoGroup, participants []*auth.Actor) ([]*crypto.Hidden, error) {
	var out []*crypto.Hidden
	seen := make(map[int64]bool, len(participants))

	for _, a := range participants {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true

		if err := s.requireMember(ctx, a.UserID, g.ID()); err != nil {
			destroyAll(out)
			return nil, err
		}
		rows, err := s.store.ListMemberShares(ctx, g.ID(), a.UserID)
		if err != nil {
			destroyAll(out)
			return nil, err
		}
		for _, sh := range rows {
			if err := s.checkShare(ctx, sh); err != nil {
				destroyAll(out)
				return nil, err
			}
		}
		for _, sh := range rows {
			pair, ok := a.Keyring.GetByID(sh.KeyRef)
			if !ok {
				continue
			}
			share, err := s.suite.Open(sh.EncryptedShare, pair)
			if err != nil {
				destroyAll(out)
				return nil, fmt.Errorf("open %s: %w", sh.RecordID(), err)
			}
			out = append(out, share)
		}
	}

	if len(out) < g.Threshold() {
		destroyAll(out)
		return nil, &models.AuthenticationError{
			Err: fmt.Errorf("group %d: %d of %d shares: %w", g.ID(), len(out), g.Threshold(), crypto.ErrInsufficientShares),
		}
	}
	return out, nil
}

// accessKey reconstructs the group access key.
func (s *Service) accessKey(ctx context.Context, g *CryptoGroup, participants []*auth.Actor) (*crypto.Key, error) {
	shares, err := s.collectShares(ctx, g, participants)
	if err != nil {
		return nil, err
	}
	defer destroyAll(shares)

	secret, err := s.suite.RecoverSecret(shares)
	if err != nil {
		return nil, fmt.Errorf("recover group %d access key: %w", g.ID(), err)
	}
	if secret.Len() != crypto.KeySize {
		secret.Destroy()
		return nil, fmt.Errorf("recover group %d access key: %w", g.ID(), crypto.ErrInvalidShares)
	}
	return crypto.KeyFromHidden(secret), nil
}

func (s *Service) checkRemoval(ctx context.Context, groupID, userID int64) error {
	g, err := s.Group(ctx, groupID)
	if err != nil {
		return err
	}
	shares, err := s.store.ListGroupShares(ctx, groupID)
	if err != nil {
		return err
	}
	remaining := 0
	for _, sh := range shares {
		if sh.UserID != userID {
			remaining++
		}
	}
	if remaining < g.Threshold() {
		return &models.PolicyError{
			Reason: fmt.Sprintf("removing user %d would leave group %d below its threshold", userID, groupID),
		}
	}
	return nil
}

// currentHolders lists users holding shares that are still members.
func (s *Service) currentHolders(ctx context.Context, groupID int64) ([]int64, error) {
	shares, err := s.store.ListGroupShares(ctx, groupID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var users []int64
	for _, sh := range shares {
		if seen[sh.UserID] {
			continue
		}
		seen[sh.UserID] = true
		ok, err := s.directory.IsMember(ctx, sh.UserID, groupID)
		if err != nil {
			return nil, err
		}
		if ok {
			users = append(users, sh.UserID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// RewrapShares reseals the user's shares that still point at a retired
// key pair to the current one. Shares already sealed to the current key
// are skipped, so an interrupted run can simply be repeated. The retired
// pairs must be in the actor's keyring.
func (s *Service) RewrapShares(ctx context.Context, actor *auth.Actor) (int, error) {
	shares, err := s.store.ListUserShares(ctx, actor.UserID)
	if err != nil {
		return 0, err
	}

	current := make(map[int64]*models.AuthKeyPair)
	rewrapped := 0
	for _, sh := range shares {
		if err := s.checkShare(ctx, sh); err != nil {
			return rewrapped, err
		}
		row, err := s.currentKeyPair(ctx, current, actor.UserID, sh.AuthKeyPairID)
		if err != nil {
			return rewrapped, err
		}
		if sh.KeyRef == crypto.KeyID(row.PublicKey) {
			continue
		}

		old, ok := actor.Keyring.GetByID(sh.KeyRef)
		if !ok {
			return rewrapped, &models.AuthenticationError{PluginID: row.PluginID, Err: models.ErrNotAuthenticated}
		}
		plain, err := s.suite.Open(sh.EncryptedShare, old)
		if err != nil {
			return rewrapped, fmt.Errorf("open %s: %w", sh.RecordID(), err)
		}
		err = s.sealShare(ctx, sh, row, plain)
		plain.Destroy()
		if err != nil {
			return rewrapped, err
		}
		if err := s.store.UpdateGroupShare(ctx, sh); err != nil {
			return rewrapped, err
		}
		rewrapped++
	}

	if rewrapped > 0 {
		s.logger.WithFields(map[string]interface{}{
			"user_id": actor.UserID,
			"shares":  rewrapped,
		}).Info("Rewrapped group shares")
	}
	return rewrapped, nil
}

// currentKeyPair resolves the verified key pair row a share belongs to.
func (s *Service) currentKeyPair(ctx context.Context, cache map[int64]*models.AuthKeyPair, userID, keyPairID int64) (*models.AuthKeyPair, error) {
	if row, ok := cache[keyPairID]; ok {
		return row, nil
	}
	stored, err := s.store.GetAuthKeyPairByID(ctx, keyPairID)
	if err != nil {
		return nil, err
	}
	if stored.UserID != userID {
		s.logger.WithFields(map[string]interface{}{
			"user_id":     userID,
			"key_pair_id": keyPairID,
		}).Critical("Group share points at another user's key pair")
		return nil, &models.IntegrityError{Record: recordGroupShare, ID: fmt.Sprint(keyPairID), Err: models.ErrAccessDenied}
	}
	p, err := s.auth.Plugin(ctx, stored.PluginID)
	if err != nil {
		return nil, err
	}
	row, err := p.KeyPair(ctx, userID)
	if err != nil {
		return nil, err
	}
	cache[keyPairID] = row
	return row, nil
}

func actorsOf(users []*CryptoUser) []*auth.Actor {
	out := make([]*auth.Actor, len(users))
	for i, u := range users {
		out[i] = u.actor
	}
	return out
}

func destroyAll(hs []*crypto.Hidden) {
	for _, h := range hs {
		h.Destroy()
	}
}
