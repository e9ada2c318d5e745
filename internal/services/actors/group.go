package actors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/models"
)

// CryptoGroup is the key state of one group. Group key pairs are loaded
// and verified on first use and cached for the life of the instance.
type CryptoGroup struct {
	svc *Service
	row *models.CryptoGroup

	mu       sync.Mutex
	keyPairs map[int64]*models.GroupKeyPair
}

// Group loads a group and verifies its row.
func (s *Service) Group(ctx context.Context, groupID int64) (*CryptoGroup, error) {
	row, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.Check(ctx, keystore.KeyPairAuth, recordGroup, row.RecordID(), row.MAC, row.MACFields()...); err != nil {
		return nil, err
	}
	return &CryptoGroup{svc: s, row: row, keyPairs: make(map[int64]*models.GroupKeyPair)}, nil
}

// ID returns the group id.
func (g *CryptoGroup) ID() int64 { return g.row.GroupID }

// Threshold is the number of shares that reconstruct the access key.
func (g *CryptoGroup) Threshold() int { return g.row.Threshold }

// MembershipClassID is the class whose plugins protect member shares.
func (g *CryptoGroup) MembershipClassID() int64 { return g.row.MembershipClassID }

// GetKeyPair returns the verified group key pair for a security class.
func (g *CryptoGroup) GetKeyPair(ctx context.Context, classID int64) (*models.GroupKeyPair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if k, ok := g.keyPairs[classID]; ok {
		return k, nil
	}
	k, err := g.svc.store.GetGroupKeyPair(ctx, g.ID(), classID)
	if err != nil {
		return nil, err
	}
	if err := g.svc.verifier.Check(ctx, keystore.KeyPairAuth, recordGroupKeyPair, k.RecordID(), k.MAC, k.MACFields()...); err != nil {
		return nil, err
	}
	g.keyPairs[classID] = k
	return k, nil
}

// UnlockKeyPair decrypts the group private key for a class with the
// group access key.
func (g *CryptoGroup) UnlockKeyPair(ctx context.Context, classID int64, accessKey *crypto.Key) (*crypto.KeyPair, error) {
	k, err := g.GetKeyPair(ctx, classID)
	if err != nil {
		return nil, err
	}
	priv, err := g.svc.suite.Decrypt(k.EncryptedPrivateKey, accessKey)
	if err != nil {
		return nil, fmt.Errorf("unlock group %d key pair: %w", g.ID(), err)
	}
	return &crypto.KeyPair{
		PublicKey:  crypto.NewKey(clone(k.PublicKey)),
		PrivateKey: crypto.KeyFromHidden(priv),
	}, nil
}

// CreateGroupRequest describes the key state of a new group.
type CreateGroupRequest struct {
	GroupID           int64
	MembershipClassID int64
	// Threshold defaults to the number of plugins in the membership
	// class, so one member presenting every factor suffices.
	Threshold int
	// SecurityClassIDs get a group key pair each. Defaults to the
	// membership class.
	SecurityClassIDs []int64
}

// CreateGroup issues a fresh access key, splits it into one share per
// member per membership plugin and creates the group key pairs.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*CryptoGroup, error) {
	if _, err := s.directory.Group(ctx, req.GroupID); err != nil {
		return nil, err
	}
	members, err := s.directory.Members(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	holders, err := s.holderKeys(ctx, req.MembershipClassID, members)
	if err != nil {
		return nil, err
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = holders.perMember
	}
	if err := checkThreshold(threshold, holders.count()); err != nil {
		return nil, err
	}

	accessKey, err := s.suite.Symmetric.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate access key: %w", err)
	}
	defer accessKey.Destroy()

	shares, err := s.issueShares(ctx, req.GroupID, accessKey, threshold, holders)
	if err != nil {
		return nil, err
	}

	classes := req.SecurityClassIDs
	if len(classes) == 0 {
		classes = []int64{req.MembershipClassID}
	}
	keyPairs := make([]*models.GroupKeyPair, 0, len(classes))
	for _, classID := range classes {
		if _, err := s.auth.SecurityClass(ctx, classID); err != nil {
			return nil, err
		}
		k, err := s.newGroupKeyPair(ctx, req.GroupID, classID, accessKey)
		if err != nil {
			return nil, err
		}
		keyPairs = append(keyPairs, k)
	}

	row := &models.CryptoGroup{
		GroupID:           req.GroupID,
		MembershipClassID: req.MembershipClassID,
		Threshold:         threshold,
		NextShareIndex:    len(shares),
	}
	if row.MAC, err = s.verifier.Tag(ctx, keystore.KeyPairAuth, row.MACFields()...); err != nil {
		return nil, err
	}
	if err := s.store.CreateGroup(ctx, row, keyPairs, shares); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"group_id":  req.GroupID,
		"members":   len(members),
		"shares":    len(shares),
		"threshold": threshold,
	}).Info("Created group keys")

	g := &CryptoGroup{svc: s, row: row, keyPairs: make(map[int64]*models.GroupKeyPair)}
	for _, k := range keyPairs {
		g.keyPairs[k.SecurityClassID] = k
	}
	return g, nil
}

// AddMember issues shares for a new member. The quorum must together hold
// at least threshold shares; their polynomial is extended at fresh
// indices, so existing shares stay valid.
func (s *Service) AddMember(ctx context.Context, groupID, userID int64, quorum ...*CryptoUser) error {
	if err := s.requireMember(ctx, userID, groupID); err != nil {
		return err
	}
	existing, err := s.store.ListMemberShares(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return &models.PolicyError{Reason: fmt.Sprintf("user %d already holds shares of group %d", userID, groupID)}
	}

	g, err := s.Group(ctx, groupID)
	if err != nil {
		return err
	}
	holders, err := s.holderKeys(ctx, g.MembershipClassID(), []int64{userID})
	if err != nil {
		return err
	}

	have, err := s.collectShares(ctx, g, actorsOf(quorum))
	if err != nil {
		return err
	}
	defer destroyAll(have)

	indices := make([]int, holders.count())
	for i := range indices {
		indices[i] = g.row.NextShareIndex + i
	}
	fresh, err := s.suite.ExtendShares(have, indices)
	if err != nil {
		return fmt.Errorf("extend shares: %w", err)
	}
	defer destroyAll(fresh)

	rows, err := s.sealShares(ctx, groupID, holders.keys[0], fresh)
	if err != nil {
		return err
	}

	updated := *g.row
	updated.NextShareIndex += len(rows)
	if updated.MAC, err = s.verifier.Tag(ctx, keystore.KeyPairAuth, updated.MACFields()...); err != nil {
		return err
	}
	if err := s.store.AddGroupShares(ctx, &updated, rows); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
		"shares":   len(rows),
	}).Info("Added group member")
	return nil
}

// RemoveMember deletes a member's shares. It refuses when the remaining
// shares could no longer reach the threshold. A removed member who kept a
// copy of a share can still contribute it until RotateAccessKey runs.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID int64) error {
	if err := s.checkRemoval(ctx, groupID, userID); err != nil {
		return err
	}
	n, err := s.store.DeleteMemberShares(ctx, groupID, userID)
	if err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
		"shares":   n,
	}).Info("Removed group member")
	return nil
}

// AddSecurityClass ensures the group has a key pair for a class.
func (s *Service) AddSecurityClass(ctx context.Context, groupID, classID int64, quorum ...*CryptoUser) (*models.GroupKeyPair, error) {
	g, err := s.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	k, err := g.GetKeyPair(ctx, classID)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if _, err := s.auth.SecurityClass(ctx, classID); err != nil {
		return nil, err
	}

	accessKey, err := s.accessKey(ctx, g, actorsOf(quorum))
	if err != nil {
		return nil, err
	}
	defer accessKey.Destroy()

	if k, err = s.newGroupKeyPair(ctx, groupID, classID, accessKey); err != nil {
		return nil, err
	}
	if err := s.store.PutGroupKeyPair(ctx, k); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"group_id": groupID,
		"class_id": classID,
	}).Info("Added group key pair")
	return k, nil
}

// RotateAccessKey replaces the group access key. The group private keys
// are re-encrypted and fresh shares are issued to the current share
// holders that are still directory members. A threshold of 0 keeps the
// current one.
func (s *Service) RotateAccessKey(ctx context.Context, groupID int64, threshold int, quorum ...*CryptoUser) error {
	g, err := s.Group(ctx, groupID)
	if err != nil {
		return err
	}
	oldKey, err := s.accessKey(ctx, g, actorsOf(quorum))
	if err != nil {
		return err
	}
	defer oldKey.Destroy()

	newKey, err := s.suite.Symmetric.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate access key: %w", err)
	}
	defer newKey.Destroy()

	keyPairs, err := s.rekeyGroupKeyPairs(ctx, g, oldKey, newKey)
	if err != nil {
		return err
	}

	members, err := s.currentHolders(ctx, groupID)
	if err != nil {
		return err
	}
	holders, err := s.holderKeys(ctx, g.MembershipClassID(), members)
	if err != nil {
		return err
	}
	if threshold == 0 {
		threshold = g.Threshold()
	}
	if err := checkThreshold(threshold, holders.count()); err != nil {
		return err
	}

	shares, err := s.issueShares(ctx, groupID, newKey, threshold, holders)
	if err != nil {
		return err
	}

	row := *g.row
	row.Threshold = threshold
	row.NextShareIndex = len(shares)
	if row.MAC, err = s.verifier.Tag(ctx, keystore.KeyPairAuth, row.MACFields()...); err != nil {
		return err
	}
	if err := s.store.ReplaceGroupShares(ctx, &row, keyPairs, shares); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"group_id":  groupID,
		"members":   len(members),
		"threshold": threshold,
	}).Info("Rotated group access key")
	return nil
}

func (s *Service) newGroupKeyPair(ctx context.Context, groupID, classID int64, accessKey *crypto.Key) (*models.GroupKeyPair, error) {
	pair, err := s.suite.Asymmetric.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate group key pair: %w", err)
	}
	defer pair.Destroy()

	k := &models.GroupKeyPair{
		GroupID:         groupID,
		SecurityClassID: classID,
		PublicKey:       clone(pair.PublicKey.Bytes()),
	}
	if k.EncryptedPrivateKey, err = s.suite.Symmetric.Encrypt(pair.PrivateKey.Hidden(), accessKey); err != nil {
		return nil, fmt.Errorf("encrypt group private key: %w", err)
	}
	if k.MAC, err = s.verifier.Tag(ctx, keystore.KeyPairAuth, k.MACFields()...); err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Service) rekeyGroupKeyPairs(ctx context.Context, g *CryptoGroup, oldKey, newKey *crypto.Key) ([]*models.GroupKeyPair, error) {
	stored, err := s.store.ListGroupKeyPairs(ctx, g.ID())
	if err != nil {
		return nil, err
	}
	out := make([]*models.GroupKeyPair, 0, len(stored))
	for _, k := range stored {
		if err := s.verifier.Check(ctx, keystore.KeyPairAuth, recordGroupKeyPair, k.RecordID(), k.MAC, k.MACFields()...); err != nil {
			return nil, err
		}
		priv, err := s.suite.Decrypt(k.EncryptedPrivateKey, oldKey)
		if err != nil {
			return nil, fmt.Errorf("unlock %s: %w", k.RecordID(), err)
		}
		enc, err := s.suite.Symmetric.Encrypt(priv, newKey)
		priv.Destroy()
		if err != nil {
			return nil, fmt.Errorf("encrypt group private key: %w", err)
		}

		c := *k
		c.EncryptedPrivateKey = enc
		if c.MAC, err = s.verifier.Tag(ctx, keystore.KeyPairAuth, c.MACFields()...); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

func checkThreshold(t, n int) error {
	if t < 1 || t > crypto.MaxThreshold || t > n {
		return &models.PolicyError{Reason: fmt.Sprintf("threshold %d is not reachable with %d shares", t, n)}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
