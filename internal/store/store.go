// Package store persists the key-management records. It only moves rows;
// MACs are computed and verified by the services.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/TheMichaelB/tresor/internal/models"
)

// Errors
var (
	ErrLinkExhausted = errors.New("link has no calls left or has expired")
)

// PasswordAccess is the set of wrapper rows written with a new password.
type PasswordAccess struct {
	Users  []*models.PasswordUserAccess
	Groups []*models.PasswordGroupAccess
}

// AccessBuilder produces the wrapper rows once the password id is known.
// It runs inside the creating transaction.
type AccessBuilder func(passwordID int64) (*PasswordAccess, error)

// Store is the relational store. Every method that writes more than one
// row does so atomically. A row's ciphertext and MAC are always written in
// the same statement.
type Store interface {
	// Authentication plugins
	CreateAuthPlugin(ctx context.Context, p *models.AuthPlugin) error
	GetAuthPlugin(ctx context.Context, id int64) (*models.AuthPlugin, error)
	ListAuthPlugins(ctx context.Context) ([]*models.AuthPlugin, error)
	// DeleteAuthPlugin fails with a PolicyError while a security class or
	// key pair references the plugin.
	DeleteAuthPlugin(ctx context.Context, id int64) error

	// Security classes
	CreateSecurityClass(ctx context.Context, c *models.SecurityClass) error
	GetSecurityClass(ctx context.Context, id int64) (*models.SecurityClass, error)
	ListSecurityClasses(ctx context.Context) ([]*models.SecurityClass, error)
	// DeleteSecurityClass fails with a PolicyError while a password, group
	// or group key pair references the class.
	DeleteSecurityClass(ctx context.Context, id int64) error

	// Authentication key pairs. Create fails with ErrAlreadyRegistered
	// when (user, plugin) exists.
	CreateAuthKeyPair(ctx context.Context, k *models.AuthKeyPair) error
	GetAuthKeyPair(ctx context.Context, userID, pluginID int64) (*models.AuthKeyPair, error)
	GetAuthKeyPairByID(ctx context.Context, id int64) (*models.AuthKeyPair, error)
	ListAuthKeyPairs(ctx context.Context, userID int64) ([]*models.AuthKeyPair, error)
	UpdateAuthKeyPair(ctx context.Context, k *models.AuthKeyPair) error
	DeleteAuthKeyPair(ctx context.Context, userID, pluginID int64) error

	// DeleteUser removes every row keyed by the user: key pairs, shares,
	// access rows, index rows and recovery entries.
	DeleteUser(ctx context.Context, userID int64) error

	// Groups
	CreateGroup(ctx context.Context, g *models.CryptoGroup, keyPairs []*models.GroupKeyPair, shares []*models.GroupShare) error
	GetGroup(ctx context.Context, groupID int64) (*models.CryptoGroup, error)
	DeleteGroup(ctx context.Context, groupID int64) error
	GetGroupKeyPair(ctx context.Context, groupID, classID int64) (*models.GroupKeyPair, error)
	ListGroupKeyPairs(ctx context.Context, groupID int64) ([]*models.GroupKeyPair, error)
	PutGroupKeyPair(ctx context.Context, k *models.GroupKeyPair) error

	// Group shares
	ListGroupShares(ctx context.Context, groupID int64) ([]*models.GroupShare, error)
	ListMemberShares(ctx context.Context, groupID, userID int64) ([]*models.GroupShare, error)
	ListUserShares(ctx context.Context, userID int64) ([]*models.GroupShare, error)
	// AddGroupShares updates the group row (its next share index) and
	// inserts shares in one transaction.
	AddGroupShares(ctx context.Context, g *models.CryptoGroup, shares []*models.GroupShare) error
	UpdateGroupShare(ctx context.Context, s *models.GroupShare) error
	DeleteMemberShares(ctx context.Context, groupID, userID int64) (int, error)
	// ReplaceGroupShares rewrites the group row and key pairs and swaps
	// every share for the given ones.
	ReplaceGroupShares(ctx context.Context, g *models.CryptoGroup, keyPairs []*models.GroupKeyPair, shares []*models.GroupShare) error

	// Passwords
	CreatePassword(ctx context.Context, p *models.Password, build AccessBuilder) error
	GetPassword(ctx context.Context, id int64) (*models.Password, error)
	UpdatePassword(ctx context.Context, p *models.Password) error
	// DeletePassword sweeps the password, its access rows, index rows and
	// links.
	DeletePassword(ctx context.Context, id int64) error

	// Per-accessor wrappers. Puts are upserts and keep the index current.
	GetUserAccess(ctx context.Context, passwordID, userID int64) (*models.PasswordUserAccess, error)
	PutUserAccess(ctx context.Context, a *models.PasswordUserAccess) error
	DeleteUserAccess(ctx context.Context, passwordID, userID int64) error
	ListUserAccess(ctx context.Context, userID int64) ([]*models.PasswordUserAccess, error)
	ListPasswordUserAccess(ctx context.Context, passwordID int64) ([]*models.PasswordUserAccess, error)

	GetGroupAccess(ctx context.Context, passwordID, groupID int64) (*models.PasswordGroupAccess, error)
	PutGroupAccess(ctx context.Context, a *models.PasswordGroupAccess) error
	DeleteGroupAccess(ctx context.Context, passwordID, groupID int64) error
	ListGroupAccess(ctx context.Context, groupID int64) ([]*models.PasswordGroupAccess, error)
	ListPasswordGroupAccess(ctx context.Context, passwordID int64) ([]*models.PasswordGroupAccess, error)

	// Index, a derived cache of the access rows.
	ListIndex(ctx context.Context, actorType models.OwnerType, actorID int64) ([]*models.IndexEntry, error)
	RebuildIndex(ctx context.Context) (int, error)

	// Recovery entries. Replace deletes any prior entry for the pair.
	ReplaceRecoveryEntry(ctx context.Context, e *models.RecoveryEntry) error
	GetRecoveryEntry(ctx context.Context, userID, pluginID int64) (*models.RecoveryEntry, error)
	DeleteRecoveryEntry(ctx context.Context, userID, pluginID int64) error

	// Password links
	CreateLink(ctx context.Context, l *models.PasswordLink) error
	GetLink(ctx context.Context, id string) (*models.PasswordLink, error)
	ListLinks(ctx context.Context, passwordID int64) ([]*models.PasswordLink, error)
	// ConsumeLinkCall increments the call count only if the link is still
	// usable at now, else returns ErrLinkExhausted.
	ConsumeLinkCall(ctx context.Context, id string, now time.Time) error
	DeleteLink(ctx context.Context, id string) error

	Close() error
}
