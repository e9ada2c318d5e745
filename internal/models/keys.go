package models

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// AuthPlugin describes one authentication factor. The Kind selects the
// registered implementation.
type AuthPlugin struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the descriptor.
func (p *AuthPlugin) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("plugin title is required")
	}
	if strings.TrimSpace(p.Kind) == "" {
		return fmt.Errorf("plugin kind is required")
	}
	return nil
}

// SecurityClass is an ordered set of plugins that must all be satisfied.
type SecurityClass struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PluginIDs   []int64   `json:"plugin_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the class definition.
func (c *SecurityClass) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("security class title is required")
	}
	if len(c.PluginIDs) == 0 {
		return fmt.Errorf("security class needs at least one plugin")
	}
	seen := make(map[int64]bool, len(c.PluginIDs))
	for _, id := range c.PluginIDs {
		if seen[id] {
			return fmt.Errorf("plugin %d listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// AuthKeyPair is a user's key pair for one plugin. The private key is
// encrypted under a key derived from the plugin's credential. The retired
// pair is the one replaced by the last rotation; it is kept, encrypted the
// same way, until every wrapper sealed to it has been rewrapped.
type AuthKeyPair struct {
	ID                  int64     `json:"id"`
	UserID              int64     `json:"user_id"`
	PluginID            int64     `json:"plugin_id"`
	PublicKey           []byte    `json:"public_key"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	KDFParams           []byte    `json:"kdf_params"`
	Credential          []byte    `json:"credential,omitempty"`
	RetiredPublicKey    []byte    `json:"retired_public_key,omitempty"`
	RetiredPrivateKey   []byte    `json:"retired_private_key,omitempty"`
	MAC                 []byte    `json:"mac"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// MACFields lists the authenticated columns.
func (k *AuthKeyPair) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(k.UserID),
		Int64Bytes(k.PluginID),
		k.PublicKey,
		k.EncryptedPrivateKey,
		k.KDFParams,
		k.Credential,
		k.RetiredPublicKey,
		k.RetiredPrivateKey,
	}
}

// RecordID identifies the row in logs.
func (k *AuthKeyPair) RecordID() string {
	return fmt.Sprintf("user=%d plugin=%d", k.UserID, k.PluginID)
}

// CryptoGroup is the key-management state of a directory group.
type CryptoGroup struct {
	GroupID           int64     `json:"group_id"`
	MembershipClassID int64     `json:"membership_class_id"`
	Threshold         int       `json:"threshold"`
	NextShareIndex    int       `json:"next_share_index"`
	MAC               []byte    `json:"mac"`
	CreatedAt         time.Time `json:"created_at"`
}

// MACFields lists the authenticated columns.
func (g *CryptoGroup) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(g.GroupID),
		Int64Bytes(g.MembershipClassID),
		Int64Bytes(int64(g.Threshold)),
		Int64Bytes(int64(g.NextShareIndex)),
	}
}

// RecordID identifies the row in logs.
func (g *CryptoGroup) RecordID() string {
	return fmt.Sprintf("group=%d", g.GroupID)
}

// GroupKeyPair is a group's key pair for one security class. The private
// key is encrypted under the group access key.
type GroupKeyPair struct {
	GroupID             int64  `json:"group_id"`
	SecurityClassID     int64  `json:"security_class_id"`
	PublicKey           []byte `json:"public_key"`
	EncryptedPrivateKey []byte `json:"encrypted_private_key"`
	MAC                 []byte `json:"mac"`
}

// MACFields lists the authenticated columns.
func (k *GroupKeyPair) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(k.GroupID),
		Int64Bytes(k.SecurityClassID),
		k.PublicKey,
		k.EncryptedPrivateKey,
	}
}

// RecordID identifies the row in logs.
func (k *GroupKeyPair) RecordID() string {
	return fmt.Sprintf("group=%d class=%d", k.GroupID, k.SecurityClassID)
}

// GroupShare is one threshold share of a group access key, sealed to a
// member's AuthKeyPair.
type GroupShare struct {
	ID             int64  `json:"id"`
	GroupID        int64  `json:"group_id"`
	UserID         int64  `json:"user_id"`
	AuthKeyPairID  int64  `json:"auth_key_pair_id"`
	KeyRef         string `json:"key_ref"`
	EncryptedShare []byte `json:"encrypted_share"`
	MAC            []byte `json:"mac"`
}

// MACFields lists the authenticated columns.
func (s *GroupShare) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(s.UserID),
		Int64Bytes(s.AuthKeyPairID),
		Int64Bytes(s.GroupID),
		[]byte(s.KeyRef),
		s.EncryptedShare,
	}
}

// RecordID identifies the row in logs.
func (s *GroupShare) RecordID() string {
	return fmt.Sprintf("group=%d user=%d share=%d", s.GroupID, s.UserID, s.ID)
}

// Int64Bytes is the fixed-width encoding used for integer MAC fields.
func Int64Bytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
