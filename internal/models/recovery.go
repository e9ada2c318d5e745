package models

import (
	"fmt"
	"time"
)

// RecoveryEntry holds one factor's credential encrypted under a key
// derived from a recovery code.
type RecoveryEntry struct {
	UserID                   int64     `json:"user_id"`
	PluginID                 int64     `json:"plugin_id"`
	EncryptedAuthInformation []byte    `json:"encrypted_auth_information"`
	Salt                     []byte    `json:"salt"`
	MAC                      []byte    `json:"mac"`
	CreatedAt                time.Time `json:"created_at"`
}

// MACFields lists the authenticated columns.
func (r *RecoveryEntry) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(r.UserID),
		Int64Bytes(r.PluginID),
		r.EncryptedAuthInformation,
		r.Salt,
	}
}

// RecordID identifies the row in logs.
func (r *RecoveryEntry) RecordID() string {
	return fmt.Sprintf("user=%d plugin=%d", r.UserID, r.PluginID)
}

// RecoveryMetadata is returned when an entry is created. It never
// contains the code.
type RecoveryMetadata struct {
	UserID    int64     `json:"user_id"`
	PluginID  int64     `json:"plugin_id"`
	CreatedAt time.Time `json:"created_at"`
}
