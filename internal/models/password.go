package models

import (
	"fmt"
	"strings"
	"time"
)

// OwnerType says whether a password belongs to a user or a group.
type OwnerType string

const (
	OwnerUser  OwnerType = "user"
	OwnerGroup OwnerType = "group"
)

// Password MAC field names.
const (
	FieldOwnerID         = "owner_id"
	FieldOwnerType       = "owner_type"
	FieldSecurityClassID = "security_class_id"
	FieldDataType        = "data_type"
	FieldEncryptedData   = "encrypted_payload"
	FieldTitle           = "title"
	FieldDescription     = "description"
)

// DefaultPasswordMACFields covers ownership, classification and ciphertext.
var DefaultPasswordMACFields = []string{
	FieldOwnerID,
	FieldOwnerType,
	FieldSecurityClassID,
	FieldDataType,
	FieldEncryptedData,
}

// Password is an encrypted secret.
type Password struct {
	ID               int64     `json:"id"`
	OwnerID          int64     `json:"owner_id"`
	OwnerType        OwnerType `json:"owner_type"`
	SecurityClassID  int64     `json:"security_class_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	DataType         string    `json:"data_type"`
	EncryptedPayload []byte    `json:"encrypted_payload"`
	MACFieldNames    []string  `json:"mac_fields"`
	MAC              []byte    `json:"mac"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MACFields lists the authenticated columns named in MACFieldNames. The
// names themselves are authenticated so the list cannot be shortened.
func (p *Password) MACFields() ([][]byte, error) {
	names := p.MACFieldNames
	if len(names) == 0 {
		names = DefaultPasswordMACFields
	}
	fields := [][]byte{[]byte(strings.Join(names, ","))}
	for _, name := range names {
		switch name {
		case FieldOwnerID:
			fields = append(fields, Int64Bytes(p.OwnerID))
		case FieldOwnerType:
			fields = append(fields, []byte(p.OwnerType))
		case FieldSecurityClassID:
			fields = append(fields, Int64Bytes(p.SecurityClassID))
		case FieldDataType:
			fields = append(fields, []byte(p.DataType))
		case FieldEncryptedData:
			fields = append(fields, p.EncryptedPayload)
		case FieldTitle:
			fields = append(fields, []byte(p.Title))
		case FieldDescription:
			fields = append(fields, []byte(p.Description))
		default:
			return nil, fmt.Errorf("unknown MAC field %q", name)
		}
	}
	return fields, nil
}

// RecordID identifies the row in logs.
func (p *Password) RecordID() string {
	return fmt.Sprintf("password=%d", p.ID)
}

// PasswordUserAccess wraps a payload key for one user.
type PasswordUserAccess struct {
	PasswordID   int64  `json:"password_id"`
	UserID       int64  `json:"user_id"`
	EncryptedKey []byte `json:"encrypted_key"`
	KeyRefs      string `json:"key_refs"`
	MAC          []byte `json:"mac"`
}

// MACFields lists the authenticated columns.
func (a *PasswordUserAccess) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(a.PasswordID),
		Int64Bytes(a.UserID),
		a.EncryptedKey,
		[]byte(a.KeyRefs),
	}
}

// RecordID identifies the row in logs.
func (a *PasswordUserAccess) RecordID() string {
	return fmt.Sprintf("password=%d user=%d", a.PasswordID, a.UserID)
}

// PasswordGroupAccess wraps a payload key for one group.
type PasswordGroupAccess struct {
	PasswordID      int64  `json:"password_id"`
	GroupID         int64  `json:"group_id"`
	SecurityClassID int64  `json:"security_class_id"`
	EncryptedKey    []byte `json:"encrypted_key"`
	KeyRef          string `json:"key_ref"`
	MAC             []byte `json:"mac"`
}

// MACFields lists the authenticated columns.
func (a *PasswordGroupAccess) MACFields() [][]byte {
	return [][]byte{
		Int64Bytes(a.PasswordID),
		Int64Bytes(a.GroupID),
		Int64Bytes(a.SecurityClassID),
		a.EncryptedKey,
		[]byte(a.KeyRef),
	}
}

// RecordID identifies the row in logs.
func (a *PasswordGroupAccess) RecordID() string {
	return fmt.Sprintf("password=%d group=%d", a.PasswordID, a.GroupID)
}

// IndexEntry is one row of the password listing cache. It is derived
// from the access tables and can be rebuilt at any time.
type IndexEntry struct {
	PasswordID int64     `json:"password_id"`
	ActorType  OwnerType `json:"actor_type"`
	ActorID    int64     `json:"actor_id"`
	Title      string    `json:"title"`
	DataType   string    `json:"data_type"`
}

// PasswordLink is an anonymous, limited access path to one password.
type PasswordLink struct {
	ID           string    `json:"id"`
	PasswordID   int64     `json:"password_id"`
	CreatorID    int64     `json:"creator_id"`
	TokenHash    []byte    `json:"token_hash"`
	EncryptedKey []byte    `json:"encrypted_key"`
	AccessParams []byte    `json:"access_params,omitempty"`
	MaxCalls     int       `json:"max_calls"`
	Calls        int       `json:"calls"`
	ExpiresAt    time.Time `json:"expires_at"`
	MAC          []byte    `json:"mac"`
	CreatedAt    time.Time `json:"created_at"`
}

// MACFields lists the authenticated columns. Calls changes on every
// access and is not covered.
func (l *PasswordLink) MACFields() [][]byte {
	var expires int64
	if !l.ExpiresAt.IsZero() {
		expires = l.ExpiresAt.Unix()
	}
	return [][]byte{
		[]byte(l.ID),
		Int64Bytes(l.PasswordID),
		Int64Bytes(l.CreatorID),
		l.TokenHash,
		l.EncryptedKey,
		l.AccessParams,
		Int64Bytes(int64(l.MaxCalls)),
		Int64Bytes(expires),
	}
}

// RecordID identifies the row in logs.
func (l *PasswordLink) RecordID() string {
	return "link=" + l.ID
}

// Usable reports whether the link limits still allow a call at now.
func (l *PasswordLink) Usable(now time.Time) bool {
	if l.MaxCalls > 0 && l.Calls >= l.MaxCalls {
		return false
	}
	if !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt) {
		return false
	}
	return true
}
