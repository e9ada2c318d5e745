// Package auth implements authentication plugins and security classes.
//
// A plugin protects one AuthKeyPair per user. The private key is encrypted
// under a key derived from the secret the plugin's Factor produces, so
// presenting the right credential is the same thing as being able to
// decrypt the key pair.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/totp"
)

// Plugin kinds shipped with tresor.
const (
	KindPassword = "password"
	KindKeyfile  = "keyfile"
	KindTOTP     = "totp"
)

// Factor turns presented authentication information into the secret a
// key is derived from.
type Factor interface {
	Kind() string

	// Enroll validates new information. It returns the derivation secret
	// and an optional credential the server must keep (nil if none).
	Enroll(ctx context.Context, info *crypto.Hidden) (secret, credential *crypto.Hidden, err error)

	// Secret checks info against the stored credential and returns the
	// derivation secret. Wrong information fails with ErrInvalidCredential
	// or yields a secret that does not decrypt the key pair.
	Secret(ctx context.Context, info, credential *crypto.Hidden) (*crypto.Hidden, error)
}

// PasswordFactor uses a passphrase, normalised to NFKC so the same text
// typed on different systems derives the same key.
type PasswordFactor struct {
	MinLength int
}

func (f *PasswordFactor) Kind() string { return KindPassword }

func (f *PasswordFactor) Enroll(_ context.Context, info *crypto.Hidden) (*crypto.Hidden, *crypto.Hidden, error) {
	secret := normalize(info)
	if n := utf8.RuneCount(secret.Bytes()); n < f.MinLength {
		secret.Destroy()
		return nil, nil, &models.PolicyError{
			Reason: fmt.Sprintf("password must be at least %d characters", f.MinLength),
		}
	}
	return secret, nil, nil
}

// Secret does not apply the length policy, so passwords set under an
// older policy keep working.
func (f *PasswordFactor) Secret(_ context.Context, info, _ *crypto.Hidden) (*crypto.Hidden, error) {
	return normalize(info), nil
}

func normalize(info *crypto.Hidden) *crypto.Hidden {
	return crypto.NewHidden(norm.NFKC.Bytes(info.Bytes()))
}

// KeyfileFactor uses the raw contents of a key file.
type KeyfileFactor struct {
	MinBytes int
}

func (f *KeyfileFactor) Kind() string { return KindKeyfile }

func (f *KeyfileFactor) Enroll(_ context.Context, info *crypto.Hidden) (*crypto.Hidden, *crypto.Hidden, error) {
	if info.Len() < f.MinBytes {
		return nil, nil, &models.PolicyError{
			Reason: fmt.Sprintf("key file must be at least %d bytes", f.MinBytes),
		}
	}
	return info.Clone(), nil, nil
}

func (f *KeyfileFactor) Secret(_ context.Context, info, _ *crypto.Hidden) (*crypto.Hidden, error) {
	return info.Clone(), nil
}

// TOTPFactor uses a time-based one-time password seed. The seed is the
// derivation secret and is also kept, encrypted, as the credential, so
// the key can be derived whenever a valid code is presented. Presenting
// the seed itself is accepted too; that is how a recovered seed is used.
//
// The seed credential is sealed under the server's factor key, so whoever
// holds that key and the database can derive the key pair without a code.
// A code is consumed on use: replaying it, or an older code, fails until
// the process restarts.
type TOTPFactor struct {
	TOTP *totp.Service
	Now  func() time.Time
}

func (f *TOTPFactor) Kind() string { return KindTOTP }

func (f *TOTPFactor) Enroll(_ context.Context, info *crypto.Hidden) (*crypto.Hidden, *crypto.Hidden, error) {
	seed := strings.ToUpper(strings.TrimSpace(info.Expose()))
	if err := f.TOTP.IsValidSecret(seed); err != nil {
		return nil, nil, &models.PolicyError{Reason: "invalid TOTP seed", Err: err}
	}
	return crypto.HiddenString(seed), crypto.HiddenString(seed), nil
}

func (f *TOTPFactor) Secret(_ context.Context, info, credential *crypto.Hidden) (*crypto.Hidden, error) {
	if credential == nil || credential.Len() == 0 {
		return nil, models.ErrInvalidCredential
	}
	seed := credential.Expose()
	presented := strings.ToUpper(strings.TrimSpace(info.Expose()))

	if subtle.ConstantTimeCompare([]byte(presented), []byte(seed)) == 1 {
		return credential.Clone(), nil
	}
	if f.TOTP.UseAt(seed, presented, f.now()) {
		return credential.Clone(), nil
	}
	return nil, models.ErrInvalidCredential
}

func (f *TOTPFactor) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
