package auth

import (
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/session"
)

// Actor is the caller of one request: a user, their session and the key
// pairs unlocked so far. It must not outlive the request.
type Actor struct {
	UserID  int64
	Session *session.Session
	Keyring *crypto.Keyring
}

// NewActor creates an actor with an empty keyring.
func NewActor(userID int64, sess *session.Session) *Actor {
	return &Actor{
		UserID:  userID,
		Session: sess,
		Keyring: crypto.NewKeyring(),
	}
}

// Close wipes the unlocked keys. The session flags are kept.
func (a *Actor) Close() {
	a.Keyring.Destroy()
}
