package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Session binds a Store to one session id.
type Session struct {
	id    string
	store Store
}

// New opens session id on store.
func New(store Store, id string) *Session {
	return &Session{id: id, store: store}
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func authKey(pluginID int64) string {
	return "auth:" + strconv.FormatInt(pluginID, 10)
}

// SetAuthenticated records that userID passed pluginID in this session.
func (s *Session) SetAuthenticated(ctx context.Context, pluginID, userID int64) error {
	return s.store.Set(ctx, s.id, authKey(pluginID), []byte(strconv.FormatInt(userID, 10)))
}

// IsAuthenticated reports whether userID passed pluginID in this session.
func (s *Session) IsAuthenticated(ctx context.Context, pluginID, userID int64) (bool, error) {
	v, ok, err := s.store.Get(ctx, s.id, authKey(pluginID))
	if err != nil || !ok {
		return false, err
	}
	id, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return false, fmt.Errorf("session flag %s: %w", authKey(pluginID), err)
	}
	return id == userID, nil
}

// ClearAuthenticated drops the flag for pluginID.
func (s *Session) ClearAuthenticated(ctx context.Context, pluginID int64) error {
	return s.store.Delete(ctx, s.id, authKey(pluginID))
}

// Get reads a value.
func (s *Session) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.store.Get(ctx, s.id, key)
}

// Set stores a value.
func (s *Session) Set(ctx context.Context, key string, value []byte) error {
	return s.store.Set(ctx, s.id, key, value)
}

// Delete removes a value.
func (s *Session) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.id, key)
}

// Take returns a one-shot value; a second Take finds nothing.
func (s *Session) Take(ctx context.Context, key string) ([]byte, bool, error) {
	return s.store.Pop(ctx, s.id, key)
}

// End discards everything held for the session.
func (s *Session) End(ctx context.Context) error {
	return s.store.Clear(ctx, s.id)
}
