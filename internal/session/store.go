// Package session holds per-session scratch data: which plugins the caller
// has authenticated with, and one-shot payloads such as a freshly created
// recovery code.
package session

import (
	"context"
	"sync"
)

// Store is a key-value space partitioned by session id.
type Store interface {
	Get(ctx context.Context, sid, key string) ([]byte, bool, error)
	Set(ctx context.Context, sid, key string, value []byte) error
	Delete(ctx context.Context, sid, key string) error
	// Pop returns the value and removes it in one step.
	Pop(ctx context.Context, sid, key string) ([]byte, bool, error)
	// Clear drops the whole session.
	Clear(ctx context.Context, sid string) error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, sid, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.sessions[sid][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, sid, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sid]
	if !ok {
		s = make(map[string][]byte)
		m.sessions[sid] = s
	}
	s[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sid, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions[sid], key)
	return nil
}

func (m *MemoryStore) Pop(_ context.Context, sid, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.sessions[sid][key]
	if !ok {
		return nil, false, nil
	}
	delete(m.sessions[sid], key)
	return v, true, nil
}

func (m *MemoryStore) Clear(_ context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sid)
	return nil
}
