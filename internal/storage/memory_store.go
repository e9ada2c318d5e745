package storage

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// MemoryStore is an in-memory FileStore for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]memoryFile
}

type memoryFile struct {
	data    []byte
	mode    os.FileMode
	modTime time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]memoryFile)}
}

func (m *MemoryStore) Read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return append([]byte(nil), f.data...), nil
}

func (m *MemoryStore) Write(path string, data []byte, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[path] = memoryFile{data: append([]byte(nil), data...), mode: mode, modTime: time.Now()}
	return nil
}

func (m *MemoryStore) CreateExclusive(path string, data []byte, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[path]; ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	m.files[path] = memoryFile{data: append([]byte(nil), data...), mode: mode, modTime: time.Now()}
	return nil
}

func (m *MemoryStore) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *MemoryStore) Exists(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *MemoryStore) Stat(path string) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[path]
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return FileInfo{Path: path, Size: int64(len(f.data)), Mode: f.mode, ModTime: f.modTime}, nil
}
