package storage_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/storage"
)

func newLocalStore(t *testing.T) (*storage.LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	store, err := storage.NewLocalStore(dir, events.NewTestLogger(events.DebugLevel, "json", &buf))
	require.NoError(t, err)
	return store, dir
}

func TestPathSanitization(t *testing.T) {
	store, dir := newLocalStore(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"normal path", "keys/keypair-auth.key", false},
		{"path with dots", "keys/./factor.key", false},
		{"parent directory traversal", "../etc/passwd", true},
		{"embedded parent traversal", "keys/../../etc/passwd", true},
		{"absolute path", "/etc/passwd", false},
		{"null bytes", "key\x00.key", true},
		{"very long path", strings.Repeat("a", 300) + "/file.key", true},
		{"base directory itself", ".", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Write(tt.path, []byte("test"), 0600)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			exists, err := store.Exists(tt.path)
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}

	_, err := os.Stat(filepath.Join(dir, "etc", "passwd"))
	assert.NoError(t, err, "absolute paths land under the base directory")
}

func TestLocalStore_WriteRead(t *testing.T) {
	store, dir := newLocalStore(t)

	require.NoError(t, store.Write("keys/a.key", []byte("first"), 0600))
	require.NoError(t, store.Write("keys/a.key", []byte("second"), 0600))

	data, err := store.Read("keys/a.key")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	info, err := store.Stat("keys/a.key")
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size)
	assert.Equal(t, os.FileMode(0600), info.Mode.Perm())

	entries, err := os.ReadDir(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	_, err = store.Read("keys/missing.key")
	assert.ErrorIs(t, err, storage.ErrNotExist)

	require.NoError(t, store.Delete("keys/a.key"))
	require.NoError(t, store.Delete("keys/a.key"))
}

func TestLocalStore_RefusesSymlinks(t *testing.T) {
	store, dir := newLocalStore(t)

	target := filepath.Join(t.TempDir(), "outside")
	require.NoError(t, os.WriteFile(target, []byte("outside"), 0600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "link.key")))

	_, err := store.Read("link.key")
	assert.Error(t, err)
}

func TestLocalStore_CreateExclusive(t *testing.T) {
	store, _ := newLocalStore(t)

	require.NoError(t, store.CreateExclusive("keys/system.key", []byte("winner"), 0600))

	err := store.CreateExclusive("keys/system.key", []byte("loser"), 0600)
	assert.ErrorIs(t, err, storage.ErrExists)

	data, err := store.Read("keys/system.key")
	require.NoError(t, err)
	assert.Equal(t, []byte("winner"), data)
}

func TestLocalStore_CreateExclusiveRace(t *testing.T) {
	store, _ := newLocalStore(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("key-%02d", i)
			err := store.CreateExclusive("race.key", []byte(content), 0600)
			if err == nil {
				mu.Lock()
				winners = append(winners, content)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrExists)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	data, err := store.Read("race.key")
	require.NoError(t, err)
	assert.Equal(t, winners[0], string(data))
}

func TestMemoryStore(t *testing.T) {
	var store storage.FileStore = storage.NewMemoryStore()

	require.NoError(t, store.CreateExclusive("k", []byte("v"), 0600))
	assert.ErrorIs(t, store.CreateExclusive("k", []byte("w"), 0600), storage.ErrExists)

	data, err := store.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	require.NoError(t, store.Delete("k"))
	ok, err := store.Exists("k")
	require.NoError(t, err)
	assert.False(t, ok)
}
