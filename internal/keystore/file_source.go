package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/storage"
)

// FileSource keeps each system key base64-encoded in its own file and
// creates missing keys on first use.
type FileSource struct {
	files  storage.FileStore
	random crypto.CSPRNG
	logger *events.Logger
}

// NewFileSource creates a file-backed source.
func NewFileSource(files storage.FileStore, random crypto.CSPRNG, logger *events.Logger) *FileSource {
	return &FileSource{
		files:  files,
		random: random,
		logger: logger.WithField("component", "keystore"),
	}
}

// Load reads a key file, creating it if absent. When two processes race
// to create the same key, the loser reads the winner's key.
func (s *FileSource) Load(ctx context.Context, name Name) ([]byte, error) {
	path := string(name) + ".key"

	key, err := s.read(path)
	if err == nil || !errors.Is(err, storage.ErrNotExist) {
		return key, err
	}

	fresh, err := s.random.Bytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(fresh))
	memguard.WipeBytes(fresh)

	err = s.files.CreateExclusive(path, encoded, 0600)
	memguard.WipeBytes(encoded)

	switch {
	case err == nil:
		s.logger.WithField("key", string(name)).Info("Created system key")
	case errors.Is(err, storage.ErrExists):
		s.logger.WithField("key", string(name)).Debug("System key created concurrently")
	default:
		return nil, fmt.Errorf("create key file: %w", err)
	}
	return s.read(path)
}

func (s *FileSource) read(path string) ([]byte, error) {
	data, err := s.files.Read(path)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(data)

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	return key, nil
}
