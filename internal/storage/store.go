package storage

import (
	"errors"
	"os"
	"time"
)

// Errors
var (
	ErrExists   = errors.New("file already exists")
	ErrNotExist = errors.New("file does not exist")
)

// FileStore holds small secret files such as system keys.
type FileStore interface {
	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// Write replaces a file atomically.
	Write(path string, data []byte, mode os.FileMode) error

	// CreateExclusive publishes a complete file only if path is free.
	// Exactly one of several concurrent callers succeeds; the others get
	// ErrExists and can read the winner's content.
	CreateExclusive(path string, data []byte, mode os.FileMode) error

	// Delete removes a file. A missing file is not an error.
	Delete(path string) error

	// Exists checks if a file exists.
	Exists(path string) (bool, error)

	// Stat returns file information.
	Stat(path string) (FileInfo, error)
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}
