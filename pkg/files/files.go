// Package files stores document blobs encrypted at rest.
//
// Each document is written as a single <id>.enc file inside the vault's
// files directory. The plaintext never touches disk: content is sealed with
// AES-256-GCM under the vault's file master key before the file is created.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lilianmoon/advocate/pkg/crypto"
)

const (
	// FileMode restricts stored blobs to the owner.
	FileMode = 0600
	// DirMode restricts the files directory to the owner.
	DirMode = 0700

	encExt = ".enc"
)

var (
	// ErrNotFound means no stored blob exists for the given ID.
	ErrNotFound = errors.New("files: document not found")
	// ErrInvalidID means the ID is not a valid stored name.
	ErrInvalidID = errors.New("files: invalid document id")
)

// Store reads and writes encrypted document blobs under a single directory.
// It is safe for concurrent use: the key is never mutated and each operation
// touches an independent file.
type Store struct {
	dir string
	key []byte
}

// NewStore returns a store rooted at dir, sealing content with key.
// The directory is created lazily on first import.
func NewStore(dir string, key []byte) *Store {
	return &Store{dir: dir, key: key}
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// Import seals content and writes it as a new blob, returning the stored
// name (a random UUID plus the .enc extension). The write goes through a
// temp file and rename so a crash never leaves a truncated blob behind.
func (s *Store) Import(content []byte) (string, error) {
	if err := os.MkdirAll(s.dir, DirMode); err != nil {
		return "", fmt.Errorf("files: failed to create directory: %w", err)
	}

	sealed, err := crypto.SealWithNonce(s.key, content)
	if err != nil {
		return "", fmt.Errorf("files: failed to encrypt document: %w", err)
	}

	storedName := uuid.New().String() + encExt
	finalPath := filepath.Join(s.dir, storedName)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, sealed, FileMode); err != nil {
		return "", fmt.Errorf("files: failed to write document: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("files: failed to finalize document: %w", err)
	}
	return storedName, nil
}

// Export reads a stored blob and returns the decrypted content.
func (s *Store) Export(storedName string) ([]byte, error) {
	path, err := s.resolve(storedName)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("files: failed to read document: %w", err)
	}
	content, err := crypto.OpenWithNonce(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("files: failed to decrypt document %s: %w", storedName, err)
	}
	return content, nil
}

// Remove deletes a stored blob. Removing a blob that does not exist
// returns ErrNotFound.
func (s *Store) Remove(storedName string) error {
	path, err := s.resolve(storedName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("files: failed to remove document: %w", err)
	}
	return nil
}

// List returns the stored names of all blobs in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("files: failed to list documents: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), encExt) {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// resolve validates a stored name and returns its absolute path. Names must
// be a UUID with the .enc extension, which also rules out path traversal.
func (s *Store) resolve(storedName string) (string, error) {
	base, ok := strings.CutSuffix(storedName, encExt)
	if !ok {
		return "", ErrInvalidID
	}
	if _, err := uuid.Parse(base); err != nil {
		return "", ErrInvalidID
	}
	return filepath.Join(s.dir, storedName), nil
}
