// Package blobstore implements a filesystem-backed content store for
// payloads too large to inline into checkpoint metadata or RPC
// messages: large operator-state snapshots, job jars, and distributed
// cache artifacts. Keys are content hashes, so identical blobs written
// twice collapse to one file under a two-level fan-out directory
// layout, with writes landing via a temp-file-then-rename so a reader
// never observes a partial blob.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a content-addressed blob store rooted at one directory.
type Store struct {
	root string
}

// Open creates root if necessary and returns a Store rooted there.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Key is the content address of a blob: its hex-encoded SHA-256.
type Key string

// Put writes data and returns its content key. Writing the same bytes
// twice returns the same key and touches the same file.
func (s *Store) Put(data []byte) (Key, error) {
	sum := sha256.Sum256(data)
	key := Key(hex.EncodeToString(sum[:]))
	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: creating directory for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: writing %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("blobstore: finalizing %s: %w", key, err)
	}
	return key, nil
}

// Get reads back the bytes stored under key.
func (s *Store) Get(key Key) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %s: %w", key, err)
	}
	return data, nil
}

// Has reports whether key is present without reading its contents.
func (s *Store) Has(key Key) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Delete removes the blob stored under key, if present.
func (s *Store) Delete(key Key) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: deleting %s: %w", key, err)
	}
	return nil
}

func (s *Store) path(key Key) string {
	k := string(key)
	if len(k) < 4 {
		return filepath.Join(s.root, k)
	}
	// two-level fan-out so one directory never holds every blob
	return filepath.Join(s.root, k[:2], k[2:4], k)
}
