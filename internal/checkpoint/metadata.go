package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/streamcore/engine/internal/ids"
)

// MetadataStore persists and retrieves CheckpointMetadata. FileMetadataStore
// is the only implementation; it is an interface so tests can substitute an
// in-memory fake.
type MetadataStore interface {
	// Persist writes meta under targetDir if non-empty, otherwise under
	// this store's own root/{job-id}/chk-{cid} layout, and returns the
	// directory the metadata landed in.
	Persist(meta CheckpointMetadata, targetDir string) (string, error)
	Load(dir string) (CheckpointMetadata, error)
	Discard(dir string) error
}

// FileMetadataStore lays checkpoint metadata out on a filesystem (or
// anything mounted to look like one — the same layout a savepoint uses
// under a user-chosen path).
type FileMetadataStore struct {
	root string
}

func NewFileMetadataStore(root string) *FileMetadataStore {
	return &FileMetadataStore{root: root}
}

func (s *FileMetadataStore) defaultDir(jobID ids.JobId, checkpointID ids.CheckpointId) string {
	return filepath.Join(s.root, string(jobID), fmt.Sprintf("chk-%d", checkpointID))
}

func (s *FileMetadataStore) Persist(meta CheckpointMetadata, targetDir string) (string, error) {
	meta.Version = metadataVersion
	dir := targetDir
	if dir == "" {
		dir = s.defaultDir(meta.JobID, meta.CheckpointID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint: encoding metadata: %w", err)
	}
	path := filepath.Join(dir, "_metadata")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("checkpoint: finalizing %s: %w", path, err)
	}
	return dir, nil
}

func (s *FileMetadataStore) Load(dir string) (CheckpointMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "_metadata"))
	if err != nil {
		return CheckpointMetadata{}, fmt.Errorf("checkpoint: reading %s: %w", dir, err)
	}
	var meta CheckpointMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return CheckpointMetadata{}, fmt.Errorf("checkpoint: decoding %s: %w", dir, err)
	}
	if meta.Version != metadataVersion {
		return CheckpointMetadata{}, fmt.Errorf("checkpoint: %s has metadata version %d, want %d", dir, meta.Version, metadataVersion)
	}
	return meta, nil
}

func (s *FileMetadataStore) Discard(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("checkpoint: discarding %s: %w", dir, err)
	}
	return nil
}
