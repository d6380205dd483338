package statebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/streamcore/engine/internal/blobstore"
)

var bucketSnapshots = []byte("snapshots")

// BoltBackend persists small snapshots inline in a bbolt database
// keyed by checkpoint id and a sequence number drawn from the snapshots
// bucket, and spills
// anything over inlineThreshold to a blobstore.Store rooted alongside
// the database. The database is opened once and kept open for the
// process lifetime; a single bucket holds every snapshot record,
// JSON-marshaled and keyed by its snapshot key.
type BoltBackend struct {
	db    *bolt.DB
	blobs *blobstore.Store
}

// NewBoltBackend opens (creating if absent) a bbolt database at
// dataDir/state.db and a blob store at dataDir/blobs.
func NewBoltBackend(dataDir string) (*BoltBackend, error) {
	dbPath := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("statebackend: opening %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("statebackend: creating bucket: %w", err)
	}
	blobs, err := blobstore.Open(filepath.Join(dataDir, "blobs"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db, blobs: blobs}, nil
}

type boltSnapshot struct {
	backend *BoltBackend
	key     string
	env     envelope
	data    []byte
}

func (b *BoltBackend) Snapshot(ctx context.Context, checkpointID uint64, operatorState, keyedState []byte) (SnapshotHandle, error) {
	env := envelope{OperatorState: operatorState, KeyedState: keyedState}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("statebackend: encoding snapshot: %w", err)
	}
	var seq uint64
	if err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		seq, err = tx.Bucket(bucketSnapshots).NextSequence()
		return err
	}); err != nil {
		return nil, fmt.Errorf("statebackend: allocating snapshot key: %w", err)
	}
	key := fmt.Sprintf("chk-%020d-%d", checkpointID, seq)
	return &boltSnapshot{backend: b, key: key, env: env, data: data}, nil
}

func (s *boltSnapshot) Write(ctx context.Context) error {
	if len(s.data) <= inlineThreshold {
		return s.backend.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketSnapshots).Put([]byte(s.key), s.data)
		})
	}
	blobKey, err := s.backend.blobs.Put(s.data)
	if err != nil {
		return err
	}
	pointer, _ := json.Marshal(struct {
		BlobKey string `json:"blob_key"`
	}{BlobKey: string(blobKey)})
	return s.backend.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(s.key), pointer)
	})
}

func (s *boltSnapshot) Result() (Handle, error) {
	if len(s.data) <= inlineThreshold {
		return Handle{Inline: []byte(s.key), Size: int64(len(s.data))}, nil
	}
	return Handle{BlobKey: s.key, Size: int64(len(s.data))}, nil
}

func (b *BoltBackend) Restore(ctx context.Context, h Handle) (operatorState, keyedState []byte, err error) {
	key := string(h.Inline)
	if key == "" {
		key = h.BlobKey
	}
	var raw []byte
	if err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("statebackend: no snapshot stored under %q", key)
		}
		raw = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && (env.OperatorState != nil || env.KeyedState != nil) {
		return env.OperatorState, env.KeyedState, nil
	}

	var pointer struct {
		BlobKey string `json:"blob_key"`
	}
	if err := json.Unmarshal(raw, &pointer); err != nil || pointer.BlobKey == "" {
		return nil, nil, fmt.Errorf("statebackend: malformed snapshot record under %q", key)
	}
	blob, err := b.blobs.Get(blobstore.Key(pointer.BlobKey))
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, nil, fmt.Errorf("statebackend: decoding spilled snapshot: %w", err)
	}
	return env.OperatorState, env.KeyedState, nil
}

func (b *BoltBackend) Close() error { return b.db.Close() }
