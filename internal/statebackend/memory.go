package statebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBackend keeps every snapshot in process memory, keyed by a
// monotonic handle id. It never spills to a blob store; suitable for
// tests and for a single-process development deployment.
type MemoryBackend struct {
	mu      sync.Mutex
	nextID  int64
	objects map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

type memorySnapshot struct {
	backend *MemoryBackend
	key     string
	env     envelope
}

func (m *MemoryBackend) Snapshot(ctx context.Context, checkpointID uint64, operatorState, keyedState []byte) (SnapshotHandle, error) {
	m.mu.Lock()
	m.nextID++
	key := fmt.Sprintf("chk-%d-%d", checkpointID, m.nextID)
	m.mu.Unlock()
	return &memorySnapshot{backend: m, key: key, env: envelope{OperatorState: operatorState, KeyedState: keyedState}}, nil
}

func (s *memorySnapshot) Write(ctx context.Context) error {
	data, err := json.Marshal(s.env)
	if err != nil {
		return fmt.Errorf("statebackend: encoding snapshot: %w", err)
	}
	s.backend.mu.Lock()
	s.backend.objects[s.key] = data
	s.backend.mu.Unlock()
	return nil
}

func (s *memorySnapshot) Result() (Handle, error) {
	data, err := json.Marshal(s.env)
	if err != nil {
		return Handle{}, err
	}
	return Handle{BlobKey: s.key, Size: int64(len(data))}, nil
}

func (m *MemoryBackend) Restore(ctx context.Context, h Handle) (operatorState, keyedState []byte, err error) {
	m.mu.Lock()
	data, ok := m.objects[h.BlobKey]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("statebackend: unknown handle %q", h.BlobKey)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("statebackend: decoding snapshot: %w", err)
	}
	return env.OperatorState, env.KeyedState, nil
}

func (m *MemoryBackend) Close() error { return nil }
