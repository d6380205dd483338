// Package statebackend persists and restores operator and keyed state
// snapshots taken during a checkpoint. A Backend hands back a
// SnapshotHandle synchronously-fast and asynchronously-slow: the
// synchronous call only needs to capture a point-in-time view (e.g. a
// byte slice or a copy-on-write reference); Write performs the
// potentially slow I/O off the task's mailbox thread.
package statebackend

import (
	"context"
)

// SnapshotHandle is a pending write returned by Backend.Snapshot. The
// caller calls Write once, off the mailbox thread, then reads Result
// for the StateHandleRef to report in AcknowledgeCheckpoint.
type SnapshotHandle interface {
	// Write performs the (possibly slow) persistence step.
	Write(ctx context.Context) error
	// Result returns the handle bytes/key usable to restore this
	// snapshot, valid only after Write returns nil.
	Result() (Handle, error)
}

// Handle is an opaque pointer to persisted state: either small enough
// to inline or a key into a blob store.
type Handle struct {
	Inline  []byte
	BlobKey string
	Size    int64
}

// Backend is the storage strategy for operator/keyed state snapshots.
type Backend interface {
	// Snapshot captures operatorState and keyedState for one operator at
	// checkpointID synchronously, returning a SnapshotHandle whose Write
	// performs the actual persistence.
	Snapshot(ctx context.Context, checkpointID uint64, operatorState, keyedState []byte) (SnapshotHandle, error)

	// Restore reads back the bytes a Handle refers to.
	Restore(ctx context.Context, h Handle) (operatorState, keyedState []byte, err error)

	// Close releases any resources held by the backend.
	Close() error
}

// inlineThreshold is the size below which state is carried inline in
// the checkpoint metadata instead of being written to a blob store.
const inlineThreshold = 4096

// envelope is the wire shape written under one Handle: operator and
// keyed state travel together so a single Handle restores both.
type envelope struct {
	OperatorState []byte `json:"operator_state,omitempty"`
	KeyedState    []byte `json:"keyed_state,omitempty"`
}

