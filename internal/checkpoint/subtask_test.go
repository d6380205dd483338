package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/operator"
	"github.com/streamcore/engine/internal/statebackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	prepareErr  error
	snapshotErr error
	results     map[ids.OperatorId]operator.StateSnapshotResult

	mu            sync.Mutex
	prepareCalls  int
	snapshotCalls int
	completeCalls []uint64
	abortedCalls  []uint64
}

func (f *fakeChain) PrepareSnapshotPreBarrier(ctx context.Context, checkpointID uint64) error {
	f.mu.Lock()
	f.prepareCalls++
	f.mu.Unlock()
	return f.prepareErr
}

func (f *fakeChain) SnapshotState(ctx context.Context, checkpointID uint64) (map[ids.OperatorId]operator.StateSnapshotResult, error) {
	f.mu.Lock()
	f.snapshotCalls++
	f.mu.Unlock()
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.results, nil
}

func (f *fakeChain) NotifyCheckpointComplete(ctx context.Context, checkpointID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls = append(f.completeCalls, checkpointID)
	return nil
}

func (f *fakeChain) NotifyCheckpointAborted(ctx context.Context, checkpointID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortedCalls = append(f.abortedCalls, checkpointID)
	return nil
}

// failingBackend always rejects the synchronous Snapshot call, for
// exercising the async-phase decline path without a real state backend.
type failingBackend struct{ err error }

func (b failingBackend) Snapshot(ctx context.Context, checkpointID uint64, operatorState, keyedState []byte) (statebackend.SnapshotHandle, error) {
	return nil, b.err
}
func (b failingBackend) Restore(ctx context.Context, h statebackend.Handle) ([]byte, []byte, error) {
	return nil, nil, errors.New("not implemented")
}
func (b failingBackend) Close() error { return nil }

func noopBroadcast(checkpointID uint64) error { return nil }

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async checkpoint phase")
	}
}

func TestSubtaskCheckpointCoordinatorTriggerAcknowledgesOnSuccess(t *testing.T) {
	chain := &fakeChain{results: map[ids.OperatorId]operator.StateSnapshotResult{
		"op-1": {OperatorStateBytes: []byte("op-state"), KeyedStateBytes: []byte("keyed-state")},
	}}
	backend := statebackend.NewMemoryBackend()
	defer backend.Close()

	var barrierBroadcasts, cancelBroadcasts int
	acked := make(chan struct{})
	var ackReq rpc.AcknowledgeCheckpointRequest

	s := NewSubtaskCheckpointCoordinator(
		ids.ExecutionAttemptId("attempt-1"), ids.JobVertexId("vertex-1"), 0,
		chain, backend,
		func(checkpointID uint64) error { barrierBroadcasts++; return nil },
		func(checkpointID uint64) error { cancelBroadcasts++; return nil },
		nil,
		func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
			ackReq = req
			close(acked)
			return nil
		},
		func(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
			t.Fatalf("unexpected decline: %s", req.Cause)
			return nil
		},
	)

	err := s.OnTriggerCheckpoint(context.Background(), 42, rpc.CheckpointOptions{})
	require.NoError(t, err)
	waitFor(t, acked)

	assert.Equal(t, 1, chain.prepareCalls)
	assert.Equal(t, 1, chain.snapshotCalls)
	assert.Equal(t, 1, barrierBroadcasts)
	assert.Equal(t, 0, cancelBroadcasts)
	assert.Equal(t, uint64(42), ackReq.CheckpointID)
	assert.Equal(t, "attempt-1", ackReq.AttemptID)
	require.NotNil(t, ackReq.OperatorState)
	require.NotNil(t, ackReq.KeyedState)
	assert.Equal(t, ackReq.OperatorState, ackReq.KeyedState, "both fields point at the same combined handle")
}

func TestSubtaskCheckpointCoordinatorBarrierAlignedIncludesChannelState(t *testing.T) {
	chain := &fakeChain{results: map[ids.OperatorId]operator.StateSnapshotResult{}}
	backend := statebackend.NewMemoryBackend()
	defer backend.Close()

	acked := make(chan struct{})
	var ackReq rpc.AcknowledgeCheckpointRequest
	s := NewSubtaskCheckpointCoordinator(
		ids.ExecutionAttemptId("attempt-2"), ids.JobVertexId("vertex-2"), 1,
		chain, backend, noopBroadcast, noopBroadcast, nil,
		func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
			ackReq = req
			close(acked)
			return nil
		},
		func(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
			t.Fatalf("unexpected decline: %s", req.Cause)
			return nil
		},
	)

	err := s.OnBarrierAligned(context.Background(), 9, []byte("spilled-channel-data"))
	require.NoError(t, err)
	waitFor(t, acked)
	assert.Equal(t, 1, ackReq.SubtaskIndex)
	assert.Equal(t, "vertex-2", ackReq.JobVertexID)

	opState, _, err := backend.Restore(context.Background(), statebackend.Handle{BlobKey: ackReq.OperatorState.BlobKey})
	require.NoError(t, err)
	assert.Contains(t, string(opState), "spilled-channel-data")
}

// TestSubtaskCheckpointCoordinatorFoldsOutputSnapshotIntoChannelState
// covers the unaligned-checkpoint output side: whatever snapshotOutputs
// returns at the moment the barrier broadcasts must land in the same
// persisted state as the input-side spill passed into OnBarrierAligned.
func TestSubtaskCheckpointCoordinatorFoldsOutputSnapshotIntoChannelState(t *testing.T) {
	chain := &fakeChain{results: map[ids.OperatorId]operator.StateSnapshotResult{}}
	backend := statebackend.NewMemoryBackend()
	defer backend.Close()

	acked := make(chan struct{})
	var ackReq rpc.AcknowledgeCheckpointRequest
	s := NewSubtaskCheckpointCoordinator(
		ids.ExecutionAttemptId("attempt-6"), ids.JobVertexId("vertex-6"), 0,
		chain, backend, noopBroadcast, noopBroadcast,
		func() []byte { return []byte("queued-output-buffer") },
		func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
			ackReq = req
			close(acked)
			return nil
		},
		func(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
			t.Fatalf("unexpected decline: %s", req.Cause)
			return nil
		},
	)

	err := s.OnBarrierAligned(context.Background(), 10, []byte("input-channel-state"))
	require.NoError(t, err)
	waitFor(t, acked)

	opState, _, err := backend.Restore(context.Background(), statebackend.Handle{BlobKey: ackReq.OperatorState.BlobKey})
	require.NoError(t, err)
	assert.Contains(t, string(opState), "input-channel-state")
	assert.Contains(t, string(opState), "queued-output-buffer")
}

func TestSubtaskCheckpointCoordinatorDeclinesAndCancelsOnPrepareFailure(t *testing.T) {
	chain := &fakeChain{prepareErr: errors.New("boom")}
	backend := statebackend.NewMemoryBackend()
	defer backend.Close()

	var cancelBroadcasts int
	declined := make(chan struct{})
	var declineReq rpc.DeclineCheckpointRequest
	s := NewSubtaskCheckpointCoordinator(
		ids.ExecutionAttemptId("attempt-3"), ids.JobVertexId("vertex-3"), 0,
		chain, backend,
		noopBroadcast,
		func(checkpointID uint64) error { cancelBroadcasts++; return nil },
		nil,
		func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
			t.Fatal("unexpected acknowledge")
			return nil
		},
		func(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
			declineReq = req
			close(declined)
			return nil
		},
	)

	err := s.OnTriggerCheckpoint(context.Background(), 1, rpc.CheckpointOptions{})
	require.Error(t, err)
	<-declined
	assert.Equal(t, 1, cancelBroadcasts)
	assert.Equal(t, uint64(1), declineReq.CheckpointID)
	assert.Equal(t, 0, chain.snapshotCalls, "snapshot_state never runs once prepare fails")
}

func TestSubtaskCheckpointCoordinatorDeclinesWhenBackendRejectsSnapshot(t *testing.T) {
	chain := &fakeChain{results: map[ids.OperatorId]operator.StateSnapshotResult{}}
	backend := failingBackend{err: errors.New("disk full")}

	declined := make(chan struct{})
	var declineReq rpc.DeclineCheckpointRequest
	s := NewSubtaskCheckpointCoordinator(
		ids.ExecutionAttemptId("attempt-4"), ids.JobVertexId("vertex-4"), 0,
		chain, backend, noopBroadcast, noopBroadcast, nil,
		func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
			t.Fatal("unexpected acknowledge")
			return nil
		},
		func(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
			declineReq = req
			close(declined)
			return nil
		},
	)

	// The synchronous phase succeeds; only the asynchronous write phase
	// fails, so OnTriggerCheckpoint itself returns nil.
	err := s.OnTriggerCheckpoint(context.Background(), 2, rpc.CheckpointOptions{})
	require.NoError(t, err)
	waitFor(t, declined)
	assert.Equal(t, uint64(2), declineReq.CheckpointID)
	assert.Contains(t, declineReq.Cause, "disk full")
}

func TestSubtaskCheckpointCoordinatorForwardsConfirmAndAbort(t *testing.T) {
	chain := &fakeChain{}
	backend := statebackend.NewMemoryBackend()
	defer backend.Close()
	s := NewSubtaskCheckpointCoordinator(
		ids.ExecutionAttemptId("attempt-5"), ids.JobVertexId("vertex-5"), 0,
		chain, backend, noopBroadcast, noopBroadcast, nil,
		func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error { return nil },
		func(ctx context.Context, req rpc.DeclineCheckpointRequest) error { return nil },
	)

	require.NoError(t, s.OnConfirmCheckpoint(context.Background(), 11))
	require.NoError(t, s.OnAbortCheckpoint(context.Background(), 12))
	assert.Equal(t, []uint64{11}, chain.completeCalls)
	assert.Equal(t, []uint64{12}, chain.abortedCalls)
}
