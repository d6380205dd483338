package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/operator"
	"github.com/streamcore/engine/internal/statebackend"
)

// ChainSnapshotter is the subset of operator.OperatorChain a
// SubtaskCheckpointCoordinator drives.
type ChainSnapshotter interface {
	PrepareSnapshotPreBarrier(ctx context.Context, checkpointID uint64) error
	SnapshotState(ctx context.Context, checkpointID uint64) (map[ids.OperatorId]operator.StateSnapshotResult, error)
	NotifyCheckpointComplete(ctx context.Context, checkpointID uint64) error
	NotifyCheckpointAborted(ctx context.Context, checkpointID uint64) error
}

// BroadcastFunc sends a marker to every outgoing subpartition of the
// task's produced result partitions.
type BroadcastFunc func(checkpointID uint64) error

// OutputSnapshotFunc returns the bytes currently queued but not yet
// delivered across every produced partition's subpartitions, captured
// at the moment the barrier is about to be broadcast. Only meaningful
// for unaligned checkpoints; a nil func means the task has no output
// side to snapshot (e.g. a sink).
type OutputSnapshotFunc func() []byte

// AckFunc reports a successful local snapshot to the job master.
type AckFunc func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error

// DeclineFunc reports a failed local snapshot to the job master.
type DeclineFunc func(ctx context.Context, req rpc.DeclineCheckpointRequest) error

// SubtaskCheckpointCoordinator runs one task's local half of the
// checkpoint protocol: it implements task.CheckpointSink, driven either
// by an incoming trigger_checkpoint RPC (trigger vertices) or by a
// BarrierHandler's alignment callback (every other vertex).
type SubtaskCheckpointCoordinator struct {
	attemptID    ids.ExecutionAttemptId
	jobVertexID  ids.JobVertexId
	subtaskIndex int

	chain   ChainSnapshotter
	backend statebackend.Backend

	broadcastBarrier BroadcastFunc
	broadcastCancel  BroadcastFunc
	snapshotOutputs  OutputSnapshotFunc
	ack              AckFunc
	decline          DeclineFunc
}

func NewSubtaskCheckpointCoordinator(
	attemptID ids.ExecutionAttemptId,
	jobVertexID ids.JobVertexId,
	subtaskIndex int,
	chain ChainSnapshotter,
	backend statebackend.Backend,
	broadcastBarrier, broadcastCancel BroadcastFunc,
	snapshotOutputs OutputSnapshotFunc,
	ack AckFunc,
	decline DeclineFunc,
) *SubtaskCheckpointCoordinator {
	return &SubtaskCheckpointCoordinator{
		attemptID: attemptID, jobVertexID: jobVertexID, subtaskIndex: subtaskIndex,
		chain: chain, backend: backend,
		broadcastBarrier: broadcastBarrier, broadcastCancel: broadcastCancel,
		snapshotOutputs: snapshotOutputs,
		ack:             ack, decline: decline,
	}
}

// OnTriggerCheckpoint is the trigger-vertex entry point: called when a
// trigger_checkpoint RPC arrives for this (source) subtask, which has
// no upstream barrier to align on.
func (s *SubtaskCheckpointCoordinator) OnTriggerCheckpoint(ctx context.Context, checkpointID uint64, opts rpc.CheckpointOptions) error {
	return s.runLocalSnapshot(ctx, checkpointID, nil)
}

// OnBarrierAligned is the non-trigger-vertex entry point: called by a
// BarrierHandler once checkpointID's barrier has aligned (or, in
// unaligned/at-least-once mode, on first arrival).
func (s *SubtaskCheckpointCoordinator) OnBarrierAligned(ctx context.Context, checkpointID uint64, channelState []byte) error {
	return s.runLocalSnapshot(ctx, checkpointID, channelState)
}

// OnConfirmCheckpoint and OnAbortCheckpoint forward notify_checkpoint_complete/
// notify_checkpoint_aborted to every operator in the chain.
func (s *SubtaskCheckpointCoordinator) OnConfirmCheckpoint(ctx context.Context, checkpointID uint64) error {
	return s.chain.NotifyCheckpointComplete(ctx, checkpointID)
}

func (s *SubtaskCheckpointCoordinator) OnAbortCheckpoint(ctx context.Context, checkpointID uint64) error {
	return s.chain.NotifyCheckpointAborted(ctx, checkpointID)
}

// runLocalSnapshot executes the synchronous phase of the local
// checkpoint sequence (prepare, broadcast, snapshot capture) inline,
// then hands the slow persistence phase to a goroutine so the mailbox
// thread is free to keep processing records.
func (s *SubtaskCheckpointCoordinator) runLocalSnapshot(ctx context.Context, checkpointID uint64, channelState []byte) error {
	start := time.Now()
	logger := log.WithCheckpointID(checkpointID)

	if err := s.chain.PrepareSnapshotPreBarrier(ctx, checkpointID); err != nil {
		return s.failSync(ctx, checkpointID, fmt.Errorf("prepare_snapshot_pre_barrier: %w", err))
	}
	// Capture whatever is already queued on the outputs before the
	// barrier is inserted behind it: those buffers are "ahead of the
	// barrier" from the downstream consumer's perspective and must be
	// part of this checkpoint's state, not silently skipped.
	if s.snapshotOutputs != nil {
		channelState = append(channelState, s.snapshotOutputs()...)
	}
	if err := s.broadcastBarrier(checkpointID); err != nil {
		return s.failSync(ctx, checkpointID, fmt.Errorf("broadcasting barrier: %w", err))
	}
	results, err := s.chain.SnapshotState(ctx, checkpointID)
	if err != nil {
		return s.failSync(ctx, checkpointID, fmt.Errorf("snapshot_state: %w", err))
	}

	logger.Debug().Str("attempt_id", string(s.attemptID)).Msg("synchronous checkpoint phase complete")
	go s.finishAsync(ctx, checkpointID, start, results, channelState)
	return nil
}

func (s *SubtaskCheckpointCoordinator) failSync(ctx context.Context, checkpointID uint64, cause error) error {
	if s.broadcastCancel != nil {
		_ = s.broadcastCancel(checkpointID)
	}
	_ = s.decline(ctx, rpc.DeclineCheckpointRequest{
		AttemptID: string(s.attemptID), CheckpointID: checkpointID, Cause: cause.Error(),
	})
	return cause
}

func (s *SubtaskCheckpointCoordinator) finishAsync(ctx context.Context, checkpointID uint64, start time.Time, results map[ids.OperatorId]operator.StateSnapshotResult, channelState []byte) {
	logger := log.WithCheckpointID(checkpointID)

	var opState, keyedState []byte
	for _, r := range results {
		opState = append(opState, r.OperatorStateBytes...)
		keyedState = append(keyedState, r.KeyedStateBytes...)
	}
	opState = append(opState, channelState...)

	snap, err := s.backend.Snapshot(ctx, checkpointID, opState, keyedState)
	if err != nil {
		logger.Error().Err(err).Msg("state backend rejected snapshot")
		_ = s.decline(ctx, rpc.DeclineCheckpointRequest{AttemptID: string(s.attemptID), CheckpointID: checkpointID, Cause: err.Error()})
		return
	}
	if err := snap.Write(ctx); err != nil {
		logger.Error().Err(err).Msg("asynchronous snapshot write failed")
		_ = s.decline(ctx, rpc.DeclineCheckpointRequest{AttemptID: string(s.attemptID), CheckpointID: checkpointID, Cause: err.Error()})
		return
	}
	handle, err := snap.Result()
	if err != nil {
		logger.Error().Err(err).Msg("snapshot result unavailable after successful write")
		_ = s.decline(ctx, rpc.DeclineCheckpointRequest{AttemptID: string(s.attemptID), CheckpointID: checkpointID, Cause: err.Error()})
		return
	}

	ref := &rpc.StateHandleRef{Inline: handle.Inline, BlobKey: handle.BlobKey, SizeBytes: handle.Size}
	ackErr := s.ack(ctx, rpc.AcknowledgeCheckpointRequest{
		AttemptID:      string(s.attemptID),
		JobVertexID:    string(s.jobVertexID),
		SubtaskIndex:   s.subtaskIndex,
		CheckpointID:   checkpointID,
		DurationMillis: time.Since(start).Milliseconds(),
		OperatorState:  ref,
		KeyedState:     ref,
	})
	if ackErr != nil {
		logger.Warn().Err(ackErr).Msg("acknowledge_checkpoint delivery failed")
		return
	}
	logger.Info().Str("attempt_id", string(s.attemptID)).Dur("duration", time.Since(start)).Msg("local checkpoint acknowledged")
}
