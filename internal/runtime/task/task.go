// Package task wires one deployed TaskDeploymentDescriptor into a
// running mailbox loop: it builds the OperatorChain from the
// descriptor's chained-operator symbols, attaches its InputGate and
// ResultPartitions, and drives the MailboxProcessor's default action.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/streamcore/engine/internal/checkpoint"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/mailbox"
	"github.com/streamcore/engine/internal/runtime/operator"
	"github.com/streamcore/engine/internal/runtime/shuffle"
	"github.com/streamcore/engine/internal/userclass"
)

// serializedChain is the JSON shape TaskDeploymentDescriptor.OperatorChain
// decodes into: one entry per chained operator, head first.
type serializedChain []serializedOperator

type serializedOperator struct {
	OperatorID ids.OperatorId `json:"operator_id"`
	Class      string         `json:"class"`
	Config     []byte         `json:"config"`
}

// StateProvider resolves a restore handle into the bytes InitializeState expects; nil means "start from
// empty state."
type StateProvider interface {
	Load(ctx context.Context, handle []byte) (map[ids.OperatorId][]byte, error)
}

// CheckpointSink receives the Task's local checkpoint callbacks;
// internal/checkpoint's SubtaskCheckpointCoordinator implements it.
type CheckpointSink interface {
	OnTriggerCheckpoint(ctx context.Context, checkpointID uint64, opts rpc.CheckpointOptions) error
	OnBarrierAligned(ctx context.Context, checkpointID uint64, channelState []byte) error
	OnConfirmCheckpoint(ctx context.Context, checkpointID uint64) error
	OnAbortCheckpoint(ctx context.Context, checkpointID uint64) error
}

// Task is one running ExecutionAttempt on a TaskExecutor.
type Task struct {
	mu sync.Mutex

	AttemptID   ids.ExecutionAttemptId
	JobVertexID ids.JobVertexId

	chain          *operator.OperatorChain
	mailbox        *mailbox.Mailbox
	processor      *mailbox.MailboxProcessor
	inputGate      *shuffle.UnionInputGate
	partitions     []*outputPartition
	barriers       *checkpoint.BarrierHandler
	checkpointMode checkpoint.Mode

	checkpoints CheckpointSink
	cancel      context.CancelFunc
}

// outputPartition pairs a produced ResultPartition with the
// PartitionerKind its JobEdge was compiled with, plus the round-robin
// cursor rebalance routing advances independently per partition.
type outputPartition struct {
	rp        *shuffle.ResultPartition
	kind      string
	rrCounter uint64
}

// Build assembles a Task from a deployment descriptor: resolves each
// chained operator's class through registry, wires a ResultPartition
// per produced partition and an InputChannel per input gate entry
// (using pool for buffer allocation on both sides), and restores state
// via states if the descriptor carries a restore handle.
func Build(ctx context.Context, tdd rpc.TaskDeploymentDescriptor, registry *userclass.Registry, pool *shuffle.NetworkBufferPool, states StateProvider, localPartitions func(ids.ResultPartitionId) (*shuffle.ResultPartition, bool)) (*Task, error) {
	var chain serializedChain
	if err := json.Unmarshal(tdd.OperatorChain, &chain); err != nil {
		return nil, fmt.Errorf("task: decoding operator chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("task: empty operator chain for attempt %s", tdd.AttemptID)
	}

	var operatorIDs []ids.OperatorId
	var ops []operator.Operator
	for _, so := range chain {
		op, err := registry.New(so.Class, so.Config)
		if err != nil {
			return nil, fmt.Errorf("task: instantiating %s: %w", so.OperatorID, err)
		}
		operatorIDs = append(operatorIDs, so.OperatorID)
		ops = append(ops, op)
	}

	t := &Task{
		AttemptID:   ids.ExecutionAttemptId(tdd.AttemptID),
		JobVertexID: ids.JobVertexId(tdd.JobVertexID),
		mailbox:     mailbox.New(),
	}

	for _, pd := range tdd.ProducedPartitions {
		bufferKind := shuffle.PartitionPipelinedBounded
		if pd.PartitionType == "blocking" {
			bufferKind = shuffle.PartitionBlocking
		}
		rp := shuffle.NewResultPartition(ids.ResultPartitionId(pd.PartitionID), pd.NumSubpartitions, bufferKind, pool)
		t.partitions = append(t.partitions, &outputPartition{rp: rp, kind: pd.PartitionerKind})
	}

	var gates []*shuffle.InputGate
	for _, gd := range tdd.InputGates {
		var channels []*shuffle.InputChannel
		for _, cd := range gd.Channels {
			if cd.Local {
				if rp, ok := localPartitions(ids.ResultPartitionId(cd.ProducerPartitionID)); ok {
					sp, err := rp.Subpartition(cd.ProducerSubpartition)
					if err != nil {
						return nil, err
					}
					channels = append(channels, shuffle.NewLocalInputChannel(sp))
					continue
				}
			}
			channels = append(channels, shuffle.NewRemoteInputChannel())
		}
		gates = append(gates, shuffle.NewInputGate(channels))
	}
	t.inputGate = shuffle.NewUnionInputGate(gates)
	t.checkpointMode = barrierMode(tdd.Checkpointing)
	t.barriers = checkpoint.NewBarrierHandler(t.inputGate, t.checkpointMode, t.onBarrierAligned)

	emit := t.emitToPartitions
	emitWatermark := func(wm operator.Watermark) {}
	opChain, err := operator.NewOperatorChain(operatorIDs, ops, emit, emitWatermark)
	if err != nil {
		return nil, err
	}
	t.chain = opChain

	restoreHandles := map[ids.OperatorId][]byte{}
	if len(tdd.RestoreHandle) > 0 && states != nil {
		restoreHandles, err = states.Load(ctx, tdd.RestoreHandle)
		if err != nil {
			return nil, fmt.Errorf("task: restoring state: %w", err)
		}
	}
	if err := t.chain.InitializeState(ctx, restoreHandles); err != nil {
		return nil, err
	}

	t.processor = mailbox.NewProcessor(t.mailbox, t.defaultAction)
	return t, nil
}

// barrierMode picks a BarrierHandler's alignment strategy from the job's
// checkpointing settings: no checkpointing configured falls back to
// at-least-once (barriers never occur, so the mode is moot but still
// well-defined).
func barrierMode(settings rpc.JobCheckpointingSettings) checkpoint.Mode {
	if settings.Interval <= 0 || !settings.ExactlyOnce {
		return checkpoint.ModeAtLeastOnce
	}
	if settings.UnalignedEnabled {
		return checkpoint.ModeUnaligned
	}
	return checkpoint.ModeAligned
}

// emitToPartitions routes rec to every partition this task produces,
// according to the PartitionerKind its JobEdge was compiled with:
// forward/rescale are pointwise (a single subpartition per producing
// subtask, so index 0 is always correct), hash picks a subpartition
// deterministically from the record's bytes so every key lands on
// exactly one downstream subtask, rebalance/custom cycle round-robin,
// and broadcast fans the record out to every subpartition.
func (t *Task) emitToPartitions(rec operator.StreamRecord) {
	encoded := checkpoint.EncodeRecord(rec.Value)
	for _, p := range t.partitions {
		switch p.kind {
		case "broadcast":
			_ = p.rp.Broadcast(encoded)
		case "hash":
			idx := hashSubpartition(rec.Value, p.rp.NumSubpartitions())
			_ = p.rp.EmitRecord(idx, encoded)
		case "rebalance", "custom":
			idx := int(atomic.AddUint64(&p.rrCounter, 1)-1) % p.rp.NumSubpartitions()
			_ = p.rp.EmitRecord(idx, encoded)
		default: // "forward", "rescale", and the unset/legacy zero value
			_ = p.rp.EmitRecord(0, encoded)
		}
	}
}

// hashSubpartition deterministically maps a record's bytes onto one of
// numSubpartitions targets, so the same key always lands on the same
// downstream subtask both before and after a restore.
func hashSubpartition(value []byte, numSubpartitions int) int {
	if numSubpartitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(value)
	return int(h.Sum32() % uint32(numSubpartitions))
}

// SnapshotOutputBuffers returns the bytes currently queued but not yet
// delivered across every produced partition, for an unaligned
// checkpoint's output-side channel state; it is the OutputSnapshotFunc
// a SubtaskCheckpointCoordinator is constructed with. Aligned and
// at-least-once checkpoints never race ahead of their own output
// queues, so there is nothing to capture outside ModeUnaligned.
func (t *Task) SnapshotOutputBuffers() []byte {
	if t.checkpointMode != checkpoint.ModeUnaligned {
		return nil
	}
	var out []byte
	for _, p := range t.partitions {
		for _, buf := range p.rp.SnapshotQueued() {
			out = append(out, buf...)
		}
	}
	return out
}

// BroadcastBarrier injects checkpointID's barrier into every
// subpartition of every partition this task produces; it is the
// broadcastBarrier callback a SubtaskCheckpointCoordinator is
// constructed with.
func (t *Task) BroadcastBarrier(checkpointID uint64) error {
	for _, p := range t.partitions {
		if err := p.rp.Broadcast(checkpoint.EncodeBarrier(checkpointID)); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastCancel injects a CancelCheckpointMarker for checkpointID,
// sent when this task's own synchronous snapshot phase fails.
func (t *Task) BroadcastCancel(checkpointID uint64) error {
	for _, p := range t.partitions {
		if err := p.rp.Broadcast(checkpoint.EncodeCancel(checkpointID)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) onBarrierAligned(ctx context.Context, checkpointID uint64, channelState []byte) {
	t.mu.Lock()
	sink := t.checkpoints
	t.mu.Unlock()
	if sink == nil {
		log.WithComponent("task").Warn().Str("attempt_id", string(t.AttemptID)).Uint64("checkpoint_id", checkpointID).Msg("barrier aligned with no checkpoint sink wired")
		return
	}
	if err := sink.OnBarrierAligned(ctx, checkpointID, channelState); err != nil {
		log.WithComponent("task").Error().Err(err).Str("attempt_id", string(t.AttemptID)).Msg("OnBarrierAligned failed")
	}
}

func (t *Task) defaultAction(ctx context.Context, suspend func()) error {
	_, payload, ok := t.barriers.PollNext(ctx)
	if !ok {
		suspend()
		go func() {
			_ = t.inputGate.WaitForAvailability(ctx)
			t.processor.Controller().Resume()
		}()
		return nil
	}

	rec := operator.StreamRecord{Value: payload}
	if err := t.chain.ProcessElement(ctx, rec); err != nil {
		return fmt.Errorf("task %s: ProcessElement: %w", t.AttemptID, err)
	}
	return nil
}

// Chain exposes the operator chain so a SubtaskCheckpointCoordinator can
// drive its snapshot/notify methods directly.
func (t *Task) Chain() *operator.OperatorChain { return t.chain }

// Partitions returns the ResultPartitions this task produces, so a
// TaskExecutor can register them for other local tasks' input gates to
// find by id.
func (t *Task) Partitions() []*shuffle.ResultPartition {
	rps := make([]*shuffle.ResultPartition, len(t.partitions))
	for i, p := range t.partitions {
		rps[i] = p.rp
	}
	return rps
}

// SetCheckpointSink wires the local checkpoint coordinator; the
// TaskExecutor's TriggerCheckpoint/Confirm/AbortCheckpoint RPC handlers
// forward to it.
func (t *Task) SetCheckpointSink(sink CheckpointSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoints = sink
}

// TriggerCheckpoint posts a control letter so the local checkpoint
// sequence (prepare_snapshot_pre_barrier, broadcast barrier,
// snapshot_state, all owned by the wired CheckpointSink) runs on the
// task's own mailbox thread rather than the RPC goroutine, preserving
// the single-writer invariant for operator state. Only a trigger-vertex
// (source) task is ever called this way; every other vertex's local
// snapshot starts from its BarrierHandler noticing an inbound barrier
// instead.
func (t *Task) TriggerCheckpoint(ctx context.Context, checkpointID uint64, opts rpc.CheckpointOptions) error {
	return t.postCheckpointLetter(func(sink CheckpointSink) error {
		return sink.OnTriggerCheckpoint(ctx, checkpointID, opts)
	})
}

// ConfirmCheckpoint and AbortCheckpoint post a control letter the same
// way TriggerCheckpoint does: notify_checkpoint_complete/aborted touch
// operator state through the same chain TriggerCheckpoint's snapshot
// phase does, so they run on the task's own mailbox thread rather than
// the RPC goroutine that received the JobMaster's confirm/abort call.
func (t *Task) ConfirmCheckpoint(ctx context.Context, checkpointID uint64) error {
	return t.postCheckpointLetter(func(sink CheckpointSink) error {
		return sink.OnConfirmCheckpoint(ctx, checkpointID)
	})
}

func (t *Task) AbortCheckpoint(ctx context.Context, checkpointID uint64) error {
	return t.postCheckpointLetter(func(sink CheckpointSink) error {
		return sink.OnAbortCheckpoint(ctx, checkpointID)
	})
}

func (t *Task) postCheckpointLetter(run func(sink CheckpointSink) error) error {
	errCh := make(chan error, 1)
	err := t.mailbox.PutFirst(mailbox.Letter{
		Priority: mailbox.MaxPriority,
		Run: func() {
			t.mu.Lock()
			sink := t.checkpoints
			t.mu.Unlock()
			if sink == nil {
				errCh <- fmt.Errorf("task %s: no checkpoint sink wired", t.AttemptID)
				return
			}
			errCh <- run(sink)
		},
	})
	if err != nil {
		return err
	}
	return <-errCh
}

// Run starts the mailbox processor loop and opens the operator chain;
// it blocks until ctx is done or the chain errors.
func (t *Task) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	if err := t.chain.Open(runCtx); err != nil {
		return fmt.Errorf("task %s: Open: %w", t.AttemptID, err)
	}
	log.WithComponent("task").Info().Str("attempt_id", string(t.AttemptID)).Msg("task running")

	err := t.processor.Run(runCtx)
	closeErr := t.chain.Close(context.Background())
	disposeErr := t.chain.Dispose(context.Background())
	for _, p := range t.partitions {
		p.rp.Close()
	}
	if err != nil && err != context.Canceled {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	return disposeErr
}

// Cancel stops the task's mailbox loop.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.mailbox.Close()
}
