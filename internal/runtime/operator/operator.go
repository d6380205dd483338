// Package operator defines the Operator interface every user-supplied
// transformation implements, and OperatorChain, which fuses a
// JobVertex's chained operators into one call sequence running on the
// task's single mailbox thread. Lifecycle methods are invoked in strict
// order against one operator instance, alongside the
// record/watermark/barrier callbacks a streaming operator must
// implement.
package operator

import (
	"context"

	"github.com/streamcore/engine/internal/ids"
)

// StreamRecord is one element flowing through the chain, carrying an
// event-time timestamp alongside the user payload.
type StreamRecord struct {
	Timestamp int64
	Value     []byte
}

// Watermark marks that no further records with a timestamp below Value
// are expected.
type Watermark struct {
	Value int64
}

// LatencyMarker is a synthetic record a source injects to measure
// end-to-end pipeline latency.
type LatencyMarker struct {
	MarkTime int64
	VertexID ids.JobVertexId
}

// StateSnapshotResult is what Operator.SnapshotState hands back to the
// SubtaskCheckpointCoordinator.
type StateSnapshotResult struct {
	KeyedStateBytes    []byte
	OperatorStateBytes []byte
}

// Output is how an operator emits results: downstream in the same
// chain, or onto the network via a ResultPartition once it reaches a
// chain's tail. OperatorChain supplies the implementation; user
// operators only ever see this interface.
type Output interface {
	Collect(rec StreamRecord)
	EmitWatermark(wm Watermark)
}

// Operator is the interface every user-defined transformation
// implements. Lifecycle methods run in the fixed order
// InitializeState, Open, ... Close, Dispose; the record/watermark/
// checkpoint callbacks run interleaved with each other and with mail,
// but never concurrently with one another, since they all execute on
// the owning task's single mailbox thread.
type Operator interface {
	// InitializeState restores from restoreHandle if non-nil (recovery
	// or rescale), or initializes empty state otherwise.
	InitializeState(ctx context.Context, restoreHandle []byte) error
	Open(ctx context.Context, out Output) error
	ProcessElement(ctx context.Context, rec StreamRecord) error
	ProcessWatermark(ctx context.Context, wm Watermark) error
	ProcessLatencyMarker(ctx context.Context, marker LatencyMarker) error
	// PrepareSnapshotPreBarrier runs synchronously before the barrier is
	// forwarded downstream, letting an operator flush
	// buffered state that must be part of this checkpoint.
	PrepareSnapshotPreBarrier(ctx context.Context, checkpointID uint64) error
	// SnapshotState performs the (potentially async) state snapshot
	// itself, returning the handles the coordinator acknowledges with.
	SnapshotState(ctx context.Context, checkpointID uint64) (StateSnapshotResult, error)
	NotifyCheckpointComplete(ctx context.Context, checkpointID uint64) error
	NotifyCheckpointAborted(ctx context.Context, checkpointID uint64) error
	Close(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// BaseOperator gives operators that don't care about a given lifecycle
// hook a no-op default. Embed it and override selectively.
type BaseOperator struct{}

func (BaseOperator) InitializeState(ctx context.Context, restoreHandle []byte) error { return nil }
func (BaseOperator) Open(ctx context.Context, out Output) error                      { return nil }
func (BaseOperator) ProcessWatermark(ctx context.Context, wm Watermark) error         { return nil }
func (BaseOperator) ProcessLatencyMarker(ctx context.Context, marker LatencyMarker) error {
	return nil
}
func (BaseOperator) PrepareSnapshotPreBarrier(ctx context.Context, checkpointID uint64) error {
	return nil
}
func (BaseOperator) SnapshotState(ctx context.Context, checkpointID uint64) (StateSnapshotResult, error) {
	return StateSnapshotResult{}, nil
}
func (BaseOperator) NotifyCheckpointComplete(ctx context.Context, checkpointID uint64) error {
	return nil
}
func (BaseOperator) NotifyCheckpointAborted(ctx context.Context, checkpointID uint64) error {
	return nil
}
func (BaseOperator) Close(ctx context.Context) error   { return nil }
func (BaseOperator) Dispose(ctx context.Context) error { return nil }
