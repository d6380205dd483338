package operator

import (
	"context"
	"fmt"

	"github.com/streamcore/engine/internal/ids"
)

// chainLink pairs an Operator with the id it was deployed under, so
// lifecycle errors can be attributed.
type chainLink struct {
	id ids.OperatorId
	op Operator
}

// chainOutput is the Output implementation handed to every operator in
// the chain: for all but the last, Collect pushes straight into the next
// operator's ProcessElement on the same call stack, which is what
// "chained" means operationally — no mailbox hop, no serialization,
// between fused operators. The last operator's chainOutput calls the
// chain's tail functions instead.
type chainOutput struct {
	ctx  context.Context
	next *chainLink
	tail func(StreamRecord)
	tailWatermark func(Watermark)
	err  error
}

func (o *chainOutput) Collect(rec StreamRecord) {
	if o.err != nil {
		return
	}
	if o.next != nil {
		if err := o.next.op.ProcessElement(o.ctx, rec); err != nil {
			o.err = fmt.Errorf("operator %s: %w", o.next.id, err)
		}
		return
	}
	o.tail(rec)
}

func (o *chainOutput) EmitWatermark(wm Watermark) {
	if o.next != nil {
		_ = o.next.op.ProcessWatermark(o.ctx, wm)
		return
	}
	if o.tailWatermark != nil {
		o.tailWatermark(wm)
	}
}

// OperatorChain runs a JobVertex's fused operators head-to-tail on one
// mailbox thread. Head receives records from the task's InputGate
// (via ProcessElement); the chain's own Collect calls cascade through
// every chained operator without leaving the call stack; the tail's
// output is whatever the caller supplies (usually a ResultPartition
// write).
type OperatorChain struct {
	links         []*chainLink
	emitDownstream func(StreamRecord)
	emitWatermark  func(Watermark)
}

// NewOperatorChain builds a chain head-first (operators[0] is the
// chain head, receiving input; operators[len-1] is the tail, whose
// output reaches emitDownstream/emitWatermark).
func NewOperatorChain(operatorIDs []ids.OperatorId, ops []Operator, emitDownstream func(StreamRecord), emitWatermark func(Watermark)) (*OperatorChain, error) {
	if len(operatorIDs) != len(ops) {
		return nil, fmt.Errorf("operator: id/operator count mismatch: %d ids, %d operators", len(operatorIDs), len(ops))
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("operator: chain must contain at least one operator")
	}
	c := &OperatorChain{emitDownstream: emitDownstream, emitWatermark: emitWatermark}
	for i, op := range ops {
		c.links = append(c.links, &chainLink{id: operatorIDs[i], op: op})
	}
	return c, nil
}

func (c *OperatorChain) outputFor(ctx context.Context, index int) Output {
	out := &chainOutput{ctx: ctx, tail: c.emitDownstream, tailWatermark: c.emitWatermark}
	if index+1 < len(c.links) {
		out.next = c.links[index+1]
	}
	return out
}

// InitializeState restores every operator's state, tail-to-head is not
// required by the invariant (operators are independent at this stage),
// so head-to-tail order is used for deterministic logging.
func (c *OperatorChain) InitializeState(ctx context.Context, restoreHandles map[ids.OperatorId][]byte) error {
	for _, link := range c.links {
		if err := link.op.InitializeState(ctx, restoreHandles[link.id]); err != nil {
			return fmt.Errorf("operator %s: InitializeState: %w", link.id, err)
		}
	}
	return nil
}

// Open wires each operator's Output to the next link in the chain and
// opens them head-to-tail, since a downstream operator's Open may
// assume its upstream context already exists.
func (c *OperatorChain) Open(ctx context.Context) error {
	for i, link := range c.links {
		if err := link.op.Open(ctx, c.outputFor(ctx, i)); err != nil {
			return fmt.Errorf("operator %s: Open: %w", link.id, err)
		}
	}
	return nil
}

// ProcessElement feeds rec into the chain head; Collect calls inside
// each operator cascade synchronously through the rest of the chain.
func (c *OperatorChain) ProcessElement(ctx context.Context, rec StreamRecord) error {
	return c.links[0].op.ProcessElement(ctx, rec)
}

func (c *OperatorChain) ProcessWatermark(ctx context.Context, wm Watermark) error {
	return c.links[0].op.ProcessWatermark(ctx, wm)
}

func (c *OperatorChain) ProcessLatencyMarker(ctx context.Context, marker LatencyMarker) error {
	return c.links[0].op.ProcessLatencyMarker(ctx, marker)
}

// PrepareSnapshotPreBarrier runs on every operator tail-to-head, so a
// downstream operator flushes before an upstream one that might still
// feed it records mid-flush.
func (c *OperatorChain) PrepareSnapshotPreBarrier(ctx context.Context, checkpointID uint64) error {
	for i := len(c.links) - 1; i >= 0; i-- {
		link := c.links[i]
		if err := link.op.PrepareSnapshotPreBarrier(ctx, checkpointID); err != nil {
			return fmt.Errorf("operator %s: PrepareSnapshotPreBarrier: %w", link.id, err)
		}
	}
	return nil
}

// SnapshotState snapshots every operator and returns one result per
// OperatorId, for the SubtaskCheckpointCoordinator to assemble into a
// single acknowledgement.
func (c *OperatorChain) SnapshotState(ctx context.Context, checkpointID uint64) (map[ids.OperatorId]StateSnapshotResult, error) {
	results := make(map[ids.OperatorId]StateSnapshotResult, len(c.links))
	for _, link := range c.links {
		r, err := link.op.SnapshotState(ctx, checkpointID)
		if err != nil {
			return nil, fmt.Errorf("operator %s: SnapshotState: %w", link.id, err)
		}
		results[link.id] = r
	}
	return results, nil
}

func (c *OperatorChain) NotifyCheckpointComplete(ctx context.Context, checkpointID uint64) error {
	for _, link := range c.links {
		if err := link.op.NotifyCheckpointComplete(ctx, checkpointID); err != nil {
			return fmt.Errorf("operator %s: NotifyCheckpointComplete: %w", link.id, err)
		}
	}
	return nil
}

func (c *OperatorChain) NotifyCheckpointAborted(ctx context.Context, checkpointID uint64) error {
	for _, link := range c.links {
		_ = link.op.NotifyCheckpointAborted(ctx, checkpointID)
	}
	return nil
}

// Close runs tail-to-head: a downstream operator finishes consuming
// whatever its upstream already emitted before the upstream itself is
// torn down.
func (c *OperatorChain) Close(ctx context.Context) error {
	for i := len(c.links) - 1; i >= 0; i-- {
		link := c.links[i]
		if err := link.op.Close(ctx); err != nil {
			return fmt.Errorf("operator %s: Close: %w", link.id, err)
		}
	}
	return nil
}

func (c *OperatorChain) Dispose(ctx context.Context) error {
	var firstErr error
	for i := len(c.links) - 1; i >= 0; i-- {
		if err := c.links[i].op.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *OperatorChain) Len() int { return len(c.links) }
