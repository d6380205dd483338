package userclass

import (
	"context"
	"encoding/binary"

	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/runtime/operator"
)

// RegisterBuiltins adds the handful of operator classes every
// cmd/taskexecutor process ships regardless of which job it is asked
// to run: an identity pass-through, a sink that logs every record it
// receives, and a keyed-style running counter that exercises
// SnapshotState/InitializeState. Anything beyond these is a
// user-supplied class the deploying job must ship its own factory for.
func RegisterBuiltins(r *Registry) {
	r.Register("engine.builtin.Identity", func(config []byte) (operator.Operator, error) {
		return &identityOperator{}, nil
	})
	r.Register("engine.builtin.LoggingSink", func(config []byte) (operator.Operator, error) {
		return &loggingSinkOperator{}, nil
	})
	r.Register("engine.builtin.CountingAggregator", func(config []byte) (operator.Operator, error) {
		return &countingAggregatorOperator{}, nil
	})
}

type identityOperator struct {
	operator.BaseOperator
	out operator.Output
}

func (o *identityOperator) Open(ctx context.Context, out operator.Output) error {
	o.out = out
	return nil
}

func (o *identityOperator) ProcessElement(ctx context.Context, rec operator.StreamRecord) error {
	o.out.Collect(rec)
	return nil
}

func (o *identityOperator) SnapshotState(ctx context.Context, checkpointID uint64) (operator.StateSnapshotResult, error) {
	return operator.StateSnapshotResult{}, nil
}

type loggingSinkOperator struct {
	operator.BaseOperator
}

func (o *loggingSinkOperator) ProcessElement(ctx context.Context, rec operator.StreamRecord) error {
	log.WithComponent("userclass").Debug().Int64("timestamp", rec.Timestamp).Int("bytes", len(rec.Value)).Msg("sink received record")
	return nil
}

func (o *loggingSinkOperator) SnapshotState(ctx context.Context, checkpointID uint64) (operator.StateSnapshotResult, error) {
	return operator.StateSnapshotResult{}, nil
}

// countingAggregatorOperator keeps a running count of records seen,
// forwarding the running total as each record's Timestamp, and
// persists that count across checkpoints via OperatorStateBytes.
type countingAggregatorOperator struct {
	operator.BaseOperator
	out   operator.Output
	count uint64
}

func (o *countingAggregatorOperator) InitializeState(ctx context.Context, restoreHandle []byte) error {
	if len(restoreHandle) == 8 {
		o.count = binary.BigEndian.Uint64(restoreHandle)
	}
	return nil
}

func (o *countingAggregatorOperator) Open(ctx context.Context, out operator.Output) error {
	o.out = out
	return nil
}

func (o *countingAggregatorOperator) ProcessElement(ctx context.Context, rec operator.StreamRecord) error {
	o.count++
	o.out.Collect(operator.StreamRecord{Timestamp: int64(o.count), Value: rec.Value})
	return nil
}

func (o *countingAggregatorOperator) SnapshotState(ctx context.Context, checkpointID uint64) (operator.StateSnapshotResult, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, o.count)
	return operator.StateSnapshotResult{OperatorStateBytes: buf}, nil
}
