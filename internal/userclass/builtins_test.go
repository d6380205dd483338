package userclass

import (
	"context"
	"testing"

	"github.com/streamcore/engine/internal/runtime/operator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingOutput struct {
	records []operator.StreamRecord
}

func (o *collectingOutput) Collect(rec operator.StreamRecord) {
	o.records = append(o.records, rec)
}

func (o *collectingOutput) EmitWatermark(wm operator.Watermark) {}

func TestRegisterBuiltinsRegistersAllThreeClasses(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	for _, class := range []string{"engine.builtin.Identity", "engine.builtin.LoggingSink", "engine.builtin.CountingAggregator"} {
		assert.True(t, r.Has(class), "expected %s to be registered", class)
	}
}

func TestIdentityOperatorForwardsRecordsUnchanged(t *testing.T) {
	op := &identityOperator{}
	out := &collectingOutput{}
	require.NoError(t, op.Open(context.Background(), out))

	rec := operator.StreamRecord{Timestamp: 42, Value: []byte("hello")}
	require.NoError(t, op.ProcessElement(context.Background(), rec))

	require.Len(t, out.records, 1)
	assert.Equal(t, rec, out.records[0])
}

func TestLoggingSinkOperatorDoesNotCollect(t *testing.T) {
	op := &loggingSinkOperator{}
	require.NoError(t, op.ProcessElement(context.Background(), operator.StreamRecord{Value: []byte("x")}))
}

func TestCountingAggregatorCountsAcrossElements(t *testing.T) {
	op := &countingAggregatorOperator{}
	out := &collectingOutput{}
	require.NoError(t, op.Open(context.Background(), out))

	for i := 0; i < 3; i++ {
		require.NoError(t, op.ProcessElement(context.Background(), operator.StreamRecord{Value: []byte("x")}))
	}

	require.Len(t, out.records, 3)
	assert.Equal(t, int64(1), out.records[0].Timestamp)
	assert.Equal(t, int64(3), out.records[2].Timestamp)
}

func TestCountingAggregatorSnapshotAndRestoreRoundTrip(t *testing.T) {
	op := &countingAggregatorOperator{}
	out := &collectingOutput{}
	require.NoError(t, op.Open(context.Background(), out))
	for i := 0; i < 5; i++ {
		require.NoError(t, op.ProcessElement(context.Background(), operator.StreamRecord{Value: []byte("x")}))
	}

	snapshot, err := op.SnapshotState(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, snapshot.OperatorStateBytes, 8)

	restored := &countingAggregatorOperator{}
	require.NoError(t, restored.InitializeState(context.Background(), snapshot.OperatorStateBytes))
	assert.Equal(t, op.count, restored.count)

	restoredOut := &collectingOutput{}
	require.NoError(t, restored.Open(context.Background(), restoredOut))
	require.NoError(t, restored.ProcessElement(context.Background(), operator.StreamRecord{Value: []byte("y")}))
	assert.Equal(t, int64(6), restoredOut.records[0].Timestamp, "count should continue from the restored value")
}

func TestCountingAggregatorInitializeStateIgnoresMalformedHandle(t *testing.T) {
	op := &countingAggregatorOperator{}
	require.NoError(t, op.InitializeState(context.Background(), []byte{1, 2, 3}))
	assert.Equal(t, uint64(0), op.count)
}
