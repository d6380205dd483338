package taskexecutor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/operator"
	"github.com/streamcore/engine/internal/runtime/shuffle"
	"github.com/streamcore/engine/internal/statebackend"
	"github.com/streamcore/engine/internal/userclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passthroughOp struct {
	operator.BaseOperator
	out operator.Output
}

func (o *passthroughOp) Open(ctx context.Context, out operator.Output) error {
	o.out = out
	return nil
}

func (o *passthroughOp) ProcessElement(ctx context.Context, rec operator.StreamRecord) error {
	o.out.Collect(rec)
	return nil
}

func testRegistry() *userclass.Registry {
	r := userclass.NewRegistry()
	r.Register("passthrough", func(config []byte) (operator.Operator, error) {
		return &passthroughOp{}, nil
	})
	return r
}

func newTestExecutor() *TaskExecutor {
	total := rpc.ResourceProfile{CPUCores: 4}
	slot := rpc.ResourceProfile{CPUCores: 1}
	return New(config.Defaults(), "localhost:0", total, slot,
		testRegistry(), shuffle.NewNetworkBufferPool(16, 64), statebackend.NewMemoryBackend(),
		func() string { return "rm-addr:0" }, func() string { return "rm-token" })
}

type serializedOperator struct {
	OperatorID string `json:"operator_id"`
	Class      string `json:"class"`
	Config     []byte `json:"config"`
}

func chainBytes(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal([]serializedOperator{{OperatorID: "op1", Class: "passthrough"}})
	require.NoError(t, err)
	return b
}

func deployBody(t *testing.T, attemptID, allocationID string, slotIndex int) json.RawMessage {
	t.Helper()
	tdd := rpc.TaskDeploymentDescriptor{
		JobID:         "job-1",
		JobVertexID:   "v1",
		AttemptID:     attemptID,
		AllocationID:  allocationID,
		SubtaskIndex:  0,
		TargetSlot:    slotIndex,
		InvokableClass: "passthrough",
		OperatorChain: chainBytes(t),
		JobMasterAddr: "127.0.0.1:1",
	}
	b, err := json.Marshal(tdd)
	require.NoError(t, err)
	return b
}

func TestHandleSubmitTaskRequiresAnAllocatedSlot(t *testing.T) {
	te := newTestExecutor()
	_, err := te.handleSubmitTask(context.Background(), "", deployBody(t, "a1", "alloc-1", 0))
	assert.Error(t, err, "submit_task must refuse an allocation the slot table never allocated")
}

func TestHandleSubmitTaskBuildsAndRunsTask(t *testing.T) {
	te := newTestExecutor()
	allocationID := ids.AllocationId("alloc-1")
	require.NoError(t, te.slots.Allocate(0, "job-1", allocationID, rpc.ResourceProfile{}, "127.0.0.1:1"))

	_, err := te.handleSubmitTask(context.Background(), "", deployBody(t, "a1", string(allocationID), 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return te.runnerFor("a1") != nil
	}, time.Second, time.Millisecond)

	entry, ok := te.slots.BySlotIndex(0)
	require.True(t, ok)
	assert.Equal(t, SlotActive, entry.Phase)
}

func TestHandleCancelTaskStopsTheRunningTaskAndFreesTheSlot(t *testing.T) {
	te := newTestExecutor()
	allocationID := ids.AllocationId("alloc-2")
	require.NoError(t, te.slots.Allocate(0, "job-1", allocationID, rpc.ResourceProfile{}, "127.0.0.1:1"))
	_, err := te.handleSubmitTask(context.Background(), "", deployBody(t, "a2", string(allocationID), 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return te.runnerFor("a2") != nil }, time.Second, time.Millisecond)

	body, err := json.Marshal("a2")
	require.NoError(t, err)
	_, err = te.handleCancelTask(context.Background(), "", body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entry, ok := te.slots.BySlotIndex(0)
		return ok && entry.Phase == SlotFree
	}, time.Second, time.Millisecond)
	assert.Nil(t, te.runnerFor("a2"))
}

func TestHandleCancelTaskNoOpForUnknownAttempt(t *testing.T) {
	te := newTestExecutor()
	body, err := json.Marshal("does-not-exist")
	require.NoError(t, err)
	_, err = te.handleCancelTask(context.Background(), "", body)
	assert.NoError(t, err)
}

func TestDispatchCheckpointHooksDriveTheRunningTasksSink(t *testing.T) {
	te := newTestExecutor()
	allocationID := ids.AllocationId("alloc-3")
	require.NoError(t, te.slots.Allocate(0, "job-1", allocationID, rpc.ResourceProfile{}, "127.0.0.1:1"))
	_, err := te.handleSubmitTask(context.Background(), "", deployBody(t, "a3", string(allocationID), 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return te.runnerFor("a3") != nil
	}, time.Second, time.Millisecond)

	te.dispatchTriggerCheckpoint("a3", rpc.TriggerCheckpointRequest{AttemptID: "a3", CheckpointID: 1})
	te.dispatchConfirmCheckpoint("a3", rpc.ConfirmOrAbortCheckpointRequest{AttemptID: "a3", CheckpointID: 1})
	te.dispatchAbortCheckpoint("a3", rpc.ConfirmOrAbortCheckpointRequest{AttemptID: "a3", CheckpointID: 2})

	_, err = te.handleCancelTask(context.Background(), "", mustMarshal(t, "a3"))
	require.NoError(t, err)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatchCheckpointHooksNoOpForUnknownAttempt(t *testing.T) {
	te := newTestExecutor()
	assert.NotPanics(t, func() {
		te.dispatchTriggerCheckpoint("missing", rpc.TriggerCheckpointRequest{})
		te.dispatchConfirmCheckpoint("missing", rpc.ConfirmOrAbortCheckpointRequest{})
		te.dispatchAbortCheckpoint("missing", rpc.ConfirmOrAbortCheckpointRequest{})
	})
}
