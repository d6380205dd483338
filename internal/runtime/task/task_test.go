package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/operator"
	"github.com/streamcore/engine/internal/runtime/shuffle"
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

func newRegistry() *userclass.Registry {
	r := userclass.NewRegistry()
	r.Register("passthrough", func(config []byte) (operator.Operator, error) {
		return &passthroughOp{}, nil
	})
	return r
}

func buildChainBytes(t *testing.T) []byte {
	t.Helper()
	chain := serializedChain{{OperatorID: "op1", Class: "passthrough"}}
	b, err := json.Marshal(chain)
	require.NoError(t, err)
	return b
}

func TestBuildAssemblesOperatorChainFromDescriptor(t *testing.T) {
	pool := shuffle.NewNetworkBufferPool(4, 64)
	tdd := rpc.TaskDeploymentDescriptor{
		AttemptID:     "attempt-1",
		JobVertexID:   "v1",
		OperatorChain: buildChainBytes(t),
	}

	tk, err := Build(context.Background(), tdd, newRegistry(), pool, nil, func(ids.ResultPartitionId) (*shuffle.ResultPartition, bool) { return nil, false })
	require.NoError(t, err)
	assert.Equal(t, ids.ExecutionAttemptId("attempt-1"), tk.AttemptID)
}

func TestBuildRejectsEmptyOperatorChain(t *testing.T) {
	pool := shuffle.NewNetworkBufferPool(4, 64)
	emptyChain, _ := json.Marshal(serializedChain{})
	tdd := rpc.TaskDeploymentDescriptor{AttemptID: "a", OperatorChain: emptyChain}

	_, err := Build(context.Background(), tdd, newRegistry(), pool, nil, func(ids.ResultPartitionId) (*shuffle.ResultPartition, bool) { return nil, false })
	assert.Error(t, err)
}

func TestBuildWiresInputGateToLocalResultPartition(t *testing.T) {
	pool := shuffle.NewNetworkBufferPool(8, 64)
	producerPartitionID := ids.NewResultPartitionId()
	producer := shuffle.NewResultPartition(producerPartitionID, 1, shuffle.PartitionPipelinedBounded, pool)

	tdd := rpc.TaskDeploymentDescriptor{
		AttemptID:     "attempt-2",
		JobVertexID:   "v2",
		OperatorChain: buildChainBytes(t),
		InputGates: []rpc.InputGateDescriptor{{
			Channels: []rpc.InputChannelDescriptor{{
				ProducerPartitionID: string(producerPartitionID),
				Local:               true,
			}},
		}},
	}

	tk, err := Build(context.Background(), tdd, newRegistry(), pool, nil, func(id ids.ResultPartitionId) (*shuffle.ResultPartition, bool) {
		if id == producerPartitionID {
			return producer, true
		}
		return nil, false
	})
	require.NoError(t, err)

	require.NoError(t, producer.EmitRecord(0, []byte("hello")))

	sp, err := producer.Subpartition(0)
	require.NoError(t, err)
	assert.Equal(t, 1, sp.QueueLen(), "Build must wire the task's input gate to the named local subpartition")

	tk.inputGate.NotifyDataAvailable(0)
	boe, ok := tk.inputGate.PollNext()
	require.True(t, ok)
	assert.Equal(t, "hello", string(boe.Buffer.Bytes()))
}

type fakeCheckpointSink struct {
	triggered []uint64
	confirmed []uint64
	aborted   []uint64
}

func (f *fakeCheckpointSink) OnTriggerCheckpoint(ctx context.Context, checkpointID uint64, opts rpc.CheckpointOptions) error {
	f.triggered = append(f.triggered, checkpointID)
	return nil
}

func (f *fakeCheckpointSink) OnBarrierAligned(ctx context.Context, checkpointID uint64, channelState []byte) error {
	return nil
}

func (f *fakeCheckpointSink) OnConfirmCheckpoint(ctx context.Context, checkpointID uint64) error {
	f.confirmed = append(f.confirmed, checkpointID)
	return nil
}

func (f *fakeCheckpointSink) OnAbortCheckpoint(ctx context.Context, checkpointID uint64) error {
	f.aborted = append(f.aborted, checkpointID)
	return nil
}

func buildRunningTask(t *testing.T) (*Task, *fakeCheckpointSink, func()) {
	t.Helper()
	pool := shuffle.NewNetworkBufferPool(4, 64)
	tdd := rpc.TaskDeploymentDescriptor{AttemptID: "attempt-4", OperatorChain: buildChainBytes(t)}
	tk, err := Build(context.Background(), tdd, newRegistry(), pool, nil, func(ids.ResultPartitionId) (*shuffle.ResultPartition, bool) { return nil, false })
	require.NoError(t, err)

	sink := &fakeCheckpointSink{}
	tk.SetCheckpointSink(sink)

	done := make(chan struct{})
	go func() { tk.Run(context.Background()); close(done) }()
	time.Sleep(10 * time.Millisecond)

	return tk, sink, func() {
		tk.Cancel()
		<-done
	}
}

func TestTaskTriggerConfirmAbortCheckpointRunOnMailboxThread(t *testing.T) {
	tk, sink, stop := buildRunningTask(t)
	defer stop()

	require.NoError(t, tk.TriggerCheckpoint(context.Background(), 1, rpc.CheckpointOptions{}))
	require.NoError(t, tk.ConfirmCheckpoint(context.Background(), 1))
	require.NoError(t, tk.AbortCheckpoint(context.Background(), 2))

	assert.Equal(t, []uint64{1}, sink.triggered)
	assert.Equal(t, []uint64{1}, sink.confirmed)
	assert.Equal(t, []uint64{2}, sink.aborted)
}

func TestTaskConfirmCheckpointErrorsWithoutSink(t *testing.T) {
	pool := shuffle.NewNetworkBufferPool(4, 64)
	tdd := rpc.TaskDeploymentDescriptor{AttemptID: "attempt-5", OperatorChain: buildChainBytes(t)}
	tk, err := Build(context.Background(), tdd, newRegistry(), pool, nil, func(ids.ResultPartitionId) (*shuffle.ResultPartition, bool) { return nil, false })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { tk.Run(context.Background()); close(done) }()
	time.Sleep(10 * time.Millisecond)
	defer func() { tk.Cancel(); <-done }()

	assert.Error(t, tk.ConfirmCheckpoint(context.Background(), 1))
}

func TestTaskCancelStopsRunLoop(t *testing.T) {
	pool := shuffle.NewNetworkBufferPool(4, 64)
	tdd := rpc.TaskDeploymentDescriptor{AttemptID: "attempt-3", OperatorChain: buildChainBytes(t)}
	tk, err := Build(context.Background(), tdd, newRegistry(), pool, nil, func(ids.ResultPartitionId) (*shuffle.ResultPartition, bool) { return nil, false })
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	tk.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after Cancel")
	}
}
