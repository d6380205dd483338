package jobmaster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRMGateway implements rpc.ResourceManagerGateway, recording
// request_slot calls and letting tests control whether they succeed.
type fakeRMGateway struct {
	requestSlotErr error
	requests       []rpc.SlotRequest
}

func (f *fakeRMGateway) RegisterTaskExecutor(ctx context.Context, addr, resourceID string, hw, total, defaultSlot rpc.ResourceProfile) (rpc.RegistrationResult, error) {
	return rpc.RegistrationResult{}, nil
}
func (f *fakeRMGateway) SendSlotReport(ctx context.Context, report rpc.SlotReport) error { return nil }
func (f *fakeRMGateway) RegisterJobManager(ctx context.Context, jmToken, jmResourceID, addr, jobID string) (rpc.RegistrationResult, error) {
	return rpc.RegistrationResult{Success: true}, nil
}
func (f *fakeRMGateway) RequestSlot(ctx context.Context, jmToken string, req rpc.SlotRequest) error {
	f.requests = append(f.requests, req)
	return f.requestSlotErr
}
func (f *fakeRMGateway) NotifySlotAvailable(ctx context.Context, instanceID, slotID, allocationID string) error {
	return nil
}
func (f *fakeRMGateway) HeartbeatFromTaskManager(ctx context.Context, resourceID string, payload rpc.HeartbeatPayload) (rpc.HeartbeatPayload, error) {
	return rpc.HeartbeatPayload{}, nil
}
func (f *fakeRMGateway) HeartbeatFromJobManager(ctx context.Context, resourceID string) error {
	return nil
}
func (f *fakeRMGateway) DeregisterApplication(ctx context.Context, status, diagnostics string) error {
	return nil
}

func newTestJobMaster() *JobMaster {
	return New(config.Defaults(), ids.NewJobId(), "localhost:0", nil, nil,
		func() string { return "rm-addr:0" }, func() string { return "rm-token" })
}

func TestSlotAllocatorRequestSlotResolvesOnOffer(t *testing.T) {
	jm := newTestJobMaster()
	gw := &fakeRMGateway{}
	jm.rmGateway = gw
	allocator := newSlotAllocator(jm)

	allocationID := ids.NewAllocationId()
	assignment := scheduler.SlotAssignment{ResourceID: "r1", SlotIndex: 2, TaskExecutorAddr: "te:1234"}

	done := make(chan struct{})
	var got scheduler.SlotAssignment
	var gotErr error
	go func() {
		got, gotErr = allocator.RequestSlot(context.Background(), allocationID, rpc.ResourceProfile{})
		close(done)
	}()

	require.Eventually(t, func() bool { return allocator.resolve(allocationID, assignment) }, time.Second, time.Millisecond)
	<-done

	require.NoError(t, gotErr)
	assert.Equal(t, assignment, got)
	require.Len(t, gw.requests, 1)
	assert.Equal(t, string(allocationID), gw.requests[0].AllocationID)
}

func TestSlotAllocatorRequestSlotFailsOnFailSlot(t *testing.T) {
	jm := newTestJobMaster()
	jm.rmGateway = &fakeRMGateway{}
	allocator := newSlotAllocator(jm)

	allocationID := ids.NewAllocationId()
	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = allocator.RequestSlot(context.Background(), allocationID, rpc.ResourceProfile{})
		close(done)
	}()

	require.Eventually(t, func() bool { return allocator.fail(allocationID, errors.New("no slots")) }, time.Second, time.Millisecond)
	<-done
	assert.Error(t, gotErr)
}

func TestSlotAllocatorRequestSlotFailsWithoutRegisteredGateway(t *testing.T) {
	jm := newTestJobMaster()
	allocator := newSlotAllocator(jm)
	_, err := allocator.RequestSlot(context.Background(), ids.NewAllocationId(), rpc.ResourceProfile{})
	assert.Error(t, err)
}

func TestSlotAllocatorRequestSlotPropagatesDispatchError(t *testing.T) {
	jm := newTestJobMaster()
	jm.rmGateway = &fakeRMGateway{requestSlotErr: errors.New("rm unreachable")}
	allocator := newSlotAllocator(jm)
	_, err := allocator.RequestSlot(context.Background(), ids.NewAllocationId(), rpc.ResourceProfile{})
	assert.Error(t, err)
}

func TestSlotAllocatorResolveReturnsFalseWithoutWaiter(t *testing.T) {
	jm := newTestJobMaster()
	allocator := newSlotAllocator(jm)
	assert.False(t, allocator.resolve(ids.NewAllocationId(), scheduler.SlotAssignment{}))
	assert.False(t, allocator.fail(ids.NewAllocationId(), errors.New("x")))
}

func TestDeployerCancelTaskFailsWithoutKnownAddress(t *testing.T) {
	jg := twoVertexJobGraph(t, 1, 1, graph.DistributionPointwise)
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)
	jm := newTestJobMaster()
	deployer := newDeployer(jm, eg)

	v := eg.AllVertices()[0]
	attemptID := v.CurrentAttempt().AttemptID

	err = deployer.CancelTask(context.Background(), "", attemptID)
	assert.Error(t, err, "no resourceAddrs entry has been recorded for this execution's ResourceID yet")
}

func TestDeployerCancelTaskNoOpForUnknownAttempt(t *testing.T) {
	jg := twoVertexJobGraph(t, 1, 1, graph.DistributionPointwise)
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)
	jm := newTestJobMaster()
	deployer := newDeployer(jm, eg)

	err = deployer.CancelTask(context.Background(), "", ids.ExecutionAttemptId("does-not-exist"))
	assert.NoError(t, err)
}

func TestSerializeChainLeavesConfigEmpty(t *testing.T) {
	chain := []graph.ChainedOperator{
		{OperatorID: "op-1", InvokableClass: "MapFn", SourceNodeID: "n1"},
		{OperatorID: "op-2", InvokableClass: "FilterFn", SourceNodeID: "n2"},
	}
	out := serializeChain(chain)
	require.Len(t, out, 2)
	assert.Equal(t, "op-1", out[0].OperatorID)
	assert.Equal(t, "MapFn", out[0].Class)
	assert.Nil(t, out[0].Config)
}

func TestBuildInputGatesPointwiseMatchesSubtaskIndex(t *testing.T) {
	jg := twoVertexJobGraph(t, 2, 2, graph.DistributionPointwise)
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)
	precomputePartitions(eg)

	jm := newTestJobMaster()
	deployer := newDeployer(jm, eg)

	var sourceVertex *execgraph.ExecutionJobVertex
	var sinkVertex *execgraph.ExecutionJobVertex
	for _, ejv := range eg.JobVertices {
		switch ejv.JobVertex.ID {
		case "source":
			sourceVertex = ejv
		case "sink":
			sinkVertex = ejv
		}
	}
	require.NotNil(t, sourceVertex)
	require.NotNil(t, sinkVertex)

	for _, v := range sourceVertex.Vertices {
		v.CurrentAttempt().SetResourceID(ids.ResourceId(v.JobVertexID) + ids.ResourceId(string(rune('a'+v.SubtaskIndex))))
		deployer.rememberAddr(v.CurrentAttempt().ResourceID, "te-addr")
	}

	gates := deployer.buildInputGates(sinkVertex.JobVertex, 0)
	require.Len(t, gates, 1)
	require.Len(t, gates[0].Channels, 1, "pointwise fan-in keeps only the subtask-0-to-subtask-0 channel")
	assert.Equal(t, "te-addr", gates[0].Channels[0].ProducerTaskExecutorAddr)
}
