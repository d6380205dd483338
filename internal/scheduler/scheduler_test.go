package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAllocator struct {
	fail bool
}

func (f *fakeAllocator) RequestSlot(ctx context.Context, allocationID ids.AllocationId, profile rpc.ResourceProfile) (SlotAssignment, error) {
	if f.fail {
		return SlotAssignment{}, errors.New("no slots available")
	}
	return SlotAssignment{ResourceID: ids.NewResourceId(), SlotIndex: 0, TaskExecutorAddr: "te-1:1234"}, nil
}

type fakeDeployer struct {
	submitted int
	canceled  int
	failSubmit bool
}

func (f *fakeDeployer) SubmitTask(ctx context.Context, addr string, tdd rpc.TaskDeploymentDescriptor) error {
	if f.failSubmit {
		return errors.New("submit_task rejected")
	}
	f.submitted++
	return nil
}

func (f *fakeDeployer) CancelTask(ctx context.Context, addr string, attemptID ids.ExecutionAttemptId) error {
	f.canceled++
	return nil
}

func newTestGraph(t *testing.T, parallelism int) *execgraph.ExecutionGraph {
	t.Helper()
	jg := &graph.JobGraph{
		JobID:    ids.NewJobId(),
		Vertices: []*graph.JobVertex{{ID: "v1", Parallelism: parallelism}},
	}
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)
	return eg
}

func TestAllocateSlotsAndDeployRunsVerticesToRunning(t *testing.T) {
	eg := newTestGraph(t, 2)
	deployer := &fakeDeployer{}
	s := New(eg, StrategyEager, &fakeAllocator{}, deployer, FullRestartStrategy{}, FixedDelayRestart{Delay: time.Millisecond, MaxAttempts: 3}, rpc.JobCheckpointingSettings{})

	err := s.AllocateSlotsAndDeploy(context.Background(), eg.AllVertices())
	require.NoError(t, err)
	assert.Equal(t, 2, deployer.submitted)
	for _, v := range eg.AllVertices() {
		assert.Equal(t, execgraph.Running, v.CurrentAttempt().CurrentState())
	}
}

func TestAllocateSlotsAndDeployFailsVerticesWhenAllocationFails(t *testing.T) {
	eg := newTestGraph(t, 1)
	s := New(eg, StrategyEager, &fakeAllocator{fail: true}, &fakeDeployer{}, FullRestartStrategy{}, FixedDelayRestart{MaxAttempts: 0}, rpc.JobCheckpointingSettings{})

	err := s.AllocateSlotsAndDeploy(context.Background(), eg.AllVertices())
	assert.Error(t, err)
	assert.Equal(t, execgraph.Failed, eg.AllVertices()[0].CurrentAttempt().CurrentState())
}

func TestHandleFailureRestartsAfterBackoff(t *testing.T) {
	eg := newTestGraph(t, 2)
	deployer := &fakeDeployer{}
	s := New(eg, StrategyEager, &fakeAllocator{}, deployer, FullRestartStrategy{}, FixedDelayRestart{Delay: time.Millisecond, MaxAttempts: 3}, rpc.JobCheckpointingSettings{})

	require.NoError(t, s.AllocateSlotsAndDeploy(context.Background(), eg.AllVertices()))

	failedVertex := eg.AllVertices()[0]
	err := s.HandleFailure(context.Background(), failedVertex, errors.New("task executor lost"))
	require.NoError(t, err)

	for _, v := range eg.AllVertices() {
		assert.Equal(t, execgraph.Running, v.CurrentAttempt().CurrentState())
		assert.Equal(t, 1, v.CurrentAttempt().AttemptNumber)
	}
}

func TestHandleFailureRefusesAfterMaxAttempts(t *testing.T) {
	eg := newTestGraph(t, 1)
	s := New(eg, StrategyEager, &fakeAllocator{}, &fakeDeployer{}, FullRestartStrategy{}, FixedDelayRestart{MaxAttempts: 0}, rpc.JobCheckpointingSettings{})

	err := s.HandleFailure(context.Background(), eg.AllVertices()[0], errors.New("boom"))
	assert.Error(t, err)
}

func TestRegionLocalStrategyLimitsBlastRadius(t *testing.T) {
	upstream := &graph.JobVertex{ID: "up", Parallelism: 1}
	downstream := &graph.JobVertex{ID: "down", Parallelism: 1}
	upstream.OutEdges = append(upstream.OutEdges, &graph.JobEdge{From: upstream, To: downstream})
	downstream.InEdges = append(downstream.InEdges, upstream.OutEdges[0])

	jg := &graph.JobGraph{JobID: ids.NewJobId(), Vertices: []*graph.JobVertex{upstream, downstream}}
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)

	downVertex := eg.JobVertices[1].Vertices[0]
	affected := RegionLocalStrategy{}.AffectedVertices(eg, downVertex)
	assert.Len(t, affected, 1, "a downstream failure must not pull in its upstream producer")
	assert.Equal(t, ids.JobVertexId("down"), affected[0].JobVertexID)
}
