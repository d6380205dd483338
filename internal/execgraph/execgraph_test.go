package execgraph

import (
	"testing"

	"github.com/streamcore/engine/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionTransitionRejectsIllegalMoves(t *testing.T) {
	e := &Execution{State: Created}
	require.NoError(t, e.Transition(Scheduled))
	require.NoError(t, e.Transition(Deploying))
	require.NoError(t, e.Transition(Running))

	err := e.Transition(Scheduled)
	assert.Error(t, err, "Running -> Scheduled is not a valid transition")
	assert.Equal(t, Running, e.CurrentState())
}

func TestExecutionVertexRefusesConcurrentAttempts(t *testing.T) {
	v := &ExecutionVertex{JobVertexID: "v1"}
	first, err := v.NewAttempt()
	require.NoError(t, err)
	require.NoError(t, first.Transition(Scheduled))

	_, err = v.NewAttempt()
	assert.Error(t, err, "a non-terminal attempt must block a new one")

	require.NoError(t, first.Transition(Deploying))
	require.NoError(t, first.Transition(Running))
	require.NoError(t, first.Transition(Failed))

	second, err := v.NewAttempt()
	require.NoError(t, err, "a terminal attempt must allow a fresh one")
	assert.Equal(t, 1, second.AttemptNumber)
}

func TestNewExecutionGraphInstantiatesParallelVertices(t *testing.T) {
	jg := &graph.JobGraph{
		JobID: "job-1",
		Vertices: []*graph.JobVertex{
			{ID: "v1", Parallelism: 3},
		},
	}
	eg, err := NewExecutionGraph(jg)
	require.NoError(t, err)
	require.Len(t, eg.JobVertices, 1)
	assert.Len(t, eg.JobVertices[0].Vertices, 3)
	assert.Len(t, eg.AllVertices(), 3)
}
