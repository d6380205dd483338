package jobmaster

import (
	"testing"
	"time"

	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoVertexJobGraph(t *testing.T, sourceParallelism, sinkParallelism int, dist graph.DistributionPattern) *graph.JobGraph {
	t.Helper()
	source := &graph.JobVertex{ID: "source", Name: "source", InvokableClass: "SourceFn", Parallelism: sourceParallelism}
	sink := &graph.JobVertex{ID: "sink", Name: "sink", InvokableClass: "SinkFn", Parallelism: sinkParallelism}
	edge := &graph.JobEdge{From: source, To: sink, Distribution: dist, PartitionType: graph.PartitionAllPipelined}
	source.OutEdges = []*graph.JobEdge{edge}
	sink.InEdges = []*graph.JobEdge{edge}
	return &graph.JobGraph{
		JobID:    ids.NewJobId(),
		Vertices: []*graph.JobVertex{source, sink},
		Checkpointing: graph.JobCheckpointingSettings{
			TriggerVertexIDs: []ids.JobVertexId{"source"},
			AckVertexIDs:     []ids.JobVertexId{"source", "sink"},
			CommitVertexIDs:  []ids.JobVertexId{"sink"},
			Interval:         time.Second,
		},
	}
}

func TestBridgeCheckpointingSettingsConvertsVertexIDsToStrings(t *testing.T) {
	jg := twoVertexJobGraph(t, 1, 1, graph.DistributionPointwise)
	settings := bridgeCheckpointingSettings(jg.Checkpointing)

	assert.Equal(t, []string{"source"}, settings.TriggerVertexIDs)
	assert.Equal(t, []string{"source", "sink"}, settings.AckVertexIDs)
	assert.Equal(t, []string{"sink"}, settings.CommitVertexIDs)
	assert.Equal(t, time.Second, settings.Interval)
}

func TestPrecomputePartitionsAllToAllUsesDownstreamParallelism(t *testing.T) {
	jg := twoVertexJobGraph(t, 2, 3, graph.DistributionAllToAll)
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)

	precomputePartitions(eg)

	for _, ejv := range eg.JobVertices {
		if ejv.JobVertex.ID != "source" {
			continue
		}
		for _, v := range ejv.Vertices {
			require.Len(t, v.Produced, 1)
			assert.Equal(t, 3, v.Produced[0].NumSubpartitions, "all-to-all fans into every consumer subtask")
			assert.Equal(t, "pipelined-bounded", v.Produced[0].PartitionType)
			assert.NotEmpty(t, v.Produced[0].PartitionID)
		}
	}
}

func TestPrecomputePartitionsPointwiseUsesSingleSubpartition(t *testing.T) {
	jg := twoVertexJobGraph(t, 2, 2, graph.DistributionPointwise)
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)

	precomputePartitions(eg)

	for _, ejv := range eg.JobVertices {
		if ejv.JobVertex.ID != "source" {
			continue
		}
		for _, v := range ejv.Vertices {
			require.Len(t, v.Produced, 1)
			assert.Equal(t, 1, v.Produced[0].NumSubpartitions)
		}
	}
}

func TestPrecomputePartitionsSinkHasNoOutputs(t *testing.T) {
	jg := twoVertexJobGraph(t, 1, 1, graph.DistributionPointwise)
	eg, err := execgraph.NewExecutionGraph(jg)
	require.NoError(t, err)

	precomputePartitions(eg)

	for _, ejv := range eg.JobVertices {
		if ejv.JobVertex.ID != "sink" {
			continue
		}
		for _, v := range ejv.Vertices {
			assert.Empty(t, v.Produced)
		}
	}
}

func TestPartitionTypeStringMapsBlockingAndPipelined(t *testing.T) {
	assert.Equal(t, "blocking", partitionTypeString(graph.PartitionAllBlocking))
	assert.Equal(t, "pipelined-bounded", partitionTypeString(graph.PartitionAllPipelined))
	assert.Equal(t, "pipelined-bounded", partitionTypeString(graph.PartitionForwardPipelined))
}
