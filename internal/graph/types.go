// Package graph compiles a logical StreamGraph into a physical
// JobGraph: it applies the operator-chaining rule, emits JobVertices
// and JobEdges, and assembles JobCheckpointingSettings.
package graph

import (
	"time"

	"github.com/streamcore/engine/internal/ids"
)

// ChainingStrategy controls whether a StreamNode may be fused into its
// neighbor's task.
type ChainingStrategy int

const (
	ChainAlways ChainingStrategy = iota
	ChainHead
	ChainNever
)

// PartitionerKind names how records on a JobEdge are distributed across
// the consuming JobVertex's subtasks; Forward/Rescale are pointwise, the
// rest are all-to-all.
type PartitionerKind int

const (
	PartitionForward PartitionerKind = iota
	PartitionRescale
	PartitionHash
	PartitionBroadcast
	PartitionRebalance
	PartitionCustom
)

// ShuffleMode selects the data-exchange mode of an edge.
type ShuffleMode int

const (
	ShufflePipelined ShuffleMode = iota
	ShuffleBatch
)

// StreamNode is one logical operator position in the user's program.
type StreamNode struct {
	ID               ids.JobVertexId
	Name             string
	InvokableClass   string
	Parallelism      int
	SlotSharingGroup string
	CoLocationID     string
	Chaining         ChainingStrategy
	InEdges          []*StreamEdge
	OutEdges         []*StreamEdge
}

// StreamEdge connects two StreamNodes.
type StreamEdge struct {
	From        *StreamNode
	To          *StreamNode
	Partitioner PartitionerKind
	Shuffle     ShuffleMode
}

// StreamGraph is the logical program submitted by a client.
type StreamGraph struct {
	Nodes             []*StreamNode
	ChainingEnabled   bool
	Checkpointing     CheckpointConfig
}

// CheckpointConfig mirrors internal/config.CheckpointConfig but is kept
// independent here since a StreamGraph may be compiled before any
// process-wide Config is loaded (e.g. by streamctl).
type CheckpointConfig struct {
	Interval                   time.Duration
	Timeout                    time.Duration
	MinPauseBetweenCheckpoints time.Duration
	MaxConcurrentCheckpoints   int
	TolerableFailures          int
	ExactlyOnce                bool
	UnalignedEnabled           bool
}

// DistributionPattern is the deployment-time fan-out shape of a JobEdge.
type DistributionPattern int

const (
	DistributionPointwise DistributionPattern = iota
	DistributionAllToAll
)

// PartitionType is the runtime buffer-lifecycle policy of a JobEdge.
type PartitionType int

const (
	PartitionAllPipelined PartitionType = iota
	PartitionForwardPipelined
	PartitionPointwisePipelined
	PartitionAllBlocking
)

// JobVertex is one maximal operator chain, emitted by Compile.
type JobVertex struct {
	ID               ids.JobVertexId
	Name             string
	InvokableClass   string
	OperatorChain    []ChainedOperator
	Parallelism      int
	SlotSharingGroup string
	CoLocationID     string
	InEdges          []*JobEdge
	OutEdges         []*JobEdge
}

// ChainedOperator is one operator fused into a JobVertex's chain, head
// first.
type ChainedOperator struct {
	OperatorID     ids.OperatorId
	InvokableClass string
	SourceNodeID   ids.JobVertexId
}

// JobEdge connects two JobVertices at the boundary of a chain.
type JobEdge struct {
	From          *JobVertex
	To            *JobVertex
	Distribution  DistributionPattern
	PartitionType PartitionType
	Partitioner   PartitionerKind
}

// JobGraph is the physical, deployable program.
type JobGraph struct {
	JobID         ids.JobId
	Vertices      []*JobVertex
	Checkpointing JobCheckpointingSettings
}

// JobCheckpointingSettings is the compiled checkpoint protocol
// configuration carried to every deployed task.
type JobCheckpointingSettings struct {
	Interval                   time.Duration
	Timeout                    time.Duration
	MinPauseBetweenCheckpoints time.Duration
	MaxConcurrentCheckpoints   int
	TolerableFailures          int
	ExactlyOnce                bool
	UnalignedEnabled           bool
	TriggerVertexIDs           []ids.JobVertexId
	AckVertexIDs               []ids.JobVertexId
	CommitVertexIDs            []ids.JobVertexId
}

// GlobalExchangeMode selects the PartitionType assigned to every
// JobEdge Compile emits, whatever the edge's partitioner.
type GlobalExchangeMode int

const (
	ExchangeAllPipelined GlobalExchangeMode = iota
	ExchangeForwardPipelined
	ExchangePointwisePipelined
	ExchangeAllBlocking
)
