package graph

import (
	"github.com/streamcore/engine/internal/ids"
)

// isChainable implements the seven-clause chaining rule for the edge e,
// which connects e.From (upstream, A) to e.To (downstream, B).
func isChainable(e *StreamEdge, globallyEnabled bool) bool {
	a := e.From
	b := e.To
	if len(b.InEdges) != 1 { // (a)
		return false
	}
	if a.SlotSharingGroup != b.SlotSharingGroup { // (b)
		return false
	}
	if !(a.Chaining == ChainAlways || a.Chaining == ChainHead) || b.Chaining != ChainAlways { // (c)
		return false
	}
	if e.Partitioner != PartitionForward { // (d) — pointwise 1:1
		return false
	}
	if e.Shuffle == ShuffleBatch { // (e)
		return false
	}
	if a.Parallelism != b.Parallelism { // (f)
		return false
	}
	if !globallyEnabled { // (g)
		return false
	}
	return true
}

// isChainHead reports whether n starts a new chain: it has no single
// chainable in-edge to fuse into its predecessor's JobVertex.
func isChainHead(n *StreamNode, globallyEnabled bool) bool {
	if len(n.InEdges) != 1 {
		return true
	}
	return !isChainable(n.InEdges[0], globallyEnabled)
}

// Compile transforms a StreamGraph into a JobGraph, applying the
// chaining rule and assembling JobCheckpointingSettings. Chains are
// transitive: recursion terminates
// at the first unchainable edge (implemented iteratively here, not
// recursively, to bound stack depth on long forward pipelines).
func Compile(jobID ids.JobId, sg *StreamGraph, globalExchangeMode GlobalExchangeMode) *JobGraph {
	vertexOf := make(map[ids.JobVertexId]*JobVertex) // StreamNode id -> its JobVertex
	var vertices []*JobVertex

	for _, n := range sg.Nodes {
		if !isChainHead(n, sg.ChainingEnabled) {
			continue
		}
		jv := &JobVertex{
			ID:               n.ID,
			Name:             n.Name,
			InvokableClass:   n.InvokableClass,
			Parallelism:      n.Parallelism,
			SlotSharingGroup: n.SlotSharingGroup,
			CoLocationID:     n.CoLocationID,
		}
		jv.OperatorChain = append(jv.OperatorChain, ChainedOperator{
			OperatorID:     ids.OperatorId(n.ID),
			InvokableClass: n.InvokableClass,
			SourceNodeID:   n.ID,
		})
		vertexOf[n.ID] = jv

		// Walk the chain forward. Only a node with exactly one outgoing
		// edge can continue a chain: a multi-output operator always
		// becomes the tail of its JobVertex, since its other outputs
		// necessarily cross a JobEdge boundary.
		cur := n
		for len(cur.OutEdges) == 1 && isChainable(cur.OutEdges[0], sg.ChainingEnabled) {
			next := cur.OutEdges[0].To
			jv.OperatorChain = append(jv.OperatorChain, ChainedOperator{
				OperatorID:     ids.OperatorId(next.ID),
				InvokableClass: next.InvokableClass,
				SourceNodeID:   next.ID,
			})
			vertexOf[next.ID] = jv
			cur = next
		}
		vertices = append(vertices, jv)
	}

	// Emit JobEdges for every StreamEdge whose endpoints landed in
	// different JobVertices (i.e. every edge the chaining walk above
	// did not fuse away).
	for _, n := range sg.Nodes {
		for _, e := range n.OutEdges {
			fromV, toV := vertexOf[e.From.ID], vertexOf[e.To.ID]
			if fromV == toV {
				continue // fused into the same chain
			}
			je := &JobEdge{
				From:          fromV,
				To:            toV,
				Distribution:  distributionFor(e.Partitioner),
				PartitionType: partitionTypeFor(globalExchangeMode),
				Partitioner:   e.Partitioner,
			}
			fromV.OutEdges = append(fromV.OutEdges, je)
			toV.InEdges = append(toV.InEdges, je)
		}
	}

	return &JobGraph{
		JobID:         jobID,
		Vertices:      vertices,
		Checkpointing: assembleCheckpointSettings(vertices, sg.Checkpointing),
	}
}

// distributionFor reports the pointwise/all-to-all fan-out pattern of
// partitioner p.
func distributionFor(p PartitionerKind) DistributionPattern {
	if p == PartitionForward || p == PartitionRescale {
		return DistributionPointwise
	}
	return DistributionAllToAll
}

func partitionTypeFor(mode GlobalExchangeMode) PartitionType {
	switch mode {
	case ExchangeForwardPipelined:
		return PartitionForwardPipelined
	case ExchangePointwisePipelined:
		return PartitionPointwisePipelined
	case ExchangeAllBlocking:
		return PartitionAllBlocking
	default:
		return PartitionAllPipelined
	}
}

// assembleCheckpointSettings enumerates trigger (no in-edges, i.e.
// sources), ack (all), and commit (all) vertices and packages the
// checkpoint protocol parameters.
func assembleCheckpointSettings(vertices []*JobVertex, cfg CheckpointConfig) JobCheckpointingSettings {
	settings := JobCheckpointingSettings{
		Interval:                   cfg.Interval,
		Timeout:                    cfg.Timeout,
		MinPauseBetweenCheckpoints: cfg.MinPauseBetweenCheckpoints,
		MaxConcurrentCheckpoints:   cfg.MaxConcurrentCheckpoints,
		TolerableFailures:          cfg.TolerableFailures,
		ExactlyOnce:                cfg.ExactlyOnce,
		UnalignedEnabled:           cfg.UnalignedEnabled,
	}
	for _, v := range vertices {
		if len(v.InEdges) == 0 {
			settings.TriggerVertexIDs = append(settings.TriggerVertexIDs, v.ID)
		}
		settings.AckVertexIDs = append(settings.AckVertexIDs, v.ID)
		settings.CommitVertexIDs = append(settings.CommitVertexIDs, v.ID)
	}
	return settings
}
