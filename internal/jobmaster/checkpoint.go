package jobmaster

import (
	"context"
	"fmt"

	"github.com/streamcore/engine/internal/checkpoint"
	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
)

// jmDispatcher implements checkpoint.Dispatcher by resolving an
// attempt's TaskExecutor address through the ExecutionGraph and the
// Deployer's resourceAddrs, then calling straight into the
// TaskExecutorGateway.
type jmDispatcher struct {
	jm *JobMaster
	eg *execgraph.ExecutionGraph
}

func newDispatcher(jm *JobMaster, eg *execgraph.ExecutionGraph) *jmDispatcher {
	return &jmDispatcher{jm: jm, eg: eg}
}

func (d *jmDispatcher) addrForAttempt(attemptID ids.ExecutionAttemptId) (string, error) {
	_, execution, ok := d.eg.FindByAttempt(attemptID)
	if !ok {
		return "", fmt.Errorf("jobmaster: unknown attempt %s", attemptID)
	}
	d.jm.mu.Lock()
	deployer := d.jm.deployer
	d.jm.mu.Unlock()
	if deployer == nil {
		return "", fmt.Errorf("jobmaster: no deployer available")
	}
	addr, ok := deployer.addrFor(execution.ResourceID)
	if !ok {
		return "", fmt.Errorf("jobmaster: no known address for attempt %s", attemptID)
	}
	return addr, nil
}

func (d *jmDispatcher) dial(attemptID ids.ExecutionAttemptId) (rpc.TaskExecutorGateway, error) {
	addr, err := d.addrForAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return rpc.NewTaskExecutorClient(conn, d.jm.currentTokenString), nil
}

func (d *jmDispatcher) TriggerCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.TriggerCheckpointRequest) error {
	client, err := d.dial(attemptID)
	if err != nil {
		return err
	}
	return client.TriggerCheckpoint(ctx, req)
}

func (d *jmDispatcher) ConfirmCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) error {
	client, err := d.dial(attemptID)
	if err != nil {
		return err
	}
	return client.ConfirmCheckpoint(ctx, req)
}

func (d *jmDispatcher) AbortCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) error {
	client, err := d.dial(attemptID)
	if err != nil {
		return err
	}
	return client.AbortCheckpoint(ctx, req)
}

// vertexResolver builds a checkpoint.VertexResolver over eg: every
// subtask of the named JobVertex that has a current attempt is a
// target, whatever that attempt's state.
func vertexResolver(eg *execgraph.ExecutionGraph) checkpoint.VertexResolver {
	return func(jobVertexID ids.JobVertexId) []checkpoint.VertexTarget {
		var targets []checkpoint.VertexTarget
		for _, ejv := range eg.JobVertices {
			if ejv.JobVertex.ID != jobVertexID {
				continue
			}
			for _, v := range ejv.Vertices {
				cur := v.CurrentAttempt()
				if cur == nil {
					continue
				}
				targets = append(targets, checkpoint.VertexTarget{
					JobVertexID:  jobVertexID,
					SubtaskIndex: v.SubtaskIndex,
					AttemptID:    cur.AttemptID,
				})
			}
		}
		return targets
	}
}
