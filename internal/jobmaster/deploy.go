package jobmaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/scheduler"
)

// jmSlotAllocator implements scheduler.SlotAllocator against a live
// ResourceManager: RequestSlot asks the RM, then blocks until this
// JobMaster's own offer_slots handler resolves a matching offer (or
// fail_slot reports the allocation cannot be honored).
type jmSlotAllocator struct {
	jm *JobMaster

	mu      sync.Mutex
	pending map[ids.AllocationId]chan slotOutcome
}

type slotOutcome struct {
	assignment scheduler.SlotAssignment
	err        error
}

func newSlotAllocator(jm *JobMaster) *jmSlotAllocator {
	return &jmSlotAllocator{jm: jm, pending: make(map[ids.AllocationId]chan slotOutcome)}
}

func (a *jmSlotAllocator) RequestSlot(ctx context.Context, allocationID ids.AllocationId, profile rpc.ResourceProfile) (scheduler.SlotAssignment, error) {
	ch := make(chan slotOutcome, 1)
	a.mu.Lock()
	a.pending[allocationID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, allocationID)
		a.mu.Unlock()
	}()

	a.jm.mu.Lock()
	gw := a.jm.rmGateway
	a.jm.mu.Unlock()
	if gw == nil {
		return scheduler.SlotAssignment{}, fmt.Errorf("jobmaster: not registered with a resource manager yet")
	}

	err := gw.RequestSlot(ctx, a.jm.rmToken(), rpc.SlotRequest{
		JobID:           string(a.jm.jobID),
		AllocationID:    string(allocationID),
		ResourceProfile: profile,
	})
	if err != nil {
		return scheduler.SlotAssignment{}, err
	}

	select {
	case out := <-ch:
		return out.assignment, out.err
	case <-ctx.Done():
		return scheduler.SlotAssignment{}, ctx.Err()
	}
}

// resolve delivers a successful offer to a RequestSlot caller still
// waiting on allocationID. It returns false if nothing is waiting
// (the offer arrived after the caller gave up, or for an allocation
// this JobMaster never requested).
func (a *jmSlotAllocator) resolve(allocationID ids.AllocationId, assignment scheduler.SlotAssignment) bool {
	a.mu.Lock()
	ch, ok := a.pending[allocationID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- slotOutcome{assignment: assignment}
	return true
}

// fail delivers a failure to a RequestSlot caller still waiting on
// allocationID, returning false if nothing is waiting.
func (a *jmSlotAllocator) fail(allocationID ids.AllocationId, cause error) bool {
	a.mu.Lock()
	ch, ok := a.pending[allocationID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- slotOutcome{err: cause}
	return true
}

// jmDeployer implements scheduler.Deployer against live TaskExecutors.
// It enriches the scheduler's partial TaskDeploymentDescriptor with
// everything only the JobMaster knows: the operator chain to run, the
// subtask's own output partitions, and the input gates wiring it to its
// upstream producers' resolved addresses.
type jmDeployer struct {
	jm *JobMaster
	eg *execgraph.ExecutionGraph

	mu            sync.Mutex
	resourceAddrs map[ids.ResourceId]string
}

func newDeployer(jm *JobMaster, eg *execgraph.ExecutionGraph) *jmDeployer {
	return &jmDeployer{jm: jm, eg: eg, resourceAddrs: make(map[ids.ResourceId]string)}
}

func (d *jmDeployer) rememberAddr(resourceID ids.ResourceId, addr string) {
	d.mu.Lock()
	d.resourceAddrs[resourceID] = addr
	d.mu.Unlock()
}

func (d *jmDeployer) addrFor(resourceID ids.ResourceId) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.resourceAddrs[resourceID]
	return addr, ok
}

func (d *jmDeployer) SubmitTask(ctx context.Context, addr string, tdd rpc.TaskDeploymentDescriptor) error {
	ejv, v := d.findJobVertex(ids.JobVertexId(tdd.JobVertexID), tdd.SubtaskIndex)
	if ejv == nil {
		return fmt.Errorf("jobmaster: unknown job vertex %s for deployment", tdd.JobVertexID)
	}
	jv := ejv.JobVertex

	chain, err := json.Marshal(serializeChain(jv.OperatorChain))
	if err != nil {
		return fmt.Errorf("jobmaster: failed to serialize operator chain: %w", err)
	}
	tdd.InvokableClass = jv.InvokableClass
	tdd.OperatorChain = chain
	tdd.ProducedPartitions = v.Produced
	tdd.InputGates = d.buildInputGates(jv, tdd.SubtaskIndex)
	tdd.JobMasterAddr = d.jm.address

	conn, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	client := rpc.NewTaskExecutorClient(conn, d.jm.currentTokenString)
	return client.SubmitTask(ctx, d.jm.currentTokenString(), tdd)
}

// CancelTask ignores addr: HandleFailure calls this with an empty
// address since the scheduler has no resolved address for a failed
// Execution at that point, so the target is looked up from the
// ExecutionGraph's own bookkeeping instead.
func (d *jmDeployer) CancelTask(ctx context.Context, addr string, attemptID ids.ExecutionAttemptId) error {
	_, execution, ok := d.eg.FindByAttempt(attemptID)
	if !ok {
		return nil
	}
	target := addr
	if target == "" {
		resolved, ok := d.addrFor(execution.ResourceID)
		if !ok {
			return fmt.Errorf("jobmaster: no known address for resource %s, cannot cancel attempt %s", execution.ResourceID, attemptID)
		}
		target = resolved
	}
	conn, err := rpc.Dial(target)
	if err != nil {
		return err
	}
	client := rpc.NewTaskExecutorClient(conn, d.jm.currentTokenString)
	return client.CancelTask(ctx, string(attemptID))
}

func (d *jmDeployer) findJobVertex(id ids.JobVertexId, subtaskIndex int) (*execgraph.ExecutionJobVertex, *execgraph.ExecutionVertex) {
	for _, ejv := range d.eg.JobVertices {
		if ejv.JobVertex.ID != id {
			continue
		}
		for _, v := range ejv.Vertices {
			if v.SubtaskIndex == subtaskIndex {
				return ejv, v
			}
		}
	}
	return nil, nil
}

// serializedOperator mirrors the shape internal/runtime/task expects
// when decoding a TaskDeploymentDescriptor's OperatorChain. Config is
// left empty: the graph compiler does not yet carry per-operator
// configuration payloads, only the class to instantiate.
type serializedOperator struct {
	OperatorID string `json:"operator_id"`
	Class      string `json:"class"`
	Config     []byte `json:"config,omitempty"`
}

func serializeChain(chain []graph.ChainedOperator) []serializedOperator {
	out := make([]serializedOperator, len(chain))
	for i, op := range chain {
		out[i] = serializedOperator{OperatorID: string(op.OperatorID), Class: op.InvokableClass}
	}
	return out
}

// buildInputGates assembles one InputGateDescriptor per inbound edge of
// jv for the given consumer subtask, fanning a pointwise edge from
// matching producer subtask indices and an all-to-all edge from every
// producer subtask.
func (d *jmDeployer) buildInputGates(jv *graph.JobVertex, consumerSubtask int) []rpc.InputGateDescriptor {
	var gates []rpc.InputGateDescriptor
	for _, edge := range jv.InEdges {
		producerEJV, _ := d.findJobVertex(edge.From.ID, 0)
		if producerEJV == nil {
			continue
		}
		var channels []rpc.InputChannelDescriptor
		for _, pv := range producerEJV.Vertices {
			if edge.Distribution == graph.DistributionPointwise && pv.SubtaskIndex%edge.To.Parallelism != consumerSubtask%edge.To.Parallelism {
				continue
			}
			cur := pv.CurrentAttempt()
			if cur == nil || len(pv.Produced) == 0 {
				continue
			}
			addr, _ := d.addrFor(cur.ResourceID)
			subIdx := 0
			if edge.Distribution == graph.DistributionAllToAll {
				subIdx = consumerSubtask % max(1, pv.Produced[0].NumSubpartitions)
			}
			channels = append(channels, rpc.InputChannelDescriptor{
				ProducerPartitionID:     pv.Produced[0].PartitionID,
				ProducerSubpartition:    subIdx,
				ProducerTaskExecutorAddr: addr,
				Local:                   false,
			})
		}
		gates = append(gates, rpc.InputGateDescriptor{Channels: channels})
	}
	return gates
}
