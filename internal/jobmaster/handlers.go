package jobmaster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/scheduler"
)

func (jm *JobMaster) handleUpdateTaskExecutionState(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.UpdateTaskExecutionStateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	eg, sched := jm.eg, jm.scheduler
	jm.mu.Unlock()
	if eg == nil {
		return nil, nil
	}

	v, execution, ok := eg.FindByAttempt(ids.ExecutionAttemptId(req.AttemptID))
	if !ok {
		return nil, nil
	}

	switch req.NewState {
	case "FINISHED":
		_ = execution.Transition(execgraph.Finished)
	case "FAILED":
		_ = execution.Transition(execgraph.Failed)
		if sched != nil {
			go func() {
				if err := sched.HandleFailure(context.Background(), v, fmt.Errorf("%s", req.Cause)); err != nil {
					log.WithComponent("jobmaster").Error().Err(err).Str("job_id", string(jm.jobID)).Msg("failover after task failure did not recover")
				}
			}()
		}
	case "CANCELED":
		_ = execution.Transition(execgraph.Canceled)
	}
	return nil, nil
}

// handleOfferSlots accepts every offered slot whose allocation this
// JobMaster is still waiting on, remembers the owning TaskExecutor's
// address for later input-gate wiring, and unblocks the matching
// SlotAllocator.RequestSlot caller.
func (jm *JobMaster) handleOfferSlots(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.OfferSlotsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	allocator, deployer := jm.allocator, jm.deployer
	jm.mu.Unlock()
	if allocator == nil || deployer == nil {
		return json.Marshal(rpc.OfferSlotsResponse{})
	}

	var accepted []string
	for _, slot := range req.Slots {
		assignment := scheduler.SlotAssignment{
			ResourceID:       ids.ResourceId(slot.ResourceID),
			SlotIndex:        slot.SlotIndex,
			TaskExecutorAddr: slot.TaskExecutorAddr,
		}
		if allocator.resolve(ids.AllocationId(slot.AllocationID), assignment) {
			deployer.rememberAddr(assignment.ResourceID, assignment.TaskExecutorAddr)
			accepted = append(accepted, slot.AllocationID)
		}
	}
	return json.Marshal(rpc.OfferSlotsResponse{AcceptedAllocationIDs: accepted})
}

// handleFailSlot reports a slot this JobMaster was counting on (or is
// already running a task on) can no longer be honored.
func (jm *JobMaster) handleFailSlot(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.FailSlotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	allocator, eg, sched := jm.allocator, jm.eg, jm.scheduler
	jm.mu.Unlock()

	if allocator != nil && allocator.fail(ids.AllocationId(req.AllocationID), fmt.Errorf("slot failed: %s", req.Cause)) {
		return nil, nil
	}
	if eg == nil || sched == nil {
		return nil, nil
	}
	for _, v := range eg.AllVertices() {
		if cur := v.CurrentAttempt(); cur != nil && string(cur.AllocationID) == req.AllocationID {
			go func(v *execgraph.ExecutionVertex) {
				_ = sched.HandleFailure(context.Background(), v, fmt.Errorf("slot failed: %s", req.Cause))
			}(v)
			break
		}
	}
	return nil, nil
}

func (jm *JobMaster) handleAcknowledgeCheckpoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.AcknowledgeCheckpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	jm.mu.Lock()
	cc := jm.checkpoints
	jm.mu.Unlock()
	if cc == nil {
		return nil, nil
	}
	return nil, cc.Acknowledge(ctx, req)
}

func (jm *JobMaster) handleDeclineCheckpoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.DeclineCheckpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	jm.mu.Lock()
	cc := jm.checkpoints
	jm.mu.Unlock()
	if cc == nil {
		return nil, nil
	}
	return nil, cc.Decline(ctx, req)
}

func (jm *JobMaster) handleHeartbeatFromTaskManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (jm *JobMaster) handleHeartbeatFromResourceManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := jm.checkToken(token); err != nil {
		return nil, err
	}
	return nil, nil
}

func (jm *JobMaster) handleTriggerSavepoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := jm.checkToken(token); err != nil {
		return nil, err
	}
	var req rpc.TriggerSavepointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	result, err := jm.triggerSavepoint(ctx, req.TargetDirectory, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (jm *JobMaster) handleStopWithSavepoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := jm.checkToken(token); err != nil {
		return nil, err
	}
	var req rpc.StopWithSavepointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	result, err := jm.triggerSavepoint(ctx, req.TargetDirectory, true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (jm *JobMaster) handleOperationStatus(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.OperationStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	result, ok := jm.operationStatus(req.TriggerID)
	if !ok {
		return nil, fmt.Errorf("jobmaster: unknown operation %q", req.TriggerID)
	}
	return json.Marshal(result)
}

func (jm *JobMaster) handleJobStatus(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(jm.jobStatus())
}

func (jm *JobMaster) handleCancelJob(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := jm.checkToken(token); err != nil {
		return nil, err
	}
	jm.mu.Lock()
	eg := jm.eg
	jm.mu.Unlock()
	if eg == nil {
		return nil, fmt.Errorf("jobmaster: job not yet running")
	}
	jm.cancelRunningVertices(eg)
	return nil, nil
}
