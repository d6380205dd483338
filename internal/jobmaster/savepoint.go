package jobmaster

import (
	"context"
	"fmt"
	"time"

	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/rpc"
)

// triggerSavepoint starts a savepoint checkpoint and returns its
// AsyncOperationResult immediately, in OperationInProgress, keyed by
// the checkpoint id so streamctl can poll operationStatus. stopAfter,
// when true, cancels every running vertex once the savepoint completes
// (stop_with_savepoint).
func (jm *JobMaster) triggerSavepoint(ctx context.Context, targetDir string, stopAfter bool) (rpc.AsyncOperationResult, error) {
	jm.mu.Lock()
	cc, eg := jm.checkpoints, jm.eg
	jm.mu.Unlock()
	if cc == nil || eg == nil {
		return rpc.AsyncOperationResult{}, fmt.Errorf("jobmaster: job not yet running")
	}

	id, err := cc.TriggerCheckpoint(ctx, rpc.CheckpointOptions{IsSavepoint: true, TargetDirectory: targetDir})
	if err != nil {
		return rpc.AsyncOperationResult{}, err
	}

	triggerID := fmt.Sprintf("%d", id)
	result := rpc.AsyncOperationResult{TriggerID: triggerID, State: rpc.OperationInProgress}
	jm.mu.Lock()
	jm.operations[triggerID] = &result
	timeout := jm.cfg.Checkpoint.Timeout
	jm.mu.Unlock()

	go jm.watchSavepoint(id, triggerID, eg, timeout, stopAfter)

	return result, nil
}

// watchSavepoint polls LatestCompleted until it observes id or timeout
// elapses, records the outcome for operationStatus, and, for
// stop_with_savepoint, cancels every still-running vertex once the
// savepoint lands.
func (jm *JobMaster) watchSavepoint(id ids.CheckpointId, triggerID string, eg *execgraph.ExecutionGraph, timeout time.Duration, stopAfter bool) {
	jm.mu.Lock()
	cc := jm.checkpoints
	jm.mu.Unlock()
	if cc == nil {
		return
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if completed, ok := cc.LatestCompleted(); ok && completed.ID == id {
			jm.finishOperation(triggerID, rpc.OperationCompleted, completed.MetadataDir, "")
			if stopAfter {
				jm.cancelRunningVertices(eg)
			}
			return
		}
		if time.Now().After(deadline) {
			jm.finishOperation(triggerID, rpc.OperationFailed, "", "savepoint timed out")
			return
		}
	}
}

func (jm *JobMaster) finishOperation(triggerID string, state rpc.OperationState, location, failure string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	op, ok := jm.operations[triggerID]
	if !ok {
		return
	}
	op.State = state
	op.Location = location
	op.Failure = failure
}

// cancelRunningVertices asks every vertex with a non-terminal attempt's
// TaskExecutor to cancel it, the same deployer path HandleFailure uses.
func (jm *JobMaster) cancelRunningVertices(eg *execgraph.ExecutionGraph) {
	jm.mu.Lock()
	deployer := jm.deployer
	jm.mu.Unlock()
	if deployer == nil {
		return
	}
	for _, v := range eg.AllVertices() {
		cur := v.CurrentAttempt()
		if cur == nil || cur.CurrentState().Terminal() {
			continue
		}
		if err := deployer.CancelTask(context.Background(), "", cur.AttemptID); err != nil {
			log.WithComponent("jobmaster").Warn().Err(err).Str("attempt_id", string(cur.AttemptID)).Msg("stop_with_savepoint: cancel failed")
		}
	}
}

// operationStatus looks up a previously triggered AsyncOperationResult.
func (jm *JobMaster) operationStatus(triggerID string) (rpc.AsyncOperationResult, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	op, ok := jm.operations[triggerID]
	if !ok {
		return rpc.AsyncOperationResult{}, false
	}
	return *op, true
}

// jobStatus summarizes the ExecutionGraph's current run state for
// streamctl's status command.
func (jm *JobMaster) jobStatus() rpc.JobStatusResponse {
	jm.mu.Lock()
	eg, leader := jm.eg, jm.leader
	jm.mu.Unlock()

	resp := rpc.JobStatusResponse{JobID: string(jm.jobID)}
	if !leader {
		resp.State = "NOT_LEADER"
		return resp
	}
	if eg == nil {
		resp.State = "INITIALIZING"
		return resp
	}
	running, total := 0, 0
	for _, v := range eg.AllVertices() {
		total++
		if cur := v.CurrentAttempt(); cur != nil && cur.CurrentState() == execgraph.Running {
			running++
		}
	}
	resp.Running, resp.Total = running, total
	switch {
	case running == total && total > 0:
		resp.State = "RUNNING"
	case running == 0 && total > 0:
		resp.State = "NOT_RUNNING"
	default:
		resp.State = "PARTIALLY_RUNNING"
	}
	return resp
}
