// Package taskexecutor implements the TaskExecutor endpoint: the
// per-node agent that registers with a ResourceManager,
// activates slots on request, runs tasks deployed into them by a
// JobMaster, and serves the checkpoint RPCs that drive local snapshot
// execution.
package taskexecutor

import (
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/task"
)

// SlotPhase is a slot's position in the Free -> Allocated -> Active ->
// Releasing -> Free lifecycle.
type SlotPhase int

const (
	SlotFree SlotPhase = iota
	SlotAllocated
	SlotActive
	SlotReleasing
)

func (p SlotPhase) String() string {
	switch p {
	case SlotFree:
		return "free"
	case SlotAllocated:
		return "allocated"
	case SlotActive:
		return "active"
	case SlotReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// slotEntry is one slot's local state.
type slotEntry struct {
	Index        int
	Phase        SlotPhase
	Profile      rpc.ResourceProfile
	AllocationID ids.AllocationId
	JobID        ids.JobId
	JobMasterAddr string
	AllocatedAt  time.Time
}

// runningTask is a task currently deployed into an active slot.
type runningTask struct {
	AttemptID  ids.ExecutionAttemptId
	JobID      ids.JobId
	SlotIndex  int
	Deployment rpc.TaskDeploymentDescriptor
	State      string
	runner     *task.Task
	canceled   bool
}
