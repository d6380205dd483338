// Package resourcemgr implements the ResourceManager and SlotManager:
// the central broker for cluster slot capacity, matching slot requests
// against free slots reported by task executors.
package resourcemgr

import (
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
)

// SlotState is one slot, free or allocated, as tracked fleet-wide by
// the SlotManager.
type SlotState struct {
	SlotId     ids.SlotId
	Profile    rpc.ResourceProfile
	AllocationID ids.AllocationId // empty if free
	JobID        ids.JobId
}

// taskExecutorEntry is the SlotManager's per-TaskExecutor bookkeeping.
type taskExecutorEntry struct {
	ResourceID ids.ResourceId
	InstanceID ids.InstanceId
	Address    string
	Total      rpc.ResourceProfile
	DefaultSlot rpc.ResourceProfile
	Slots      map[int]*SlotState
	LastHeartbeat time.Time
}

// pendingRequest is a slot request the SlotManager could not satisfy
// immediately.
type pendingRequest struct {
	AllocationID ids.AllocationId
	JobID        ids.JobId
	Profile      rpc.ResourceProfile
	JobMasterToken string
	RequestedAt  time.Time
}

// jobManagerEntry tracks a registered JobMaster so the ResourceManager
// can route fail_slot/heartbeat calls to it.
type jobManagerEntry struct {
	JobID      ids.JobId
	ResourceID ids.ResourceId
	Address    string
	LastHeartbeat time.Time
}
