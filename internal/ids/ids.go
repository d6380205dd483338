// Package ids defines the globally unique identifiers shared across the
// control plane, scheduler, and task runtime.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// JobId identifies one submitted streaming job.
type JobId string

// JobVertexId identifies one logical operator position in a StreamGraph.
// It is the node id written in the job manifest, used as is (no
// hashing) and not a random id, so resubmitting an unchanged manifest
// reproduces identical ids.
type JobVertexId string

// ExecutionAttemptId identifies one attempt of one ExecutionVertex.
type ExecutionAttemptId string

// OperatorId identifies one operator within a chained JobVertex.
type OperatorId string

// AllocationId identifies a slot reservation.
type AllocationId string

// ResourceId identifies a TaskExecutor instance.
type ResourceId string

// InstanceId identifies a registration epoch for a ResourceId; a
// TaskExecutor reconnecting under a new InstanceId invalidates any state
// keyed by its previous InstanceId.
type InstanceId string

// SlotId identifies one slot, scoped to the TaskExecutor that owns it.
type SlotId struct {
	ResourceId ResourceId
	SlotIndex  int
}

func (s SlotId) String() string {
	return fmt.Sprintf("%s/%d", s.ResourceId, s.SlotIndex)
}

// TriggerId identifies one asynchronous operation (e.g. a savepoint
// trigger) that a client polls to completion.
type TriggerId string

// ResultPartitionId identifies one ExecutionVertex's shuffle output,
// scoped to one ExecutionAttemptId.
type ResultPartitionId string

// CheckpointId is monotonically increasing per job.
type CheckpointId uint64

// FencingToken is a leader-epoch uuid stamped on every outgoing RPC once
// a party is confirmed leader of a path; endpoints reject requests whose
// token does not match their current fencing token.
type FencingToken string

// NewJobId, NewAllocationId, etc. mint fresh random identifiers. Stable
// identifiers (JobVertexId, OperatorId) are derived, not minted; see
// package graph for their construction.

func NewJobId() JobId                       { return JobId(uuid.NewString()) }
func NewExecutionAttemptId() ExecutionAttemptId { return ExecutionAttemptId(uuid.NewString()) }
func NewAllocationId() AllocationId         { return AllocationId(uuid.NewString()) }
func NewResourceId() ResourceId             { return ResourceId(uuid.NewString()) }
func NewInstanceId() InstanceId             { return InstanceId(uuid.NewString()) }
func NewTriggerId() TriggerId               { return TriggerId(uuid.NewString()) }
func NewResultPartitionId() ResultPartitionId { return ResultPartitionId(uuid.NewString()) }
func NewFencingToken() FencingToken         { return FencingToken(uuid.NewString()) }

// NoFencingToken is the zero value; endpoints treat it as "no leader
// confirmed yet" and only accept unfenced lifecycle calls against it.
const NoFencingToken FencingToken = ""
