package rpc

import "time"

// ResourceProfile describes a slot's (or a task executor's) resource
// capacity. Subsumption (A "matches" B) holds iff every field of A is
// >= the corresponding field of B.
type ResourceProfile struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// Matches reports whether p can satisfy a request for want.
func (p ResourceProfile) Matches(want ResourceProfile) bool {
	return p.CPUCores >= want.CPUCores && p.MemoryBytes >= want.MemoryBytes
}

// Ack is the degenerate "accepted, nothing to report back" response
// shape used by several fire-and-forget-style RPCs.
type Ack struct{}

// RMLeaderInfo answers "who is currently the resource manager leader,
// and what fencing token do they expect". It is unauthenticated by
// design: a JobMaster or TaskExecutor has to be able to ask it before
// it has any token to present.
type RMLeaderInfo struct {
	Leader       bool   `json:"leader"`
	FencingToken string `json:"fencing_token,omitempty"`
}

// RegistrationResult is returned by register_task_executor and
// register_job_manager.
type RegistrationResult struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instance_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SlotStatus is one entry of a SlotReport.
type SlotStatus struct {
	SlotIndex    int             `json:"slot_index"`
	AllocationID string          `json:"allocation_id,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	Profile      ResourceProfile `json:"profile"`
}

// SlotReport is a TaskExecutor's full declaration of its slots' state,
// sent on registration and on every TM->RM heartbeat reply.
type SlotReport struct {
	ResourceID string       `json:"resource_id"`
	InstanceID string       `json:"instance_id"`
	Slots      []SlotStatus `json:"slots"`
}

// SlotRequest is the payload of request_slot sent RM-ward by a JobMaster.
type SlotRequest struct {
	JobID          string          `json:"job_id"`
	AllocationID   string          `json:"allocation_id"`
	ResourceProfile ResourceProfile `json:"resource_profile"`
}

// TaskExecutorSlotRequest is the payload of request_slot sent TE-ward by
// the ResourceManager.
type TaskExecutorSlotRequest struct {
	SlotIndex            int             `json:"slot_index"`
	JobID                string          `json:"job_id"`
	AllocationID         string          `json:"allocation_id"`
	Profile              ResourceProfile `json:"profile"`
	TargetJobMasterAddr  string          `json:"target_job_master_addr"`
	ResourceManagerToken string          `json:"resource_manager_token"`
}

// OfferedSlot is one slot a TaskExecutor offers to a JobMaster.
type OfferedSlot struct {
	ResourceID   string          `json:"resource_id"`
	SlotIndex    int             `json:"slot_index"`
	AllocationID string          `json:"allocation_id"`
	Profile      ResourceProfile `json:"profile"`
	TaskExecutorAddr string      `json:"task_executor_addr"`
}

// OfferSlotsRequest is sent TE->JM once slots are activated locally.
type OfferSlotsRequest struct {
	ResourceID string        `json:"resource_id"`
	Slots      []OfferedSlot `json:"slots"`
}

// OfferSlotsResponse names which offered slots the JobMaster accepted;
// the TaskExecutor frees any slot not named here.
type OfferSlotsResponse struct {
	AcceptedAllocationIDs []string `json:"accepted_allocation_ids"`
}

// FailSlotRequest is sent RM->JM when a slot the JM was
// counting on can no longer be honored.
type FailSlotRequest struct {
	AllocationID string `json:"allocation_id"`
	Cause        string `json:"cause"`
}

// ResultPartitionDescriptor/InputGateDescriptor describe one task's
// shuffle wiring, populated by the scheduler at deploy time.
type ResultPartitionDescriptor struct {
	PartitionID      string `json:"partition_id"`
	NumSubpartitions int    `json:"num_subpartitions"`
	PartitionType    string `json:"partition_type"`   // pipelined-bounded | blocking
	PartitionerKind  string `json:"partitioner_kind"` // forward | rescale | hash | broadcast | rebalance | custom
}

type InputChannelDescriptor struct {
	ProducerPartitionID string `json:"producer_partition_id"`
	ProducerSubpartition int   `json:"producer_subpartition"`
	ProducerTaskExecutorAddr string `json:"producer_task_executor_addr"`
	Local bool `json:"local"`
}

type InputGateDescriptor struct {
	Channels []InputChannelDescriptor `json:"channels"`
}

// TaskDeploymentDescriptor is the payload of submit_task.
type TaskDeploymentDescriptor struct {
	JobID          string                      `json:"job_id"`
	JobVertexID    string                      `json:"job_vertex_id"`
	AttemptID      string                      `json:"attempt_id"`
	AllocationID   string                      `json:"allocation_id"`
	SubtaskIndex   int                         `json:"subtask_index"`
	AttemptNumber  int                         `json:"attempt_number"`
	InvokableClass string                      `json:"invokable_class"`
	OperatorChain  []byte                      `json:"operator_chain"`
	ProducedPartitions []ResultPartitionDescriptor `json:"produced_partitions"`
	InputGates     []InputGateDescriptor       `json:"input_gates"`
	TargetSlot     int                         `json:"target_slot"`
	RestoreHandle  []byte                      `json:"restore_handle,omitempty"`
	Checkpointing  JobCheckpointingSettings    `json:"checkpointing"`
	JobMasterAddr  string                      `json:"job_master_addr"`
}

// JobCheckpointingSettings is assembled by the graph compiler and
// carried to every task so its SubtaskCheckpointCoordinator knows the
// protocol parameters.
type JobCheckpointingSettings struct {
	Interval                   time.Duration `json:"interval"`
	Timeout                    time.Duration `json:"timeout"`
	MinPauseBetweenCheckpoints time.Duration `json:"min_pause_between_checkpoints"`
	MaxConcurrentCheckpoints   int           `json:"max_concurrent_checkpoints"`
	TolerableFailures          int           `json:"tolerable_failures"`
	ExactlyOnce                bool          `json:"exactly_once"`
	UnalignedEnabled           bool          `json:"unaligned_enabled"`
	TriggerVertexIDs           []string      `json:"trigger_vertex_ids"`
	AckVertexIDs               []string      `json:"ack_vertex_ids"`
	CommitVertexIDs            []string      `json:"commit_vertex_ids"`
}

// CheckpointOptions qualifies one trigger_checkpoint call.
type CheckpointOptions struct {
	Unaligned bool `json:"unaligned"`
	IsSavepoint bool `json:"is_savepoint"`
	TargetDirectory string `json:"target_directory,omitempty"`
}

// TriggerCheckpointRequest is sent JM->TE for a task on a trigger
// vertex.
type TriggerCheckpointRequest struct {
	AttemptID    string             `json:"attempt_id"`
	CheckpointID uint64             `json:"checkpoint_id"`
	Timestamp    int64              `json:"timestamp"`
	Options      CheckpointOptions  `json:"options"`
	AdvanceToEOT bool               `json:"advance_to_eot"`
}

type ConfirmOrAbortCheckpointRequest struct {
	AttemptID    string `json:"attempt_id"`
	CheckpointID uint64 `json:"checkpoint_id"`
	Timestamp    int64  `json:"timestamp"`
}

// StateHandleRef is an opaque pointer to a snapshot written by the state
// backend: either inline bytes or a blobstore key.
type StateHandleRef struct {
	Inline    []byte `json:"inline,omitempty"`
	BlobKey   string `json:"blob_key,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// AcknowledgeCheckpointRequest is sent TE->JM on local snapshot success.
type AcknowledgeCheckpointRequest struct {
	AttemptID      string                    `json:"attempt_id"`
	JobVertexID    string                    `json:"job_vertex_id"`
	SubtaskIndex   int                       `json:"subtask_index"`
	CheckpointID   uint64                    `json:"checkpoint_id"`
	DurationMillis int64                     `json:"duration_millis"`
	KeyedState     *StateHandleRef           `json:"keyed_state,omitempty"`
	OperatorState  *StateHandleRef           `json:"operator_state,omitempty"`
}

// DeclineCheckpointRequest is sent TE->JM on local snapshot failure.
type DeclineCheckpointRequest struct {
	AttemptID    string `json:"attempt_id"`
	CheckpointID uint64 `json:"checkpoint_id"`
	Cause        string `json:"cause"`
}

// UpdateTaskExecutionStateRequest reports an Execution's state machine
// transition from TaskExecutor to JobMaster.
type UpdateTaskExecutionStateRequest struct {
	AttemptID string `json:"attempt_id"`
	NewState  string `json:"new_state"`
	Cause     string `json:"cause,omitempty"`
}

// HeartbeatPayload is opaque to the transport; RM->TM heartbeats expect
// a SlotReport back, RM->JM heartbeats expect an empty payload.
type HeartbeatPayload struct {
	SlotReport *SlotReport `json:"slot_report,omitempty"`
}

// OperationState is the lifecycle of an AsyncOperationResult.
type OperationState string

const (
	OperationInProgress OperationState = "IN_PROGRESS"
	OperationCompleted  OperationState = "COMPLETED"
	OperationFailed     OperationState = "FAILED"
)

// AsyncOperationResult is the queue-status/resource envelope a
// long-running control call (trigger_savepoint, stop_with_savepoint)
// returns immediately, polled by the caller until it leaves
// OperationInProgress.
type AsyncOperationResult struct {
	TriggerID string         `json:"trigger_id"`
	State     OperationState `json:"state"`
	Location  string         `json:"location,omitempty"`
	Failure   string         `json:"failure,omitempty"`
}

// TriggerSavepointRequest asks a job's JobMaster to take a savepoint.
// TargetDirectory overrides the configured default when non-empty.
type TriggerSavepointRequest struct {
	TargetDirectory string `json:"target_directory,omitempty"`
}

// StopWithSavepointRequest asks a job's JobMaster to take a savepoint
// and, once it completes, cancel the job.
type StopWithSavepointRequest struct {
	TargetDirectory string `json:"target_directory,omitempty"`
	Drain           bool   `json:"drain,omitempty"`
}

// OperationStatusRequest polls an AsyncOperationResult by TriggerID.
type OperationStatusRequest struct {
	TriggerID string `json:"trigger_id"`
}

// JobStatusResponse summarizes one job's ExecutionGraph for streamctl.
type JobStatusResponse struct {
	JobID   string `json:"job_id"`
	State   string `json:"state"`
	Running int    `json:"running"`
	Total   int    `json:"total"`
}
