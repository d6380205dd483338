// Package checkpoint implements distributed, asynchronous barrier
// snapshotting of a running job: a CheckpointCoordinator on the job
// master periodically triggers a checkpoint, a BarrierHandler on every
// task aligns (or does not, per mode) the barrier across its input
// channels, and a SubtaskCheckpointCoordinator drives the local
// snapshot sequence and reports back over the already-wired
// JobMasterGateway/TaskExecutorGateway RPCs.
package checkpoint

import (
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
)

// TaskStateHandle is one subtask's contribution to a checkpoint:
// pointers to its operator and keyed state, both produced by the same
// statebackend.Handle so a single restore call recovers both.
type TaskStateHandle struct {
	JobVertexID   ids.JobVertexId    `json:"job_vertex_id"`
	SubtaskIndex  int                `json:"subtask_index"`
	OperatorState rpc.StateHandleRef `json:"operator_state"`
	KeyedState    rpc.StateHandleRef `json:"keyed_state"`
}

// metadataVersion guards the on-disk shape of CheckpointMetadata; bump
// it whenever the shape changes so Load can refuse to misread an older
// file.
const metadataVersion = 1

// CheckpointMetadata is the versioned header persisted at
// {storage-root}/{job-id}/chk-{cid}/_metadata (or under a caller-chosen
// directory for a savepoint), naming every subtask's state handle.
type CheckpointMetadata struct {
	Version      int               `json:"version"`
	JobID        ids.JobId         `json:"job_id"`
	CheckpointID ids.CheckpointId  `json:"checkpoint_id"`
	Timestamp    int64             `json:"timestamp"`
	IsSavepoint  bool              `json:"is_savepoint"`
	TaskStates   []TaskStateHandle `json:"task_states"`
}

// CompletedCheckpoint is the coordinator's record of a checkpoint that
// reached Completed: every ack target reported a state handle and the
// metadata was durably persisted.
type CompletedCheckpoint struct {
	ID          ids.CheckpointId
	JobID       ids.JobId
	CompletedAt time.Time
	MetadataDir string
	IsSavepoint bool
}
