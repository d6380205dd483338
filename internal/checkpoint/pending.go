package checkpoint

import (
	"sync"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
)

// ackKey addresses one ack-vertex subtask within a PendingCheckpoint.
type ackKey struct {
	jobVertexID  ids.JobVertexId
	subtaskIndex int
}

// PendingCheckpoint tracks one in-flight checkpoint on the coordinator
// side: which ack-vertex subtasks have yet to report in, and the state
// handles collected from the ones that have.
type PendingCheckpoint struct {
	ID        ids.CheckpointId
	JobID     ids.JobId
	StartedAt time.Time
	Options   rpc.CheckpointOptions

	mu      sync.Mutex
	pending map[ackKey]struct{}
	states  []TaskStateHandle

	// done is closed exactly once, by the coordinator, when this
	// checkpoint is finalized (completed or aborted); a pending timeout
	// goroutine selects on it to stop waiting. closeDone guards against
	// complete and abort racing to close it for the same checkpoint
	// (e.g. a Decline or watchTimeout firing while the final Acknowledge
	// is already in flight).
	done      chan struct{}
	closeDone sync.Once
}

func newPendingCheckpoint(jobID ids.JobId, id ids.CheckpointId, opts rpc.CheckpointOptions, ackTargets []ackKey) *PendingCheckpoint {
	p := &PendingCheckpoint{
		ID:        id,
		JobID:     jobID,
		StartedAt: time.Now(),
		Options:   opts,
		pending:   make(map[ackKey]struct{}, len(ackTargets)),
		done:      make(chan struct{}),
	}
	for _, k := range ackTargets {
		p.pending[k] = struct{}{}
	}
	return p
}

// acknowledge records one ack-vertex subtask's successful local
// snapshot and reports whether every ack target has now reported in.
func (p *PendingCheckpoint) acknowledge(jobVertexID ids.JobVertexId, subtaskIndex int, opState, keyedState rpc.StateHandleRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, ackKey{jobVertexID, subtaskIndex})
	p.states = append(p.states, TaskStateHandle{
		JobVertexID:   jobVertexID,
		SubtaskIndex:  subtaskIndex,
		OperatorState: opState,
		KeyedState:    keyedState,
	})
	return len(p.pending) == 0
}

// markDone closes the done channel exactly once, however many times
// markDone itself is called.
func (p *PendingCheckpoint) markDone() {
	p.closeDone.Do(func() { close(p.done) })
}

func (p *PendingCheckpoint) taskStates() []TaskStateHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TaskStateHandle, len(p.states))
	copy(out, p.states)
	return out
}
