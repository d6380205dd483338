// Package execgraph tracks the runtime execution state of a compiled
// JobGraph: ExecutionJobVertex/ExecutionVertex/
// Execution, their state machines, and the monotonic-version invariant
// used for optimistic-concurrency scheduling decisions.
package execgraph

import (
	"fmt"
	"sync"

	"github.com/streamcore/engine/internal/graph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
)

// ExecutionState is the per-attempt execution lifecycle: Created,
// Scheduled, Deploying, Running, and the terminal states.
type ExecutionState int

const (
	Created ExecutionState = iota
	Scheduled
	Deploying
	Running
	Finished
	Canceling
	Canceled
	Failed
)

func (s ExecutionState) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Scheduled:
		return "SCHEDULED"
	case Deploying:
		return "DEPLOYING"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Canceling:
		return "CANCELING"
	case Canceled:
		return "CANCELED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s ExecutionState) Terminal() bool {
	return s == Finished || s == Canceled || s == Failed
}

// validTransitions enumerates the monotonic state machine; any
// transition not listed here is rejected.
var validTransitions = map[ExecutionState][]ExecutionState{
	Created:   {Scheduled, Canceled, Failed},
	Scheduled: {Deploying, Canceled, Failed},
	Deploying: {Running, Canceled, Failed},
	Running:   {Finished, Canceling, Failed},
	Canceling: {Canceled, Failed},
}

// Execution is one attempt of an ExecutionVertex.
type Execution struct {
	mu sync.Mutex

	AttemptID     ids.ExecutionAttemptId
	AttemptNumber int
	State         ExecutionState
	AllocationID  ids.AllocationId
	ResourceID    ids.ResourceId
	FailureCause  string
}

// Transition moves the Execution to next iff the move is in
// validTransitions; otherwise it returns an error and leaves the state
// unchanged, preserving the monotonic-transition invariant.
func (e *Execution) Transition(next ExecutionState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, allowed := range validTransitions[e.State] {
		if allowed == next {
			e.State = next
			return nil
		}
	}
	return fmt.Errorf("execgraph: illegal transition %s -> %s for attempt %s", e.State, next, e.AttemptID)
}

func (e *Execution) CurrentState() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State
}

// ExecutionVertex is one parallel subtask of a JobVertex; at most one
// of its Executions may be non-terminal at a time.
type ExecutionVertex struct {
	mu sync.Mutex

	JobVertexID  ids.JobVertexId
	SubtaskIndex int
	Version      uint64 // bumped each time NewAttempt creates a fresh attempt, for optimistic concurrency
	Current      *Execution
	Produced     []rpc.ResultPartitionDescriptor
}

// NewAttempt creates a fresh Execution attempt, refusing to do so while
// the current attempt (if any) is still non-terminal.
func (v *ExecutionVertex) NewAttempt() (*Execution, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Current != nil && !v.Current.CurrentState().Terminal() {
		return nil, fmt.Errorf("execgraph: vertex %s/%d already has a non-terminal attempt", v.JobVertexID, v.SubtaskIndex)
	}
	attemptNumber := 0
	if v.Current != nil {
		attemptNumber = v.Current.AttemptNumber + 1
	}
	v.Current = &Execution{
		AttemptID:     ids.NewExecutionAttemptId(),
		AttemptNumber: attemptNumber,
		State:         Created,
	}
	v.Version++
	return v.Current, nil
}

// CurrentAttempt returns the vertex's current Execution under lock, for
// callers outside this package (the scheduler) that must not reach
// into the unexported mutex directly.
func (v *ExecutionVertex) CurrentAttempt() *Execution {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Current
}

// SetResourceID records which TaskExecutor an Execution landed on.
func (e *Execution) SetResourceID(id ids.ResourceId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ResourceID = id
}

// ExecutionJobVertex groups the ExecutionVertices deployed from one
// compiled JobVertex.
type ExecutionJobVertex struct {
	JobVertex *graph.JobVertex
	Vertices  []*ExecutionVertex
}

// NewExecutionJobVertex instantiates Parallelism ExecutionVertices for
// jv, each starting with one Created attempt.
func NewExecutionJobVertex(jv *graph.JobVertex) (*ExecutionJobVertex, error) {
	ejv := &ExecutionJobVertex{JobVertex: jv}
	for i := 0; i < jv.Parallelism; i++ {
		v := &ExecutionVertex{JobVertexID: jv.ID, SubtaskIndex: i}
		if _, err := v.NewAttempt(); err != nil {
			return nil, err
		}
		ejv.Vertices = append(ejv.Vertices, v)
	}
	return ejv, nil
}

// ExecutionGraph is the runtime counterpart of a graph.JobGraph.
type ExecutionGraph struct {
	JobID      ids.JobId
	JobGraph   *graph.JobGraph
	JobVertices []*ExecutionJobVertex
}

// NewExecutionGraph instantiates an ExecutionGraph from a compiled
// JobGraph, one ExecutionJobVertex per JobVertex.
func NewExecutionGraph(jg *graph.JobGraph) (*ExecutionGraph, error) {
	eg := &ExecutionGraph{JobID: jg.JobID, JobGraph: jg}
	for _, jv := range jg.Vertices {
		ejv, err := NewExecutionJobVertex(jv)
		if err != nil {
			return nil, err
		}
		eg.JobVertices = append(eg.JobVertices, ejv)
	}
	return eg, nil
}

// AllVertices flattens every ExecutionVertex across all JobVertices, in
// JobVertex then subtask-index order (stable iteration order for
// deterministic scheduling batches).
func (eg *ExecutionGraph) AllVertices() []*ExecutionVertex {
	var all []*ExecutionVertex
	for _, ejv := range eg.JobVertices {
		all = append(all, ejv.Vertices...)
	}
	return all
}

// FindByAttempt locates the ExecutionVertex currently holding attemptID.
func (eg *ExecutionGraph) FindByAttempt(attemptID ids.ExecutionAttemptId) (*ExecutionVertex, *Execution, bool) {
	for _, v := range eg.AllVertices() {
		v.mu.Lock()
		cur := v.Current
		v.mu.Unlock()
		if cur != nil && cur.AttemptID == attemptID {
			return v, cur, true
		}
	}
	return nil, nil, false
}
