// Package scheduler implements DefaultScheduler: the
// job master's driver from ExecutionVertex Created through Running,
// including slot acquisition, task deployment, and a batch
// slot-allocation-and-deploy algorithm for failure-triggered restarts.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/execgraph"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/rpc"
)

// Strategy selects when ExecutionVertices become eligible for
// scheduling.
type Strategy int

const (
	StrategyEager Strategy = iota
	StrategyLazyFromSources
)

// SlotAllocator abstracts the ResourceManager-facing slot-acquisition
// call so DefaultScheduler can be tested without a live RM connection.
// A real implementation lives in internal/jobmaster, dialing the
// ResourceManagerGateway.
type SlotAllocator interface {
	// RequestSlot asks for a slot matching profile for execution and
	// returns once the TaskExecutor has confirmed an offer (or the
	// context is done / the request errors).
	RequestSlot(ctx context.Context, allocationID ids.AllocationId, profile rpc.ResourceProfile) (SlotAssignment, error)
}

// SlotAssignment is what a successful RequestSlot call resolves to.
type SlotAssignment struct {
	ResourceID       ids.ResourceId
	SlotIndex        int
	TaskExecutorAddr string
}

// Deployer abstracts submit_task/cancel_task against a TaskExecutor.
type Deployer interface {
	SubmitTask(ctx context.Context, addr string, tdd rpc.TaskDeploymentDescriptor) error
	CancelTask(ctx context.Context, addr string, attemptID ids.ExecutionAttemptId) error
}

// FailoverStrategy decides which vertices to restart given one failed
// vertex.
type FailoverStrategy interface {
	AffectedVertices(eg *execgraph.ExecutionGraph, failed *execgraph.ExecutionVertex) []*execgraph.ExecutionVertex
}

// FullRestartStrategy restarts every vertex in the graph on any
// failure.
type FullRestartStrategy struct{}

func (FullRestartStrategy) AffectedVertices(eg *execgraph.ExecutionGraph, _ *execgraph.ExecutionVertex) []*execgraph.ExecutionVertex {
	return eg.AllVertices()
}

// RegionLocalStrategy restarts only the failed vertex and anything
// reachable from it (its pipelined-region downstream consumers),
// identified here by walking JobEdges forward from the failed
// JobVertex. Upstream vertices outside the region are left untouched,
// limiting the blast radius of a single task failure.
type RegionLocalStrategy struct{}

func (RegionLocalStrategy) AffectedVertices(eg *execgraph.ExecutionGraph, failed *execgraph.ExecutionVertex) []*execgraph.ExecutionVertex {
	region := map[ids.JobVertexId]bool{failed.JobVertexID: true}
	changed := true
	for changed {
		changed = false
		for _, ejv := range eg.JobVertices {
			if !region[ejv.JobVertex.ID] {
				continue
			}
			for _, e := range ejv.JobVertex.OutEdges {
				if !region[e.To.ID] {
					region[e.To.ID] = true
					changed = true
				}
			}
		}
	}
	var affected []*execgraph.ExecutionVertex
	for _, ejv := range eg.JobVertices {
		if region[ejv.JobVertex.ID] {
			affected = append(affected, ejv.Vertices...)
		}
	}
	return affected
}

// RestartBackoffTimeStrategy computes the delay before a restart
// attempt, or refuses (failing the job).
type RestartBackoffTimeStrategy interface {
	// NextBackoff returns the delay before the attemptNumber-th restart,
	// or ok=false to refuse further restarts.
	NextBackoff(attemptNumber int) (delay time.Duration, ok bool)
}

// FixedDelayRestart retries up to MaxAttempts times with a constant
// delay.
type FixedDelayRestart struct {
	Delay       time.Duration
	MaxAttempts int
}

func (s FixedDelayRestart) NextBackoff(attemptNumber int) (time.Duration, bool) {
	if attemptNumber >= s.MaxAttempts {
		return 0, false
	}
	return s.Delay, true
}

// DefaultScheduler drives one job's ExecutionGraph.
type DefaultScheduler struct {
	mu sync.Mutex

	eg       *execgraph.ExecutionGraph
	strategy Strategy
	allocator SlotAllocator
	deployer  Deployer
	failover  FailoverStrategy
	backoff   RestartBackoffTimeStrategy

	checkpointingSettings rpc.JobCheckpointingSettings
}

func New(eg *execgraph.ExecutionGraph, strategy Strategy, allocator SlotAllocator, deployer Deployer, failover FailoverStrategy, backoff RestartBackoffTimeStrategy, checkpointing rpc.JobCheckpointingSettings) *DefaultScheduler {
	return &DefaultScheduler{
		eg:                    eg,
		strategy:              strategy,
		allocator:             allocator,
		deployer:              deployer,
		failover:              failover,
		backoff:               backoff,
		checkpointingSettings: checkpointing,
	}
}

// AllocateSlotsAndDeploy carries the given batch of vertices through
// the six steps from Created to Running: transition to Scheduled,
// request slots concurrently, assign slots, transition to Deploying,
// submit the task, and transition to Running. An eager scheduler
// passes every vertex at once; a lazy-from-sources scheduler passes
// only the currently-consumable subset.
func (s *DefaultScheduler) AllocateSlotsAndDeploy(ctx context.Context, vertices []*execgraph.ExecutionVertex) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	// Step 1: Created -> Scheduled, version-stamped (NewAttempt already
	// stamped the version; Transition here enforces the state machine).
	for _, v := range vertices {
		cur := v.CurrentAttempt()
		if err := cur.Transition(execgraph.Scheduled); err != nil {
			return s.failAndHandle(ctx, v, err)
		}
	}

	// Steps 2-3: build requirements and request slots concurrently; a
	// real ExecutionSlotAllocator batches these for slot-sharing, but
	// the per-vertex RequestSlot abstraction here composes the same way
	// whether or not the allocator internally batches.
	type outcome struct {
		v          *execgraph.ExecutionVertex
		assignment SlotAssignment
		err        error
	}
	results := make(chan outcome, len(vertices))
	for _, v := range vertices {
		go func(v *execgraph.ExecutionVertex) {
			cur := v.CurrentAttempt()
			assignment, err := s.allocator.RequestSlot(ctx, cur.AllocationID, rpc.ResourceProfile{})
			results <- outcome{v: v, assignment: assignment, err: err}
		}(v)
	}

	var failed bool
	assignments := make(map[*execgraph.ExecutionVertex]SlotAssignment, len(vertices))
	for range vertices {
		r := <-results
		if r.err != nil {
			log.WithComponent("scheduler").Warn().Err(r.err).Str("job_vertex_id", string(r.v.JobVertexID)).Msg("slot allocation failed")
			failed = true
			continue
		}
		assignments[r.v] = r.assignment
	}
	if failed {
		for _, v := range vertices {
			_ = v.CurrentAttempt().Transition(execgraph.Failed)
		}
		return fmt.Errorf("scheduler: one or more slot allocations failed")
	}

	// Step 4: assign slots to Executions.
	for v, a := range assignments {
		v.CurrentAttempt().SetResourceID(a.ResourceID)
	}

	// Step 5: deploy_all.
	for v, a := range assignments {
		cur := v.CurrentAttempt()
		if err := cur.Transition(execgraph.Deploying); err != nil {
			return s.failAndHandle(ctx, v, err)
		}
		tdd := rpc.TaskDeploymentDescriptor{
			JobID:          string(s.eg.JobID),
			JobVertexID:    string(v.JobVertexID),
			AttemptID:      string(cur.AttemptID),
			AllocationID:   string(cur.AllocationID),
			SubtaskIndex:   v.SubtaskIndex,
			AttemptNumber:  cur.AttemptNumber,
			TargetSlot:     a.SlotIndex,
			Checkpointing:  s.checkpointingSettings,
		}
		if err := s.deployer.SubmitTask(ctx, a.TaskExecutorAddr, tdd); err != nil {
			return s.failAndHandle(ctx, v, err)
		}
		if err := cur.Transition(execgraph.Running); err != nil {
			return err
		}
	}
	return nil
}

func (s *DefaultScheduler) failAndHandle(ctx context.Context, v *execgraph.ExecutionVertex, cause error) error {
	_ = v.CurrentAttempt().Transition(execgraph.Failed)
	metrics.RestartsTotal.WithLabelValues("scheduling_failure").Inc()
	return s.HandleFailure(ctx, v, cause)
}

// HandleFailure marks the failed vertex's attempt Failed if it is not
// already terminal, consults the FailoverStrategy for affected vertices,
// cancels them concurrently, waits out the backoff, then re-enters
// AllocateSlotsAndDeploy.
func (s *DefaultScheduler) HandleFailure(ctx context.Context, failed *execgraph.ExecutionVertex, cause error) error {
	if cur := failed.CurrentAttempt(); cur != nil && !cur.CurrentState().Terminal() {
		_ = cur.Transition(execgraph.Failed)
	}
	affected := s.failover.AffectedVertices(s.eg, failed)

	attemptNumber := 0
	if cur := failed.CurrentAttempt(); cur != nil {
		attemptNumber = cur.AttemptNumber
	}

	delay, ok := s.backoff.NextBackoff(attemptNumber)
	if !ok {
		return fmt.Errorf("scheduler: restart refused after attempt %d: %w", attemptNumber, cause)
	}

	var wg sync.WaitGroup
	for _, v := range affected {
		if v == failed {
			continue
		}
		cur := v.CurrentAttempt()
		if cur == nil || cur.CurrentState().Terminal() {
			continue
		}
		wg.Add(1)
		go func(v *execgraph.ExecutionVertex, cur *execgraph.Execution) {
			defer wg.Done()
			_ = cur.Transition(execgraph.Canceling)
			if s.deployer != nil {
				_ = s.deployer.CancelTask(ctx, "", cur.AttemptID)
			}
			_ = cur.Transition(execgraph.Canceled)
		}(v, cur)
	}
	wg.Wait()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	var restart []*execgraph.ExecutionVertex
	for _, v := range affected {
		if _, err := v.NewAttempt(); err != nil {
			return err
		}
		restart = append(restart, v)
	}
	return s.AllocateSlotsAndDeploy(ctx, restart)
}
