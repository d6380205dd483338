package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/rpc"
)

// retainedCheckpoints is how many Completed checkpoints' metadata stays
// on disk at once; older ones are discarded as soon as a newer one
// completes.
const retainedCheckpoints = 1

// Dispatcher sends the checkpoint RPCs to a running attempt. The job
// master implements it by resolving an attempt to the TaskExecutor
// currently hosting it and calling through its TaskExecutorGateway.
type Dispatcher interface {
	TriggerCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.TriggerCheckpointRequest) error
	ConfirmCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) error
	AbortCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) error
}

// VertexTarget names one subtask's current attempt, as resolved from
// the execution graph at the moment a checkpoint is triggered.
type VertexTarget struct {
	JobVertexID  ids.JobVertexId
	SubtaskIndex int
	AttemptID    ids.ExecutionAttemptId
}

// VertexResolver looks up the current attempts of every subtask of a
// JobVertex, so the coordinator always addresses the live deployment
// rather than a stale one from a previous scheduling round.
type VertexResolver func(jobVertexID ids.JobVertexId) []VertexTarget

// FailureHandler is invoked once the count of consecutive declines or
// timeouts exceeds TolerableFailures; the job master wires it to its own
// job-failure path.
type FailureHandler func(cause error)

// CheckpointCoordinator drives the periodic-trigger/align/acknowledge
// protocol for one job. It is owned by that job's JobMaster.
type CheckpointCoordinator struct {
	jobID      ids.JobId
	settings   rpc.JobCheckpointingSettings
	dispatcher Dispatcher
	resolver   VertexResolver
	metadata   MetadataStore
	onFailure  FailureHandler

	mu                  sync.Mutex
	nextID              ids.CheckpointId
	pending             map[ids.CheckpointId]*PendingCheckpoint
	completed           []CompletedCheckpoint
	lastCompletedAt     time.Time
	consecutiveFailures int
}

func NewCheckpointCoordinator(jobID ids.JobId, settings rpc.JobCheckpointingSettings, dispatcher Dispatcher, resolver VertexResolver, metadata MetadataStore, onFailure FailureHandler) *CheckpointCoordinator {
	return &CheckpointCoordinator{
		jobID:      jobID,
		settings:   settings,
		dispatcher: dispatcher,
		resolver:   resolver,
		metadata:   metadata,
		onFailure:  onFailure,
		pending:    make(map[ids.CheckpointId]*PendingCheckpoint),
	}
}

// Run blocks, triggering a checkpoint every settings.Interval until ctx
// is done. Checkpointing is disabled entirely when Interval <= 0.
func (c *CheckpointCoordinator) Run(ctx context.Context) {
	if c.settings.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opts := rpc.CheckpointOptions{Unaligned: c.settings.UnalignedEnabled}
			if _, err := c.TriggerCheckpoint(ctx, opts); err != nil {
				log.WithJobID(string(c.jobID)).Debug().Err(err).Msg("checkpoint trigger skipped")
			}
		}
	}
}

// TriggerCheckpoint starts a new checkpoint, enforcing the concurrency
// bound and minimum pause, and returns its id once every trigger-vertex
// has been sent trigger_checkpoint.
func (c *CheckpointCoordinator) TriggerCheckpoint(ctx context.Context, opts rpc.CheckpointOptions) (ids.CheckpointId, error) {
	c.mu.Lock()
	if c.failuresExceeded() {
		c.mu.Unlock()
		return 0, fmt.Errorf("checkpoint: job %s exceeded tolerable checkpoint failures", c.jobID)
	}
	maxConcurrent := c.settings.MaxConcurrentCheckpoints
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if len(c.pending) >= maxConcurrent {
		c.mu.Unlock()
		return 0, fmt.Errorf("checkpoint: job %s already has %d checkpoint(s) in flight", c.jobID, len(c.pending))
	}
	if !c.lastCompletedAt.IsZero() && time.Since(c.lastCompletedAt) < c.settings.MinPauseBetweenCheckpoints {
		c.mu.Unlock()
		return 0, fmt.Errorf("checkpoint: job %s within min_pause_between_checkpoints", c.jobID)
	}
	c.nextID++
	id := c.nextID

	var ackTargets []ackKey
	for _, vertexID := range c.settings.AckVertexIDs {
		for _, t := range c.resolver(ids.JobVertexId(vertexID)) {
			ackTargets = append(ackTargets, ackKey{t.JobVertexID, t.SubtaskIndex})
		}
	}
	pc := newPendingCheckpoint(c.jobID, id, opts, ackTargets)
	c.pending[id] = pc
	c.mu.Unlock()

	logger := log.WithCheckpointID(uint64(id))
	logger.Info().Str("job_id", string(c.jobID)).Int("ack_targets", len(ackTargets)).Msg("triggering checkpoint")

	req := rpc.TriggerCheckpointRequest{CheckpointID: uint64(id), Timestamp: pc.StartedAt.UnixMilli(), Options: opts}
	var triggerErr error
	for _, vertexID := range c.settings.TriggerVertexIDs {
		for _, t := range c.resolver(ids.JobVertexId(vertexID)) {
			req.AttemptID = string(t.AttemptID)
			if err := c.dispatcher.TriggerCheckpoint(ctx, t.AttemptID, req); err != nil {
				triggerErr = err
				logger.Warn().Err(err).Str("attempt_id", string(t.AttemptID)).Msg("trigger_checkpoint failed")
			}
		}
	}
	if triggerErr != nil {
		c.abort(context.Background(), id, fmt.Sprintf("dispatch failure: %v", triggerErr))
		return 0, triggerErr
	}

	if c.settings.Timeout > 0 {
		go c.watchTimeout(id, pc)
	}
	return id, nil
}

func (c *CheckpointCoordinator) watchTimeout(id ids.CheckpointId, pc *PendingCheckpoint) {
	select {
	case <-time.After(c.settings.Timeout):
		c.abort(context.Background(), id, "timeout")
	case <-pc.done:
	}
}

// Acknowledge records one subtask's successful local snapshot, promoting
// the checkpoint to Completed once every ack target has reported.
func (c *CheckpointCoordinator) Acknowledge(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
	c.mu.Lock()
	pc, ok := c.pending[ids.CheckpointId(req.CheckpointID)]
	c.mu.Unlock()
	if !ok {
		// Already completed, aborted, or from a stale attempt; acks are
		// idempotent, so a late one is simply ignored.
		return nil
	}

	var opState, keyedState rpc.StateHandleRef
	if req.OperatorState != nil {
		opState = *req.OperatorState
	}
	if req.KeyedState != nil {
		keyedState = *req.KeyedState
	}
	fullyAcked := pc.acknowledge(ids.JobVertexId(req.JobVertexID), req.SubtaskIndex, opState, keyedState)
	if fullyAcked {
		c.complete(ctx, pc)
	}
	return nil
}

// Decline aborts the named checkpoint on the subtask's reported cause.
func (c *CheckpointCoordinator) Decline(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
	c.abort(ctx, ids.CheckpointId(req.CheckpointID), req.Cause)
	return nil
}

func (c *CheckpointCoordinator) complete(ctx context.Context, pc *PendingCheckpoint) {
	c.mu.Lock()
	delete(c.pending, pc.ID)
	c.mu.Unlock()
	pc.markDone()

	timer := metrics.NewTimer()
	meta := CheckpointMetadata{
		JobID:        pc.JobID,
		CheckpointID: pc.ID,
		Timestamp:    pc.StartedAt.UnixMilli(),
		IsSavepoint:  pc.Options.IsSavepoint,
		TaskStates:   pc.taskStates(),
	}
	dir, err := c.metadata.Persist(meta, pc.Options.TargetDirectory)
	logger := log.WithCheckpointID(uint64(pc.ID))
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist checkpoint metadata, treating as declined")
		// abort only acts on checkpoints still in pending, so put it back.
		c.mu.Lock()
		c.pending[pc.ID] = pc
		c.mu.Unlock()
		c.abort(ctx, pc.ID, fmt.Sprintf("metadata persistence failed: %v", err))
		return
	}

	c.mu.Lock()
	c.lastCompletedAt = time.Now()
	c.consecutiveFailures = 0
	c.completed = append(c.completed, CompletedCheckpoint{
		ID: pc.ID, JobID: pc.JobID, CompletedAt: c.lastCompletedAt,
		MetadataDir: dir, IsSavepoint: pc.Options.IsSavepoint,
	})
	var toDiscard []CompletedCheckpoint
	for len(c.completed) > retainedCheckpoints {
		toDiscard = append(toDiscard, c.completed[0])
		c.completed = c.completed[1:]
	}
	c.mu.Unlock()

	for _, old := range toDiscard {
		if old.IsSavepoint {
			continue // savepoints are retained until a user explicitly removes them
		}
		if err := c.metadata.Discard(old.MetadataDir); err != nil {
			logger.Warn().Err(err).Str("dir", old.MetadataDir).Msg("failed to discard superseded checkpoint")
		}
	}

	metrics.CheckpointsCompletedTotal.Inc()
	timer.ObserveDuration(metrics.CheckpointDuration)
	logger.Info().Str("dir", dir).Msg("checkpoint completed")

	confirm := rpc.ConfirmOrAbortCheckpointRequest{CheckpointID: uint64(pc.ID), Timestamp: time.Now().UnixMilli()}
	for _, vertexID := range c.settings.CommitVertexIDs {
		for _, t := range c.resolver(ids.JobVertexId(vertexID)) {
			if err := c.dispatcher.ConfirmCheckpoint(ctx, t.AttemptID, confirm); err != nil {
				logger.Warn().Err(err).Str("attempt_id", string(t.AttemptID)).Msg("notify_checkpoint_complete failed")
			}
		}
	}
}

func (c *CheckpointCoordinator) abort(ctx context.Context, id ids.CheckpointId, cause string) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.consecutiveFailures++
	exceeded := c.failuresExceeded()
	c.mu.Unlock()
	pc.markDone()

	metrics.CheckpointsDeclinedTotal.WithLabelValues(cause).Inc()
	logger := log.WithCheckpointID(uint64(id))
	logger.Warn().Str("cause", cause).Msg("checkpoint aborted")

	abortReq := rpc.ConfirmOrAbortCheckpointRequest{CheckpointID: uint64(id), Timestamp: time.Now().UnixMilli()}
	notified := map[ids.ExecutionAttemptId]struct{}{}
	for _, vertex := range c.allJobVertexIDs() {
		for _, t := range c.resolver(vertex) {
			if _, done := notified[t.AttemptID]; done {
				continue
			}
			notified[t.AttemptID] = struct{}{}
			if err := c.dispatcher.AbortCheckpoint(ctx, t.AttemptID, abortReq); err != nil {
				logger.Warn().Err(err).Str("attempt_id", string(t.AttemptID)).Msg("notify_checkpoint_aborted failed")
			}
		}
	}

	if exceeded && c.onFailure != nil {
		c.onFailure(fmt.Errorf("checkpoint: %d consecutive checkpoint failures, last cause: %s", c.consecutiveFailures, cause))
	}
}

// failuresExceeded reports whether the consecutive-failure count has
// passed TolerableFailures; a negative TolerableFailures means
// unlimited tolerance. Callers must hold c.mu.
func (c *CheckpointCoordinator) failuresExceeded() bool {
	return c.settings.TolerableFailures >= 0 && c.consecutiveFailures > c.settings.TolerableFailures
}

// allJobVertexIDs is the union of trigger/ack/commit vertices; a broad
// abort notification goes to all of them since any may be holding
// barrier-alignment state for the aborted checkpoint.
func (c *CheckpointCoordinator) allJobVertexIDs() []ids.JobVertexId {
	seen := map[ids.JobVertexId]struct{}{}
	var out []ids.JobVertexId
	add := func(ss []string) {
		for _, s := range ss {
			v := ids.JobVertexId(s)
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	add(c.settings.TriggerVertexIDs)
	add(c.settings.AckVertexIDs)
	add(c.settings.CommitVertexIDs)
	return out
}

// LatestCompleted returns the most recently completed checkpoint, for
// the scheduler's recovery path.
func (c *CheckpointCoordinator) LatestCompleted() (CompletedCheckpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.completed) == 0 {
		return CompletedCheckpoint{}, false
	}
	return c.completed[len(c.completed)-1], true
}
