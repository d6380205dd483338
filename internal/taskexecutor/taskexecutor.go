package taskexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/checkpoint"
	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/registration"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/streamcore/engine/internal/runtime/shuffle"
	"github.com/streamcore/engine/internal/runtime/task"
	"github.com/streamcore/engine/internal/statebackend"
	"github.com/streamcore/engine/internal/userclass"
)

// CheckpointHooks lets the runtime/task layer intercept the checkpoint
// RPCs the TaskExecutor receives for a running attempt. A nil hook is a
// safe no-op so this package stays usable in tests that never build a
// real task, matching the "build first" layering of the rest of the
// engine's control plane.
type CheckpointHooks struct {
	Trigger func(attemptID ids.ExecutionAttemptId, req rpc.TriggerCheckpointRequest)
	Confirm func(attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest)
	Abort   func(attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest)
}

// TaskExecutor is the per-node agent endpoint: a long-lived node
// process that registers with a central authority, is handed work, and
// reports status back via heartbeats.
type TaskExecutor struct {
	mu sync.Mutex

	resourceID  ids.ResourceId
	instanceID  ids.InstanceId
	address     string
	total       rpc.ResourceProfile
	defaultSlot rpc.ResourceProfile

	slots *SlotTable
	cfg   config.Config

	rmAddress func() string
	rmToken   func() string

	jmConns map[ids.JobId]*rpc.Conn
	tasks   map[ids.ExecutionAttemptId]*runningTask

	registry   *userclass.Registry
	bufferPool *shuffle.NetworkBufferPool
	backend    statebackend.Backend

	localPartMu    sync.Mutex
	localPartitions map[ids.ResultPartitionId]*shuffle.ResultPartition

	hooks CheckpointHooks
}

// New constructs a TaskExecutor. rmAddress/rmToken are supplied by the
// process's coordination discoverer so this package stays independent
// of the leader-election mechanism (wired in cmd/taskexecutor). registry
// resolves a deployed chain's operator classes, bufferPool backs every
// ResultPartition/InputChannel this node's tasks allocate, and backend
// is where those tasks' operator state snapshots land.
func New(cfg config.Config, address string, total, defaultSlot rpc.ResourceProfile, registry *userclass.Registry, bufferPool *shuffle.NetworkBufferPool, backend statebackend.Backend, rmAddress, rmToken func() string) *TaskExecutor {
	te := &TaskExecutor{
		resourceID:      ids.ResourceId(uuidOrAddr(address)),
		address:         address,
		total:           total,
		defaultSlot:     defaultSlot,
		slots:           NewSlotTable(total, defaultSlot),
		cfg:             cfg,
		rmAddress:       rmAddress,
		rmToken:         rmToken,
		jmConns:         make(map[ids.JobId]*rpc.Conn),
		tasks:           make(map[ids.ExecutionAttemptId]*runningTask),
		registry:        registry,
		bufferPool:      bufferPool,
		backend:         backend,
		localPartitions: make(map[ids.ResultPartitionId]*shuffle.ResultPartition),
	}
	te.hooks = CheckpointHooks{
		Trigger: te.dispatchTriggerCheckpoint,
		Confirm: te.dispatchConfirmCheckpoint,
		Abort:   te.dispatchAbortCheckpoint,
	}
	return te
}

func uuidOrAddr(address string) string {
	id := ids.NewResourceId()
	return string(id) + "@" + address
}

// Run starts the slot table's release sweeper and blocks running the
// registration loop against the ResourceManager until ctx is canceled.
func (te *TaskExecutor) Run(ctx context.Context) error {
	te.slots.Start()
	defer te.slots.Stop()

	reg := registration.New[rpc.ResourceManagerGateway](
		"resourcemanager",
		func(ctx context.Context) (rpc.ResourceManagerGateway, error) {
			addr := te.rmAddress()
			if addr == "" {
				return nil, fmt.Errorf("resourcemanager leader not yet discovered")
			}
			conn, err := rpc.Dial(addr)
			if err != nil {
				return nil, err
			}
			return rpc.NewResourceManagerClient(conn, te.rmToken), nil
		},
		func(ctx context.Context, gw rpc.ResourceManagerGateway, timeout time.Duration) (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result, err := gw.RegisterTaskExecutor(callCtx, te.address, string(te.resourceID), te.total, te.total, te.defaultSlot)
			if err != nil {
				return nil, err
			}
			if !result.Success {
				return nil, registration.Declined
			}
			return result, nil
		},
		te.cfg.Registration,
	)

	for {
		gw, result, err := reg.Run(ctx)
		if err != nil {
			return err
		}
		res := result.(rpc.RegistrationResult)
		te.mu.Lock()
		te.instanceID = ids.InstanceId(res.InstanceID)
		te.mu.Unlock()
		log.WithComponent("taskexecutor").Info().Str("resource_id", string(te.resourceID)).Str("instance_id", res.InstanceID).Msg("registered with resource manager")

		report := te.slots.Report(te.resourceID, ids.InstanceId(res.InstanceID))
		if err := gw.SendSlotReport(ctx, report); err != nil {
			log.WithComponent("taskexecutor").Warn().Err(err).Msg("initial slot report failed")
		}

		// Once registered, Run does not register again: it blocks until
		// ctx is canceled, also across a ResourceManager leader change.
		<-ctx.Done()
		return ctx.Err()
	}
}

func (te *TaskExecutor) jmConn(jobID ids.JobId, addr string) (*rpc.Conn, error) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if c, ok := te.jmConns[jobID]; ok {
		return c, nil
	}
	c, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	te.jmConns[jobID] = c
	return c, nil
}

// RegisterHandlers binds every TaskExecutorGateway method to server.
func (te *TaskExecutor) RegisterHandlers(server *rpc.Server) {
	server.Register(rpc.MethodRequestSlotTE, te.handleRequestSlot)
	server.Register(rpc.MethodSubmitTask, te.handleSubmitTask)
	server.Register(rpc.MethodCancelTask, te.handleCancelTask)
	server.Register(rpc.MethodTriggerCheckpoint, te.handleTriggerCheckpoint)
	server.Register(rpc.MethodConfirmCheckpoint, te.handleConfirmCheckpoint)
	server.Register(rpc.MethodAbortCheckpoint, te.handleAbortCheckpoint)
	server.Register(rpc.MethodHeartbeatFromResourceManagerTE, te.handleHeartbeatFromResourceManager)
	server.Register(rpc.MethodHeartbeatFromJobManagerTE, te.handleHeartbeatFromJobManager)
}

func (te *TaskExecutor) handleRequestSlot(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.TaskExecutorSlotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if token != req.ResourceManagerToken {
		return nil, rpc.Decline(fmt.Errorf("stale resource manager token"))
	}

	jobID := ids.JobId(req.JobID)
	allocationID := ids.AllocationId(req.AllocationID)
	if err := te.slots.Allocate(req.SlotIndex, jobID, allocationID, req.Profile, req.TargetJobMasterAddr); err != nil {
		return nil, err
	}

	go te.offerSlot(jobID, req)
	return nil, nil
}

// offerSlot sends offer_slots to the owning JobMaster once a requested
// slot is locally allocated, and frees the slot back to the pool if the
// JobMaster cannot be reached or does not accept it.
func (te *TaskExecutor) offerSlot(jobID ids.JobId, req rpc.TaskExecutorSlotRequest) {
	conn, err := te.jmConn(jobID, req.TargetJobMasterAddr)
	if err != nil {
		log.WithComponent("taskexecutor").Warn().Err(err).Str("job_id", req.JobID).Msg("failed to dial job master to offer slot")
		te.slots.Free(ids.AllocationId(req.AllocationID))
		return
	}
	client := rpc.NewJobMasterClient(conn, func() string { return "" })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.OfferSlots(ctx, rpc.OfferSlotsRequest{
		ResourceID: string(te.resourceID),
		Slots: []rpc.OfferedSlot{{
			ResourceID:       string(te.resourceID),
			SlotIndex:        req.SlotIndex,
			AllocationID:     req.AllocationID,
			Profile:          req.Profile,
			TaskExecutorAddr: te.address,
		}},
	})
	if err != nil {
		log.WithComponent("taskexecutor").Warn().Err(err).Str("job_id", req.JobID).Msg("offer_slots failed")
		te.slots.Free(ids.AllocationId(req.AllocationID))
		return
	}
	accepted := false
	for _, id := range resp.AcceptedAllocationIDs {
		if id == req.AllocationID {
			accepted = true
			break
		}
	}
	if !accepted {
		te.slots.Free(ids.AllocationId(req.AllocationID))
	}
}

func (te *TaskExecutor) handleSubmitTask(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var tdd rpc.TaskDeploymentDescriptor
	if err := json.Unmarshal(body, &tdd); err != nil {
		return nil, err
	}

	allocationID := ids.AllocationId(tdd.AllocationID)
	if _, ok := te.slots.Activate(allocationID); !ok {
		return nil, fmt.Errorf("taskexecutor: no allocated slot for allocation %s", tdd.AllocationID)
	}

	attemptID := ids.ExecutionAttemptId(tdd.AttemptID)
	tk, err := task.Build(ctx, tdd, te.registry, te.bufferPool, nil, te.lookupLocalPartition)
	if err != nil {
		te.slots.Free(allocationID)
		return nil, fmt.Errorf("taskexecutor: building task for attempt %s: %w", tdd.AttemptID, err)
	}
	te.registerLocalPartitions(tk)

	sink := checkpoint.NewSubtaskCheckpointCoordinator(
		attemptID, ids.JobVertexId(tdd.JobVertexID), tdd.SubtaskIndex,
		tk.Chain(), te.backend,
		tk.BroadcastBarrier, tk.BroadcastCancel,
		tk.SnapshotOutputBuffers,
		te.ackCheckpoint(tdd.JobMasterAddr, ids.JobId(tdd.JobID)),
		te.declineCheckpoint(tdd.JobMasterAddr, ids.JobId(tdd.JobID)),
	)
	tk.SetCheckpointSink(sink)

	entry := &runningTask{
		AttemptID:  attemptID,
		JobID:      ids.JobId(tdd.JobID),
		SlotIndex:  tdd.TargetSlot,
		Deployment: tdd,
		State:      "RUNNING",
		runner:     tk,
	}
	te.mu.Lock()
	te.tasks[attemptID] = entry
	te.mu.Unlock()

	metrics.ExecutionsTotal.WithLabelValues("deployed").Inc()
	log.WithComponent("taskexecutor").Info().Str("attempt_id", tdd.AttemptID).Str("job_id", tdd.JobID).Msg("task submitted")

	go te.runTask(entry)
	go te.reportState(tdd.JobMasterAddr, ids.JobId(tdd.JobID), attemptID, "RUNNING", "")
	return nil, nil
}

// runTask drives the deployed task's mailbox loop for its lifetime,
// reporting its terminal state back to the job master once the loop
// exits, however it exits: canceled (handleCancelTask already called
// entry.runner.Cancel), finished cleanly, or failed.
func (te *TaskExecutor) runTask(entry *runningTask) {
	err := entry.runner.Run(context.Background())

	allocationID := ids.AllocationId(entry.Deployment.AllocationID)
	te.slots.StartReleasing(allocationID)
	te.slots.Free(allocationID)

	te.mu.Lock()
	canceled := entry.canceled
	delete(te.tasks, entry.AttemptID)
	te.mu.Unlock()

	if err != nil {
		log.WithComponent("taskexecutor").Error().Err(err).Str("attempt_id", string(entry.AttemptID)).Msg("task run loop failed")
		te.reportState(entry.Deployment.JobMasterAddr, entry.JobID, entry.AttemptID, "FAILED", err.Error())
		return
	}
	if canceled {
		te.reportState(entry.Deployment.JobMasterAddr, entry.JobID, entry.AttemptID, "CANCELED", "")
		return
	}
	te.reportState(entry.Deployment.JobMasterAddr, entry.JobID, entry.AttemptID, "FINISHED", "")
}

func (te *TaskExecutor) lookupLocalPartition(id ids.ResultPartitionId) (*shuffle.ResultPartition, bool) {
	te.localPartMu.Lock()
	defer te.localPartMu.Unlock()
	rp, ok := te.localPartitions[id]
	return rp, ok
}

func (te *TaskExecutor) registerLocalPartitions(tk *task.Task) {
	te.localPartMu.Lock()
	defer te.localPartMu.Unlock()
	for _, rp := range tk.Partitions() {
		te.localPartitions[rp.PartitionID] = rp
	}
}

// ackCheckpoint/declineCheckpoint build the AckFunc/DeclineFunc a
// SubtaskCheckpointCoordinator reports its local snapshot outcome
// through, dialing the owning job master the same way reportState does.
func (te *TaskExecutor) ackCheckpoint(jmAddr string, jobID ids.JobId) checkpoint.AckFunc {
	return func(ctx context.Context, req rpc.AcknowledgeCheckpointRequest) error {
		conn, err := te.jmConn(jobID, jmAddr)
		if err != nil {
			return err
		}
		client := rpc.NewJobMasterClient(conn, func() string { return "" })
		return client.AcknowledgeCheckpoint(ctx, req)
	}
}

func (te *TaskExecutor) declineCheckpoint(jmAddr string, jobID ids.JobId) checkpoint.DeclineFunc {
	return func(ctx context.Context, req rpc.DeclineCheckpointRequest) error {
		conn, err := te.jmConn(jobID, jmAddr)
		if err != nil {
			return err
		}
		client := rpc.NewJobMasterClient(conn, func() string { return "" })
		return client.DeclineCheckpoint(ctx, req)
	}
}

// dispatchTriggerCheckpoint/Confirm/Abort are this TaskExecutor's own
// CheckpointHooks: they look up the named attempt's running task and
// post the corresponding mailbox letter in the background, since
// Task.TriggerCheckpoint/ConfirmCheckpoint/AbortCheckpoint block until
// the task's mailbox thread processes the letter and the RPC handler
// that invoked them must return immediately (the job master learns the
// outcome later, through acknowledge_checkpoint/decline_checkpoint).
func (te *TaskExecutor) dispatchTriggerCheckpoint(attemptID ids.ExecutionAttemptId, req rpc.TriggerCheckpointRequest) {
	tk := te.runnerFor(attemptID)
	if tk == nil {
		return
	}
	go func() {
		if err := tk.TriggerCheckpoint(context.Background(), req.CheckpointID, req.Options); err != nil {
			log.WithComponent("taskexecutor").Error().Err(err).Str("attempt_id", string(attemptID)).Msg("trigger_checkpoint failed")
		}
	}()
}

func (te *TaskExecutor) dispatchConfirmCheckpoint(attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) {
	tk := te.runnerFor(attemptID)
	if tk == nil {
		return
	}
	go func() {
		if err := tk.ConfirmCheckpoint(context.Background(), req.CheckpointID); err != nil {
			log.WithComponent("taskexecutor").Error().Err(err).Str("attempt_id", string(attemptID)).Msg("confirm_checkpoint failed")
		}
	}()
}

func (te *TaskExecutor) dispatchAbortCheckpoint(attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) {
	tk := te.runnerFor(attemptID)
	if tk == nil {
		return
	}
	go func() {
		if err := tk.AbortCheckpoint(context.Background(), req.CheckpointID); err != nil {
			log.WithComponent("taskexecutor").Error().Err(err).Str("attempt_id", string(attemptID)).Msg("abort_checkpoint failed")
		}
	}()
}

func (te *TaskExecutor) runnerFor(attemptID ids.ExecutionAttemptId) *task.Task {
	te.mu.Lock()
	defer te.mu.Unlock()
	entry, ok := te.tasks[attemptID]
	if !ok {
		return nil
	}
	return entry.runner
}

func (te *TaskExecutor) reportState(jmAddr string, jobID ids.JobId, attemptID ids.ExecutionAttemptId, state, cause string) {
	conn, err := te.jmConn(jobID, jmAddr)
	if err != nil {
		log.WithComponent("taskexecutor").Warn().Err(err).Msg("failed to dial job master to report task state")
		return
	}
	client := rpc.NewJobMasterClient(conn, func() string { return "" })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.UpdateTaskExecutionState(ctx, rpc.UpdateTaskExecutionStateRequest{
		AttemptID: string(attemptID),
		NewState:  state,
		Cause:     cause,
	}); err != nil {
		log.WithComponent("taskexecutor").Warn().Err(err).Str("attempt_id", string(attemptID)).Msg("update_task_execution_state failed")
	}
}

// handleCancelTask requests the running task stop; runTask performs the
// actual slot release and state report once its mailbox loop exits.
func (te *TaskExecutor) handleCancelTask(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var attemptIDStr string
	if err := json.Unmarshal(body, &attemptIDStr); err != nil {
		return nil, err
	}
	attemptID := ids.ExecutionAttemptId(attemptIDStr)

	te.mu.Lock()
	entry, ok := te.tasks[attemptID]
	if ok {
		entry.canceled = true
	}
	te.mu.Unlock()
	if !ok {
		return nil, nil
	}
	entry.runner.Cancel()
	return nil, nil
}

func (te *TaskExecutor) handleTriggerCheckpoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.TriggerCheckpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	te.mu.Lock()
	hook := te.hooks.Trigger
	te.mu.Unlock()
	if hook != nil {
		hook(ids.ExecutionAttemptId(req.AttemptID), req)
	}
	return nil, nil
}

func (te *TaskExecutor) handleConfirmCheckpoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.ConfirmOrAbortCheckpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	te.mu.Lock()
	hook := te.hooks.Confirm
	te.mu.Unlock()
	if hook != nil {
		hook(ids.ExecutionAttemptId(req.AttemptID), req)
	}
	return nil, nil
}

func (te *TaskExecutor) handleAbortCheckpoint(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.ConfirmOrAbortCheckpointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	te.mu.Lock()
	hook := te.hooks.Abort
	te.mu.Unlock()
	if hook != nil {
		hook(ids.ExecutionAttemptId(req.AttemptID), req)
	}
	return nil, nil
}

func (te *TaskExecutor) handleHeartbeatFromResourceManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	te.mu.Lock()
	resourceID, instanceID := te.resourceID, te.instanceID
	te.mu.Unlock()
	report := te.slots.Report(resourceID, instanceID)
	return json.Marshal(rpc.HeartbeatPayload{SlotReport: &report})
}

func (te *TaskExecutor) handleHeartbeatFromJobManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
