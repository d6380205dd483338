package rpc

import (
	"context"
	"time"
)

// Method names for the ResourceManagerGateway. Only the operations a
// concrete component actually exercises are wired;
// request_task_manager_info, request_resource_overview, and
// release_cluster_partitions describe read-only cluster introspection
// that no component in this engine's scope produces or consumes (they
// belong to a REST/UI layer out of scope here), so they are left
// undefined here rather than faked.
const (
	MethodRegisterTaskExecutor       = "rm.register_task_executor"
	MethodSendSlotReport             = "rm.send_slot_report"
	MethodRegisterJobManager         = "rm.register_job_manager"
	MethodRequestSlot                = "rm.request_slot"
	MethodNotifySlotAvailable        = "rm.notify_slot_available"
	MethodHeartbeatFromTaskManagerRM = "rm.heartbeat_from_task_manager"
	MethodHeartbeatFromJobManagerRM  = "rm.heartbeat_from_job_manager"
	MethodDeregisterApplication      = "rm.deregister_application"
	MethodLeaderInfo                 = "rm.leader_info"
)

// Method names for the JobMasterGateway.
const (
	MethodUpdateTaskExecutionState = "jm.update_task_execution_state"
	MethodOfferSlots               = "jm.offer_slots"
	MethodFailSlot                 = "jm.fail_slot"
	MethodAcknowledgeCheckpoint    = "jm.acknowledge_checkpoint"
	MethodDeclineCheckpoint        = "jm.decline_checkpoint"
	MethodHeartbeatFromTaskManagerJM = "jm.heartbeat_from_task_manager"
	MethodHeartbeatFromResourceManagerJM = "jm.heartbeat_from_resource_manager"
	MethodTriggerSavepoint           = "jm.trigger_savepoint"
	MethodStopWithSavepoint          = "jm.stop_with_savepoint"
	MethodOperationStatus            = "jm.operation_status"
	MethodJobStatus                  = "jm.job_status"
	MethodCancelJob                  = "jm.cancel_job"
)

// Method names for the TaskExecutorGateway.
const (
	MethodRequestSlotTE       = "te.request_slot"
	MethodSubmitTask          = "te.submit_task"
	MethodCancelTask          = "te.cancel_task"
	MethodTriggerCheckpoint   = "te.trigger_checkpoint"
	MethodConfirmCheckpoint   = "te.confirm_checkpoint"
	MethodAbortCheckpoint     = "te.abort_checkpoint"
	MethodHeartbeatFromResourceManagerTE = "te.heartbeat_from_resource_manager"
	MethodHeartbeatFromJobManagerTE      = "te.heartbeat_from_job_manager"
)

// defaultCallTimeout bounds RPCs that do not specify their own timeout.
const defaultCallTimeout = 10 * time.Second

// ResourceManagerGateway is the RPC surface TaskExecutors and
// JobMasters call against the ResourceManager.
type ResourceManagerGateway interface {
	RegisterTaskExecutor(ctx context.Context, addr, resourceID string, hw, total, defaultSlot ResourceProfile) (RegistrationResult, error)
	SendSlotReport(ctx context.Context, report SlotReport) error
	RegisterJobManager(ctx context.Context, jmToken, jmResourceID, addr, jobID string) (RegistrationResult, error)
	RequestSlot(ctx context.Context, jmToken string, req SlotRequest) error
	NotifySlotAvailable(ctx context.Context, instanceID, slotID, allocationID string) error
	HeartbeatFromTaskManager(ctx context.Context, resourceID string, payload HeartbeatPayload) (HeartbeatPayload, error)
	HeartbeatFromJobManager(ctx context.Context, resourceID string) error
	DeregisterApplication(ctx context.Context, status, diagnostics string) error
	LeaderInfo(ctx context.Context) (RMLeaderInfo, error)
}

// resourceManagerClient is a ResourceManagerGateway backed by a Conn.
type resourceManagerClient struct {
	conn         *Conn
	fencingToken func() string
}

// NewResourceManagerClient builds a ResourceManagerGateway client. token
// returns the caller's current expectation of the RM's fencing token
// (refreshed by the leader discoverer).
func NewResourceManagerClient(conn *Conn, token func() string) ResourceManagerGateway {
	return &resourceManagerClient{conn: conn, fencingToken: token}
}

func (c *resourceManagerClient) RegisterTaskExecutor(ctx context.Context, addr, resourceID string, hw, total, defaultSlot ResourceProfile) (RegistrationResult, error) {
	type req struct {
		Addr        string          `json:"addr"`
		ResourceID  string          `json:"resource_id"`
		HW          ResourceProfile `json:"hw"`
		Total       ResourceProfile `json:"total"`
		DefaultSlot ResourceProfile `json:"default_slot"`
	}
	var resp RegistrationResult
	err := c.conn.Call(ctx, defaultCallTimeout, MethodRegisterTaskExecutor, c.fencingToken(),
		req{addr, resourceID, hw, total, defaultSlot}, &resp)
	return resp, err
}

func (c *resourceManagerClient) SendSlotReport(ctx context.Context, report SlotReport) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodSendSlotReport, c.fencingToken(), report, nil)
}

func (c *resourceManagerClient) RegisterJobManager(ctx context.Context, jmToken, jmResourceID, addr, jobID string) (RegistrationResult, error) {
	type req struct {
		JMResourceID string `json:"jm_resource_id"`
		Addr         string `json:"addr"`
		JobID        string `json:"job_id"`
	}
	var resp RegistrationResult
	err := c.conn.Call(ctx, defaultCallTimeout, MethodRegisterJobManager, jmToken, req{jmResourceID, addr, jobID}, &resp)
	return resp, err
}

func (c *resourceManagerClient) RequestSlot(ctx context.Context, jmToken string, req SlotRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodRequestSlot, jmToken, req, nil)
}

func (c *resourceManagerClient) NotifySlotAvailable(ctx context.Context, instanceID, slotID, allocationID string) error {
	type req struct {
		InstanceID   string `json:"instance_id"`
		SlotID       string `json:"slot_id"`
		AllocationID string `json:"allocation_id"`
	}
	return c.conn.Call(ctx, defaultCallTimeout, MethodNotifySlotAvailable, c.fencingToken(), req{instanceID, slotID, allocationID}, nil)
}

func (c *resourceManagerClient) HeartbeatFromTaskManager(ctx context.Context, resourceID string, payload HeartbeatPayload) (HeartbeatPayload, error) {
	type req struct {
		ResourceID string           `json:"resource_id"`
		Payload    HeartbeatPayload `json:"payload"`
	}
	var resp HeartbeatPayload
	err := c.conn.Call(ctx, defaultCallTimeout, MethodHeartbeatFromTaskManagerRM, c.fencingToken(), req{resourceID, payload}, &resp)
	return resp, err
}

func (c *resourceManagerClient) HeartbeatFromJobManager(ctx context.Context, resourceID string) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodHeartbeatFromJobManagerRM, c.fencingToken(), resourceID, nil)
}

func (c *resourceManagerClient) DeregisterApplication(ctx context.Context, status, diagnostics string) error {
	type req struct {
		Status      string `json:"status"`
		Diagnostics string `json:"diagnostics"`
	}
	return c.conn.Call(ctx, defaultCallTimeout, MethodDeregisterApplication, c.fencingToken(), req{status, diagnostics}, nil)
}

// LeaderInfo is unauthenticated: it is how a caller bootstraps the
// fencing token it then presents on every other call.
func (c *resourceManagerClient) LeaderInfo(ctx context.Context) (RMLeaderInfo, error) {
	var resp RMLeaderInfo
	err := c.conn.Call(ctx, defaultCallTimeout, MethodLeaderInfo, "", nil, &resp)
	return resp, err
}

// JobMasterGateway is the RPC surface TaskExecutors and the
// ResourceManager call against a job's JobMaster.
type JobMasterGateway interface {
	UpdateTaskExecutionState(ctx context.Context, req UpdateTaskExecutionStateRequest) error
	OfferSlots(ctx context.Context, req OfferSlotsRequest) (OfferSlotsResponse, error)
	FailSlot(ctx context.Context, req FailSlotRequest) error
	AcknowledgeCheckpoint(ctx context.Context, req AcknowledgeCheckpointRequest) error
	DeclineCheckpoint(ctx context.Context, req DeclineCheckpointRequest) error
	HeartbeatFromTaskManager(ctx context.Context, resourceID string) error
	HeartbeatFromResourceManager(ctx context.Context) error
	TriggerSavepoint(ctx context.Context, req TriggerSavepointRequest) (AsyncOperationResult, error)
	StopWithSavepoint(ctx context.Context, req StopWithSavepointRequest) (AsyncOperationResult, error)
	OperationStatus(ctx context.Context, req OperationStatusRequest) (AsyncOperationResult, error)
	JobStatus(ctx context.Context) (JobStatusResponse, error)
	CancelJob(ctx context.Context) error
}

type jobMasterClient struct {
	conn         *Conn
	fencingToken func() string
}

func NewJobMasterClient(conn *Conn, token func() string) JobMasterGateway {
	return &jobMasterClient{conn: conn, fencingToken: token}
}

func (c *jobMasterClient) UpdateTaskExecutionState(ctx context.Context, req UpdateTaskExecutionStateRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodUpdateTaskExecutionState, c.fencingToken(), req, nil)
}

func (c *jobMasterClient) OfferSlots(ctx context.Context, req OfferSlotsRequest) (OfferSlotsResponse, error) {
	var resp OfferSlotsResponse
	err := c.conn.Call(ctx, defaultCallTimeout, MethodOfferSlots, c.fencingToken(), req, &resp)
	return resp, err
}

func (c *jobMasterClient) FailSlot(ctx context.Context, req FailSlotRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodFailSlot, c.fencingToken(), req, nil)
}

func (c *jobMasterClient) AcknowledgeCheckpoint(ctx context.Context, req AcknowledgeCheckpointRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodAcknowledgeCheckpoint, c.fencingToken(), req, nil)
}

func (c *jobMasterClient) DeclineCheckpoint(ctx context.Context, req DeclineCheckpointRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodDeclineCheckpoint, c.fencingToken(), req, nil)
}

func (c *jobMasterClient) HeartbeatFromTaskManager(ctx context.Context, resourceID string) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodHeartbeatFromTaskManagerJM, c.fencingToken(), resourceID, nil)
}

func (c *jobMasterClient) HeartbeatFromResourceManager(ctx context.Context) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodHeartbeatFromResourceManagerJM, c.fencingToken(), nil, nil)
}

func (c *jobMasterClient) TriggerSavepoint(ctx context.Context, req TriggerSavepointRequest) (AsyncOperationResult, error) {
	var resp AsyncOperationResult
	err := c.conn.Call(ctx, defaultCallTimeout, MethodTriggerSavepoint, c.fencingToken(), req, &resp)
	return resp, err
}

func (c *jobMasterClient) StopWithSavepoint(ctx context.Context, req StopWithSavepointRequest) (AsyncOperationResult, error) {
	var resp AsyncOperationResult
	err := c.conn.Call(ctx, defaultCallTimeout, MethodStopWithSavepoint, c.fencingToken(), req, &resp)
	return resp, err
}

func (c *jobMasterClient) OperationStatus(ctx context.Context, req OperationStatusRequest) (AsyncOperationResult, error) {
	var resp AsyncOperationResult
	err := c.conn.Call(ctx, defaultCallTimeout, MethodOperationStatus, c.fencingToken(), req, &resp)
	return resp, err
}

func (c *jobMasterClient) JobStatus(ctx context.Context) (JobStatusResponse, error) {
	var resp JobStatusResponse
	err := c.conn.Call(ctx, defaultCallTimeout, MethodJobStatus, c.fencingToken(), nil, &resp)
	return resp, err
}

func (c *jobMasterClient) CancelJob(ctx context.Context) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodCancelJob, c.fencingToken(), nil, nil)
}

// TaskExecutorGateway is the RPC surface the ResourceManager and a
// job's JobMaster call against a TaskExecutor.
type TaskExecutorGateway interface {
	RequestSlot(ctx context.Context, req TaskExecutorSlotRequest) error
	SubmitTask(ctx context.Context, jmToken string, tdd TaskDeploymentDescriptor) error
	CancelTask(ctx context.Context, attemptID string) error
	TriggerCheckpoint(ctx context.Context, req TriggerCheckpointRequest) error
	ConfirmCheckpoint(ctx context.Context, req ConfirmOrAbortCheckpointRequest) error
	AbortCheckpoint(ctx context.Context, req ConfirmOrAbortCheckpointRequest) error
	// HeartbeatFromResourceManager replies with this executor's current
	// slot report, the payload TM heartbeat replies carry.
	HeartbeatFromResourceManager(ctx context.Context) (HeartbeatPayload, error)
	HeartbeatFromJobManager(ctx context.Context) error
}

type taskExecutorClient struct {
	conn         *Conn
	fencingToken func() string
}

func NewTaskExecutorClient(conn *Conn, token func() string) TaskExecutorGateway {
	return &taskExecutorClient{conn: conn, fencingToken: token}
}

func (c *taskExecutorClient) RequestSlot(ctx context.Context, req TaskExecutorSlotRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodRequestSlotTE, req.ResourceManagerToken, req, nil)
}

func (c *taskExecutorClient) SubmitTask(ctx context.Context, jmToken string, tdd TaskDeploymentDescriptor) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodSubmitTask, jmToken, tdd, nil)
}

func (c *taskExecutorClient) CancelTask(ctx context.Context, attemptID string) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodCancelTask, c.fencingToken(), attemptID, nil)
}

func (c *taskExecutorClient) TriggerCheckpoint(ctx context.Context, req TriggerCheckpointRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodTriggerCheckpoint, c.fencingToken(), req, nil)
}

func (c *taskExecutorClient) ConfirmCheckpoint(ctx context.Context, req ConfirmOrAbortCheckpointRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodConfirmCheckpoint, c.fencingToken(), req, nil)
}

func (c *taskExecutorClient) AbortCheckpoint(ctx context.Context, req ConfirmOrAbortCheckpointRequest) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodAbortCheckpoint, c.fencingToken(), req, nil)
}

func (c *taskExecutorClient) HeartbeatFromResourceManager(ctx context.Context) (HeartbeatPayload, error) {
	var resp HeartbeatPayload
	err := c.conn.Call(ctx, defaultCallTimeout, MethodHeartbeatFromResourceManagerTE, c.fencingToken(), nil, &resp)
	return resp, err
}

func (c *taskExecutorClient) HeartbeatFromJobManager(ctx context.Context) error {
	return c.conn.Call(ctx, defaultCallTimeout, MethodHeartbeatFromJobManagerTE, c.fencingToken(), nil, nil)
}
