package resourcemgr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/rpc"
)

// ResourceManager is the cluster-wide slot broker endpoint. It
// implements coordination.Candidate so a Coordinator can hand
// it leadership of the "resourcemanager" path, and registers its RPC
// handlers on an rpc.Server.
type ResourceManager struct {
	mu sync.Mutex

	fencingToken ids.FencingToken
	leader       bool

	slots       *SlotManager
	heartbeats  *HeartbeatManager
	jobManagers map[ids.JobId]*jobManagerEntry

	teConns map[ids.ResourceId]*rpc.Conn
	jmConns map[ids.JobId]*rpc.Conn
}

func NewResourceManager(cfg config.Config) *ResourceManager {
	rm := &ResourceManager{
		slots:       NewSlotManager(cfg.SlotRequest),
		heartbeats:  NewHeartbeatManager(cfg.Heartbeat),
		jobManagers: make(map[ids.JobId]*jobManagerEntry),
		teConns:     make(map[ids.ResourceId]*rpc.Conn),
		jmConns:     make(map[ids.JobId]*rpc.Conn),
	}
	rm.slots.failAllocation = rm.failAllocation
	return rm
}

// Grant implements coordination.Candidate: this process is now the
// confirmed ResourceManager leader, fenced by token.
func (rm *ResourceManager) Grant(token ids.FencingToken) {
	rm.mu.Lock()
	rm.fencingToken = token
	rm.leader = true
	rm.mu.Unlock()

	log.WithComponent("resourcemgr").Info().Str("fencing_token", string(token)).Msg("granted resourcemanager leadership")
	metrics.IsLeader.WithLabelValues("resourcemanager").Set(1)
	rm.slots.Start()
	rm.heartbeats.Start()
}

// Revoke implements coordination.Candidate: leadership lost, stop all
// background activity so a stale leader cannot keep mutating state.
func (rm *ResourceManager) Revoke() {
	rm.mu.Lock()
	rm.leader = false
	rm.mu.Unlock()

	log.WithComponent("resourcemgr").Warn().Msg("revoked resourcemanager leadership")
	metrics.IsLeader.WithLabelValues("resourcemanager").Set(0)
	rm.slots.Stop()
	rm.heartbeats.Stop()
}

func (rm *ResourceManager) currentToken() ids.FencingToken {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.fencingToken
}

// checkToken rejects a call stamped with anything but the currently
// granted fencing token.
func (rm *ResourceManager) checkToken(token string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.leader {
		return rpc.Decline(fmt.Errorf("not the leader"))
	}
	if token != string(rm.fencingToken) {
		return rpc.Decline(fmt.Errorf("stale fencing token"))
	}
	return nil
}

func (rm *ResourceManager) teConn(resourceID ids.ResourceId, addr string) (*rpc.Conn, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if c, ok := rm.teConns[resourceID]; ok {
		return c, nil
	}
	c, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	rm.teConns[resourceID] = c
	return c, nil
}

func (rm *ResourceManager) jmConn(jobID ids.JobId, addr string) (*rpc.Conn, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if c, ok := rm.jmConns[jobID]; ok {
		return c, nil
	}
	c, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	rm.jmConns[jobID] = c
	return c, nil
}

// failAllocation is the SlotManager's callback for an allocation it
// could not satisfy or that timed out; it relays fail_slot to the
// owning JobMaster if one is still registered.
func (rm *ResourceManager) failAllocation(jobID ids.JobId, allocationID ids.AllocationId, cause string) {
	rm.mu.Lock()
	jm, ok := rm.jobManagers[jobID]
	rm.mu.Unlock()
	if !ok {
		return
	}
	conn, err := rm.jmConn(jobID, jm.Address)
	if err != nil {
		log.WithComponent("resourcemgr").Warn().Err(err).Str("job_id", string(jobID)).Msg("failed to dial job master to report failed allocation")
		return
	}
	client := rpc.NewJobMasterClient(conn, func() string { return "" })
	ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()
	if err := client.FailSlot(ctx, rpc.FailSlotRequest{AllocationID: string(allocationID), Cause: cause}); err != nil {
		log.WithComponent("resourcemgr").Warn().Err(err).Str("allocation_id", string(allocationID)).Msg("fail_slot notification failed")
	}
}

const defaultRPCTimeout = 10 * time.Second

// RegisterHandlers binds every ResourceManagerGateway method to server.
func (rm *ResourceManager) RegisterHandlers(server *rpc.Server) {
	server.Register(rpc.MethodRegisterTaskExecutor, rm.handleRegisterTaskExecutor)
	server.Register(rpc.MethodSendSlotReport, rm.handleSendSlotReport)
	server.Register(rpc.MethodRegisterJobManager, rm.handleRegisterJobManager)
	server.Register(rpc.MethodRequestSlot, rm.handleRequestSlot)
	server.Register(rpc.MethodNotifySlotAvailable, rm.handleNotifySlotAvailable)
	server.Register(rpc.MethodHeartbeatFromTaskManagerRM, rm.handleHeartbeatFromTaskManager)
	server.Register(rpc.MethodHeartbeatFromJobManagerRM, rm.handleHeartbeatFromJobManager)
	server.Register(rpc.MethodDeregisterApplication, rm.handleDeregisterApplication)
	server.Register(rpc.MethodLeaderInfo, rm.handleLeaderInfo)
}

// handleLeaderInfo answers "who leads and what token should I present"
// without checking a token itself, since a caller has no token to
// present until it has called this once.
func (rm *ResourceManager) handleLeaderInfo(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	rm.mu.Lock()
	info := rpc.RMLeaderInfo{Leader: rm.leader, FencingToken: string(rm.fencingToken)}
	rm.mu.Unlock()
	return json.Marshal(info)
}

func (rm *ResourceManager) handleRegisterTaskExecutor(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Addr        string              `json:"addr"`
		ResourceID  string              `json:"resource_id"`
		HW          rpc.ResourceProfile `json:"hw"`
		Total       rpc.ResourceProfile `json:"total"`
		DefaultSlot rpc.ResourceProfile `json:"default_slot"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	resourceID := ids.ResourceId(req.ResourceID)

	numSlots := 1
	if req.DefaultSlot.CPUCores > 0 {
		numSlots = int(req.Total.CPUCores / req.DefaultSlot.CPUCores)
		if numSlots < 1 {
			numSlots = 1
		}
	}
	instanceID := rm.slots.RegisterTaskExecutor(resourceID, req.Addr, req.Total, req.DefaultSlot, numSlots)

	rm.heartbeats.Monitor(string(resourceID), "task_executor",
		func(ctx context.Context) error {
			conn, err := rm.teConn(resourceID, req.Addr)
			if err != nil {
				return err
			}
			client := rpc.NewTaskExecutorClient(conn, func() string { return string(rm.currentToken()) })
			payload, err := client.HeartbeatFromResourceManager(ctx)
			if err != nil {
				return err
			}
			if payload.SlotReport != nil {
				rm.slots.ApplySlotReport(resourceID, instanceID, *payload.SlotReport)
			}
			return nil
		},
		func() {
			freed := rm.slots.Deregister(resourceID)
			rm.notifyFreedAllocations(freed, "task executor heartbeat timeout")
		},
	)

	log.WithComponent("resourcemgr").Info().Str("resource_id", req.ResourceID).Str("instance_id", string(instanceID)).Msg("task executor registered")
	return json.Marshal(rpc.RegistrationResult{Success: true, InstanceID: string(instanceID)})
}

// notifyFreedAllocations reports every allocation released by a
// deregistered/evicted task executor back to its owning job master via
// fail_slot.
func (rm *ResourceManager) notifyFreedAllocations(freed map[ids.AllocationId]ids.JobId, cause string) {
	for allocID, jobID := range freed {
		if jobID == "" {
			continue
		}
		rm.failAllocation(jobID, allocID, cause)
	}
}

func (rm *ResourceManager) handleSendSlotReport(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := rm.checkToken(token); err != nil {
		return nil, err
	}
	var report rpc.SlotReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, err
	}
	rm.slots.ApplySlotReport(ids.ResourceId(report.ResourceID), ids.InstanceId(report.InstanceID), report)
	return nil, nil
}

func (rm *ResourceManager) handleRegisterJobManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req struct {
		JMResourceID string `json:"jm_resource_id"`
		Addr         string `json:"addr"`
		JobID        string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	jobID := ids.JobId(req.JobID)
	rm.mu.Lock()
	rm.jobManagers[jobID] = &jobManagerEntry{
		JobID:      jobID,
		ResourceID: ids.ResourceId(req.JMResourceID),
		Address:    req.Addr,
	}
	rm.mu.Unlock()

	rm.heartbeats.Monitor("jm:"+req.JobID, "job_manager",
		func(ctx context.Context) error {
			conn, err := rm.jmConn(jobID, req.Addr)
			if err != nil {
				return err
			}
			// Unfenced, like fail_slot: the RM does not know the JobMaster's token.
			client := rpc.NewJobMasterClient(conn, func() string { return "" })
			return client.HeartbeatFromResourceManager(ctx)
		},
		func() {
			rm.mu.Lock()
			delete(rm.jobManagers, jobID)
			rm.mu.Unlock()
		},
	)

	log.WithComponent("resourcemgr").Info().Str("job_id", req.JobID).Msg("job master registered")
	return json.Marshal(rpc.RegistrationResult{Success: true})
}

func (rm *ResourceManager) handleRequestSlot(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req rpc.SlotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	jobID := ids.JobId(req.JobID)
	allocationID := ids.AllocationId(req.AllocationID)

	result := rm.slots.RequestSlot(jobID, allocationID, token, req.ResourceProfile)
	if !result.Matched {
		return nil, nil
	}
	if result.Address == "" {
		// Already-satisfied idempotent re-request; nothing further to do.
		return nil, nil
	}

	rm.mu.Lock()
	jm := rm.jobManagers[jobID]
	rm.mu.Unlock()
	jmAddr := ""
	if jm != nil {
		jmAddr = jm.Address
	}

	conn, err := rm.teConn(result.ResourceID, result.Address)
	if err != nil {
		return nil, err
	}
	client := rpc.NewTaskExecutorClient(conn, func() string { return string(rm.currentToken()) })
	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
		defer cancel()
		if err := client.RequestSlot(reqCtx, rpc.TaskExecutorSlotRequest{
			SlotIndex:            result.SlotIndex,
			JobID:                req.JobID,
			AllocationID:         req.AllocationID,
			Profile:              req.ResourceProfile,
			TargetJobMasterAddr:  jmAddr,
			ResourceManagerToken: string(rm.currentToken()),
		}); err != nil {
			log.WithComponent("resourcemgr").Warn().Err(err).Str("allocation_id", req.AllocationID).Msg("request_slot to task executor failed")
		}
	}()
	return nil, nil
}

func (rm *ResourceManager) handleNotifySlotAvailable(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := rm.checkToken(token); err != nil {
		return nil, err
	}
	var req struct {
		InstanceID   string `json:"instance_id"`
		SlotID       string `json:"slot_id"`
		AllocationID string `json:"allocation_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	resourceID, slotIndex := parseSlotID(req.SlotID)
	rm.slots.NotifySlotAvailable(resourceID, slotIndex, ids.AllocationId(req.AllocationID))
	return nil, nil
}

func (rm *ResourceManager) handleHeartbeatFromTaskManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ResourceID string               `json:"resource_id"`
		Payload    rpc.HeartbeatPayload `json:"payload"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	resourceID := ids.ResourceId(req.ResourceID)
	if req.Payload.SlotReport != nil {
		rm.slots.ApplySlotReport(resourceID, ids.InstanceId(req.Payload.SlotReport.InstanceID), *req.Payload.SlotReport)
	} else {
		rm.slots.touchHeartbeat(resourceID)
	}
	return json.Marshal(rpc.HeartbeatPayload{})
}

func (rm *ResourceManager) handleHeartbeatFromJobManager(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	var jobID string
	if err := json.Unmarshal(body, &jobID); err != nil {
		return nil, err
	}
	rm.mu.Lock()
	if jm, ok := rm.jobManagers[ids.JobId(jobID)]; ok {
		jm.LastHeartbeat = time.Now()
	}
	rm.mu.Unlock()
	return nil, nil
}

// parseSlotID decodes the "<resource_id>/<slot_index>" form produced by
// ids.SlotId.String().
func parseSlotID(s string) (ids.ResourceId, int) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return ids.ResourceId(s), 0
	}
	n, _ := strconv.Atoi(s[idx+1:])
	return ids.ResourceId(s[:idx]), n
}

func (rm *ResourceManager) handleDeregisterApplication(ctx context.Context, token string, body json.RawMessage) (json.RawMessage, error) {
	if err := rm.checkToken(token); err != nil {
		return nil, err
	}
	var req struct {
		Status      string `json:"status"`
		Diagnostics string `json:"diagnostics"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	log.WithComponent("resourcemgr").Info().Str("status", req.Status).Str("diagnostics", req.Diagnostics).Msg("application deregistered")
	return nil, nil
}
