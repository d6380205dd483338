package resourcemgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
	"github.com/streamcore/engine/internal/rpc"
)

// SlotManager tracks fleet-wide slot supply and satisfies per-job slot
// demand. All mutation happens under mu, since RPC handlers, heartbeat
// callbacks and the pending-request timeout sweeper each call in from
// their own goroutines.
type SlotManager struct {
	mu sync.Mutex

	taskExecutors map[ids.ResourceId]*taskExecutorEntry
	allocations   map[ids.AllocationId]ids.SlotId
	pending       map[ids.AllocationId]*pendingRequest

	cfg config.SlotRequestConfig

	// requestSlotOnExecutor is not set or called anywhere; the
	// ResourceManager's request_slot handler contacts the matched
	// TaskExecutor itself.
	requestSlotOnExecutor func(ctx context.Context, te *taskExecutorEntry, slotIndex int, req pendingRequest) error
	// failAllocation reports an unfulfillable/timed-out allocation back
	// to the owning JobMaster.
	failAllocation func(jobID ids.JobId, allocationID ids.AllocationId, cause string)

	stopCh chan struct{}
}

func NewSlotManager(cfg config.SlotRequestConfig) *SlotManager {
	return &SlotManager{
		taskExecutors: make(map[ids.ResourceId]*taskExecutorEntry),
		allocations:   make(map[ids.AllocationId]ids.SlotId),
		pending:       make(map[ids.AllocationId]*pendingRequest),
		cfg:           cfg,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the pending-request timeout sweeper.
func (m *SlotManager) Start() {
	go m.sweepPending()
}

func (m *SlotManager) Stop() { close(m.stopCh) }

func (m *SlotManager) sweepPending() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.expirePending()
		case <-m.stopCh:
			return
		}
	}
}

func (m *SlotManager) expirePending() {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	var expired []*pendingRequest
	m.mu.Lock()
	now := time.Now()
	for id, req := range m.pending {
		if now.Sub(req.RequestedAt) > timeout {
			expired = append(expired, req)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, req := range expired {
		log.WithComponent("resourcemgr").Warn().
			Str("allocation_id", string(req.AllocationID)).
			Str("job_id", string(req.JobID)).
			Msg("slot request timed out")
		if m.failAllocation != nil {
			m.failAllocation(req.JobID, req.AllocationID, "allocation timeout: no matching slot became available")
		}
	}
}

// RegisterTaskExecutor associates a fresh InstanceId with resourceID,
// closing any prior registration for the same ResourceId: a duplicate
// registration supersedes the older one.
func (m *SlotManager) RegisterTaskExecutor(resourceID ids.ResourceId, address string, total, defaultSlot rpc.ResourceProfile, numSlots int) ids.InstanceId {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.taskExecutors[resourceID]; ok {
		m.freeAllSlotsLocked(old)
	}

	instanceID := ids.NewInstanceId()
	entry := &taskExecutorEntry{
		ResourceID:    resourceID,
		InstanceID:    instanceID,
		Address:       address,
		Total:         total,
		DefaultSlot:   defaultSlot,
		Slots:         make(map[int]*SlotState),
		LastHeartbeat: time.Now(),
	}
	for i := 0; i < numSlots; i++ {
		entry.Slots[i] = &SlotState{SlotId: ids.SlotId{ResourceId: resourceID, SlotIndex: i}, Profile: defaultSlot}
	}
	m.taskExecutors[resourceID] = entry
	metrics.TaskExecutorsTotal.Set(float64(len(m.taskExecutors)))
	return instanceID
}

// freeAllSlotsLocked releases every allocation held by te back to the
// free pool and drops te from tracking. Caller holds mu.
func (m *SlotManager) freeAllSlotsLocked(te *taskExecutorEntry) {
	for _, s := range te.Slots {
		if s.AllocationID != "" {
			delete(m.allocations, s.AllocationID)
		}
	}
	delete(m.taskExecutors, te.ResourceID)
}

// Deregister removes a TaskExecutor and frees all its slots, returning
// the job each freed allocation belonged to so the caller can notify
// the affected JobMasters. Used both for explicit deregistration and
// heartbeat-timeout eviction.
func (m *SlotManager) Deregister(resourceID ids.ResourceId) map[ids.AllocationId]ids.JobId {
	m.mu.Lock()
	defer m.mu.Unlock()
	te, ok := m.taskExecutors[resourceID]
	if !ok {
		return nil
	}
	freed := make(map[ids.AllocationId]ids.JobId)
	for _, s := range te.Slots {
		if s.AllocationID != "" {
			freed[s.AllocationID] = s.JobID
		}
	}
	m.freeAllSlotsLocked(te)
	metrics.TaskExecutorsTotal.Set(float64(len(m.taskExecutors)))
	return freed
}

// ApplySlotReport diffs an executor's declared slot state against the
// SlotManager's view. A report from an
// unknown instance id is discarded.
func (m *SlotManager) ApplySlotReport(resourceID ids.ResourceId, instanceID ids.InstanceId, report rpc.SlotReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	te, ok := m.taskExecutors[resourceID]
	if !ok || te.InstanceID != instanceID {
		log.WithComponent("resourcemgr").Debug().
			Str("resource_id", string(resourceID)).
			Msg("discarding slot report from unknown instance")
		return
	}
	te.LastHeartbeat = time.Now()
	for _, s := range report.Slots {
		slot, ok := te.Slots[s.SlotIndex]
		if !ok {
			continue
		}
		slot.AllocationID = ids.AllocationId(s.AllocationID)
		slot.JobID = ids.JobId(s.JobID)
		if s.AllocationID != "" {
			m.allocations[ids.AllocationId(s.AllocationID)] = slot.SlotId
		}
	}
}

// touchHeartbeat records a TE heartbeat reply without mutating slots.
func (m *SlotManager) touchHeartbeat(resourceID ids.ResourceId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if te, ok := m.taskExecutors[resourceID]; ok {
		te.LastHeartbeat = time.Now()
	}
}

// MatchResult is what RequestSlot found (or queued).
type MatchResult struct {
	Matched    bool
	ResourceID ids.ResourceId
	Address    string
	SlotIndex  int
}

// RequestSlot implements the slot-matching algorithm: a
// linear scan of free slots filtered by ResourceProfile subsumption,
// tie-broken on the executor with fewest allocated slots. If nothing
// matches, the request is queued as pending and the caller is told to
// wait; expirePending fails it after the configured timeout.
func (m *SlotManager) RequestSlot(jobID ids.JobId, allocationID ids.AllocationId, jmToken string, profile rpc.ResourceProfile) MatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[allocationID]; exists {
		// Idempotent re-request for an allocation already satisfied.
		return MatchResult{Matched: true}
	}

	type candidate struct {
		te        *taskExecutorEntry
		slotIndex int
		allocated int
	}
	var candidates []candidate
	for _, te := range m.taskExecutors {
		allocated := 0
		for _, s := range te.Slots {
			if s.AllocationID != "" {
				allocated++
			}
		}
		for idx, s := range te.Slots {
			if s.AllocationID == "" && s.Profile.Matches(profile) {
				candidates = append(candidates, candidate{te: te, slotIndex: idx, allocated: allocated})
			}
		}
	}

	if len(candidates) == 0 {
		m.pending[allocationID] = &pendingRequest{
			AllocationID:   allocationID,
			JobID:          jobID,
			Profile:        profile,
			JobMasterToken: jmToken,
			RequestedAt:    time.Now(),
		}
		return MatchResult{Matched: false}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].allocated < candidates[j].allocated })
	best := candidates[0]
	slot := best.te.Slots[best.slotIndex]
	slot.AllocationID = allocationID
	slot.JobID = jobID
	m.allocations[allocationID] = slot.SlotId
	delete(m.pending, allocationID)

	return MatchResult{Matched: true, ResourceID: best.te.ResourceID, Address: best.te.Address, SlotIndex: best.slotIndex}
}

// NotifySlotAvailable is a no-op for an already-free slot, so repeated
// notifications are harmless.
func (m *SlotManager) NotifySlotAvailable(resourceID ids.ResourceId, slotIndex int, allocationID ids.AllocationId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	te, ok := m.taskExecutors[resourceID]
	if !ok {
		return
	}
	slot, ok := te.Slots[slotIndex]
	if !ok || slot.AllocationID == "" {
		return
	}
	if allocationID != "" && slot.AllocationID != allocationID {
		return
	}
	delete(m.allocations, slot.AllocationID)
	slot.AllocationID = ""
	slot.JobID = ""
}

// Snapshot returns a point-in-time view of free/allocated slot counts
// for metrics.
func (m *SlotManager) Snapshot() (free, allocated, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, te := range m.taskExecutors {
		for _, s := range te.Slots {
			if s.AllocationID == "" {
				free++
			} else {
				allocated++
			}
		}
	}
	pending = len(m.pending)
	return
}
