package taskexecutor

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/rpc"
)

// releaseTimeout bounds how long a slot may sit in SlotReleasing before
// SlotTable force-frees it.
const releaseTimeout = 30 * time.Second

// SlotTable is a TaskExecutor's local view of its own slots. All
// mutation happens under mu since RPC handlers and the release-timeout
// sweeper both touch it.
type SlotTable struct {
	mu    sync.Mutex
	slots map[int]*slotEntry

	onReleaseTimeout func(slotIndex int)
	stopCh           chan struct{}
}

func NewSlotTable(total, defaultSlot rpc.ResourceProfile) *SlotTable {
	numSlots := 1
	if defaultSlot.CPUCores > 0 {
		numSlots = int(total.CPUCores / defaultSlot.CPUCores)
		if numSlots < 1 {
			numSlots = 1
		}
	}
	t := &SlotTable{
		slots:  make(map[int]*slotEntry, numSlots),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numSlots; i++ {
		t.slots[i] = &slotEntry{Index: i, Phase: SlotFree, Profile: defaultSlot}
	}
	return t
}

func (t *SlotTable) Start() { go t.sweepReleasing() }
func (t *SlotTable) Stop()  { close(t.stopCh) }

func (t *SlotTable) sweepReleasing() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.forceFreeExpired()
		case <-t.stopCh:
			return
		}
	}
}

func (t *SlotTable) forceFreeExpired() {
	t.mu.Lock()
	var expired []int
	now := time.Now()
	for idx, s := range t.slots {
		if s.Phase == SlotReleasing && now.Sub(s.AllocatedAt) > releaseTimeout {
			expired = append(expired, idx)
		}
	}
	for _, idx := range expired {
		s := t.slots[idx]
		*s = slotEntry{Index: idx, Phase: SlotFree, Profile: s.Profile}
	}
	t.mu.Unlock()

	for _, idx := range expired {
		log.WithComponent("taskexecutor").Warn().Int("slot_index", idx).Msg("force-freeing slot stuck in releasing")
		if t.onReleaseTimeout != nil {
			t.onReleaseTimeout(idx)
		}
	}
}

// Report produces the SlotReport expected on registration and every
// heartbeat reply.
func (t *SlotTable) Report(resourceID ids.ResourceId, instanceID ids.InstanceId) rpc.SlotReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := rpc.SlotReport{ResourceID: string(resourceID), InstanceID: string(instanceID)}
	for _, s := range t.slots {
		status := rpc.SlotStatus{SlotIndex: s.Index, Profile: s.Profile}
		if s.Phase != SlotFree {
			status.AllocationID = string(s.AllocationID)
			status.JobID = string(s.JobID)
		}
		report.Slots = append(report.Slots, status)
	}
	return report
}

// Allocate transitions slotIndex Free -> Allocated for a slot request
// arriving from the ResourceManager.
func (t *SlotTable) Allocate(slotIndex int, jobID ids.JobId, allocationID ids.AllocationId, profile rpc.ResourceProfile, jmAddr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slotIndex]
	if !ok {
		return fmt.Errorf("taskexecutor: no such slot %d", slotIndex)
	}
	if s.Phase != SlotFree {
		if s.AllocationID == allocationID {
			return nil // idempotent re-request
		}
		return fmt.Errorf("taskexecutor: slot %d is not free", slotIndex)
	}
	s.Phase = SlotAllocated
	s.AllocationID = allocationID
	s.JobID = jobID
	s.JobMasterAddr = jmAddr
	s.AllocatedAt = time.Now()
	return nil
}

// Activate transitions an Allocated slot to Active once a task has
// actually been submitted into it.
func (t *SlotTable) Activate(allocationID ids.AllocationId) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, s := range t.slots {
		if s.AllocationID == allocationID && s.Phase == SlotAllocated {
			s.Phase = SlotActive
			return idx, true
		}
	}
	return 0, false
}

// BySlotIndex returns a snapshot of one slot's entry.
func (t *SlotTable) BySlotIndex(slotIndex int) (slotEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slotIndex]
	if !ok {
		return slotEntry{}, false
	}
	return *s, true
}

// ByAllocation returns a snapshot of the slot holding allocationID.
func (t *SlotTable) ByAllocation(allocationID ids.AllocationId) (slotEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.AllocationID == allocationID {
			return *s, true
		}
	}
	return slotEntry{}, false
}

// StartReleasing moves an Active or Allocated slot into Releasing;
// Free (below) completes the transition back to Free once the task's
// runtime has actually torn down.
func (t *SlotTable) StartReleasing(allocationID ids.AllocationId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.AllocationID == allocationID && s.Phase != SlotReleasing {
			s.Phase = SlotReleasing
			s.AllocatedAt = time.Now()
			return
		}
	}
}

// Free completes a slot's return to the free pool.
func (t *SlotTable) Free(allocationID ids.AllocationId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, s := range t.slots {
		if s.AllocationID == allocationID {
			profile := s.Profile
			t.slots[idx] = &slotEntry{Index: idx, Phase: SlotFree, Profile: profile}
			return
		}
	}
}

// NumSlots reports the total slot count.
func (t *SlotTable) NumSlots() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
