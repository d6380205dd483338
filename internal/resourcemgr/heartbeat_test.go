package resourcemgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeartbeatManagerEvictsTargetAfterTimeout exercises the
// heartbeat-timeout scenario: a target whose pings keep failing past
// its configured timeout gets evicted and its onTimeout callback fires
// exactly once.
func TestHeartbeatManagerEvictsTargetAfterTimeout(t *testing.T) {
	h := NewHeartbeatManager(config.HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: 30 * time.Millisecond})

	var mu sync.Mutex
	timedOut := 0
	h.Monitor("te-0", "task_executor", func(ctx context.Context) error {
		return errors.New("no reply")
	}, func() {
		mu.Lock()
		timedOut++
		mu.Unlock()
	})

	h.Start()
	defer h.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return timedOut == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	_, stillMonitored := h.targets["te-0"]
	h.mu.Unlock()
	assert.False(t, stillMonitored, "an evicted target must be removed so it does not time out again")
}

// TestHeartbeatManagerSuccessfulPingsKeepTargetAlive covers the
// negative case: as long as pings succeed the target is never evicted.
func TestHeartbeatManagerSuccessfulPingsKeepTargetAlive(t *testing.T) {
	h := NewHeartbeatManager(config.HeartbeatConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})

	var mu sync.Mutex
	timedOut := false
	h.Monitor("jm-0", "job_manager", func(ctx context.Context) error {
		return nil
	}, func() {
		mu.Lock()
		timedOut = true
		mu.Unlock()
	})

	h.Start()
	defer h.Stop()

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, timedOut)
}

func TestHeartbeatManagerForgetStopsMonitoring(t *testing.T) {
	h := NewHeartbeatManager(config.HeartbeatConfig{Interval: time.Second, Timeout: time.Second})
	h.Monitor("te-1", "task_executor", func(ctx context.Context) error { return nil }, func() {})
	h.Forget("te-1")

	h.mu.Lock()
	_, ok := h.targets["te-1"]
	h.mu.Unlock()
	assert.False(t, ok)
}
