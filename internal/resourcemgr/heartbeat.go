package resourcemgr

import (
	"context"
	"sync"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
)

// heartbeatTarget is one thing the ResourceManager monitors: either a
// TaskExecutor (ping expects a SlotReport back) or a JobMaster (ping
// expects nothing). The ResourceManager, not the monitored target,
// drives the heartbeat cadence.
type heartbeatTarget struct {
	kind string // "task_executor" | "job_manager"
	ping func(ctx context.Context) error
	onTimeout func()
}

// HeartbeatManager sends periodic request_heartbeat calls to every
// monitored target and evicts targets that miss their heartbeat
// timeout.
type HeartbeatManager struct {
	mu      sync.Mutex
	targets map[string]*monitoredTarget
	cfg     config.HeartbeatConfig
	stopCh  chan struct{}
}

type monitoredTarget struct {
	target       heartbeatTarget
	lastResponse time.Time
}

func NewHeartbeatManager(cfg config.HeartbeatConfig) *HeartbeatManager {
	return &HeartbeatManager{
		targets: make(map[string]*monitoredTarget),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Monitor begins monitoring id (e.g. a ResourceId or JobId string); ping
// is invoked every Interval, onTimeout fires once if no successful ping
// response arrives within Timeout of the last one.
func (h *HeartbeatManager) Monitor(id string, kind string, ping func(ctx context.Context) error, onTimeout func()) {
	h.mu.Lock()
	h.targets[id] = &monitoredTarget{
		target:       heartbeatTarget{kind: kind, ping: ping, onTimeout: onTimeout},
		lastResponse: time.Now(),
	}
	h.mu.Unlock()
}

// Forget stops monitoring id (e.g. on explicit deregistration).
func (h *HeartbeatManager) Forget(id string) {
	h.mu.Lock()
	delete(h.targets, id)
	h.mu.Unlock()
}

// Start runs the monitor loop until Stop is called.
func (h *HeartbeatManager) Start() {
	go h.run()
}

func (h *HeartbeatManager) Stop() { close(h.stopCh) }

func (h *HeartbeatManager) run() {
	interval := h.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HeartbeatManager) tick() {
	timeout := h.cfg.Timeout
	if timeout <= 0 {
		timeout = 50 * time.Second
	}

	h.mu.Lock()
	snapshot := make(map[string]*monitoredTarget, len(h.targets))
	for id, mt := range h.targets {
		snapshot[id] = mt
	}
	h.mu.Unlock()

	for id, mt := range snapshot {
		id, mt := id, mt
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := mt.target.ping(ctx)

			h.mu.Lock()
			defer h.mu.Unlock()
			cur, ok := h.targets[id]
			if !ok {
				return
			}
			if err == nil {
				cur.lastResponse = time.Now()
				return
			}
			if time.Since(cur.lastResponse) > timeout {
				log.WithComponent("resourcemgr").Warn().
					Str("target_id", id).
					Str("kind", cur.target.kind).
					Dur("since_last_response", time.Since(cur.lastResponse)).
					Msg("heartbeat timeout, evicting target")
				metrics.HeartbeatTimeoutsTotal.WithLabelValues(cur.target.kind).Inc()
				delete(h.targets, id)
				onTimeout := cur.target.onTimeout
				go onTimeout()
			}
		}()
	}
}
