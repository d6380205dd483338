package coordination

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"encoding/json"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/metrics"
)

// Coordinator is the durable coordination service binding: a single
// raft group whose elected leader is the candidate confirmed for every
// path registered on this process (see package doc). It implements both
// the elector side (run_for_leadership/confirm_leadership) and the
// discoverer side (discover).
//
// Timeouts are tuned for sub-10s failover.
type Coordinator struct {
	nodeID   string
	bindAddr string

	raft *raft.Raft
	fsm  *fsm

	mu        sync.Mutex
	self      string // this node's own published address for confirmLeadership
	candidates map[string]Candidate
	tokens     map[string]ids.FencingToken
	listeners  map[string][]Listener

	stopCh chan struct{}
}

// Config configures a Coordinator's raft transport and storage.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New constructs (but does not start) a Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		nodeID:     cfg.NodeID,
		bindAddr:   cfg.BindAddr,
		self:       cfg.BindAddr,
		candidates: make(map[string]Candidate),
		tokens:     make(map[string]ids.FencingToken),
		listeners:  make(map[string][]Listener),
		stopCh:     make(chan struct{}),
	}
	c.fsm = newFSM(c.onPublish)
	return c
}

// Bootstrap initializes a new single-node raft cluster rooted at
// dataDir.
func (c *Coordinator) Bootstrap(dataDir string) error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return fmt.Errorf("coordination: failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("coordination: failed to create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("coordination: failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "coordination-log.db"))
	if err != nil {
		return fmt.Errorf("coordination: failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "coordination-stable.db"))
	if err != nil {
		return fmt.Errorf("coordination: failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("coordination: failed to create raft: %w", err)
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordination: failed to bootstrap cluster: %w", err)
	}

	go c.watchLeadership()
	return nil
}

// watchLeadership polls raft's own leadership view and fires
// Grant/Revoke for every registered path. Real deployments would use
// raft.Config.NotifyCh for an event-driven signal; polling every
// 100ms (a fifth of the election timeout) keeps this simple and is
// cheap at this interval.
func (c *Coordinator) watchLeadership() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	wasLeader := false
	for {
		select {
		case <-ticker.C:
			isLeader := c.raft.State() == raft.Leader
			metrics.IsLeader.WithLabelValues("cluster").Set(boolToFloat(isLeader))
			if isLeader && !wasLeader {
				c.grantAll()
			} else if !isLeader && wasLeader {
				c.revokeAll()
			}
			wasLeader = isLeader
		case <-c.stopCh:
			return
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Coordinator) grantAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, cand := range c.candidates {
		token := ids.NewFencingToken()
		c.tokens[path] = token
		log.WithComponent("coordination").Info().Str("path", path).Msg("leadership granted")
		cand.Grant(token)
	}
}

func (c *Coordinator) revokeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, cand := range c.candidates {
		delete(c.tokens, path)
		log.WithComponent("coordination").Info().Str("path", path).Msg("leadership revoked")
		cand.Revoke()
	}
	for path, ls := range c.listeners {
		for _, l := range ls {
			l(nil)
		}
		_ = path
	}
}

// LeaderHandle lets a candidate stop contesting leadership for a path.
type LeaderHandle struct {
	coordinator *Coordinator
	path        string
}

// Cancel stops contesting leadership for this path; if currently leader,
// Revoke is invoked once more before removal.
func (h *LeaderHandle) Cancel() {
	h.coordinator.mu.Lock()
	defer h.coordinator.mu.Unlock()
	if cand, ok := h.coordinator.candidates[h.path]; ok {
		if _, leading := h.coordinator.tokens[h.path]; leading {
			cand.Revoke()
		}
	}
	delete(h.coordinator.candidates, h.path)
	delete(h.coordinator.tokens, h.path)
}

// RunForLeadership registers candidate to contest leadership of path.
// Grant/Revoke fire as this process's raft leadership flips.
func (c *Coordinator) RunForLeadership(path string, candidate Candidate) *LeaderHandle {
	c.mu.Lock()
	c.candidates[path] = candidate
	alreadyLeader := c.raft != nil && c.raft.State() == raft.Leader
	c.mu.Unlock()

	if alreadyLeader {
		c.mu.Lock()
		token := ids.NewFencingToken()
		c.tokens[path] = token
		c.mu.Unlock()
		candidate.Grant(token)
	}

	return &LeaderHandle{coordinator: c, path: path}
}

// ConfirmLeadership publishes (address, token) for path to the
// coordination log, but only if this process still holds token for
// path.
func (c *Coordinator) ConfirmLeadership(path string, token ids.FencingToken, address string) error {
	c.mu.Lock()
	current, ok := c.tokens[path]
	c.mu.Unlock()
	if !ok || current != token {
		return fmt.Errorf("coordination: stale confirm for path %q (no longer leader with that token)", path)
	}

	cmd := publishCommand{Path: path, Address: address, Token: string(token)}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordination: failed to marshal publish command: %w", err)
	}
	future := c.raft.Apply(data, 5*time.Second)
	return future.Error()
}

// Discover registers listener for changes to path's published
// LeaderInfo, pushing the current value immediately if one exists.
func (c *Coordinator) Discover(path string, listener Listener) {
	c.mu.Lock()
	c.listeners[path] = append(c.listeners[path], listener)
	c.mu.Unlock()

	if info, ok := c.fsm.get(path); ok {
		listener(&info)
	} else {
		listener(nil)
	}
}

func (c *Coordinator) onPublish(path string, info LeaderInfo) {
	c.mu.Lock()
	ls := append([]Listener(nil), c.listeners[path]...)
	c.mu.Unlock()
	for _, l := range ls {
		l(&info)
	}
}

// IsLeader reports whether this process currently holds cluster
// leadership (the precondition for any path's Grant to have fired).
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// Shutdown stops the coordinator's background watcher and the
// underlying raft instance.
func (c *Coordinator) Shutdown() error {
	close(c.stopCh)
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
