package coordination

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeLoopbackAddr picks an ephemeral loopback port for raft's TCP
// transport, which (unlike net.Listen) does not accept ":0" itself.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

type recordingCandidate struct {
	mu      sync.Mutex
	grants  []ids.FencingToken
	revokes int
}

func (c *recordingCandidate) Grant(token ids.FencingToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants = append(c.grants, token)
}

func (c *recordingCandidate) Revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revokes++
}

func (c *recordingCandidate) grantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.grants)
}

func (c *recordingCandidate) lastToken() ids.FencingToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.grants) == 0 {
		return ""
	}
	return c.grants[len(c.grants)-1]
}

func (c *recordingCandidate) revokeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revokes
}

func bootstrapCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := New(Config{NodeID: "node-1", BindAddr: "127.0.0.1:0"})
	// raft.NewTCPTransport refuses ":0"; pick a free loopback port up front.
	addr := freeLoopbackAddr(t)
	c.bindAddr = addr
	c.self = addr
	require.NoError(t, c.Bootstrap(t.TempDir()))
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func TestRunForLeadershipGrantsOnceRaftElectsThisNode(t *testing.T) {
	c := bootstrapCoordinator(t)
	cand := &recordingCandidate{}

	c.RunForLeadership("resourcemanager", cand)

	require.Eventually(t, func() bool { return cand.grantCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, cand.lastToken())
}

func TestRunForLeadershipGrantsImmediatelyWhenAlreadyLeader(t *testing.T) {
	c := bootstrapCoordinator(t)
	require.Eventually(t, c.IsLeader, 2*time.Second, 10*time.Millisecond)

	cand := &recordingCandidate{}
	c.RunForLeadership("jobmaster/job-1", cand)

	assert.Equal(t, 1, cand.grantCount(), "a process that joins leadership contention after this node already leads must be granted synchronously")
}

func TestLeaderHandleCancelRevokesAndStopsContesting(t *testing.T) {
	c := bootstrapCoordinator(t)
	cand := &recordingCandidate{}
	handle := c.RunForLeadership("resourcemanager", cand)

	require.Eventually(t, func() bool { return cand.grantCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	handle.Cancel()
	assert.Equal(t, 1, cand.revokeCount())

	c.mu.Lock()
	_, stillCandidate := c.candidates["resourcemanager"]
	_, stillHasToken := c.tokens["resourcemanager"]
	c.mu.Unlock()
	assert.False(t, stillCandidate)
	assert.False(t, stillHasToken)
}

func TestConfirmLeadershipPublishesToDiscoverListeners(t *testing.T) {
	c := bootstrapCoordinator(t)
	cand := &recordingCandidate{}
	c.RunForLeadership("jobmaster/job-2", cand)
	require.Eventually(t, func() bool { return cand.grantCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var seen *LeaderInfo
	c.Discover("jobmaster/job-2", func(info *LeaderInfo) {
		mu.Lock()
		seen = info
		mu.Unlock()
	})

	require.NoError(t, c.ConfirmLeadership("jobmaster/job-2", cand.lastToken(), "127.0.0.1:9999"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen != nil && seen.Address == "127.0.0.1:9999"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfirmLeadershipRejectsStaleToken(t *testing.T) {
	c := bootstrapCoordinator(t)
	cand := &recordingCandidate{}
	c.RunForLeadership("resourcemanager", cand)
	require.Eventually(t, func() bool { return cand.grantCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	err := c.ConfirmLeadership("resourcemanager", "not-the-real-token", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestDiscoverPushesCurrentValueImmediatelyWhenAlreadyPublished(t *testing.T) {
	c := bootstrapCoordinator(t)
	cand := &recordingCandidate{}
	c.RunForLeadership("jobmaster/job-3", cand)
	require.Eventually(t, func() bool { return cand.grantCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.ConfirmLeadership("jobmaster/job-3", cand.lastToken(), "127.0.0.1:8888"))

	require.Eventually(t, func() bool {
		_, ok := c.fsm.get("jobmaster/job-3")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var seen *LeaderInfo
	c.Discover("jobmaster/job-3", func(info *LeaderInfo) {
		mu.Lock()
		seen = info
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen, "a late subscriber must be pushed the already-published value, not left waiting for the next publish")
	assert.Equal(t, "127.0.0.1:8888", seen.Address)
}
