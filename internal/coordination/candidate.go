// Package coordination implements leader election and discovery
// on top of a durable coordination service. The production binding is
// a hashicorp/raft replicated log; the raft leader of the
// group becomes the candidate confirmed for every path registered
// against this Coordinator, and each path keeps its own independently
// minted fencing token so RPC callers can be fenced per-role (resource
// manager, per-job job master) even though one raft group underlies all
// of them.
package coordination

import "github.com/streamcore/engine/internal/ids"

// Candidate is a party that wants to lead one coordination path. Grant
// is invoked once this process is confirmed leader of that path, with a
// freshly minted token; Revoke is invoked once leadership is lost.
// They normally run on the coordinator's watcher goroutine, but
// RunForLeadership calls Grant on its caller's goroutine when this
// process already leads, and LeaderHandle.Cancel calls Revoke on its
// caller's goroutine. Neither may block.
type Candidate interface {
	Grant(token ids.FencingToken)
	Revoke()
}

// LeaderInfo is the (address, token) pair published for a path.
type LeaderInfo struct {
	Address string
	Token   ids.FencingToken
}

// Listener receives LeaderInfo changes for a discovered path. A nil
// info means the coordination service connection was lost or suspended;
//, recipients must treat all outstanding requests
// against that leader as failed until the next non-nil notification.
type Listener func(info *LeaderInfo)
