package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/streamcore/engine/internal/ids"
)

// publishCommand is the only raft log entry type this FSM applies: it
// sets the currently-confirmed LeaderInfo for one coordination path.
type publishCommand struct {
	Path    string `json:"path"`
	Address string `json:"address"`
	Token   string `json:"token"`
}

// fsm replicates the published leader for every coordination path
// across the raft group, and fans out changes to local Discover
// listeners once a publish commits.
type fsm struct {
	mu        sync.RWMutex
	published map[string]LeaderInfo
	onPublish func(path string, info LeaderInfo)
}

func newFSM(onPublish func(path string, info LeaderInfo)) *fsm {
	return &fsm{
		published: make(map[string]LeaderInfo),
		onPublish: onPublish,
	}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd publishCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("coordination: failed to unmarshal publish command: %w", err)
	}

	info := LeaderInfo{Address: cmd.Address, Token: ids.FencingToken(cmd.Token)}

	f.mu.Lock()
	f.published[cmd.Path] = info
	f.mu.Unlock()

	if f.onPublish != nil {
		f.onPublish(cmd.Path, info)
	}
	return nil
}

func (f *fsm) get(path string) (LeaderInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.published[path]
	return info, ok
}

type fsmSnapshot struct {
	Published map[string]LeaderInfo
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	copyMap := make(map[string]LeaderInfo, len(f.published))
	for k, v := range f.published {
		copyMap[k] = v
	}
	return &fsmSnapshot{Published: copyMap}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.Published)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *fsm) Restore(r io.ReadCloser) error {
	defer r.Close()
	var published map[string]LeaderInfo
	if err := json.NewDecoder(r).Decode(&published); err != nil {
		return fmt.Errorf("coordination: failed to restore snapshot: %w", err)
	}
	f.mu.Lock()
	f.published = published
	f.mu.Unlock()
	return nil
}
