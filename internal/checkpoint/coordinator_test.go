package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/streamcore/engine/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchCall struct {
	method    string
	attemptID ids.ExecutionAttemptId
}

type fakeDispatcher struct {
	mu         sync.Mutex
	calls      []dispatchCall
	triggerErr map[ids.ExecutionAttemptId]error
}

func (d *fakeDispatcher) TriggerCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.TriggerCheckpointRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{"trigger", attemptID})
	if err, ok := d.triggerErr[attemptID]; ok {
		return err
	}
	return nil
}

func (d *fakeDispatcher) ConfirmCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{"confirm", attemptID})
	return nil
}

func (d *fakeDispatcher) AbortCheckpoint(ctx context.Context, attemptID ids.ExecutionAttemptId, req rpc.ConfirmOrAbortCheckpointRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{"abort", attemptID})
	return nil
}

func (d *fakeDispatcher) countMethod(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

type fakeMetadataStore struct {
	mu         sync.Mutex
	persisted  []CheckpointMetadata
	discarded  []string
	persistErr error
}

func (s *fakeMetadataStore) Persist(meta CheckpointMetadata, targetDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return "", s.persistErr
	}
	s.persisted = append(s.persisted, meta)
	dir := targetDir
	if dir == "" {
		dir = string(meta.JobID) + "/chk"
	}
	return dir, nil
}

func (s *fakeMetadataStore) Load(dir string) (CheckpointMetadata, error) {
	return CheckpointMetadata{}, errors.New("not implemented")
}

func (s *fakeMetadataStore) Discard(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, dir)
	return nil
}

func oneSubtaskResolver(attemptID ids.ExecutionAttemptId) VertexResolver {
	return func(jobVertexID ids.JobVertexId) []VertexTarget {
		return []VertexTarget{{JobVertexID: jobVertexID, SubtaskIndex: 0, AttemptID: attemptID}}
	}
}

func baseSettings() rpc.JobCheckpointingSettings {
	return rpc.JobCheckpointingSettings{
		TriggerVertexIDs: []string{"source"},
		AckVertexIDs:     []string{"source"},
		CommitVertexIDs:  []string{"sink"},
		TolerableFailures: 0,
	}
}

func TestCheckpointCoordinatorTriggerAndAcknowledgeCompletes(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{}
	c := NewCheckpointCoordinator(ids.JobId("job-1"), baseSettings(), dispatcher, oneSubtaskResolver("attempt-a"), metadata, nil)

	id, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.countMethod("trigger"))

	ref := &rpc.StateHandleRef{Inline: []byte("x")}
	err = c.Acknowledge(context.Background(), rpc.AcknowledgeCheckpointRequest{
		AttemptID: "attempt-a", JobVertexID: "source", SubtaskIndex: 0,
		CheckpointID: uint64(id), OperatorState: ref, KeyedState: ref,
	})
	require.NoError(t, err)

	require.Len(t, metadata.persisted, 1)
	assert.Equal(t, id, metadata.persisted[0].CheckpointID)
	require.Len(t, metadata.persisted[0].TaskStates, 1)
	assert.Equal(t, 1, dispatcher.countMethod("confirm"), "commit vertices are notified once completed")

	latest, ok := c.LatestCompleted()
	require.True(t, ok)
	assert.Equal(t, id, latest.ID)
}

func TestCheckpointCoordinatorDeclineAbortsAndNotifiesAllVertices(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{}
	c := NewCheckpointCoordinator(ids.JobId("job-2"), baseSettings(), dispatcher, oneSubtaskResolver("attempt-b"), metadata, nil)

	id, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	require.NoError(t, err)

	err = c.Decline(context.Background(), rpc.DeclineCheckpointRequest{CheckpointID: uint64(id), Cause: "state backend error"})
	require.NoError(t, err)

	assert.Equal(t, 1, dispatcher.countMethod("abort"), "source, sink, and ack vertices collapse to one attempt here")
	assert.Empty(t, metadata.persisted, "a declined checkpoint never persists metadata")

	_, ok := c.LatestCompleted()
	assert.False(t, ok)
}

func TestCheckpointCoordinatorRejectsSecondTriggerWhileOneInFlight(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{}
	settings := baseSettings()
	c := NewCheckpointCoordinator(ids.JobId("job-3"), settings, dispatcher, oneSubtaskResolver("attempt-c"), metadata, nil)

	_, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	require.NoError(t, err)

	_, err = c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	assert.Error(t, err, "max_concurrent_checkpoints defaults to 1")
}

func TestCheckpointCoordinatorEnforcesMinPauseBetweenCheckpoints(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{}
	settings := baseSettings()
	settings.MinPauseBetweenCheckpoints = time.Hour
	c := NewCheckpointCoordinator(ids.JobId("job-4"), settings, dispatcher, oneSubtaskResolver("attempt-d"), metadata, nil)

	id, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	require.NoError(t, err)
	ref := &rpc.StateHandleRef{Inline: []byte("x")}
	require.NoError(t, c.Acknowledge(context.Background(), rpc.AcknowledgeCheckpointRequest{
		AttemptID: "attempt-d", JobVertexID: "source", SubtaskIndex: 0, CheckpointID: uint64(id),
		OperatorState: ref, KeyedState: ref,
	}))

	_, err = c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	assert.Error(t, err, "a second trigger within min_pause_between_checkpoints must be rejected")
}

func TestCheckpointCoordinatorFailureHandlerFiresAfterTolerableFailuresExceeded(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{}
	settings := baseSettings()
	settings.TolerableFailures = 1

	var failures []error
	onFailure := func(cause error) { failures = append(failures, cause) }
	c := NewCheckpointCoordinator(ids.JobId("job-5"), settings, dispatcher, oneSubtaskResolver("attempt-e"), metadata, onFailure)

	for i := 0; i < 2; i++ {
		id, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
		require.NoError(t, err)
		require.NoError(t, c.Decline(context.Background(), rpc.DeclineCheckpointRequest{CheckpointID: uint64(id), Cause: "boom"}))
	}

	require.Len(t, failures, 1, "the handler fires once consecutive failures exceed TolerableFailures")

	_, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	assert.Error(t, err, "further triggers are refused once the job has exceeded tolerable failures")
}

func TestCheckpointCoordinatorAbortsOnDispatchFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{triggerErr: map[ids.ExecutionAttemptId]error{"attempt-f": errors.New("unreachable")}}
	metadata := &fakeMetadataStore{}
	c := NewCheckpointCoordinator(ids.JobId("job-6"), baseSettings(), dispatcher, oneSubtaskResolver("attempt-f"), metadata, nil)

	_, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	assert.Error(t, err)
	assert.Equal(t, 1, dispatcher.countMethod("abort"), "a failed dispatch to a trigger vertex aborts immediately")
}

// TestCheckpointCoordinatorConcurrentAcknowledgeAndDeclineDoesNotPanic
// covers a race where a Decline (or a timeout firing the same path)
// lands for the same checkpoint ID while its final Acknowledge is
// already committing: both complete and abort used to close the same
// pc.done channel unconditionally, panicking on the second close.
func TestCheckpointCoordinatorConcurrentAcknowledgeAndDeclineDoesNotPanic(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{}
	c := NewCheckpointCoordinator(ids.JobId("job-8"), baseSettings(), dispatcher, oneSubtaskResolver("attempt-h"), metadata, nil)

	id, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	require.NoError(t, err)

	ref := &rpc.StateHandleRef{Inline: []byte("x")}
	ackReq := rpc.AcknowledgeCheckpointRequest{
		AttemptID: "attempt-h", JobVertexID: "source", SubtaskIndex: 0, CheckpointID: uint64(id),
		OperatorState: ref, KeyedState: ref,
	}
	declineReq := rpc.DeclineCheckpointRequest{CheckpointID: uint64(id), Cause: "racing timeout"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NotPanics(t, func() { _ = c.Acknowledge(context.Background(), ackReq) })
	}()
	go func() {
		defer wg.Done()
		assert.NotPanics(t, func() { _ = c.Decline(context.Background(), declineReq) })
	}()
	wg.Wait()
}

func TestCheckpointCoordinatorMetadataPersistenceFailureCountsAsDecline(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	metadata := &fakeMetadataStore{persistErr: errors.New("disk full")}
	c := NewCheckpointCoordinator(ids.JobId("job-7"), baseSettings(), dispatcher, oneSubtaskResolver("attempt-g"), metadata, nil)

	id, err := c.TriggerCheckpoint(context.Background(), rpc.CheckpointOptions{})
	require.NoError(t, err)
	ref := &rpc.StateHandleRef{Inline: []byte("x")}
	err = c.Acknowledge(context.Background(), rpc.AcknowledgeCheckpointRequest{
		AttemptID: "attempt-g", JobVertexID: "source", SubtaskIndex: 0, CheckpointID: uint64(id),
		OperatorState: ref, KeyedState: ref,
	})
	require.NoError(t, err, "Acknowledge itself never fails; the persistence failure surfaces as an abort")

	_, ok := c.LatestCompleted()
	assert.False(t, ok)
	assert.Equal(t, 1, dispatcher.countMethod("abort"))
}
