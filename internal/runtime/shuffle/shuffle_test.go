package shuffle

import (
	"context"
	"testing"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkBufferPoolRecyclesBuffers(t *testing.T) {
	pool := NewNetworkBufferPool(2, 64)
	b1, ok := pool.TryRequestBuffer()
	require.True(t, ok)
	b2, ok := pool.TryRequestBuffer()
	require.True(t, ok)
	_, ok = pool.TryRequestBuffer()
	assert.False(t, ok, "pool exhausted after handing out all buffers")

	b1.Recycle()
	assert.Equal(t, 1, pool.NumAvailable())
	b2.Recycle()
	assert.Equal(t, 2, pool.NumAvailable())
}

func TestResultPartitionEmitRecordRoundTripsThroughLocalChannel(t *testing.T) {
	pool := NewNetworkBufferPool(4, 64)
	rp := NewResultPartition(ids.NewResultPartitionId(), 1, PartitionPipelinedBounded, pool)

	sp, err := rp.Subpartition(0)
	require.NoError(t, err)
	ch := NewLocalInputChannel(sp)

	require.NoError(t, rp.EmitRecord(0, []byte("hello")))

	buf, ok := ch.GetNextBuffer()
	require.True(t, ok)
	assert.Equal(t, "hello", string(buf.Bytes()))
}

func TestPipelinedSubpartitionBlocksWithoutCredit(t *testing.T) {
	pool := NewNetworkBufferPool(4, 64)
	sp := newResultSubpartition(PartitionPipelinedBounded)

	done := make(chan error, 1)
	go func() {
		buf := pool.RequestBuffer()
		_ = writeInto(buf, []byte("x"))
		done <- sp.Add(buf)
	}()

	select {
	case <-done:
		t.Fatal("Add must block until credit is granted")
	case <-time.After(30 * time.Millisecond):
	}

	sp.AddCredit(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Add did not unblock after AddCredit")
	}
}

func TestInputGatePollNextAndAvailability(t *testing.T) {
	pool := NewNetworkBufferPool(4, 64)
	rp := NewResultPartition(ids.NewResultPartitionId(), 1, PartitionPipelinedBounded, pool)
	sp, err := rp.Subpartition(0)
	require.NoError(t, err)
	ch := NewLocalInputChannel(sp)
	gate := NewInputGate([]*InputChannel{ch})

	_, ok := gate.PollNext()
	assert.False(t, ok, "no data queued yet")

	require.NoError(t, rp.EmitRecord(0, []byte("record")))
	gate.NotifyDataAvailable(0)

	boe, ok := gate.PollNext()
	require.True(t, ok)
	assert.Equal(t, 0, boe.ChannelIndex)
	assert.Equal(t, "record", string(boe.Buffer.Bytes()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = gate.WaitForAvailability(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnionInputGateOffsetsChannelIndices(t *testing.T) {
	pool := NewNetworkBufferPool(4, 64)
	rp1 := NewResultPartition(ids.NewResultPartitionId(), 1, PartitionPipelinedBounded, pool)
	rp2 := NewResultPartition(ids.NewResultPartitionId(), 2, PartitionPipelinedBounded, pool)

	sp1, _ := rp1.Subpartition(0)
	gate1 := NewInputGate([]*InputChannel{NewLocalInputChannel(sp1)})

	sp2a, _ := rp2.Subpartition(0)
	sp2b, _ := rp2.Subpartition(1)
	gate2 := NewInputGate([]*InputChannel{NewLocalInputChannel(sp2a), NewLocalInputChannel(sp2b)})

	union := NewUnionInputGate([]*InputGate{gate1, gate2})
	assert.Equal(t, 3, union.NumChannels())

	require.NoError(t, rp2.EmitRecord(1, []byte("from-second-gate-second-channel")))
	gate2.NotifyDataAvailable(1)

	boe, ok := union.PollNext()
	require.True(t, ok)
	assert.Equal(t, 2, boe.ChannelIndex, "gate2's channel 1 should offset past gate1's single channel")
}
