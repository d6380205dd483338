package shuffle

import (
	"fmt"
	"sync"

	"github.com/streamcore/engine/internal/ids"
)

// PartitionType mirrors rpc.ResultPartitionDescriptor's wire string
// (pipelined-bounded keeps only unconsumed data in memory and is
// subject to credit backpressure; blocking buffers an entire result
// before any consumer may start, used for batch shuffles).
type PartitionType int

const (
	PartitionPipelinedBounded PartitionType = iota
	PartitionBlocking
)

// ResultSubpartition is one consumer-addressed queue of buffers within
// a ResultPartition.
type ResultSubpartition struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buffers []*Buffer
	credit  int // buffers the downstream consumer has authorized (pipelined only)
	kind    PartitionType
	closed  bool
}

func newResultSubpartition(kind PartitionType) *ResultSubpartition {
	s := &ResultSubpartition{kind: kind}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Add appends a filled buffer, blocking (pipelined) until the consumer
// has granted at least one credit, or accepting unconditionally
// (blocking partitions, which buffer everything).
func (s *ResultSubpartition) Add(buf *Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("shuffle: subpartition closed")
	}
	if s.kind == PartitionPipelinedBounded {
		for s.credit <= 0 {
			s.cond.Wait()
			if s.closed {
				return fmt.Errorf("shuffle: subpartition closed")
			}
		}
		s.credit--
	}
	s.buffers = append(s.buffers, buf)
	s.cond.Signal()
	return nil
}

// Poll returns the next buffer without blocking, or ok=false if none
// is ready.
func (s *ResultSubpartition) Poll() (*Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffers) == 0 {
		return nil, false
	}
	buf := s.buffers[0]
	s.buffers = s.buffers[1:]
	return buf, true
}

// AddCredit grants the producer n more buffers' worth of headroom,
// credit-based flow control: the consumer only
// issues credit for buffers it has itself freed.
func (s *ResultSubpartition) AddCredit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit += n
	s.cond.Broadcast()
}

func (s *ResultSubpartition) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *ResultSubpartition) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// SnapshotQueued copies the bytes of every buffer currently queued
// (produced but not yet delivered to the downstream consumer) without
// removing them: an unaligned checkpoint must still deliver these
// buffers normally, it only needs their contents recorded in the
// channel-state snapshot taken at the moment the barrier was emitted.
func (s *ResultSubpartition) SnapshotQueued() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.buffers))
	for i, buf := range s.buffers {
		out[i] = append([]byte(nil), buf.Bytes()...)
	}
	return out
}

// ResultPartition is the producer-side shuffle endpoint for one
// ExecutionVertex's output edge, fanned out into NumSubpartitions
// (one subpartition per downstream subtask under a
// hash/rebalance/broadcast partitioner, or exactly one under forward).
type ResultPartition struct {
	PartitionID      ids.ResultPartitionId
	kind             PartitionType
	subpartitions    []*ResultSubpartition
	pool             *NetworkBufferPool
}

func NewResultPartition(id ids.ResultPartitionId, numSubpartitions int, kind PartitionType, pool *NetworkBufferPool) *ResultPartition {
	p := &ResultPartition{PartitionID: id, kind: kind, pool: pool}
	for i := 0; i < numSubpartitions; i++ {
		p.subpartitions = append(p.subpartitions, newResultSubpartition(kind))
	}
	return p
}

func (p *ResultPartition) NumSubpartitions() int { return len(p.subpartitions) }

func (p *ResultPartition) Subpartition(index int) (*ResultSubpartition, error) {
	if index < 0 || index >= len(p.subpartitions) {
		return nil, fmt.Errorf("shuffle: subpartition index %d out of range [0,%d)", index, len(p.subpartitions))
	}
	return p.subpartitions[index], nil
}

// EmitRecord serializes record into a pool buffer and hands it to the
// addressed subpartition. Each call acquires and fills its own buffer;
// operators producing many small records should batch upstream of this
// layer (the operator chain's output collector does so).
func (p *ResultPartition) EmitRecord(subpartitionIndex int, record []byte) error {
	sp, err := p.Subpartition(subpartitionIndex)
	if err != nil {
		return err
	}
	buf := p.pool.RequestBuffer()
	if err := writeInto(buf, record); err != nil {
		buf.Recycle()
		return err
	}
	return sp.Add(buf)
}

// Broadcast hands a copy of record to every subpartition, for
// broadcast-partitioned edges.
func (p *ResultPartition) Broadcast(record []byte) error {
	for i := range p.subpartitions {
		if err := p.EmitRecord(i, record); err != nil {
			return err
		}
	}
	return nil
}

func (p *ResultPartition) Close() {
	for _, sp := range p.subpartitions {
		sp.Close()
	}
}

// SnapshotQueued returns the currently-queued-but-undelivered buffer
// bytes of every subpartition, for folding into an unaligned
// checkpoint's output-side channel state.
func (p *ResultPartition) SnapshotQueued() [][]byte {
	var out [][]byte
	for _, sp := range p.subpartitions {
		out = append(out, sp.SnapshotQueued()...)
	}
	return out
}
