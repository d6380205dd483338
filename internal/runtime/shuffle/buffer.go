// Package shuffle implements the network data-exchange layer of
// the engine: ResultPartition/ResultSubpartition on the producer side,
// InputChannel/InputGate on the consumer side, a process-global
// NetworkBufferPool, and credit-based flow control between a remote
// producer and consumer.
package shuffle

import (
	"fmt"
	"sync"
)

// Buffer is a fixed-capacity byte segment recycled through the
// NetworkBufferPool; Recycle must be called exactly once when the
// holder is done with it.
type Buffer struct {
	pool *NetworkBufferPool
	data []byte
	size int
}

// Bytes returns the written portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// Recycle returns the buffer to its owning pool for reuse.
func (b *Buffer) Recycle() {
	if b.pool != nil {
		b.pool.release(b)
	}
}

// NetworkBufferPool is the process-global, lock-protected pool of
// fixed-size network buffers all ResultPartitions and InputGates draw
// from, bounding total off-heap-equivalent memory used
// for in-flight shuffle data.
type NetworkBufferPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	bufSize   int
	total     int
	available [][]byte
}

func NewNetworkBufferPool(numBuffers, bufferSize int) *NetworkBufferPool {
	p := &NetworkBufferPool{bufSize: bufferSize, total: numBuffers}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < numBuffers; i++ {
		p.available = append(p.available, make([]byte, bufferSize))
	}
	return p
}

// RequestBuffer blocks until a buffer is available. Pools are sized so
// that, combined with credit-based flow control, this should rarely
// block for long; a task stuck here is a task applying backpressure.
func (p *NetworkBufferPool) RequestBuffer() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.available) == 0 {
		p.cond.Wait()
	}
	n := len(p.available)
	data := p.available[n-1]
	p.available = p.available[:n-1]
	return &Buffer{pool: p, data: data}
}

// TryRequestBuffer is the non-blocking variant used by producers that
// would rather report "no credit" than stall the mailbox thread.
func (p *NetworkBufferPool) TryRequestBuffer() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return nil, false
	}
	n := len(p.available)
	data := p.available[n-1]
	p.available = p.available[:n-1]
	return &Buffer{pool: p, data: data}, true
}

func (p *NetworkBufferPool) release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.size = 0
	p.available = append(p.available, b.data)
	p.cond.Signal()
}

func (p *NetworkBufferPool) NumAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

func (p *NetworkBufferPool) BufferSize() int { return p.bufSize }

// BufferConsumer reads the bytes a producer has appended to a Buffer
// that is still being written to.
type BufferConsumer struct {
	buf      *Buffer
	readPos  int
	finished bool
}

func NewBufferConsumer(buf *Buffer) *BufferConsumer {
	return &BufferConsumer{buf: buf}
}

// Build returns the bytes written since the last Build call.
func (c *BufferConsumer) Build() []byte {
	b := c.buf.Bytes()[c.readPos:]
	c.readPos = len(c.buf.Bytes())
	return b
}

func (c *BufferConsumer) IsFinished() bool { return c.finished }

func (c *BufferConsumer) MarkFinished() { c.finished = true }

func (c *BufferConsumer) Close() { c.buf.Recycle() }

func writeInto(buf *Buffer, data []byte) error {
	if buf.size+len(data) > cap(buf.data) {
		return fmt.Errorf("shuffle: buffer overflow, capacity %d", cap(buf.data))
	}
	copy(buf.data[buf.size:], data)
	buf.size += len(data)
	return nil
}
