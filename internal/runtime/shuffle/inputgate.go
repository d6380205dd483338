package shuffle

import (
	"context"
	"fmt"
	"sync"
)

// ChannelKind distinguishes a channel to a subpartition on the same
// TaskExecutor (no network hop, direct queue handoff) from one on a
// remote TaskExecutor (goes over the gRPC data-plane stream).
type ChannelKind int

const (
	ChannelLocal ChannelKind = iota
	ChannelRemote
)

// creditsPerChannel is how many buffers' worth of headroom an
// InputChannel grants its producer up front and after each buffer it
// frees,
const creditsPerChannel = 2

// InputChannel is one upstream ResultSubpartition as seen by a
// consuming task: either a direct pointer to the local subpartition or
// a remote handle fed by the data-plane transport.
type InputChannel struct {
	mu       sync.Mutex
	kind     ChannelKind
	local    *ResultSubpartition // set iff kind == ChannelLocal
	queue    []*Buffer           // remote-delivered buffers land here
	credit   int
	exhausted bool
}

func NewLocalInputChannel(sp *ResultSubpartition) *InputChannel {
	c := &InputChannel{kind: ChannelLocal, local: sp, credit: creditsPerChannel}
	sp.AddCredit(creditsPerChannel)
	return c
}

func NewRemoteInputChannel() *InputChannel {
	return &InputChannel{kind: ChannelRemote, credit: creditsPerChannel}
}

// OnBufferReceived is called by the data-plane transport when a buffer
// arrives for a remote channel.
func (c *InputChannel) OnBufferReceived(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, buf)
}

// GetNextBuffer returns the next available buffer without blocking.
func (c *InputChannel) GetNextBuffer() (*Buffer, bool) {
	if c.kind == ChannelLocal {
		return c.local.Poll()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	buf := c.queue[0]
	c.queue = c.queue[1:]
	return buf, true
}

// ReleaseBuffer recycles a consumed buffer and grants the producer one
// more credit, the core of the credit-based backpressure loop: a
// producer can only send as many buffers as the consumer has room to
// receive.
func (c *InputChannel) ReleaseBuffer(buf *Buffer, grant ChannelCreditGranter) {
	buf.Recycle()
	grant.GrantCredit(c, 1)
}

// ChannelCreditGranter delivers a credit grant back to whichever
// producer feeds this channel: directly for a local channel, over the
// network for a remote one.
type ChannelCreditGranter interface {
	GrantCredit(c *InputChannel, n int)
}

// LocalCreditGranter grants credit directly to the in-process
// ResultSubpartition.
type LocalCreditGranter struct{}

func (LocalCreditGranter) GrantCredit(c *InputChannel, n int) {
	if c.kind == ChannelLocal {
		c.local.AddCredit(n)
	}
}

// HasData reports whether a buffer is currently available without
// blocking.
func (c *InputChannel) HasData() bool {
	if c.kind == ChannelLocal {
		return c.local.QueueLen() > 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

// InputGate multiplexes one or more InputChannels (one per producing
// subtask of an upstream JobVertex) into a single pollable stream for
// a task's mailbox default action.
type InputGate struct {
	mu          sync.Mutex
	channels    []*InputChannel
	readyQueue  []int // indices of channels last observed to have data, FIFO
	readyMarked map[int]bool
	available   chan struct{}
}

func NewInputGate(channels []*InputChannel) *InputGate {
	g := &InputGate{channels: channels, readyMarked: make(map[int]bool), available: make(chan struct{}, 1)}
	return g
}

// NotifyDataAvailable is called (by the local-handoff path or the
// remote transport) whenever a channel may have new data, queuing it
// for the next PollNext.
func (g *InputGate) NotifyDataAvailable(channelIndex int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.readyMarked[channelIndex] {
		g.readyMarked[channelIndex] = true
		g.readyQueue = append(g.readyQueue, channelIndex)
	}
	select {
	case g.available <- struct{}{}:
	default:
	}
}

// BufferOrEvent is what PollNext returns: a filled buffer, tagged with
// which channel produced it so the caller can route input-gate state
// (watermark alignment, barrier alignment) per channel.
type BufferOrEvent struct {
	ChannelIndex int
	Buffer       *Buffer
}

// PollNext returns the next available buffer across all channels
// without blocking, or ok=false if none is ready.
func (g *InputGate) PollNext() (BufferOrEvent, bool) {
	g.mu.Lock()
	for len(g.readyQueue) > 0 {
		idx := g.readyQueue[0]
		g.readyQueue = g.readyQueue[1:]
		delete(g.readyMarked, idx)
		ch := g.channels[idx]
		g.mu.Unlock()

		if buf, ok := ch.GetNextBuffer(); ok {
			if ch.HasData() {
				g.NotifyDataAvailable(idx)
			}
			return BufferOrEvent{ChannelIndex: idx, Buffer: buf}, true
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return BufferOrEvent{}, false
}

// WaitForAvailability blocks until PollNext would plausibly return
// data, or ctx is done. It is the signal a MailboxProcessor's default
// action uses to know when to call mailbox.Controller.Suspend versus
// Resume.
func (g *InputGate) WaitForAvailability(ctx context.Context) error {
	g.mu.Lock()
	hasReady := len(g.readyQueue) > 0
	g.mu.Unlock()
	if hasReady {
		return nil
	}
	select {
	case <-g.available:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *InputGate) NumChannels() int { return len(g.channels) }

func (g *InputGate) Channel(i int) (*InputChannel, error) {
	if i < 0 || i >= len(g.channels) {
		return nil, fmt.Errorf("shuffle: channel index %d out of range", i)
	}
	return g.channels[i], nil
}

// UnionInputGate presents several InputGates (e.g. one per predecessor
// JobVertex feeding a union/co-operator) as a single gate, using
// offset-based global channel indexing so BufferOrEvent.ChannelIndex
// stays unique across the union.
type UnionInputGate struct {
	gates   []*InputGate
	offsets []int // offsets[i] is the first global index belonging to gates[i]
}

func NewUnionInputGate(gates []*InputGate) *UnionInputGate {
	u := &UnionInputGate{gates: gates}
	offset := 0
	for _, g := range gates {
		u.offsets = append(u.offsets, offset)
		offset += g.NumChannels()
	}
	return u
}

// PollNext polls the member gates in order, starting from gates[0] on
// every call, so a later gate is read only when every earlier gate has
// nothing ready; there is no rotation between gates. It translates the
// gate's local channel index into the union's global index space.
func (u *UnionInputGate) PollNext() (BufferOrEvent, bool) {
	for i, g := range u.gates {
		if boe, ok := g.PollNext(); ok {
			boe.ChannelIndex += u.offsets[i]
			return boe, true
		}
	}
	return BufferOrEvent{}, false
}

func (u *UnionInputGate) WaitForAvailability(ctx context.Context) error {
	if len(u.gates) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	type result struct{ err error }
	results := make(chan result, len(u.gates))
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, g := range u.gates {
		g := g
		go func() {
			results <- result{g.WaitForAvailability(childCtx)}
		}()
	}
	r := <-results
	return r.err
}

// NotifyDataAvailable forwards to the member gate owning globalChannelIndex.
func (u *UnionInputGate) NotifyDataAvailable(globalChannelIndex int) {
	for _, g := range u.gates {
		if globalChannelIndex < g.NumChannels() {
			g.NotifyDataAvailable(globalChannelIndex)
			return
		}
		globalChannelIndex -= g.NumChannels()
	}
}

func (u *UnionInputGate) NumChannels() int {
	total := 0
	for _, g := range u.gates {
		total += g.NumChannels()
	}
	return total
}
