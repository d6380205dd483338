package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/streamcore/engine/internal/runtime/shuffle"
)

// Kind distinguishes the three things that travel over a barrier-
// carrying partition: ordinary records, checkpoint barriers, and
// cancellation markers sent when a subtask declines mid-snapshot.
type Kind int

const (
	KindRecord Kind = iota
	KindBarrier
	KindCancel
)

// EncodeRecord wraps an ordinary record payload for emission on a
// barrier-carrying partition.
func EncodeRecord(payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(KindRecord)
	copy(out[1:], payload)
	return out
}

// EncodeBarrier builds the wire form of a checkpoint barrier for
// checkpointID.
func EncodeBarrier(checkpointID uint64) []byte {
	return encodeMarker(KindBarrier, checkpointID)
}

// EncodeCancel builds the wire form of a CancelCheckpointMarker,
// broadcast downstream when a subtask's synchronous snapshot phase
// fails.
func EncodeCancel(checkpointID uint64) []byte {
	return encodeMarker(KindCancel, checkpointID)
}

func encodeMarker(kind Kind, checkpointID uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:], checkpointID)
	return buf
}

// Decode splits a tagged buffer back into its kind, checkpoint id (for
// barriers and cancel markers), and payload (for records).
func Decode(buf []byte) (kind Kind, checkpointID uint64, payload []byte, err error) {
	if len(buf) == 0 {
		return KindRecord, 0, nil, fmt.Errorf("checkpoint: empty buffer has no tag")
	}
	switch Kind(buf[0]) {
	case KindBarrier, KindCancel:
		if len(buf) < 9 {
			return KindRecord, 0, nil, fmt.Errorf("checkpoint: truncated marker buffer")
		}
		return Kind(buf[0]), binary.BigEndian.Uint64(buf[1:9]), nil, nil
	default:
		return KindRecord, 0, buf[1:], nil
	}
}

// Mode selects how a BarrierHandler reacts to barrier arrival.
type Mode int

const (
	// ModeAligned blocks a channel once its barrier arrives: records read
	// from a blocked channel are held back and delivered only after every
	// channel's barrier has arrived, so every operator sees a consistent
	// snapshot cut.
	ModeAligned Mode = iota
	// ModeUnaligned forwards a barrier the instant it arrives on any
	// channel and spills whatever is already queued on the other
	// channels into the snapshot as channel state.
	ModeUnaligned
	// ModeAtLeastOnce triggers the local snapshot on first barrier
	// arrival without blocking or spilling; records that race past the
	// barrier may be double-processed on restore.
	ModeAtLeastOnce
)

// Gate is the subset of shuffle.UnionInputGate/InputGate a BarrierHandler
// polls.
type Gate interface {
	PollNext() (shuffle.BufferOrEvent, bool)
	NumChannels() int
}

// OnAligned is called once every channel has produced checkpointID's
// barrier (ModeAligned) or immediately on first arrival (ModeUnaligned,
// ModeAtLeastOnce). channelState is the concatenation of payloads
// spilled from not-yet-barriered channels in unaligned mode; nil in the
// other two modes.
type OnAligned func(ctx context.Context, checkpointID uint64, channelState []byte)

// BarrierHandler sits between a task's InputGate and its OperatorChain,
// intercepting checkpoint barriers and cancel markers out of the data
// stream so ProcessElement only ever sees real records.
type BarrierHandler struct {
	gate      Gate
	mode      Mode
	onAligned OnAligned

	currentCheckpoint uint64
	arrived           map[int]bool
	blocked           map[int]bool
	channelState      []byte

	replay []pending
}

type pending struct {
	channelIndex int
	payload      []byte
}

func NewBarrierHandler(gate Gate, mode Mode, onAligned OnAligned) *BarrierHandler {
	return &BarrierHandler{
		gate:      gate,
		mode:      mode,
		onAligned: onAligned,
		arrived:   make(map[int]bool),
		blocked:   make(map[int]bool),
	}
}

// PollNext returns the next real record, transparently consuming and
// acting on any barriers or cancel markers encountered along the way.
// It returns ok=false when the underlying gate has no data ready,
// exactly like Gate.PollNext.
func (h *BarrierHandler) PollNext(ctx context.Context) (shuffle.BufferOrEvent, []byte, bool) {
	// Held-back records replay only once no channel is blocked any more.
	if len(h.replay) > 0 && len(h.blocked) == 0 {
		p := h.replay[0]
		h.replay = h.replay[1:]
		return shuffle.BufferOrEvent{ChannelIndex: p.channelIndex}, p.payload, true
	}

	for {
		boe, ok := h.gate.PollNext()
		if !ok {
			return shuffle.BufferOrEvent{}, nil, false
		}
		kind, cid, payload, err := Decode(boe.Buffer.Bytes())
		if err != nil {
			boe.Buffer.Recycle()
			continue
		}
		if kind != KindRecord {
			boe.Buffer.Recycle()
			h.handleMarker(ctx, boe.ChannelIndex, kind, cid)
			continue
		}

		payloadCopy := append([]byte(nil), payload...)
		boe.Buffer.Recycle()

		if h.mode == ModeAligned && h.blocked[boe.ChannelIndex] {
			h.replay = append(h.replay, pending{channelIndex: boe.ChannelIndex, payload: payloadCopy})
			continue
		}
		return boe, payloadCopy, true
	}
}

func (h *BarrierHandler) handleMarker(ctx context.Context, channelIndex int, kind Kind, checkpointID uint64) {
	if kind == KindCancel {
		if checkpointID == h.currentCheckpoint {
			h.arrived = make(map[int]bool)
			h.blocked = make(map[int]bool)
			h.channelState = nil
		}
		return
	}
	h.handleBarrier(ctx, channelIndex, checkpointID)
}

func (h *BarrierHandler) handleBarrier(ctx context.Context, channelIndex int, checkpointID uint64) {
	if checkpointID != h.currentCheckpoint {
		// A barrier for a new checkpoint while the previous one never
		// finished aligning (a declined/timed-out checkpoint); reset and
		// start tracking the new one.
		h.currentCheckpoint = checkpointID
		h.arrived = make(map[int]bool)
		h.blocked = make(map[int]bool)
		h.channelState = nil
	}
	if h.arrived[channelIndex] {
		return
	}
	h.arrived[channelIndex] = true

	switch h.mode {
	case ModeUnaligned, ModeAtLeastOnce:
		if len(h.arrived) == 1 {
			if h.mode == ModeUnaligned {
				h.spillOtherChannels(channelIndex)
			}
			h.onAligned(ctx, checkpointID, h.channelState)
		}
		if len(h.arrived) == h.gate.NumChannels() {
			h.arrived = make(map[int]bool)
			h.channelState = nil
		}
		return
	case ModeAligned:
		h.blocked[channelIndex] = true
		if len(h.arrived) == h.gate.NumChannels() {
			h.onAligned(ctx, checkpointID, nil)
			h.arrived = make(map[int]bool)
			h.blocked = make(map[int]bool)
		}
	}
}

// spillOtherChannels drains whatever is already queued across the gate
// (non-blocking), folding payloads from channels that have not yet
// produced checkpointID's barrier into channelState so they are
// captured in the snapshot instead of silently reordered around the
// barrier; anything from an already-barriered channel is queued back
// for normal delivery.
func (h *BarrierHandler) spillOtherChannels(barrieredChannel int) {
	for {
		boe, ok := h.gate.PollNext()
		if !ok {
			return
		}
		kind, cid, payload, err := Decode(boe.Buffer.Bytes())
		if err != nil {
			boe.Buffer.Recycle()
			continue
		}
		if kind != KindRecord {
			boe.Buffer.Recycle()
			h.handleMarker(context.Background(), boe.ChannelIndex, kind, cid)
			continue
		}
		payloadCopy := append([]byte(nil), payload...)
		boe.Buffer.Recycle()
		if boe.ChannelIndex == barrieredChannel || h.arrived[boe.ChannelIndex] {
			h.replay = append(h.replay, pending{channelIndex: boe.ChannelIndex, payload: payloadCopy})
			continue
		}
		h.channelState = append(h.channelState, payloadCopy...)
	}
}
