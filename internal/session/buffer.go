package session

import (
	"time"

	"github.com/hewston/replay/internal/protocol"
)

// Buffering defaults. Four seconds of buffer at the default consumption
// rate bounds memory while riding out arrival bursts.
const (
	DefaultQueueCapacity = 120
	DefaultTargetFPS     = 30

	// maxTickHz floors the consumption period so a misconfigured rate
	// can't tick faster than ~60 Hz.
	maxTickHz = 60
)

// buffer is the bounded FIFO between network arrival and paced consumption.
// Overflow evicts the oldest entry (recency over completeness) and counts
// it locally; the producer's own decimation counter is tracked as a high
// water mark so the total attached to popped frames never decreases, even
// when frames arrive out of order.
//
// The buffer has a single owner (the session loop) and needs no locking.
type buffer struct {
	frames          []protocol.Frame
	capacity        int
	localDropped    int64
	producerDropped int64
}

func newBuffer(capacity int) *buffer {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &buffer{
		frames:   make([]protocol.Frame, 0, capacity),
		capacity: capacity,
	}
}

// push accepts an arriving frame. Malformed frames are protocol noise:
// dropped silently without touching any counter. Returns whether the frame
// was enqueued.
func (b *buffer) push(f protocol.Frame) bool {
	if !f.Valid() {
		return false
	}
	if f.Dropped > b.producerDropped {
		b.producerDropped = f.Dropped
	}
	if len(b.frames) >= b.capacity {
		// Evict the oldest entry; this is a local drop, distinct from
		// the producer's decimation.
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:len(b.frames)-1]
		b.localDropped++
	}
	b.frames = append(b.frames, f)
	return true
}

// pop removes the oldest buffered frame, stamping it with the combined
// dropped total (producer high water + local evictions).
func (b *buffer) pop() (protocol.Frame, bool) {
	if len(b.frames) == 0 {
		return protocol.Frame{}, false
	}
	f := b.frames[0]
	copy(b.frames, b.frames[1:])
	b.frames = b.frames[:len(b.frames)-1]
	f.Dropped = b.producerDropped + b.localDropped
	return f, true
}

func (b *buffer) len() int { return len(b.frames) }

// dropped returns the combined monotone dropped total.
func (b *buffer) dropped() int64 { return b.producerDropped + b.localDropped }

// discard empties the queue without counting the entries as drops; used
// only during session teardown.
func (b *buffer) discard() {
	b.frames = b.frames[:0]
}

// tickPeriod converts a target consumption rate into a ticker period,
// floor-clamped to the 60 Hz ceiling.
func tickPeriod(fps int) time.Duration {
	if fps < 1 {
		fps = DefaultTargetFPS
	}
	p := time.Second / time.Duration(fps)
	if min := time.Second / maxTickHz; p < min {
		p = min
	}
	return p
}
