// Package dtoring implements the DTO ring (component C5): a lock-free,
// bounded, variable-length-frame queue between event-triggering application
// threads (producers) and the DAQ transmit goroutine (consumer).
//
// The implementation is Dmitry Vyukov's bounded MPMC queue specialized to
// one consumer: each slot carries its own sequence counter, so a producer
// claims a slot with a single compare-and-swap and a consumer claims the
// next filled slot the same way, with no ring-wide lock. Overflow drops the
// incoming frame and increments Lost rather than blocking the producer,
// matching the no-backpressure contract of spec §4.5.
package dtoring

import "sync/atomic"

type cell struct {
	sequence atomic.Uint64
	length   uint32
	data     []byte
}

// Ring is a fixed-capacity, lock-free queue of byte frames up to
// maxFrameSize each. The zero value is not usable; construct with New.
type Ring struct {
	buffer       []cell
	mask         uint64
	maxFrameSize int

	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64
	lost       atomic.Uint64
}

// New creates a Ring holding up to depth frames of at most maxFrameSize
// bytes each. depth is rounded up to the next power of two, the layout
// Vyukov's algorithm requires for its mask-based indexing.
func New(depth, maxFrameSize int) *Ring {
	cap := nextPowerOfTwo(depth)
	r := &Ring{
		buffer:       make([]cell, cap),
		mask:         uint64(cap - 1),
		maxFrameSize: maxFrameSize,
	}
	for i := range r.buffer {
		r.buffer[i].sequence.Store(uint64(i))
		r.buffer[i].data = make([]byte, maxFrameSize)
	}
	return r
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push enqueues data as one frame. It is wait-free in the uncontended case
// and bounded-retry under contention from other producers; it never blocks
// on the consumer. If the ring is full, Push drops the frame, increments
// Lost, and returns nil — loss is reported via the counter, never as an
// XCP-level error (spec §4.5, §7).
func (r *Ring) Push(data []byte) error {
	if len(data) > r.maxFrameSize {
		return ErrFrameTooLarge
	}
	for {
		pos := r.enqueuePos.Load()
		c := &r.buffer[pos&r.mask]
		seq := c.sequence.Load()
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				c.length = uint32(len(data))
				copy(c.data, data)
				c.sequence.Store(pos + 1) // release: publish to the consumer
				return nil
			}
		case diff < 0:
			r.lost.Add(1)
			return nil
		default:
			// Another producer has already advanced; reload and retry.
		}
	}
}

// Pop dequeues the oldest available frame, returning a private copy and
// true, or (nil, false) if the ring is currently empty. Only one goroutine
// should call Pop at a time (the DAQ transmit goroutine); Pop does not
// itself serialize multiple consumers beyond what the CAS guarantees.
func (r *Ring) Pop() ([]byte, bool) {
	for {
		pos := r.dequeuePos.Load()
		c := &r.buffer[pos&r.mask]
		seq := c.sequence.Load()
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			if r.dequeuePos.CompareAndSwap(pos, pos+1) {
				out := make([]byte, c.length)
				copy(out, c.data[:c.length])
				c.sequence.Store(pos + r.mask + 1) // free the slot for the next lap
				return out, true
			}
		case diff < 0:
			return nil, false
		default:
			// A consumer (shouldn't happen with one consumer) already advanced.
		}
	}
}

// Drain pops every currently available frame and returns them in dequeue
// order. It never blocks: it stops as soon as the ring reports empty.
func (r *Ring) Drain() [][]byte {
	var frames [][]byte
	for {
		f, ok := r.Pop()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

// Lost returns the number of frames dropped due to overflow since creation.
func (r *Ring) Lost() uint64 {
	return r.lost.Load()
}

// Cap returns the ring's slot capacity (the power-of-two rounded depth).
func (r *Ring) Cap() int {
	return len(r.buffer)
}
