// Package daq implements the DAQ event and capture pipeline (component
// C4): event objects with fixed-capacity capture buffers, the ODT/DAQ-list
// configuration sub-protocol, and triggering — reading the bytes an armed
// ODT list names and publishing them as a DTO on the ring.
package daq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xcplite/mccore/internal/dtoring"
	"github.com/xcplite/mccore/internal/mcaddr"
)

// Identifier mirrors registry.Identifier without importing package
// registry, keeping daq usable independently of the registry's bookkeeping.
type Identifier = string

// MemoryReader resolves one ODT entry's bytes at trigger time, writing
// them into dst without allocating. xcp.Server implements this by
// dispatching ext to the calibration engine, an event's own capture
// buffer, or absolute process memory as appropriate.
type MemoryReader interface {
	ReadInto(ext uint8, addr uint32, dst []byte) error
}

// Clock returns the current DAQ timestamp, a monotonically increasing
// 32-bit raw tick value placed in the first ODT of a triggered frame.
type Clock func() uint32

// Event is one DAQ synchronization point: a stable id, an optional cycle
// time, and a fixed-capacity capture buffer application threads fill via
// AddCapture/Capture before calling Trigger.
type Event struct {
	Name        Identifier
	ID          uint16
	CycleTimeNs uint32

	capMu   sync.Mutex
	capBuf  []byte
	capUsed uint32

	boundList atomic.Pointer[DaqList]

	// triggerMu serializes frame building for this event so concurrent
	// Trigger calls cannot race over scratch.
	triggerMu sync.Mutex
	scratch   []byte // preallocated per spec §7; grown only by SetFrameCapacity
}

// NewEvent creates an event with a capture buffer of captureCapacity
// bytes. captureCapacity may be 0 for events that only carry Rel/Abs
// (stack/heap) instances.
func NewEvent(name Identifier, id uint16, cycleTimeNs uint32, captureCapacity uint32) *Event {
	return &Event{
		Name:        name,
		ID:          id,
		CycleTimeNs: cycleTimeNs,
		capBuf:      make([]byte, captureCapacity),
	}
}

// AddCapture reserves size bytes in the event's capture buffer and returns
// a Dyn address at the reserved offset, keyed to this event and instance
// index (disambiguating concurrent instances of a multi-instance event, up
// to 16 per spec §6.3). It fails with ErrCaptureFull if the buffer is
// exhausted.
func (e *Event) AddCapture(instanceIndex uint8, size uint32) (mcaddr.Address, error) {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	if e.capUsed+size > uint32(len(e.capBuf)) {
		return mcaddr.Address{}, fmt.Errorf("%w: event %s needs %d more bytes, has %d of %d free",
			ErrCaptureFull, e.Name, size, uint32(len(e.capBuf))-e.capUsed, len(e.capBuf))
	}
	offset := e.capUsed
	e.capUsed += size
	return mcaddr.NewDyn(e.ID, instanceIndex, int16(offset)), nil
}

// AddStack returns a Rel address at offsetFromBase bytes from this event's
// base — the signed distance between a stack variable and the byte slice
// the caller passes as base to Trigger, synchronous-read only (spec
// §4.3). Go exposes no stable address for a stack variable the way the
// reference C/Rust implementation's raw base pointer does, so the base is
// a caller-supplied []byte view (typically built with unsafe.Slice over
// the instrumented locals immediately before Trigger) rather than an
// unsafe.Pointer threaded through the core.
func (e *Event) AddStack(offsetFromBase int32) mcaddr.Address {
	return mcaddr.NewRel(e.ID, offsetFromBase)
}

// AddHeap returns an Abs address at the given absolute offset, for
// instances that live at a fixed heap/static address rather than relative
// to this event's base.
func (e *Event) AddHeap(absOffset int32) mcaddr.Address {
	return mcaddr.NewAbs(absOffset)
}

// Capture copies data into the event's capture buffer at offset. It fails
// with ErrCaptureFull if the range exceeds the reserved buffer.
func (e *Event) Capture(offset uint32, data []byte) error {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	end := offset + uint32(len(data))
	if end < offset || end > uint32(len(e.capBuf)) {
		return fmt.Errorf("%w: event %s capture at offset %d length %d exceeds buffer size %d",
			ErrCaptureFull, e.Name, offset, len(data), len(e.capBuf))
	}
	copy(e.capBuf[offset:], data)
	return nil
}

// CaptureCapacity returns the total size in bytes of the event's capture
// buffer, the containment bound a Dyn-mode ODT entry targeting this event
// must fit within.
func (e *Event) CaptureCapacity() uint32 {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	return uint32(len(e.capBuf))
}

// ReadCaptureInto copies len(dst) bytes at offset from the event's capture
// buffer into dst without allocating, for use on the DAQ trigger hot path.
func (e *Event) ReadCaptureInto(offset uint32, dst []byte) error {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	length := uint32(len(dst))
	end := offset + length
	if end < offset || end > uint32(len(e.capBuf)) {
		return fmt.Errorf("%w: event %s read at offset %d length %d exceeds buffer size %d",
			ErrCaptureFull, e.Name, offset, length, len(e.capBuf))
	}
	copy(dst, e.capBuf[offset:end])
	return nil
}

// ReadCapture returns a copy of length bytes at offset from the event's
// capture buffer, used by callers outside the DAQ trigger hot path (e.g.
// UPLOAD serving a Dyn-mode address directly).
func (e *Event) ReadCapture(offset uint32, length uint16) ([]byte, error) {
	out := make([]byte, length)
	if err := e.ReadCaptureInto(offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetFrameCapacity preallocates (or grows) the scratch buffer buildFrame
// fills on every Trigger, sized to the largest frame the DAQ configuration
// can produce (MAX_DTO), so no allocation occurs on the trigger hot path.
// Config calls this once when an event is registered; it is a no-op if the
// event's scratch buffer is already at least n bytes.
func (e *Event) SetFrameCapacity(n uint32) {
	e.triggerMu.Lock()
	defer e.triggerMu.Unlock()
	if uint32(len(e.scratch)) < n {
		e.scratch = make([]byte, n)
	}
}

// Bind arms list as this event's active ODT list; Trigger becomes a no-op
// once the list is unbound again (Bind(nil)).
func (e *Event) Bind(list *DaqList) {
	e.boundList.Store(list)
}

// BoundList returns the currently armed ODT list, or nil if unconfigured.
func (e *Event) BoundList() *DaqList {
	return e.boundList.Load()
}

// Trigger publishes one DTO per ODT in the event's bound list: the first
// ODT's frame carries a 4-byte raw timestamp header (spec §4.4 invariant),
// subsequent ODTs of the same list carry no timestamp. A triggered event
// with no bound list is a no-op, matching spec §4.3.
//
// base is the event's trigger-time Rel-addressing anchor (spec §4.3): a
// Rel-mode ODT entry (built via AddStack) is resolved as base[offset:
// offset+size] rather than through reader, since a Rel address is only
// ever meaningful relative to this specific trigger's call frame, not to
// any address MemoryReader's other backings (segment/Dyn/Abs) understand.
// base may be nil if this event's bound ODTs contain no Rel entries;
// Trigger returns an error if one is configured and base is absent or too
// short.
func (e *Event) Trigger(ring *dtoring.Ring, reader MemoryReader, clock Clock, base []byte) error {
	list := e.boundList.Load()
	if list == nil || !list.Running() {
		return nil
	}
	ts := clock()
	e.triggerMu.Lock()
	defer e.triggerMu.Unlock()
	for i, odt := range list.odts() {
		frame, err := e.buildFrame(odt, reader, base, i == 0, ts)
		if err != nil {
			return err
		}
		if err := ring.Push(frame); err != nil {
			return err
		}
	}
	return nil
}

// buildFrame fills e's preallocated scratch buffer and returns the filled
// prefix; it performs no allocation as long as SetFrameCapacity has
// already sized scratch to fit (Config.RegisterEvent guarantees this).
// ring.Push copies the returned slice before buildFrame is called again
// for the next ODT, so reusing scratch across ODTs of one Trigger is safe.
func (e *Event) buildFrame(odt Odt, reader MemoryReader, base []byte, withTimestamp bool, ts uint32) ([]byte, error) {
	size := 0
	if withTimestamp {
		size += 4
	}
	for _, entry := range odt.Entries {
		size += int(entry.Size)
	}
	if size > len(e.scratch) {
		return nil, fmt.Errorf("%w: event %s frame size %d exceeds preallocated scratch capacity %d",
			ErrDaqConfig, e.Name, size, len(e.scratch))
	}
	frame := e.scratch[:0]
	if withTimestamp {
		frame = append(frame, byte(ts), byte(ts>>8), byte(ts>>16), byte(ts>>24))
	}
	for _, entry := range odt.Entries {
		n := len(frame)
		frame = frame[:n+int(entry.Size)]
		if entry.Ext == mcaddr.ExtRel {
			offset := int32(entry.Addr)
			end := int(offset) + int(entry.Size)
			if offset < 0 || end > len(base) {
				return nil, fmt.Errorf("%w: event %s rel entry offset=%d size=%d exceeds base length %d",
					ErrDaqConfig, e.Name, offset, entry.Size, len(base))
			}
			copy(frame[n:], base[offset:end])
			continue
		}
		if err := reader.ReadInto(entry.Ext, entry.Addr, frame[n:]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}
