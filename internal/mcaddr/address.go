// Package mcaddr implements the address model (component C1): a tagged
// union over the four ways a measurement or calibration object's location
// can be described, and the single conversion to the 40-bit (ext, addr)
// pair used on the XCP wire (spec §6.3).
//
// ToWire computes the wire pair on every call; nothing is cached on the
// Address value. The DAQ hot path does not call it: ODT entries hold the
// (ext, addr) pair already written by WRITE_DAQ.
package mcaddr

import "fmt"

// Mode is the addressing mode tag.
type Mode uint8

const (
	// ModeCal selects a byte range inside a named calibration segment.
	ModeCal Mode = iota
	// ModeRel selects bytes at a signed offset from an event's base
	// pointer (stack/heap); synchronous read only.
	ModeRel
	// ModeDyn is like ModeRel but the engine guarantees an atomic
	// snapshot so concurrent (asynchronous) reads are safe.
	ModeDyn
	// ModeAbs selects an absolute process address.
	ModeAbs
	// ModeA2L is an opaque (ext, addr) pair imported from an external
	// description.
	ModeA2L
	// ModeA2LEvent is ModeA2L with an associated event for synchronization.
	ModeA2LEvent
)

// Wire address extension values (spec §6.3).
const (
	ExtSeg      uint8 = 0 // segment-relative, index encoded in addr high word
	ExtAbs      uint8 = 1
	ExtDynBase  uint8 = 2 // dynamic: ext in [2,17], event id in addr high word
	ExtRel      uint8 = 3
	ExtUndef    uint8 = 0xFF
	offsetUndef       = int32(-1) << 31 // 0x80000000 as signed, "no offset set"
)

// Resolver looks up the wire index of a calibration segment by name. The
// registry implements this; it is a narrow interface here to avoid mcaddr
// importing registry.
type Resolver interface {
	CalSegIndex(name string) (uint16, bool)
}

// Address is a tagged record selecting one of the four addressing modes
// (plus the two A2L-import variants). Use the New* constructors; the zero
// value is not a valid address.
type Address struct {
	mode       Mode
	calSegName string
	eventID    uint16
	hasEventID bool
	offset     int32
	a2lAddr    uint32
	a2lExt     uint8
}

// NewCal returns an address selecting offset bytes into the named
// calibration segment's current page.
func NewCal(calSegName string, offset int32) Address {
	return Address{mode: ModeCal, calSegName: calSegName, offset: offset, a2lExt: ExtSeg}
}

// NewRel returns an address at a signed offset from event eventID's base
// pointer, readable synchronously only (no concurrent access guarantee).
func NewRel(eventID uint16, offset int32) Address {
	return Address{mode: ModeRel, eventID: eventID, hasEventID: true, offset: offset, a2lExt: ExtRel}
}

// NewDyn returns an address at a signed offset from event eventID's
// capture buffer, index selecting one of up to 16 concurrent capture
// instances of a multi-instance event; the engine guarantees an atomic
// snapshot so this is safe to read concurrently with the triggering thread.
func NewDyn(eventID uint16, index uint8, offset int16) Address {
	if index >= 16 {
		panic(fmt.Sprintf("mcaddr: dyn instance index %d out of range [0,16)", index))
	}
	return Address{mode: ModeDyn, eventID: eventID, hasEventID: true, offset: int32(offset), a2lExt: ExtDynBase + index}
}

// NewAbs returns an address at an absolute process offset.
func NewAbs(offset int32) Address {
	return Address{mode: ModeAbs, offset: offset, a2lExt: ExtAbs}
}

// NewA2L returns an opaque address imported from an external description.
func NewA2L(ext uint8, addr uint32) Address {
	return Address{mode: ModeA2L, a2lAddr: addr, a2lExt: ext, offset: offsetUndef}
}

// NewA2LEvent is NewA2L with an associated event for DAQ synchronization.
func NewA2LEvent(eventID uint16, ext uint8, addr uint32) Address {
	return Address{mode: ModeA2LEvent, eventID: eventID, hasEventID: true, a2lAddr: addr, a2lExt: ext}
}

// Mode returns the addressing mode.
func (a Address) Mode() Mode { return a.mode }

// IsSegmentRelative reports whether a addresses a calibration segment.
func (a Address) IsSegmentRelative() bool { return a.mode == ModeCal }

// IsEventRelative reports whether a addresses an event's base or capture
// buffer (ModeRel or ModeDyn).
func (a Address) IsEventRelative() bool { return a.mode == ModeRel || a.mode == ModeDyn }

// IsA2L reports whether a was imported from an external description.
func (a Address) IsA2L() bool { return a.mode == ModeA2L || a.mode == ModeA2LEvent }

// CalSegName returns the calibration segment name; valid only for ModeCal.
func (a Address) CalSegName() string { return a.calSegName }

// EventID returns the associated event id and whether one is set.
func (a Address) EventID() (uint16, bool) { return a.eventID, a.hasEventID }

// Offset returns the signed offset for ModeCal, ModeRel, ModeDyn, or
// ModeAbs. It panics for the A2L modes, which carry no such offset.
func (a Address) Offset() int32 {
	switch a.mode {
	case ModeCal, ModeRel, ModeDyn, ModeAbs:
		return a.offset
	default:
		panic("mcaddr: Offset() not defined for A2L addressing modes")
	}
}

// AddOffset shifts a by delta bytes, in place semantics via return value.
func (a Address) AddOffset(delta int32) Address {
	switch a.mode {
	case ModeCal, ModeRel, ModeDyn, ModeAbs:
		a.offset += delta
	case ModeA2L, ModeA2LEvent:
		a.a2lAddr = uint32(int64(a.a2lAddr) + int64(delta))
	}
	return a
}

// CalSegWireBase returns the (ext, addr) pair for the base of calibration
// segment index, per spec §6.3: ext=0, addr = (index|0x8000)<<16.
func CalSegWireBase(index uint16) (ext uint8, addr uint32) {
	return ExtSeg, (uint32(index) | 0x8000) << 16
}

// ToWire resolves a to the (ext, addr) pair placed on the wire (spec §6.3).
// ModeCal requires resolver to look up the segment's current index.
func (a Address) ToWire(resolver Resolver) (ext uint8, addr uint32, err error) {
	switch a.mode {
	case ModeRel:
		return ExtRel, uint32(a.offset), nil
	case ModeDyn:
		return a.a2lExt, (uint32(a.eventID) << 16) | (uint32(uint16(a.offset)) & 0xFFFF), nil
	case ModeAbs:
		return ExtAbs, uint32(a.offset), nil
	case ModeCal:
		if resolver == nil {
			return 0, 0, fmt.Errorf("mcaddr: cannot resolve calseg %q without a resolver", a.calSegName)
		}
		index, ok := resolver.CalSegIndex(a.calSegName)
		if !ok {
			return 0, 0, fmt.Errorf("mcaddr: calibration segment %q not found", a.calSegName)
		}
		_, base := CalSegWireBase(index)
		return ExtSeg, base + uint32(a.offset), nil
	case ModeA2L, ModeA2LEvent:
		return a.a2lExt, a.a2lAddr, nil
	default:
		return 0, 0, fmt.Errorf("mcaddr: undefined addressing mode")
	}
}

// RawA2L returns the (ext, addr) pair as stored, without resolution. It
// panics unless IsA2L is true.
func (a Address) RawA2L() (ext uint8, addr uint32) {
	if !a.IsA2L() {
		panic("mcaddr: RawA2L() only valid for A2L addressing modes")
	}
	return a.a2lExt, a.a2lAddr
}

// SetRawA2L overwrites the stored (ext, addr) pair of an A2L address, used
// when reconciling with an updated external description.
func (a Address) SetRawA2L(ext uint8, addr uint32) Address {
	if !a.IsA2L() {
		panic("mcaddr: SetRawA2L() only valid for A2L addressing modes")
	}
	a.a2lExt, a.a2lAddr = ext, addr
	return a
}

// String renders a human-readable form for logs.
func (a Address) String() string {
	switch a.mode {
	case ModeCal:
		return fmt.Sprintf("Cal{%s+%d}", a.calSegName, a.offset)
	case ModeRel:
		return fmt.Sprintf("Rel{event=%d%+d}", a.eventID, a.offset)
	case ModeDyn:
		return fmt.Sprintf("Dyn{event=%d,ext=%d%+d}", a.eventID, a.a2lExt, a.offset)
	case ModeAbs:
		return fmt.Sprintf("Abs{0x%08X}", uint32(a.offset))
	case ModeA2L:
		return fmt.Sprintf("A2L{ext=%d,addr=0x%08X}", a.a2lExt, a.a2lAddr)
	case ModeA2LEvent:
		return fmt.Sprintf("A2LEvent{event=%d,ext=%d,addr=0x%08X}", a.eventID, a.a2lExt, a.a2lAddr)
	default:
		return "Address{undefined}"
	}
}
