// Package calseg implements the calibration segment engine (component C3):
// a two-page, copy-free, multi-reader/single-writer memory domain with
// atomic page switching and bounded-consistency-window batched writes.
//
// Each page published to readers is an immutable byte slice; a writer never
// mutates a slice readers can see, it always stages changes into a fresh
// copy and swaps an atomic.Pointer to publish it. That gives every Read a
// torn-free view with no read-side locking: the pointer swap is the only
// synchronization point, matching the release/acquire contract of §4.2.
package calseg

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Page selects which of a segment's two pages is currently visible to
// readers. Writes always target the working page regardless of the
// selected page; Page only affects Read.
type Page uint8

const (
	// PageWorking (RAM) is the mutable page written by DOWNLOAD/calibration
	// tool commands.
	PageWorking Page = iota
	// PageDefault (FLASH) is the immutable reference page set at creation.
	PageDefault
)

// Segment is one calibration segment's live, lockable two-page memory.
// The zero value is not usable; construct with New.
type Segment struct {
	name Identifier
	size uint32

	defaultPage []byte // immutable for the lifetime of the segment

	working atomic.Pointer[[]byte] // current published working-page snapshot
	page    atomic.Uint32          // Page: which page Read serves

	writeMu sync.Mutex // serializes writers; a Segment has one writer at a time
	txMu    sync.Mutex // held from BeginModify to EndModify
	inTx    bool       // true between BeginModify and EndModify
	staging []byte     // shadow buffer accumulating writes during a transaction
}

// Identifier avoids importing package registry here; calseg is usable
// standalone. registry.Identifier converts to/from string transparently.
type Identifier = string

// New creates a calibration segment named name holding a copy of
// defaultBytes as both its immutable default page and its initial working
// page. The working page starts selected (PageWorking), matching the
// reference implementation's RAM-by-default behavior.
func New(name Identifier, defaultBytes []byte) *Segment {
	def := make([]byte, len(defaultBytes))
	copy(def, defaultBytes)

	work := make([]byte, len(def))
	copy(work, def)

	s := &Segment{
		name:        name,
		size:        uint32(len(def)),
		defaultPage: def,
	}
	s.working.Store(&work)
	s.page.Store(uint32(PageWorking))
	return s
}

// Name returns the segment's name.
func (s *Segment) Name() Identifier { return s.name }

// Size returns the segment's byte size.
func (s *Segment) Size() uint32 { return s.size }

// SelectedPage returns the page currently served by Read.
func (s *Segment) SelectedPage() Page { return Page(s.page.Load()) }

// SetPage atomically selects which page Read serves. This is a pure
// selector flip: it never copies or mutates page contents, so a
// PageDefault/PageWorking/PageDefault round trip always restores the
// exact pre-swap bytes of both pages (spec testable property 3).
func (s *Segment) SetPage(p Page) {
	s.page.Store(uint32(p))
}

func (s *Segment) checkRange(offset, length uint32) error {
	end := offset + length
	if length == 0 || end < offset || end > s.size {
		return fmt.Errorf("%w: segment %q offset=%d length=%d size=%d", ErrAccessDenied, s.name, offset, length, s.size)
	}
	return nil
}

// ReadInto copies length bytes at offset from the currently selected page
// into dst, which must have at least length bytes of capacity. It performs
// no allocation, making it safe to call from the DAQ trigger hot path with
// a caller-owned scratch buffer.
func (s *Segment) ReadInto(offset, length uint32, dst []byte) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	var src []byte
	if Page(s.page.Load()) == PageDefault {
		src = s.defaultPage
	} else {
		src = *s.working.Load()
	}
	copy(dst[:length], src[offset:offset+length])
	return nil
}

// Read returns a copy of length bytes at offset from the currently
// selected page. The returned slice is a private copy, safe to use after
// Read returns even if a concurrent writer publishes a new working page.
func (s *Segment) Read(offset, length uint32) ([]byte, error) {
	out := make([]byte, length)
	if err := s.ReadInto(offset, length, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Write applies data at offset to the working page, outside any
// transaction the change is published immediately (a single-store
// bracketed transaction of one write). Concurrent writers serialize
// through writeMu; concurrent readers are unaffected until the new page
// is published.
func (s *Segment) Write(offset uint32, data []byte) error {
	if err := s.checkRange(offset, uint32(len(data))); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.inTx {
		copy(s.staging[offset:], data)
		return nil
	}

	next := make([]byte, s.size)
	copy(next, *s.working.Load())
	copy(next[offset:], data)
	s.working.Store(&next)
	return nil
}

// BeginModify opens a bracketed MODIFY_BEGIN…MODIFY_END transaction: all
// writes made before the matching EndModify accumulate in a private shadow
// buffer invisible to readers, who keep observing the pre-transaction
// working page until EndModify publishes the result with one atomic store.
// BeginModify blocks until any other writer's transaction (or single write)
// completes, since a segment has one writer at a time.
func (s *Segment) BeginModify() {
	s.txMu.Lock()
	s.writeMu.Lock()
	s.staging = make([]byte, s.size)
	copy(s.staging, *s.working.Load())
	s.inTx = true
	s.writeMu.Unlock()
}

// EndModify publishes the shadow buffer accumulated since BeginModify as
// the new working page in a single release-store, then ends the
// transaction so the next BeginModify may proceed. Calling EndModify
// without a matching BeginModify panics.
func (s *Segment) EndModify() {
	s.writeMu.Lock()
	if !s.inTx {
		s.writeMu.Unlock()
		panic("calseg: EndModify without BeginModify")
	}
	staged := s.staging
	s.staging = nil
	s.inTx = false
	s.working.Store(&staged)
	s.writeMu.Unlock()
	s.txMu.Unlock()
}

// FreezeTo returns a snapshot copy of the current working page bytes,
// suitable for persistence (spec §4.2 freeze_to).
func (s *Segment) FreezeTo() []byte {
	src := *s.working.Load()
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

// RestoreFrom replaces the working page with a copy of snapshot in a single
// atomic publish. snapshot must be exactly Size() bytes.
func (s *Segment) RestoreFrom(snapshot []byte) error {
	if uint32(len(snapshot)) != s.size {
		return fmt.Errorf("calseg: restore snapshot size %d != segment size %d", len(snapshot), s.size)
	}
	next := make([]byte, len(snapshot))
	copy(next, snapshot)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.working.Store(&next)
	return nil
}

// DefaultBytes returns a copy of the immutable default page, used to
// validate tool writes against design limits and for "reset to default".
func (s *Segment) DefaultBytes() []byte {
	out := make([]byte, len(s.defaultPage))
	copy(out, s.defaultPage)
	return out
}
