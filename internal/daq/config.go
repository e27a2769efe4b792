package daq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xcplite/mccore/internal/mcaddr"
)

// OdtEntry is one (ext, addr, size) memory range sampled on every trigger
// of the owning ODT's event.
type OdtEntry struct {
	Ext  uint8
	Addr uint32
	Size uint16
}

// Odt is one Object Descriptor Table: a flat, ordered list of entries
// sampled together into one DTO.
type Odt struct {
	Entries []OdtEntry
}

// DaqList binds exactly one event to one or more ODTs (spec §4.4). It is
// configured through Config's ALLOC_*/WRITE_DAQ/SET_DAQ_LIST_MODE methods
// and started/stopped via Config.StartStopDaqList/StartStopSynch.
type DaqList struct {
	mu      sync.RWMutex
	eventID uint16
	hasMode bool
	list    []Odt
	running atomic.Bool
}

func (l *DaqList) odts() []Odt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Odt, len(l.list))
	copy(out, l.list)
	return out
}

// Running reports whether this list is currently armed for measurement.
func (l *DaqList) Running() bool { return l.running.Load() }

// Config implements the ALLOC_DAQ/ALLOC_ODT/ALLOC_ODT_ENTRIES/SET_DAQ_PTR/
// WRITE_DAQ/SET_DAQ_LIST_MODE/START_STOP_* configuration sub-protocol of
// spec §4.4, enforcing MAX_DTO, MAX_DAQ, MAX_EVENT and the Dyn-mode
// capture-capacity containment check.
type Config struct {
	mu sync.Mutex

	maxDtoPayload uint16 // MAX_DTO minus header, per §4.4 invariant
	headerSize    uint16
	maxDaq        uint16
	maxEvent      uint16

	events map[uint16]*Event
	lists  []*DaqList

	// ptr is the SET_DAQ_PTR cursor consumed by the next WRITE_DAQ.
	ptrDaq, ptrOdt, ptrEntry int
}

// NewConfig creates an empty DAQ configuration bounded by the given
// MAX_DTO (total frame size including header), MAX_DAQ, and MAX_EVENT.
func NewConfig(maxDto, maxDaq, maxEvent uint16, headerSize uint16) *Config {
	return &Config{
		maxDtoPayload: maxDto - headerSize,
		headerSize:    headerSize,
		maxDaq:        maxDaq,
		maxEvent:      maxEvent,
		events:        make(map[uint16]*Event),
	}
}

// RegisterEvent makes ev known to this configuration so SET_DAQ_LIST_MODE
// can bind a DAQ list to it by id. It fails with ErrDaqConfig once
// MAX_EVENT distinct events have been registered.
func (c *Config) RegisterEvent(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[ev.ID]; ok {
		return nil
	}
	if uint16(len(c.events)) >= c.maxEvent {
		return fmt.Errorf("%w: MAX_EVENT (%d) exceeded", ErrDaqConfig, c.maxEvent)
	}
	// Preallocate the event's trigger-time scratch buffer to the largest
	// frame this configuration's MAX_DTO can ever produce, so Trigger never
	// allocates on the hot path regardless of which DAQ list later binds
	// to this event.
	ev.SetFrameCapacity(uint32(c.maxDtoPayload) + uint32(c.headerSize))
	c.events[ev.ID] = ev
	return nil
}

// Event returns the registered event with the given id, if any.
func (c *Config) Event(id uint16) (*Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	return ev, ok
}

// FreeDaq discards all DAQ lists, unbinding them from their events.
func (c *Config) FreeDaq() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		ev.Bind(nil)
	}
	c.lists = nil
	c.ptrDaq, c.ptrOdt, c.ptrEntry = 0, 0, 0
}

// AllocDaq allocates n empty DAQ lists, replacing any existing allocation.
// It fails with ErrDaqConfig if n exceeds MAX_DAQ.
func (c *Config) AllocDaq(n uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.maxDaq {
		return fmt.Errorf("%w: MAX_DAQ (%d) exceeded, requested %d", ErrDaqConfig, c.maxDaq, n)
	}
	c.lists = make([]*DaqList, n)
	for i := range c.lists {
		c.lists[i] = &DaqList{}
	}
	return nil
}

func (c *Config) listLocked(daq uint16) (*DaqList, error) {
	if int(daq) >= len(c.lists) {
		return nil, fmt.Errorf("%w: DAQ list %d not allocated", ErrDaqConfig, daq)
	}
	return c.lists[daq], nil
}

// AllocOdt allocates n empty ODTs for the given DAQ list.
func (c *Config) AllocOdt(daq uint16, n uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, err := c.listLocked(daq)
	if err != nil {
		return err
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	list.list = make([]Odt, n)
	return nil
}

// AllocOdtEntries allocates n empty entries for the given (daq, odt) pair.
func (c *Config) AllocOdtEntries(daq uint16, odt uint8, n uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, err := c.listLocked(daq)
	if err != nil {
		return err
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	if int(odt) >= len(list.list) {
		return fmt.Errorf("%w: ODT %d not allocated on DAQ list %d", ErrDaqConfig, odt, daq)
	}
	list.list[odt].Entries = make([]OdtEntry, n)
	return nil
}

// SetDaqPtr positions the WRITE_DAQ cursor at (daq, odt, entry).
func (c *Config) SetDaqPtr(daq uint16, odt uint8, entry uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, err := c.listLocked(daq)
	if err != nil {
		return err
	}
	list.mu.RLock()
	valid := int(odt) < len(list.list) && int(entry) <= len(list.list[odt].Entries)
	list.mu.RUnlock()
	if !valid {
		return fmt.Errorf("%w: SET_DAQ_PTR(%d,%d,%d) out of range", ErrDaqConfig, daq, odt, entry)
	}
	c.ptrDaq, c.ptrOdt, c.ptrEntry = int(daq), int(odt), int(entry)
	return nil
}

// WriteDaq writes one ODT entry at the current SET_DAQ_PTR cursor and
// advances the cursor by one entry. It enforces the MAX_DTO−header payload
// bound across the owning ODT's entries, and — for a Dyn-mode entry — that
// its offset+size fits within the target event's declared capture
// capacity (spec §4.4), rejecting the violation immediately rather than
// letting it surface later at trigger time.
func (c *Config) WriteDaq(ext uint8, addr uint32, size uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, err := c.listLocked(uint16(c.ptrDaq))
	if err != nil {
		return err
	}
	if err := c.checkDynCapacityLocked(ext, addr, size); err != nil {
		return err
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	if c.ptrOdt >= len(list.list) || c.ptrEntry >= len(list.list[c.ptrOdt].Entries) {
		return fmt.Errorf("%w: WRITE_DAQ cursor out of range", ErrDaqConfig)
	}
	odt := &list.list[c.ptrOdt]
	payload := uint32(size)
	for i, e := range odt.Entries {
		if i == c.ptrEntry {
			continue
		}
		payload += uint32(e.Size)
	}
	if payload > uint32(c.maxDtoPayload) {
		return fmt.Errorf("%w: ODT payload %d exceeds MAX_DTO-header (%d)", ErrDaqConfig, payload, c.maxDtoPayload)
	}
	odt.Entries[c.ptrEntry] = OdtEntry{Ext: ext, Addr: addr, Size: size}
	c.ptrEntry++
	return nil
}

// checkDynCapacityLocked validates a Dyn-mode (ext, addr) entry's
// offset+size against the capture capacity of the event it targets, as
// encoded in addr per mcaddr's wire layout (event id in the high 16 bits,
// signed offset in the low 16 bits). Non-Dyn entries are not constrained
// here. Callers must hold c.mu.
func (c *Config) checkDynCapacityLocked(ext uint8, addr uint32, size uint16) error {
	if ext == mcaddr.ExtRel || ext < mcaddr.ExtDynBase || ext >= mcaddr.ExtDynBase+16 {
		return nil
	}
	eventID := uint16(addr >> 16)
	offset := int16(addr & 0xFFFF)
	if offset < 0 {
		return fmt.Errorf("%w: dyn entry offset %d is negative", ErrDaqConfig, offset)
	}
	ev, ok := c.events[eventID]
	if !ok {
		return fmt.Errorf("%w: dyn entry references unknown event id %d", ErrDaqConfig, eventID)
	}
	end := uint32(offset) + uint32(size)
	if end < uint32(offset) || end > ev.CaptureCapacity() {
		return fmt.Errorf("%w: dyn entry offset=%d size=%d exceeds event %s capture capacity %d",
			ErrDaqConfig, offset, size, ev.Name, ev.CaptureCapacity())
	}
	return nil
}

// SetDaqListMode binds daq to eventID. eventID must already be registered
// via RegisterEvent.
func (c *Config) SetDaqListMode(daq uint16, eventID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, err := c.listLocked(daq)
	if err != nil {
		return err
	}
	ev, ok := c.events[eventID]
	if !ok {
		return fmt.Errorf("%w: unknown event id %d", ErrDaqConfig, eventID)
	}
	list.mu.Lock()
	list.eventID = eventID
	list.hasMode = true
	list.mu.Unlock()
	ev.Bind(list)
	return nil
}

// StartStopDaqList arms or disarms one DAQ list.
func (c *Config) StartStopDaqList(daq uint16, start bool) error {
	c.mu.Lock()
	list, err := c.listLocked(daq)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	list.running.Store(start)
	return nil
}

// StartStopSynch arms or disarms every DAQ list that has a mode set,
// implementing the START_STOP_SYNCH(prepare)/(start)/(stop) step of the
// configuration sub-protocol (spec §4.4).
func (c *Config) StartStopSynch(start bool) {
	c.mu.Lock()
	lists := make([]*DaqList, 0, len(c.lists))
	for _, l := range c.lists {
		l.mu.RLock()
		hasMode := l.hasMode
		l.mu.RUnlock()
		if hasMode {
			lists = append(lists, l)
		}
	}
	c.mu.Unlock()
	for _, l := range lists {
		l.running.Store(start)
	}
}
