package registry

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/xcplite/mccore/internal/mcaddr"
)

// XcpTransportParams records the transport-layer address the server
// advertises in its description, purely informational for the registry.
type XcpTransportParams struct {
	Protocol string // "UDP" or "TCP"
	Addr     net.IP
	Port     uint16
}

// AppInfo is the application name/id/description carried by the registry,
// analogous to the original McApplication.
type AppInfo struct {
	AppID       uint8
	Name        Identifier
	Description string
	EPK         string // software version string
	EPKAddr     uint32 // address of the EPK string, set when AutoEPK is used
}

// HasEPK reports whether an EPK/version string has been set.
func (a AppInfo) HasEPK() bool { return a.EPK != "" }

// Registry is the thread-safe, canonical description of a process's
// measurement and calibration objects. Structural mutations (add_*, freeze)
// are guarded by one mutex; once Frozen, reads of the already-built
// structure need no further locking discipline beyond what Go's memory
// model already guarantees for data published under a mutex.
type Registry struct {
	mu sync.Mutex

	frozen bool

	app       AppInfo
	xcpParams *XcpTransportParams

	segmentBase uint16 // first usable segment index (0 reserved when AutoEPK)
	autoEPK     bool

	events       []Event
	eventByKey   map[eventKey]int // index into events
	eventByID    map[uint16]int

	calSegs      []CalSegDescriptor
	calSegByName map[Identifier]int
	calSegByIdx  map[uint16]int

	typedefs     []TypeDef
	typedefByName map[Identifier]int

	instances     []Instance
	instanceByName map[Identifier]int
}

// New creates an empty, writable Registry. segmentBase is the first
// calibration segment index handed out by AddCalSeg; pass 0 unless
// autoEPK reserves segment 0 for the application version string, in which
// case segmentBase should be 1.
func New(segmentBase uint16, autoEPK bool) *Registry {
	return &Registry{
		segmentBase:    segmentBase,
		autoEPK:        autoEPK,
		eventByKey:     make(map[eventKey]int),
		eventByID:      make(map[uint16]int),
		calSegByName:   make(map[Identifier]int),
		calSegByIdx:    make(map[uint16]int),
		typedefByName:  make(map[Identifier]int),
		instanceByName: make(map[Identifier]int),
	}
}

func (r *Registry) checkOpenLocked() error {
	if r.frozen {
		return ErrClosedRegistry
	}
	return nil
}

// Freeze closes the registry to further add/mutate operations. It is
// idempotent: calling it again is a no-op. A frozen registry may still be
// serialized (write_json / the GET_ID description upload path).
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// IsFrozen reports whether Freeze has been called.
func (r *Registry) IsFrozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// SetAppInfo records the application's name, id, and description.
func (r *Registry) SetAppInfo(name Identifier, description string, id uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	r.app.Name, r.app.Description, r.app.AppID = name, description, id
	return nil
}

// SetEPK records the application's version/consistency string and, when
// non-zero, the address at which it lives (used when AutoEPK is off and
// the caller publishes the string itself).
func (r *Registry) SetEPK(epk string, addr uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	r.app.EPK, r.app.EPKAddr = epk, addr
	return nil
}

// AppInfo returns a copy of the recorded application info.
func (r *Registry) AppInfo() AppInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.app
}

// SetXcpParams records the transport-layer parameters advertised in the
// description.
func (r *Registry) SetXcpParams(protocol string, addr net.IP, port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	r.xcpParams = &XcpTransportParams{Protocol: protocol, Addr: addr, Port: port}
	return nil
}

// AutoEPK reports whether segment 0 is reserved for the application EPK.
func (r *Registry) AutoEPK() bool { return r.autoEPK }

//---------------------------------------------------------------------------
// Events

// AddEvent registers event, assigning it as-is (the caller supplies a
// unique ID). It fails with ErrDuplicate if name+instanceIndex or ID
// collide with an existing event.
func (r *Registry) AddEvent(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	key := eventKey{ev.Name, ev.InstanceIndex}
	if _, ok := r.eventByKey[key]; ok {
		return fmt.Errorf("%w: event %s[%d]", ErrDuplicate, ev.Name, ev.InstanceIndex)
	}
	if _, ok := r.eventByID[ev.ID]; ok {
		return fmt.Errorf("%w: event id %d", ErrDuplicate, ev.ID)
	}
	r.events = append(r.events, ev)
	idx := len(r.events) - 1
	r.eventByKey[key] = idx
	r.eventByID[ev.ID] = idx
	return nil
}

// FindEvent looks up an event by name and instance index.
func (r *Registry) FindEvent(name Identifier, index uint16) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.eventByKey[eventKey{name, index}]
	if !ok {
		return Event{}, false
	}
	return r.events[idx], true
}

// FindEventByID looks up an event by its unique id.
func (r *Registry) FindEventByID(id uint16) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.eventByID[id]
	if !ok {
		return Event{}, false
	}
	return r.events[idx], true
}

// Events returns a sorted-by-ID snapshot of all registered events.
func (r *Registry) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateEventMapping re-binds event ids according to mapping (old id -> new
// id), used when reconciling an imported description's numbering with the
// live server's. Only event ids and the id index change; no instance
// address is rewritten, so instances whose address names an event id
// (Rel, Dyn, A2LEvent) keep the old id.
func (r *Registry) UpdateEventMapping(mapping map[uint16]uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.eventByID, 0) // rebuilt below
	newByID := make(map[uint16]int, len(r.events))
	for i := range r.events {
		if newID, ok := mapping[r.events[i].ID]; ok {
			r.events[i].ID = newID
		}
		newByID[r.events[i].ID] = i
	}
	r.eventByID = newByID
}

//---------------------------------------------------------------------------
// Calibration segments

// AddCalSeg registers a calibration segment named name of the given size,
// assigning the next available index starting at segmentBase.
func (r *Registry) AddCalSeg(name Identifier, size uint32) (CalSegDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return CalSegDescriptor{}, err
	}
	if _, ok := r.calSegByName[name]; ok {
		return CalSegDescriptor{}, fmt.Errorf("%w: calibration segment %s", ErrDuplicate, name)
	}
	index := r.nextCalSegIndexLocked()
	desc := CalSegDescriptor{Name: name, Index: index, Size: size}
	return r.insertCalSegLocked(desc)
}

// AddCalSegByAddr registers an externally described calibration segment
// with an explicit index and absolute (ext, addr) address, for segments
// whose numbering and location come from an imported description rather
// than from application registration.
func (r *Registry) AddCalSegByAddr(name Identifier, index uint16, ext uint8, addr uint32, size uint32) (CalSegDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return CalSegDescriptor{}, err
	}
	if _, ok := r.calSegByName[name]; ok {
		return CalSegDescriptor{}, fmt.Errorf("%w: calibration segment %s", ErrDuplicate, name)
	}
	if _, ok := r.calSegByIdx[index]; ok {
		return CalSegDescriptor{}, fmt.Errorf("%w: calibration segment index %d", ErrDuplicate, index)
	}
	desc := CalSegDescriptor{Name: name, Index: index, Size: size, ExternalAddr: addr, ExternalExt: ext, IsExternal: true}
	return r.insertCalSegLocked(desc)
}

func (r *Registry) nextCalSegIndexLocked() uint16 {
	idx := r.segmentBase
	for {
		if _, taken := r.calSegByIdx[idx]; !taken {
			return idx
		}
		idx++
	}
}

func (r *Registry) insertCalSegLocked(desc CalSegDescriptor) (CalSegDescriptor, error) {
	if _, ok := r.calSegByIdx[desc.Index]; ok {
		return CalSegDescriptor{}, fmt.Errorf("%w: calibration segment index %d", ErrDuplicate, desc.Index)
	}
	r.calSegs = append(r.calSegs, desc)
	i := len(r.calSegs) - 1
	r.calSegByName[desc.Name] = i
	r.calSegByIdx[desc.Index] = i
	return desc, nil
}

// SetCalSegPages records the live working/default page addresses for a
// previously-added segment, called once the calseg engine has allocated
// the two pages.
func (r *Registry) SetCalSegPages(name Identifier, defaultAddr, workingAddr uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.calSegByName[name]
	if !ok {
		return fmt.Errorf("%w: calibration segment %s", ErrNotFound, name)
	}
	r.calSegs[i].DefaultPageAddr = defaultAddr
	r.calSegs[i].WorkingPageAddr = workingAddr
	return nil
}

// FindCalSeg looks up a calibration segment descriptor by name.
func (r *Registry) FindCalSeg(name Identifier) (CalSegDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.calSegByName[name]
	if !ok {
		return CalSegDescriptor{}, false
	}
	return r.calSegs[i], true
}

// FindCalSegByIndex looks up a calibration segment descriptor by its wire
// index.
func (r *Registry) FindCalSegByIndex(index uint16) (CalSegDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.calSegByIdx[index]
	if !ok {
		return CalSegDescriptor{}, false
	}
	return r.calSegs[i], true
}

// FindCalSegByAddress returns the segment whose wire (ext, addr) range
// contains (ext, addr), using the §6.3 segment-relative encoding.
func (r *Registry) FindCalSegByAddress(ext uint8, addr uint32) (CalSegDescriptor, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ext != mcaddr.ExtSeg {
		return CalSegDescriptor{}, 0, false
	}
	index := uint16(addr >> 16 &^ 0x8000)
	offset := addr & 0xFFFF
	i, ok := r.calSegByIdx[index]
	if !ok || !r.calSegs[i].Contains(offset, 1) {
		return CalSegDescriptor{}, 0, false
	}
	return r.calSegs[i], offset, true
}

// CalSegIndex implements mcaddr.Resolver.
func (r *Registry) CalSegIndex(name string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.calSegByName[Identifier(name)]
	if !ok {
		return 0, false
	}
	return r.calSegs[i].Index, true
}

// CalSegs returns a snapshot of all calibration segment descriptors,
// sorted by index.
func (r *Registry) CalSegs() []CalSegDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CalSegDescriptor, len(r.calSegs))
	copy(out, r.calSegs)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// UpdateCalSegMapping re-numbers calibration segments according to mapping
// (old index -> new index), used when reconciling an imported description.
func (r *Registry) UpdateCalSegMapping(mapping map[uint16]uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	newByIdx := make(map[uint16]int, len(r.calSegs))
	for i := range r.calSegs {
		if newIdx, ok := mapping[r.calSegs[i].Index]; ok {
			r.calSegs[i].Index = newIdx
		}
		newByIdx[r.calSegs[i].Index] = i
	}
	r.calSegByIdx = newByIdx
}

//---------------------------------------------------------------------------
// Typedefs

// AddTypeDef registers a new named typedef of the given total byte size and
// returns its index for subsequent AddTypeDefField calls.
func (r *Registry) AddTypeDef(name Identifier, size uint32) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return 0, err
	}
	if _, ok := r.typedefByName[name]; ok {
		return 0, fmt.Errorf("%w: typedef %s", ErrDuplicate, name)
	}
	r.typedefs = append(r.typedefs, TypeDef{Name: name, Size: size})
	idx := len(r.typedefs) - 1
	r.typedefByName[name] = idx
	return idx, nil
}

// AddTypeDefField appends a field to the named typedef.
func (r *Registry) AddTypeDefField(typeName Identifier, field TypeDefField) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	idx, ok := r.typedefByName[typeName]
	if !ok {
		return fmt.Errorf("%w: typedef %s", ErrNotFound, typeName)
	}
	return r.typedefs[idx].addField(field)
}

// FindTypeDef looks up a typedef by name.
func (r *Registry) FindTypeDef(name Identifier) (TypeDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.typedefByName[name]
	if !ok {
		return TypeDef{}, false
	}
	return r.typedefs[idx], true
}

// TypeDefSize implements registry.TypeDefSizer / DimType's size resolver.
func (r *Registry) TypeDefSize(name Identifier) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.typedefByName[name]
	if !ok {
		return 0, false
	}
	return r.typedefs[idx].Size, true
}

//---------------------------------------------------------------------------
// Instances

// AddInstance registers a new measurement/characteristic/axis instance. It
// fails with ErrDuplicate if name already exists; names share one
// namespace across all object kinds (spec §3). It also fails with
// ErrOverlap if inst's byte range within its calibration segment overlaps
// an already-registered instance's range, unless one is a sub-field of the
// other's typedef.
func (r *Registry) AddInstance(inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(); err != nil {
		return err
	}
	if _, ok := r.instanceByName[inst.Name]; ok {
		return fmt.Errorf("%w: instance %s", ErrDuplicate, inst.Name)
	}
	if err := r.checkOverlapLocked(inst); err != nil {
		return err
	}
	r.instances = append(r.instances, inst)
	r.instanceByName[inst.Name] = len(r.instances) - 1
	return nil
}

// typeDefSizerLocked adapts Registry's typedef table to DimType.Size
// without re-entering Registry's mutex, for use from calls already holding
// r.mu (TypeDefSize itself locks, so it cannot be called from there).
type typeDefSizerLocked struct{ r *Registry }

func (s typeDefSizerLocked) TypeDefSize(name Identifier) (uint32, bool) {
	idx, ok := s.r.typedefByName[name]
	if !ok {
		return 0, false
	}
	return s.r.typedefs[idx].Size, true
}

// instanceByteRangeLocked computes the [start,end) byte range inst occupies
// within its calibration segment. ok is false for non-ModeCal instances or
// for value types whose size cannot be statically derived (Blob), which
// sit outside the overlap invariant.
func (r *Registry) instanceByteRangeLocked(inst Instance) (start, end uint32, ok bool) {
	if inst.Address.Mode() != mcaddr.ModeCal {
		return 0, 0, false
	}
	size, err := inst.Dim.Size(typeDefSizerLocked{r})
	if err != nil {
		return 0, 0, false
	}
	start = uint32(inst.Address.Offset())
	return start, start + size, true
}

// checkOverlapLocked enforces spec §3: within a segment, offsets do not
// overlap unless one instance is a sub-field of the other's typedef — i.e.
// one instance's range is fully contained in a KindTypeDef instance's
// range, as when a structured characteristic is also registered field by
// field for direct tool access.
func (r *Registry) checkOverlapLocked(inst Instance) error {
	start, end, ok := r.instanceByteRangeLocked(inst)
	if !ok {
		return nil
	}
	for _, other := range r.instances {
		if other.Address.Mode() != mcaddr.ModeCal || other.Address.CalSegName() != inst.Address.CalSegName() {
			continue
		}
		oStart, oEnd, ok := r.instanceByteRangeLocked(other)
		if !ok {
			continue
		}
		if start >= oEnd || end <= oStart {
			continue // disjoint ranges
		}
		if inst.Dim.Value.Kind == KindTypeDef && rangeContains(start, end, oStart, oEnd) {
			continue
		}
		if other.Dim.Value.Kind == KindTypeDef && rangeContains(oStart, oEnd, start, end) {
			continue
		}
		return fmt.Errorf("%w: instance %s [%d,%d) overlaps %s [%d,%d) in segment %s",
			ErrOverlap, inst.Name, start, end, other.Name, oStart, oEnd, inst.Address.CalSegName())
	}
	return nil
}

func rangeContains(outerStart, outerEnd, start, end uint32) bool {
	return start >= outerStart && end <= outerEnd
}

// FindInstance looks up an instance by name.
func (r *Registry) FindInstance(name Identifier) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.instanceByName[name]
	if !ok {
		return Instance{}, false
	}
	return r.instances[idx], true
}

// Instances returns a snapshot of all registered instances.
func (r *Registry) Instances() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, len(r.instances))
	copy(out, r.instances)
	return out
}
