package calseg

import (
	"fmt"
	"sync"
)

// Engine owns the live two-page memory for every calibration segment in a
// process. The registry tracks each segment's name, wire index, and size;
// Engine holds the actual bytes and hands out Segment handles for reading
// and writing. Keeping live memory out of the registry avoids giving the
// registry a second concern (bytes) beyond bookkeeping.
type Engine struct {
	mu      sync.Mutex
	byName  map[Identifier]*Segment
	byIndex map[uint16]*Segment
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		byName:  make(map[Identifier]*Segment),
		byIndex: make(map[uint16]*Segment),
	}
}

// Create allocates a new segment named name at wire index index, with its
// working page initialized from a copy of defaultBytes. It fails with
// ErrDuplicate if name or index is already registered.
func (e *Engine) Create(name Identifier, index uint16, defaultBytes []byte) (*Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if _, ok := e.byIndex[index]; ok {
		return nil, fmt.Errorf("%w: index %d", ErrDuplicate, index)
	}
	seg := New(name, defaultBytes)
	e.byName[name] = seg
	e.byIndex[index] = seg
	return seg, nil
}

// Get looks up a segment by name.
func (e *Engine) Get(name Identifier) (*Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seg, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotValid, name)
	}
	return seg, nil
}

// GetByIndex looks up a segment by its wire index, as used when decoding a
// Cal-mode address off the wire.
func (e *Engine) GetByIndex(index uint16) (*Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seg, ok := e.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrSegmentNotValid, index)
	}
	return seg, nil
}

// SetPageAll applies SetPage(p) to every segment, used when a SET_CAL_PAGE
// command's "all segments" mode bit is set.
func (e *Engine) SetPageAll(p Page) {
	e.mu.Lock()
	segs := make([]*Segment, 0, len(e.byName))
	for _, seg := range e.byName {
		segs = append(segs, seg)
	}
	e.mu.Unlock()
	for _, seg := range segs {
		seg.SetPage(p)
	}
}
