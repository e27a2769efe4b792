package xcp

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xcplite/mccore/internal/calseg"
	"github.com/xcplite/mccore/internal/daq"
	"github.com/xcplite/mccore/internal/dtoring"
	"github.com/xcplite/mccore/internal/mcaddr"
	"github.com/xcplite/mccore/internal/registry"
)

// State is the connection state of the protocol state machine (spec §4.6).
type State uint8

const (
	StateDisconnected State = iota
	StateConnected
	StateMeasuring
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateMeasuring:
		return "measuring"
	default:
		return "disconnected"
	}
}

// DescriptionProvider serves the ASAM-syntax description body fetched by
// GET_ID(4)/UPLOAD (spec §6.4, §8 scenario F). Generating that text is the
// out-of-scope A2L writer; Server only implements the chunked transfer.
type DescriptionProvider interface {
	Description() []byte
}

// AbsMemory backs Abs and Rel addressed reads for deployments that expose
// real process memory to the core; it is optional. Without one, Abs/Rel
// access fails AccessDenied.
type AbsMemory interface {
	ReadAbs(addr uint32, size uint16) ([]byte, error)
	WriteAbs(addr uint32, data []byte) error
}

// extDescription is an internal-only address extension used to route the
// MTA cursor through the active GET_ID(4) description body rather than
// through the registry's address model.
const extDescription uint8 = 0xFE

type mtaCursor struct {
	ext  uint8
	addr uint32
}

// Server is the XCP protocol state machine (component C6): command
// dispatch, response framing, and the memory-access routing that connects
// the wire address model to the calibration engine and DAQ capture
// buffers. It is safe for Handle to be called repeatedly from one command
// goroutine; Handle itself serializes internally so tests may call it
// directly without a Transport.
type Server struct {
	reg    *registry.Registry
	cal    *calseg.Engine
	daqCfg *daq.Config
	ring   *dtoring.Ring
	clock  *Clock
	logger *slog.Logger

	descProvider DescriptionProvider
	absMem       AbsMemory

	maxCTO        uint8
	maxDTO        uint16
	daqHeaderSize uint8

	mu        sync.Mutex
	state     State
	mta       mtaCursor
	descBuf   []byte
	modifySeg *calseg.Segment
}

// Option is a functional option for Server construction.
type Option func(*Server)

// WithDescriptionProvider registers the source of the GET_ID(4) description
// body.
func WithDescriptionProvider(p DescriptionProvider) Option {
	return func(s *Server) { s.descProvider = p }
}

// WithAbsMemory registers a backing store for Abs/Rel addressed access.
func WithAbsMemory(m AbsMemory) Option {
	return func(s *Server) { s.absMem = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server wired to the given registry, calibration engine,
// DAQ configuration, and DTO ring. maxCTO/maxDTO/daqHeaderSize are the
// capabilities reported in the CONNECT response.
func New(reg *registry.Registry, cal *calseg.Engine, daqCfg *daq.Config, ring *dtoring.Ring, maxCTO uint8, maxDTO uint16, daqHeaderSize uint8, opts ...Option) *Server {
	s := &Server{
		reg:           reg,
		cal:           cal,
		daqCfg:        daqCfg,
		ring:          ring,
		clock:         NewClock(),
		logger:        slog.Default(),
		maxCTO:        maxCTO,
		maxDTO:        maxDTO,
		daqHeaderSize: daqHeaderSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the server's current connection state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadInto implements daq.MemoryReader, resolving an ODT entry's bytes by
// dispatching on the wire address extension (spec §6.3) and writing them
// into dst without allocating: segment-relative reads go to the
// calibration engine, dynamic reads go to the owning event's capture
// buffer, absolute/event-relative reads go to the optional AbsMemory
// backing. len(dst) is the requested size.
func (s *Server) ReadInto(ext uint8, addr uint32, dst []byte) error {
	switch {
	case ext == mcaddr.ExtSeg:
		seg, err := s.cal.GetByIndex(segIndexFromWire(addr))
		if err != nil {
			return err
		}
		return seg.ReadInto(addr&0xFFFF, uint32(len(dst)), dst)
	case ext >= mcaddr.ExtDynBase && ext < mcaddr.ExtDynBase+16 && ext != mcaddr.ExtRel:
		eventID := uint16(addr >> 16)
		ev, ok := s.daqCfg.Event(eventID)
		if !ok {
			return fmt.Errorf("xcp: dyn read: unknown event %d", eventID)
		}
		offset := uint32(int32(int16(addr & 0xFFFF)))
		return ev.ReadCaptureInto(offset, dst)
	case ext == mcaddr.ExtAbs, ext == mcaddr.ExtRel:
		if s.absMem == nil {
			return fmt.Errorf("xcp: no AbsMemory backing configured for ext %d", ext)
		}
		data, err := s.absMem.ReadAbs(addr, uint16(len(dst)))
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	default:
		return fmt.Errorf("xcp: unsupported address extension %d", ext)
	}
}

// Read is a convenience wrapper around ReadInto for callers outside the
// DAQ trigger hot path (UPLOAD serving a directly-addressed MTA cursor),
// where an allocation per call is immaterial.
func (s *Server) Read(ext uint8, addr uint32, size uint16) ([]byte, error) {
	out := make([]byte, size)
	if err := s.ReadInto(ext, addr, out); err != nil {
		return nil, err
	}
	return out, nil
}

func segIndexFromWire(addr uint32) uint16 {
	return uint16(addr>>16) &^ 0x8000
}

// writeMemory routes a DOWNLOAD/SHORT_DOWNLOAD write. Only segment-relative
// writes are permitted; any other extension is rejected per spec §4.6
// ("writes to addresses outside any known segment ... are rejected").
func (s *Server) writeMemory(ext uint8, addr uint32, data []byte) *XcpError {
	if ext != mcaddr.ExtSeg {
		return Fail(AccessDenied, "writes only permitted to calibration segments")
	}
	seg, err := s.cal.GetByIndex(segIndexFromWire(addr))
	if err != nil {
		return Fail(SegmentNotValid, "%v", err)
	}
	if err := seg.Write(addr&0xFFFF, data); err != nil {
		return Fail(AccessDenied, "%v", err)
	}
	return nil
}

// Evict forcibly terminates the current session: it transitions to
// Disconnected, tears down any DAQ configuration, and returns the
// SESSION_TERMINATED event frame the caller must send to the tool before
// any further Handle call (spec §8 scenario E).
func (s *Server) Evict() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.daqCfg.FreeDaq()
	s.logger.Info("xcp: session evicted")
	return []byte{RespEvent, EventSessionTerminated}
}
