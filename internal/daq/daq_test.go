package daq

import (
	"errors"
	"testing"

	"github.com/xcplite/mccore/internal/dtoring"
)

type fakeReader struct {
	counter uint32
}

func (f *fakeReader) ReadInto(ext uint8, addr uint32, dst []byte) error {
	dst[0] = byte(f.counter)
	if len(dst) > 1 {
		dst[1] = byte(f.counter >> 8)
	}
	return nil
}

func TestAddCaptureReservesOffsetsAndFailsWhenFull(t *testing.T) {
	ev := NewEvent("E1", 1, 1_000_000, 8)
	addr, err := ev.AddCapture(0, 4)
	if err != nil {
		t.Fatalf("AddCapture: %v", err)
	}
	if got, _ := addr.EventID(); got != 1 {
		t.Fatalf("expected event id 1, got %d", got)
	}

	if _, err := ev.AddCapture(0, 4); err != nil {
		t.Fatalf("second AddCapture: %v", err)
	}
	if _, err := ev.AddCapture(0, 1); !errors.Is(err, ErrCaptureFull) {
		t.Fatalf("expected ErrCaptureFull, got %v", err)
	}
}

func TestCaptureAndReadCaptureRoundTrip(t *testing.T) {
	ev := NewEvent("E1", 1, 0, 4)
	if err := ev.Capture(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	got, err := ev.ReadCapture(0, 4)
	if err != nil {
		t.Fatalf("ReadCapture: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: want %d got %d", i, want[i], got[i])
		}
	}
}

func TestTriggerUnconfiguredIsNoOp(t *testing.T) {
	ev := NewEvent("E1", 1, 0, 4)
	ring := dtoring.New(4, 16)
	if err := ev.Trigger(ring, &fakeReader{}, func() uint32 { return 0 }, nil); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, ok := ring.Pop(); ok {
		t.Fatal("expected no frame pushed for an unconfigured event")
	}
}

// TestSingleDaqScenario mirrors spec scenario B's configuration sequence:
// one DAQ, one ODT, one 4-byte entry bound to E1, then repeated triggers.
func TestSingleDaqScenario(t *testing.T) {
	cfg := NewConfig(16, 4, 16, 4)
	ev := NewEvent("E1", 1, 1_000_000, 0)
	if err := cfg.RegisterEvent(ev); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}

	if err := cfg.AllocDaq(1); err != nil {
		t.Fatalf("AllocDaq: %v", err)
	}
	if err := cfg.AllocOdt(0, 1); err != nil {
		t.Fatalf("AllocOdt: %v", err)
	}
	if err := cfg.AllocOdtEntries(0, 0, 1); err != nil {
		t.Fatalf("AllocOdtEntries: %v", err)
	}
	if err := cfg.SetDaqPtr(0, 0, 0); err != nil {
		t.Fatalf("SetDaqPtr: %v", err)
	}
	if err := cfg.WriteDaq(1, 0x1000, 4); err != nil {
		t.Fatalf("WriteDaq: %v", err)
	}
	if err := cfg.SetDaqListMode(0, ev.ID); err != nil {
		t.Fatalf("SetDaqListMode: %v", err)
	}
	if err := cfg.StartStopDaqList(0, true); err != nil {
		t.Fatalf("StartStopDaqList: %v", err)
	}
	cfg.StartStopSynch(true)

	ring := dtoring.New(128, 16)
	reader := &fakeReader{}
	for i := uint32(0); i < 100; i++ {
		reader.counter = i
		if err := ev.Trigger(ring, reader, func() uint32 { return i }, nil); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
	}

	frames := ring.Drain()
	if len(frames) < 90 {
		t.Fatalf("expected >= 90 frames, got %d", len(frames))
	}
	var last int32 = -1
	for _, f := range frames {
		if len(f) != 8 { // 4-byte timestamp + 4-byte counter
			t.Fatalf("unexpected frame length %d", len(f))
		}
		counter := int32(f[4]) | int32(f[5])<<8
		if counter <= last {
			t.Fatalf("counter not monotonically increasing: last=%d now=%d", last, counter)
		}
		last = counter
	}
}

func TestWriteDaqEnforcesMaxDtoPayload(t *testing.T) {
	cfg := NewConfig(8, 1, 1, 4) // MAX_DTO=8, header=4 -> payload budget 4
	ev := NewEvent("E1", 1, 0, 0)
	if err := cfg.RegisterEvent(ev); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	if err := cfg.AllocDaq(1); err != nil {
		t.Fatalf("AllocDaq: %v", err)
	}
	if err := cfg.AllocOdt(0, 1); err != nil {
		t.Fatalf("AllocOdt: %v", err)
	}
	if err := cfg.AllocOdtEntries(0, 0, 1); err != nil {
		t.Fatalf("AllocOdtEntries: %v", err)
	}
	if err := cfg.SetDaqPtr(0, 0, 0); err != nil {
		t.Fatalf("SetDaqPtr: %v", err)
	}
	if err := cfg.WriteDaq(1, 0, 8); !errors.Is(err, ErrDaqConfig) {
		t.Fatalf("expected ErrDaqConfig for oversized entry, got %v", err)
	}
}

func TestSetDaqListModeRejectsUnknownEvent(t *testing.T) {
	cfg := NewConfig(16, 1, 1, 4)
	if err := cfg.AllocDaq(1); err != nil {
		t.Fatalf("AllocDaq: %v", err)
	}
	if err := cfg.SetDaqListMode(0, 99); !errors.Is(err, ErrDaqConfig) {
		t.Fatalf("expected ErrDaqConfig, got %v", err)
	}
}

func TestAllocDaqRejectsOverMaxDaq(t *testing.T) {
	cfg := NewConfig(16, 2, 4, 4)
	if err := cfg.AllocDaq(3); !errors.Is(err, ErrDaqConfig) {
		t.Fatalf("expected ErrDaqConfig, got %v", err)
	}
}

// TestRelAddressingResolvesAgainstTriggerBase exercises AddStack end to
// end: a Rel-mode ODT entry is resolved against the base slice passed to
// Trigger, not through the MemoryReader.
func TestRelAddressingResolvesAgainstTriggerBase(t *testing.T) {
	cfg := NewConfig(16, 1, 1, 4)
	ev := NewEvent("E1", 1, 0, 0)
	if err := cfg.RegisterEvent(ev); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	if err := cfg.AllocDaq(1); err != nil {
		t.Fatalf("AllocDaq: %v", err)
	}
	if err := cfg.AllocOdt(0, 1); err != nil {
		t.Fatalf("AllocOdt: %v", err)
	}
	if err := cfg.AllocOdtEntries(0, 0, 1); err != nil {
		t.Fatalf("AllocOdtEntries: %v", err)
	}
	if err := cfg.SetDaqPtr(0, 0, 0); err != nil {
		t.Fatalf("SetDaqPtr: %v", err)
	}

	ext, wire, err := ev.AddStack(2).ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if err := cfg.WriteDaq(ext, wire, 2); err != nil {
		t.Fatalf("WriteDaq: %v", err)
	}
	if err := cfg.SetDaqListMode(0, ev.ID); err != nil {
		t.Fatalf("SetDaqListMode: %v", err)
	}
	if err := cfg.StartStopDaqList(0, true); err != nil {
		t.Fatalf("StartStopDaqList: %v", err)
	}
	cfg.StartStopSynch(true)

	ring := dtoring.New(4, 16)
	base := []byte{0xAA, 0xBB, 0x11, 0x22}
	if err := ev.Trigger(ring, &fakeReader{}, func() uint32 { return 0 }, base); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	frame, ok := ring.Pop()
	if !ok {
		t.Fatal("expected a frame")
	}
	if len(frame) != 6 { // 4-byte timestamp + 2-byte rel entry
		t.Fatalf("unexpected frame length %d", len(frame))
	}
	if frame[4] != 0x11 || frame[5] != 0x22 {
		t.Fatalf("rel entry bytes = %v, want [0x11 0x22]", frame[4:6])
	}
}

// TestTriggerFailsWhenRelEntryExceedsBase confirms a Rel entry whose
// offset+size runs past the caller-supplied base is reported as an error
// rather than silently truncated or read out of bounds.
func TestTriggerFailsWhenRelEntryExceedsBase(t *testing.T) {
	cfg := NewConfig(16, 1, 1, 4)
	ev := NewEvent("E1", 1, 0, 0)
	if err := cfg.RegisterEvent(ev); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	if err := cfg.AllocDaq(1); err != nil {
		t.Fatalf("AllocDaq: %v", err)
	}
	if err := cfg.AllocOdt(0, 1); err != nil {
		t.Fatalf("AllocOdt: %v", err)
	}
	if err := cfg.AllocOdtEntries(0, 0, 1); err != nil {
		t.Fatalf("AllocOdtEntries: %v", err)
	}
	if err := cfg.SetDaqPtr(0, 0, 0); err != nil {
		t.Fatalf("SetDaqPtr: %v", err)
	}
	ext, wire, err := ev.AddStack(2).ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if err := cfg.WriteDaq(ext, wire, 4); err != nil {
		t.Fatalf("WriteDaq: %v", err)
	}
	if err := cfg.SetDaqListMode(0, ev.ID); err != nil {
		t.Fatalf("SetDaqListMode: %v", err)
	}
	if err := cfg.StartStopDaqList(0, true); err != nil {
		t.Fatalf("StartStopDaqList: %v", err)
	}
	cfg.StartStopSynch(true)

	ring := dtoring.New(4, 16)
	base := []byte{0xAA, 0xBB, 0x11} // only 3 bytes; entry needs offset 2..6
	if err := ev.Trigger(ring, &fakeReader{}, func() uint32 { return 0 }, base); !errors.Is(err, ErrDaqConfig) {
		t.Fatalf("expected ErrDaqConfig, got %v", err)
	}
}

func TestFreeDaqUnbindsEvents(t *testing.T) {
	cfg := NewConfig(16, 1, 1, 4)
	ev := NewEvent("E1", 1, 0, 0)
	if err := cfg.RegisterEvent(ev); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	if err := cfg.AllocDaq(1); err != nil {
		t.Fatalf("AllocDaq: %v", err)
	}
	if err := cfg.SetDaqListMode(0, ev.ID); err != nil {
		t.Fatalf("SetDaqListMode: %v", err)
	}
	if ev.BoundList() == nil {
		t.Fatal("expected event bound")
	}
	cfg.FreeDaq()
	if ev.BoundList() != nil {
		t.Fatal("expected event unbound after FreeDaq")
	}
}
