package mcaddr

import "testing"

type fakeResolver map[string]uint16

func (f fakeResolver) CalSegIndex(name string) (uint16, bool) {
	idx, ok := f[name]
	return idx, ok
}

func TestCalAddressToWire(t *testing.T) {
	resolver := fakeResolver{"calseg": 0}

	addr := NewCal("calseg", 11)
	if addr.CalSegName() != "calseg" {
		t.Fatalf("CalSegName() = %q, want %q", addr.CalSegName(), "calseg")
	}
	ext, wire, err := addr.ToWire(resolver)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if ext != ExtSeg {
		t.Fatalf("ext = %d, want %d", ext, ExtSeg)
	}
	if wire != 0x8000<<16+11 {
		t.Fatalf("addr = 0x%08X, want 0x%08X", wire, 0x8000<<16+11)
	}
}

func TestRelAddressToWire(t *testing.T) {
	addr := NewRel(1, -1)
	if id, ok := addr.EventID(); !ok || id != 1 {
		t.Fatalf("EventID() = (%d,%v), want (1,true)", id, ok)
	}
	ext, wire, err := addr.ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if ext != ExtRel || wire != 0xFFFFFFFF {
		t.Fatalf("got ext=%d addr=0x%08X", ext, wire)
	}

	addr = NewRel(1, 0x7FFFFFFF)
	_, wire, err = addr.ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if wire != 0x7FFFFFFF {
		t.Fatalf("addr = 0x%08X, want 0x7FFFFFFF", wire)
	}
}

func TestDynAddressToWire(t *testing.T) {
	addr := NewDyn(2, 0, -1)
	ext, wire, err := addr.ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if ext != ExtDynBase || wire != 0x0002FFFF {
		t.Fatalf("got ext=%d addr=0x%08X, want ext=%d addr=0x0002FFFF", ext, wire, ExtDynBase)
	}

	addr = NewDyn(2, 0, 0x7FFF)
	_, wire, err = addr.ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	if wire != 0x00027FFF {
		t.Fatalf("addr = 0x%08X, want 0x00027FFF", wire)
	}
}

func TestCalAddressUnresolvedSegmentFails(t *testing.T) {
	addr := NewCal("missing", 0)
	if _, _, err := addr.ToWire(fakeResolver{}); err == nil {
		t.Fatal("expected error resolving unknown calibration segment")
	}
	if _, _, err := addr.ToWire(nil); err == nil {
		t.Fatal("expected error resolving calibration segment without a resolver")
	}
}

func TestDynIndexOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range dyn instance index")
		}
	}()
	NewDyn(1, 16, 0)
}
