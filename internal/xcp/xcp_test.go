package xcp

import (
	"net"
	"testing"

	"github.com/xcplite/mccore/internal/calseg"
	"github.com/xcplite/mccore/internal/daq"
	"github.com/xcplite/mccore/internal/dtoring"
	"github.com/xcplite/mccore/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *calseg.Engine) {
	t.Helper()
	reg := registry.New(0, true)
	if err := reg.SetAppInfo("TestECU", "unit test target", 1); err != nil {
		t.Fatalf("SetAppInfo: %v", err)
	}
	if err := reg.SetXcpParams("UDP", net.ParseIP("127.0.0.1"), 5555); err != nil {
		t.Fatalf("SetXcpParams: %v", err)
	}
	cal := calseg.NewEngine()
	daqCfg := daq.NewConfig(64, 4, 16, 4)
	ring := dtoring.New(64, 64)
	srv := New(reg, cal, daqCfg, ring, 64, 64, 4)
	return srv, reg, cal
}

func connect(t *testing.T, s *Server) {
	t.Helper()
	resp, err := s.Handle([]byte{byte(CmdConnect)})
	if err != nil {
		t.Fatalf("CONNECT: %v", err)
	}
	if resp[0] != RespPositive {
		t.Fatalf("CONNECT: expected positive response, got %v", resp)
	}
}

// TestConnectDisconnectLifecycle covers the basic state machine transitions.
func TestConnectDisconnectLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if srv.State() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %v", srv.State())
	}

	// Commands before CONNECT are rejected.
	resp, err := srv.Handle([]byte{byte(CmdGetCalPage), 0, 0, 0})
	if err != nil {
		t.Fatalf("pre-connect Handle: %v", err)
	}
	if resp[0] != RespNegative || ErrorKind(resp[1]) != CmdUnknown {
		t.Fatalf("expected CMD_UNKNOWN before connect, got %v", resp)
	}

	connect(t, srv)
	if srv.State() != StateConnected {
		t.Fatalf("expected connected after CONNECT, got %v", srv.State())
	}

	resp, err = srv.Handle([]byte{byte(CmdDisconnect)})
	if err != nil || resp[0] != RespPositive {
		t.Fatalf("DISCONNECT failed: resp=%v err=%v", resp, err)
	}
	if srv.State() != StateDisconnected {
		t.Fatalf("expected disconnected after DISCONNECT, got %v", srv.State())
	}
}

// TestCalibrationPageSwitchAndDownload mirrors the calibration-segment
// scenario: download to RAM is visible on RAM but not on FLASH, and the
// default page survives the round trip unchanged.
func TestCalibrationPageSwitchAndDownload(t *testing.T) {
	srv, reg, cal := newTestServer(t)
	connect(t, srv)

	desc, err := reg.AddCalSeg("params", 4)
	if err != nil {
		t.Fatalf("AddCalSeg: %v", err)
	}
	if _, err := cal.Create("params", desc.Index, []byte{0x55, 0x55, 0x55, 0x55}); err != nil {
		t.Fatalf("cal.Create: %v", err)
	}

	segAddr := (uint32(desc.Index) | 0x8000) << 16

	download := append([]byte{byte(CmdDownload), 1}, 0xAA)
	mta := append([]byte{byte(CmdSetMTA), 0, 0, 0, 0}, byte(segAddr), byte(segAddr>>8), byte(segAddr>>16), byte(segAddr>>24))
	if resp, err := srv.Handle(mta); err != nil || resp[0] != RespPositive {
		t.Fatalf("SET_MTA failed: resp=%v err=%v", resp, err)
	}
	if resp, err := srv.Handle(download); err != nil || resp[0] != RespPositive {
		t.Fatalf("DOWNLOAD failed: resp=%v err=%v", resp, err)
	}

	// Re-point MTA and upload back: expect the written byte on RAM.
	if resp, err := srv.Handle(mta); err != nil || resp[0] != RespPositive {
		t.Fatalf("SET_MTA (2) failed: resp=%v err=%v", resp, err)
	}
	upload := []byte{byte(CmdUpload), 1}
	resp, err := srv.Handle(upload)
	if err != nil || resp[0] != RespPositive || resp[1] != 0xAA {
		t.Fatalf("UPLOAD after download: resp=%v err=%v", resp, err)
	}

	// Switch to FLASH (default) page: must see the untouched default byte.
	setCalPage := []byte{byte(CmdSetCalPage), 0, byte(desc.Index), byte(desc.Index >> 8), byte(PageSelectFlash)}
	if resp, err := srv.Handle(setCalPage); err != nil || resp[0] != RespPositive {
		t.Fatalf("SET_CAL_PAGE(FLASH) failed: resp=%v err=%v", resp, err)
	}
	if resp, err := srv.Handle(mta); err != nil || resp[0] != RespPositive {
		t.Fatalf("SET_MTA (3) failed: resp=%v err=%v", resp, err)
	}
	resp, err = srv.Handle(upload)
	if err != nil || resp[0] != RespPositive || resp[1] != 0x55 {
		t.Fatalf("UPLOAD after page switch to FLASH: resp=%v err=%v", resp, err)
	}
}

// TestModifyBeginEndRejectsNestedAndUnmatched verifies a second
// MODIFY_BEGIN is rejected while a transaction is open, and a MODIFY_END
// without a matching MODIFY_BEGIN is rejected.
func TestModifyBeginEndRejectsNestedAndUnmatched(t *testing.T) {
	srv, reg, cal := newTestServer(t)
	connect(t, srv)

	desc, err := reg.AddCalSeg("tune", 4)
	if err != nil {
		t.Fatalf("AddCalSeg: %v", err)
	}
	if _, err := cal.Create("tune", desc.Index, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("cal.Create: %v", err)
	}

	begin := []byte{byte(CmdUser), UserModifyBegin, byte(desc.Index), byte(desc.Index >> 8)}
	if resp, err := srv.Handle(begin); err != nil || resp[0] != RespPositive {
		t.Fatalf("MODIFY_BEGIN failed: resp=%v err=%v", resp, err)
	}

	// A second MODIFY_BEGIN before EndModify must be rejected.
	if resp, err := srv.Handle(begin); err != nil || resp[0] != RespNegative || ErrorKind(resp[1]) != Sequence {
		t.Fatalf("expected SEQUENCE on nested MODIFY_BEGIN, got resp=%v err=%v", resp, err)
	}

	end := []byte{byte(CmdUser), UserModifyEnd}
	if resp, err := srv.Handle(end); err != nil || resp[0] != RespPositive {
		t.Fatalf("MODIFY_END failed: resp=%v err=%v", resp, err)
	}

	// MODIFY_END without a matching begin must fail.
	if resp, err := srv.Handle(end); err != nil || resp[0] != RespNegative || ErrorKind(resp[1]) != Sequence {
		t.Fatalf("expected SEQUENCE on unmatched MODIFY_END, got resp=%v err=%v", resp, err)
	}
}

// TestDaqConfigurationAndTrigger drives the full ALLOC_DAQ..START_STOP_SYNCH
// sub-protocol for one event and one 4-byte Dyn capture entry, then checks
// Trigger produces a frame on the ring.
func TestDaqConfigurationAndTrigger(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	connect(t, srv)

	ev := daq.NewEvent("ENGINE_100MS", 1, 100_000_000, 16)
	if err := reg.AddEvent(registry.Event{Name: "ENGINE_100MS", ID: 1, CycleTimeNs: 100_000_000}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := srv.daqCfg.RegisterEvent(ev); err != nil {
		t.Fatalf("RegisterEvent: %v", err)
	}
	addr, err := ev.AddCapture(0, 4)
	if err != nil {
		t.Fatalf("AddCapture: %v", err)
	}
	ext, wireAddr, err := addr.ToWire(nil)
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}

	commands := [][]byte{
		{byte(CmdAllocDaq), 0, 0, 1, 0},
		{byte(CmdAllocOdt), 0, 0, 0, 0, 1},
		{byte(CmdAllocOdtEntry), 0, 0, 0, 0, 0, 1},
		{byte(CmdSetDaqPtr), 0, 0, 0, 0},
		append([]byte{byte(CmdWriteDaq), 0, 4, ext}, byte(wireAddr), byte(wireAddr>>8), byte(wireAddr>>16), byte(wireAddr>>24)),
		{byte(CmdSetDaqListMode), 0, 0, 1, 0},
		{byte(CmdStartStopDaqList), 1, 0, 0},
		{byte(CmdStartStopSynch), 1},
	}
	for i, cmd := range commands {
		resp, err := srv.Handle(cmd)
		if err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		if resp[0] != RespPositive {
			t.Fatalf("command %d: expected positive response, got %v", i, resp)
		}
	}

	if err := ev.Capture(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := ev.Trigger(srv.ring, srv, nopClock, nil); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	frame, ok := srv.ring.Pop()
	if !ok {
		t.Fatal("expected a frame on the ring after Trigger")
	}
	if len(frame) != 8 {
		t.Fatalf("expected an 8-byte frame (4-byte timestamp + 4-byte entry), got %d bytes", len(frame))
	}
	if frame[4] != 1 || frame[5] != 2 || frame[6] != 3 || frame[7] != 4 {
		t.Fatalf("unexpected frame payload: %v", frame)
	}
}

func nopClock() uint32 { return 0 }

// TestEvictSendsSessionTerminatedAndBlocksFurtherCommands mirrors the
// forced-disconnect scenario: Evict must return the SESSION_TERMINATED
// event frame and subsequent Handle calls must behave as if disconnected.
func TestEvictSendsSessionTerminatedAndBlocksFurtherCommands(t *testing.T) {
	srv, _, _ := newTestServer(t)
	connect(t, srv)

	evt := srv.Evict()
	if len(evt) != 2 || evt[0] != RespEvent || evt[1] != EventSessionTerminated {
		t.Fatalf("expected SESSION_TERMINATED event frame, got %v", evt)
	}
	if srv.State() != StateDisconnected {
		t.Fatalf("expected disconnected after Evict, got %v", srv.State())
	}

	resp, err := srv.Handle([]byte{byte(CmdGetCalPage), 0, 0, 0})
	if err != nil {
		t.Fatalf("post-evict Handle: %v", err)
	}
	if resp[0] != RespNegative || ErrorKind(resp[1]) != CmdUnknown {
		t.Fatalf("expected CMD_UNKNOWN after evict, got %v", resp)
	}
}

// TestGetDaqClockIsMonotonic checks successive GET_DAQ_CLOCK calls never
// regress.
func TestGetDaqClockIsMonotonic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	connect(t, srv)

	var last uint64
	for i := 0; i < 5; i++ {
		resp, err := srv.Handle([]byte{byte(CmdGetDaqClock)})
		if err != nil || resp[0] != RespPositive {
			t.Fatalf("GET_DAQ_CLOCK: resp=%v err=%v", resp, err)
		}
		if len(resp) != 12 {
			t.Fatalf("expected a 12-byte GET_DAQ_CLOCK response (1+3+8), got %d bytes", len(resp))
		}
		ts := le64(resp[4:12])
		if ts < last {
			t.Fatalf("GET_DAQ_CLOCK went backwards: %d then %d", last, ts)
		}
		last = ts
	}
}

// TestGetIDUploadBodyChunkedTransfer exercises GET_ID(4) followed by
// chunked UPLOAD reads of the staged description body.
func TestGetIDUploadBodyChunkedTransfer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	connect(t, srv)
	srv.descProvider = fakeDescriptionProvider{body: []byte("ASAP2 descriptor body")}

	resp, err := srv.Handle([]byte{byte(CmdGetID), IDAsamUploadBody})
	if err != nil || resp[0] != RespPositive {
		t.Fatalf("GET_ID: resp=%v err=%v", resp, err)
	}
	size := le32(resp[5:9])
	if int(size) != len("ASAP2 descriptor body") {
		t.Fatalf("expected size %d, got %d", len("ASAP2 descriptor body"), size)
	}

	var got []byte
	for uint32(len(got)) < size {
		n := size - uint32(len(got))
		if n > 8 {
			n = 8
		}
		resp, err := srv.Handle([]byte{byte(CmdUpload), byte(n)})
		if err != nil || resp[0] != RespPositive {
			t.Fatalf("UPLOAD chunk: resp=%v err=%v", resp, err)
		}
		got = append(got, resp[1:]...)
	}
	if string(got) != "ASAP2 descriptor body" {
		t.Fatalf("reassembled description mismatch: %q", got)
	}
}

type fakeDescriptionProvider struct{ body []byte }

func (f fakeDescriptionProvider) Description() []byte { return f.body }
