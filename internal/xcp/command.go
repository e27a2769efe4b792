package xcp

import (
	"encoding/binary"
	"fmt"

	"github.com/xcplite/mccore/internal/calseg"
)

// Handle decodes and dispatches one command packet, returning the response
// packet to send back (spec §4.6, §6.1). A returned error indicates an
// internal invariant was violated and the caller should abort the session
// rather than attempt to send a response; recoverable protocol errors are
// always encoded into the returned response as a 0xFE negative reply.
func (s *Server) Handle(pkt []byte) ([]byte, error) {
	if len(pkt) == 0 {
		return nil, fmt.Errorf("xcp: empty command packet")
	}
	cmd := Command(pkt[0])
	body := pkt[1:]

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateDisconnected && cmd != CmdConnect {
		return negResp(CmdUnknown), nil
	}

	var xerr *XcpError
	var resp []byte

	switch cmd {
	case CmdConnect:
		resp, xerr = s.cmdConnect(body)
	case CmdDisconnect:
		resp, xerr = s.cmdDisconnect(body)
	case CmdSync:
		resp = posResp()
	case CmdGetCommModeInfo:
		resp, xerr = s.cmdGetCommModeInfo()
	case CmdGetID:
		resp, xerr = s.cmdGetID(body)
	case CmdSetMTA:
		resp, xerr = s.cmdSetMTA(body)
	case CmdUpload:
		resp, xerr = s.cmdUpload(body)
	case CmdShortUpload:
		resp, xerr = s.cmdShortUpload(body)
	case CmdUser:
		resp, xerr = s.cmdUser(body)
	case CmdDownload:
		resp, xerr = s.cmdDownload(body)
	case CmdShortDownload:
		resp, xerr = s.cmdShortDownload(body)
	case CmdSetCalPage:
		resp, xerr = s.cmdSetCalPage(body)
	case CmdGetCalPage:
		resp, xerr = s.cmdGetCalPage(body)
	case CmdGetPageProcessorInfo:
		resp, xerr = s.cmdGetPageProcessorInfo()
	case CmdGetSegmentInfo:
		resp, xerr = s.cmdGetSegmentInfo(body)
	case CmdSetDaqPtr:
		resp, xerr = s.cmdSetDaqPtr(body)
	case CmdWriteDaq:
		resp, xerr = s.cmdWriteDaq(body)
	case CmdSetDaqListMode:
		resp, xerr = s.cmdSetDaqListMode(body)
	case CmdStartStopDaqList:
		resp, xerr = s.cmdStartStopDaqList(body)
	case CmdStartStopSynch:
		resp, xerr = s.cmdStartStopSynch(body)
	case CmdGetDaqClock:
		resp = s.cmdGetDaqClock()
	case CmdGetDaqProcessorInfo:
		resp = s.cmdGetDaqProcessorInfo()
	case CmdGetDaqResolutionInfo:
		resp = s.cmdGetDaqResolutionInfo()
	case CmdGetDaqEventInfo:
		resp, xerr = s.cmdGetDaqEventInfo(body)
	case CmdFreeDaq:
		s.daqCfg.FreeDaq()
		resp = posResp()
	case CmdAllocDaq:
		resp, xerr = s.cmdAllocDaq(body)
	case CmdAllocOdt:
		resp, xerr = s.cmdAllocOdt(body)
	case CmdAllocOdtEntry:
		resp, xerr = s.cmdAllocOdtEntry(body)
	case CmdTimeCorrelationProperties:
		resp = s.cmdTimeCorrelationProperties(body)
	case CmdGetVersion:
		resp = []byte{RespPositive, 0x01, 0x01, 0x01, 0x01}
	case CmdNop:
		resp = posResp()
	default:
		resp = negResp(CmdUnknown)
	}

	if xerr != nil {
		s.logger.Debug("xcp: command failed", "cmd", cmd, "kind", xerr.Kind.String(), "msg", xerr.Msg)
		return negResp(byte(xerr.Kind)), nil
	}
	return resp, nil
}

func posResp(payload ...byte) []byte {
	return append([]byte{RespPositive}, payload...)
}

func negResp(kind byte) []byte {
	return []byte{RespNegative, kind}
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func putLE16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func putLE32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func putLE64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// cmdConnect implements CONNECT: transitions Disconnected -> Connected and
// reports the resource/capability byte plus the configured CTO/DTO sizes
// (spec §4.6).
func (s *Server) cmdConnect(body []byte) ([]byte, *XcpError) {
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()

	resource := byte(0x05) // calibration/paging (bit0) + DAQ (bit2)
	commModeBasic := byte(0x00)
	return posResp(resource, commModeBasic, s.maxCTO, byte(s.maxDTO), byte(s.maxDTO>>8), 0x01, 0x00), nil
}

// cmdDisconnect implements DISCONNECT: tears down DAQ and returns to
// Disconnected.
func (s *Server) cmdDisconnect(body []byte) ([]byte, *XcpError) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.daqCfg.FreeDaq()
	return posResp(), nil
}

func (s *Server) cmdGetCommModeInfo() ([]byte, *XcpError) {
	return posResp(0x00, 0x00, 0x00, 0x00, byte(s.maxCTO), 0x00, 0x01), nil
}

// cmdGetID implements GET_ID for the kinds the core knows how to serve
// (spec §6.4, §8 scenario F). IDAsamUploadBody stages the description
// provider's output for a subsequent chunked UPLOAD.
func (s *Server) cmdGetID(body []byte) ([]byte, *XcpError) {
	if len(body) < 1 {
		return nil, Fail(CmdSyntax, "GET_ID missing kind byte")
	}
	kind := body[0]

	var data []byte
	switch kind {
	case IDShortName, IDAsamName:
		data = []byte(s.reg.AppInfo().Name)
	case IDAsamUploadBody:
		if s.descProvider == nil {
			return nil, Fail(AccessDenied, "no description provider configured")
		}
		data = s.descProvider.Description()
	case IDEpk:
		data = []byte(s.reg.AppInfo().EPK)
	default:
		return nil, Fail(OutOfRange, "unsupported GET_ID kind %d", kind)
	}

	s.mu.Lock()
	s.descBuf = data
	s.mta = mtaCursor{ext: extDescription, addr: 0}
	s.mu.Unlock()

	mode := byte(0x01) // upload is available via subsequent UPLOAD commands
	return posResp(append([]byte{mode, 0, 0, 0}, putLE32(uint32(len(data)))...)...), nil
}

// cmdSetMTA implements SET_MTA: repositions the memory transfer cursor
// used by subsequent UPLOAD/DOWNLOAD commands.
func (s *Server) cmdSetMTA(body []byte) ([]byte, *XcpError) {
	if len(body) < 8 {
		return nil, Fail(CmdSyntax, "SET_MTA short payload")
	}
	ext := body[3]
	addr := le32(body[4:8])
	s.mu.Lock()
	s.mta = mtaCursor{ext: ext, addr: addr}
	s.mu.Unlock()
	return posResp(), nil
}

// cmdUpload implements UPLOAD: reads n bytes at the MTA cursor and
// advances it.
func (s *Server) cmdUpload(body []byte) ([]byte, *XcpError) {
	if len(body) < 1 {
		return nil, Fail(CmdSyntax, "UPLOAD missing length byte")
	}
	n := uint16(body[0])

	s.mu.Lock()
	mta := s.mta
	s.mu.Unlock()

	data, xerr := s.readAtMTA(mta, n)
	if xerr != nil {
		return nil, xerr
	}

	s.mu.Lock()
	s.mta.addr += uint32(n)
	s.mu.Unlock()

	return posResp(data...), nil
}

func (s *Server) readAtMTA(mta mtaCursor, n uint16) ([]byte, *XcpError) {
	if mta.ext == extDescription {
		start := mta.addr
		if uint32(start)+uint32(n) > uint32(len(s.descBuf)) {
			return nil, Fail(OutOfRange, "description upload past end of buffer")
		}
		return s.descBuf[start : start+uint32(n)], nil
	}
	data, err := s.Read(mta.ext, mta.addr, n)
	if err != nil {
		return nil, Fail(AccessDenied, "%v", err)
	}
	return data, nil
}

// cmdShortUpload implements SHORT_UPLOAD: a one-shot read of (ext, addr)
// that does not touch the MTA cursor.
func (s *Server) cmdShortUpload(body []byte) ([]byte, *XcpError) {
	if len(body) < 6 {
		return nil, Fail(CmdSyntax, "SHORT_UPLOAD short payload")
	}
	n := uint16(body[0])
	ext := body[1]
	addr := le32(body[2:6])
	data, xerr := s.readAtMTA(mtaCursor{ext: ext, addr: addr}, n)
	if xerr != nil {
		return nil, xerr
	}
	return posResp(data...), nil
}

// cmdUser implements the USER-command bracketing of a calibration
// MODIFY_BEGIN/MODIFY_END transaction (spec §4.2).
func (s *Server) cmdUser(body []byte) ([]byte, *XcpError) {
	if len(body) < 1 {
		return nil, Fail(CmdSyntax, "USER missing sub-code")
	}
	switch body[0] {
	case UserModifyBegin:
		if len(body) < 3 {
			return nil, Fail(CmdSyntax, "USER MODIFY_BEGIN missing segment index")
		}
		segIndex := le16(body[1:3])
		seg, err := s.cal.GetByIndex(segIndex)
		if err != nil {
			return nil, Fail(SegmentNotValid, "%v", err)
		}
		s.mu.Lock()
		if s.modifySeg != nil {
			s.mu.Unlock()
			return nil, Fail(Sequence, "a MODIFY_BEGIN transaction is already open")
		}
		s.modifySeg = seg
		s.mu.Unlock()
		seg.BeginModify()
		return posResp(), nil
	case UserModifyEnd:
		s.mu.Lock()
		seg := s.modifySeg
		s.modifySeg = nil
		s.mu.Unlock()
		if seg == nil {
			return nil, Fail(Sequence, "MODIFY_END without a matching MODIFY_BEGIN")
		}
		seg.EndModify()
		return posResp(), nil
	default:
		return nil, Fail(SubCmdUnknown, "unknown USER sub-code %d", body[0])
	}
}

// cmdDownload implements DOWNLOAD: writes the payload at the MTA cursor
// and advances it.
func (s *Server) cmdDownload(body []byte) ([]byte, *XcpError) {
	if len(body) < 1 {
		return nil, Fail(CmdSyntax, "DOWNLOAD missing length byte")
	}
	n := int(body[0])
	if len(body) < 1+n {
		return nil, Fail(CmdSyntax, "DOWNLOAD payload shorter than declared length")
	}
	data := body[1 : 1+n]

	s.mu.Lock()
	mta := s.mta
	s.mu.Unlock()

	if xerr := s.writeMemory(mta.ext, mta.addr, data); xerr != nil {
		return nil, xerr
	}

	s.mu.Lock()
	s.mta.addr += uint32(n)
	s.mu.Unlock()

	return posResp(), nil
}

// cmdShortDownload implements SHORT_DOWNLOAD: a one-shot write to (ext,
// addr) that does not touch the MTA cursor.
func (s *Server) cmdShortDownload(body []byte) ([]byte, *XcpError) {
	if len(body) < 6 {
		return nil, Fail(CmdSyntax, "SHORT_DOWNLOAD short payload")
	}
	n := int(body[0])
	ext := body[1]
	addr := le32(body[2:6])
	if len(body) < 6+n {
		return nil, Fail(CmdSyntax, "SHORT_DOWNLOAD payload shorter than declared length")
	}
	data := body[6 : 6+n]
	if xerr := s.writeMemory(ext, addr, data); xerr != nil {
		return nil, xerr
	}
	return posResp(), nil
}

// cmdSetCalPage implements SET_CAL_PAGE: selects which page a segment (or,
// with ModeAll set, every segment) serves to Read (spec §8 scenario A).
func (s *Server) cmdSetCalPage(body []byte) ([]byte, *XcpError) {
	if len(body) < 4 {
		return nil, Fail(CmdSyntax, "SET_CAL_PAGE short payload")
	}
	mode := body[0]
	segIndex := le16(body[1:3])
	page := calseg.Page(body[3])
	if page != calseg.PageWorking && page != calseg.PageDefault {
		return nil, Fail(ModeNotValid, "invalid page selector %d", body[3])
	}

	if mode&ModeAll != 0 {
		s.cal.SetPageAll(page)
		return posResp(), nil
	}

	seg, err := s.cal.GetByIndex(segIndex)
	if err != nil {
		return nil, Fail(SegmentNotValid, "%v", err)
	}
	seg.SetPage(page)
	return posResp(), nil
}

// cmdGetCalPage implements GET_CAL_PAGE.
func (s *Server) cmdGetCalPage(body []byte) ([]byte, *XcpError) {
	if len(body) < 3 {
		return nil, Fail(CmdSyntax, "GET_CAL_PAGE short payload")
	}
	segIndex := le16(body[1:3])
	seg, err := s.cal.GetByIndex(segIndex)
	if err != nil {
		return nil, Fail(SegmentNotValid, "%v", err)
	}
	return posResp(0x00, byte(seg.SelectedPage())), nil
}

func (s *Server) cmdGetPageProcessorInfo() ([]byte, *XcpError) {
	n := len(s.reg.CalSegs())
	return posResp(byte(n), 0x01), nil
}

// cmdGetSegmentInfo reports the size of a calibration segment by wire
// index.
func (s *Server) cmdGetSegmentInfo(body []byte) ([]byte, *XcpError) {
	if len(body) < 3 {
		return nil, Fail(CmdSyntax, "GET_SEGMENT_INFO short payload")
	}
	segIndex := le16(body[1:3])
	desc, ok := s.reg.FindCalSegByIndex(segIndex)
	if !ok {
		return nil, Fail(SegmentNotValid, "segment index %d not found", segIndex)
	}
	return posResp(putLE32(desc.Size)...), nil
}

func (s *Server) cmdSetDaqPtr(body []byte) ([]byte, *XcpError) {
	if len(body) < 4 {
		return nil, Fail(CmdSyntax, "SET_DAQ_PTR short payload")
	}
	daqID := le16(body[0:2])
	odt := body[2]
	entry := body[3]
	if err := s.daqCfg.SetDaqPtr(daqID, odt, entry); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdWriteDaq(body []byte) ([]byte, *XcpError) {
	if len(body) < 7 {
		return nil, Fail(CmdSyntax, "WRITE_DAQ short payload")
	}
	size := uint16(body[1])
	ext := body[2]
	addr := le32(body[3:7])
	if err := s.daqCfg.WriteDaq(ext, addr, size); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdSetDaqListMode(body []byte) ([]byte, *XcpError) {
	if len(body) < 4 {
		return nil, Fail(CmdSyntax, "SET_DAQ_LIST_MODE short payload")
	}
	daqID := le16(body[0:2])
	eventID := le16(body[2:4])
	if err := s.daqCfg.SetDaqListMode(daqID, eventID); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdStartStopDaqList(body []byte) ([]byte, *XcpError) {
	if len(body) < 3 {
		return nil, Fail(CmdSyntax, "START_STOP_DAQ_LIST short payload")
	}
	mode := body[0]
	daqID := le16(body[1:3])
	if err := s.daqCfg.StartStopDaqList(daqID, mode != 0); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdStartStopSynch(body []byte) ([]byte, *XcpError) {
	if len(body) < 1 {
		return nil, Fail(CmdSyntax, "START_STOP_SYNCH short payload")
	}
	start := body[0] == 0x01
	s.daqCfg.StartStopSynch(start)

	s.mu.Lock()
	if start {
		s.state = StateMeasuring
	} else if s.state == StateMeasuring {
		s.state = StateConnected
	}
	s.mu.Unlock()
	return posResp(), nil
}

// cmdGetDaqClock reports the server's full 64-bit DAQ clock (spec §4.6),
// not the truncated 32-bit tick stamped into triggered frames.
func (s *Server) cmdGetDaqClock() []byte {
	return posResp(append([]byte{0x00, 0x00, 0x00}, putLE64(s.clock.Now64())...)...)
}

func (s *Server) cmdGetDaqProcessorInfo() []byte {
	return posResp(0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
}

func (s *Server) cmdGetDaqResolutionInfo() []byte {
	return posResp(0x01, 0x01, 0x01, 0x01, 0x01, 0x00, 0x00)
}

// cmdGetDaqEventInfo looks up an event by id and reports its name length
// and id; the cycle time is not part of the response.
func (s *Server) cmdGetDaqEventInfo(body []byte) ([]byte, *XcpError) {
	if len(body) < 3 {
		return nil, Fail(CmdSyntax, "GET_DAQ_EVENT_INFO short payload")
	}
	eventID := le16(body[1:3])
	ev, ok := s.reg.FindEventByID(eventID)
	if !ok {
		return nil, Fail(OutOfRange, "unknown event id %d", eventID)
	}
	return posResp(0x00, byte(len(ev.Name)), 0x00, 0x00, byte(eventID), byte(eventID>>8)), nil
}

func (s *Server) cmdAllocDaq(body []byte) ([]byte, *XcpError) {
	if len(body) < 4 {
		return nil, Fail(CmdSyntax, "ALLOC_DAQ short payload")
	}
	n := le16(body[2:4])
	if err := s.daqCfg.AllocDaq(n); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdAllocOdt(body []byte) ([]byte, *XcpError) {
	if len(body) < 5 {
		return nil, Fail(CmdSyntax, "ALLOC_ODT short payload")
	}
	daqID := le16(body[0:2])
	n := body[4]
	if err := s.daqCfg.AllocOdt(daqID, n); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdAllocOdtEntry(body []byte) ([]byte, *XcpError) {
	if len(body) < 6 {
		return nil, Fail(CmdSyntax, "ALLOC_ODT_ENTRY short payload")
	}
	daqID := le16(body[0:2])
	odt := body[2]
	n := body[5]
	if err := s.daqCfg.AllocOdtEntries(daqID, odt, n); err != nil {
		return nil, Fail(DaqConfig, "%v", err)
	}
	return posResp(), nil
}

func (s *Server) cmdTimeCorrelationProperties(body []byte) []byte {
	return posResp(0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
}
