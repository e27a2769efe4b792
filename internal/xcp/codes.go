// Package xcp implements the protocol state machine (component C6): command
// dispatch, response framing, the calibration/DAQ memory-access routing
// through the address model, and the clock used for GET_DAQ_CLOCK.
package xcp

// Command is one XCP command code (spec §6.2, the subset the core
// implements).
type Command byte

const (
	CmdConnect                 Command = 0xFF
	CmdDisconnect              Command = 0xFE
	CmdSync                    Command = 0xFC
	CmdGetCommModeInfo         Command = 0xFB
	CmdGetID                   Command = 0xFA
	CmdSetMTA                  Command = 0xF6
	CmdUpload                  Command = 0xF5
	CmdShortUpload             Command = 0xF4
	CmdUser                    Command = 0xF1
	CmdDownload                Command = 0xF0
	CmdShortDownload           Command = 0xED
	CmdSetCalPage              Command = 0xEB
	CmdGetCalPage              Command = 0xEA
	CmdGetPageProcessorInfo    Command = 0xE9
	CmdGetSegmentInfo          Command = 0xE8
	CmdSetDaqPtr               Command = 0xE2
	CmdWriteDaq                Command = 0xE1
	CmdSetDaqListMode          Command = 0xE0
	CmdStartStopDaqList        Command = 0xDE
	CmdStartStopSynch          Command = 0xDD
	CmdGetDaqClock             Command = 0xDC
	CmdGetDaqProcessorInfo     Command = 0xDA
	CmdGetDaqResolutionInfo    Command = 0xD9
	CmdGetDaqEventInfo         Command = 0xD7
	CmdFreeDaq                 Command = 0xD6
	CmdAllocDaq                Command = 0xD5
	CmdAllocOdt                Command = 0xD4
	CmdAllocOdtEntry           Command = 0xD3
	CmdTimeCorrelationProperties Command = 0xC6
	CmdGetVersion              Command = 0xC0
	CmdNop                     Command = 0xC1
)

// Response packet type tags (spec §6.1).
const (
	RespPositive byte = 0xFF
	RespNegative byte = 0xFE
	RespEvent    byte = 0xFD
	RespService  byte = 0xFC
)

// Event codes carried in a 0xFD event packet.
const (
	EventSessionTerminated byte = 0x07
)

// USER command sub-codes, used to bracket a calibration MODIFY transaction
// (spec §4.2). Payload: [CmdUser, sub, segIndexLo, segIndexHi] for Begin;
// [CmdUser, sub] for End.
const (
	UserModifyBegin byte = 0x01
	UserModifyEnd   byte = 0x02
)

// GET_ID identification string kinds (spec §6.4).
const (
	IDShortName      byte = 0
	IDAsamName       byte = 1
	IDAsamPath       byte = 2
	IDAsamURL        byte = 3
	IDAsamUploadBody byte = 4
	IDEpk            byte = 5
)

// Calibration page selector, as carried in SET_CAL_PAGE/GET_CAL_PAGE.
const (
	PageSelectRAM   byte = 0 // working page
	PageSelectFlash byte = 1 // default page
)

// SET_CAL_PAGE mode bit: apply to all segments rather than one.
const ModeAll byte = 0x01
