package xcp

import "fmt"

// ErrorKind is one of the negative-response error kinds of spec §7, with
// wire values matching the ASAM XCP standard error code table.
type ErrorKind byte

const (
	CmdSynch                       ErrorKind = 0x00
	CmdBusy                        ErrorKind = 0x10
	DaqActive                      ErrorKind = 0x11
	PgmActive                      ErrorKind = 0x12
	CmdUnknown                     ErrorKind = 0x20
	CmdSyntax                      ErrorKind = 0x21
	OutOfRange                     ErrorKind = 0x22
	WriteProtected                 ErrorKind = 0x23
	AccessDenied                   ErrorKind = 0x24
	AccessLocked                   ErrorKind = 0x25
	PageNotValid                   ErrorKind = 0x26
	ModeNotValid                   ErrorKind = 0x27
	SegmentNotValid                ErrorKind = 0x28
	Sequence                       ErrorKind = 0x29
	DaqConfig                      ErrorKind = 0x2A
	MemoryOverflow                 ErrorKind = 0x30
	Generic                        ErrorKind = 0x31
	Verify                         ErrorKind = 0x32
	ResourceTemporaryNotAccessible ErrorKind = 0x33
	SubCmdUnknown                  ErrorKind = 0x34
	TimecorrStateChange            ErrorKind = 0x35
)

func (k ErrorKind) String() string {
	switch k {
	case CmdSynch:
		return "CMD_SYNCH"
	case CmdBusy:
		return "CMD_BUSY"
	case DaqActive:
		return "DAQ_ACTIVE"
	case PgmActive:
		return "PGM_ACTIVE"
	case CmdUnknown:
		return "CMD_UNKNOWN"
	case CmdSyntax:
		return "CMD_SYNTAX"
	case OutOfRange:
		return "OUT_OF_RANGE"
	case WriteProtected:
		return "WRITE_PROTECTED"
	case AccessDenied:
		return "ACCESS_DENIED"
	case AccessLocked:
		return "ACCESS_LOCKED"
	case PageNotValid:
		return "PAGE_NOT_VALID"
	case ModeNotValid:
		return "MODE_NOT_VALID"
	case SegmentNotValid:
		return "SEGMENT_NOT_VALID"
	case Sequence:
		return "SEQUENCE"
	case DaqConfig:
		return "DAQ_CONFIG"
	case MemoryOverflow:
		return "MEMORY_OVERFLOW"
	case Generic:
		return "GENERIC"
	case Verify:
		return "VERIFY"
	case ResourceTemporaryNotAccessible:
		return "RESOURCE_TEMPORARY_NOT_ACCESSIBLE"
	case SubCmdUnknown:
		return "SUBCMD_UNKNOWN"
	case TimecorrStateChange:
		return "TIMECORR_STATE_CHANGE"
	default:
		return fmt.Sprintf("ErrorKind(0x%02X)", byte(k))
	}
}

// XcpError is a recoverable protocol error translated to a negative
// response (spec §7). Internal invariant violations are not XcpError —
// Server.Handle returns them as a plain error, signaling the caller to
// abort the session rather than reply.
type XcpError struct {
	Kind ErrorKind
	Msg  string
}

func (e *XcpError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Fail builds an XcpError of the given kind.
func Fail(kind ErrorKind, format string, args ...any) *XcpError {
	return &XcpError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
