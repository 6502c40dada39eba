package protocol

import "fmt"

// Frame sentinels and command markers
const (
	Head = 0xAA
	Tail = 0xAB

	// CmdMarker is the second byte of every outbound command frame.
	CmdMarker = 0xB4

	// CmdNoData marks a measurement frame (query reply or active report).
	CmdNoData = 0xC0
	// CmdNoReply marks a reply to a non-query command.
	CmdNoReply = 0xC5
)

// Frame sizes
const (
	CommandFrameSize = 19
	DataFrameSize    = 10

	// payloadSize is the command ID byte plus 12 zero-padded parameter bytes.
	payloadSize = 13
)

// BroadcastID addresses every sensor on the line.
const BroadcastID uint16 = 0xFFFF

// MaxWorkPeriod is the longest work period in minutes the sensor accepts.
const MaxWorkPeriod = 30

// CommandKind selects one of the sensor commands.
type CommandKind byte

const (
	SetReportMode CommandKind = 0x02
	Query         CommandKind = 0x04
	SetSleep      CommandKind = 0x06
	SetWorkPeriod CommandKind = 0x08
)

// String returns human-readable name for the command.
func (k CommandKind) String() string {
	switch k {
	case SetReportMode:
		return "report-mode"
	case Query:
		return "query"
	case SetSleep:
		return "sleep"
	case SetWorkPeriod:
		return "work-period"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(k))
	}
}

// Valid reports whether k is one of the known commands.
func (k CommandKind) Valid() bool {
	switch k {
	case SetReportMode, Query, SetSleep, SetWorkPeriod:
		return true
	}
	return false
}

// Direction tells the sensor whether to report or change a setting.
type Direction byte

const (
	Read  Direction = 0x00
	Write Direction = 0x01
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Report mode values
const (
	ModeActive  = 0x00
	ModePassive = 0x01
)

// Work state values
const (
	StateSleep = 0x00
	StateWork  = 0x01
)

// ModeName returns human-readable name for a report mode value.
func ModeName(v byte) string {
	switch v {
	case ModeActive:
		return "active"
	case ModePassive:
		return "passive"
	default:
		return "unknown"
	}
}

// StateName returns human-readable name for a work state value.
func StateName(v byte) string {
	switch v {
	case StateSleep:
		return "sleep"
	case StateWork:
		return "work"
	default:
		return "unknown"
	}
}

// Serial defaults
const (
	DefaultBaudRate = 9600
	DefaultPort     = "/dev/ttyUSB0"
)
