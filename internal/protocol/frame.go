package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CommandFrame is an outbound command in wire format.
type CommandFrame [CommandFrameSize]byte

// Bytes returns the wire bytes of the frame.
func (f CommandFrame) Bytes() []byte {
	b := make([]byte, CommandFrameSize)
	copy(b, f[:])
	return b
}

// Kind returns the command carried by the frame.
func (f CommandFrame) Kind() CommandKind {
	return CommandKind(f[2])
}

// DeviceID returns the addressed device.
func (f CommandFrame) DeviceID() uint16 {
	return binary.BigEndian.Uint16(f[15:17])
}

// String formats the frame as hex bytes.
func (f CommandFrame) String() string {
	return fmt.Sprintf("% X", f[:])
}

// Frame is a validated inbound frame.
type Frame struct {
	Command  byte
	Data     [4]byte
	DeviceID uint16
}

// Reading is a particulate matter measurement in µg/m³.
type Reading struct {
	PM25 float64 `json:"pm25"`
	PM10 float64 `json:"pm10"`
}

// String formats the reading for display.
func (r Reading) String() string {
	return fmt.Sprintf("PM2.5=%.1f µg/m³ PM10=%.1f µg/m³", r.PM25, r.PM10)
}

// Reply is a decoded acknowledgement of a non-query command.
type Reply struct {
	Kind      CommandKind
	Direction Direction
	Value     byte
	DeviceID  uint16
}

type commandOptions struct {
	deviceID uint16
}

// CommandOption customizes BuildCommand.
type CommandOption func(*commandOptions)

// WithDeviceID addresses the command to a single device instead of broadcasting.
func WithDeviceID(id uint16) CommandOption {
	return func(o *commandOptions) {
		o.deviceID = id
	}
}

// Checksum is the sum of b modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// BuildCommand creates a command frame with calculated checksum.
//
// param is the report mode (ModeActive/ModePassive) for SetReportMode, the
// work state (StateSleep/StateWork) for SetSleep and the period in minutes
// for SetWorkPeriod. Query ignores dir and param.
func BuildCommand(kind CommandKind, dir Direction, param int, opts ...CommandOption) (CommandFrame, error) {
	var f CommandFrame

	o := commandOptions{deviceID: BroadcastID}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := commandPayload(kind, dir, param)
	if err != nil {
		return f, err
	}

	// Frame format:
	// 0: head
	// 1: command marker
	// 2-14: command ID + 12 parameter bytes
	// 15-16: device ID (big-endian)
	// 17: checksum of bytes 2-16
	// 18: tail
	f[0] = Head
	f[1] = CmdMarker
	copy(f[2:2+payloadSize], payload[:])
	binary.BigEndian.PutUint16(f[15:17], o.deviceID)
	f[17] = Checksum(f[2:17])
	f[18] = Tail

	return f, nil
}

func commandPayload(kind CommandKind, dir Direction, param int) ([payloadSize]byte, error) {
	var p [payloadSize]byte
	p[0] = byte(kind)

	if kind == Query {
		return p, nil
	}

	if dir != Read && dir != Write {
		return p, fmt.Errorf("%w: direction 0x%02X", ErrInvalidParameter, byte(dir))
	}

	switch kind {
	case SetReportMode, SetSleep:
		if param != 0 && param != 1 {
			return p, fmt.Errorf("%w: %s value %d", ErrInvalidParameter, kind, param)
		}
	case SetWorkPeriod:
		if param < 0 || param > MaxWorkPeriod {
			return p, fmt.Errorf("%w: work period %d outside 0..%d", ErrInvalidParameter, param, MaxWorkPeriod)
		}
	default:
		return p, fmt.Errorf("%w: command %s", ErrInvalidParameter, kind)
	}

	p[1] = byte(dir)
	p[2] = byte(param)
	return p, nil
}

// ParseFrame validates a raw 10-byte inbound frame.
func ParseFrame(raw []byte) (Frame, error) {
	// Frame format:
	// 0: head
	// 1: command number
	// 2-5: data
	// 6-7: device ID
	// 8: checksum of bytes 2-7
	// 9: tail
	if len(raw) != DataFrameSize {
		return Frame{}, fmt.Errorf("%w: length %d", ErrMalformedFrame, len(raw))
	}
	if raw[0] != Head {
		return Frame{}, fmt.Errorf("%w: head 0x%02X", ErrMalformedFrame, raw[0])
	}

	if sum := Checksum(raw[2:8]); sum != raw[8] {
		return Frame{}, fmt.Errorf("%w: computed 0x%02X, frame 0x%02X", ErrChecksumMismatch, sum, raw[8])
	}

	if raw[9] != Tail {
		return Frame{}, fmt.Errorf("%w: tail 0x%02X", ErrMalformedFrame, raw[9])
	}

	f := Frame{
		Command:  raw[1],
		DeviceID: binary.BigEndian.Uint16(raw[6:8]),
	}
	copy(f.Data[:], raw[2:6])
	return f, nil
}

// ParseDataFrame validates a measurement frame and decodes its reading.
func ParseDataFrame(raw []byte) (Reading, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return Reading{}, err
	}
	return f.Reading()
}

// ParseReply validates a command reply frame and decodes it.
func ParseReply(raw []byte) (Reply, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return Reply{}, err
	}
	return f.Reply()
}

// Reading decodes a measurement frame.
func (f Frame) Reading() (Reading, error) {
	if f.Command != CmdNoData {
		return Reading{}, fmt.Errorf("%w: 0x%02X, want 0x%02X", ErrUnexpectedCommand, f.Command, CmdNoData)
	}
	return Reading{
		PM25: float64(binary.LittleEndian.Uint16(f.Data[0:2])) / 10.0,
		PM10: float64(binary.LittleEndian.Uint16(f.Data[2:4])) / 10.0,
	}, nil
}

// Reply decodes a command reply frame.
func (f Frame) Reply() (Reply, error) {
	if f.Command != CmdNoReply {
		return Reply{}, fmt.Errorf("%w: 0x%02X, want 0x%02X", ErrUnexpectedCommand, f.Command, CmdNoReply)
	}
	return Reply{
		Kind:      CommandKind(f.Data[0]),
		Direction: Direction(f.Data[1]),
		Value:     f.Data[2],
		DeviceID:  f.DeviceID,
	}, nil
}

// EncodeDataFrame builds the measurement frame the sensor would emit for r.
// Values are clamped to the 16-bit register range.
func EncodeDataFrame(r Reading, deviceID uint16) []byte {
	raw := make([]byte, DataFrameSize)
	raw[0] = Head
	raw[1] = CmdNoData
	binary.LittleEndian.PutUint16(raw[2:4], register(r.PM25))
	binary.LittleEndian.PutUint16(raw[4:6], register(r.PM10))
	binary.BigEndian.PutUint16(raw[6:8], deviceID)
	raw[8] = Checksum(raw[2:8])
	raw[9] = Tail
	return raw
}

// EncodeReply builds the acknowledgement the sensor would emit for a command.
func EncodeReply(r Reply) []byte {
	raw := make([]byte, DataFrameSize)
	raw[0] = Head
	raw[1] = CmdNoReply
	raw[2] = byte(r.Kind)
	raw[3] = byte(r.Direction)
	raw[4] = r.Value
	binary.BigEndian.PutUint16(raw[6:8], r.DeviceID)
	raw[8] = Checksum(raw[2:8])
	raw[9] = Tail
	return raw
}

func register(v float64) uint16 {
	scaled := math.Round(v * 10)
	switch {
	case scaled <= 0:
		return 0
	case scaled >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(scaled)
}
