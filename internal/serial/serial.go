package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/bigbag/sds011/internal/protocol"
)

// pollInterval is the port read timeout between deadline checks.
const pollInterval = 100 * time.Millisecond

// Port wraps a serial port as a frame transport for the SDS011.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate (8N1).
func Open(portName string, baudRate int) (*Port, error) {
	if baudRate <= 0 {
		baudRate = protocol.DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	// Set read timeout
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes the whole of data to the serial port and waits until it is
// transmitted.
func (p *Port) Write(data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := p.port.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, errors.New("serial write made no progress")
		}
	}
	return written, p.port.Drain()
}

// ReadByte reads a single byte, waiting at most timeout.
func (p *Port) ReadByte(timeout time.Duration) (byte, error) {
	buf, err := p.ReadFull(1, timeout)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadFull reads exactly n bytes, waiting at most timeout. On timeout the
// bytes read so far are returned with protocol.ErrTimeout.
func (p *Port) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, n)
	got := 0

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf[:got], fmt.Errorf("%w: read %d/%d bytes from %s", protocol.ErrTimeout, got, n, p.portName)
		}
		if err := p.port.SetReadTimeout(min(remaining, pollInterval)); err != nil {
			return buf[:got], err
		}

		// A zero-length read with nil error means the read timeout elapsed.
		m, err := p.port.Read(buf[got:])
		got += m
		if err != nil {
			return buf[:got], fmt.Errorf("read %s: %w", p.portName, err)
		}
	}

	return buf, nil
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
