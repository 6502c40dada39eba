package detect

import (
	"fmt"
	"time"

	"github.com/bigbag/sds011/internal/protocol"
	"github.com/bigbag/sds011/internal/sensor"
	"github.com/bigbag/sds011/internal/serial"
	"github.com/bigbag/sds011/internal/stream"
)

// probeTimeout bounds the wait for a reply on each port.
const probeTimeout = 500 * time.Millisecond

// Result represents a detected SDS011.
type Result struct {
	Port     string
	DeviceID uint16
	Mode     byte
}

// ModeName returns the report mode as text.
func (r Result) ModeName() string {
	return protocol.ModeName(r.Mode)
}

// DetectDevice tries to detect an SDS011 on available ports.
// Returns the first device that answers, or an error.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no SDS011 found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no SDS011 found")
}

// DetectOnPort tries to detect an SDS011 on a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

// ListDevices scans all ports and returns every SDS011 that answers.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	result, err := Probe(port)
	if err != nil {
		return nil, err
	}
	result.Port = portName
	return result, nil
}

// Probe asks whoever listens on t for its report mode. Any SDS011
// answers the broadcast ID with its own ID in the reply.
func Probe(t stream.Transport) (*Result, error) {
	s := sensor.New(t, sensor.WithReplyTimeout(probeTimeout))

	reply, err := s.Command(protocol.SetReportMode, protocol.Read, 0)
	if err != nil {
		return nil, err
	}

	return &Result{DeviceID: reply.DeviceID, Mode: reply.Value}, nil
}
