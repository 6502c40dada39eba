// Package sensor drives an SDS011 over a frame transport.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/bigbag/sds011/internal/protocol"
	"github.com/bigbag/sds011/internal/stream"
)

// DefaultReplyTimeout bounds the wait for a command reply.
const DefaultReplyTimeout = time.Second

// DefaultWarmup is how long the fan runs before a reading is trusted.
const DefaultWarmup = 30 * time.Second

// ProgressCallback is called once per second while warming up.
type ProgressCallback func(elapsed, total time.Duration)

// Sensor issues commands to an SDS011 and reads its measurements.
// A Sensor owns its transport; calls must not be made concurrently.
type Sensor struct {
	t            stream.Transport
	reader       *stream.Reader
	deviceID     uint16
	replyTimeout time.Duration
	readerOpts   []stream.Option
	log          *zap.Logger
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithDeviceID addresses commands to a single device.
func WithDeviceID(id uint16) Option {
	return func(s *Sensor) {
		s.deviceID = id
	}
}

// WithReplyTimeout sets how long to wait for a command reply.
func WithReplyTimeout(d time.Duration) Option {
	return func(s *Sensor) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

// WithReaderOptions passes options to the underlying stream reader.
func WithReaderOptions(opts ...stream.Option) Option {
	return func(s *Sensor) {
		s.readerOpts = append(s.readerOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sensor) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Sensor on the given transport.
func New(t stream.Transport, opts ...Option) *Sensor {
	s := &Sensor{
		t:            t,
		deviceID:     protocol.BroadcastID,
		replyTimeout: DefaultReplyTimeout,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reader = stream.NewReader(t, append([]stream.Option{stream.WithLogger(s.log)}, s.readerOpts...)...)
	return s
}

// DeviceID returns the addressed device.
func (s *Sensor) DeviceID() uint16 {
	return s.deviceID
}

// Exchange sends one command and reads exactly one reply frame.
// A missing reply is reported as protocol.ErrNotAcknowledged.
func (s *Sensor) Exchange(kind protocol.CommandKind, dir protocol.Direction, param int) (protocol.Frame, error) {
	cmd, err := protocol.BuildCommand(kind, dir, param, protocol.WithDeviceID(s.deviceID))
	if err != nil {
		return protocol.Frame{}, err
	}

	// Drop stale reports so the next frame is the reply.
	if err := s.reader.Reset(); err != nil {
		s.log.Warn("flush before command failed", zap.Error(err))
	}

	s.log.Debug("sending command",
		zap.Stringer("cmd", kind),
		zap.Stringer("dir", dir),
		zap.Int("param", param),
		zap.Stringer("frame", cmd),
	)

	if _, err := s.t.Write(cmd.Bytes()); err != nil {
		return protocol.Frame{}, fmt.Errorf("write %s command: %w", kind, err)
	}

	f, _, err := s.reader.ReadFrame(s.replyTimeout)
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return protocol.Frame{}, fmt.Errorf("%s: %w (%w)", kind, protocol.ErrNotAcknowledged, err)
		}
		return protocol.Frame{}, fmt.Errorf("%s reply: %w", kind, err)
	}
	return f, nil
}

// commandAttempts bounds exchanges per command. In active mode a scheduled
// report can arrive between the flush and the reply.
const commandAttempts = 2

// Command performs a non-query exchange and checks the echoed command.
// A measurement frame received instead of the reply causes one more
// exchange.
func (s *Sensor) Command(kind protocol.CommandKind, dir protocol.Direction, param int) (protocol.Reply, error) {
	var err error
	for attempt := 1; attempt <= commandAttempts; attempt++ {
		var f protocol.Frame
		f, err = s.Exchange(kind, dir, param)
		if err != nil {
			return protocol.Reply{}, err
		}

		if f.Command == protocol.CmdNoData {
			err = fmt.Errorf("%s reply: %w: got a measurement frame", kind, protocol.ErrUnexpectedCommand)
			s.log.Debug("report received instead of reply",
				zap.Stringer("cmd", kind),
				zap.Int("attempt", attempt),
			)
			continue
		}

		reply, err := f.Reply()
		if err != nil {
			return protocol.Reply{}, fmt.Errorf("%s reply: %w", kind, err)
		}
		if reply.Kind != kind {
			return protocol.Reply{}, fmt.Errorf("%s reply: %w: echoed %s", kind, protocol.ErrUnexpectedCommand, reply.Kind)
		}
		return reply, nil
	}
	return protocol.Reply{}, err
}

// Query requests a measurement in passive mode.
func (s *Sensor) Query() (protocol.Reading, error) {
	f, err := s.Exchange(protocol.Query, protocol.Read, 0)
	if err != nil {
		return protocol.Reading{}, err
	}
	r, err := f.Reading()
	if err != nil {
		return protocol.Reading{}, fmt.Errorf("query reply: %w", err)
	}
	return r, nil
}

// Read returns the next measurement reported in active mode.
func (s *Sensor) Read() (protocol.Reading, error) {
	return s.reader.Next()
}

// SetReportMode switches between active and passive reporting.
func (s *Sensor) SetReportMode(mode byte) error {
	_, err := s.Command(protocol.SetReportMode, protocol.Write, int(mode))
	return err
}

// ReportMode reads the current report mode.
func (s *Sensor) ReportMode() (byte, error) {
	reply, err := s.Command(protocol.SetReportMode, protocol.Read, 0)
	return reply.Value, err
}

// Sleep stops the fan and laser.
func (s *Sensor) Sleep() error {
	_, err := s.Command(protocol.SetSleep, protocol.Write, protocol.StateSleep)
	return err
}

// Wake starts the fan and laser.
func (s *Sensor) Wake() error {
	_, err := s.Command(protocol.SetSleep, protocol.Write, protocol.StateWork)
	return err
}

// WorkState reads whether the sensor is sleeping or working.
func (s *Sensor) WorkState() (byte, error) {
	reply, err := s.Command(protocol.SetSleep, protocol.Read, 0)
	return reply.Value, err
}

// SetWorkPeriod sets the duty cycle in minutes; 0 means continuous.
func (s *Sensor) SetWorkPeriod(minutes int) error {
	_, err := s.Command(protocol.SetWorkPeriod, protocol.Write, minutes)
	return err
}

// WorkPeriod reads the duty cycle in minutes.
func (s *Sensor) WorkPeriod() (int, error) {
	reply, err := s.Command(protocol.SetWorkPeriod, protocol.Read, 0)
	return int(reply.Value), err
}

// Sample runs one measurement cycle: wake, warm up, query count times,
// put the sensor back to sleep and return the readings.
func (s *Sensor) Sample(ctx context.Context, warmup time.Duration, count int, progress ProgressCallback) ([]protocol.Reading, error) {
	if count <= 0 {
		count = 1
	}

	if err := s.Wake(); err != nil {
		return nil, fmt.Errorf("failed to wake sensor: %w", err)
	}

	readings, err := s.warmupAndQuery(ctx, warmup, count, progress)

	// Always try to stop the fan, even when sampling failed.
	if serr := s.Sleep(); serr != nil {
		s.log.Warn("failed to put sensor to sleep", zap.Error(serr))
		if err == nil {
			err = fmt.Errorf("failed to put sensor to sleep: %w", serr)
		}
	}
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func (s *Sensor) warmupAndQuery(ctx context.Context, warmup time.Duration, count int, progress ProgressCallback) ([]protocol.Reading, error) {
	if err := wait(ctx, warmup, progress); err != nil {
		return nil, err
	}

	readings := make([]protocol.Reading, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.Query()
		if err != nil {
			return nil, fmt.Errorf("query %d/%d failed: %w", i+1, count, err)
		}
		s.log.Debug("reading", zap.Float64("pm25", r.PM25), zap.Float64("pm10", r.PM10))
		readings = append(readings, r)
	}
	return readings, nil
}

// wait sleeps for d, reporting progress every second.
func wait(ctx context.Context, d time.Duration, progress ProgressCallback) error {
	if d <= 0 {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	timer := time.NewTimer(d)
	defer timer.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if progress != nil {
				progress(d, d)
			}
			return nil
		case <-ticker.C:
			if progress != nil {
				progress(min(time.Since(start), d), d)
			}
		}
	}
}

// Mean averages readings channel by channel.
func Mean(readings []protocol.Reading) protocol.Reading {
	if len(readings) == 0 {
		return protocol.Reading{}
	}
	pm25 := make([]float64, len(readings))
	pm10 := make([]float64, len(readings))
	for i, r := range readings {
		pm25[i] = r.PM25
		pm10[i] = r.PM10
	}
	return protocol.Reading{PM25: stat.Mean(pm25, nil), PM10: stat.Mean(pm10, nil)}
}
