// Package sink delivers finished measurements to their destinations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bigbag/sds011/internal/protocol"
)

// Unit is the concentration unit of every measurement.
const Unit = "µg/m³"

// Measurement is a reading stamped with its origin and time.
type Measurement struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uint16    `json:"device_id"`
	PM25     float64   `json:"pm25"`
	PM10     float64   `json:"pm10"`
	Unit     string    `json:"unit"`
	Time     time.Time `json:"timestamp"`
}

// NewMeasurement stamps r with a fresh ID and the current time.
func NewMeasurement(r protocol.Reading, deviceID uint16) Measurement {
	return Measurement{
		ID:       uuid.New(),
		DeviceID: deviceID,
		PM25:     r.PM25,
		PM10:     r.PM10,
		Unit:     Unit,
		Time:     time.Now().UTC(),
	}
}

// Reading returns the measured values.
func (m Measurement) Reading() protocol.Reading {
	return protocol.Reading{PM25: m.PM25, PM10: m.PM10}
}

// Sink accepts finished measurements.
type Sink interface {
	Push(ctx context.Context, m Measurement) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, m Measurement) error

// Push calls f.
func (f Func) Push(ctx context.Context, m Measurement) error {
	return f(ctx, m)
}

// Named labels a sink in errors and logs.
type Named struct {
	Name string
	Sink Sink
}

// Multi fans a measurement out to every sink. All sinks are tried; their
// errors are joined.
type Multi []Named

// Push delivers m to each sink in order.
func (ms Multi) Push(ctx context.Context, m Measurement) error {
	var errs []error
	for _, s := range ms {
		if err := s.Sink.Push(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Throttled drops measurements arriving faster than its rate.
type Throttled struct {
	sink    Sink
	limiter *rate.Limiter

	mu      sync.Mutex
	dropped int64
}

// Throttle wraps s so that at most one measurement per every is pushed.
// A non-positive every disables throttling.
func Throttle(s Sink, every time.Duration) Sink {
	if every <= 0 {
		return s
	}
	return &Throttled{
		sink:    s,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Push forwards m unless the rate is exceeded.
func (t *Throttled) Push(ctx context.Context, m Measurement) error {
	if !t.limiter.Allow() {
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		return nil
	}
	return t.sink.Push(ctx, m)
}

// Dropped returns how many measurements were skipped.
func (t *Throttled) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}
