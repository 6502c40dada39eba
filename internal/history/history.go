// Package history keeps the most recent measurements in memory.
package history

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/bigbag/sds011/internal/sink"
)

// DefaultSize holds one hour of once-per-second readings.
const DefaultSize = 3600

// Ring is a fixed-size buffer of measurements, oldest overwritten first.
// It is safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []sink.Measurement
	next  int
	count int
}

// New creates a ring holding up to size measurements.
func New(size int) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring{buf: make([]sink.Measurement, size)}
}

// Push stores m.
func (r *Ring) Push(_ context.Context, m sink.Measurement) error {
	r.mu.Lock()
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
	return nil
}

// Len returns the number of stored measurements.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Latest returns the newest measurement.
func (r *Ring) Latest() (sink.Measurement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return sink.Measurement{}, false
	}
	i := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[i], true
}

// Snapshot returns the stored measurements, oldest first.
func (r *Ring) Snapshot() []sink.Measurement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]sink.Measurement, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Stats describes one channel over a window.
type Stats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary aggregates the stored measurements.
type Summary struct {
	Count int       `json:"count"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	PM25  Stats     `json:"pm25"`
	PM10  Stats     `json:"pm10"`
}

// Summary computes statistics over the measurements taken within window
// of the newest one. A zero window covers everything stored.
func (r *Ring) Summary(window time.Duration) Summary {
	all := r.Snapshot()
	if len(all) == 0 {
		return Summary{}
	}

	if window > 0 {
		cutoff := all[len(all)-1].Time.Add(-window)
		i := 0
		for i < len(all) && all[i].Time.Before(cutoff) {
			i++
		}
		all = all[i:]
	}

	pm25 := make([]float64, len(all))
	pm10 := make([]float64, len(all))
	for i, m := range all {
		pm25[i] = m.PM25
		pm10[i] = m.PM10
	}

	return Summary{
		Count: len(all),
		From:  all[0].Time,
		To:    all[len(all)-1].Time,
		PM25:  describe(pm25),
		PM10:  describe(pm10),
	}
}

func describe(xs []float64) Stats {
	s := Stats{
		Mean: stat.Mean(xs, nil),
		Min:  floats.Min(xs),
		Max:  floats.Max(xs),
	}
	// Sample deviation is undefined for a single value.
	if len(xs) > 1 {
		s.StdDev = stat.StdDev(xs, nil)
	}
	return s
}
