package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigbag/sds011/internal/protocol"
	"github.com/bigbag/sds011/internal/sink"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler exposing reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SensorMetrics tracks readings and link quality.
type SensorMetrics struct {
	PM25         prometheus.Gauge
	PM10         prometheus.Gauge
	LastReading  prometheus.Gauge
	FramesTotal  *prometheus.CounterVec // labels: result=ok|checksum|malformed|command|timeout|other
	Discarded    *prometheus.CounterVec // labels: reason
	Measurements prometheus.Counter
}

// NewSensorMetrics registers and returns the sensor metrics.
func NewSensorMetrics(reg prometheus.Registerer) *SensorMetrics {
	m := &SensorMetrics{
		PM25: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sds011_pm25_ugm3",
			Help: "Last PM2.5 concentration in µg/m³.",
		}),
		PM10: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sds011_pm10_ugm3",
			Help: "Last PM10 concentration in µg/m³.",
		}),
		LastReading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sds011_last_reading_timestamp_seconds",
			Help: "Unix time of the last reading.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sds011_frames_total",
			Help: "Frame read attempts by result.",
		}, []string{"result"}),
		Discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sds011_discarded_total",
			Help: "Candidate frames discarded during resynchronization.",
		}, []string{"reason"}),
		Measurements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sds011_measurements_total",
			Help: "Measurements delivered.",
		}),
	}
	reg.MustRegister(m.PM25, m.PM10, m.LastReading, m.FramesTotal, m.Discarded, m.Measurements)
	return m
}

// Push records a delivered measurement. It never fails.
func (m *SensorMetrics) Push(_ context.Context, ms sink.Measurement) error {
	m.PM25.Set(ms.PM25)
	m.PM10.Set(ms.PM10)
	m.LastReading.Set(float64(ms.Time.UnixNano()) / 1e9)
	m.FramesTotal.WithLabelValues("ok").Inc()
	m.Measurements.Inc()
	return nil
}

// ObserveError counts a failed read by its reason.
func (m *SensorMetrics) ObserveError(err error) {
	if err == nil {
		return
	}
	m.FramesTotal.WithLabelValues(protocol.Reason(err)).Inc()
}

// Discard is a stream discard hook.
func (m *SensorMetrics) Discard(_ []byte, err error) {
	m.Discarded.WithLabelValues(protocol.Reason(err)).Inc()
}
