package solarbus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

// Metrics are the bus counters. A nil *Metrics records nothing.
type Metrics struct {
	Attempts  *prometheus.CounterVec // labels: result
	Calls     *prometheus.CounterVec // labels: result
	BaudRate  prometheus.Gauge
	RoundTrip prometheus.Histogram
	BusWait   prometheus.Histogram
}

// NewMetrics registers the bus metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarbus_attempts_total",
			Help: "Request/response attempts on the bus by outcome.",
		}, []string{"result"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarbus_calls_total",
			Help: "Logical module calls by outcome.",
		}, []string{"result"}),
		BaudRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solarbus_baud_rate",
			Help: "Baud rate currently applied to the bus.",
		}),
		RoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solarbus_round_trip_seconds",
			Help:    "Duration of one write/read attempt.",
			Buckets: []float64{.005, .01, .02, .05, .1, .2},
		}),
		BusWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solarbus_bus_wait_seconds",
			Help:    "Time spent waiting for the bus lock.",
			Buckets: prometheus.ExponentialBuckets(.001, 4, 8),
		}),
	}
	reg.MustRegister(m.Attempts, m.Calls, m.BaudRate, m.RoundTrip, m.BusWait)
	return m
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, solarbusruntime.ErrReadTimeout):
		return "timeout"
	case errors.Is(err, solarbusruntime.ErrWrongLength):
		return "wrong_length"
	case errors.Is(err, solarbusruntime.ErrCrcMismatch):
		return "crc_mismatch"
	default:
		return "error"
	}
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, solarbusruntime.ErrNoResponse):
		return "no_response"
	default:
		return "error"
	}
}

func (m *Metrics) observeAttempt(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(attemptResult(err)).Inc()
	m.RoundTrip.Observe(elapsed.Seconds())
}

func (m *Metrics) observeCall(err error) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(callResult(err)).Inc()
}

func (m *Metrics) observeBaudRate(rate int) {
	if m == nil {
		return
	}
	m.BaudRate.Set(float64(rate))
}

func (m *Metrics) observeBusWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BusWait.Observe(elapsed.Seconds())
}
