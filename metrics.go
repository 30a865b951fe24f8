package raop

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// metrics aggregates per-stream counters. Every stream registers its
// own collectors with a session label so concurrent streams stay
// distinguishable on one registry.
type metrics struct {
	packetsReceived *prometheus.CounterVec
	socketErrors    *prometheus.CounterVec
	malformed       prometheus.Counter
	keepalives      prometheus.Counter
	duplicates      prometheus.Counter
	oldPackets      prometheus.Counter
	overruns        prometheus.Counter
	decryptFailures prometheus.Counter
	decodeFailures  prometheus.Counter
	resendRequests  prometheus.Counter
	framesDelivered prometheus.Counter
	bufferOccupancy prometheus.Gauge

	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

func newMetrics(reg prometheus.Registerer, sessionID string) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"session": sessionID}

	m := &metrics{reg: reg}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raop",
			Subsystem:   "audio",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		m.collectors = append(m.collectors, c)
		return c
	}

	m.packetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "raop",
		Subsystem:   "audio",
		Name:        "packets_received_total",
		Help:        "UDP packets received, by socket.",
		ConstLabels: labels,
	}, []string{"socket"})
	m.collectors = append(m.collectors, m.packetsReceived)

	m.socketErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "raop",
		Subsystem:   "audio",
		Name:        "socket_errors_total",
		Help:        "Transient receive errors, by socket.",
		ConstLabels: labels,
	}, []string{"socket"})
	m.collectors = append(m.collectors, m.socketErrors)

	m.malformed = counter("packets_malformed_total", "Packets dropped for size or header faults.")
	m.keepalives = counter("keepalives_total", "No-data keepalive markers observed.")
	m.duplicates = counter("packets_duplicate_total", "Packets suppressed as duplicates.")
	m.oldPackets = counter("packets_old_total", "Packets behind the buffer window.")
	m.overruns = counter("buffer_overruns_total", "Forced flushes from sequence jumps past the window.")
	m.decryptFailures = counter("decrypt_failures_total", "Packets dropped because decryption failed.")
	m.decodeFailures = counter("decode_failures_total", "Frames substituted with silence after a decode failure.")
	m.resendRequests = counter("resend_requests_total", "Retransmission requests sent on the control socket.")
	m.framesDelivered = counter("frames_delivered_total", "PCM frames delivered to the sink.")

	m.bufferOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "raop",
		Subsystem:   "audio",
		Name:        "buffer_occupancy",
		Help:        "Current dejitter window length in slots, gaps included.",
		ConstLabels: labels,
	})
	m.collectors = append(m.collectors, m.bufferOccupancy)

	for _, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			// A restarted session reuses its ID; keep the existing
			// collector rather than failing stream setup.
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "newMetrics",
				"session":  sessionID,
				"error":    err.Error(),
			}).Warn("Metric registration failed")
		}
	}
	return m
}

// unregister removes the stream's collectors when it closes.
func (m *metrics) unregister() {
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}
