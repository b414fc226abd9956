// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vbridge/usbip-bridge/wire"
	"github.com/vbridge/usbip-bridge/xfer"
)

// Metrics holds the Prometheus instruments a Bridge updates as it submits
// and completes transfers. A nil *Metrics is safe to use, and so is one
// built by NewMetrics(nil), which never registers anything.
type Metrics struct {
	submitted  *prometheus.CounterVec
	completed  *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	inFlight   prometheus.Gauge
}

// NewMetrics builds a Metrics set and, if reg is non-nil, registers it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_bridge_transfers_submitted_total",
			Help: "The total number of transfers submitted to the backing, by endpoint and direction.",
		}, []string{"endpoint", "direction"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_bridge_transfers_completed_total",
			Help: "The total number of transfers the backing has completed, by endpoint, direction, and outcome.",
		}, []string{"endpoint", "direction", "status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usbip_bridge_endpoint_queue_depth",
			Help: "The number of commands or data frames currently queued for an IN endpoint's sender.",
		}, []string{"endpoint"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_bridge_transfers_in_flight",
			Help: "The number of transfers currently submitted to the backing and awaiting completion.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.submitted, m.completed, m.queueDepth, m.inFlight)
	}
	return m
}

func (m *Metrics) observeSubmit(endpoint uint8, dir wire.Direction) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(endpointLabel(endpoint), directionLabel(dir)).Inc()
}

func (m *Metrics) observeComplete(endpoint uint8, dir wire.Direction, status xfer.Status) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(endpointLabel(endpoint), directionLabel(dir), statusLabel(status)).Inc()
}

func (m *Metrics) setQueueDepth(endpoint uint8, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(endpointLabel(endpoint)).Set(float64(depth))
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func endpointLabel(endpoint uint8) string {
	return strconv.Itoa(int(endpoint))
}

func directionLabel(dir wire.Direction) string {
	if dir == wire.DirIn {
		return "in"
	}
	return "out"
}

func statusLabel(s xfer.Status) string {
	switch s {
	case xfer.StatusCompleted:
		return "completed"
	case xfer.StatusCancelled:
		return "cancelled"
	case xfer.StatusTimedOut:
		return "timed_out"
	case xfer.StatusStall:
		return "stall"
	case xfer.StatusNoDevice:
		return "no_device"
	case xfer.StatusOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}
