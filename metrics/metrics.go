// Package metrics collects the VMM's Prometheus instrumentation in one
// place and serves it over HTTP when a listen address is configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VMExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratovirt",
		Name:      "vm_exits_total",
		Help:      "vCPU exits by reason.",
	}, []string{"reason"})

	BackendCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratovirt",
		Name:      "backend_crashes_total",
		Help:      "Device backend processes that exited unexpectedly.",
	}, []string{"device"})

	QueueKicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratovirt",
		Name:      "queue_kicks_total",
		Help:      "Guest queue notifications forwarded to backends.",
	}, []string{"device"})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratovirt",
		Subsystem: "display",
		Name:      "auth_failures_total",
		Help:      "Failed SASL authentication attempts.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stratovirt",
		Subsystem: "display",
		Name:      "active_sessions",
		Help:      "Authenticated remote display sessions.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratovirt",
		Subsystem: "display",
		Name:      "frames_sent_total",
		Help:      "Framebuffer updates delivered to sessions.",
	})

	FrameBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratovirt",
		Subsystem: "display",
		Name:      "frame_bytes_total",
		Help:      "Compressed framebuffer bytes delivered to sessions.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
