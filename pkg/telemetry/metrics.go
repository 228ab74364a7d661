package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RendersStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiles_renders_started_total", Help: "Render orchestrations started"})
	RendersSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiles_renders_succeeded_total", Help: "Render orchestrations that produced a drawing"})
	RendersFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiles_renders_failed_total", Help: "Render orchestrations that ended in failure"})
	RendersTimedOut  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiles_renders_timeout_total", Help: "Render orchestrations that hit the polling attempt cap"})
	PollAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tiles_poll_attempts_total", Help: "Work item status polls issued"})
	InFlightRenders  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tiles_renders_inflight", Help: "Render orchestrations currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RendersStarted,
			RendersSucceeded,
			RendersFailed,
			RendersTimedOut,
			PollAttempts,
			InFlightRenders,
		)
	})
	return promhttp.Handler()
}
