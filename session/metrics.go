package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the session manager's operational counters.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	lostTotal      prometheus.Counter
	decodeErrors   prometheus.Counter
	handlerPanics  prometheus.Counter
	restartsTotal  prometheus.Counter
	activeCaptures prometheus.Gauge
}

// NewMetrics registers the session metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filetrace_events_total",
			Help: "Kernel events consumed, by kind.",
		}, []string{"kind"}),
		lostTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "filetrace_lost_samples_total",
			Help: "Samples dropped by the kernel before consumption.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "filetrace_decode_errors_total",
			Help: "Raw samples that failed to decode.",
		}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "filetrace_handler_panics_total",
			Help: "Event handler panics contained by the consume loop.",
		}),
		restartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "filetrace_session_restarts_total",
			Help: "Kernel session restarts performed by the self-heal check.",
		}),
		activeCaptures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "filetrace_active_captures",
			Help: "Live captures registered on the session.",
		}),
	}
}
