package prometheus

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pialmmh/statemachine-sub005/pkg/fsm"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "fsm"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics and implements fsm.Observer so it
// can be attached to a registry with fsm.WithObserver.
type Metrics struct {
	fsm.NopObserver

	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	LiveMachines       prometheus.Gauge
	EvictionsTotal     *prometheus.CounterVec
	RehydrationsTotal  *prometheus.CounterVec
	InboxRejections    prometheus.Counter
	HookFailures       *prometheus.CounterVec
	PersistFailures    prometheus.Counter
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		TransitionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_transitions_total",
				Help: "Total number of processed transitions and stay actions",
			},
			[]string{"machine_type", "from", "to", "event"},
		),
		TransitionDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fsm_transition_duration_seconds",
				Help:    "Transition processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine_type"},
		),
		LiveMachines: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsm_live_machines",
				Help: "Number of machine instances currently in memory",
			},
		),
		EvictionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_evictions_total",
				Help: "Total number of live instance evictions",
			},
			[]string{"machine_type"},
		),
		RehydrationsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_rehydrations_total",
				Help: "Total number of machines rebuilt from the store",
			},
			[]string{"machine_type"},
		),
		InboxRejections: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_inbox_rejections_total",
				Help: "Total number of events rejected by a full inbox",
			},
		),
		HookFailures: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_hook_failures_total",
				Help: "Total number of caught entry/exit/stay hook failures",
			},
			[]string{"machine_type"},
		),
		PersistFailures: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "fsm_persist_failures_total",
				Help: "Total number of failed entity saves",
			},
		),
	}
}

// OnTransition records counters and latency for one finished transition.
func (m *Metrics) OnTransition(rec *fsm.TransitionRecord) {
	m.TransitionsTotal.WithLabelValues(rec.MachineType, rec.StateBefore, rec.StateAfter, rec.EventName).Inc()
	m.TransitionDuration.WithLabelValues(rec.MachineType).Observe(float64(rec.DurationMs) / 1000)
	if rec.HookFailed {
		m.HookFailures.WithLabelValues(rec.MachineType).Inc()
	}
}

func (m *Metrics) OnCreation(_, _ string) {
	m.LiveMachines.Inc()
}

func (m *Metrics) OnEviction(_, machineType string) {
	m.LiveMachines.Dec()
	m.EvictionsTotal.WithLabelValues(machineType).Inc()
}

func (m *Metrics) OnRehydration(_, machineType string) {
	m.LiveMachines.Inc()
	m.RehydrationsTotal.WithLabelValues(machineType).Inc()
}

func (m *Metrics) OnInboxOverflow(string) {
	m.InboxRejections.Inc()
}

func (m *Metrics) OnPersistFailure(string) {
	m.PersistFailures.Inc()
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
