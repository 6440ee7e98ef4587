package registry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report registry activity.
type Metrics struct {
	agentsActive prometheus.Gauge
	created      *prometheus.CounterVec
	removed      *prometheus.CounterVec
	restored     *prometheus.CounterVec
	lines        *prometheus.CounterVec
	passes       prometheus.Counter
	timerFires   *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors that are already registered are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const ns, sub = "pixel_agents", "registry"
	return &Metrics{
		agentsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents_active",
			Help: "Number of agents currently supervised.",
		})),
		created: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents_created_total",
			Help: "Agent creation attempts by result.",
		}, []string{"result"})),
		removed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents_removed_total",
			Help: "Agents removed from supervision by reason.",
		}, []string{"reason"})),
		restored: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents_restored_total",
			Help: "Persisted agent records processed at restore, by outcome.",
		}, []string{"result"})),
		lines: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transcript_lines_total",
			Help: "Transcript lines read, by whether they decoded.",
		}, []string{"result"})),
		passes: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "read_passes_total",
			Help: "Transcript read passes delivered to live agents.",
		})),
		timerFires: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "timer_fires_total",
			Help: "Timer expirations that changed agent state, by kind.",
		}, []string{"kind"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.agentsActive.Set(float64(n))
}

func (m *Metrics) incCreated(result string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(result).Inc()
}

func (m *Metrics) incRemoved(reason string) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(reason).Inc()
}

func (m *Metrics) incRestored(result string) {
	if m == nil {
		return
	}
	m.restored.WithLabelValues(result).Inc()
}

func (m *Metrics) observePass(applied, ignored int) {
	if m == nil {
		return
	}
	m.passes.Inc()
	if applied > 0 {
		m.lines.WithLabelValues("applied").Add(float64(applied))
	}
	if ignored > 0 {
		m.lines.WithLabelValues("ignored").Add(float64(ignored))
	}
}

func (m *Metrics) incTimerFire(kind string) {
	if m == nil {
		return
	}
	m.timerFires.WithLabelValues(kind).Inc()
}
