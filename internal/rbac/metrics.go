package rbac

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for permission resolution. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	lookups       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	decisions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics registers the permission collectors against reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodhub_permission_cache_lookups_total",
			Help: "Permission cache lookups partitioned by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "foodhub_permission_fetch_duration_seconds",
			Help:    "Duration of permission store reads on cache miss.",
			Buckets: prometheus.DefBuckets,
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodhub_access_guard_decisions_total",
			Help: "Access guard outcomes partitioned by code.",
		}, []string{"code"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodhub_permission_invalidations_total",
			Help: "Permission cache invalidations partitioned by kind.",
		}, []string{"kind"}),
	}
	if err := register(reg, &m.lookups); err != nil {
		return nil, err
	}
	if err := register(reg, &m.fetchDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &m.decisions); err != nil {
		return nil, err
	}
	if err := register(reg, &m.invalidations); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector *T) error {
	if err := reg.Register(*collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				*collector = existing
				return nil
			}
		}
		return err
	}
	return nil
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) observeFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) decision(code string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(code).Inc()
}

func (m *Metrics) invalidation(kind string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(kind).Inc()
}
