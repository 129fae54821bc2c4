// Package telemetry exposes Prometheus instrumentation for the ranking
// engine. Every method is safe to call on a nil *Metrics, so components can
// run uninstrumented in tests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provider_ranking"

// Metrics holds all collectors registered on one registry
type Metrics struct {
	registry *prometheus.Registry

	outcomesRecorded  *prometheus.CounterVec
	outcomesMalformed prometheus.Counter
	autoRegistered    prometheus.Counter
	statusChanges     *prometheus.CounterVec

	recomputeDuration prometheus.Histogram
	recomputeSkipped  *prometheus.CounterVec
	snapshotVersion   prometheus.Gauge
	rankedProviders   prometheus.Gauge
	providerScore     *prometheus.GaugeVec

	subscribers         prometheus.Gauge
	subscriberEvictions prometheus.Counter

	cacheRequests *prometheus.CounterVec
	sinkEntries   *prometheus.CounterVec
}

// New creates a Metrics instance on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		outcomesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_recorded_total",
			Help:      "Outcome records accepted, by provider and result",
		}, []string{"provider", "success"}),
		outcomesMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_malformed_total",
			Help:      "Outcome records dropped as malformed",
		}),
		autoRegistered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "providers_auto_registered_total",
			Help:      "Providers registered implicitly by their first outcome",
		}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_status_changes_total",
			Help:      "Explicit provider status transitions, by new status",
		}, []string{"status"}),

		recomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Duration of ranking recompute cycles",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		recomputeSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_skipped_providers_total",
			Help:      "Providers omitted from a snapshot because metrics failed",
		}, []string{"provider"}),
		snapshotVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_version",
			Help:      "Version of the current ranking snapshot",
		}),
		rankedProviders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ranked_providers",
			Help:      "Number of providers in the current snapshot",
		}),
		providerScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_weighted_score",
			Help:      "Weighted score of each ranked provider",
		}, []string{"provider"}),

		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active ranking subscribers",
		}),
		subscriberEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers evicted for not draining their queue in time",
		}),

		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups, by cache and result",
		}, []string{"cache", "result"}),
		sinkEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_entries_total",
			Help:      "Entries handed to the persistence sink, by kind and result",
		}, []string{"kind", "result"}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OutcomeRecorded(provider string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.outcomesRecorded.WithLabelValues(provider, label).Inc()
}

func (m *Metrics) OutcomeMalformed() {
	if m == nil {
		return
	}
	m.outcomesMalformed.Inc()
}

func (m *Metrics) ProviderAutoRegistered() {
	if m == nil {
		return
	}
	m.autoRegistered.Inc()
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

// SnapshotPublished records the outcome of one recompute cycle
func (m *Metrics) SnapshotPublished(version uint64, scores map[string]float64, took time.Duration) {
	if m == nil {
		return
	}
	m.recomputeDuration.Observe(took.Seconds())
	m.snapshotVersion.Set(float64(version))
	m.rankedProviders.Set(float64(len(scores)))
	m.providerScore.Reset()
	for provider, score := range scores {
		m.providerScore.WithLabelValues(provider).Set(score)
	}
}

func (m *Metrics) ProviderSkipped(provider string) {
	if m == nil {
		return
	}
	m.recomputeSkipped.WithLabelValues(provider).Inc()
}

// SubscribersChanged implements broadcast.Observer
func (m *Metrics) SubscribersChanged(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SubscriberEvicted implements broadcast.Observer
func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.subscriberEvictions.Inc()
}

// CacheHit implements cache.Observer
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(cache, "hit").Inc()
}

// CacheMiss implements cache.Observer
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(cache, "miss").Inc()
}

// SinkWritten implements sink.Observer
func (m *Metrics) SinkWritten(kind string, n int) {
	if m == nil {
		return
	}
	m.sinkEntries.WithLabelValues(kind, "written").Add(float64(n))
}

// SinkDropped implements sink.Observer
func (m *Metrics) SinkDropped(kind string, n int) {
	if m == nil {
		return
	}
	m.sinkEntries.WithLabelValues(kind, "dropped").Add(float64(n))
}

// SinkFailed implements sink.Observer
func (m *Metrics) SinkFailed(kind string, n int) {
	if m == nil {
		return
	}
	m.sinkEntries.WithLabelValues(kind, "failed").Add(float64(n))
}
