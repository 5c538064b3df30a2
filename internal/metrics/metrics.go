// Package metrics exposes Prometheus instruments for the turn queue.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnq"

// Metrics holds every instrument on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	advances       *prometheus.CounterVec
	skips          prometheus.Counter
	conflicts      prometheus.Counter
	orders         prometheus.Counter
	completion     prometheus.Histogram
	storeRetries   *prometheus.CounterVec
	storeFailures  *prometheus.CounterVec
	duplicateTabs  prometheus.Counter
	notifications  *prometheus.CounterVec
	syncExports    *prometheus.CounterVec
	sseSubscribers prometheus.Gauge
}

// New registers all instruments on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_advances_total",
			Help:      "Turn pointer moves by cause.",
		}, []string{"cause"}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_skips_total",
			Help:      "Turns that moved on without an order.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_advance_conflicts_total",
			Help:      "Advances rejected because another writer moved the turn first.",
		}),
		orders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the submission pipeline.",
		}),
		completion: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_completion_seconds",
			Help:      "Seconds between turn start and order submission.",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180},
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "State store operations retried after a timeout.",
		}, []string{"op"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "State store operations that failed after all attempts.",
		}, []string{"op"}),
		duplicateTabs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_tabs_total",
			Help:      "Tabs that detected a newer tab for the same agent.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alerts delivered per sink and kind.",
		}, []string{"sink", "kind", "result"}),
		syncExports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_exports_total",
			Help:      "Backup exports per destination and result.",
		}, []string{"destination", "result"}),
		sseSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_subscribers",
			Help:      "Connected change-stream clients.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.advances, m.skips, m.conflicts, m.orders, m.completion,
		m.storeRetries, m.storeFailures, m.duplicateTabs,
		m.notifications, m.syncExports, m.sseSubscribers,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Advance records a turn pointer move. skipped marks a move that took
// the turn away without an order.
func (m *Metrics) Advance(cause string, skipped bool) {
	if m == nil {
		return
	}
	m.advances.WithLabelValues(cause).Inc()
	if skipped {
		m.skips.Inc()
	}
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Order records an accepted order and, when known, its completion time.
func (m *Metrics) Order(completionSeconds *int) {
	if m == nil {
		return
	}
	m.orders.Inc()
	if completionSeconds != nil {
		m.completion.Observe(float64(*completionSeconds))
	}
}

func (m *Metrics) StoreRetry(op string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) DuplicateTab() {
	if m == nil {
		return
	}
	m.duplicateTabs.Inc()
}

func (m *Metrics) Notification(sink, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(sink, kind, result).Inc()
}

func (m *Metrics) SyncExport(destination string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncExports.WithLabelValues(destination, result).Inc()
}

func (m *Metrics) SSESubscribers(delta float64) {
	if m == nil {
		return
	}
	m.sseSubscribers.Add(delta)
}
