// Package metrics exposes storyq's Prometheus metrics.
//
// Every Registry owns its own prometheus.Registry, so tests and multiple
// brokers in one process never collide on the default global registry.
//
//	storyq_stories_queued_total{priority,trigger}
//	storyq_stories_rejected_total{priority}
//	storyq_stories_delivered_total{priority}
//	storyq_delivery_failures_total{priority}
//	storyq_stories_gave_up_total
//	storyq_stories_cleared_total
//	storyq_stories_swept_total
//	storyq_http_requests_total{method,route,status}
//	storyq_http_request_duration_seconds{method,route}
//	storyq_registry_stories / storyq_live_stories / storyq_active_users
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/storyq/internal/types"
)

const namespace = "storyq"

// Registry holds all storyq application metrics.
type Registry struct {
	reg *prometheus.Registry

	Queued         *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	Delivered      *prometheus.CounterVec
	Failed         *prometheus.CounterVec
	GaveUp         prometheus.Counter
	Cleared        prometheus.Counter
	Swept          prometheus.Counter
	HistoryDropped prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with the Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stories_queued_total",
			Help: "Stories accepted into a user queue.",
		}, []string{"priority", "trigger"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stories_rejected_total",
			Help: "Stories rejected because the user queue was full.",
		}, []string{"priority"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stories_delivered_total",
			Help: "Stories confirmed as delivered.",
		}, []string{"priority"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failures_total",
			Help: "Failed delivery attempts.",
		}, []string{"priority"}),
		GaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stories_gave_up_total",
			Help: "Stories retired after exhausting their attempts.",
		}),
		Cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stories_cleared_total",
			Help: "Stories retired by a queue clear.",
		}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stories_swept_total",
			Help: "Registry records purged by the age sweep.",
		}),
		HistoryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_dropped_total",
			Help: "Archive records dropped because the write buffer was full.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.reg.MustRegister(
		r.Queued, r.Rejected, r.Delivered, r.Failed,
		r.GaveUp, r.Cleared, r.Swept, r.HistoryDropped,
		r.HTTPRequests, r.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// SizeFuncs are sampled on every scrape.
type SizeFuncs struct {
	Registry func() int
	Live     func() int
	Users    func() int
}

// RegisterSizes adds gauges backed by the given functions. Call it once.
func (r *Registry) RegisterSizes(f SizeFuncs) {
	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		}, func() float64 { return float64(fn()) })
	}
	r.reg.MustRegister(
		gauge("registry_stories", "Stories held in the scheduler registry.", f.Registry),
		gauge("live_stories", "Stories in user heaps.", f.Live),
		gauge("active_users", "Users with a live heap.", f.Users),
	)
}

// ─── Story events ────────────────────────────────────────────────────────────

func (r *Registry) StoryQueued(p types.Priority, t types.TriggerType) {
	r.Queued.WithLabelValues(p.String(), string(t)).Inc()
}

func (r *Registry) StoryRejected(p types.Priority) {
	r.Rejected.WithLabelValues(p.String()).Inc()
}

func (r *Registry) StoryDelivered(p types.Priority) {
	r.Delivered.WithLabelValues(p.String()).Inc()
}

// DeliveryFailed counts one failed attempt, and a give-up when gaveUp is set.
func (r *Registry) DeliveryFailed(p types.Priority, gaveUp bool) {
	r.Failed.WithLabelValues(p.String()).Inc()
	if gaveUp {
		r.GaveUp.Inc()
	}
}

func (r *Registry) StoriesCleared(n int) { r.Cleared.Add(float64(n)) }

func (r *Registry) StoriesSwept(n int) { r.Swept.Add(float64(n)) }

// ─── HTTP ────────────────────────────────────────────────────────────────────

// ObserveHTTP records one request. route should be the router pattern, not
// the raw path, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
