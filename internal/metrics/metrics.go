// Package metrics exposes Prometheus instrumentation for the HTTP API and
// the room hub. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codepair"

// Outcomes for SessionEnded.
const (
	OutcomeRejected = "rejected"
	OutcomeClosed   = "closed"
)

type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	sessions    *prometheus.CounterVec
	received    *prometheus.CounterVec
	malformed   prometheus.Counter
	rateLimited prometheus.Counter
	deliveries  prometheus.Counter
	evictions   prometheus.Counter
}

// New registers every collector on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registerer: reg,
		gatherer:   gatherer,

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),

		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions_total",
			Help:      "Websocket sessions by outcome",
		}, []string{"outcome"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_received_total",
			Help:      "Decoded client messages by action",
		}, []string{"action"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_malformed_total",
			Help:      "Client messages dropped as malformed",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_rate_limited_total",
			Help:      "Client messages dropped by the per-session rate limit",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Messages queued to participants",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Participants evicted after a failed delivery",
		}),
	}
}

// HubStats is the part of the hub the gauges read from.
type HubStats interface {
	RoomCount() int
	ClientCount() int
}

// ObserveHub adds gauges that read the hub at scrape time. Call it once.
func (m *Metrics) ObserveHub(hub HubStats) {
	if m == nil {
		return
	}
	f := promauto.With(m.registerer)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "rooms",
		Help:      "Rooms with at least one live participant",
	}, func() float64 { return float64(hub.RoomCount()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "participants",
		Help:      "Live participants across all rooms",
	}, func() float64 { return float64(hub.ClientCount()) })
}

func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageReceived(action string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(action).Inc()
}

func (m *Metrics) MessageMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) MessageRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// Middleware records request metrics labelled by chi route pattern rather
// than raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
