package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry and the billing metric vectors.
// All recording methods are safe on a nil *Collector, so components can take
// metrics as an optional dependency.
type Collector struct {
	registry *prometheus.Registry

	WebhookEvents    *prometheus.CounterVec
	CheckoutAttempts *prometheus.CounterVec
	SweepItems       *prometheus.CounterVec
	SweepErrors      *prometheus.CounterVec
	DowngradeTrims   *prometheus.CounterVec
	LimitFallbacks   prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a collector whose metric names start with namespace.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Billing webhook events by provider, normalized type and outcome",
		}, []string{"provider", "event_type", "outcome"}),
		CheckoutAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_attempts_total",
			Help:      "Checkout initiations by result",
		}, []string{"result"}),
		SweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Subscriptions processed by the reconciliation job per section",
		}, []string{"section"}),
		SweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Errors collected by the reconciliation job per section",
		}, []string{"section"}),
		DowngradeTrims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrade_trimmed_total",
			Help:      "Resources deactivated or archived by downgrade enforcement",
		}, []string{"resource"}),
		LimitFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limit_fallbacks_total",
			Help:      "Limit lookups that fell back to starter limits after a read failure",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.WebhookEvents,
		c.CheckoutAttempts,
		c.SweepItems,
		c.SweepErrors,
		c.DowngradeTrims,
		c.LimitFallbacks,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	return c
}

// Registry exposes the underlying registry, e.g. to add Go runtime collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) WebhookProcessed(provider, eventType, outcome string) {
	if c == nil {
		return
	}
	c.WebhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func (c *Collector) CheckoutResult(result string) {
	if c == nil {
		return
	}
	c.CheckoutAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) SweepProcessed(section string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.SweepItems.WithLabelValues(section).Add(float64(n))
}

func (c *Collector) SweepFailed(section string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.SweepErrors.WithLabelValues(section).Add(float64(n))
}

func (c *Collector) Trimmed(resource string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.DowngradeTrims.WithLabelValues(resource).Add(float64(n))
}

func (c *Collector) LimitFallback() {
	if c == nil {
		return
	}
	c.LimitFallbacks.Inc()
}

// Middleware records request counts and latency labelled by the chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		c.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		c.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
