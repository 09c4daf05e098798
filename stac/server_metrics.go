package stac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var buildInfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "placestac",
	Name:      "buildinfo",
}, []string{"version", "revision"})

var buildTimeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "placestac",
	Name:      "buildtime",
})

func init() {
	err := prometheus.Register(buildInfoMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
	err = prometheus.Register(buildTimeMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
}

// SetBuildInfo initializes static metrics with version, git hash, and build time
func SetBuildInfo(version, commit, date string) {
	buildInfoMetric.WithLabelValues(version, commit).Set(1)
	time, err := time.Parse(time.RFC3339, date)
	if err == nil {
		buildTimeMetric.Set(float64(time.Unix()))
	} else {
		buildTimeMetric.Set(0)
	}
}

type metrics struct {
	// overall requests: # requests, request duration, response size by collection/handler/status code
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// decoration: links added, collections without a render config
	linksInjected      *prometheus.CounterVec
	unconfiguredLookup *prometheus.CounterVec
	// requests to the upstream STAC API
	upstreamRequests        *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	breakerState            prometheus.Gauge
	// render config registry
	registryReloads *prometheus.CounterVec
}

func isCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// utility to time an overall request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, collection, handler string, status, responseSize int) {
	if !r.finished {
		r.finished = true
		// exclude collection id from "not found" metrics to limit cardinality on requests for nonexistent collections
		statusString := strconv.Itoa(status)
		if status == 404 {
			collection = ""
		} else if isCanceled(ctx) {
			statusString = "canceled"
		}

		labels := []string{collection, handler, statusString}
		r.metrics.requests.WithLabelValues(labels...).Inc()
		r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
		r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
	}
}

// utility to time an individual request to the upstream API
type upstreamRequestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
	handler  string
}

func (m *metrics) startUpstreamRequest(handler string) *upstreamRequestTracker {
	return &upstreamRequestTracker{start: time.Now(), metrics: m, handler: handler}
}

func (r *upstreamRequestTracker) finish(ctx context.Context, status string) {
	if !r.finished {
		r.finished = true
		if isCanceled(ctx) {
			status = "canceled"
		}
		r.metrics.upstreamRequests.WithLabelValues(r.handler, status).Inc()
		r.metrics.upstreamRequestDuration.WithLabelValues(r.handler, status).Observe(time.Since(r.start).Seconds())
	}
}

// misc helpers

func (m *metrics) injected(collection, kind string, n int) {
	m.linksInjected.WithLabelValues(collection, kind).Add(float64(n))
}

func (m *metrics) unconfigured(kind string) {
	m.unconfiguredLookup.WithLabelValues(kind).Inc()
}

func (m *metrics) setBreakerState(state float64) {
	m.breakerState.Set(state)
}

func (m *metrics) registryReload(status string) {
	if m == nil {
		return
	}
	m.registryReloads.WithLabelValues(status).Inc()
}

func register[K prometheus.Collector](logger *zap.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(K); ok {
				return existing
			}
		}
		logger.Warn("failed to register metric", zap.Error(err))
	}
	return metric
}

func createMetrics(scope string, logger *zap.Logger) *metrics {
	namespace := "placestac"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib, 5.0 * mib}

	return &metrics{
		// overall requests
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"collection", "handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"collection", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"collection", "handler", "status"})),

		// decoration
		linksInjected: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "links_injected_total",
			Help:      "Number of render links added to collections and items",
		}, []string{"collection", "kind"})),
		unconfiguredLookup: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "unconfigured_collections_total",
			Help:      "Collections and items returned without links because no render config exists",
		}, []string{"kind"})),

		// upstream
		upstreamRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "upstream_requests_total",
			Help:      "Requests to the upstream STAC API",
		}, []string{"handler", "status"})),
		upstreamRequestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "upstream_request_duration_seconds",
			Help:      "Request duration in seconds for individual requests to the upstream STAC API",
			Buckets:   durationBuckets,
		}, []string{"handler", "status"})),
		breakerState: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "upstream_breaker_state",
			Help:      "Upstream circuit breaker state: 0 closed, 1 half-open, 2 open",
		})),

		// registry
		registryReloads: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "render_config_reloads_total",
			Help:      "Render config registry reload attempts by outcome",
		}, []string{"status"})),
	}
}
