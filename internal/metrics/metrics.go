// Package metrics contains the Prometheus collectors of the proxy and the
// optional server that exposes them.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/proxymon/proxymon/internal/proxy"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/telemetry"
)

// namespace is the first element of every metric name.
const namespace = "proxymon"

// Metric subsystems.
const (
	subsystemEngine    = "engine"
	subsystemTelemetry = "telemetry"
	subsystemProxy     = "proxy"
)

// Engine is the collector set of the policy engine.
type Engine struct {
	verdicts    *prometheus.CounterVec
	buildErrors prometheus.Counter
	evalErrors  prometheus.Counter
}

// type check
var _ rules.Metrics = (*Engine)(nil)

// NewEngine creates the engine collectors and registers them in reg.
func NewEngine(reg prometheus.Registerer) (m *Engine) {
	f := promauto.With(reg)

	return &Engine{
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "verdicts_total",
			Help:      "Total evaluated connections by verdict.",
		}, []string{"verdict"}),
		buildErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "build_errors_total",
			Help:      "Total entries skipped while compiling policy snapshots.",
		}),
		evalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "eval_errors_total",
			Help:      "Total evaluations recovered to the default allow.",
		}),
	}
}

// IncBuildErrors implements the [rules.Metrics] interface for *Engine.
func (m *Engine) IncBuildErrors(_ context.Context) {
	m.buildErrors.Inc()
}

// IncEvalErrors implements the [rules.Metrics] interface for *Engine.
func (m *Engine) IncEvalErrors(_ context.Context) {
	m.evalErrors.Inc()
}

// ObserveVerdict implements the [rules.Metrics] interface for *Engine.
func (m *Engine) ObserveVerdict(_ context.Context, blocked bool) {
	verdict := "allowed"
	if blocked {
		verdict = "blocked"
	}

	m.verdicts.WithLabelValues(verdict).Inc()
}

// Telemetry is the collector set of the record pipeline.
type Telemetry struct {
	queueLength prometheus.Gauge
	dropped     prometheus.Counter
	storeErrors prometheus.Counter
}

// type check
var _ telemetry.Metrics = (*Telemetry)(nil)

// NewTelemetry creates the pipeline collectors and registers them in reg.
func NewTelemetry(reg prometheus.Registerer) (m *Telemetry) {
	f := promauto.With(reg)

	return &Telemetry{
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTelemetry,
			Name:      "queue_length",
			Help:      "Current number of records waiting in the queue.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTelemetry,
			Name:      "dropped_total",
			Help:      "Total records shed on queue overflow.",
		}),
		storeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTelemetry,
			Name:      "store_errors_total",
			Help:      "Total failed store operations.",
		}),
	}
}

// SetQueueLength implements the [telemetry.Metrics] interface for *Telemetry.
func (m *Telemetry) SetQueueLength(_ context.Context, n int) {
	m.queueLength.Set(float64(n))
}

// IncDropped implements the [telemetry.Metrics] interface for *Telemetry.
func (m *Telemetry) IncDropped(_ context.Context) {
	m.dropped.Inc()
}

// IncStoreErrors implements the [telemetry.Metrics] interface for *Telemetry.
func (m *Telemetry) IncStoreErrors(_ context.Context) {
	m.storeErrors.Inc()
}

// Proxy is the collector set of the data plane.
type Proxy struct {
	accepted prometheus.Counter
	active   prometheus.Gauge
	episodes *prometheus.HistogramVec
	relayed  prometheus.Histogram
}

// type check
var _ proxy.Metrics = (*Proxy)(nil)

// NewProxy creates the data plane collectors and registers them in reg.
func NewProxy(reg prometheus.Registerer) (m *Proxy) {
	f := promauto.With(reg)

	return &Proxy{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "connections_total",
			Help:      "Total accepted client connections.",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "active_connections",
			Help:      "Number of connections currently being handled.",
		}),
		episodes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "episode_duration_seconds",
			Help:      "Connection episode durations, tunnels included.",
			Buckets:   []float64{.01, .05, .1, .2, .4, 1, 3, 8, 20, 60, 120},
		}, []string{"method", "blocked"}),
		relayed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "relayed_bytes",
			Help:      "Bytes relayed to the client per connection.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
}

// IncAccepted implements the [proxy.Metrics] interface for *Proxy.
func (m *Proxy) IncAccepted(_ context.Context) {
	m.accepted.Inc()
}

// IncActive implements the [proxy.Metrics] interface for *Proxy.
func (m *Proxy) IncActive(_ context.Context) {
	m.active.Inc()
}

// DecActive implements the [proxy.Metrics] interface for *Proxy.
func (m *Proxy) DecActive(_ context.Context) {
	m.active.Dec()
}

// ObserveEpisode implements the [proxy.Metrics] interface for *Proxy.
// Nonstandard methods are folded into one label value to bound the
// cardinality of client-supplied input.
func (m *Proxy) ObserveEpisode(
	_ context.Context,
	method string,
	blocked bool,
	elapsed time.Duration,
) {
	m.episodes.WithLabelValues(methodLabel(method), strconv.FormatBool(blocked)).
		Observe(elapsed.Seconds())
}

// AddRelayedBytes implements the [proxy.Metrics] interface for *Proxy.
func (m *Proxy) AddRelayedBytes(_ context.Context, n int64) {
	m.relayed.Observe(float64(n))
}

// methodLabel returns method if it is a standard HTTP method and "OTHER"
// otherwise.
func methodLabel(method string) (label string) {
	switch method {
	case http.MethodConnect,
		http.MethodDelete,
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
		http.MethodPatch,
		http.MethodPost,
		http.MethodPut,
		http.MethodTrace:
		return method
	default:
		return "OTHER"
	}
}
