// Package metrics exports engine and tool telemetry in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"convsync/internal/logger"
	"convsync/internal/syncengine"
	"convsync/internal/toolexec"
	"convsync/pkg/convtypes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convsync"

// Config holds the collector settings. The zero value is usable.
type Config struct {
	Registry       *prometheus.Registry // nil means a private registry
	LatencyBuckets []float64            // seconds; empty means DefaultConfig's buckets
	ProcessMetrics bool                 // also export go_* and process_* series
}

// DefaultConfig returns buckets sized for local tool handlers, from 5ms to 30s.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}
}

// Collector implements syncengine.Observer and provides tool execution hooks.
type Collector struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollFailures *prometheus.CounterVec

	toolCalls   *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec
	toolErrors  *prometheus.CounterVec

	errors      *prometheus.CounterVec
	handoffs    *prometheus.CounterVec
	divergences prometheus.Counter
	loading     prometheus.Gauge
}

var _ syncengine.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics.
func NewCollector(cfg Config) *Collector {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: registry}

	c.polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "snapshots_total",
			Help:      "Snapshots received, by poll stream and reported status",
		},
		[]string{"stream", "status"},
	)
	c.pollFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "failures_total",
			Help:      "Failed snapshot fetches, by poll stream",
		},
		[]string{"stream"},
	)

	c.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Executed client-side tool calls",
		},
		[]string{"tool_name", "status"},
	)
	c.toolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "latency_seconds",
			Help:      "Client-side tool execution latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"tool_name"},
	)
	c.toolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "errors_total",
			Help:      "Client-side tool calls that produced an error payload",
		},
		[]string{"tool_name"},
	)

	c.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Errors recorded into conversation state, by kind",
		},
		[]string{"kind"},
	)
	c.handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "handoff_transitions_total",
			Help:      "Handoff state transitions",
		},
		[]string{"transition"},
	)
	c.divergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pending_divergence_total",
			Help:      "Snapshots whose explicit pending tool calls disagreed with the transcript",
		},
	)
	c.loading = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "loading",
			Help:      "1 while the conversation awaits the server",
		},
	)

	registry.MustRegister(
		c.polls,
		c.pollFailures,
		c.toolCalls,
		c.toolLatency,
		c.toolErrors,
		c.errors,
		c.handoffs,
		c.divergences,
		c.loading,
	)
	if cfg.ProcessMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// PollCompleted implements syncengine.Observer.
func (c *Collector) PollCompleted(stream string, status convtypes.Status) {
	c.polls.WithLabelValues(stream, string(status)).Inc()
}

// PollFailed implements syncengine.Observer.
func (c *Collector) PollFailed(stream string, _ error) {
	c.pollFailures.WithLabelValues(stream).Inc()
}

// ErrorRecorded implements syncengine.Observer.
func (c *Collector) ErrorRecorded(kind syncengine.ErrorKind) {
	c.errors.WithLabelValues(string(kind)).Inc()
}

// HandoffChanged implements syncengine.Observer.
func (c *Collector) HandoffChanged(active bool) {
	transition := "ended"
	if active {
		transition = "started"
	}
	c.handoffs.WithLabelValues(transition).Inc()
}

// PendingDivergence implements syncengine.Observer.
func (c *Collector) PendingDivergence(_, _ int) {
	c.divergences.Inc()
}

// LoadingChanged implements syncengine.Observer.
func (c *Collector) LoadingChanged(loading bool) {
	if loading {
		c.loading.Set(1)
		return
	}
	c.loading.Set(0)
}

// RecordToolCall records one finished tool call.
func (c *Collector) RecordToolCall(toolName string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
		c.toolErrors.WithLabelValues(toolName).Inc()
	}
	c.toolCalls.WithLabelValues(toolName, status).Inc()
	c.toolLatency.WithLabelValues(toolName).Observe(latency.Seconds())
}

// ToolHooks returns executor hooks feeding the tool metrics.
func (c *Collector) ToolHooks() toolexec.Hooks {
	return toolexec.Hooks{
		OnComplete: func(call convtypes.ToolCall, _ any, elapsed time.Duration) {
			c.RecordToolCall(call.Name(), elapsed, true)
		},
		OnError: func(call convtypes.ToolCall, _ error, elapsed time.Duration) {
			c.RecordToolCall(call.Name(), elapsed, false)
		},
	}
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
