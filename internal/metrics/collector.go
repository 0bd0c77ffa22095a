package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/tiercache/pkg/errors"
)

// Collector exports scheduler and cache metrics through its own Prometheus
// registry. A nil *Collector is valid and records nothing.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	taskCounter   *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	cacheRequests *prometheus.CounterVec
	cacheBytes    *prometheus.GaugeVec
	evictionBytes *prometheus.CounterVec
	evictionCount *prometheus.CounterVec
	fetchCounter  *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	errorCounter  *prometheus.CounterVec

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "tiercache",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	collector := &Collector{
		config: config,
		logger: slog.Default().With("component", "metrics"),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the underlying Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the metrics.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", healthHandler)
	return mux
}

// Start serves the metrics endpoint in the background until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordTask records a finished task run on a lane
func (c *Collector) RecordTask(lane, status string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.taskCounter.With(prometheus.Labels{"lane": lane, "status": status}).Inc()
	c.taskDuration.With(prometheus.Labels{"lane": lane}).Observe(duration.Seconds())
}

// SetQueueDepth updates the number of queued tasks on a lane
func (c *Collector) SetQueueDepth(lane string, depth int) {
	if !c.enabled() {
		return
	}
	c.queueDepth.With(prometheus.Labels{"lane": lane}).Set(float64(depth))
}

// RecordCacheHit records a hit on the given tier of a cache
func (c *Collector) RecordCacheHit(cache, tier string) {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"cache": cache, "tier": tier, "result": "hit"}).Inc()
}

// RecordCacheMiss records a miss across every tier of a cache
func (c *Collector) RecordCacheMiss(cache string) {
	if !c.enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"cache": cache, "tier": "all", "result": "miss"}).Inc()
}

// UpdateCacheSize updates the persisted byte count of a cache
func (c *Collector) UpdateCacheSize(cache string, size int64) {
	if !c.enabled() {
		return
	}
	c.cacheBytes.With(prometheus.Labels{"cache": cache}).Set(float64(size))
}

// RecordEviction records one evicted entry
func (c *Collector) RecordEviction(cache string, size int64) {
	if !c.enabled() {
		return
	}
	c.evictionCount.With(prometheus.Labels{"cache": cache}).Inc()
	c.evictionBytes.With(prometheus.Labels{"cache": cache}).Add(float64(size))
}

// RecordFetch records one network fetch attempt
func (c *Collector) RecordFetch(status int, duration time.Duration) {
	if !c.enabled() {
		return
	}
	label := "error"
	if status > 0 {
		label = fmt.Sprintf("%dxx", status/100)
	}
	c.fetchCounter.With(prometheus.Labels{"status": label}).Inc()
	c.fetchDuration.Observe(duration.Seconds())
}

// RecordError records an error by operation and error code
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	code := string(errors.CodeOf(err))
	if code == "" {
		code = "other"
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "code": code}).Inc()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.taskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "tasks_total",
			Help:        "Total number of task runs by lane and terminal status",
			ConstLabels: labels,
		},
		[]string{"lane", "status"},
	)

	c.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "task_duration_seconds",
			Help:        "Duration of task bodies in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 16),
			ConstLabels: labels,
		},
		[]string{"lane"},
	)

	c.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "queue_depth",
			Help:        "Number of queued tasks per lane",
			ConstLabels: labels,
		},
		[]string{"lane"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_requests_total",
			Help:        "Total number of cache lookups by tier and result",
			ConstLabels: labels,
		},
		[]string{"cache", "tier", "result"},
	)

	c.cacheBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "cache_persisted_bytes",
			Help:        "Bytes held in the persistent tier per cache",
			ConstLabels: labels,
		},
		[]string{"cache"},
	)

	c.evictionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_evictions_total",
			Help:        "Total number of evicted entries",
			ConstLabels: labels,
		},
		[]string{"cache"},
	)

	c.evictionBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_evicted_bytes_total",
			Help:        "Total number of bytes freed by eviction",
			ConstLabels: labels,
		},
		[]string{"cache"},
	)

	c.fetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "fetches_total",
			Help:        "Total number of network fetch attempts by status class",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "fetch_duration_seconds",
			Help:        "Duration of network fetch attempts in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
			ConstLabels: labels,
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "errors_total",
			Help:        "Total number of errors by operation and code",
			ConstLabels: labels,
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.taskCounter,
		c.taskDuration,
		c.queueDepth,
		c.cacheRequests,
		c.cacheBytes,
		c.evictionCount,
		c.evictionBytes,
		c.fetchCounter,
		c.fetchDuration,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"tiercache-metrics"}`))
}
