// Package metrics provides metrics collection for training runs.
// It integrates the Prometheus SDK to register and update the core
// training metrics (rewards, losses, KL diagnostics, epoch durations)
// and exposes them over an optional HTTP endpoint.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages Prometheus metrics registration and updates
type Collector struct {
	registry *prometheus.Registry

	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string `mapstructure:"namespace"`

	// Subsystem for metrics grouping
	Subsystem string `mapstructure:"subsystem"`

	// Enable default Go runtime metrics
	EnableGoMetrics bool `mapstructure:"enable_go_metrics"`

	// Custom registry (optional)
	Registry *prometheus.Registry `mapstructure:"-"`
}

// NewCollector creates a new metrics collector with the core training
// metrics pre-registered
func NewCollector(cfg CollectorConfig) *Collector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}

	c := &Collector{
		registry:   registry,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	c.registerCoreMetrics()

	return c
}

// registerCoreMetrics registers the training metrics every run reports
func (c *Collector) registerCoreMetrics() {
	c.RegisterCounter("epochs_total", "Total number of completed outer epochs", []string{"trainer"})
	c.RegisterCounter("steps_total", "Total number of optimizer steps", []string{"trainer"})
	c.RegisterHistogram("epoch_duration_seconds", "Outer epoch wall time in seconds", []string{"trainer"}, prometheus.DefBuckets)

	c.RegisterGauge("loss", "Most recent scalar training loss", []string{"trainer"})
	c.RegisterGauge("reward_mean", "Mean raw reward of the latest sample batch", []string{"trainer"})
	c.RegisterGauge("reward_std", "Std of raw rewards of the latest sample batch", []string{"trainer"})
	c.RegisterGauge("approx_kl", "Approximate KL between old and new policy", []string{"trainer"})
	c.RegisterGauge("clip_fraction", "Fraction of ratios clipped by the trust region", []string{"trainer"})
	c.RegisterGauge("scalar", "Generic scalar metric routed from the training log", []string{"trainer", "name"})

	c.RegisterCounter("target_syncs_total", "Total number of target network syncs", []string{"trainer", "method"})
	c.RegisterCounter("reward_requests_total", "Total number of reward function invocations", []string{"trainer", "mode"})
}

// RegisterCounter registers a counter vector
func (c *Collector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.registry.MustRegister(counter)
	c.counters[name] = counter
}

// RegisterGauge registers a gauge vector
func (c *Collector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.registry.MustRegister(gauge)
	c.gauges[name] = gauge
}

// RegisterHistogram registers a histogram vector
func (c *Collector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)

	c.registry.MustRegister(histogram)
	c.histograms[name] = histogram
}

// IncCounter increments a counter
func (c *Collector) IncCounter(name string, labels map[string]string) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		counter.With(labels).Inc()
	}
}

// SetGauge sets a gauge value
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		gauge.With(labels).Set(value)
	}
}

// Observe records a histogram observation
func (c *Collector) Observe(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		histogram.With(labels).Observe(value)
	}
}

// Handler returns an HTTP handler exposing the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
