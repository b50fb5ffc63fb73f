package metrics

import (
	"sort"

	"github.com/metric-space/trl/internal/observability/logging"
)

// Sink receives what a trainer reports while running: the flat
// metric-name to scalar mapping emitted once per step or epoch, counter
// events for discrete occurrences (optimizer steps, target syncs, reward
// function calls), and duration observations. Scalar keys may carry mode
// or variant prefixes such as "SQL_ON/rewards/raw". Implementations must
// be safe for concurrent use: trainers report from multiple goroutines
// when async reward computation is enabled.
type Sink interface {
	Log(step int, scalars map[string]float64)
	Count(name string, labels map[string]string)
	Observe(name string, seconds float64, labels map[string]string)
}

// CollectorSink routes trainer reports into a Prometheus Collector.
// Scalars whose key names a registered core gauge feed that gauge
// directly; every scalar is additionally exported through the generic
// "scalar" gauge with the key as a label.
type CollectorSink struct {
	collector *Collector
	trainer   string
}

// coreGauges are the scalar keys with a dedicated registered gauge.
var coreGauges = map[string]bool{
	"loss":          true,
	"reward_mean":   true,
	"reward_std":    true,
	"approx_kl":     true,
	"clip_fraction": true,
}

// NewCollectorSink creates a sink backed by a Collector, labeled with the
// trainer name ("ddpo" or "softq")
func NewCollectorSink(collector *Collector, trainer string) *CollectorSink {
	return &CollectorSink{collector: collector, trainer: trainer}
}

// Log exports every scalar through the collector
func (s *CollectorSink) Log(step int, scalars map[string]float64) {
	for name, value := range scalars {
		if coreGauges[name] {
			s.collector.SetGauge(name, value, map[string]string{"trainer": s.trainer})
		}
		s.collector.SetGauge("scalar", value, map[string]string{
			"trainer": s.trainer,
			"name":    name,
		})
	}
}

// Count increments the named counter, labeled with the trainer
func (s *CollectorSink) Count(name string, labels map[string]string) {
	s.collector.IncCounter(name, s.withTrainer(labels))
}

// Observe records a duration in the named histogram, labeled with the
// trainer
func (s *CollectorSink) Observe(name string, seconds float64, labels map[string]string) {
	s.collector.Observe(name, seconds, s.withTrainer(labels))
}

func (s *CollectorSink) withTrainer(labels map[string]string) map[string]string {
	merged := make(map[string]string, len(labels)+1)
	merged["trainer"] = s.trainer
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

// LogSink writes scalars to the structured logger, one entry per step with
// deterministic field ordering. Counter and duration events are logged at
// debug level.
type LogSink struct {
	logger logging.Logger
}

// NewLogSink creates a sink backed by the structured logger
func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Log emits a single log entry carrying all scalars
func (s *LogSink) Log(step int, scalars map[string]float64) {
	keys := make([]string, 0, len(scalars))
	for k := range scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]logging.Field, 0, len(keys)+1)
	fields = append(fields, logging.Int("step", step))
	for _, k := range keys {
		fields = append(fields, logging.Float64(k, scalars[k]))
	}
	s.logger.Info("training metrics", fields...)
}

// Count logs the event at debug level
func (s *LogSink) Count(name string, labels map[string]string) {
	s.logger.Debug("training event", eventFields(name, labels)...)
}

// Observe logs the duration at debug level
func (s *LogSink) Observe(name string, seconds float64, labels map[string]string) {
	fields := append(eventFields(name, labels), logging.Float64("seconds", seconds))
	s.logger.Debug("training event", fields...)
}

func eventFields(name string, labels map[string]string) []logging.Field {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]logging.Field, 0, len(keys)+1)
	fields = append(fields, logging.String("event", name))
	for _, k := range keys {
		fields = append(fields, logging.String(k, labels[k]))
	}
	return fields
}

// MultiSink fans out to several sinks
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that forwards to all given sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Log forwards to every registered sink
func (s *MultiSink) Log(step int, scalars map[string]float64) {
	for _, sink := range s.sinks {
		sink.Log(step, scalars)
	}
}

// Count forwards to every registered sink
func (s *MultiSink) Count(name string, labels map[string]string) {
	for _, sink := range s.sinks {
		sink.Count(name, labels)
	}
}

// Observe forwards to every registered sink
func (s *MultiSink) Observe(name string, seconds float64, labels map[string]string) {
	for _, sink := range s.sinks {
		sink.Observe(name, seconds, labels)
	}
}

// NopSink discards everything. Used in tests.
type NopSink struct{}

// Log discards the scalars
func (NopSink) Log(step int, scalars map[string]float64) {}

// Count discards the event
func (NopSink) Count(name string, labels map[string]string) {}

// Observe discards the observation
func (NopSink) Observe(name string, seconds float64, labels map[string]string) {}
