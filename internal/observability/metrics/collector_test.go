package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metric-space/trl/internal/observability/logging"
)

func newTestCollector() *Collector {
	return NewCollector(CollectorConfig{Namespace: "trl", Subsystem: "training"})
}

func TestCoreMetricsAreRegistered(t *testing.T) {
	c := newTestCollector()

	c.IncCounter("epochs_total", map[string]string{"trainer": "ddpo"})
	c.SetGauge("loss", 0.42, map[string]string{"trainer": "ddpo"})
	c.Observe("epoch_duration_seconds", 1.5, map[string]string{"trainer": "ddpo"})

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["trl_training_epochs_total"])
	assert.True(t, names["trl_training_loss"])
	assert.True(t, names["trl_training_epoch_duration_seconds"])
}

func TestSetGaugeValue(t *testing.T) {
	c := newTestCollector()
	c.SetGauge("reward_mean", 3.14, map[string]string{"trainer": "softq"})

	g, ok := c.gauges["reward_mean"]
	require.True(t, ok)
	assert.InDelta(t, 3.14, testutil.ToFloat64(g.WithLabelValues("softq")), 1e-12)
}

func TestDuplicateRegistrationIsIgnored(t *testing.T) {
	c := newTestCollector()
	// A second registration of an existing name must not panic.
	c.RegisterGauge("loss", "duplicate", []string{"trainer"})
	c.SetGauge("loss", 1, map[string]string{"trainer": "ddpo"})
}

func TestHandlerServesExposition(t *testing.T) {
	c := newTestCollector()
	c.SetGauge("loss", 2.5, map[string]string{"trainer": "ddpo"})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "trl_training_loss"))
}

func TestCollectorSinkRoutesScalars(t *testing.T) {
	c := newTestCollector()
	sink := NewCollectorSink(c, "softq")

	sink.Log(3, map[string]float64{"SQL_OFF/loss": 1.25})

	g := c.gauges["scalar"]
	assert.InDelta(t, 1.25, testutil.ToFloat64(g.WithLabelValues("softq", "SQL_OFF/loss")), 1e-12)
}

func TestCollectorSinkRoutesCoreGauges(t *testing.T) {
	c := newTestCollector()
	sink := NewCollectorSink(c, "ddpo")

	sink.Log(1, map[string]float64{"loss": 0.75})

	// A scalar naming a core gauge feeds it directly, in addition to the
	// generic export.
	assert.InDelta(t, 0.75, testutil.ToFloat64(c.gauges["loss"].WithLabelValues("ddpo")), 1e-12)
	assert.InDelta(t, 0.75, testutil.ToFloat64(c.gauges["scalar"].WithLabelValues("ddpo", "loss")), 1e-12)
}

func TestCollectorSinkRoutesEvents(t *testing.T) {
	c := newTestCollector()
	sink := NewCollectorSink(c, "softq")

	sink.Count("steps_total", nil)
	sink.Count("steps_total", nil)
	sink.Count("target_syncs_total", map[string]string{"method": "polyak"})
	sink.Observe("epoch_duration_seconds", 0.25, nil)

	assert.InDelta(t, 2, testutil.ToFloat64(c.counters["steps_total"].WithLabelValues("softq")), 1e-12)
	assert.InDelta(t, 1, testutil.ToFloat64(c.counters["target_syncs_total"].WithLabelValues("softq", "polyak")), 1e-12)
	assert.Equal(t, 1, testutil.CollectAndCount(c.histograms["epoch_duration_seconds"]))
}

func TestMultiSinkFansOut(t *testing.T) {
	c := newTestCollector()
	sink := NewMultiSink(
		NewCollectorSink(c, "ddpo"),
		NewLogSink(logging.NewNoopLogger()),
		NopSink{},
	)
	sink.Log(1, map[string]float64{"loss": 0.5})

	g := c.gauges["scalar"]
	assert.InDelta(t, 0.5, testutil.ToFloat64(g.WithLabelValues("ddpo", "loss")), 1e-12)
}
