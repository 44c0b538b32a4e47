package testsupport

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MetricValue reads a series from the default registry. Counters and gauges
// report their value, histograms their sample count. A missing series reads 0.
func MetricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err, "failed to gather metrics")

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, pair := range m.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// AssertMetricDelta runs fn and asserts the series moved by exactly delta.
// Tests using it must not run in parallel with others touching the same series.
func AssertMetricDelta(t *testing.T, name string, labels map[string]string, delta float64, fn func()) {
	t.Helper()

	before := MetricValue(t, name, labels)
	fn()
	assert.Equal(t, delta, MetricValue(t, name, labels)-before, "metric %s%v delta mismatch", name, labels)
}

// AssertMetricDeltaEventually is AssertMetricDelta for work finished by a
// background goroutine, such as a sink flush or a push notification.
func AssertMetricDeltaEventually(t *testing.T, name string, labels map[string]string, delta float64, fn func()) {
	t.Helper()

	before := MetricValue(t, name, labels)
	fn()
	require.Eventually(t, func() bool {
		return MetricValue(t, name, labels) == before+delta
	}, 2*time.Second, 20*time.Millisecond, "metric %s%v did not move by %.0f", name, labels, delta)
}

// AssertHistogramRecorded asserts that a histogram holds at least one sample.
func AssertHistogramRecorded(t *testing.T, name string, labels map[string]string) {
	t.Helper()
	assert.Positive(t, MetricValue(t, name, labels), "histogram %s%v has no samples", name, labels)
}
