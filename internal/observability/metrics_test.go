package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveSample("AA:BB:CC:DD:EE:01")
	c.ObserveSample("AA:BB:CC:DD:EE:01")
	c.SamplesUnknown.Inc()
	c.ObserveTransition("AA:BB:CC:DD:EE:01", "enter")
	c.ObserveCompletedRun(84.2)
	c.ObserveAbandonedRun()
	c.SetSensorPresent("AA:BB:CC:DD:EE:01", true)
	c.SetMergeBufferDepth(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `samples_total{sensor="AA:BB:CC:DD:EE:01"} 2`)
	assert.Contains(t, body, "samples_unknown_total 1")
	assert.Contains(t, body, `transitions_total{kind="enter",sensor="AA:BB:CC:DD:EE:01"} 1`)
	assert.Contains(t, body, "runs_completed_total 1")
	assert.Contains(t, body, "runs_abandoned_total 1")
	assert.Contains(t, body, `sensor_present{sensor="AA:BB:CC:DD:EE:01"} 1`)
	assert.Contains(t, body, "merge_buffer_depth 3")
}

func TestNewCollectorTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	assert.Same(t, first.SamplesTotal, second.SamplesTotal)
	assert.Same(t, first.RunsCompleted, second.RunsCompleted)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveSample("AA:BB:CC:DD:EE:01")
	c.ObserveTransition("AA:BB:CC:DD:EE:01", "exit")
	c.ObserveCompletedRun(10)
	c.ObserveAbandonedRun()
	c.SetSensorPresent("AA:BB:CC:DD:EE:01", false)
	c.SetMergeBufferDepth(0)
}
