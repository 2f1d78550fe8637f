package report

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
	"github.com/gatescan/route.timer/internal/timing"
)

func plotterRoute() *route.Route {
	return &route.Route{
		Name: "hill-loop",
		Gates: []route.Gate{
			{Name: "start", Role: route.RoleStart, Sensors: []route.Sensor{
				{Address: "AA:BB:CC:DD:EE:01", Name: "gate-a", ThresholdDBm: -70, MarginDB: 5},
			}},
			{Name: "finish", Role: route.RoleFinish, Sensors: []route.Sensor{
				{Address: "AA:BB:CC:DD:EE:02", ThresholdDBm: -70, MarginDB: 5},
			}},
		},
	}
}

func TestRenderResultWritesPNG(t *testing.T) {
	rec := NewRecorder(0)
	rt := plotterRoute()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		rec.Record(signal.Sample{Address: "AA:BB:CC:DD:EE:01", RSSI: -60 - float64(i%20), Timestamp: ts})
		rec.Record(signal.Sample{Address: "AA:BB:CC:DD:EE:02", RSSI: -85 + float64(i%20), Timestamp: ts})
	}

	runID := uuid.New()
	pl := NewPlotter(t.TempDir(), rt, rec)
	path, err := pl.RenderResult(timing.Result{
		RunID:     runID,
		Route:     rt.Name,
		State:     timing.RunCompleted,
		StartedAt: base.Add(5 * time.Second),
		EndedAt:   base.Add(50 * time.Second),
		Total:     45 * time.Second,
		Passages: []timing.Passage{
			{RunID: runID, GateIndex: 0, Gate: "start", Timestamp: base.Add(5 * time.Second), RSSI: -62},
			{RunID: runID, GateIndex: 1, Gate: "finish", Timestamp: base.Add(50 * time.Second), RSSI: -68},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, pl.Path(runID.String()), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRenderResultNoSamples(t *testing.T) {
	pl := NewPlotter(t.TempDir(), plotterRoute(), NewRecorder(0))
	_, err := pl.RenderResult(timing.Result{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		EndedAt:   time.Now().Add(time.Minute),
	})
	assert.Error(t, err)
}
