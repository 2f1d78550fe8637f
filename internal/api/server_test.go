package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatescan/route.timer/internal/db"
	"github.com/gatescan/route.timer/internal/report"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/timing"
	"github.com/gatescan/route.timer/internal/units"
)

func testRoute() *route.Route {
	return &route.Route{
		Name:           "hill-loop",
		DistanceMeters: 400,
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

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	rt := testRoute()
	engine, err := timing.New(timing.Config{Route: rt})
	require.NoError(t, err)

	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	recorder := report.NewRecorder(0)
	plotter := report.NewPlotter(t.TempDir(), rt, recorder)
	return NewServer(engine, store, rt, recorder, plotter, units.KPH), store
}

func getJSON(t *testing.T, s *Server, path string, want int) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	require.Equal(t, want, rec.Code, "body: %s", rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestShowStatus(t *testing.T) {
	s, _ := newTestServer(t)
	body := getJSON(t, s, "/api/status", http.StatusOK)
	assert.Equal(t, "kph", body["units"])
	engine := body["engine"].(map[string]any)
	assert.Equal(t, "hill-loop", engine["route"])
}

func TestShowRoute(t *testing.T) {
	s, _ := newTestServer(t)
	body := getJSON(t, s, "/api/route", http.StatusOK)
	assert.Equal(t, "hill-loop", body["name"])
	assert.Len(t, body["gates"], 2)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/status", "/api/route", "/api/runs", "/api/results/latest"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		s.ServeMux().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestListRunsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListRunsBadLimit(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedRun(t *testing.T, store *db.DB, total time.Duration) uuid.UUID {
	t.Helper()
	runID := uuid.New()
	started := time.Now().Add(-total)
	require.NoError(t, store.RecordRunStart(runID, "hill-loop", started))
	require.NoError(t, store.RecordPassage(timing.Passage{
		RunID: runID, GateIndex: 0, Gate: "start", Role: route.RoleStart,
		Timestamp: started, RSSI: -62,
	}))
	require.NoError(t, store.RecordPassage(timing.Passage{
		RunID: runID, GateIndex: 1, Gate: "finish", Role: route.RoleFinish,
		Timestamp: started.Add(total), RSSI: -65,
	}))
	require.NoError(t, store.FinalizeRun(timing.Result{
		RunID: runID, Route: "hill-loop", State: timing.RunCompleted,
		StartedAt: started, EndedAt: started.Add(total), Total: total,
	}))
	return runID
}

func TestShowRunDetail(t *testing.T) {
	s, store := newTestServer(t)
	runID := seedRun(t, store, 80*time.Second)

	body := getJSON(t, s, "/api/runs/"+runID.String(), http.StatusOK)
	run := body["run"].(map[string]any)
	assert.Equal(t, "completed", run["state"])
	assert.Len(t, body["passages"], 2)

	segments := body["segments"].([]any)
	require.Len(t, segments, 1)
	seg := segments[0].(map[string]any)
	assert.Equal(t, "start", seg["from"])
	assert.Equal(t, "finish", seg["to"])
	assert.Equal(t, float64(80000), seg["duration_ms"])
}

func TestShowRunNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	getJSON(t, s, "/api/runs/"+uuid.NewString(), http.StatusNotFound)
}

func TestLatestResult(t *testing.T) {
	s, _ := newTestServer(t)
	getJSON(t, s, "/api/results/latest", http.StatusNotFound)

	runID := uuid.New()
	started := time.Now().Add(-80 * time.Second)
	s.PublishResult(timing.Result{
		RunID: runID, Route: "hill-loop", State: timing.RunCompleted,
		StartedAt: started, EndedAt: started.Add(80 * time.Second),
		Total: 80 * time.Second,
		Segments: []timing.Segment{
			{From: "start", To: "finish", Duration: 80 * time.Second},
		},
	})

	body := getJSON(t, s, "/api/results/latest", http.StatusOK)
	assert.Equal(t, runID.String(), body["run_id"])
	assert.Equal(t, "1m20.0s", body["total"])
	// 400m in 80s is 5 m/s, 18 km/h.
	assert.InDelta(t, 18.0, body["speed"].(float64), 0.01)
	assert.Equal(t, "3:20", body["pace_min_per_km"])
}

func TestServePlot(t *testing.T) {
	s, _ := newTestServer(t)

	getJSON(t, s, "/api/runs/"+uuid.NewString()+"/plot", http.StatusNotFound)

	path := s.plotter.Path("some-run")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0644))

	req := httptest.NewRequest(http.MethodGet, "/api/runs/some-run/plot", nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}
