package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatescan/route.timer/internal/db"
	"github.com/gatescan/route.timer/internal/security"
	"github.com/gatescan/route.timer/internal/units"
	"github.com/gatescan/route.timer/internal/version"
)

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := map[string]any{
		"version":        version.Version,
		"git_sha":        version.GitSHA,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"units":          s.units,
		"engine":         s.engine.Snapshot(),
	}
	s.writeJSON(w, resp)
}

func (s *Server) showRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.route)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Database not configured")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	state := r.URL.Query().Get("state")

	runs, err := s.db.Runs(limit, state)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.RunRecord{}
	}
	s.writeJSON(w, runs)
}

// segmentAPI is one between-gates split in a run detail response.
type segmentAPI struct {
	From       string `json:"from"`
	To         string `json:"to"`
	DurationMs int64  `json:"duration_ms"`
	Duration   string `json:"duration"`
}

func segmentsFromPassages(passages []db.PassageRecord) []segmentAPI {
	segments := make([]segmentAPI, 0, len(passages))
	for i := 1; i < len(passages); i++ {
		d := passages[i].Timestamp.Sub(passages[i-1].Timestamp)
		segments = append(segments, segmentAPI{
			From:       passages[i-1].GateName,
			To:         passages[i].GateName,
			DurationMs: d.Milliseconds(),
			Duration:   units.FormatDuration(d),
		})
	}
	return segments
}

// showRun serves /api/runs/{id} and /api/runs/{id}/plot.
func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id, ok := strings.CutSuffix(rest, "/plot"); ok {
		s.servePlot(w, r, id)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		s.writeJSONError(w, http.StatusNotFound, "Not found")
		return
	}

	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Database not configured")
		return
	}

	run, passages, err := s.db.Run(rest)
	if errors.Is(err, db.ErrRunNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve run: %v", err))
		return
	}

	s.writeJSON(w, map[string]any{
		"run":      run,
		"passages": passages,
		"segments": segmentsFromPassages(passages),
	})
}

func (s *Server) servePlot(w http.ResponseWriter, r *http.Request, id string) {
	if s.plotter == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Plots not configured")
		return
	}

	path := s.plotter.Path(security.SanitizeFilename(id))
	if err := security.ValidatePathWithinDirectory(path, s.plotter.Dir); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid run id")
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.writeJSONError(w, http.StatusNotFound, "No plot for this run")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

func (s *Server) latestResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	res := s.latest
	s.mu.Unlock()
	if res == nil {
		s.writeJSONError(w, http.StatusNotFound, "No finalized results yet")
		return
	}

	resp := map[string]any{
		"run_id":     res.RunID,
		"route":      res.Route,
		"state":      res.State,
		"started_at": res.StartedAt,
		"ended_at":   res.EndedAt,
		"passages":   res.Passages,
	}

	segments := make([]segmentAPI, 0, len(res.Segments))
	for _, seg := range res.Segments {
		segments = append(segments, segmentAPI{
			From:       seg.From,
			To:         seg.To,
			DurationMs: seg.Duration.Milliseconds(),
			Duration:   units.FormatDuration(seg.Duration),
		})
	}
	resp["segments"] = segments

	if res.Total > 0 {
		resp["total_ms"] = res.Total.Milliseconds()
		resp["total"] = units.FormatDuration(res.Total)
		if dist := s.route.DistanceMeters; dist > 0 {
			mps := units.SpeedMPS(dist, res.Total)
			resp["speed"] = units.ConvertSpeed(mps, s.units)
			resp["speed_units"] = s.units
			resp["pace_min_per_km"] = units.PaceMinPerKm(dist, res.Total)
			resp["pace_min_per_mile"] = units.PaceMinPerMile(dist, res.Total)
		}
	}

	s.writeJSON(w, resp)
}
