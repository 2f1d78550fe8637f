// Package api serves the timing results and live pipeline state over HTTP:
// JSON endpoints for runs and results, an SSE stream of live events, and
// HTML debug charts.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gatescan/route.timer/internal/db"
	"github.com/gatescan/route.timer/internal/report"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
	"github.com/gatescan/route.timer/internal/timing"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	engine   *timing.Engine
	db       *db.DB
	route    *route.Route
	recorder *report.Recorder
	plotter  *report.Plotter
	units    string

	live      *Broadcaster
	startedAt time.Time

	mu     sync.Mutex
	latest *timing.Result
}

func NewServer(engine *timing.Engine, store *db.DB, rt *route.Route, recorder *report.Recorder, plotter *report.Plotter, units string) *Server {
	return &Server{
		engine:    engine,
		db:        store,
		route:     rt,
		recorder:  recorder,
		plotter:   plotter,
		units:     units,
		live:      NewBroadcaster(),
		startedAt: time.Now(),
	}
}

// PublishTransition forwards a debounced transition to SSE subscribers.
// Safe to call from the engine callback.
func (s *Server) PublishTransition(tr signal.Transition) {
	s.live.Publish("transition", tr)
}

// PublishResult records the most recent finalized result and forwards it
// to SSE subscribers.
func (s *Server) PublishResult(res timing.Result) {
	s.mu.Lock()
	s.latest = &res
	s.mu.Unlock()
	s.live.Publish("result", res)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/route", s.showRoute)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.showRun)
	mux.HandleFunc("/api/results/latest", s.latestResult)
	mux.HandleFunc("/api/live", s.streamLive)
	mux.HandleFunc("/debug/charts/rssi", s.rssiChart)
	mux.HandleFunc("/debug/charts/splits", s.splitsChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write response")
	}
}
