package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

const chartWindow = 5 * time.Minute

// AttachDebugRoutes mounts the charts on the tsweb debugger so they appear
// on the /debug/ index next to the store and serial admin routes. The outer
// mux routes all of /debug/ to the debugger, so the chart paths in
// ServeMux only answer when the API mux is served on its own.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("charts/rssi", "RSSI traces for the last few minutes", http.HandlerFunc(s.rssiChart))
	debug.Handle("charts/splits", "Segment splits of recent completed runs", http.HandlerFunc(s.splitsChart))
}

// rssiChart renders recent raw RSSI per sensor with the hysteresis band of
// each sensor as dashed mark lines.
func (s *Server) rssiChart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Trace recorder not configured")
		return
	}

	traces := s.recorder.TracesSince(time.Now().Add(-chartWindow))
	if len(traces) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "No samples in the last 5 minutes")
		return
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sensor RSSI", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sensor RSSI", Subtitle: fmt.Sprintf("route=%s window=%s", s.route.Name, chartWindow)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "Time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RSSI (dBm)"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	for _, sensor := range s.route.Sensors() {
		trace, ok := traces[sensor.Address]
		if !ok {
			continue
		}
		data := make([]opts.LineData, 0, len(trace))
		for _, tp := range trace {
			data = append(data, opts.LineData{Value: []interface{}{tp.Timestamp.Format(time.RFC3339Nano), tp.RSSI}})
		}
		label := sensor.Name
		if label == "" {
			label = sensor.Address
		}
		line.AddSeries(label, data,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
			charts.WithMarkLineNameYAxisItemOpts(
				opts.MarkLineNameYAxisItem{Name: label + " enter", YAxis: sensor.ThresholdDBm + sensor.MarginDB},
				opts.MarkLineNameYAxisItem{Name: label + " exit", YAxis: sensor.ThresholdDBm - sensor.MarginDB},
			),
		)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// splitsChart renders segment durations for recent completed runs as a
// grouped bar chart, one group per run, one series per segment.
func (s *Server) splitsChart(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Database not configured")
		return
	}

	runs, err := s.db.Runs(10, "completed")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get runs: %v", err))
		return
	}
	if len(runs) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "No completed runs yet")
		return
	}
	// Oldest first so the chart reads left to right in time.
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })

	x := make([]string, 0, len(runs))
	bySegment := make(map[string][]opts.BarData)
	var segmentOrder []string
	for runIdx, run := range runs {
		x = append(x, run.StartedAt.Format("15:04:05"))
		_, passages, err := s.db.Run(run.RunID)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run %s: %v", run.RunID, err))
			return
		}
		for _, seg := range segmentsFromPassages(passages) {
			label := seg.From + " to " + seg.To
			if _, ok := bySegment[label]; !ok {
				bySegment[label] = make([]opts.BarData, len(runs))
				segmentOrder = append(segmentOrder, label)
			}
			bySegment[label][runIdx] = opts.BarData{Value: float64(seg.DurationMs) / 1000.0}
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Run Splits", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Run Splits", Subtitle: fmt.Sprintf("route=%s runs=%d", s.route.Name, len(runs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Seconds"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x)
	for _, label := range segmentOrder {
		bar.AddSeries(label, bySegment[label])
	}

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
