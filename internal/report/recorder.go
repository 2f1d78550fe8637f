// Package report keeps a short history of raw RSSI samples and renders
// per-run plots from it. The recorder is fed from the engine's sample
// callback; the plotter turns the window around a finalized run into a PNG.
package report

import (
	"sync"
	"time"

	"github.com/gatescan/route.timer/internal/signal"
)

// DefaultTraceCapacity bounds the per-sensor sample history. At a typical
// 100ms advertising interval this covers well over ten minutes.
const DefaultTraceCapacity = 8192

// TracePoint is one recorded sample for one sensor.
type TracePoint struct {
	Timestamp time.Time `json:"timestamp"`
	RSSI      float64   `json:"rssi_dbm"`
}

// Recorder is a bounded per-sensor RSSI history. All methods are safe for
// concurrent use; the engine writes from its loop while chart and plot
// handlers read.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	traces   map[string][]TracePoint
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	return &Recorder{
		capacity: capacity,
		traces:   make(map[string][]TracePoint),
	}
}

// Record appends one sample to its sensor's trace, evicting the oldest
// point once the trace is full.
func (r *Recorder) Record(s signal.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trace := r.traces[s.Address]
	if len(trace) >= r.capacity {
		copy(trace, trace[1:])
		trace = trace[:len(trace)-1]
	}
	r.traces[s.Address] = append(trace, TracePoint{Timestamp: s.Timestamp, RSSI: s.RSSI})
}

// TracesSince returns a copy of every sensor's trace restricted to points
// at or after the cutoff. Sensors with no points in the window are omitted.
func (r *Recorder) TracesSince(cutoff time.Time) map[string][]TracePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]TracePoint, len(r.traces))
	for addr, trace := range r.traces {
		// Traces are append-ordered by arrival; find the first point inside
		// the window and copy from there.
		i := 0
		for i < len(trace) && trace[i].Timestamp.Before(cutoff) {
			i++
		}
		if i == len(trace) {
			continue
		}
		cp := make([]TracePoint, len(trace)-i)
		copy(cp, trace[i:])
		out[addr] = cp
	}
	return out
}

// TracesBetween returns each sensor's points within [from, to].
func (r *Recorder) TracesBetween(from, to time.Time) map[string][]TracePoint {
	out := r.TracesSince(from)
	for addr, trace := range out {
		n := len(trace)
		for n > 0 && trace[n-1].Timestamp.After(to) {
			n--
		}
		if n == 0 {
			delete(out, addr)
			continue
		}
		out[addr] = trace[:n]
	}
	return out
}
