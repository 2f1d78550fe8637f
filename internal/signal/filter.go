package signal

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Filter defaults. Window and debounce are tuned for beacons advertising at
// 5-10 Hz; widen the window or the debounce for slower advertisers.
const (
	DefaultWindowSize = 5
	DefaultDebounce   = 1500 * time.Millisecond
)

// FilterConfig configures one per-sensor filter.
type FilterConfig struct {
	Address      string        // canonical sensor MAC
	GateIndex    int           // position of the sensor's gate on the route
	ThresholdDBm float64       // presence threshold
	MarginDB     float64       // hysteresis half-band around the threshold
	WindowSize   int           // samples in the smoothing window (default 5)
	Debounce     time.Duration // minimum sustained duration before a flip (default 1.5s)
}

// Filter holds the presence-detection state for a single sensor: a rolling
// sample window, the hysteresis band, and the debounce candidate. A filter
// is owned by exactly one goroutine; it is not safe for concurrent use.
type Filter struct {
	address   string
	gateIndex int
	threshold float64
	margin    float64
	debounce  time.Duration

	window  []float64 // ring buffer of recent RSSI values
	head    int
	count   int
	scratch []float64 // sorted copy for the median

	present        bool
	smoothed       float64
	lastSample     time.Time
	candidateSince time.Time // start of the pending flip, zero when none
}

// NewFilter creates a filter, filling zero config values with defaults.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Filter{
		address:   cfg.Address,
		gateIndex: cfg.GateIndex,
		threshold: cfg.ThresholdDBm,
		margin:    cfg.MarginDB,
		debounce:  cfg.Debounce,
		window:    make([]float64, cfg.WindowSize),
		scratch:   make([]float64, 0, cfg.WindowSize),
	}
}

// Offer folds one sample into the filter. It returns a transition and true
// when the debounced presence state flips. Per-sensor emissions strictly
// alternate Enter/Exit with non-decreasing timestamps.
func (f *Filter) Offer(s Sample) (Transition, bool) {
	ts := s.Timestamp
	if ts.Before(f.lastSample) {
		// The transport preserves per-sensor order; clamp rather than let a
		// stray regressing timestamp corrupt the debounce arithmetic.
		ts = f.lastSample
	}
	f.lastSample = ts

	f.push(s.RSSI)
	f.smoothed = f.median()

	// Hysteresis: which side of the band would we flip to, if any?
	arming := false
	switch {
	case !f.present && f.smoothed >= f.threshold+f.margin:
		arming = true
	case f.present && f.smoothed <= f.threshold-f.margin:
		arming = true
	}
	if !arming {
		// Dead band or back on the original side: the sustain is broken.
		f.candidateSince = time.Time{}
		return Transition{}, false
	}

	if f.candidateSince.IsZero() {
		f.candidateSince = ts
		return Transition{}, false
	}
	if ts.Sub(f.candidateSince) < f.debounce {
		return Transition{}, false
	}

	f.present = !f.present
	tr := Transition{
		Address:   f.address,
		GateIndex: f.gateIndex,
		Timestamp: f.candidateSince,
		RSSI:      f.smoothed,
	}
	if f.present {
		tr.Kind = Enter
	} else {
		tr.Kind = Exit
	}
	f.candidateSince = time.Time{}
	return tr, true
}

// ResetCandidateBefore clears a pending flip candidate that started at or
// before cutoff, reporting whether one was cleared. The merge stage calls
// this as its release watermark advances: a candidate left pending behind
// the watermark could confirm later with a timestamp behind transitions
// already released, violating the global ordering guarantee. The sensor's
// next qualifying sample starts a fresh candidate.
func (f *Filter) ResetCandidateBefore(cutoff time.Time) bool {
	if !f.candidateSince.IsZero() && !f.candidateSince.After(cutoff) {
		f.candidateSince = time.Time{}
		return true
	}
	return false
}

// Present reports the current debounced presence state.
func (f *Filter) Present() bool { return f.present }

// State returns a read-only view of the filter.
func (f *Filter) State() SensorState {
	return SensorState{
		Address:    f.address,
		GateIndex:  f.gateIndex,
		Present:    f.present,
		Smoothed:   f.smoothed,
		LastSample: f.lastSample,
	}
}

func (f *Filter) push(v float64) {
	f.window[f.head] = v
	f.head = (f.head + 1) % len(f.window)
	if f.count < len(f.window) {
		f.count++
	}
}

// median computes the window median. The median rather than the mean keeps
// a single spurious spike from dragging the smoothed value across the band.
func (f *Filter) median() float64 {
	f.scratch = f.scratch[:0]
	if f.count < len(f.window) {
		f.scratch = append(f.scratch, f.window[:f.count]...)
	} else {
		f.scratch = append(f.scratch, f.window...)
	}
	sort.Float64s(f.scratch)
	return stat.Quantile(0.5, stat.Empirical, f.scratch, nil)
}
