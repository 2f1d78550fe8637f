package signal

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// feed offers evenly spaced samples and returns every emitted transition.
func feed(f *Filter, start time.Time, step time.Duration, rssi ...float64) []Transition {
	var out []Transition
	for i, v := range rssi {
		tr, ok := f.Offer(Sample{
			Address:   "C4:64:E3:0A:11:22",
			RSSI:      v,
			Timestamp: start.Add(time.Duration(i) * step),
		})
		if ok {
			out = append(out, tr)
		}
	}
	return out
}

func newTestFilter() *Filter {
	return NewFilter(FilterConfig{
		Address:      "C4:64:E3:0A:11:22",
		GateIndex:    1,
		ThresholdDBm: -72,
		MarginDB:     4, // enter at >= -68, exit at <= -76
		WindowSize:   5,
		Debounce:     1500 * time.Millisecond,
	})
}

func TestFilterDefaults(t *testing.T) {
	f := NewFilter(FilterConfig{Address: "C4:64:E3:0A:11:22", ThresholdDBm: -72})
	if len(f.window) != DefaultWindowSize {
		t.Errorf("window size = %d, want %d", len(f.window), DefaultWindowSize)
	}
	if f.debounce != DefaultDebounce {
		t.Errorf("debounce = %v, want %v", f.debounce, DefaultDebounce)
	}
}

func TestFilterEnterAfterDebounce(t *testing.T) {
	f := newTestFilter()

	// Strong signal sustained well past the debounce period. The candidate
	// arms on the first sample; the first sample at least 1.5s later
	// confirms it.
	got := feed(f, t0, 200*time.Millisecond,
		-60, -61, -60, -59, -60, -60, -61, -60, -60, -60)

	if len(got) != 1 {
		t.Fatalf("got %d transitions, want 1", len(got))
	}
	tr := got[0]
	if tr.Kind != Enter {
		t.Errorf("kind = %v, want enter", tr.Kind)
	}
	if !tr.Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want candidate start %v", tr.Timestamp, t0)
	}
	if tr.GateIndex != 1 {
		t.Errorf("gate index = %d, want 1", tr.GateIndex)
	}
	if !f.Present() {
		t.Error("filter should report present after enter")
	}
}

// The core noise-rejection guarantee: a presence change shorter than the
// debounce period never emits a transition.
func TestFilterRejectsBlipShorterThanDebounce(t *testing.T) {
	f := newTestFilter()

	// 1.0s of strong signal (five samples at 200ms), then gone quiet: the
	// candidate never survives the full 1.5s.
	got := feed(f, t0, 200*time.Millisecond,
		-60, -60, -60, -60, -60, -90, -90, -90, -90, -90, -90)

	if len(got) != 0 {
		t.Fatalf("got %d transitions for a sub-debounce blip, want 0", len(got))
	}
	if f.Present() {
		t.Error("filter should remain absent")
	}
}

func TestFilterDeadBandBreaksSustain(t *testing.T) {
	f := newTestFilter()

	// Jitter around the threshold stays inside the hysteresis band
	// (-76..-68) and must neither flip state nor keep a candidate alive.
	got := feed(f, t0, 200*time.Millisecond,
		-70, -73, -71, -74, -70, -72, -71, -73, -70, -72, -71, -73)

	if len(got) != 0 {
		t.Fatalf("got %d transitions inside the dead band, want 0", len(got))
	}

	// A strong burst interrupted by a dip into the dead band restarts the
	// sustain clock; total high time exceeds the debounce but no single
	// sustained stretch does. The dip needs three samples to carry the
	// window median with it.
	got = feed(f, t0.Add(10*time.Second), 200*time.Millisecond,
		-60, -60, -60, -60, -60, -70, -70, -70, -60, -60, -60, -60, -70, -70, -70)
	if len(got) != 0 {
		t.Fatalf("got %d transitions for interrupted sustain, want 0", len(got))
	}
}

func TestFilterMedianRejectsSpike(t *testing.T) {
	f := newTestFilter()

	// One absurd spike in otherwise weak signal: the window median never
	// crosses the enter bound, so no candidate even arms.
	got := feed(f, t0, 200*time.Millisecond,
		-90, -90, -90, -40, -90, -90, -90, -90, -90, -90)

	if len(got) != 0 {
		t.Fatalf("got %d transitions from a single spike, want 0", len(got))
	}
}

func TestFilterExitDebounced(t *testing.T) {
	f := newTestFilter()

	// Enter first.
	feed(f, t0, 200*time.Millisecond, -60, -60, -60, -60, -60, -60, -60, -60, -60)
	if !f.Present() {
		t.Fatal("setup: filter should be present")
	}

	// Signal dies. With a 5-wide window the median crosses the exit bound
	// on the third weak sample, which becomes the exit candidate start;
	// confirmation needs 1.5s of sustained weakness after that.
	start := t0.Add(5 * time.Second)
	got := feed(f, start, 200*time.Millisecond,
		-90, -90, -90, -90, -90, -90, -90, -90, -90, -90, -90, -90)

	if len(got) != 1 {
		t.Fatalf("got %d transitions, want 1 exit", len(got))
	}
	tr := got[0]
	if tr.Kind != Exit {
		t.Errorf("kind = %v, want exit", tr.Kind)
	}
	wantTS := start.Add(2 * 200 * time.Millisecond)
	if !tr.Timestamp.Equal(wantTS) {
		t.Errorf("timestamp = %v, want median-crossing at %v", tr.Timestamp, wantTS)
	}
	if f.Present() {
		t.Error("filter should report absent after exit")
	}
}

// Consecutive transitions for one sensor strictly alternate enter/exit with
// non-decreasing timestamps, whatever the input looks like.
func TestFilterAlternation(t *testing.T) {
	f := newTestFilter()

	var all []Transition
	script := []struct {
		start time.Time
		rssi  []float64
	}{
		{t0, []float64{-60, -60, -60, -60, -60, -60, -60, -60, -60, -60, -60, -60}},
		{t0.Add(10 * time.Second), []float64{-90, -90, -90, -90, -90, -90, -90, -90, -90, -90, -90, -90}},
		{t0.Add(20 * time.Second), []float64{-55, -56, -55, -55, -55, -55, -55, -55, -55, -55, -55, -55}},
		{t0.Add(30 * time.Second), []float64{-88, -89, -90, -88, -90, -90, -90, -88, -90, -90, -90, -90}},
	}
	for _, leg := range script {
		all = append(all, feed(f, leg.start, 200*time.Millisecond, leg.rssi...)...)
	}

	if len(all) != 4 {
		t.Fatalf("got %d transitions, want 4", len(all))
	}
	for i, tr := range all {
		wantKind := Enter
		if i%2 == 1 {
			wantKind = Exit
		}
		if tr.Kind != wantKind {
			t.Errorf("transition %d: kind = %v, want %v", i, tr.Kind, wantKind)
		}
		if i > 0 && tr.Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("transition %d: timestamp %v before previous %v", i, tr.Timestamp, all[i-1].Timestamp)
		}
	}
}

func TestFilterClampsRegressingTimestamps(t *testing.T) {
	f := newTestFilter()

	f.Offer(Sample{Address: "C4:64:E3:0A:11:22", RSSI: -60, Timestamp: t0.Add(time.Second)})
	// A stray sample from before the last one must not move time backwards.
	f.Offer(Sample{Address: "C4:64:E3:0A:11:22", RSSI: -60, Timestamp: t0})

	if got := f.State().LastSample; !got.Equal(t0.Add(time.Second)) {
		t.Errorf("last sample = %v, want clamped %v", got, t0.Add(time.Second))
	}
}

func TestFilterState(t *testing.T) {
	f := newTestFilter()
	feed(f, t0, 200*time.Millisecond, -60, -62, -61)

	st := f.State()
	if st.Address != "C4:64:E3:0A:11:22" {
		t.Errorf("address = %q", st.Address)
	}
	if st.GateIndex != 1 {
		t.Errorf("gate index = %d, want 1", st.GateIndex)
	}
	if st.Present {
		t.Error("present should be false before debounce")
	}
	if st.Smoothed != -61 {
		t.Errorf("smoothed = %v, want median -61", st.Smoothed)
	}
	if !st.LastSample.Equal(t0.Add(400 * time.Millisecond)) {
		t.Errorf("last sample = %v", st.LastSample)
	}
}

func TestFilterResetCandidateBefore(t *testing.T) {
	f := newTestFilter()

	// Arm a candidate but do not confirm it.
	feed(f, t0, 200*time.Millisecond, -60, -60, -60)

	if !f.ResetCandidateBefore(t0.Add(time.Second)) {
		t.Fatal("expected a candidate to be reset")
	}
	if f.ResetCandidateBefore(t0.Add(time.Second)) {
		t.Fatal("second reset should find nothing")
	}

	// After the reset, the sustain restarts: a confirming-age sample right
	// after must not flip using the old candidate start.
	tr, ok := f.Offer(Sample{Address: "C4:64:E3:0A:11:22", RSSI: -60, Timestamp: t0.Add(1600 * time.Millisecond)})
	if ok {
		t.Fatalf("flip emitted from a reset candidate: %+v", tr)
	}
}
