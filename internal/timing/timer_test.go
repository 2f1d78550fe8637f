package timing

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
)

var runEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func timingRoute() *route.Route {
	return &route.Route{
		Name: "forest-5k",
		Gates: []route.Gate{
			{Name: "start-arch", Role: route.RoleStart, Sensors: []route.Sensor{
				{Address: "C4:64:E3:0A:00:01", ThresholdDBm: -72, MarginDB: 4},
			}},
			{Name: "ridge", Role: route.RoleCheckpoint, Sensors: []route.Sensor{
				{Address: "C4:64:E3:0A:00:02", ThresholdDBm: -72, MarginDB: 4},
				{Address: "C4:64:E3:0A:00:03", ThresholdDBm: -70, MarginDB: 4},
			}},
			{Name: "finish-line", Role: route.RoleFinish, Sensors: []route.Sensor{
				{Address: "C4:64:E3:0A:00:04", ThresholdDBm: -75, MarginDB: 3},
			}},
		},
	}
}

func enter(gate int, addr string, at time.Duration) signal.Transition {
	return signal.Transition{
		Address:   addr,
		GateIndex: gate,
		Kind:      signal.Enter,
		Timestamp: runEpoch.Add(at),
		RSSI:      -60,
	}
}

func exit(gate int, addr string, at time.Duration) signal.Transition {
	tr := enter(gate, addr, at)
	tr.Kind = signal.Exit
	tr.RSSI = -90
	return tr
}

// observe drives a transition sequence and returns accepted passages and
// any finalized results.
func observe(rt *RouteTimer, trs ...signal.Transition) ([]Passage, []Result) {
	var passages []Passage
	var results []Result
	for _, tr := range trs {
		p, res, ok := rt.Observe(tr)
		if ok {
			passages = append(passages, p)
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return passages, results
}

func TestRouteTimerCompletesInOrder(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	_, results := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(1, "C4:64:E3:0A:00:02", 30*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 100*time.Second),
	)

	if len(results) != 1 {
		t.Fatalf("got %d results, want exactly 1", len(results))
	}
	res := results[0]
	if res.State != RunCompleted {
		t.Errorf("state = %v, want completed", res.State)
	}
	if res.Total != 100*time.Second {
		t.Errorf("total = %v, want 100s", res.Total)
	}
	wantSegments := []Segment{
		{From: "start-arch", To: "ridge", Duration: 30 * time.Second},
		{From: "ridge", To: "finish-line", Duration: 70 * time.Second},
	}
	if diff := cmp.Diff(wantSegments, res.Segments); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if res.RunID == uuid.Nil {
		t.Error("result should carry a run id")
	}
	if len(res.Passages) != 3 {
		t.Errorf("got %d passages, want 3", len(res.Passages))
	}
	if rt.State() != RunIdle {
		t.Errorf("state after completion = %v, want idle", rt.State())
	}
}

// A duplicate start enter mid-run changes nothing: the result equals the
// run without the duplicate.
func TestRouteTimerIgnoresStartReTrigger(t *testing.T) {
	clean := NewRouteTimer(timingRoute())
	_, wantResults := observe(clean,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(1, "C4:64:E3:0A:00:02", 30*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 100*time.Second),
	)

	noisy := NewRouteTimer(timingRoute())
	_, gotResults := observe(noisy,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(0, "C4:64:E3:0A:00:01", 10*time.Second), // re-trigger
		enter(1, "C4:64:E3:0A:00:02", 30*time.Second),
		enter(1, "C4:64:E3:0A:00:02", 40*time.Second), // duplicate checkpoint
		enter(2, "C4:64:E3:0A:00:04", 100*time.Second),
	)

	ignoreIDs := cmpopts.IgnoreFields(Result{}, "RunID")
	ignorePassageIDs := cmpopts.IgnoreFields(Passage{}, "RunID")
	if diff := cmp.Diff(wantResults, gotResults, ignoreIDs, ignorePassageIDs); diff != "" {
		t.Errorf("duplicate enters changed the result (-clean +noisy):\n%s", diff)
	}
}

// Skipping a checkpoint never completes a run: the finish enter ahead of
// the expected gate is ignored.
func TestRouteTimerNeverSkipsCheckpoint(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	passages, results := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(2, "C4:64:E3:0A:00:04", 50*time.Second), // checkpoint missed
	)
	if len(results) != 0 {
		t.Fatalf("run completed across a skipped checkpoint")
	}
	if len(passages) != 1 {
		t.Fatalf("accepted %d passages, want 1 (start only)", len(passages))
	}
	if rt.State() != RunInProgress {
		t.Fatalf("state = %v, want in_progress", rt.State())
	}

	// The run still completes once the checkpoint actually fires.
	_, results = observe(rt,
		enter(1, "C4:64:E3:0A:00:02", 60*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 90*time.Second),
	)
	if len(results) != 1 || results[0].State != RunCompleted {
		t.Errorf("results = %+v, want one completed", results)
	}
}

func TestRouteTimerIgnoresExits(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	passages, results := observe(rt,
		exit(0, "C4:64:E3:0A:00:01", 0),
		enter(0, "C4:64:E3:0A:00:01", time.Second),
		exit(0, "C4:64:E3:0A:00:01", 2*time.Second),
		enter(1, "C4:64:E3:0A:00:02", 30*time.Second),
		exit(1, "C4:64:E3:0A:00:02", 31*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 100*time.Second),
	)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if got := results[0].Total; got != 99*time.Second {
		t.Errorf("total = %v, want 99s (from the start enter)", got)
	}
	if len(passages) != 3 {
		t.Errorf("accepted %d passages, want 3", len(passages))
	}
}

func TestRouteTimerIdleIgnoresNonStart(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	passages, results := observe(rt,
		enter(1, "C4:64:E3:0A:00:02", time.Second),
		enter(2, "C4:64:E3:0A:00:04", 2*time.Second),
	)
	if len(passages) != 0 || len(results) != 0 {
		t.Errorf("idle machine accepted passages %v results %v", passages, results)
	}
	if rt.State() != RunIdle {
		t.Errorf("state = %v, want idle", rt.State())
	}
}

// Accepted timestamps are strictly increasing within a run: an enter that
// does not move time forward is ignored even at the expected gate.
func TestRouteTimerRequiresForwardTime(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	passages, results := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 10*time.Second),
		enter(1, "C4:64:E3:0A:00:02", 10*time.Second), // dead heat, ignored
		enter(1, "C4:64:E3:0A:00:02", 11*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 20*time.Second),
	)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if len(passages) != 3 {
		t.Fatalf("accepted %d passages, want 3", len(passages))
	}
	if got := passages[1].Timestamp; !got.Equal(runEpoch.Add(11 * time.Second)) {
		t.Errorf("checkpoint accepted at %v, want the 11s enter", got)
	}
}

func TestRouteTimerAbandonExactlyOnce(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	observe(rt, enter(0, "C4:64:E3:0A:00:01", 0))

	at := runEpoch.Add(5 * time.Minute)
	res, ok := rt.Abandon(at)
	if !ok {
		t.Fatal("abandon of an in-flight run should succeed")
	}
	if res.State != RunAbandoned {
		t.Errorf("state = %v, want abandoned", res.State)
	}
	if len(res.Passages) != 1 || res.Passages[0].Gate != "start-arch" {
		t.Errorf("passages = %+v, want only the start crossing", res.Passages)
	}
	if len(res.Segments) != 0 {
		t.Errorf("segments = %+v, want none", res.Segments)
	}
	if res.Total != 0 {
		t.Errorf("total = %v, want zero for an abandoned run", res.Total)
	}
	if !res.EndedAt.Equal(at) {
		t.Errorf("ended at %v, want %v", res.EndedAt, at)
	}

	if _, ok := rt.Abandon(at.Add(time.Second)); ok {
		t.Error("second abandon should report no run")
	}
	if rt.State() != RunIdle {
		t.Errorf("state = %v, want idle", rt.State())
	}

	// The machine is immediately ready for the next attempt.
	_, results := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 10*time.Minute),
		enter(1, "C4:64:E3:0A:00:02", 11*time.Minute),
		enter(2, "C4:64:E3:0A:00:04", 12*time.Minute),
	)
	if len(results) != 1 || results[0].State != RunCompleted {
		t.Errorf("post-abandon run results = %+v", results)
	}
}

// Either sensor of a dual-sensor gate advances the run; the second member
// firing later is a duplicate.
func TestRouteTimerDualSensorGate(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	passages, results := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(1, "C4:64:E3:0A:00:03", 30*time.Second), // second ridge sensor
		enter(1, "C4:64:E3:0A:00:02", 32*time.Second), // first one, late
		enter(2, "C4:64:E3:0A:00:04", 100*time.Second),
	)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if len(passages) != 3 {
		t.Fatalf("accepted %d passages, want 3", len(passages))
	}
	ridge := passages[1]
	if ridge.Address != "C4:64:E3:0A:00:03" {
		t.Errorf("ridge passage from %s, want the first member to fire", ridge.Address)
	}
	if got := results[0].Segments[0].Duration; got != 30*time.Second {
		t.Errorf("first segment = %v, want 30s", got)
	}
}

func TestRouteTimerBackToBackRuns(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	_, first := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(1, "C4:64:E3:0A:00:02", 30*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 100*time.Second),
	)
	_, second := observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 10*time.Minute),
		enter(1, "C4:64:E3:0A:00:02", 10*time.Minute+40*time.Second),
		enter(2, "C4:64:E3:0A:00:04", 12*time.Minute),
	)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("results: first %d, second %d, want 1 each", len(first), len(second))
	}
	if first[0].RunID == second[0].RunID {
		t.Error("back-to-back runs share a run id")
	}
	if got := second[0].Total; got != 2*time.Minute {
		t.Errorf("second run total = %v, want 2m", got)
	}
	if len(second[0].Passages) != 3 {
		t.Errorf("second run carries %d passages, want 3", len(second[0].Passages))
	}
}

func TestRouteTimerSnapshot(t *testing.T) {
	rt := NewRouteTimer(timingRoute())

	snap := rt.Snapshot()
	if snap.State != RunIdle || snap.NextGate != "start-arch" || snap.NextGateIndex != 0 {
		t.Errorf("idle snapshot = %+v", snap)
	}

	observe(rt,
		enter(0, "C4:64:E3:0A:00:01", 0),
		enter(1, "C4:64:E3:0A:00:02", 30*time.Second),
	)
	snap = rt.Snapshot()
	if snap.State != RunInProgress {
		t.Fatalf("state = %v, want in_progress", snap.State)
	}
	if snap.NextGate != "finish-line" || snap.NextGateIndex != 2 {
		t.Errorf("next gate = %q (%d), want finish-line (2)", snap.NextGate, snap.NextGateIndex)
	}
	if !snap.StartedAt.Equal(runEpoch) {
		t.Errorf("started at %v, want %v", snap.StartedAt, runEpoch)
	}
	if len(snap.Passages) != 2 {
		t.Fatalf("snapshot carries %d passages, want 2", len(snap.Passages))
	}

	// The snapshot owns its passage slice.
	snap.Passages[0].Gate = "clobbered"
	if rt.Snapshot().Passages[0].Gate != "start-arch" {
		t.Error("snapshot aliases the live passage slice")
	}
}
