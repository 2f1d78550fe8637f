package timing

import (
	"time"

	"github.com/google/uuid"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
)

// RouteTimer sequences the globally ordered transition stream into route
// progress. Only enter events drive it: a run begins on the start gate's
// enter, advances one gate at a time in declared order, and finalizes when
// the finish gate's enter is accepted. Everything else (exits, duplicate
// re-triggers, gates out of order) is ignored, so the machine is
// well-defined for every input sequence. Owned by the engine goroutine.
type RouteTimer struct {
	route    *route.Route
	state    RunState
	runID    uuid.UUID
	progress int // gate index of the last accepted passage
	passages []Passage
	last     time.Time // timestamp of the last accepted passage
}

func NewRouteTimer(r *route.Route) *RouteTimer {
	return &RouteTimer{route: r, state: RunIdle}
}

// Observe applies one transition. It returns the recorded passage and true
// when the transition advanced the run; the result is non-nil when that
// passage crossed the finish gate and finalized the run.
func (t *RouteTimer) Observe(tr signal.Transition) (Passage, *Result, bool) {
	if tr.Kind != signal.Enter {
		return Passage{}, nil, false
	}

	switch t.state {
	case RunInProgress:
		next := t.progress + 1
		switch {
		case tr.GateIndex == 0:
			// The start gate firing again mid-run must not restart the
			// committed run.
			monitoring.Debugf("timing: run %s: start re-trigger ignored", t.runID)
			return Passage{}, nil, false
		case tr.GateIndex != next:
			monitoring.Debugf("timing: run %s: out-of-sequence enter at gate %d, expecting %d",
				t.runID, tr.GateIndex, next)
			return Passage{}, nil, false
		case !tr.Timestamp.After(t.last):
			// Accepted timestamps are strictly increasing within a run.
			monitoring.Debugf("timing: run %s: enter at gate %d not after previous passage, ignored",
				t.runID, tr.GateIndex)
			return Passage{}, nil, false
		}
		p := t.record(tr)
		if tr.GateIndex == t.route.FinishIndex() {
			return p, t.finalize(RunCompleted, tr.Timestamp), true
		}
		return p, nil, true

	default: // RunIdle
		if tr.GateIndex != 0 {
			monitoring.Debugf("timing: ignoring enter at gate %d while idle, a run starts at gate 0",
				tr.GateIndex)
			return Passage{}, nil, false
		}
		t.state = RunInProgress
		t.runID = uuid.New()
		t.progress = 0
		t.passages = make([]Passage, 0, len(t.route.Gates))
		p := t.record(tr)
		monitoring.Logf("timing: run %s started at %q (%s)",
			t.runID, p.Gate, p.Timestamp.Format(time.RFC3339))
		return p, nil, true
	}
}

func (t *RouteTimer) record(tr signal.Transition) Passage {
	g := t.route.Gates[tr.GateIndex]
	p := Passage{
		RunID:     t.runID,
		GateIndex: tr.GateIndex,
		Gate:      g.Name,
		Role:      g.Role,
		Address:   tr.Address,
		Timestamp: tr.Timestamp,
		RSSI:      tr.RSSI,
	}
	t.passages = append(t.passages, p)
	t.progress = tr.GateIndex
	t.last = tr.Timestamp
	return p
}

// Abandon finalizes the in-flight run without a finish crossing. It
// reports false when no run is in progress, so a run finalizes exactly
// once however expiry and late transitions interleave.
func (t *RouteTimer) Abandon(at time.Time) (*Result, bool) {
	if t.state != RunInProgress {
		return nil, false
	}
	return t.finalize(RunAbandoned, at), true
}

func (t *RouteTimer) finalize(state RunState, endedAt time.Time) *Result {
	res := &Result{
		RunID:     t.runID,
		Route:     t.route.Name,
		State:     state,
		StartedAt: t.passages[0].Timestamp,
		EndedAt:   endedAt,
		Passages:  t.passages,
	}
	for i := 1; i < len(t.passages); i++ {
		res.Segments = append(res.Segments, Segment{
			From:     t.passages[i-1].Gate,
			To:       t.passages[i].Gate,
			Duration: t.passages[i].Timestamp.Sub(t.passages[i-1].Timestamp),
		})
	}
	if state == RunCompleted {
		res.Total = endedAt.Sub(res.StartedAt)
	}

	t.state = RunIdle
	t.runID = uuid.Nil
	t.progress = 0
	t.passages = nil
	t.last = time.Time{}
	return res
}

// State reports the live machine state, RunIdle or RunInProgress.
func (t *RouteTimer) State() RunState { return t.state }

// Snapshot returns the observable run state with a copy of the passages.
func (t *RouteTimer) Snapshot() RunSnapshot {
	snap := RunSnapshot{
		State: t.state,
		RunID: t.runID,
	}
	next := 0
	if t.state == RunInProgress {
		next = t.progress + 1
		snap.StartedAt = t.passages[0].Timestamp
		snap.Passages = append([]Passage(nil), t.passages...)
	}
	if next < len(t.route.Gates) {
		snap.NextGate = t.route.Gates[next].Name
		snap.NextGateIndex = next
	}
	return snap
}
