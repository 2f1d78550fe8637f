package timing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatescan/route.timer/internal/route"
)

// RunState is the lifecycle of a timing attempt. Idle and InProgress are
// the live states; Completed and Abandoned only ever appear on finalized
// results.
type RunState int

const (
	RunIdle RunState = iota
	RunInProgress
	RunCompleted
	RunAbandoned
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunInProgress:
		return "in_progress"
	case RunCompleted:
		return "completed"
	case RunAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RunState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = RunIdle
	case "in_progress":
		*s = RunInProgress
	case "completed":
		*s = RunCompleted
	case "abandoned":
		*s = RunAbandoned
	default:
		return fmt.Errorf("unknown run state %q", string(b))
	}
	return nil
}

// Passage is one accepted gate crossing within a run.
type Passage struct {
	RunID     uuid.UUID  `json:"run_id"`
	GateIndex int        `json:"gate_index"`
	Gate      string     `json:"gate"`
	Role      route.Role `json:"role"`
	Address   string     `json:"address"`
	Timestamp time.Time  `json:"timestamp"`
	RSSI      float64    `json:"rssi_dbm"`
}

// Segment is the elapsed time between two consecutive gate crossings.
type Segment struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Duration time.Duration `json:"duration"`
}

// Result is a finalized run. Total is finish minus start and is only set
// on completed runs; an abandoned run carries whatever passages and
// segments were recorded before the timeout, with EndedAt the moment the
// run was given up.
type Result struct {
	RunID     uuid.UUID     `json:"run_id"`
	Route     string        `json:"route"`
	State     RunState      `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Total     time.Duration `json:"total"`
	Segments  []Segment     `json:"segments"`
	Passages  []Passage     `json:"passages"`
}

// RunSnapshot is the observable state of the in-flight run. When idle the
// next gate is the start gate; passages are a copy and safe to retain.
type RunSnapshot struct {
	State         RunState  `json:"state"`
	RunID         uuid.UUID `json:"run_id"`
	NextGate      string    `json:"next_gate"`
	NextGateIndex int       `json:"next_gate_index"`
	StartedAt     time.Time `json:"started_at"`
	Passages      []Passage `json:"passages,omitempty"`
}
