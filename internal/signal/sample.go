// Package signal turns noisy per-sensor RSSI streams into clean, debounced
// presence transitions, merged into a single globally timestamp-ordered
// stream for the route timer.
package signal

import (
	"fmt"
	"time"
)

// Sample is one received advertisement: which sensor, how strong, when.
// Samples are ephemeral; they are folded into filter state and discarded.
type Sample struct {
	Address   string    `json:"address"`
	RSSI      float64   `json:"rssi_dbm"`
	Timestamp time.Time `json:"timestamp"`
}

// Kind distinguishes arrival from departure.
type Kind int

const (
	Enter Kind = iota
	Exit
)

func (k Kind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind for JSON payloads and the transition log.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind from its text form.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "enter":
		*k = Enter
	case "exit":
		*k = Exit
	default:
		return fmt.Errorf("unknown transition kind %q", string(b))
	}
	return nil
}

// Transition is a debounced presence change for one sensor. Timestamp is
// the moment the change began (the candidate start), not the moment the
// debounce window confirmed it; confirmation lags by at least the debounce
// period, which is why transitions pass through the reorder buffer before
// reaching the route timer.
type Transition struct {
	Address   string    `json:"address"`
	GateIndex int       `json:"gate_index"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	RSSI      float64   `json:"rssi_dbm"`
}

// SensorState is a read-only view of one filter, for status endpoints and
// debug charts.
type SensorState struct {
	Address    string    `json:"address"`
	GateIndex  int       `json:"gate_index"`
	Present    bool      `json:"present"`
	Smoothed   float64   `json:"smoothed_dbm"`
	LastSample time.Time `json:"last_sample"`
}
