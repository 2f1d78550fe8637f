// Package route models a timed course: an ordered list of gates, each
// holding one or two BLE sensors, from a start line through optional
// checkpoints to a finish line.
package route

import (
	"fmt"
	"net"
	"strings"
)

// Role is the position class of a gate on the route. The set is closed:
// the progress state machine switches exhaustively over it.
type Role int

const (
	RoleStart Role = iota
	RoleCheckpoint
	RoleFinish
)

func (r Role) String() string {
	switch r {
	case RoleStart:
		return "start"
	case RoleCheckpoint:
		return "checkpoint"
	case RoleFinish:
		return "finish"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole converts a config string into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return RoleStart, nil
	case "checkpoint":
		return RoleCheckpoint, nil
	case "finish", "end":
		return RoleFinish, nil
	default:
		return 0, fmt.Errorf("unknown gate role %q", s)
	}
}

// MarshalText renders the role as its config string.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses the role from its config string.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Sensor is one BLE beacon fixed at a gate. Address is the canonical
// uppercase MAC; it is the identity samples arrive under. Threshold and
// margin define the hysteresis band for presence detection on this sensor.
type Sensor struct {
	Address      string  `json:"address"`
	Name         string  `json:"name,omitempty"`
	ThresholdDBm float64 `json:"threshold_dbm"`
	MarginDB     float64 `json:"margin_db"`
}

// Gate is one waypoint on the route. A gate carries one sensor, or two
// flanking a wide crossing; presence at either sensor counts as presence
// at the gate.
type Gate struct {
	Name    string   `json:"name"`
	Role    Role     `json:"role"`
	Sensors []Sensor `json:"sensors"`
}

// Route is an ordered course: gate 0 is the start, the last gate is the
// finish, and every gate between is a checkpoint. DistanceMeters is
// optional; when set, completed results include average speed.
type Route struct {
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	Gates          []Gate  `json:"gates"`
}

// NormalizeAddress canonicalizes a MAC address to uppercase colon form
// (AA:BB:CC:DD:EE:FF). It rejects anything that is not a 48-bit address.
func NormalizeAddress(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid sensor address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid sensor address %q: not a 48-bit MAC", s)
	}
	return strings.ToUpper(hw.String()), nil
}

// Normalize canonicalizes every sensor address in place. Call before
// Validate; lookups assume canonical form.
func (r *Route) Normalize() error {
	for gi := range r.Gates {
		for si := range r.Gates[gi].Sensors {
			addr, err := NormalizeAddress(r.Gates[gi].Sensors[si].Address)
			if err != nil {
				return fmt.Errorf("gate %q: %w", r.Gates[gi].Name, err)
			}
			r.Gates[gi].Sensors[si].Address = addr
		}
	}
	return nil
}

// Validate rejects malformed route definitions. It is called once at
// configuration time; a failure here is fatal to startup, never to a run.
func (r *Route) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("route has no name")
	}
	if len(r.Gates) == 0 {
		return fmt.Errorf("route %q has no gates", r.Name)
	}
	if len(r.Gates) < 2 {
		return fmt.Errorf("route %q needs at least a start and a finish gate", r.Name)
	}
	if r.DistanceMeters < 0 {
		return fmt.Errorf("route %q: distance must not be negative", r.Name)
	}

	seen := make(map[string]string, len(r.Gates)*2)
	for i, g := range r.Gates {
		if g.Name == "" {
			return fmt.Errorf("route %q: gate %d has no name", r.Name, i)
		}

		want := RoleCheckpoint
		switch i {
		case 0:
			want = RoleStart
		case len(r.Gates) - 1:
			want = RoleFinish
		}
		if g.Role != want {
			return fmt.Errorf("route %q: gate %q at position %d must be %s, not %s",
				r.Name, g.Name, i, want, g.Role)
		}

		if n := len(g.Sensors); n < 1 || n > 2 {
			return fmt.Errorf("route %q: gate %q has %d sensors, want 1 or 2", r.Name, g.Name, n)
		}
		for _, s := range g.Sensors {
			if _, err := NormalizeAddress(s.Address); err != nil {
				return fmt.Errorf("route %q: gate %q: %w", r.Name, g.Name, err)
			}
			if other, dup := seen[s.Address]; dup {
				return fmt.Errorf("route %q: sensor %s assigned to both %q and %q",
					r.Name, s.Address, other, g.Name)
			}
			seen[s.Address] = g.Name
			if s.ThresholdDBm >= 0 {
				return fmt.Errorf("route %q: sensor %s: threshold %.1f dBm must be negative",
					r.Name, s.Address, s.ThresholdDBm)
			}
			if s.MarginDB < 0 {
				return fmt.Errorf("route %q: sensor %s: margin %.1f dB must not be negative",
					r.Name, s.Address, s.MarginDB)
			}
		}
	}
	return nil
}

// SensorAt looks up a sensor and its gate index by canonical address.
func (r *Route) SensorAt(address string) (Sensor, int, bool) {
	for gi, g := range r.Gates {
		for _, s := range g.Sensors {
			if s.Address == address {
				return s, gi, true
			}
		}
	}
	return Sensor{}, 0, false
}

// GateIndex returns the gate a sensor address belongs to.
func (r *Route) GateIndex(address string) (int, bool) {
	_, gi, ok := r.SensorAt(address)
	return gi, ok
}

// KnownAddresses returns the set of sensor addresses on the route. Samples
// from any other address are foreign traffic and are dropped at ingest.
func (r *Route) KnownAddresses() map[string]bool {
	known := make(map[string]bool, len(r.Gates)*2)
	for _, g := range r.Gates {
		for _, s := range g.Sensors {
			known[s.Address] = true
		}
	}
	return known
}

// Sensors returns every sensor on the route in gate order.
func (r *Route) Sensors() []Sensor {
	var out []Sensor
	for _, g := range r.Gates {
		out = append(out, g.Sensors...)
	}
	return out
}

// FinishIndex returns the index of the finish gate.
func (r *Route) FinishIndex() int {
	return len(r.Gates) - 1
}
