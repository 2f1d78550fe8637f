package scan

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
)

// SyntheticSource generates scripted traversals of the route: at each gate
// in order the subject's RSSI ramps up through the hysteresis band, holds
// long enough to clear the debounce, and ramps back down, with Gaussian
// jitter on every sample. Off-gate sensors idle at the noise floor. Used
// for demos and end-to-end tests without any hardware.
type SyntheticSource struct {
	Route *route.Route

	// SampleInterval is the per-sensor advertisement period (default 150ms,
	// a typical beacon rate).
	SampleInterval time.Duration
	// DwellAtGate is how long the subject stays in range of each gate
	// (default 4s; must comfortably exceed the filter debounce).
	DwellAtGate time.Duration
	// TravelBetween is the time between leaving one gate and reaching the
	// next (default 10s).
	TravelBetween time.Duration
	// RestBetweenRuns is the idle gap after finishing before the next
	// traversal starts (default 15s).
	RestBetweenRuns time.Duration
	// JitterDB is the RSSI noise sigma (default 2.5 dB).
	JitterDB float64
	// Seed fixes the jitter stream; zero seeds from the clock.
	Seed int64
	// Runs bounds how many traversals to generate; zero means forever.
	Runs int
}

func NewSyntheticSource(r *route.Route) *SyntheticSource {
	return &SyntheticSource{Route: r}
}

func (s *SyntheticSource) Describe() string {
	return fmt.Sprintf("synthetic traversals of %q", s.Route.Name)
}

func (s *SyntheticSource) Run(ctx context.Context, out chan<- signal.Sample) error {
	interval := s.SampleInterval
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	dwell := s.DwellAtGate
	if dwell <= 0 {
		dwell = 4 * time.Second
	}
	travel := s.TravelBetween
	if travel <= 0 {
		travel = 10 * time.Second
	}
	rest := s.RestBetweenRuns
	if rest <= 0 {
		rest = 15 * time.Second
	}
	jitter := s.JitterDB
	if jitter <= 0 {
		jitter = 2.5
	}
	seed := s.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := 0
	for {
		run++
		monitoring.Logf("scan: synthetic traversal %d of %q starting", run, s.Route.Name)
		for gi := range s.Route.Gates {
			// In range of gate gi: every sensor at the gate reports the
			// subject loud, the rest sit at the floor.
			if err := s.phase(ctx, out, ticker, rng, dwell, gi, jitter); err != nil {
				return err
			}
			if gi < len(s.Route.Gates)-1 {
				if err := s.phase(ctx, out, ticker, rng, travel, -1, jitter); err != nil {
					return err
				}
			}
		}
		if s.Runs > 0 && run >= s.Runs {
			monitoring.Logf("scan: synthetic source finished after %d traversals", run)
			return nil
		}
		if err := s.phase(ctx, out, ticker, rng, rest, -1, jitter); err != nil {
			return err
		}
	}
}

// phase emits samples for every sensor for the given duration. atGate is
// the gate index the subject is currently at, or -1 when between gates.
func (s *SyntheticSource) phase(ctx context.Context, out chan<- signal.Sample, ticker *time.Ticker,
	rng *rand.Rand, d time.Duration, atGate int, jitter float64) error {

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for gi, g := range s.Route.Gates {
				for _, sensor := range g.Sensors {
					level := sensor.ThresholdDBm - 3*sensor.MarginDB - 10 // noise floor
					if gi == atGate {
						level = sensor.ThresholdDBm + sensor.MarginDB + 6 // solidly present
					}
					if err := emit(ctx, out, signal.Sample{
						Address:   sensor.Address,
						RSSI:      level + rng.NormFloat64()*jitter,
						Timestamp: now,
					}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
