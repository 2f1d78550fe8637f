package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/serialmux"
	"github.com/gatescan/route.timer/internal/signal"
)

// SerialSource reads advertisements from a scanner bridge on a serial port.
// The mux is injected so development can run against the mock bridge and so
// the admin tail routes share the same port.
type SerialSource struct {
	Mux serialmux.SerialMuxInterface

	// Reopen, when set, replaces the bridge connection after a monitor
	// failure. Run then retries with exponential backoff instead of
	// returning the error. USB bridges drop off the bus occasionally;
	// losing the port must not end the session.
	Reopen func() (serialmux.SerialMuxInterface, error)

	malformed uint64
}

func NewSerialSource(mux serialmux.SerialMuxInterface) *SerialSource {
	return &SerialSource{Mux: mux}
}

func (s *SerialSource) Describe() string { return "serial scanner bridge" }

const (
	reopenInitialDelay = time.Second
	reopenMaxDelay     = 30 * time.Second
)

// Run initializes the bridge, monitors the port and forwards parsed
// advertisement lines, reopening the port on failure when a Reopen hook is
// set. Status and error lines are logged; malformed lines are counted and
// skipped, never fatal.
func (s *SerialSource) Run(ctx context.Context, out chan<- signal.Sample) error {
	delay := reopenInitialDelay
	for {
		err := s.runOnce(ctx, out)
		if s.Reopen == nil || err == nil || ctx.Err() != nil {
			return err
		}

		monitoring.Logf("scan: serial: %v; reopening in %s", err, delay)
		s.Mux.Close()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > reopenMaxDelay {
			delay = reopenMaxDelay
		}

		m, err := s.Reopen()
		if err != nil {
			monitoring.Logf("scan: serial: reopen failed: %v", err)
			continue
		}
		s.Mux = m
		delay = reopenInitialDelay
	}
}

func (s *SerialSource) runOnce(ctx context.Context, out chan<- signal.Sample) error {
	if err := s.Mux.Initialize(); err != nil {
		return fmt.Errorf("scanner bridge init: %w", err)
	}

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- s.Mux.Monitor(ctx) }()

	id, lines := s.Mux.Subscribe()
	defer s.Mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			// Best effort: quiesce the bridge so it is not still streaming
			// into a dead port on the next open.
			if err := s.Mux.SendCommand("SCAN OFF"); err != nil {
				monitoring.Debugf("scan: serial: SCAN OFF on shutdown: %v", err)
			}
			return ctx.Err()

		case err := <-monitorDone:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("serial monitor: %w", err)
			}
			return err

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.EventTypeAdvertisement:
				sample, err := ParseAdvLine(line)
				if err != nil {
					s.malformed++
					monitoring.Debugf("scan: serial: %v", err)
					continue
				}
				if err := emit(ctx, out, sample); err != nil {
					return err
				}
			case serialmux.EventTypeStatus:
				monitoring.Debugf("scan: bridge %s", line)
			case serialmux.EventTypeError:
				monitoring.Logf("scan: bridge %s", line)
			default:
				s.malformed++
				monitoring.Debugf("scan: serial: unrecognized line %q", line)
			}
		}
	}
}

// Malformed reports how many unparseable lines the source has skipped.
func (s *SerialSource) Malformed() uint64 { return s.malformed }
