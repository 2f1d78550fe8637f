// Package scan provides the sample sources that feed the timing engine:
// a serial-attached scanner bridge, an MQTT gateway subscriber, a UDP
// gateway listener, capture replay (text log and pcap), and a synthetic
// traversal generator for development.
package scan

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/signal"
)

// Source produces raw samples. Run blocks until the context is cancelled or
// the transport fails terminally; it owns any connection state it opens and
// releases it before returning. Sends on out must honor ctx so a stalled
// consumer cannot wedge a producer.
type Source interface {
	Run(ctx context.Context, out chan<- signal.Sample) error
	Describe() string
}

// Pump runs every source under one errgroup and forwards their samples to
// sink until ctx is cancelled. The forwarding goroutine is the only reader
// of the shared channel, so producer sends stay ordered per source. sink is
// typically Engine.Offer; a false return means the engine queue was full
// and the sample was dropped.
func Pump(ctx context.Context, sink func(signal.Sample) bool, sources ...Source) error {
	out := make(chan signal.Sample)

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			monitoring.Logf("scan: source running: %s", src.Describe())
			err := src.Run(ctx, out)
			if err != nil && ctx.Err() == nil {
				monitoring.Logf("scan: source %s failed: %v", src.Describe(), err)
			}
			return err
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s := <-out:
				if !sink(s) {
					monitoring.Debugf("scan: engine queue full, dropped sample from %s", s.Address)
				}
			}
		}
	})
	return g.Wait()
}

// emit sends one sample, honoring cancellation.
func emit(ctx context.Context, out chan<- signal.Sample, s signal.Sample) error {
	select {
	case out <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
