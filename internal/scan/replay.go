package scan

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/signal"
)

// ReplaySource plays back a text capture log: one bridge ADV line per line,
// as produced by redirecting the serial tail or the capture tool. Samples
// keep their recorded timestamps so replayed runs time identically to the
// live ones; the pacing only controls how fast they are delivered.
type ReplaySource struct {
	Path string
	// Rate is the playback speed multiplier: 1 replays with the original
	// inter-sample gaps, 10 replays ten times faster, 0 defaults to 1.
	// Negative disables pacing entirely (flat out, for tests and tools).
	Rate float64
}

func NewReplaySource(path string, rate float64) *ReplaySource {
	return &ReplaySource{Path: path, Rate: rate}
}

func (r *ReplaySource) Describe() string {
	return fmt.Sprintf("replay of %s at %.1fx", r.Path, r.rate())
}

func (r *ReplaySource) rate() float64 {
	if r.Rate == 0 {
		return 1
	}
	return r.Rate
}

func (r *ReplaySource) Run(ctx context.Context, out chan<- signal.Sample) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("replay source: %w", err)
	}
	defer f.Close()

	var last time.Time
	var lines, malformed int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++

		sample, err := ParseAdvLine(line)
		if err != nil {
			malformed++
			monitoring.Debugf("scan: replay: %v", err)
			continue
		}

		if rate := r.rate(); rate > 0 && !last.IsZero() {
			gap := time.Duration(float64(sample.Timestamp.Sub(last)) / rate)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		last = sample.Timestamp

		if err := emit(ctx, out, sample); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay source: %w", err)
	}

	monitoring.Logf("scan: replay of %s finished: %d lines, %d malformed", r.Path, lines, malformed)
	return nil
}
