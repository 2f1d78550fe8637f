package signal

import (
	"container/heap"
	"time"

	"github.com/gatescan/route.timer/internal/route"
)

// DefaultReorderGrace bounds the timestamp skew tolerated between sample
// producers before ordering accuracy degrades.
const DefaultReorderGrace = 500 * time.Millisecond

// BankConfig configures a filter bank for one route.
type BankConfig struct {
	Route        *route.Route
	WindowSize   int           // per-filter smoothing window (default 5)
	Debounce     time.Duration // per-filter debounce (default 1.5s)
	ReorderGrace time.Duration // extra holdback over the debounce (default 500ms)
}

// Bank owns one filter per route sensor and merges their emissions into a
// single stream ordered by timestamp, ties broken by gate position so the
// earlier gate wins (start before checkpoint before finish).
//
// Transitions carry their candidate-start timestamp, so confirmation lags
// the carried timestamp by at least the debounce period. Released entries
// therefore sit in a min-heap until the watermark (max sample timestamp
// minus holdback) passes them. Whenever the watermark advances, pending
// flip candidates older than it are reset: a candidate that survived past
// the watermark could otherwise confirm later with a timestamp behind
// transitions already released, and the route timer must never observe
// time moving backwards. The bank is owned by the engine goroutine; it is
// not safe for concurrent use.
type Bank struct {
	filters  map[string]*Filter
	order    []string // route order, for stable snapshots
	pending  pendingHeap
	seq      uint64
	holdback time.Duration
	maxSeen  time.Time // newest sample timestamp observed
	released time.Time // release watermark, never regresses
	resets   uint64    // candidates reset by a passing watermark
}

// NewBank builds the per-sensor filters for every sensor on the route,
// filling zero config values with defaults.
func NewBank(cfg BankConfig) *Bank {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	grace := cfg.ReorderGrace
	if grace <= 0 {
		grace = DefaultReorderGrace
	}

	b := &Bank{
		filters:  make(map[string]*Filter),
		holdback: debounce + grace,
	}
	for gi, g := range cfg.Route.Gates {
		for _, s := range g.Sensors {
			b.filters[s.Address] = NewFilter(FilterConfig{
				Address:      s.Address,
				GateIndex:    gi,
				ThresholdDBm: s.ThresholdDBm,
				MarginDB:     s.MarginDB,
				WindowSize:   cfg.WindowSize,
				Debounce:     debounce,
			})
			b.order = append(b.order, s.Address)
		}
	}
	return b
}

// Offer routes a sample to its sensor's filter and returns any transitions
// the watermark now releases, in global order. The second return is false
// when the address is not on the route (foreign traffic; the sample is
// dropped).
func (b *Bank) Offer(s Sample) ([]Transition, bool) {
	f, ok := b.filters[s.Address]
	if !ok {
		return nil, false
	}

	if tr, flipped := f.Offer(s); flipped {
		heap.Push(&b.pending, pendingTransition{tr: tr, seq: b.seq})
		b.seq++
	}
	if s.Timestamp.After(b.maxSeen) {
		b.maxSeen = s.Timestamp
	}
	return b.release(b.maxSeen.Add(-b.holdback)), true
}

// FlushIdle releases everything at or before cutoff. The engine calls this
// from a ticker so that a run can finish even when the sample stream goes
// quiet after the last crossing (the watermark only advances on samples).
func (b *Bank) FlushIdle(cutoff time.Time) []Transition {
	return b.release(cutoff)
}

// Drain releases every buffered transition regardless of watermark. Called
// once at shutdown.
func (b *Bank) Drain() []Transition {
	var out []Transition
	for b.pending.Len() > 0 {
		out = append(out, heap.Pop(&b.pending).(pendingTransition).tr)
	}
	return out
}

func (b *Bank) release(cutoff time.Time) []Transition {
	if cutoff.Before(b.released) {
		cutoff = b.released
	}
	var out []Transition
	for b.pending.Len() > 0 && !b.pending[0].tr.Timestamp.After(cutoff) {
		out = append(out, heap.Pop(&b.pending).(pendingTransition).tr)
	}
	for _, f := range b.filters {
		if f.ResetCandidateBefore(cutoff) {
			b.resets++
		}
	}
	b.released = cutoff
	return out
}

// Holdback is how far behind the newest sample the release watermark sits.
func (b *Bank) Holdback() time.Duration { return b.holdback }

// PendingDepth is the number of buffered transitions awaiting release.
func (b *Bank) PendingDepth() int { return b.pending.Len() }

// CandidateResets counts flip candidates abandoned because the watermark
// passed them; a climbing value means a producer is delivering samples with
// more timestamp skew than the reorder grace allows.
func (b *Bank) CandidateResets() uint64 { return b.resets }

// State returns the filter view for one sensor address.
func (b *Bank) State(address string) (SensorState, bool) {
	f, ok := b.filters[address]
	if !ok {
		return SensorState{}, false
	}
	return f.State(), true
}

// Snapshot returns every sensor's filter view in route order.
func (b *Bank) Snapshot() []SensorState {
	out := make([]SensorState, 0, len(b.order))
	for _, addr := range b.order {
		out = append(out, b.filters[addr].State())
	}
	return out
}

type pendingTransition struct {
	tr  Transition
	seq uint64
}

type pendingHeap []pendingTransition

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.tr.Timestamp.Equal(b.tr.Timestamp) {
		return a.tr.Timestamp.Before(b.tr.Timestamp)
	}
	if a.tr.GateIndex != b.tr.GateIndex {
		return a.tr.GateIndex < b.tr.GateIndex
	}
	return a.seq < b.seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(pendingTransition))
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
