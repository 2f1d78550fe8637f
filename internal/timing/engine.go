// Package timing turns sample streams into timed route runs: a filter bank
// per sensor, an ordered merge, and a route-progress state machine with an
// inactivity timeout, all driven by a single engine goroutine.
package timing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
	"github.com/gatescan/route.timer/internal/timeutil"
)

const (
	DefaultInactivityTimeout = 2 * time.Minute
	DefaultFlushInterval     = 500 * time.Millisecond
	DefaultQueueSize         = 256
)

// Config wires an engine. Zero values take defaults; Route is required and
// is normalized and validated before any sample flows.
type Config struct {
	Route *route.Route
	Clock timeutil.Clock

	// Filter bank tuning, passed through to the per-sensor filters.
	WindowSize   int
	Debounce     time.Duration
	ReorderGrace time.Duration

	// InactivityTimeout abandons a run when no passage is accepted for
	// this long. FlushInterval bounds how long a held transition can wait
	// once the sample stream goes quiet.
	InactivityTimeout time.Duration
	FlushInterval     time.Duration
	QueueSize         int

	// Callbacks fire with the engine lock held, in stream order; they
	// must not block or call back into the engine. OnSample sees every
	// known-sensor sample, the rest fire as the pipeline produces them.
	OnSample     func(signal.Sample)
	OnTransition func(signal.Transition)
	OnPassage    func(Passage)
	OnResult     func(Result)
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Samples     uint64 `json:"samples"`
	Unknown     uint64 `json:"unknown_samples"`
	Dropped     uint64 `json:"dropped_samples"`
	Transitions uint64 `json:"transitions"`
	Passages    uint64 `json:"passages"`
	Completed   uint64 `json:"completed_runs"`
	Abandoned   uint64 `json:"abandoned_runs"`
}

// Snapshot is a consistent view of the whole pipeline.
type Snapshot struct {
	Route   string               `json:"route"`
	Run     RunSnapshot          `json:"run"`
	Sensors []signal.SensorState `json:"sensors"`
	Pending int                  `json:"pending_transitions"`
	Resets  uint64               `json:"candidate_resets"`
	Stats   Stats                `json:"stats"`
}

// Engine owns the sample-to-result pipeline. Sources push samples through
// Offer from any goroutine; Run consumes them, feeds the filter bank,
// dispatches released transitions to the route timer and fires the
// configured callbacks.
type Engine struct {
	cfg           Config
	clock         timeutil.Clock
	timeout       time.Duration
	flushInterval time.Duration

	samples chan signal.Sample

	mu           sync.Mutex
	bank         *signal.Bank
	timer        *RouteTimer
	idle         timeutil.Timer
	lastActivity time.Time
	stats        Stats
}

// New builds an engine for the route. Configuration problems (invalid
// route, bad addresses) are startup errors, never runtime ones.
func New(cfg Config) (*Engine, error) {
	if cfg.Route == nil {
		return nil, errors.New("timing: route required")
	}
	if err := cfg.Route.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Route.Validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	timeout := cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	e := &Engine{
		cfg:           cfg,
		clock:         clock,
		timeout:       timeout,
		flushInterval: flushInterval,
		samples:       make(chan signal.Sample, queueSize),
		bank: signal.NewBank(signal.BankConfig{
			Route:        cfg.Route,
			WindowSize:   cfg.WindowSize,
			Debounce:     cfg.Debounce,
			ReorderGrace: cfg.ReorderGrace,
		}),
		timer: NewRouteTimer(cfg.Route),
	}
	// The inactivity timer is armed on the first accepted passage.
	e.idle = clock.NewTimer(time.Hour)
	e.idle.Stop()
	return e, nil
}

// Offer queues one sample without blocking. It reports false when the
// queue is full and the sample was dropped.
func (e *Engine) Offer(s signal.Sample) bool {
	select {
	case e.samples <- s:
		return true
	default:
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
		return false
	}
}

// Run processes samples until ctx is cancelled, then drains the reorder
// buffer and finalizes any in-flight run as abandoned.
func (e *Engine) Run(ctx context.Context) error {
	flush := e.clock.NewTicker(e.flushInterval)
	defer flush.Stop()

	monitoring.Logf("timing: engine running: route %q, %d sensors, holdback %s, timeout %s",
		e.cfg.Route.Name, len(e.cfg.Route.Sensors()), e.bank.Holdback(), e.timeout)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case s := <-e.samples:
			e.handleSample(s)
		case <-e.idle.C():
			e.handleIdleExpiry()
		case <-flush.C():
			e.handleFlush()
		}
	}
}

// Snapshot is safe to call from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Route:   e.cfg.Route.Name,
		Run:     e.timer.Snapshot(),
		Sensors: e.bank.Snapshot(),
		Pending: e.bank.PendingDepth(),
		Resets:  e.bank.CandidateResets(),
		Stats:   e.stats,
	}
}

// Abort abandons the in-flight run on demand. It reports whether a run
// was actually abandoned.
func (e *Engine) Abort() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.timer.Abandon(e.clock.Now())
	if ok {
		e.finalize(*res)
	}
	return ok
}

func (e *Engine) handleSample(s signal.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Samples++
	released, known := e.bank.Offer(s)
	if !known {
		// Foreign devices advertise constantly; count, don't log.
		e.stats.Unknown++
		return
	}
	if e.cfg.OnSample != nil {
		e.cfg.OnSample(s)
	}
	e.dispatch(released)
}

func (e *Engine) handleFlush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatch(e.bank.FlushIdle(e.clock.Now().Add(-e.bank.Holdback())))
}

func (e *Engine) handleIdleExpiry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer.State() != RunInProgress {
		return
	}
	// The timer channel can deliver an expiry from before a Reset; re-arm
	// for the remainder instead of abandoning early.
	if gap := e.clock.Since(e.lastActivity); gap < e.timeout {
		e.idle.Reset(e.timeout - gap)
		return
	}
	// A finish crossing still sitting in the holdback buffer wins over
	// the timeout.
	if released := e.bank.FlushIdle(e.clock.Now().Add(-e.bank.Holdback())); len(released) > 0 {
		e.dispatch(released)
		if e.timer.State() != RunInProgress || e.clock.Since(e.lastActivity) < e.timeout {
			return
		}
	}
	if res, ok := e.timer.Abandon(e.clock.Now()); ok {
		e.finalize(*res)
	}
}

// dispatch feeds released transitions to the route timer. Caller holds mu.
func (e *Engine) dispatch(released []signal.Transition) {
	for _, tr := range released {
		e.stats.Transitions++
		if e.cfg.OnTransition != nil {
			e.cfg.OnTransition(tr)
		}
		passage, result, accepted := e.timer.Observe(tr)
		if !accepted {
			continue
		}
		e.stats.Passages++
		e.lastActivity = e.clock.Now()
		e.idle.Reset(e.timeout)
		if e.cfg.OnPassage != nil {
			e.cfg.OnPassage(passage)
		}
		if result != nil {
			e.finalize(*result)
		}
	}
}

// finalize books a finished run. Caller holds mu.
func (e *Engine) finalize(res Result) {
	e.idle.Stop()
	switch res.State {
	case RunCompleted:
		e.stats.Completed++
		monitoring.Logf("timing: run %s completed: %s total over %d gates",
			res.RunID, res.Total, len(res.Passages))
	case RunAbandoned:
		e.stats.Abandoned++
		last := res.Passages[len(res.Passages)-1]
		monitoring.Logf("timing: run %s abandoned after %d of %d gates, last %q at %s",
			res.RunID, len(res.Passages), len(e.cfg.Route.Gates), last.Gate,
			last.Timestamp.Format(time.RFC3339))
	}
	if e.cfg.OnResult != nil {
		e.cfg.OnResult(res)
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatch(e.bank.Drain())
	if res, ok := e.timer.Abandon(e.clock.Now()); ok {
		e.finalize(*res)
	}
	monitoring.Logf("timing: engine stopped: %d samples, %d transitions, %d completed, %d abandoned",
		e.stats.Samples, e.stats.Transitions, e.stats.Completed, e.stats.Abandoned)
}
