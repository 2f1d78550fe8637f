// Package observability wires Prometheus metrics and OpenTelemetry tracing
// around the timing pipeline. The collector is fed from engine callbacks;
// handlers and sources update their own counters directly.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's Prometheus metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	SamplesTotal      *prometheus.CounterVec
	SamplesUnknown    prometheus.Counter
	TransitionsTotal  *prometheus.CounterVec
	RunsCompleted     prometheus.Counter
	RunsAbandoned     prometheus.Counter
	RunDuration       prometheus.Histogram
	SensorPresent     *prometheus.GaugeVec
	MergeBufferDepth  prometheus.Gauge
	ArchiveFlushes    prometheus.Counter
	ArchiveFlushFails prometheus.Counter
}

// NewCollector registers the pipeline metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Re-registration of an identical collector is tolerated so tests can
// build multiple servers against the default registry.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "samples_total",
		Help: "Accepted RSSI samples, labeled by sensor address.",
	}, []string{"sensor"}), "samples_total")
	if err != nil {
		return nil, err
	}
	unknown, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "samples_unknown_total",
		Help: "Samples from addresses not on the configured route.",
	}), "samples_unknown_total")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transitions_total",
		Help: "Debounced presence transitions, labeled by sensor and kind.",
	}, []string{"sensor", "kind"}), "transitions_total")
	if err != nil {
		return nil, err
	}
	completed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_completed_total",
		Help: "Runs that reached the finish gate.",
	}), "runs_completed_total")
	if err != nil {
		return nil, err
	}
	abandoned, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_abandoned_total",
		Help: "Runs given up after the inactivity timeout.",
	}), "runs_abandoned_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "run_duration_seconds",
		Help:    "Total duration of completed runs in seconds.",
		Buckets: []float64{15, 30, 60, 90, 120, 180, 300, 600, 1200},
	}), "run_duration_seconds")
	if err != nil {
		return nil, err
	}
	present, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensor_present",
		Help: "Whether each sensor currently detects presence (1) or not (0).",
	}, []string{"sensor"}), "sensor_present")
	if err != nil {
		return nil, err
	}
	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "merge_buffer_depth",
		Help: "Transitions currently held in the reorder buffer.",
	}), "merge_buffer_depth")
	if err != nil {
		return nil, err
	}
	flushes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_batch_flushes_total",
		Help: "Sample batches flushed to the archive.",
	}), "archive_batch_flushes_total")
	if err != nil {
		return nil, err
	}
	flushFails, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_batch_failures_total",
		Help: "Sample batches dropped after an archive write failure.",
	}), "archive_batch_failures_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:          gatherer,
		SamplesTotal:      samples,
		SamplesUnknown:    unknown,
		TransitionsTotal:  transitions,
		RunsCompleted:     completed,
		RunsAbandoned:     abandoned,
		RunDuration:       duration,
		SensorPresent:     present,
		MergeBufferDepth:  depth,
		ArchiveFlushes:    flushes,
		ArchiveFlushFails: flushFails,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveSample counts one accepted sample for a sensor. All Observe and
// Set methods are nil-safe so instrumentation can be optional.
func (c *Collector) ObserveSample(sensor string) {
	if c == nil {
		return
	}
	c.SamplesTotal.WithLabelValues(sensor).Inc()
}

// ObserveTransition counts one debounced transition.
func (c *Collector) ObserveTransition(sensor, kind string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(sensor, kind).Inc()
}

// ObserveCompletedRun counts a completed run and its total duration.
func (c *Collector) ObserveCompletedRun(seconds float64) {
	if c == nil {
		return
	}
	c.RunsCompleted.Inc()
	c.RunDuration.Observe(seconds)
}

// ObserveAbandonedRun counts an abandoned run.
func (c *Collector) ObserveAbandonedRun() {
	if c == nil {
		return
	}
	c.RunsAbandoned.Inc()
}

// SetSensorPresent records a sensor's current presence state.
func (c *Collector) SetSensorPresent(sensor string, present bool) {
	if c == nil {
		return
	}
	v := 0.0
	if present {
		v = 1.0
	}
	c.SensorPresent.WithLabelValues(sensor).Set(v)
}

// SetMergeBufferDepth records the reorder buffer depth.
func (c *Collector) SetMergeBufferDepth(depth int) {
	if c == nil {
		return
	}
	c.MergeBufferDepth.Set(float64(depth))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
