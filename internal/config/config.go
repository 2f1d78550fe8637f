// Package config loads and validates the route-timer configuration file:
// the route definition, filter tuning, sample source selection and optional
// sinks. Fields omitted from the JSON keep their defaults, so partial
// configs are safe; secrets are filled from the environment and never live
// in the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/signal"
	"github.com/gatescan/route.timer/internal/timing"
)

// DefaultPath is where Load looks when no -config flag is given.
const DefaultPath = "route-timer.json"

// Source kinds accepted in SourceConfig.Kind.
const (
	SourceSerial    = "serial"
	SourceMQTT      = "mqtt"
	SourceUDP       = "udp"
	SourceReplay    = "replay"
	SourcePcap      = "pcap"
	SourceSynthetic = "synthetic"
)

var sourceKinds = []string{SourceSerial, SourceMQTT, SourceUDP, SourceReplay, SourcePcap, SourceSynthetic}

// Config is the root configuration.
type Config struct {
	Route   route.Route   `json:"route"`
	Tuning  TuningConfig  `json:"tuning,omitempty"`
	Source  SourceConfig  `json:"source,omitempty"`
	Archive ArchiveConfig `json:"archive,omitempty"`
}

// TuningConfig holds the filter and engine knobs. All fields are pointers
// with Get* accessors supplying defaults, so an absent key means "default",
// never zero. Durations are strings like "1500ms".
type TuningConfig struct {
	WindowSize        *int    `json:"window_size,omitempty"`
	Debounce          *string `json:"debounce,omitempty"`
	ReorderGrace      *string `json:"reorder_grace,omitempty"`
	InactivityTimeout *string `json:"inactivity_timeout,omitempty"`
	FlushInterval     *string `json:"flush_interval,omitempty"`
	QueueSize         *int    `json:"queue_size,omitempty"`
}

// SourceConfig selects and parameterizes the sample source.
type SourceConfig struct {
	Kind   string       `json:"kind,omitempty"`
	Serial SerialConfig `json:"serial,omitempty"`
	MQTT   MQTTConfig   `json:"mqtt,omitempty"`
	UDP    UDPConfig    `json:"udp,omitempty"`
	Replay ReplayConfig `json:"replay,omitempty"`
	Pcap   PcapConfig   `json:"pcap,omitempty"`
}

type SerialConfig struct {
	Port string `json:"port,omitempty"`
	Baud int    `json:"baud,omitempty"`
}

// MQTTConfig configures the gateway subscriber. The password never appears
// in the file; it comes from MQTT_PASSWORD.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

type UDPConfig struct {
	Addr string `json:"addr,omitempty"`
}

type ReplayConfig struct {
	File string  `json:"file,omitempty"`
	Rate float64 `json:"rate,omitempty"`
}

type PcapConfig struct {
	File string `json:"file,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ArchiveConfig configures the optional ClickHouse raw-sample archive. The
// password comes from CLICKHOUSE_PASSWORD.
type ArchiveConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Load reads, parses and validates a config file. Validation failures here
// are startup-fatal by design: a bad route must never time a run.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	cfg.FillFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FillFromEnv fills blank fields from the environment. It never overrides
// an explicit config value.
func (c *Config) FillFromEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Source.MQTT.Broker, "MQTT_BROKER")
	fill(&c.Source.MQTT.Username, "MQTT_USERNAME")
	fill(&c.Source.MQTT.Password, "MQTT_PASSWORD")
	fill(&c.Archive.Addr, "CLICKHOUSE_ADDR")
	fill(&c.Archive.Username, "CLICKHOUSE_USERNAME")
	fill(&c.Archive.Password, "CLICKHOUSE_PASSWORD")
}

// Validate checks the whole configuration. The route is normalized in
// place (addresses canonicalized) before its own validation runs.
func (c *Config) Validate() error {
	if err := c.Route.Normalize(); err != nil {
		return err
	}
	if err := c.Route.Validate(); err != nil {
		return err
	}
	if err := c.Tuning.Validate(); err != nil {
		return err
	}
	return c.Source.Validate()
}

// Validate checks that set tuning values parse and are sane.
func (t *TuningConfig) Validate() error {
	if t.WindowSize != nil && *t.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", *t.WindowSize)
	}
	if t.QueueSize != nil && *t.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", *t.QueueSize)
	}
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"debounce", t.Debounce},
		{"reorder_grace", t.ReorderGrace},
		{"inactivity_timeout", t.InactivityTimeout},
		{"flush_interval", t.FlushInterval},
	} {
		if f.value == nil || *f.value == "" {
			continue
		}
		d, err := time.ParseDuration(*f.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, *f.value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, d)
		}
	}
	return nil
}

// Validate checks the source selection and its parameters.
func (s *SourceConfig) Validate() error {
	if s.Kind == "" {
		return nil // selected by flag or defaulted by main
	}
	known := false
	for _, k := range sourceKinds {
		if s.Kind == k {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown source kind %q (valid: serial, mqtt, udp, replay, pcap, synthetic)", s.Kind)
	}
	switch s.Kind {
	case SourceReplay:
		if s.Replay.File == "" {
			return fmt.Errorf("source kind %q requires replay.file", s.Kind)
		}
	case SourcePcap:
		if s.Pcap.File == "" {
			return fmt.Errorf("source kind %q requires pcap.file", s.Kind)
		}
	}
	return nil
}

func (t *TuningConfig) GetWindowSize() int {
	if t.WindowSize == nil {
		return signal.DefaultWindowSize
	}
	return *t.WindowSize
}

func (t *TuningConfig) GetDebounce() time.Duration {
	return t.duration(t.Debounce, signal.DefaultDebounce)
}

func (t *TuningConfig) GetReorderGrace() time.Duration {
	return t.duration(t.ReorderGrace, signal.DefaultReorderGrace)
}

func (t *TuningConfig) GetInactivityTimeout() time.Duration {
	return t.duration(t.InactivityTimeout, timing.DefaultInactivityTimeout)
}

func (t *TuningConfig) GetFlushInterval() time.Duration {
	return t.duration(t.FlushInterval, timing.DefaultFlushInterval)
}

func (t *TuningConfig) GetQueueSize() int {
	if t.QueueSize == nil {
		return timing.DefaultQueueSize
	}
	return *t.QueueSize
}

func (t *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// TimingConfig builds the engine configuration from the file values. The
// caller fills in the clock and callbacks.
func (c *Config) TimingConfig() timing.Config {
	return timing.Config{
		Route:             &c.Route,
		WindowSize:        c.Tuning.GetWindowSize(),
		Debounce:          c.Tuning.GetDebounce(),
		ReorderGrace:      c.Tuning.GetReorderGrace(),
		InactivityTimeout: c.Tuning.GetInactivityTimeout(),
		FlushInterval:     c.Tuning.GetFlushInterval(),
		QueueSize:         c.Tuning.GetQueueSize(),
	}
}
