// Command route-timer times traversals of a fixed route from BLE beacon
// RSSI: it ingests advertisement samples from a scanner bridge or gateway
// fleet, debounces them into presence transitions, sequences the route
// state machine, and serves results over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/gatescan/route.timer/internal/api"
	"github.com/gatescan/route.timer/internal/archive"
	"github.com/gatescan/route.timer/internal/config"
	"github.com/gatescan/route.timer/internal/db"
	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/observability"
	"github.com/gatescan/route.timer/internal/report"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/scan"
	"github.com/gatescan/route.timer/internal/serialmux"
	routesignal "github.com/gatescan/route.timer/internal/signal"
	"github.com/gatescan/route.timer/internal/timing"
	"github.com/gatescan/route.timer/internal/units"
	"github.com/gatescan/route.timer/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultPath, "Path to the route configuration file")
	dbPath        = flag.String("db-path", "route-timer.db", "Path to the SQLite store")
	httpAddr      = flag.String("http-addr", ":8080", "HTTP listen address")
	sourceKind    = flag.String("source", "", "Sample source override (serial|mqtt|udp|replay|pcap|synthetic)")
	serialPort    = flag.String("serial-port", "", "Serial port of the scanner bridge")
	mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker address, e.g. tcp://host:1883")
	replayFile    = flag.String("replay-file", "", "Text capture to replay")
	replayRate    = flag.Float64("replay-rate", 1.0, "Replay speed multiplier (0 or negative replays without pacing)")
	pcapFile      = flag.String("pcap-file", "", "Pcap capture to replay")
	plotsDir      = flag.String("plots-dir", "plots", "Directory for per-run RSSI plots")
	unitsFlag     = flag.String("units", units.MPS, "Speed units for results (mps, mph, kmph, kph)")
	verbose       = flag.Bool("verbose", false, "Enable debug logging")
	traceFlag     = flag.Bool("trace", false, "Enable run tracing (also via TRACING_ENABLED=true)")
	migrateCmd    = flag.String("migrate", "", "Run a migration command (up|down|version|force N) and exit")
	migrationsDir = flag.String("migrations-dir", "internal/db/migrations", "Directory holding migration files")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("route-timer %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	monitoring.SetVerbose(*verbose)

	if !units.IsValid(*unitsFlag) {
		log.Fatalf("invalid units %q (valid: %s)", *unitsFlag, units.GetValidUnitsString())
	}

	// Secrets (broker and archive credentials) come from the environment;
	// a .env file is a convenience, not a requirement.
	if err := godotenv.Load(); err == nil {
		monitoring.Debugf("loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlagOverrides(cfg)

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	if *migrateCmd != "" {
		out, err := store.RunMigrateCommand(*migrateCmd, *migrationsDir)
		if err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		fmt.Println(out)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := observability.TracingConfigFromEnv()
	if *traceFlag {
		tracingCfg.Enabled = true
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing)

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	recorder := report.NewRecorder(0)
	plotter := report.NewPlotter(*plotsDir, &cfg.Route, recorder)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(ctx, archive.Options{
			Addr:     cfg.Archive.Addr,
			Database: cfg.Archive.Database,
			Username: cfg.Archive.Username,
			Password: cfg.Archive.Password,
			OnFlush: func(n int, err error) {
				if err != nil {
					metrics.ArchiveFlushFails.Inc()
					return
				}
				metrics.ArchiveFlushes.Inc()
			},
		})
		if err != nil {
			// The archive is best-effort; run without it rather than
			// refusing to time runs.
			log.Printf("archive disabled: %v", err)
			archiver = nil
		}
	}

	// The server is created after the engine but referenced from its
	// callbacks, so capture it through a variable.
	var srv *api.Server

	engineCfg := cfg.TimingConfig()
	engineCfg.OnSample = func(s routesignal.Sample) {
		recorder.Record(s)
		metrics.ObserveSample(s.Address)
		if archiver != nil {
			archiver.Offer(s)
		}
	}
	engineCfg.OnTransition = func(tr routesignal.Transition) {
		monitoring.Debugf("transition: %s gate %d %s at %s (%.1f dBm)",
			tr.Address, tr.GateIndex, tr.Kind, tr.Timestamp.Format(time.RFC3339), tr.RSSI)
		metrics.ObserveTransition(tr.Address, tr.Kind.String())
		metrics.SetSensorPresent(tr.Address, tr.Kind == routesignal.Enter)
		if err := store.RecordTransition(tr); err != nil {
			monitoring.Logf("failed to record transition: %v", err)
		}
		srv.PublishTransition(tr)
	}
	engineCfg.OnPassage = func(p timing.Passage) {
		if p.Role == route.RoleStart {
			if err := store.RecordRunStart(p.RunID, cfg.Route.Name, p.Timestamp); err != nil {
				monitoring.Logf("failed to record run start: %v", err)
			}
		}
		if err := store.RecordPassage(p); err != nil {
			monitoring.Logf("failed to record passage: %v", err)
		}
	}
	engineCfg.OnResult = func(res timing.Result) {
		if err := store.FinalizeRun(res); err != nil {
			monitoring.Logf("failed to finalize run: %v", err)
		}
		srv.PublishResult(res)
		observability.TraceResult(context.Background(), res)
		switch res.State {
		case timing.RunCompleted:
			metrics.ObserveCompletedRun(res.Total.Seconds())
			logResult(cfg, res)
		case timing.RunAbandoned:
			metrics.ObserveAbandonedRun()
			monitoring.Logf("run %s abandoned after %d passages", res.RunID, len(res.Passages))
		}
		// Rendering reads the trace buffer and writes a PNG; keep it off
		// the engine goroutine.
		go func() {
			if _, err := plotter.RenderResult(res); err != nil {
				monitoring.Logf("failed to render run plot: %v", err)
			}
		}()
	}

	engine, err := timing.New(engineCfg)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	srv = api.NewServer(engine, store, &cfg.Route, recorder, plotter, *unitsFlag)

	sources, serialMux, err := buildSources(cfg)
	if err != nil {
		log.Fatalf("failed to build sample source: %v", err)
	}
	if serialMux != nil {
		defer serialMux.Close()
	}

	retention := db.NewRetentionWorker(store)
	retention.Start()
	defer retention.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return scan.Pump(gctx, engine.Offer, sources...) })
	g.Go(func() error {
		// Counters the engine keeps internally are mirrored to Prometheus
		// from periodic snapshots.
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		var lastUnknown uint64
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				lastUnknown = mirrorEngineStats(engine.Snapshot(), metrics, lastUnknown)
			}
		}
	})
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}

	g.Go(func() error {
		mux := http.NewServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("attach admin routes: %w", err)
		}
		if serialMux != nil {
			serialMux.AttachAdminRoutes(mux)
		}
		srv.AttachDebugRoutes(mux)
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", api.LoggingMiddleware(srv.ServeMux()))

		server := &http.Server{Addr: *httpAddr, Handler: mux}
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}()

		monitoring.Logf("serving HTTP on %s", *httpAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("route-timer failed: %v", err)
	}
	log.Printf("graceful shutdown complete")
}

// mirrorEngineStats copies one engine snapshot into the collector and
// returns the new unknown-sample high-water mark. Counters only ever grow,
// so each pass adds the delta since the previous one.
func mirrorEngineStats(snap timing.Snapshot, metrics *observability.Collector, lastUnknown uint64) uint64 {
	metrics.SetMergeBufferDepth(snap.Pending)
	if d := snap.Stats.Unknown - lastUnknown; d > 0 {
		metrics.SamplesUnknown.Add(float64(d))
		lastUnknown = snap.Stats.Unknown
	}
	return lastUnknown
}

// applyFlagOverrides lets command-line flags win over the config file for
// source selection, matching how the tool is used in the field: one config
// per course, flags to switch between live and replay.
func applyFlagOverrides(cfg *config.Config) {
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
	}
	if *serialPort != "" {
		cfg.Source.Serial.Port = *serialPort
	}
	if *mqttBroker != "" {
		cfg.Source.MQTT.Broker = *mqttBroker
	}
	if *replayFile != "" {
		cfg.Source.Replay.File = *replayFile
		if cfg.Source.Kind == "" {
			cfg.Source.Kind = config.SourceReplay
		}
	}
	if *pcapFile != "" {
		cfg.Source.Pcap.File = *pcapFile
		if cfg.Source.Kind == "" {
			cfg.Source.Kind = config.SourcePcap
		}
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = config.SourceSynthetic
	}
	if err := cfg.Source.Validate(); err != nil {
		log.Fatalf("invalid source selection: %v", err)
	}
}

func buildSources(cfg *config.Config) ([]scan.Source, serialmux.SerialMuxInterface, error) {
	switch cfg.Source.Kind {
	case config.SourceSerial:
		port := cfg.Source.Serial.Port
		if port == "" {
			return nil, nil, fmt.Errorf("serial source requires -serial-port or source.serial.port")
		}
		opts := serialmux.PortOptions{BaudRate: cfg.Source.Serial.Baud}
		m, err := serialmux.NewRealSerialMux(port, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open serial port %s: %w", port, err)
		}
		src := scan.NewSerialSource(m)
		src.Reopen = func() (serialmux.SerialMuxInterface, error) {
			return serialmux.NewRealSerialMux(port, opts)
		}
		return []scan.Source{src}, m, nil
	case config.SourceMQTT:
		src := scan.NewMQTTSource(scan.MQTTOptions{
			Broker:   cfg.Source.MQTT.Broker,
			Topic:    cfg.Source.MQTT.Topic,
			ClientID: cfg.Source.MQTT.ClientID,
			Username: cfg.Source.MQTT.Username,
			Password: cfg.Source.MQTT.Password,
		})
		return []scan.Source{src}, nil, nil
	case config.SourceUDP:
		return []scan.Source{scan.NewUDPSource(cfg.Source.UDP.Addr)}, nil, nil
	case config.SourceReplay:
		return []scan.Source{scan.NewReplaySource(cfg.Source.Replay.File, replayPace(cfg.Source.Replay.Rate))}, nil, nil
	case config.SourcePcap:
		return []scan.Source{scan.NewPcapSource(cfg.Source.Pcap.File, cfg.Source.Pcap.Port, replayPace(0))}, nil, nil
	case config.SourceSynthetic:
		monitoring.Logf("using synthetic traversal source; pass -source to read real sensors")
		return []scan.Source{scan.NewSyntheticSource(&cfg.Route)}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

// replayPace resolves the configured replay rate against the flag, which
// wins when set away from its default.
func replayPace(configured float64) float64 {
	if *replayRate != 1.0 {
		return *replayRate
	}
	if configured != 0 {
		return configured
	}
	return 1.0
}

func logResult(cfg *config.Config, res timing.Result) {
	line := fmt.Sprintf("run %s completed in %s", res.RunID, units.FormatDuration(res.Total))
	if dist := cfg.Route.DistanceMeters; dist > 0 {
		speed := units.ConvertSpeed(units.SpeedMPS(dist, res.Total), *unitsFlag)
		line += fmt.Sprintf(" (%.2f %s, %s/km)", speed, *unitsFlag, units.PaceMinPerKm(dist, res.Total))
	}
	monitoring.Logf("%s", line)
}
