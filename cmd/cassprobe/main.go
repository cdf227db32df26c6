package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/probeworks/cassprobe/internal/cluster"
	"github.com/probeworks/cassprobe/internal/config"
	"github.com/probeworks/cassprobe/internal/driver"
	"github.com/probeworks/cassprobe/internal/events"
	"github.com/probeworks/cassprobe/internal/metrics"
	"github.com/probeworks/cassprobe/internal/orchestrator"
	"github.com/probeworks/cassprobe/internal/probes"
	"github.com/probeworks/cassprobe/internal/report"
	"github.com/probeworks/cassprobe/internal/resilient"
	"github.com/probeworks/cassprobe/internal/scheduler"
)

// Exit codes: 0 when every probe in the final run succeeded, 10 on partial
// failure, 1 on fatal configuration or startup failure.
const (
	exitOK             = 0
	exitFatal          = 1
	exitPartialFailure = 10
)

var (
	// Version information (set via ldflags at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "cassprobe",
	Short: "cassprobe - Cassandra cluster diagnostic supervisor",
	Long: "Discovers cluster topology, runs a battery of liveness probes against every " +
		"node on a schedule, and records every connection-state transition of one " +
		"long-lived driver session",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().Bool("version", false, "Print version information and exit")
	config.BindFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatal)
	}
	os.Exit(exitCode)
}

// exitCode carries the probe outcome of the final run out of run().
var exitCode = exitOK

func run(cmd *cobra.Command, args []string) error {
	if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
		fmt.Printf("cassprobe version %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		return nil
	}

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}

	// Shared event ring and connection monitor; the driver adapter feeds
	// the monitor, the monitor feeds the ring.
	ring := events.NewRing(cfg.EventRingSize)
	monitor := cluster.NewMonitor(ring)

	connectionLog, err := openConnectionLog(cfg, monitor)
	if err != nil {
		return err
	}
	if connectionLog != nil {
		defer connectionLog.Close()
	}

	sessions := cluster.NewSessionManager(driver.GocqlFactory{}, driverConfig(cfg), monitor)
	defer sessions.Close()

	discoverer := cluster.NewDiscoverer(sessions, monitor, cfg.Port, cfg.StoragePort, cfg.QueryTimeout())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Establish the singleton session up front so an unreachable cluster
	// fails fast with a startup error.
	if _, err := sessions.Session(ctx); err != nil {
		var connErr *driver.ConnectionError
		if errors.As(err, &connErr) {
			return fmt.Errorf("startup connection failed: %w", err)
		}
		return err
	}

	var resilientClient *resilient.Client
	if cfg.Resilient {
		rcfg := resilient.DefaultConfig()
		rcfg.Consistency = driver.ParseConsistency(cfg.Consistency)
		rcfg.QueryTimeout = cfg.QueryTimeout()
		resilientClient = resilient.New(rcfg, sessions, monitor, discoverer, ring)
		go resilientClient.Run(ctx)
		slog.Info("resilient client enabled")
	}

	probeCtx := &probes.Context{
		Sessions:      sessions,
		SocketTimeout: cfg.SocketTimeout(),
		QueryTimeout:  cfg.QueryTimeout(),
		Statement:     cfg.TestCQL,
		Consistency:   driver.ParseConsistency(cfg.Consistency),
		Tracing:       cfg.Tracing,
	}
	if resilientClient != nil {
		probeCtx.Executor = resilientClient
	}

	format, err := report.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return err
	}
	out, closeOut, err := openOutput(cfg)
	if err != nil {
		return err
	}
	defer closeOut()
	writer := report.NewWriter(format, out)

	var (
		mu   sync.Mutex
		last *orchestrator.ProbeSession
	)
	var metricSet *metrics.Set

	onComplete := func(s *orchestrator.ProbeSession) {
		mu.Lock()
		last = s
		mu.Unlock()

		if metricSet != nil {
			for _, r := range s.Results {
				metricSet.ObserveResult(r)
			}
			metricSet.ObserveTickDuration(s.Duration().Seconds())
		}
		if err := writer.WriteSession(s); err != nil {
			slog.Error("failed to write session results", "session_id", s.ID, "error", err)
		}
	}

	orch := orchestrator.New(discoverer, buildProbers(cfg), probeCtx,
		orchestrator.Config{MaxConcurrent: cfg.MaxConcurrent}, onComplete)

	sched, err := scheduler.New(scheduler.Config{
		Interval:       cfg.Interval(),
		CronExpr:       cfg.CronExpr,
		MaxDuration:    cfg.MaxDuration(),
		MaxDurationSet: cfg.DurationSet,
		MaxRuns:        cfg.MaxRuns,
		AllowOverlap:   cfg.AllowOverlap,
	}, func(ctx context.Context) {
		orch.RunTick(ctx)
	})
	if err != nil {
		return err
	}

	if cfg.MetricsPort > 0 {
		metricSet = metrics.NewSet(metrics.Sources{
			RingEvicted:    func() float64 { return float64(ring.Evicted()) },
			SchedulerRuns:  func() float64 { return float64(sched.Runs()) },
			SchedulerDrops: func() float64 { return float64(sched.Dropped()) },
			PoolActive:     func() float64 { return float64(monitor.PoolStatus().Active) },
			PoolFailed:     func() float64 { return float64(monitor.PoolStatus().Failed) },
			ResilientTotal: func() float64 {
				if resilientClient == nil {
					return 0
				}
				return float64(resilientClient.GetMetrics().TotalQueries)
			},
			ResilientFailed: func() float64 {
				if resilientClient == nil {
					return 0
				}
				return float64(resilientClient.GetMetrics().FailedQueries)
			},
		})
		metricsServer := metrics.NewServer(metricSet, healthSource(resilientClient, sessions), cfg.MetricsPort)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	sched.Run(ctx)

	mu.Lock()
	final := last
	mu.Unlock()

	switch {
	case final == nil || final.Failed:
		exitCode = exitPartialFailure
	case final.AllSucceeded():
		exitCode = exitOK
	default:
		exitCode = exitPartialFailure
	}

	if format != report.FormatConsole && !cfg.Quiet && final != nil {
		fmt.Println(report.Summary(final))
	}
	return nil
}

// buildProbers selects the probe set. Socket and CQL probes always run;
// the others are opt-in unless all probes are requested.
func buildProbers(cfg *config.Config) []probes.Prober {
	probers := []probes.Prober{
		probes.NewSocketProbe(),
		probes.NewCQLProbe(),
	}
	if cfg.AllProbes || cfg.ProbePing {
		probers = append(probers, probes.NewPingProbe())
	}
	if cfg.AllProbes || cfg.ProbeNativePort {
		probers = append(probers, probes.NewNativePortProbe())
	}
	if cfg.AllProbes || cfg.ProbeStoragePort {
		probers = append(probers, probes.NewStoragePortProbe())
	}
	return probers
}

func driverConfig(cfg *config.Config) driver.Config {
	return driver.Config{
		ContactPoints:     cfg.ContactPoints,
		Port:              cfg.Port,
		Username:          cfg.Username,
		Password:          cfg.Password,
		SSL:               cfg.SSL,
		CertPath:          cfg.CertFile,
		KeyPath:           cfg.KeyFile,
		CAPath:            cfg.CAFile,
		HostVerification:  cfg.SSLValidate,
		ConnectTimeout:    cfg.SocketTimeout(),
		Timeout:           cfg.QueryTimeout(),
		NumConns:          2,
		ReconnectInterval: 10 * time.Second,
	}
}

func setupLogging(cfg *config.Config) error {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	if cfg.Quiet {
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, "cassprobe.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		w = f
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

// openConnectionLog streams connection-state transitions to a separate
// file as JSON lines when requested.
func openConnectionLog(cfg *config.Config, monitor *cluster.Monitor) (io.Closer, error) {
	if cfg.ConnectionLog == "" {
		return nil, nil
	}

	f, err := os.OpenFile(cfg.ConnectionLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening connection log: %w", err)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(f)
	monitor.OnStateChange(func(host string, old, new cluster.ConnState) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(map[string]string{
			"time": time.Now().UTC().Format(time.RFC3339Nano),
			"host": host,
			"old":  string(old),
			"new":  string(new),
		})
	})
	return f, nil
}

func openOutput(cfg *config.Config) (io.Writer, func(), error) {
	if cfg.OutputFile == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(cfg.OutputFile)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// healthSource prefers the resilient client's health view when enabled.
func healthSource(client *resilient.Client, sessions *cluster.SessionManager) metrics.HealthSource {
	if client != nil {
		return client
	}
	return sessionHealth{sessions}
}

type sessionHealth struct {
	sessions *cluster.SessionManager
}

func (h sessionHealth) IsHealthy() bool { return h.sessions.Connected() }
