// Package main provides the EcoFlowMon application entry point.
// EcoFlowMon polls the EcoFlow IoT open API and exposes device telemetry as
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	tsversion "tailscale.com/version"

	"github.com/tbuchboeck/EcoFlowMon/internal/api"
	"github.com/tbuchboeck/EcoFlowMon/internal/cache"
	"github.com/tbuchboeck/EcoFlowMon/internal/config"
	"github.com/tbuchboeck/EcoFlowMon/internal/health"
	"github.com/tbuchboeck/EcoFlowMon/internal/metrics"
	"github.com/tbuchboeck/EcoFlowMon/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const (
	shutdownTimeout = 15 * time.Second
	// cacheStaleFactor is how many missed intervals make the cache unhealthy.
	cacheStaleFactor = 5
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func setupLogger(cfg config.Config) {
	slog.SetDefault(newLogger(os.Stdout, cfg))
}

// performHealthCheck probes the liveness endpoint of a running instance.
func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	url := fmt.Sprintf("http://%s:%s/health", host, port)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "ecoflowmon %s (built: %s)\n", version, buildTime)
	fmt.Fprintf(w, "tailscale library: %s\n", tsversion.Long())
	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, "go version: %s\n", info.GoVersion)
	}
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "EcoFlowMon - Prometheus exporter for EcoFlow devices\n\n")
	fmt.Fprintf(w, "Usage: ecoflowmon [options]\n\n")
	fmt.Fprintf(w, "Options:\n%s", flagSet.FlagUsages())
	fmt.Fprintf(w, `
Environment variables:
  ECOFLOW_ACCESS_KEY    EcoFlow developer access key (required)
  ECOFLOW_SECRET_KEY    EcoFlow developer secret key (required)
  ECOFLOW_API_URL       API base URL (default: %s)
  COLLECTION_INTERVAL   Seconds between collections, at least %d (default: %d)
  METRICS_PORT          Server port, PORT is used as fallback (default: %s)
  API_TIMEOUT           Timeout per API call (default: %s)
  API_RATE_LIMIT        Outgoing API requests per second, 0 disables (default: %g)
  HTTP_RATE_LIMIT       Incoming requests per second per client, 0 disables (default: %g)
  LOG_LEVEL             Log level: debug, info, warn, error (default: info)
  LOG_FORMAT            Log format: text, json (default: text)
  CONFIG_FILE           Optional YAML file, overridden by the environment
  USE_TSNET             Also listen on a tailnet via tsnet (default: false)
  TSNET_HOSTNAME        Hostname on the tailnet
  TSNET_STATE_DIR       tsnet state directory
  TS_AUTHKEY            Tailscale auth key
`, config.DefaultAPIURL, config.MinCollectionInterval, config.DefaultCollectionInterval,
		config.DefaultPort, config.DefaultAPITimeout, config.DefaultAPIRateLimit, config.DefaultHTTPRateLimit)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var showVersion, showHelp, healthCheck bool

	flagSet := pflag.NewFlagSet("ecoflowmon", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.BoolVar(&showVersion, "version", false, "show version information")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help information")
	flagSet.BoolVar(&healthCheck, "health-check", false, "perform health check against a running instance and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(os.Stdout, flagSet)
			return 0
		}
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printHelp(os.Stderr, flagSet)
		return 2
	}

	switch {
	case showHelp:
		printHelp(os.Stdout, flagSet)
		return 0
	case showVersion:
		printVersion(os.Stdout)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	if healthCheck {
		host := os.Getenv("HEALTH_CHECK_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		if err := performHealthCheck(host, cfg.Port); err != nil {
			slog.Error("Health check failed", "error", err)
			return 1
		}
		slog.Info("Health check passed")
		return 0
	}

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return 1
	}

	server.SetVersion(version, buildTime)

	slog.Info("Starting EcoFlowMon",
		"version", version,
		"build_time", buildTime,
		"config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.Error("EcoFlowMon stopped with error", "error", err)
		return 1
	}
	slog.Info("Shutdown complete")
	return 0
}

// serve wires the components and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config) error {
	registry := metrics.NewRegistry()
	snapshots := cache.NewMetricsCache(registry.Registerer())

	client := api.NewClient(api.ClientConfig{
		BaseURL:   cfg.APIURL,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Timeout:   cfg.APITimeout,
		RateLimit: cfg.APIRateLimit,
		Observer:  registry.Self(),
	})
	collector := metrics.NewCollector(client, snapshots, registry.Self())

	devices, err := collector.Initialize(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		slog.Warn("No devices found for this account; only the exporter's own metrics will be served")
	}

	scheduler := metrics.NewScheduler(collector, registry, cfg.Interval())
	shutdown := server.NewShutdownManager(shutdownTimeout, registry.Registerer())
	shutdown.RegisterHook(server.ShutdownHook{
		Name:     "scheduler",
		Priority: 10,
		Handler: func(context.Context) error {
			scheduler.Stop()
			return nil
		},
	})

	hc := health.NewHealthChecker()
	hc.RegisterComponent(collector)
	hc.RegisterComponent(health.NewCacheHealthChecker(snapshots, cacheStaleFactor*cfg.Interval()))
	hc.RegisterComponent(shutdown)

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	srv := server.New(cfg, server.NewHandlers(server.Dependencies{
		Registry:  registry,
		Health:    hc,
		Collector: collector,
		Scheduler: scheduler,
		Snapshots: snapshots,
	}), shutdown)

	slog.Info("Serving metrics", "port", cfg.Port, "use_tsnet", cfg.UseTsnet, "interval", cfg.Interval())

	if err := srv.Run(ctx); err != nil {
		shutdown.Shutdown()
		return err
	}
	return nil
}
