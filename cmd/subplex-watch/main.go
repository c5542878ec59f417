// Command subplex-watch follows account feeds over one multiplexed
// WebSocket and prints every update.
//
// Usage:
//
//	subplex-watch [flags]
//
// Flags:
//
//	-config string        Configuration file path
//	-example              Print an example configuration and exit
//	-endpoint string      WebSocket endpoint (overrides the config file)
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  Capture protocol events to a file
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-interactive          Enable interactive command mode
//	-version              Print the version and exit
//
// Examples:
//
//	# Print and edit an example configuration
//	subplex-watch -example > watch.yaml
//	subplex-watch -config watch.yaml
//
//	# Watch interactively with protocol capture
//	subplex-watch -endpoint wss://api.devnet.solana.com -interactive -protocol-log watch.slog
//
// Interactive Commands:
//
//	subscribe <target> <variant>  - Subscribe a key
//	unsubscribe <key>             - Release a key
//	seed <key>                    - Fetch the current value
//	values                        - Show every key
//	targets                       - Show targets and their state
//	stats                         - Show engine counters
//	quit                          - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subplex/subplex-go/cmd/subplex-watch/interactive"
	"github.com/subplex/subplex-go/cmd/subplex-watch/variant"
	"github.com/subplex/subplex-go/pkg/config"
	"github.com/subplex/subplex-go/pkg/dispatch"
	"github.com/subplex/subplex-go/pkg/engine"
	"github.com/subplex/subplex-go/pkg/metrics"
	"github.com/subplex/subplex-go/pkg/subscription"
	"github.com/subplex/subplex-go/pkg/version"
)

// Flags holds the command line flags.
type Flags struct {
	ConfigFile  string
	Example     bool
	Endpoint    string
	LogLevel    string
	ProtocolLog string
	MetricsAddr string
	Interactive bool
	Version     bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path")
	flag.BoolVar(&flags.Example, "example", false, "Print an example configuration and exit")
	flag.StringVar(&flags.Endpoint, "endpoint", "", "WebSocket endpoint (overrides the config file)")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "Capture protocol events to a file")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Enable interactive command mode")
	flag.BoolVar(&flags.Version, "version", false, "Print the version and exit")
}

func main() {
	flag.Parse()

	if flags.Version {
		fmt.Println(version.UserAgent())
		return
	}
	if flags.Example {
		os.Stdout.Write(config.Example())
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, flags.Interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(f Flags) (config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		loaded, err := config.Load(f.ConfigFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if f.Endpoint != "" {
		cfg.Endpoint = f.Endpoint
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.ProtocolLog != "" {
		cfg.ProtocolLog = f.ProtocolLog
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(cfg config.Config, interactiveMode bool) error {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logOut := &switchWriter{w: os.Stderr}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	regs, seeds, err := registrations(cfg)
	if err != nil {
		return err
	}

	engCfg, err := cfg.Engine()
	if err != nil {
		return err
	}
	engCfg.Logger = logger

	protoLogger, closeProto, err := protocolLogger(cfg.ProtocolLog, logger, level <= slog.LevelDebug)
	if err != nil {
		return err
	}
	defer closeProto()
	engCfg.ProtocolLogger = protoLogger

	promReg := newRegistry()
	engCfg.Metrics = metrics.New(promReg)
	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, promReg)
		go serveMetrics(srv, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	if !interactiveMode {
		engCfg.OnUpdate = logUpdate(logger)
	}

	eng, err := engine.New(engCfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	eng.OnHealth(func(h engine.Health) {
		switch h.State {
		case engine.StateReconnecting:
			logger.Warn("connection lost", "generation", h.Generation, "error", h.Err)
		case engine.StateReady:
			logger.Info("ready", "generation", h.Generation, "resubscribed", h.Resubscribed, "failed", len(h.Failed))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("subplex-watch starting", "version", version.Current, "endpoint", cfg.Endpoint)
	if err := eng.Start(ctx); err != nil {
		logger.Warn("initial connect failed", "error", err)
	}

	go subscribeConfigured(ctx, eng, regs, seeds, logger)

	if interactiveMode {
		shell, err := interactive.New(eng, interactive.Options{
			Resolve:        variant.Lookup,
			Format:         variant.Format,
			KeyOf:          config.Key,
			CommandTimeout: cfg.RequestTimeout + cfg.ResubscribeTimeout,
		})
		if err != nil {
			return err
		}
		logOut.Set(shell.Stdout())
		go shell.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return nil
}

// subscribeConfigured registers the configured keys and seeds those that
// asked for it.
func subscribeConfigured(ctx context.Context, eng *engine.Engine, regs []subscription.Registration, seeds []subscription.LogicalKey, logger *slog.Logger) {
	if len(regs) == 0 {
		return
	}
	report := dispatch.Collect(eng.SubscribeMany(ctx, regs))
	for _, r := range report.Failed {
		logger.Error("subscribe failed", "key", r.Key, "target", r.Target, "error", r.Err)
	}
	logger.Info("subscribed", "keys", report.Succeeded, "failed", len(report.Failed))

	for _, key := range seeds {
		if _, err := eng.Seed(ctx, key); err != nil {
			logger.Warn("seed failed", "key", key, "error", err)
		}
	}
}
