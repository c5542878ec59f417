package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subplex/subplex-go/cmd/subplex-watch/variant"
	"github.com/subplex/subplex-go/pkg/config"
	plog "github.com/subplex/subplex-go/pkg/log"
	"github.com/subplex/subplex-go/pkg/subscription"
)

// registrations builds one registration per configured variant and
// returns the keys that want a seed.
func registrations(cfg config.Config) ([]subscription.Registration, []subscription.LogicalKey, error) {
	var regs []subscription.Registration
	var seeds []subscription.LogicalKey
	for i, s := range cfg.Subscriptions {
		target, err := subscription.ParseTarget(s.Target)
		if err != nil {
			return nil, nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		for _, name := range s.Variants {
			decode, err := variant.Lookup(name)
			if err != nil {
				return nil, nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
			}
			key := config.Key(target, name)
			regs = append(regs, subscription.Registration{
				Key:     key,
				Target:  target,
				Options: s.Options,
				Decode:  decode,
			})
			if s.Seed {
				seeds = append(seeds, key)
			}
		}
	}
	return regs, seeds, nil
}

// protocolLogger combines the capture file and, at debug level, the slog
// adapter. The returned close func flushes the capture file.
func protocolLogger(path string, logger *slog.Logger, debug bool) (plog.Logger, func() error, error) {
	var loggers []plog.Logger
	closeFn := func() error { return nil }

	if path != "" {
		fl, err := plog.NewFileLogger(path)
		if err != nil {
			return nil, nil, fmt.Errorf("protocol log: %w", err)
		}
		loggers = append(loggers, fl)
		closeFn = fl.Close
	}
	if debug {
		loggers = append(loggers, plog.NewSlogAdapter(logger.With("component", "protocol")))
	}

	if len(loggers) == 0 {
		return nil, closeFn, nil
	}
	return plog.NewMultiLogger(loggers...), closeFn, nil
}

// newRegistry returns a registry carrying the runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// metricsServer serves reg on /metrics.
func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics runs srv until it is shut down.
func serveMetrics(srv *http.Server, logger *slog.Logger) {
	logger.Info("serving metrics", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// logUpdate writes one update line.
func logUpdate(logger *slog.Logger) subscription.UpdateFunc {
	return func(u subscription.Update) {
		if u.Err != nil {
			logger.Warn("decode failed", "key", u.Key, "slot", u.Slot, "error", u.Err)
			return
		}
		logger.Info("update",
			"key", u.Key,
			"slot", u.Slot,
			"value", variant.Format(u.Value),
			"seed", u.Seed,
		)
	}
}

// switchWriter lets the log output move to the shell once it starts.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Set replaces the destination.
func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}
