// Command subplex-test runs YAML scenarios against the subplex engine.
//
// Every scenario gets its own in-process mock node, so no endpoint is
// needed. The exit code is 1 when any scenario fails.
//
// Usage:
//
//	subplex-test [flags] [pattern]
//
// Flags:
//
//	-dir string           Scenario directory (default "internal/testharness/runner/testdata")
//	-tags string          Run only scenarios with one of these tags (comma-separated)
//	-timeout duration     Scenario timeout (default 30s)
//	-step-timeout dur     Step timeout (default 10s)
//	-fail-fast            Stop after the first failing scenario
//	-verbose              Print every step
//	-json                 Output results as JSON
//	-junit                Output results as JUnit XML
//	-log-level string     Engine log level written to stderr (default "error")
//	-protocol-log string  File path for protocol event logging (CBOR format)
//	-list                 List actions and exit
//
// Examples:
//
//	# Run the reconnect scenarios with step detail
//	subplex-test -tags reconnect -verbose
//
//	# Run one scenario and keep its wire traffic
//	subplex-test -protocol-log seed.cbor SC-SEED-001
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/subplex/subplex-go/internal/testharness/runner"
	"github.com/subplex/subplex-go/pkg/config"
	plog "github.com/subplex/subplex-go/pkg/log"
)

var (
	dir         = flag.String("dir", "internal/testharness/runner/testdata", "Scenario directory")
	tags        = flag.String("tags", "", "Run only scenarios with one of these tags (comma-separated)")
	timeout     = flag.Duration("timeout", 30*time.Second, "Scenario timeout")
	stepTimeout = flag.Duration("step-timeout", 10*time.Second, "Step timeout")
	failFast    = flag.Bool("fail-fast", false, "Stop after the first failing scenario")
	verbose     = flag.Bool("verbose", false, "Print every step")
	jsonOut     = flag.Bool("json", false, "Output results as JSON")
	junitOut    = flag.Bool("junit", false, "Output results as JUnit XML")
	logLevel    = flag.String("log-level", "error", "Engine log level written to stderr")
	protocolLog = flag.String("protocol-log", "", "File path for protocol event logging (CBOR format)")
	list        = flag.Bool("list", false, "List actions and exit")
)

func main() {
	flag.Parse()

	pattern := ""
	if flag.NArg() > 0 {
		pattern = flag.Arg(0)
	}

	outputFormat := runner.FormatText
	if *jsonOut {
		outputFormat = runner.FormatJSON
	} else if *junitOut {
		outputFormat = runner.FormatJUnit
	}

	level, err := config.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg := runner.DefaultConfig(*dir)
	cfg.Tags = *tags
	cfg.Pattern = pattern
	cfg.Timeout = *timeout
	cfg.StepTimeout = *stepTimeout
	cfg.StopOnFirstFailure = *failFast
	cfg.Verbose = *verbose
	cfg.Output = os.Stdout
	cfg.OutputFormat = outputFormat
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var fileLogger *plog.FileLogger
	if *protocolLog != "" {
		fileLogger, err = plog.NewFileLogger(*protocolLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create protocol logger: %v\n", err)
			os.Exit(1)
		}
		cfg.ProtocolLogger = fileLogger
	}

	r, err := runner.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *list {
		fmt.Println(strings.Join(r.Actions(), "\n"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	result, err := r.Run(ctx)
	cancel()
	if fileLogger != nil {
		fileLogger.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if result.FailCount > 0 {
		os.Exit(1)
	}
}
