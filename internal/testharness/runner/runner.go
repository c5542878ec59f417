// Package runner executes YAML scenarios against the subplex engine. Each
// scenario gets a fresh mock node and a fresh engine dialed to it.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/subplex/subplex-go/internal/testharness/engine"
	"github.com/subplex/subplex-go/internal/testharness/loader"
	"github.com/subplex/subplex-go/internal/testharness/reporter"
	"github.com/subplex/subplex-go/pkg/log"
)

// Output formats.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatJUnit = "junit"
)

// Config configures the runner.
type Config struct {
	// ScenarioDir is searched recursively for *.yaml scenarios.
	ScenarioDir string

	// Tags keeps scenarios with at least one of these tags (comma-separated).
	Tags string

	// Pattern keeps scenarios whose ID or name contains it.
	Pattern string

	// Timeout bounds scenarios without their own timeout.
	Timeout time.Duration

	// StepTimeout bounds steps without their own timeout.
	StepTimeout time.Duration

	StopOnFirstFailure bool

	Verbose bool

	// Output receives the report. Defaults to stdout.
	Output io.Writer

	// OutputFormat is "text", "json" or "junit".
	OutputFormat string

	// Logger receives engine logs. Defaults to a discarding logger.
	Logger *slog.Logger

	// ProtocolLogger receives protocol events of every scenario (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns a configuration for dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		ScenarioDir:  dir,
		Timeout:      30 * time.Second,
		StepTimeout:  10 * time.Second,
		OutputFormat: FormatText,
	}
}

// Runner loads and executes scenarios.
type Runner struct {
	config   *Config
	engine   *engine.Engine
	reporter reporter.Reporter
}

// New creates a runner with every action registered.
func New(config *Config) (*Runner, error) {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var rep reporter.Reporter
	switch config.OutputFormat {
	case "", FormatText:
		rep = reporter.NewTextReporter(config.Output, config.Verbose)
	case FormatJSON:
		rep = reporter.NewJSONReporter(config.Output, true)
	case FormatJUnit:
		rep = reporter.NewJUnitReporter(config.Output)
	default:
		return nil, fmt.Errorf("unknown output format %q", config.OutputFormat)
	}

	r := &Runner{config: config, reporter: rep}

	ec := engine.DefaultConfig()
	if config.Timeout > 0 {
		ec.DefaultTimeout = config.Timeout
	}
	if config.StepTimeout > 0 {
		ec.StepTimeout = config.StepTimeout
	}
	ec.StopOnFirstFailure = config.StopOnFirstFailure
	ec.Setup = r.setup
	ec.Teardown = r.teardown
	r.engine = engine.NewWithConfig(ec)
	r.registerHandlers()
	return r, nil
}

// Actions lists the action names scenarios may use.
func (r *Runner) Actions() []string {
	return r.engine.Actions()
}

// Load returns the scenarios selected by the configuration.
func (r *Runner) Load() ([]*loader.Scenario, error) {
	scenarios, err := loader.LoadDirectory(r.config.ScenarioDir)
	if err != nil {
		return nil, err
	}
	if r.config.Tags != "" {
		scenarios = loader.FilterByTags(scenarios, splitList(r.config.Tags))
	}
	if r.config.Pattern != "" {
		kept := scenarios[:0]
		for _, sc := range scenarios {
			if strings.Contains(sc.ID, r.config.Pattern) || strings.Contains(sc.Name, r.config.Pattern) {
				kept = append(kept, sc)
			}
		}
		scenarios = kept
	}
	return scenarios, nil
}

// Run loads, executes and reports the selected scenarios.
func (r *Runner) Run(ctx context.Context) (*engine.SuiteResult, error) {
	scenarios, err := r.Load()
	if err != nil {
		return nil, err
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios selected in %s", r.config.ScenarioDir)
	}
	result := r.RunScenarios(ctx, scenarios)
	r.reporter.ReportSuite(result)
	return result, nil
}

// RunScenarios executes scenarios without reporting.
func (r *Runner) RunScenarios(ctx context.Context, scenarios []*loader.Scenario) *engine.SuiteResult {
	return r.engine.RunSuite(ctx, "subplex", scenarios)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
