// Package engine runs loaded scenarios step by step through registered
// action handlers and expectation checkers.
package engine

import (
	"context"
	"time"

	"github.com/subplex/subplex-go/internal/testharness/loader"
)

// TestResult is the outcome of one scenario.
type TestResult struct {
	Scenario *loader.Scenario

	Passed bool

	// Error is the first failure, if any.
	Error error

	StepResults []*StepResult

	Duration  time.Duration
	StartTime time.Time
	EndTime   time.Time

	Skipped    bool
	SkipReason string
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step *loader.Step

	// StepIndex is 0-based.
	StepIndex int

	Passed bool
	Error  error

	// ExpectResults maps checker keys to their results.
	ExpectResults map[string]*ExpectResult

	Duration time.Duration

	// Output is what the handler returned.
	Output map[string]any
}

// ExpectResult is the result of checking one expectation.
type ExpectResult struct {
	Key      string
	Expected any
	Actual   any
	Passed   bool
	Message  string
}

// SuiteResult is the outcome of a list of scenarios.
type SuiteResult struct {
	SuiteName string
	Results   []*TestResult

	PassCount int
	FailCount int
	SkipCount int

	Duration time.Duration
}

// ActionHandler runs one step. The returned outputs are merged into the
// execution state before the step's expectations are checked.
type ActionHandler func(ctx context.Context, step *loader.Step, state *ExecutionState) (map[string]any, error)

// ExpectChecker checks one expectation against the execution state.
type ExpectChecker func(key string, expected any, state *ExecutionState) *ExpectResult

// ExecutionState is shared by the steps of one scenario.
type ExecutionState struct {
	// Outputs accumulated from previous steps.
	Outputs map[string]any

	Context context.Context

	// Custom holds handler-owned objects such as the node under test.
	Custom map[string]any
}

// NewExecutionState creates an empty state.
func NewExecutionState(ctx context.Context) *ExecutionState {
	return &ExecutionState{
		Outputs: make(map[string]any),
		Custom:  make(map[string]any),
		Context: ctx,
	}
}

// Get returns an output. "{{ name }}" references are resolved.
func (s *ExecutionState) Get(key string) (any, bool) {
	if isPureVariableRef(key) {
		key = variablePattern.FindStringSubmatch(key)[1]
	}
	v, ok := s.Outputs[key]
	return v, ok
}

// Set stores an output.
func (s *ExecutionState) Set(key string, value any) {
	s.Outputs[key] = value
}

// Config configures the engine.
type Config struct {
	// DefaultTimeout bounds a scenario without its own timeout.
	DefaultTimeout time.Duration

	// StepTimeout bounds a step without its own timeout.
	StepTimeout time.Duration

	StopOnFirstFailure bool

	// Setup prepares the state before the first step (optional).
	Setup func(ctx context.Context, sc *loader.Scenario, state *ExecutionState) error

	// Teardown runs after the last step, also after failures (optional).
	Teardown func(state *ExecutionState)

	// OnTestComplete is called after each scenario in RunSuite (optional).
	OnTestComplete func(result *TestResult)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 30 * time.Second,
		StepTimeout:    10 * time.Second,
	}
}
