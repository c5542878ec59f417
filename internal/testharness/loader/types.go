// Package loader loads YAML scenarios for the subplex test harness.
package loader

// Scenario is one scripted test case run against a mock node.
type Scenario struct {
	// ID is the unique identifier (e.g. "SC-FANOUT-001").
	ID string `yaml:"id"`

	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Steps run in order; the first failing step ends the scenario.
	Steps []Step `yaml:"steps"`

	// Timeout bounds the whole scenario (e.g. "30s").
	Timeout string `yaml:"timeout,omitempty"`

	Tags []string `yaml:"tags,omitempty"`

	// Skip marks a scenario that is loaded but not run.
	Skip       bool   `yaml:"skip,omitempty"`
	SkipReason string `yaml:"skip_reason,omitempty"`
}

// Step is a single action in a scenario.
type Step struct {
	// Action names the handler, e.g. "subscribe" or "push".
	Action string `yaml:"action"`

	Params map[string]any `yaml:"params,omitempty"`

	// Expect maps checker keys to expected values.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Timeout overrides the step timeout.
	Timeout string `yaml:"timeout,omitempty"`

	Description string `yaml:"description,omitempty"`
}

// LoadError describes a scenario that could not be loaded.
type LoadError struct {
	// File is empty for in-memory parses.
	File string

	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File != "" {
		return e.File + ": " + msg
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}
