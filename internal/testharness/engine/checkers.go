package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Checker names as they appear in scenario files.
const (
	CheckerNameDefault       = "default"
	CheckerNameAtLeast       = "at_least"
	CheckerNameAtMost        = "at_most"
	CheckerNameNotEqual      = "not_equal"
	CheckerNameContains      = "contains"
	CheckerNameErrorContains = "error_contains"
	CheckerNameNoError       = "no_error"
)

// KeyError is the output key handlers use for an expected failure.
const KeyError = "error"

// RegisterCheckers registers the standard checkers with e.
func RegisterCheckers(e *Engine) {
	e.RegisterChecker(CheckerNameAtLeast, CheckerAtLeast)
	e.RegisterChecker(CheckerNameAtMost, CheckerAtMost)
	e.RegisterChecker(CheckerNameNotEqual, CheckerNotEqual)
	e.RegisterChecker(CheckerNameContains, CheckerContains)
	e.RegisterChecker(CheckerNameErrorContains, CheckerErrorContains)
	e.RegisterChecker(CheckerNameNoError, CheckerNoError)
}

// ToFloat64 converts numeric values for comparison.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// eachOutput runs check for every output named in expected, which must
// be a map of output name to operand. Results are combined in name order.
func eachOutput(key string, expected any, state *ExecutionState, check func(name string, want, got any) (bool, string)) *ExpectResult {
	operands, ok := expected.(map[string]any)
	if !ok {
		return &ExpectResult{
			Key: key, Expected: expected,
			Message: fmt.Sprintf("%s expects a map of output names, got %T", key, expected),
		}
	}

	names := make([]string, 0, len(operands))
	for name := range operands {
		names = append(names, name)
	}
	sort.Strings(names)

	var msgs []string
	for _, name := range names {
		got, exists := state.Get(name)
		if !exists {
			return &ExpectResult{
				Key: key, Expected: expected,
				Message: fmt.Sprintf("output %q not found", name),
			}
		}
		passed, msg := check(name, operands[name], got)
		if !passed {
			return &ExpectResult{Key: key, Expected: expected, Actual: got, Message: msg}
		}
		msgs = append(msgs, msg)
	}
	return &ExpectResult{Key: key, Expected: expected, Passed: true, Message: strings.Join(msgs, ", ")}
}

func compareNumbers(name string, want, got any, op string, ok func(g, w float64) bool) (bool, string) {
	w, wOK := ToFloat64(want)
	g, gOK := ToFloat64(got)
	if !wOK || !gOK {
		return false, fmt.Sprintf("%s: cannot compare %T with %T", name, got, want)
	}
	if !ok(g, w) {
		return false, fmt.Sprintf("%s: %v %s %v is false", name, got, op, want)
	}
	return true, fmt.Sprintf("%s %s %v", name, op, want)
}

// CheckerAtLeast checks outputs against minimums: at_least: {delivered: 2}.
func CheckerAtLeast(key string, expected any, state *ExecutionState) *ExpectResult {
	return eachOutput(key, expected, state, func(name string, want, got any) (bool, string) {
		return compareNumbers(name, want, got, ">=", func(g, w float64) bool { return g >= w })
	})
}

// CheckerAtMost checks outputs against maximums.
func CheckerAtMost(key string, expected any, state *ExecutionState) *ExpectResult {
	return eachOutput(key, expected, state, func(name string, want, got any) (bool, string) {
		return compareNumbers(name, want, got, "<=", func(g, w float64) bool { return g <= w })
	})
}

// CheckerNotEqual checks that outputs differ from the given values.
func CheckerNotEqual(key string, expected any, state *ExecutionState) *ExpectResult {
	return eachOutput(key, expected, state, func(name string, want, got any) (bool, string) {
		if valuesEqual(want, got) {
			return false, fmt.Sprintf("%s: expected a value other than %v", name, want)
		}
		return true, fmt.Sprintf("%s != %v", name, want)
	})
}

// CheckerContains checks that list outputs hold the given element, or
// that string outputs hold the given substring.
func CheckerContains(key string, expected any, state *ExecutionState) *ExpectResult {
	return eachOutput(key, expected, state, func(name string, want, got any) (bool, string) {
		switch g := got.(type) {
		case string:
			if strings.Contains(g, fmt.Sprint(want)) {
				return true, fmt.Sprintf("%s contains %q", name, want)
			}
		case []string:
			for _, item := range g {
				if valuesEqual(want, item) {
					return true, fmt.Sprintf("%s contains %v", name, want)
				}
			}
		case []any:
			for _, item := range g {
				if valuesEqual(want, item) {
					return true, fmt.Sprintf("%s contains %v", name, want)
				}
			}
		default:
			return false, fmt.Sprintf("%s: cannot search %T", name, got)
		}
		return false, fmt.Sprintf("%s: %v does not contain %v", name, got, want)
	})
}

// CheckerErrorContains checks the "error" output of the step.
func CheckerErrorContains(key string, expected any, state *ExecutionState) *ExpectResult {
	want := fmt.Sprint(expected)
	got, _ := state.Get(KeyError)
	msg, _ := got.(string)
	if msg == "" {
		return &ExpectResult{
			Key: key, Expected: expected,
			Message: "step did not fail",
		}
	}
	passed := strings.Contains(strings.ToLower(msg), strings.ToLower(want))
	result := &ExpectResult{Key: key, Expected: expected, Actual: msg, Passed: passed}
	if passed {
		result.Message = fmt.Sprintf("error contains %q", want)
	} else {
		result.Message = fmt.Sprintf("error %q does not contain %q", msg, want)
	}
	return result
}

// CheckerNoError checks that the step left no "error" output.
func CheckerNoError(key string, expected any, state *ExecutionState) *ExpectResult {
	got, _ := state.Get(KeyError)
	msg, _ := got.(string)
	want, _ := expected.(bool)
	passed := (msg == "") == want
	result := &ExpectResult{Key: key, Expected: expected, Actual: msg, Passed: passed}
	switch {
	case passed && want:
		result.Message = "no error"
	case passed:
		result.Message = fmt.Sprintf("error %q", msg)
	case want:
		result.Message = fmt.Sprintf("unexpected error %q", msg)
	default:
		result.Message = "expected an error"
	}
	return result
}
