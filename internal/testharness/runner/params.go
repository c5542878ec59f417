package runner

import (
	"fmt"
	"strconv"
	"time"

	"github.com/subplex/subplex-go/internal/testharness/engine"
	"github.com/subplex/subplex-go/internal/testharness/loader"
)

func paramString(step *loader.Step, name string) (string, error) {
	v, ok := step.Params[name]
	if !ok {
		return "", fmt.Errorf("missing param %q", name)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(s), nil
	default:
		return "", fmt.Errorf("param %q: expected a string, got %T", name, v)
	}
}

func paramStringOr(step *loader.Step, name, def string) (string, error) {
	if _, ok := step.Params[name]; !ok {
		return def, nil
	}
	return paramString(step, name)
}

func paramUint(step *loader.Step, name string) (uint64, error) {
	v, ok := step.Params[name]
	if !ok {
		return 0, fmt.Errorf("missing param %q", name)
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", name, err)
		}
		return n, nil
	}
	f, ok := engine.ToFloat64(v)
	if !ok || f < 0 || f != float64(uint64(f)) {
		return 0, fmt.Errorf("param %q: expected a non-negative integer, got %v", name, v)
	}
	return uint64(f), nil
}

func paramUintOr(step *loader.Step, name string, def uint64) (uint64, error) {
	if _, ok := step.Params[name]; !ok {
		return def, nil
	}
	return paramUint(step, name)
}

func paramInt(step *loader.Step, name string) (int, error) {
	v, ok := step.Params[name]
	if !ok {
		return 0, fmt.Errorf("missing param %q", name)
	}
	f, ok := engine.ToFloat64(v)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("param %q: expected an integer, got %v", name, v)
	}
	return int(f), nil
}

func paramBoolOr(step *loader.Step, name string, def bool) (bool, error) {
	v, ok := step.Params[name]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q: expected a bool, got %T", name, v)
	}
	return b, nil
}

func paramDuration(step *loader.Step, name string) (time.Duration, error) {
	s, err := paramString(step, name)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", name, err)
	}
	return d, nil
}

func paramMap(step *loader.Step, name string) (map[string]any, error) {
	v, ok := step.Params[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("param %q: expected a map, got %T", name, v)
	}
	return m, nil
}

// sameValue compares numbers numerically and everything else by its
// formatted value.
func sameValue(want, got any) bool {
	if w, ok := engine.ToFloat64(want); ok {
		if g, ok := engine.ToFloat64(got); ok {
			return w == g
		}
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}
