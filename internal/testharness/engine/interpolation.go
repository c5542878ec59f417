package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// variablePattern matches {{ variable }} templates.
var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Interpolate replaces {{ variable }} placeholders with outputs from
// state. Unknown variables are left as-is.
func Interpolate(template string, state *ExecutionState) string {
	if state == nil {
		return template
	}
	return variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		value, ok := state.Outputs[name]
		if !ok {
			return match
		}
		return valueToString(value)
	})
}

// InterpolateParams interpolates every string in params, recursively. A
// string that is exactly one reference keeps the referenced value's type.
func InterpolateParams(params map[string]any, state *ExecutionState) map[string]any {
	if params == nil {
		return nil
	}
	result := make(map[string]any, len(params))
	for key, value := range params {
		result[key] = interpolateValue(value, state)
	}
	return result
}

func interpolateValue(value any, state *ExecutionState) any {
	switch v := value.(type) {
	case string:
		return interpolateString(v, state)
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, val := range v {
			result[k] = interpolateValue(val, state)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = interpolateValue(val, state)
		}
		return result
	default:
		return value
	}
}

func interpolateString(s string, state *ExecutionState) any {
	if state == nil {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if isPureVariableRef(trimmed) {
		name := variablePattern.FindStringSubmatch(trimmed)[1]
		if value, ok := state.Outputs[name]; ok {
			return value
		}
		return s
	}
	return Interpolate(s, state)
}

// isPureVariableRef reports whether s is exactly one reference.
func isPureVariableRef(s string) bool {
	matches := variablePattern.FindAllStringIndex(s, -1)
	return len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s)
}

func valueToString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
