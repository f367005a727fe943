package orchestrator

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rizome-dev/conductor/pkg/types"
)

// ShouldSkip reports whether any skip condition matches the workflow context
func ShouldSkip(conditions []types.StepCondition, values map[string]interface{}) bool {
	for _, cond := range conditions {
		if cond.Action != types.ActionSkip {
			continue
		}
		if EvaluateCondition(cond, values) {
			return true
		}
	}
	return false
}

// EvaluateCondition compares the context value at cond.Field with cond.Value.
// Numbers, and strings that parse as numbers, compare numerically; anything
// else compares by its string form. A missing field only satisfies not-equals.
func EvaluateCondition(cond types.StepCondition, values map[string]interface{}) bool {
	actual, ok := lookupField(values, cond.Field)
	if !ok {
		return cond.Operator == types.OperatorNotEquals
	}

	switch cond.Operator {
	case types.OperatorEquals:
		return equalValues(actual, cond.Value)
	case types.OperatorNotEquals:
		return !equalValues(actual, cond.Value)
	case types.OperatorGreaterThan:
		return compareValues(actual, cond.Value) > 0
	case types.OperatorLessThan:
		return compareValues(actual, cond.Value) < 0
	case types.OperatorContains:
		return containsValue(actual, cond.Value)
	default:
		return false
	}
}

// lookupField resolves a dotted path such as "review.score" through nested maps
func lookupField(values map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := values[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	var current interface{} = values
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues returns -1, 0 or 1
func compareValues(a, b interface{}) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func containsValue(container, needle interface{}) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, fmt.Sprint(needle))
	case []interface{}:
		for _, item := range c {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range c {
			if item == fmt.Sprint(needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := c[fmt.Sprint(needle)]
		return ok
	default:
		return strings.Contains(fmt.Sprint(container), fmt.Sprint(needle))
	}
}
