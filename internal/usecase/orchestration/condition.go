package orchestration

import (
	"fmt"
	"strings"

	"llmflow/internal/domain"
)

// normalizeOperator accepts "not-equals" and "not_equals" alike.
func normalizeOperator(op string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(op)), "-", "_")
}

func knownOperator(op string) bool {
	switch op {
	case domain.OpEquals, domain.OpNotEquals, domain.OpContains, domain.OpNotContains, domain.OpExists, domain.OpNotExists:
		return true
	}
	return false
}

// Evaluate reports whether cond holds against vars. Values compare by their
// printed form, so 3 equals "3". contains and not_contains only hold for
// string variables.
func Evaluate(cond domain.Condition, vars map[string]any) bool {
	v, ok := vars[cond.Variable]
	present := ok && v != nil

	switch normalizeOperator(cond.Operator) {
	case domain.OpExists:
		return present
	case domain.OpNotExists:
		return !present
	case domain.OpEquals:
		return present && fmt.Sprint(v) == fmt.Sprint(cond.Value)
	case domain.OpNotEquals:
		return !present || fmt.Sprint(v) != fmt.Sprint(cond.Value)
	case domain.OpContains:
		s, isString := v.(string)
		return isString && strings.Contains(s, fmt.Sprint(cond.Value))
	case domain.OpNotContains:
		s, isString := v.(string)
		return isString && !strings.Contains(s, fmt.Sprint(cond.Value))
	default:
		return false
	}
}
