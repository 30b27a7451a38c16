// internal/rules/operators.go
package rules

import (
	"strings"

	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Operator comparison logic.
 *
 * Operators:
 *   - equals / not_equals: numeric equality when both sides are numeric,
 *     string equality otherwise
 *   - greater_than / less_than: numeric ordering when both sides are numeric,
 *     lexicographic ordering of the text views otherwise
 *   - contains: substring test on the text view; on a list field the test
 *     passes when any element's text view contains the value
 *
 * Function-based dispatch: five operators with small behavioural differences
 * read better as a switch than as five interface implementations.
 */

// Compare applies op to the resolved field value and the condition value.
func Compare(op types.Operator, field any, target types.Value) bool {
	switch op {
	case types.OpEquals:
		return compareEqual(field, target)
	case types.OpNotEquals:
		return !compareEqual(field, target)
	case types.OpGreaterThan:
		return compareOrder(field, target) > 0
	case types.OpLessThan:
		return compareOrder(field, target) < 0
	case types.OpContains:
		return compareContains(field, target)
	default:
		return false
	}
}

func compareEqual(field any, target types.Value) bool {
	if a, b, ok := asNumbers(field, target); ok {
		return a == b
	}
	return toText(field) == target.Text()
}

// compareOrder performs a three-way comparison (-1/0/1).
func compareOrder(field any, target types.Value) int {
	if a, b, ok := asNumbers(field, target); ok {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toText(field), target.Text())
}

func compareContains(field any, target types.Value) bool {
	needle := target.Text()
	if list, ok := field.([]any); ok {
		for _, elem := range list {
			if strings.Contains(toText(elem), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toText(field), needle)
}

// asNumbers converts both operands to float64 when both have a numeric view.
func asNumbers(field any, target types.Value) (float64, float64, bool) {
	a, oka := toNumber(field)
	b, okb := toNumber(target)
	return a, b, oka && okb
}
