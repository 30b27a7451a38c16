// internal/rules/evaluate.go
package rules

import "github.com/cadenza-automation/cadenza/internal/types"

/*
 * Condition chain evaluation.
 *
 * The chain is a strict left fold, not a boolean expression with precedence:
 *
 *   result = c[0]
 *   for i >= 1: result = c[i-1].connective == AND ? result && c[i] : result || c[i]
 *
 * so [A AND, B OR, C] is ((A && B) || C). The last condition's connective is
 * never read. An empty chain matches.
 *
 * Per condition: resolve path -> compare. A path that does not resolve makes
 * that condition false and is reported in Result.Missing so the caller can log
 * it at debug level; evaluation itself never fails.
 *
 * Evaluation is pure, so a step whose outcome is already fixed (false AND x,
 * true OR x) skips resolving x.
 */

// Result is the outcome of evaluating a condition chain.
type Result struct {
	Matched bool
	Missing []string // field paths that did not resolve
}

// Evaluate folds the condition chain over the event fields.
func Evaluate(conds []CompiledCondition, fields map[string]any) Result {
	var res Result
	if len(conds) == 0 {
		res.Matched = true
		return res
	}

	res.Matched = evaluateCondition(conds[0], fields, &res)
	for i := 1; i < len(conds); i++ {
		if conds[i-1].Connective == types.ConnectiveOr {
			if res.Matched {
				continue
			}
			res.Matched = evaluateCondition(conds[i], fields, &res)
			continue
		}
		if !res.Matched {
			continue
		}
		res.Matched = evaluateCondition(conds[i], fields, &res)
	}
	return res
}

// Matches is Evaluate without diagnostics.
func Matches(rule *CompiledRule, fields map[string]any) bool {
	return Evaluate(rule.Conditions, fields).Matched
}

func evaluateCondition(cond CompiledCondition, fields map[string]any, res *Result) bool {
	value, err := Resolve(cond.Path, fields)
	if err != nil {
		res.Missing = append(res.Missing, cond.Field)
		return false
	}
	return Compare(cond.Operator, value, cond.Value)
}
