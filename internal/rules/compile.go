// internal/rules/compile.go
package rules

import (
	"fmt"

	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Rule compilation.
 *
 * Compiles a validated types.Rule into a CompiledRule: field paths parsed
 * once, action parameter templates compiled once. Compiled rules are
 * immutable and shared between concurrent executions.
 *
 * Condition order is preserved exactly. The sequential fold gives each
 * position meaning, so conditions are never reordered by cost.
 */

// CompiledCondition is a pre-processed condition ready for evaluation.
type CompiledCondition struct {
	Field      string
	Path       []PathSegment
	Operator   types.Operator
	Value      types.Value
	Connective types.Connective
}

// CompiledAction pairs an action with its compiled parameter templates.
type CompiledAction struct {
	Action    types.Action
	Templates map[string]*Template
}

// CompiledRule is a rule snapshot with everything evaluation needs precomputed.
type CompiledRule struct {
	Rule       *types.Rule
	Conditions []CompiledCondition
	Actions    []CompiledAction
}

// Compile converts a rule into its evaluable form. The rule is cloned, so the
// compiled form is unaffected by later edits to the caller's copy.
func Compile(rule *types.Rule) (*CompiledRule, error) {
	snapshot := rule.Clone()
	compiled := &CompiledRule{
		Rule:       snapshot,
		Conditions: make([]CompiledCondition, 0, len(snapshot.Conditions)),
		Actions:    make([]CompiledAction, 0, len(snapshot.Actions)),
	}

	for i, cond := range snapshot.Conditions {
		cc, err := compileCondition(cond)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		compiled.Conditions = append(compiled.Conditions, cc)
	}

	for i, action := range snapshot.Actions {
		templates, err := CompileTemplates(action.Parameters)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		compiled.Actions = append(compiled.Actions, CompiledAction{Action: action, Templates: templates})
	}

	return compiled, nil
}

func compileCondition(cond types.Condition) (CompiledCondition, error) {
	if !cond.Operator.Valid() {
		return CompiledCondition{}, fmt.Errorf("%w: %q", types.ErrInvalidOperator, cond.Operator)
	}
	path, err := ParsePath(cond.Field)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("field %q: %w", cond.Field, err)
	}
	connective := cond.Connective
	if connective == "" {
		connective = types.ConnectiveAnd
	}
	return CompiledCondition{
		Field:      cond.Field,
		Path:       path,
		Operator:   cond.Operator,
		Value:      cond.Value,
		Connective: connective,
	}, nil
}
