// internal/rules/template.go
package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Action parameter templates.
 *
 * A string parameter starting with "=" is a CEL expression evaluated against
 * the triggering event when the action is dispatched:
 *
 *   subject: "='Mention from ' + event.fields.author.handle"
 *   score:   "=event.fields.score * 100.0"
 *
 * The variable "event" is a map with keys id, kind, platform, name, fields
 * and occurred_at. A leading "==" escapes a literal "=". Expressions compile
 * when the rule is ingested, so a broken template is a validation error and
 * never a dispatch-time surprise. Evaluation is cost-limited.
 */

const templateCostLimit = 100000

var templateEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("event", cel.DynType))
})

// Template is a compiled parameter expression.
type Template struct {
	Source  string
	program cel.Program
}

// IsTemplate reports whether v is a template parameter.
func IsTemplate(v types.Value) bool {
	return v.Kind == types.KindString && strings.HasPrefix(v.Str, "=") && !strings.HasPrefix(v.Str, "==")
}

// CompileTemplate compiles one expression (without the leading "=").
func CompileTemplate(expr string) (*Template, error) {
	env, err := templateEnv()
	if err != nil {
		return nil, fmt.Errorf("template environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prog, err := env.Program(ast, cel.CostLimit(templateCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Template{Source: expr, program: prog}, nil
}

// CompileTemplates compiles every template parameter in params.
// Returns nil when params holds no templates.
func CompileTemplates(params types.Params) (map[string]*Template, error) {
	var out map[string]*Template
	for key, v := range params {
		if !IsTemplate(v) {
			continue
		}
		tmpl, err := CompileTemplate(strings.TrimPrefix(v.Str, "="))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		if out == nil {
			out = make(map[string]*Template)
		}
		out[key] = tmpl
	}
	return out, nil
}

// Eval evaluates the template against an event.
func (t *Template) Eval(event types.Event) (types.Value, error) {
	out, _, err := t.program.Eval(map[string]any{"event": eventActivation(event)})
	if err != nil {
		return types.Value{}, fmt.Errorf("evaluate %q: %w", t.Source, err)
	}
	switch v := out.Value().(type) {
	case string:
		return types.String(v), nil
	case bool:
		return types.Bool(v), nil
	case int64:
		return types.Number(float64(v)), nil
	case uint64:
		return types.Number(float64(v)), nil
	case float64:
		return types.Number(v), nil
	case time.Time:
		return types.Timestamp(v), nil
	default:
		return types.String(toText(v)), nil
	}
}

// RenderParams resolves templates for one action. Literal "==" prefixes are unescaped.
func RenderParams(action CompiledAction, event types.Event) (types.Params, error) {
	params := action.Action.Parameters
	if len(params) == 0 {
		return params, nil
	}
	out := make(types.Params, len(params))
	for key, v := range params {
		if tmpl, ok := action.Templates[key]; ok {
			rendered, err := tmpl.Eval(event)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", key, err)
			}
			out[key] = rendered
			continue
		}
		if v.Kind == types.KindString && strings.HasPrefix(v.Str, "==") {
			v = types.String(v.Str[1:])
		}
		out[key] = v
	}
	return out, nil
}

func eventActivation(e types.Event) map[string]any {
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"id":          string(e.Identity()),
		"kind":        string(e.TriggerKind),
		"platform":    string(e.Platform),
		"name":        e.Name,
		"fields":      fields,
		"occurred_at": e.OccurredAt,
	}
}
