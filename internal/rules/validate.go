// internal/rules/validate.go
package rules

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Rule ingest validation.
 *
 * Validation runs in two passes and reports every problem at once:
 *   1. Structural: struct tags on types.Rule checked by go-playground/validator,
 *      with custom tags for the closed enums (trigger_kind, action_type,
 *      operator, connective, priority, category).
 *   2. Semantic: field paths parse, condition values are set, parameter
 *      templates compile, platforms are registered and support the trigger
 *      kind / action type, plus any trigger checks supplied by the caller
 *      (schedule specs).
 *
 * Field names in problems use JSON names ("actions[0].type") so API callers
 * can map them back to their input.
 */

// PlatformLookup resolves platform descriptors.
type PlatformLookup interface {
	Get(id types.PlatformID) (types.Platform, error)
}

// TriggerCheck validates kind-specific trigger parameters.
type TriggerCheck func(types.Trigger) error

// Validator checks rule definitions on ingest.
type Validator struct {
	validate      *validator.Validate
	platforms     PlatformLookup
	triggerChecks []TriggerCheck
}

// NewValidator creates a Validator. platforms may be nil to skip platform checks.
func NewValidator(platforms PlatformLookup, checks ...TriggerCheck) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "trigger_kind", func(fl validator.FieldLevel) bool {
		return types.TriggerKind(fl.Field().String()).Valid()
	})
	mustRegister(v, "action_type", func(fl validator.FieldLevel) bool {
		return types.ActionType(fl.Field().String()).Valid()
	})
	mustRegister(v, "operator", func(fl validator.FieldLevel) bool {
		return types.Operator(fl.Field().String()).Valid()
	})
	mustRegister(v, "connective", func(fl validator.FieldLevel) bool {
		return types.Connective(fl.Field().String()).Valid()
	})
	mustRegister(v, "priority", func(fl validator.FieldLevel) bool {
		return types.Priority(fl.Field().String()).Valid()
	})
	mustRegister(v, "category", func(fl validator.FieldLevel) bool {
		return types.Category(fl.Field().String()).Valid()
	})
	return &Validator{validate: v, platforms: platforms, triggerChecks: checks}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// Validate returns a *types.ValidationError listing every problem, or nil.
func (v *Validator) Validate(rule *types.Rule) error {
	problems := &types.ValidationError{}
	if rule == nil {
		problems.Add("rule", "is required")
		return problems
	}

	if err := v.validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			problems.Add("rule", err.Error())
			return problems
		}
		for _, fe := range verrs {
			problems.Add(fieldName(fe), describe(fe))
		}
	}

	for i, cond := range rule.Conditions {
		if cond.Value.IsZero() {
			problems.Add(fmt.Sprintf("conditions[%d].value", i), "is required")
		}
		if cond.Field != "" {
			if _, err := ParsePath(cond.Field); err != nil {
				problems.Add(fmt.Sprintf("conditions[%d].field", i), err.Error())
			}
		}
	}

	for i, action := range rule.Actions {
		if _, err := CompileTemplates(action.Parameters); err != nil {
			problems.Add(fmt.Sprintf("actions[%d].parameters", i), err.Error())
		}
	}

	if rule.Trigger.Kind.Valid() {
		for _, check := range v.triggerChecks {
			if err := check(rule.Trigger); err != nil {
				problems.Add("trigger.parameters", err.Error())
			}
		}
	}

	v.checkPlatforms(rule, problems)
	return problems.OrNil()
}

func (v *Validator) checkPlatforms(rule *types.Rule, problems *types.ValidationError) {
	if v.platforms == nil {
		return
	}
	if rule.Trigger.Platform != "" && rule.Trigger.Kind.Valid() {
		p, err := v.platforms.Get(rule.Trigger.Platform)
		switch {
		case err != nil:
			problems.Add("trigger.platform", fmt.Sprintf("platform %q is not registered", rule.Trigger.Platform))
		case !p.SupportsTrigger(rule.Trigger.Kind):
			problems.Add("trigger.kind", fmt.Sprintf("platform %q does not emit %q triggers", p.ID, rule.Trigger.Kind))
		}
	}
	for i, action := range rule.Actions {
		if action.Platform == "" || !action.Type.Valid() {
			continue
		}
		p, err := v.platforms.Get(action.Platform)
		switch {
		case err != nil:
			problems.Add(fmt.Sprintf("actions[%d].platform", i), fmt.Sprintf("platform %q is not registered", action.Platform))
		case !p.SupportsAction(action.Type):
			problems.Add(fmt.Sprintf("actions[%d].type", i), fmt.Sprintf("platform %q does not accept %q actions", p.ID, action.Type))
		}
	}
}

// fieldName strips the root struct name from the validator namespace.
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at most %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "trigger_kind":
		return fmt.Sprintf("unrecognized trigger kind %q", fe.Value())
	case "action_type":
		return fmt.Sprintf("unrecognized action type %q", fe.Value())
	case "operator":
		return fmt.Sprintf("unrecognized operator %q", fe.Value())
	case "connective":
		return fmt.Sprintf("connective must be AND or OR, got %q", fe.Value())
	case "priority":
		return fmt.Sprintf("unrecognized priority %q", fe.Value())
	case "category":
		return fmt.Sprintf("unrecognized category %q", fe.Value())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
