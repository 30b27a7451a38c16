package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/cadenza-automation/cadenza/internal/types"
)

type staticPlatforms map[types.PlatformID]types.Platform

func (s staticPlatforms) Get(id types.PlatformID) (types.Platform, error) {
	p, ok := s[id]
	if !ok {
		return types.Platform{}, types.ErrPlatformNotFound
	}
	return p, nil
}

func validRule() *types.Rule {
	return &types.Rule{
		Name:     "daily report",
		Priority: types.PriorityMedium,
		Category: types.CategorySystem,
		Trigger:  types.Trigger{Kind: types.TriggerSchedule, Platform: "system", Event: "daily_9am"},
		Conditions: []types.Condition{
			{Field: "load", Operator: types.OpGreaterThan, Value: types.Number(0.5)},
		},
		Actions: []types.Action{
			{Type: types.ActionGenerateReport, Platform: "system", Operation: "daily"},
		},
	}
}

func problemFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *types.ValidationError", err)
	}
	fields := make([]string, 0, len(verr.Problems))
	for _, p := range verr.Problems {
		fields = append(fields, p.Field)
	}
	return fields
}

func TestValidate_Valid(t *testing.T) {
	v := NewValidator(nil)
	if err := v.Validate(validRule()); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *types.Rule)
		wantField string
	}{
		{"no actions", func(r *types.Rule) { r.Actions = nil }, "actions"},
		{"missing name", func(r *types.Rule) { r.Name = "" }, "name"},
		{"unknown trigger kind", func(r *types.Rule) { r.Trigger.Kind = "carrier_pigeon" }, "trigger.kind"},
		{"custom kind without name", func(r *types.Rule) { r.Trigger.Kind = types.TriggerCustom }, "trigger.custom_kind"},
		{"missing trigger platform", func(r *types.Rule) { r.Trigger.Platform = "" }, "trigger.platform"},
		{"unknown operator", func(r *types.Rule) { r.Conditions[0].Operator = "matches" }, "conditions[0].operator"},
		{"bad connective", func(r *types.Rule) { r.Conditions[0].Connective = "XOR" }, "conditions[0].connective"},
		{"missing condition value", func(r *types.Rule) { r.Conditions[0].Value = types.Value{} }, "conditions[0].value"},
		{"bad field path", func(r *types.Rule) { r.Conditions[0].Field = "a..b" }, "conditions[0].field"},
		{"unknown action type", func(r *types.Rule) { r.Actions[0].Type = "fax" }, "actions[0].type"},
		{"unknown priority", func(r *types.Rule) { r.Priority = "urgent" }, "priority"},
		{"unknown category", func(r *types.Rule) { r.Category = "misc" }, "category"},
		{"custom category without name", func(r *types.Rule) { r.Category = types.CategoryCustom }, "custom_category"},
		{"broken template", func(r *types.Rule) {
			r.Actions[0].Parameters = types.Params{"subject": types.String("=event.fields.")}
		}, "actions[0].parameters"},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)
			err := v.Validate(rule)
			if !errors.Is(err, types.ErrValidation) {
				t.Fatalf("Validate() error = %v, want ErrValidation", err)
			}
			fields := problemFields(t, err)
			found := false
			for _, f := range fields {
				if f == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("problems = %v, want one for %q", fields, tt.wantField)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	rule := validRule()
	rule.Name = ""
	rule.Actions = nil
	rule.Conditions[0].Operator = "between"

	fields := problemFields(t, NewValidator(nil).Validate(rule))
	if len(fields) < 3 {
		t.Errorf("problems = %v, want at least 3", fields)
	}
	msg := NewValidator(nil).Validate(rule).Error()
	if !strings.Contains(msg, "between") {
		t.Errorf("Error() = %q, want it to name the bad operator", msg)
	}
}

func TestValidate_Platforms(t *testing.T) {
	platforms := staticPlatforms{
		"system": {ID: "system", TriggerKinds: []types.TriggerKind{types.TriggerSchedule}},
		"gmail":  {ID: "gmail", ActionTypes: []types.ActionType{types.ActionSendEmail}},
	}
	v := NewValidator(platforms)

	if err := v.Validate(validRule()); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}

	rule := validRule()
	rule.Trigger.Kind = types.TriggerWebhook
	rule.Actions = append(rule.Actions,
		types.Action{Type: types.ActionSendSMS, Platform: "gmail"},
		types.Action{Type: types.ActionSendEmail, Platform: "outlook"},
	)
	fields := problemFields(t, v.Validate(rule))
	want := map[string]bool{"trigger.kind": false, "actions[1].type": false, "actions[2].platform": false}
	for _, f := range fields {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("problems = %v, missing %q", fields, f)
		}
	}
}

func TestValidate_TriggerChecks(t *testing.T) {
	check := func(tr types.Trigger) error {
		if tr.Kind == types.TriggerSchedule && tr.Parameters.Get("cron") == "never" {
			return errors.New("bad cron")
		}
		return nil
	}
	rule := validRule()
	rule.Trigger.Parameters = types.Params{"cron": types.String("never")}

	fields := problemFields(t, NewValidator(nil, check).Validate(rule))
	if len(fields) != 1 || fields[0] != "trigger.parameters" {
		t.Errorf("problems = %v, want [trigger.parameters]", fields)
	}
}
