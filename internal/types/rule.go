package types

import "time"

/*
 * Rule model.
 *
 * A Rule owns one Trigger, an ordered Condition chain and an ordered Action
 * list. Struct tags carry the structural validation rules applied on ingest
 * (go-playground/validator); enum membership is checked by the custom
 * validators registered in internal/rules.
 *
 * TriggerCount and LastTriggered are never persisted with the rule. They are
 * filled in from the execution log when a rule is read through the manager.
 */

// Priority orders rules for display and reporting. Matching ignores it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank returns the ordinal of p (low=0 ... critical=3), -1 when unknown.
func (p Priority) Rank() int {
	r, ok := priorityRank[p]
	if !ok {
		return -1
	}
	return r
}

// Category groups rules for statistics.
type Category string

const (
	CategoryProductivity Category = "productivity"
	CategorySocialMedia  Category = "social_media"
	CategoryMarketing    Category = "marketing"
	CategoryHumanitarian Category = "humanitarian"
	CategorySystem       Category = "system"
	CategoryCustom       Category = "custom"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryProductivity, CategorySocialMedia, CategoryMarketing,
		CategoryHumanitarian, CategorySystem, CategoryCustom:
		return true
	}
	return false
}

// TriggerKind is the closed set of event shapes a rule can react to.
type TriggerKind string

const (
	TriggerWebhook              TriggerKind = "webhook"
	TriggerSchedule             TriggerKind = "schedule"
	TriggerEmailReceived        TriggerKind = "email_received"
	TriggerSocialMediaMention   TriggerKind = "social_media_mention"
	TriggerTaskCompleted        TriggerKind = "task_completed"
	TriggerAgentStatusChange    TriggerKind = "agent_status_change"
	TriggerCrisisAlert          TriggerKind = "crisis_alert"
	TriggerPerformanceThreshold TriggerKind = "performance_threshold"
	TriggerUserAction           TriggerKind = "user_action"
	TriggerCustom               TriggerKind = "custom"
)

// TriggerKinds lists every recognized trigger kind.
var TriggerKinds = []TriggerKind{
	TriggerWebhook, TriggerSchedule, TriggerEmailReceived, TriggerSocialMediaMention,
	TriggerTaskCompleted, TriggerAgentStatusChange, TriggerCrisisAlert,
	TriggerPerformanceThreshold, TriggerUserAction, TriggerCustom,
}

// Valid reports whether k is a recognized trigger kind.
func (k TriggerKind) Valid() bool {
	for _, known := range TriggerKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ActionType is the closed set of effects a rule can perform.
type ActionType string

const (
	ActionSendEmail        ActionType = "send_email"
	ActionSendSMS          ActionType = "send_sms"
	ActionPostSocialMedia  ActionType = "post_social_media"
	ActionCreateTask       ActionType = "create_task"
	ActionAssignAgent      ActionType = "assign_agent"
	ActionSendNotification ActionType = "send_notification"
	ActionGenerateReport   ActionType = "generate_report"
	ActionTriggerAPI       ActionType = "trigger_api"
	ActionCustomScript     ActionType = "custom_script"
)

// ActionTypes lists every recognized action type.
var ActionTypes = []ActionType{
	ActionSendEmail, ActionSendSMS, ActionPostSocialMedia, ActionCreateTask,
	ActionAssignAgent, ActionSendNotification, ActionGenerateReport,
	ActionTriggerAPI, ActionCustomScript,
}

// Valid reports whether t is a recognized action type.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// SupportedOperators lists every recognized operator.
var SupportedOperators = []Operator{OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains}

// Valid reports whether op is a recognized operator.
func (op Operator) Valid() bool {
	for _, known := range SupportedOperators {
		if op == known {
			return true
		}
	}
	return false
}

// Connective joins a condition to the next one in the chain.
type Connective string

const (
	ConnectiveAnd Connective = "AND"
	ConnectiveOr  Connective = "OR"
)

// Valid reports whether c is AND, OR, or empty (empty reads as AND).
func (c Connective) Valid() bool {
	return c == "" || c == ConnectiveAnd || c == ConnectiveOr
}

// Trigger is the event shape a rule reacts to.
type Trigger struct {
	Kind       TriggerKind `json:"kind" yaml:"kind" validate:"required,trigger_kind"`
	CustomKind string      `json:"custom_kind,omitempty" yaml:"custom_kind,omitempty" validate:"required_if=Kind custom,max=128"`
	Platform   PlatformID  `json:"platform" yaml:"platform" validate:"required,max=128"`
	Event      string      `json:"event" yaml:"event" validate:"required,max=256"`
	Parameters Params      `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Key returns the listener identity of the trigger.
func (t Trigger) Key() ListenerKey {
	return ListenerKey{Kind: t.Kind, CustomKind: t.CustomKind, Platform: t.Platform}
}

// Condition gates whether a matched rule executes.
type Condition struct {
	Field      string     `json:"field" yaml:"field" validate:"required,max=512"`
	Operator   Operator   `json:"operator" yaml:"operator" validate:"required,operator"`
	Value      Value      `json:"value" yaml:"value"`
	Connective Connective `json:"connective,omitempty" yaml:"connective,omitempty" validate:"connective"`
}

// Action is one effect performed when a rule fires.
type Action struct {
	Type       ActionType `json:"type" yaml:"type" validate:"required,action_type"`
	Platform   PlatformID `json:"platform" yaml:"platform" validate:"required,max=128"`
	Operation  string     `json:"operation,omitempty" yaml:"operation,omitempty" validate:"max=256"`
	Parameters Params     `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Rule is a persisted automation unit.
type Rule struct {
	ID             RuleID      `json:"id" yaml:"id,omitempty"`
	Name           string      `json:"name" yaml:"name" validate:"required,max=256"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty" validate:"max=4096"`
	Enabled        bool        `json:"enabled" yaml:"enabled"`
	Priority       Priority    `json:"priority" yaml:"priority" validate:"omitempty,priority"`
	Category       Category    `json:"category" yaml:"category" validate:"omitempty,category"`
	CustomCategory string      `json:"custom_category,omitempty" yaml:"custom_category,omitempty" validate:"required_if=Category custom,max=128"`
	CreatedBy      string      `json:"created_by,omitempty" yaml:"created_by,omitempty" validate:"max=256"`
	FailFast       bool        `json:"fail_fast" yaml:"fail_fast,omitempty"`
	Trigger        Trigger     `json:"trigger" yaml:"trigger"`
	Conditions     []Condition `json:"conditions" yaml:"conditions,omitempty" validate:"max=64,dive"`
	Actions        []Action    `json:"actions" yaml:"actions" validate:"min=1,max=32,dive"`
	Version        int64       `json:"version" yaml:"-"`
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time   `json:"updated_at" yaml:"-"`

	TriggerCount  int64      `json:"trigger_count" yaml:"-"`
	LastTriggered *time.Time `json:"last_triggered,omitempty" yaml:"-"`
}

// CategoryLabel returns the category used for statistics, resolving the custom variant.
func (r *Rule) CategoryLabel() string {
	if r.Category == CategoryCustom && r.CustomCategory != "" {
		return "custom:" + r.CustomCategory
	}
	if r.Category == "" {
		return string(CategoryCustom)
	}
	return string(r.Category)
}

// Clone returns a deep copy of r. Executions hold clones so later edits never
// reach an in-flight run.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.Trigger.Parameters = r.Trigger.Parameters.Clone()
	if r.Conditions != nil {
		out.Conditions = make([]Condition, len(r.Conditions))
		copy(out.Conditions, r.Conditions)
	}
	if r.Actions != nil {
		out.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			a.Parameters = a.Parameters.Clone()
			out.Actions[i] = a
		}
	}
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		out.LastTriggered = &t
	}
	return &out
}
