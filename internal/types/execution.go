package types

import "time"

// ExecutionStatus is the terminal state of one (event, rule) match.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusPartial ExecutionStatus = "partial"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ActionRecord describes one action that ran successfully.
type ActionRecord struct {
	Type      ActionType `json:"type"`
	Platform  PlatformID `json:"platform"`
	Operation string     `json:"operation,omitempty"`
	ElapsedMs int64      `json:"elapsed_ms"`
	Attempts  int        `json:"attempts"`
}

// ExecutionEntry is an immutable record of one firing of one rule against one event.
type ExecutionEntry struct {
	ID              ExecutionID     `json:"id" db:"id"`
	RuleID          RuleID          `json:"rule_id" db:"rule_id"`
	RuleName        string          `json:"rule_name" db:"rule_name"`
	Category        string          `json:"category" db:"category"`
	EventID         EventID         `json:"event_id" db:"event_id"`
	Status          ExecutionStatus `json:"status" db:"status"`
	ExecutedActions []ActionRecord  `json:"executed_actions" db:"-"`
	ErrorMessage    *string         `json:"error_message,omitempty" db:"error_message"`
	ExecutionTimeMs int64           `json:"execution_time_ms" db:"execution_time_ms"`
	APICalls        int             `json:"api_calls" db:"api_calls"`
	Timestamp       time.Time       `json:"timestamp" db:"-"`
}
