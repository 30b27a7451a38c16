// Package execlog is the append-only record of rule executions.
package execlog

import (
	"context"
	"fmt"
	"time"

	"github.com/cadenza-automation/cadenza/internal/types"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Filter selects entries for Query. From is inclusive, To exclusive; zero
// times are unbounded.
type Filter struct {
	RuleID types.RuleID
	Status types.ExecutionStatus
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Normalize applies default and maximum page sizes.
func (f Filter) Normalize() (Filter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", types.ErrValidation, f.Status)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("%w: offset must not be negative", types.ErrValidation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("%w: from must be before to", types.ErrValidation)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return f, nil
}

func (f Filter) match(e *types.ExecutionEntry) bool {
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Page is one slice of a Query result, newest first.
type Page struct {
	Entries []types.ExecutionEntry `json:"entries"`
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Limit   int                    `json:"limit"`
}

// Log stores execution entries. Append is safe for concurrent use.
type Log interface {
	Append(ctx context.Context, entry types.ExecutionEntry) error
	Query(ctx context.Context, f Filter) (Page, error)
	// Scan visits every entry oldest first until fn returns an error.
	Scan(ctx context.Context, fn func(types.ExecutionEntry) error) error
}

func checkEntry(e *types.ExecutionEntry) error {
	if e.ID == "" || e.RuleID == "" {
		return fmt.Errorf("%w: execution entry needs id and rule id", types.ErrValidation)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", types.ErrValidation, e.Status)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}

// before orders entries by (timestamp, id).
func before(a, b *types.ExecutionEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
