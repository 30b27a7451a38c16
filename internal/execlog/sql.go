package execlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/types"
)

const scanBatch = 500

var entryColumns = []string{
	"id", "rule_id", "rule_name", "category", "event_id", "status",
	"executed_actions", "error_message", "execution_time_ms", "api_calls", "executed_at_ms",
}

type entryRow struct {
	ID              string  `db:"id"`
	RuleID          string  `db:"rule_id"`
	RuleName        string  `db:"rule_name"`
	Category        string  `db:"category"`
	EventID         string  `db:"event_id"`
	Status          string  `db:"status"`
	ExecutedActions []byte  `db:"executed_actions"`
	ErrorMessage    *string `db:"error_message"`
	ExecutionTimeMs int64   `db:"execution_time_ms"`
	APICalls        int     `db:"api_calls"`
	ExecutedAtMs    int64   `db:"executed_at_ms"`
}

func (r *entryRow) entry() (types.ExecutionEntry, error) {
	e := types.ExecutionEntry{
		ID:              types.ExecutionID(r.ID),
		RuleID:          types.RuleID(r.RuleID),
		RuleName:        r.RuleName,
		Category:        r.Category,
		EventID:         types.EventID(r.EventID),
		Status:          types.ExecutionStatus(r.Status),
		ErrorMessage:    r.ErrorMessage,
		ExecutionTimeMs: r.ExecutionTimeMs,
		APICalls:        r.APICalls,
		Timestamp:       time.UnixMilli(r.ExecutedAtMs).UTC(),
	}
	if err := json.Unmarshal(r.ExecutedActions, &e.ExecutedActions); err != nil {
		return e, fmt.Errorf("corrupt executed_actions for %s: %w", r.ID, err)
	}
	return e, nil
}

// SQLLog is a Log backed by the executions table. Timestamps are stored at
// millisecond precision.
type SQLLog struct {
	q  *db.Queries
	sb sq.StatementBuilderType
}

func NewSQLLog(q *db.Queries) *SQLLog {
	return &SQLLog{q: q, sb: db.Builder(q.DB())}
}

func (l *SQLLog) Append(ctx context.Context, entry types.ExecutionEntry) error {
	if err := checkEntry(&entry); err != nil {
		return err
	}
	actions := entry.ExecutedActions
	if actions == nil {
		actions = []types.ActionRecord{}
	}
	encoded, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to encode executed actions: %w", err)
	}

	_, err = l.q.Exec(ctx, "insert-execution",
		string(entry.ID), string(entry.RuleID), entry.RuleName, entry.Category, string(entry.EventID),
		string(entry.Status), string(encoded), entry.ErrorMessage, entry.ExecutionTimeMs,
		entry.APICalls, entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append execution %s: %w", entry.ID, err)
	}
	return nil
}

func (l *SQLLog) Query(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}

	where := sq.And{}
	if f.RuleID != "" {
		where = append(where, sq.Eq{"rule_id": string(f.RuleID)})
	}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": string(f.Status)})
	}
	if !f.From.IsZero() {
		where = append(where, sq.GtOrEq{"executed_at_ms": f.From.UnixMilli()})
	}
	if !f.To.IsZero() {
		where = append(where, sq.Lt{"executed_at_ms": f.To.UnixMilli()})
	}

	countSQL, countArgs, err := l.sb.Select("COUNT(*)").From("executions").Where(where).ToSql()
	if err != nil {
		return Page{}, fmt.Errorf("failed to build count query: %w", err)
	}
	var total int
	if err := l.q.DB().GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return Page{}, fmt.Errorf("failed to count executions: %w", err)
	}

	selectSQL, selectArgs, err := l.sb.Select(entryColumns...).
		From("executions").
		Where(where).
		OrderBy("executed_at_ms DESC", "id DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return Page{}, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []entryRow
	if err := l.q.DB().SelectContext(ctx, &rows, selectSQL, selectArgs...); err != nil {
		return Page{}, fmt.Errorf("failed to query executions: %w", err)
	}

	page := Page{Entries: make([]types.ExecutionEntry, 0, len(rows)), Total: total, Offset: f.Offset, Limit: f.Limit}
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return Page{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// Scan pages through the table by (executed_at_ms, id) keyset.
func (l *SQLLog) Scan(ctx context.Context, fn func(types.ExecutionEntry) error) error {
	lastAt, lastID := int64(-1), ""
	for {
		var rows []entryRow
		if err := l.q.Select(ctx, "scan-executions", &rows, lastAt, lastAt, lastID, scanBatch); err != nil {
			return fmt.Errorf("failed to scan executions: %w", err)
		}
		for i := range rows {
			e, err := rows[i].entry()
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(rows) < scanBatch {
			return nil
		}
		last := rows[len(rows)-1]
		lastAt, lastID = last.ExecutedAtMs, last.ID
	}
}
