package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// ruleRow mirrors the rules table. The full definition lives in a JSON
// column; the remaining columns exist for filtering and ordering.
type ruleRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Enabled     bool   `db:"enabled"`
	Category    string `db:"category"`
	Version     int64  `db:"version"`
	Definition  []byte `db:"definition"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

type versionRow struct {
	Version      int64  `db:"version"`
	Definition   []byte `db:"definition"`
	RecordedAtMs int64  `db:"recorded_at_ms"`
}

// SQLStore is a RuleStore backed by the rules and rule_versions tables.
type SQLStore struct {
	q   *db.Queries
	now func() time.Time
}

// NewSQLStore wraps loaded queries. The schema must already be migrated.
func NewSQLStore(q *db.Queries) *SQLStore {
	return &SQLStore{q: q, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) Create(ctx context.Context, rule *types.Rule) error {
	if rule.ID == "" {
		rule.ID = types.NewRuleID()
	}
	stamp(rule, s.now())
	def, err := encodeDefinition(rule)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, err := s.q.Raw("get-rule")
		if err != nil {
			return err
		}
		var existing ruleRow
		switch err := tx.GetContext(ctx, &existing, query, string(rule.ID)); {
		case err == nil:
			return fmt.Errorf("%w: %s", types.ErrRuleExists, rule.ID)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check rule %s: %w", rule.ID, err)
		}

		// A recreated id starts a fresh history.
		if _, err := s.q.ExecTx(ctx, tx, "delete-rule-versions", string(rule.ID)); err != nil {
			return fmt.Errorf("failed to clear stale versions: %w", err)
		}
		if _, err := s.q.ExecTx(ctx, tx, "insert-rule",
			string(rule.ID), rule.Name, rule.Enabled, rule.CategoryLabel(), rule.Version,
			def, rule.CreatedAt.UnixMilli(), rule.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		if _, err := s.q.ExecTx(ctx, tx, "insert-rule-version",
			string(rule.ID), rule.Version, def, rule.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert rule version: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.Get(ctx, "get-rule", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return row.decode()
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*types.Rule, error) {
	var rows []ruleRow
	var err error
	if opts.Enabled != nil {
		err = s.q.Select(ctx, "list-rules-by-enabled", &rows, *opts.Enabled)
	} else {
		err = s.q.Select(ctx, "list-rules", &rows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	out := make([]*types.Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		if opts.match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, rule *types.Rule, expectedVersion int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, err := s.q.Raw("get-rule")
		if err != nil {
			return err
		}
		var current ruleRow
		if err := tx.GetContext(ctx, &current, query, string(rule.ID)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", types.ErrRuleNotFound, rule.ID)
			}
			return fmt.Errorf("failed to load rule %s: %w", rule.ID, err)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: %s at version %d, update based on %d",
				types.ErrVersionConflict, rule.ID, current.Version, expectedVersion)
		}

		next := *rule
		next.Version = expectedVersion + 1
		next.CreatedAt = time.UnixMilli(current.CreatedAtMs).UTC()
		next.UpdatedAt = s.now()
		next.TriggerCount = 0
		next.LastTriggered = nil
		def, err := encodeDefinition(&next)
		if err != nil {
			return err
		}

		res, err := s.q.ExecTx(ctx, tx, "update-rule",
			next.Name, next.Enabled, next.CategoryLabel(), next.Version, def, next.UpdatedAt.UnixMilli(),
			string(next.ID), expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s changed concurrently", types.ErrVersionConflict, rule.ID)
		}
		if _, err := s.q.ExecTx(ctx, tx, "insert-rule-version",
			string(next.ID), next.Version, def, next.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert rule version: %w", err)
		}

		rule.Version = next.Version
		rule.CreatedAt = next.CreatedAt
		rule.UpdatedAt = next.UpdatedAt
		rule.TriggerCount = 0
		rule.LastTriggered = nil
		return nil
	})
}

func (s *SQLStore) Delete(ctx context.Context, id types.RuleID) error {
	res, err := s.q.Exec(ctx, "delete-rule", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, id types.RuleID) ([]Version, error) {
	var rows []versionRow
	if err := s.q.Select(ctx, "list-rule-versions", &rows, string(id)); err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}

	out := make([]Version, 0, len(rows))
	for _, row := range rows {
		var r types.Rule
		if err := json.Unmarshal(row.Definition, &r); err != nil {
			return nil, fmt.Errorf("corrupt definition for %s version %d: %w", id, row.Version, err)
		}
		out = append(out, Version{
			Version:    row.Version,
			Rule:       &r,
			RecordedAt: time.UnixMilli(row.RecordedAtMs).UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.q.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func encodeDefinition(rule *types.Rule) (string, error) {
	stored := rule.Clone()
	stored.TriggerCount = 0
	stored.LastTriggered = nil
	b, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode rule %s: %w", rule.ID, err)
	}
	return string(b), nil
}

func (row *ruleRow) decode() (*types.Rule, error) {
	var r types.Rule
	if err := json.Unmarshal(row.Definition, &r); err != nil {
		return nil, fmt.Errorf("corrupt definition for rule %s: %w", row.ID, err)
	}
	r.ID = types.RuleID(row.ID)
	r.Enabled = row.Enabled
	r.Version = row.Version
	r.CreatedAt = time.UnixMilli(row.CreatedAtMs).UTC()
	r.UpdatedAt = time.UnixMilli(row.UpdatedAtMs).UTC()
	return &r, nil
}
