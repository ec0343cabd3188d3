package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateRule stores a rule with its conditions and actions in one
// transaction. Enforces the invariant that at most one enabled rule of a
// given system type exists per account.
func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if r.SystemType != SystemTypeNone && r.Enabled {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM rules
			WHERE account_id = ? AND system_type = ? AND enabled = 1
		`, r.AccountID, r.SystemType).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check system rules: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("account %d already has an enabled %q rule", r.AccountID, r.SystemType)
		}
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Operator == "" {
		r.Operator = OperatorAnd
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO rules (
			account_id, name, enabled, priority, operator, automate,
			run_on_threads, system_type, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.AccountID, r.Name, r.Enabled, r.Priority, r.Operator, r.Automate,
		r.RunOnThreads, r.SystemType, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id

	for i := range r.Conditions {
		c := &r.Conditions[i]
		c.RuleID = r.ID
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conditions (
				rule_id, type, from_match, to_match, subject_match, body_match,
				instructions, category_id, exclude, group_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.RuleID, c.Type, c.From, c.To, c.Subject, c.Body,
			c.Instructions, c.CategoryID, c.Exclude, c.GroupID,
		)
		if err != nil {
			return fmt.Errorf("failed to create condition: %w", err)
		}
		c.ID, _ = res.LastInsertId()
	}

	for i := range r.Actions {
		a := &r.Actions[i]
		a.RuleID = r.ID
		a.Position = i
		res, err := tx.ExecContext(ctx, `
			INSERT INTO actions (
				rule_id, position, type, label, to_addrs, cc_addrs, bcc_addrs,
				subject, content, url, folder
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.RuleID, a.Position, a.Type, a.Label, a.To, a.Cc, a.Bcc,
			a.Subject, a.Content, a.URL, a.Folder,
		)
		if err != nil {
			return fmt.Errorf("failed to create action: %w", err)
		}
		a.ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

// ListEnabledRules returns the account's enabled rules in priority order,
// with conditions and actions loaded.
func (s *Store) ListEnabledRules(ctx context.Context, accountID int64) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, enabled, priority, operator, automate,
			   run_on_threads, system_type, created_at, updated_at
		FROM rules
		WHERE account_id = ? AND enabled = 1
		ORDER BY priority ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(
			&r.ID, &r.AccountID, &r.Name, &r.Enabled, &r.Priority, &r.Operator,
			&r.Automate, &r.RunOnThreads, &r.SystemType, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range rules {
		if err := s.loadRuleChildren(ctx, r); err != nil {
			return nil, err
		}
	}

	return rules, nil
}

// GetRule retrieves one rule with its conditions and actions
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	var r Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, enabled, priority, operator, automate,
			   run_on_threads, system_type, created_at, updated_at
		FROM rules WHERE id = ?
	`, id).Scan(
		&r.ID, &r.AccountID, &r.Name, &r.Enabled, &r.Priority, &r.Operator,
		&r.Automate, &r.RunOnThreads, &r.SystemType, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	if err := s.loadRuleChildren(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) loadRuleChildren(ctx context.Context, r *Rule) error {
	condRows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, type, from_match, to_match, subject_match,
			   body_match, instructions, category_id, exclude, group_id
		FROM conditions WHERE rule_id = ? ORDER BY id ASC
	`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load conditions: %w", err)
	}
	defer condRows.Close()

	for condRows.Next() {
		var c Condition
		if err := condRows.Scan(
			&c.ID, &c.RuleID, &c.Type, &c.From, &c.To, &c.Subject,
			&c.Body, &c.Instructions, &c.CategoryID, &c.Exclude, &c.GroupID,
		); err != nil {
			return fmt.Errorf("failed to scan condition: %w", err)
		}
		r.Conditions = append(r.Conditions, c)
	}
	if err := condRows.Err(); err != nil {
		return err
	}

	actRows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, position, type, label, to_addrs, cc_addrs,
			   bcc_addrs, subject, content, url, folder
		FROM actions WHERE rule_id = ? ORDER BY position ASC, id ASC
	`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load actions: %w", err)
	}
	defer actRows.Close()

	for actRows.Next() {
		var a Action
		if err := actRows.Scan(
			&a.ID, &a.RuleID, &a.Position, &a.Type, &a.Label, &a.To, &a.Cc,
			&a.Bcc, &a.Subject, &a.Content, &a.URL, &a.Folder,
		); err != nil {
			return fmt.Errorf("failed to scan action: %w", err)
		}
		r.Actions = append(r.Actions, a)
	}
	return actRows.Err()
}

// DeleteRule removes a rule and its conditions and actions. Execution
// history referencing the rule is kept.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// UpdateRulePriority moves a rule within the account's evaluation order
func (s *Store) UpdateRulePriority(ctx context.Context, id int64, priority int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET priority = ?, updated_at = ? WHERE id = ?
	`, priority, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update rule priority: %w", err)
	}
	return nil
}
