package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertPendingExecution writes the execution record that claims the
// (account, message, rule) key. The unique index makes the insert the sole
// cross-process mutual-exclusion mechanism: a conflicting insert returns
// ErrDuplicateExecution and the caller skips the message entirely.
func (s *Store) InsertPendingExecution(ctx context.Context, er *ExecutedRule) error {
	er.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO executed_rules (
			account_id, message_id, thread_id, rule_id, rule_name,
			status, reason, automated, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_id, rule_id) DO NOTHING
	`,
		er.AccountID, er.MessageID, er.ThreadID, er.RuleID, er.RuleName,
		er.Status, er.Reason, er.Automated, er.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateExecution
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	er.ID = id

	for i := range er.Items {
		item := &er.Items[i]
		item.ExecutedRuleID = er.ID
		item.Position = i
		if item.Status == "" {
			item.Status = ActionItemPending
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO executed_actions (
				executed_rule_id, position, type, label, to_addrs, cc_addrs,
				bcc_addrs, subject, content, url, folder, status, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.ExecutedRuleID, item.Position, item.Type, item.Label, item.To,
			item.Cc, item.Bcc, item.Subject, item.Content, item.URL, item.Folder,
			item.Status, item.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert action item: %w", err)
		}
		item.ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

// UpdateExecutionStatus finalizes an execution record
func (s *Store) UpdateExecutionStatus(ctx context.Context, id int64, status ExecutionStatus, reason string) error {
	var completedAt *time.Time
	if status == ExecutionExecuted || status == ExecutionFailed || status == ExecutionSkipped {
		now := time.Now().UTC()
		completedAt = &now
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE executed_rules SET status = ?, reason = ?, completed_at = ? WHERE id = ?
	`, status, reason, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return nil
}

// UpdateActionItem records the outcome of one executed action
func (s *Store) UpdateActionItem(ctx context.Context, id int64, status ActionItemStatus, itemErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executed_actions SET status = ?, error = ? WHERE id = ?
	`, status, itemErr, id)
	if err != nil {
		return fmt.Errorf("failed to update action item: %w", err)
	}
	return nil
}

// UpdateActionItemContent rewrites an item's resolved fields, used when the
// argument generator fills placeholders on the approval path.
func (s *Store) UpdateActionItemContent(ctx context.Context, item *ExecutedAction) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executed_actions
		SET label = ?, to_addrs = ?, cc_addrs = ?, bcc_addrs = ?,
			subject = ?, content = ?, url = ?, folder = ?
		WHERE id = ?
	`, item.Label, item.To, item.Cc, item.Bcc, item.Subject, item.Content,
		item.URL, item.Folder, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update action item content: %w", err)
	}
	return nil
}

const executionColumns = `id, account_id, message_id, thread_id, rule_id,
	rule_name, status, reason, automated, created_at, completed_at`

func scanExecution(scan func(dest ...interface{}) error) (*ExecutedRule, error) {
	var er ExecutedRule
	var completedAt sql.NullTime
	if err := scan(
		&er.ID, &er.AccountID, &er.MessageID, &er.ThreadID, &er.RuleID,
		&er.RuleName, &er.Status, &er.Reason, &er.Automated, &er.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		er.CompletedAt = &completedAt.Time
	}
	return &er, nil
}

// GetExecution retrieves an execution record with its action items
func (s *Store) GetExecution(ctx context.Context, id int64) (*ExecutedRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executed_rules WHERE id = ?`, id)

	er, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if err := s.loadActionItems(ctx, er); err != nil {
		return nil, err
	}
	return er, nil
}

// GetExecutionByKey retrieves an execution by its idempotency key
func (s *Store) GetExecutionByKey(ctx context.Context, accountID int64, messageID string, ruleID int64) (*ExecutedRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executed_rules
		WHERE account_id = ? AND message_id = ? AND rule_id = ?
	`, accountID, messageID, ruleID)

	er, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if err := s.loadActionItems(ctx, er); err != nil {
		return nil, err
	}
	return er, nil
}

func (s *Store) loadActionItems(ctx context.Context, er *ExecutedRule) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, executed_rule_id, position, type, label, to_addrs, cc_addrs,
			   bcc_addrs, subject, content, url, folder, status, error
		FROM executed_actions
		WHERE executed_rule_id = ? ORDER BY position ASC
	`, er.ID)
	if err != nil {
		return fmt.Errorf("failed to load action items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item ExecutedAction
		if err := rows.Scan(
			&item.ID, &item.ExecutedRuleID, &item.Position, &item.Type,
			&item.Label, &item.To, &item.Cc, &item.Bcc, &item.Subject,
			&item.Content, &item.URL, &item.Folder, &item.Status, &item.Error,
		); err != nil {
			return fmt.Errorf("failed to scan action item: %w", err)
		}
		er.Items = append(er.Items, item)
	}
	return rows.Err()
}

// ListThreadExecutions returns a thread's prior executions, newest first,
// excluding the unhandled markers.
func (s *Store) ListThreadExecutions(ctx context.Context, accountID int64, threadID string, limit int) ([]*ExecutedRule, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executed_rules
		WHERE account_id = ? AND thread_id = ? AND rule_id != 0
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, accountID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread executions: %w", err)
	}
	defer rows.Close()

	var execs []*ExecutedRule
	for rows.Next() {
		er, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, er)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, er := range execs {
		if err := s.loadActionItems(ctx, er); err != nil {
			return nil, err
		}
	}

	return execs, nil
}

// ListExecutions returns an account's execution history, newest first
func (s *Store) ListExecutions(ctx context.Context, accountID int64, filter ExecutionFilter) ([]*ExecutedRule, error) {
	conditions := []string{"account_id = ?"}
	args := []interface{}{accountID}

	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.RuleID != nil {
		conditions = append(conditions, "rule_id = ?")
		args = append(args, *filter.RuleID)
	}

	query := `SELECT ` + executionColumns + ` FROM executed_rules WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*ExecutedRule
	for rows.Next() {
		er, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, er)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, er := range execs {
		if err := s.loadActionItems(ctx, er); err != nil {
			return nil, err
		}
	}

	return execs, nil
}

// GetExecutionStats returns execution counts for an account
func (s *Store) GetExecutionStats(ctx context.Context, accountID int64) (*ExecutionStats, error) {
	var stats ExecutionStats

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, rule_id = 0, COUNT(*)
		FROM executed_rules WHERE account_id = ?
		GROUP BY status, rule_id = 0
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status ExecutionStatus
		var unmatched bool
		var count int64
		if err := rows.Scan(&status, &unmatched, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.Total += count
		switch {
		case unmatched:
			stats.Unhandled += count
		case status == ExecutionExecuted:
			stats.Executed += count
		case status == ExecutionPendingApproval:
			stats.PendingApproval += count
		case status == ExecutionFailed:
			stats.Failed += count
		}
	}
	return &stats, rows.Err()
}
