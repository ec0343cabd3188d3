package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetThreadState returns the conversation state of a thread, or ErrNotFound
// for threads never tracked.
func (s *Store) GetThreadState(ctx context.Context, accountID int64, threadID string) (*ThreadState, error) {
	var ts ThreadState
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, thread_id, state, updated_at
		FROM thread_states WHERE account_id = ? AND thread_id = ?
	`, accountID, threadID).Scan(&ts.AccountID, &ts.ThreadID, &ts.State, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread state: %w", err)
	}
	return &ts, nil
}

// SetThreadState upserts the conversation state of a thread
func (s *Store) SetThreadState(ctx context.Context, accountID int64, threadID string, state ConversationState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_states (account_id, thread_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, thread_id) DO UPDATE
			SET state = excluded.state, updated_at = excluded.updated_at
	`, accountID, threadID, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set thread state: %w", err)
	}
	return nil
}

// ListThreadsByState returns thread ids in a given state, oldest first
func (s *Store) ListThreadsByState(ctx context.Context, accountID int64, state ConversationState, limit int) ([]string, error) {
	query := `
		SELECT thread_id FROM thread_states
		WHERE account_id = ? AND state = ? ORDER BY updated_at ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, accountID, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, id)
	}
	return threads, rows.Err()
}
