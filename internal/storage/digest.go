package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendDigestItem adds one summarized item to the open digest entry for
// (account, rule, window), creating the entry on first use. Items are kept
// in arrival order; an item for a message already present in the window is
// dropped so re-delivery cannot duplicate digest lines.
func (s *Store) AppendDigestItem(ctx context.Context, accountID, ruleID int64, windowStart time.Time, item DigestItem) error {
	windowStart = windowStart.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var itemsJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT id, items FROM digest_entries
		WHERE account_id = ? AND rule_id = ? AND window_start = ? AND closed = 0
	`, accountID, ruleID, windowStart).Scan(&id, &itemsJSON)

	switch {
	case err == sql.ErrNoRows:
		itemsJSON, marshalErr := json.Marshal([]DigestItem{item})
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal digest items: %w", marshalErr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO digest_entries (account_id, rule_id, window_start, closed, items)
			VALUES (?, ?, ?, 0, ?)
		`, accountID, ruleID, windowStart, string(itemsJSON))
		if err != nil {
			return fmt.Errorf("failed to create digest entry: %w", err)
		}

	case err != nil:
		return fmt.Errorf("failed to load digest entry: %w", err)

	default:
		var items []DigestItem
		if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
			return fmt.Errorf("failed to unmarshal digest items: %w", err)
		}
		for _, existing := range items {
			if existing.MessageID == item.MessageID {
				return tx.Commit() // already accumulated
			}
		}
		items = append(items, item)
		updated, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("failed to marshal digest items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE digest_entries SET items = ? WHERE id = ?
		`, string(updated), id); err != nil {
			return fmt.Errorf("failed to update digest entry: %w", err)
		}
	}

	return tx.Commit()
}

// GetOpenDigest returns the open entry for (account, rule, window), or
// ErrNotFound if no items have accumulated yet.
func (s *Store) GetOpenDigest(ctx context.Context, accountID, ruleID int64, windowStart time.Time) (*DigestEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, rule_id, window_start, closed, items
		FROM digest_entries
		WHERE account_id = ? AND rule_id = ? AND window_start = ? AND closed = 0
	`, accountID, ruleID, windowStart.UTC())
	return scanDigestEntry(row.Scan)
}

// CloseDigestWindows archives every open entry whose window started before
// the cutoff and returns them for delivery. Each entry is returned exactly
// once: closing is a one-way flag flip inside the same transaction.
func (s *Store) CloseDigestWindows(ctx context.Context, accountID int64, cutoff time.Time) ([]*DigestEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, account_id, rule_id, window_start, closed, items
		FROM digest_entries
		WHERE account_id = ? AND closed = 0 AND window_start < ?
		ORDER BY window_start ASC, rule_id ASC
	`, accountID, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list digest entries: %w", err)
	}

	var entries []*DigestEntry
	for rows.Next() {
		entry, err := scanDigestEntry(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE digest_entries SET closed = 1 WHERE id = ?
		`, entry.ID); err != nil {
			return nil, fmt.Errorf("failed to close digest entry: %w", err)
		}
		entry.Closed = true
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanDigestEntry(scan func(dest ...interface{}) error) (*DigestEntry, error) {
	var entry DigestEntry
	var itemsJSON string
	if err := scan(
		&entry.ID, &entry.AccountID, &entry.RuleID, &entry.WindowStart,
		&entry.Closed, &itemsJSON,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan digest entry: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &entry.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal digest items: %w", err)
	}
	return &entry, nil
}
