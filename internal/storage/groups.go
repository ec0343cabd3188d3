package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateCategory stores a sender category
func (s *Store) CreateCategory(ctx context.Context, c *SenderCategory) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_categories (account_id, name) VALUES (?, ?)
	`, c.AccountID, c.Name)
	if err != nil {
		return fmt.Errorf("failed to create category: %w", err)
	}
	c.ID, _ = result.LastInsertId()
	return nil
}

// AssignSenderCategory records a sender's category, replacing any previous
// assignment for that sender.
func (s *Store) AssignSenderCategory(ctx context.Context, accountID int64, sender string, categoryID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_category_members (account_id, sender, category_id)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, sender) DO UPDATE SET category_id = excluded.category_id
	`, accountID, strings.ToLower(sender), categoryID)
	if err != nil {
		return fmt.Errorf("failed to assign sender category: %w", err)
	}
	return nil
}

// GetSenderCategory returns the sender's category id, or false if the sender
// has not been categorized.
func (s *Store) GetSenderCategory(ctx context.Context, accountID int64, sender string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT category_id FROM sender_category_members
		WHERE account_id = ? AND sender = ?
	`, accountID, strings.ToLower(sender)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get sender category: %w", err)
	}
	return id, true, nil
}

// ListCategories returns an account's categories
func (s *Store) ListCategories(ctx context.Context, accountID int64) ([]*SenderCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name FROM sender_categories
		WHERE account_id = ? ORDER BY name ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var cats []*SenderCategory
	for rows.Next() {
		var c SenderCategory
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		cats = append(cats, &c)
	}
	return cats, rows.Err()
}

// CreateGroup stores a sender group with its initial patterns
func (s *Store) CreateGroup(ctx context.Context, g *SenderGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sender_groups (account_id, name) VALUES (?, ?)
	`, g.AccountID, g.Name)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	g.ID, _ = result.LastInsertId()

	for i := range g.Patterns {
		p := &g.Patterns[i]
		p.GroupID = g.ID
		res, err := tx.ExecContext(ctx, `
			INSERT INTO group_patterns (group_id, type, value) VALUES (?, ?, ?)
		`, p.GroupID, p.Type, strings.ToLower(p.Value))
		if err != nil {
			return fmt.Errorf("failed to create group pattern: %w", err)
		}
		p.ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

// AddGroupPattern appends one pattern to a group
func (s *Store) AddGroupPattern(ctx context.Context, p *GroupPattern) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO group_patterns (group_id, type, value) VALUES (?, ?, ?)
	`, p.GroupID, p.Type, strings.ToLower(p.Value))
	if err != nil {
		return fmt.Errorf("failed to add group pattern: %w", err)
	}
	p.ID, _ = result.LastInsertId()
	return nil
}

// GetGroupPatterns returns a group's patterns in insertion order, capped at
// limit entries to bound matcher cost for oversized groups.
func (s *Store) GetGroupPatterns(ctx context.Context, groupID int64, limit int) ([]GroupPattern, error) {
	query := `
		SELECT id, group_id, type, value FROM group_patterns
		WHERE group_id = ? ORDER BY id ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group patterns: %w", err)
	}
	defer rows.Close()

	var patterns []GroupPattern
	for rows.Next() {
		var p GroupPattern
		if err := rows.Scan(&p.ID, &p.GroupID, &p.Type, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan group pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
