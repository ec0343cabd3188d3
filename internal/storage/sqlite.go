package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicateExecution is returned when an execution record already exists
// for the same (account, message, rule) key. Callers treat it as "another
// worker got there first" and skip silently.
var ErrDuplicateExecution = errors.New("execution already recorded")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides database operations
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store with the given database path
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs database migrations
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL,
			checkpoint TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			ai_provider TEXT NOT NULL DEFAULT '',
			ai_model TEXT NOT NULL DEFAULT '',
			ai_api_key TEXT NOT NULL DEFAULT '',
			about_me TEXT NOT NULL DEFAULT '',
			style_notes TEXT NOT NULL DEFAULT '',
			auto_draft INTEGER NOT NULL DEFAULT 0,
			auto_group INTEGER NOT NULL DEFAULT 0,
			disabled INTEGER NOT NULL DEFAULT 0,
			digest_every_secs INTEGER NOT NULL DEFAULT 86400,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			operator TEXT NOT NULL DEFAULT 'AND',
			automate INTEGER NOT NULL DEFAULT 0,
			run_on_threads INTEGER NOT NULL DEFAULT 0,
			system_type TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_account ON rules(account_id, priority)`,

		`CREATE TABLE IF NOT EXISTS conditions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			from_match TEXT NOT NULL DEFAULT '',
			to_match TEXT NOT NULL DEFAULT '',
			subject_match TEXT NOT NULL DEFAULT '',
			body_match TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			category_id INTEGER NOT NULL DEFAULT 0,
			exclude INTEGER NOT NULL DEFAULT 0,
			group_id INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conditions_rule ON conditions(rule_id)`,

		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			to_addrs TEXT NOT NULL DEFAULT '',
			cc_addrs TEXT NOT NULL DEFAULT '',
			bcc_addrs TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_rule ON actions(rule_id, position)`,

		// No FK on rule_id: execution history must survive rule deletion.
		// rule_id 0 records a message that matched no rule.
		`CREATE TABLE IF NOT EXISTS executed_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			rule_id INTEGER NOT NULL DEFAULT 0,
			rule_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			automated INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executed_unique
			ON executed_rules(account_id, message_id, rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executed_status ON executed_rules(account_id, status)`,

		`CREATE TABLE IF NOT EXISTS executed_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			executed_rule_id INTEGER NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			to_addrs TEXT NOT NULL DEFAULT '',
			cc_addrs TEXT NOT NULL DEFAULT '',
			bcc_addrs TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (executed_rule_id) REFERENCES executed_rules(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executed_actions_rule
			ON executed_actions(executed_rule_id, position)`,

		`CREATE TABLE IF NOT EXISTS sender_categories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			UNIQUE(account_id, name),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS sender_category_members (
			account_id INTEGER NOT NULL,
			sender TEXT NOT NULL,
			category_id INTEGER NOT NULL,
			PRIMARY KEY (account_id, sender),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
			FOREIGN KEY (category_id) REFERENCES sender_categories(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS sender_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			UNIQUE(account_id, name),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS group_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			FOREIGN KEY (group_id) REFERENCES sender_groups(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_patterns ON group_patterns(group_id, id)`,

		`CREATE TABLE IF NOT EXISTS digest_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			rule_id INTEGER NOT NULL,
			window_start DATETIME NOT NULL,
			closed INTEGER NOT NULL DEFAULT 0,
			items TEXT NOT NULL DEFAULT '[]',
			UNIQUE(account_id, rule_id, window_start),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS thread_states (
			account_id INTEGER NOT NULL,
			thread_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (account_id, thread_id),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateAccount stores a new account record
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	if a.DigestEvery == 0 {
		a.DigestEvery = 24 * time.Hour
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			email, provider, checkpoint, timezone, ai_provider, ai_model,
			ai_api_key, about_me, style_notes, auto_draft, auto_group,
			disabled, digest_every_secs, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.Email, a.Provider, a.Checkpoint, a.Timezone, a.AIProvider, a.AIModel,
		a.AIAPIKey, a.AboutMe, a.StyleNotes, a.AutoDraft, a.AutoGroup,
		a.Disabled, int64(a.DigestEvery.Seconds()), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id

	return nil
}

func (s *Store) scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var digestSecs int64
	err := row.Scan(
		&a.ID, &a.Email, &a.Provider, &a.Checkpoint, &a.Timezone,
		&a.AIProvider, &a.AIModel, &a.AIAPIKey, &a.AboutMe, &a.StyleNotes,
		&a.AutoDraft, &a.AutoGroup, &a.Disabled, &digestSecs,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.DigestEvery = time.Duration(digestSecs) * time.Second
	return &a, nil
}

const accountColumns = `id, email, provider, checkpoint, timezone,
	ai_provider, ai_model, ai_api_key, about_me, style_notes,
	auto_draft, auto_group, disabled, digest_every_secs, created_at, updated_at`

// GetAccount retrieves an account by id
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return s.scanAccount(row)
}

// GetAccountByEmail retrieves an account by its mailbox address
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return s.scanAccount(row)
}

// ListAccounts returns every account, including disabled ones
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		var digestSecs int64
		if err := rows.Scan(
			&a.ID, &a.Email, &a.Provider, &a.Checkpoint, &a.Timezone,
			&a.AIProvider, &a.AIModel, &a.AIAPIKey, &a.AboutMe, &a.StyleNotes,
			&a.AutoDraft, &a.AutoGroup, &a.Disabled, &digestSecs,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.DigestEvery = time.Duration(digestSecs) * time.Second
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// UpdateCheckpoint advances the account's last-processed cursor. Called only
// after every event derived from the old cursor has been handled.
func (s *Store) UpdateCheckpoint(ctx context.Context, accountID int64, checkpoint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET checkpoint = ?, updated_at = ? WHERE id = ?
	`, checkpoint, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return nil
}

// SetAccountDisabled flips the account's disabled flag
func (s *Store) SetAccountDisabled(ctx context.Context, accountID int64, disabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET disabled = ?, updated_at = ? WHERE id = ?
	`, disabled, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and, via cascading foreign keys, all of
// its rules, executions, groups, digests and thread states.
func (s *Store) DeleteAccount(ctx context.Context, accountID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DB returns the underlying database connection for custom queries
func (s *Store) DB() *sql.DB {
	return s.db
}
