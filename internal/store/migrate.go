package store

import "fmt"

// migrations run in order inside one transaction each; schema_version rows
// record what has been applied.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS worktrees (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		path       TEXT NOT NULL,
		branch     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id          TEXT PRIMARY KEY,
		worktree_id TEXT NOT NULL REFERENCES worktrees(id) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		tool        TEXT NOT NULL DEFAULT '',
		request_id  TEXT,
		log_file    TEXT,
		summary     TEXT,
		prompt_data TEXT,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_worktree
		ON chat_messages(worktree_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS session_states (
		worktree_id        TEXT NOT NULL REFERENCES worktrees(id) ON DELETE CASCADE,
		tool               TEXT NOT NULL,
		last_captured_line INTEGER NOT NULL DEFAULT 0,
		updated_at         TEXT NOT NULL,
		PRIMARY KEY (worktree_id, tool)
	)`,
	`CREATE TABLE IF NOT EXISTS push_subscriptions (
		endpoint   TEXT PRIMARY KEY,
		p256dh     TEXT NOT NULL,
		auth       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
