// Package store persists worktrees, chat messages, and per-session polling
// state in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/parser"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Worktree is a git worktree a CLI tool session can be bound to.
type Worktree struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageMeta carries optional metadata attached to a persisted message.
type MessageMeta struct {
	Tool       cli.Tool           `json:"tool,omitempty"`
	RequestID  string             `json:"requestId,omitempty"`
	LogFile    string             `json:"logFile,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	PromptData *parser.PromptData `json:"promptData,omitempty"`
}

// Message is one persisted chat turn for a worktree.
type Message struct {
	ID         string             `json:"id"`
	WorktreeID string             `json:"worktreeId"`
	Role       Role               `json:"role"`
	Content    string             `json:"content"`
	Tool       cli.Tool           `json:"tool,omitempty"`
	RequestID  string             `json:"requestId,omitempty"`
	LogFile    string             `json:"logFile,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	PromptData *parser.PromptData `json:"promptData,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// SessionState records the capture offset for one (worktree, tool) pair.
type SessionState struct {
	WorktreeID       string    `json:"worktreeId"`
	Tool             cli.Tool  `json:"tool"`
	LastCapturedLine int       `json:"lastCapturedLine"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store wraps the SQLite database. Methods are safe for concurrent use;
// database/sql serializes access and the database runs in WAL mode.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database under dataDir and applies migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "commandmate.db")

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, log: logging.ForComponent(logging.CompStore)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWorktree registers a worktree. The ID is caller-supplied so it can
// match the directory naming scheme; an empty ID gets a generated one.
func (s *Store) CreateWorktree(id, name, path, branch string) (*Worktree, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO worktrees (id, name, path, branch, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, path, branch, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert worktree: %w", err)
	}
	return &Worktree{ID: id, Name: name, Path: path, Branch: branch, CreatedAt: now}, nil
}

// GetWorktreeByID returns the worktree or ErrNotFound.
func (s *Store) GetWorktreeByID(id string) (*Worktree, error) {
	row := s.db.QueryRow(
		`SELECT id, name, path, branch, created_at FROM worktrees WHERE id = ?`, id)
	var w Worktree
	var created string
	if err := row.Scan(&w.ID, &w.Name, &w.Path, &w.Branch, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query worktree: %w", err)
	}
	w.CreatedAt = parseTime(created)
	return &w, nil
}

// ListWorktrees returns all worktrees, newest first.
func (s *Store) ListWorktrees() ([]*Worktree, error) {
	rows, err := s.db.Query(
		`SELECT id, name, path, branch, created_at FROM worktrees ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()

	var out []*Worktree
	for rows.Next() {
		var w Worktree
		var created string
		if err := rows.Scan(&w.ID, &w.Name, &w.Path, &w.Branch, &created); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTime(created)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// DeleteWorktree removes a worktree and, via cascade, its messages and
// session state.
func (s *Store) DeleteWorktree(id string) error {
	res, err := s.db.Exec(`DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage persists one chat turn. Prompt data is stored as JSON.
func (s *Store) CreateMessage(worktreeID string, role Role, content string, meta MessageMeta) (*Message, error) {
	m := &Message{
		ID:         uuid.NewString(),
		WorktreeID: worktreeID,
		Role:       role,
		Content:    content,
		Tool:       meta.Tool,
		RequestID:  meta.RequestID,
		LogFile:    meta.LogFile,
		Summary:    meta.Summary,
		PromptData: meta.PromptData,
		CreatedAt:  time.Now().UTC(),
	}

	var promptJSON sql.NullString
	if meta.PromptData != nil {
		b, err := json.Marshal(meta.PromptData)
		if err != nil {
			return nil, fmt.Errorf("marshal prompt data: %w", err)
		}
		promptJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO chat_messages
		   (id, worktree_id, role, content, tool, request_id, log_file, summary, prompt_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorktreeID, string(m.Role), m.Content, string(m.Tool),
		nullable(m.RequestID), nullable(m.LogFile), nullable(m.Summary),
		promptJSON, m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// ListMessages returns messages for a worktree in creation order. limit <= 0
// means no limit.
func (s *Store) ListMessages(worktreeID string, limit int) ([]*Message, error) {
	q := `SELECT id, worktree_id, role, content, tool, request_id, log_file, summary, prompt_data, created_at
	      FROM chat_messages WHERE worktree_id = ? ORDER BY created_at ASC, rowid ASC`
	args := []interface{}{worktreeID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessagePromptStatus rewrites the stored prompt data status, used
// when a pending prompt is answered or expires.
func (s *Store) UpdateMessagePromptStatus(messageID string, status parser.PromptStatus) error {
	row := s.db.QueryRow(`SELECT prompt_data FROM chat_messages WHERE id = ?`, messageID)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("query message: %w", err)
	}
	if !raw.Valid {
		return fmt.Errorf("message %s has no prompt data", messageID)
	}

	var pd parser.PromptData
	if err := json.Unmarshal([]byte(raw.String), &pd); err != nil {
		return fmt.Errorf("unmarshal prompt data: %w", err)
	}
	pd.Status = status
	b, err := json.Marshal(&pd)
	if err != nil {
		return fmt.Errorf("marshal prompt data: %w", err)
	}

	_, err = s.db.Exec(`UPDATE chat_messages SET prompt_data = ? WHERE id = ?`, string(b), messageID)
	if err != nil {
		return fmt.Errorf("update prompt status: %w", err)
	}
	return nil
}

// MarkPromptAnswered flips the newest prompt-bearing message for the key to
// answered. A no-op when no prompt message exists or the newest one already
// left the pending state.
func (s *Store) MarkPromptAnswered(worktreeID string, tool cli.Tool) error {
	row := s.db.QueryRow(
		`SELECT id, prompt_data FROM chat_messages
		 WHERE worktree_id = ? AND tool = ? AND prompt_data IS NOT NULL
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, worktreeID, string(tool))
	var id string
	var raw sql.NullString
	if err := row.Scan(&id, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("query prompt message: %w", err)
	}
	if !raw.Valid {
		return nil
	}

	var pd parser.PromptData
	if err := json.Unmarshal([]byte(raw.String), &pd); err != nil {
		return fmt.Errorf("unmarshal prompt data: %w", err)
	}
	if pd.Status != parser.PromptPending {
		return nil
	}
	return s.UpdateMessagePromptStatus(id, parser.PromptAnswered)
}

// GetSessionState returns the capture offset for a (worktree, tool) pair,
// or a zero-offset state when none has been recorded yet.
func (s *Store) GetSessionState(worktreeID string, tool cli.Tool) (*SessionState, error) {
	row := s.db.QueryRow(
		`SELECT worktree_id, tool, last_captured_line, updated_at
		 FROM session_states WHERE worktree_id = ? AND tool = ?`, worktreeID, string(tool))
	var st SessionState
	var toolStr, updated string
	if err := row.Scan(&st.WorktreeID, &toolStr, &st.LastCapturedLine, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &SessionState{WorktreeID: worktreeID, Tool: tool}, nil
		}
		return nil, fmt.Errorf("query session state: %w", err)
	}
	st.Tool = cli.Tool(toolStr)
	st.UpdatedAt = parseTime(updated)
	return &st, nil
}

// UpdateSessionState upserts the capture offset for a (worktree, tool) pair.
func (s *Store) UpdateSessionState(worktreeID string, tool cli.Tool, lastLine int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO session_states (worktree_id, tool, last_captured_line, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(worktree_id, tool) DO UPDATE SET
		   last_captured_line = excluded.last_captured_line,
		   updated_at = excluded.updated_at`,
		worktreeID, string(tool), lastLine, now)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// ResetSessionState zeroes the capture offset, used when a session is
// recreated and its scrollback starts over.
func (s *Store) ResetSessionState(worktreeID string, tool cli.Tool) error {
	return s.UpdateSessionState(worktreeID, tool, 0)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var roleStr, toolStr, created string
	var reqID, logFile, summary, promptJSON sql.NullString
	if err := r.Scan(&m.ID, &m.WorktreeID, &roleStr, &m.Content, &toolStr,
		&reqID, &logFile, &summary, &promptJSON, &created); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = Role(roleStr)
	m.Tool = cli.Tool(toolStr)
	m.RequestID = reqID.String
	m.LogFile = logFile.String
	m.Summary = summary.String
	m.CreatedAt = parseTime(created)
	if promptJSON.Valid && promptJSON.String != "" {
		var pd parser.PromptData
		if err := json.Unmarshal([]byte(promptJSON.String), &pd); err != nil {
			return nil, fmt.Errorf("unmarshal prompt data: %w", err)
		}
		m.PromptData = &pd
	}
	return &m, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
