// Package cli models the closed set of supported CLI coding assistants and
// the tmux session naming scheme that binds a (worktree, tool) pair to its
// terminal session.
package cli

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Tool identifies one of the supported interactive CLI coding assistants.
type Tool string

const (
	ToolClaude Tool = "claude"
	ToolCodex  Tool = "codex"
	ToolGemini Tool = "gemini"
)

// SessionPrefix is the tmux session name prefix for all managed sessions.
const SessionPrefix = "mcbd"

// ErrInvalidSessionName is returned when a session name or one of its parts
// contains characters outside the allow-list. Session names are passed to
// process-invoking tmux calls, so this is a command-injection boundary and
// the error is always fatal to the request that triggered it.
var ErrInvalidSessionName = errors.New("invalid session name")

// ErrUnknownTool is returned for a tool id outside the supported set.
var ErrUnknownTool = errors.New("unknown CLI tool")

// nameRe is the allow-list for session name components: alphanumeric,
// hyphen, underscore. Nothing else ever reaches a tmux -t argument.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// All returns the supported tools in stable order.
func All() []Tool {
	return []Tool{ToolClaude, ToolCodex, ToolGemini}
}

// Parse validates a tool id string.
func Parse(id string) (Tool, error) {
	switch Tool(strings.ToLower(id)) {
	case ToolClaude:
		return ToolClaude, nil
	case ToolCodex:
		return ToolCodex, nil
	case ToolGemini:
		return ToolGemini, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, id)
	}
}

// DefaultCommand returns the launch command for the tool when the user has
// not configured an override.
func (t Tool) DefaultCommand() string {
	switch t {
	case ToolClaude:
		return "claude"
	case ToolCodex:
		return "codex"
	case ToolGemini:
		return "gemini"
	default:
		return ""
	}
}

// SessionName builds the tmux session name mcbd-{tool}-{worktreeID}.
// The worktree id is validated against the allow-list before use.
func SessionName(t Tool, worktreeID string) (string, error) {
	if _, err := Parse(string(t)); err != nil {
		return "", err
	}
	if !nameRe.MatchString(worktreeID) {
		return "", fmt.Errorf("%w: worktree id %q", ErrInvalidSessionName, sanitizeForError(worktreeID))
	}
	return fmt.Sprintf("%s-%s-%s", SessionPrefix, t, worktreeID), nil
}

// ValidateSessionName checks a full session name against the allow-list and
// the managed prefix. Used on names that arrive from outside (hook files,
// API requests) before they are handed to any tmux call.
func ValidateSessionName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionName, sanitizeForError(name))
	}
	if !strings.HasPrefix(name, SessionPrefix+"-") {
		return fmt.Errorf("%w: missing %s- prefix", ErrInvalidSessionName, SessionPrefix)
	}
	return nil
}

// ParseSessionName splits mcbd-{tool}-{worktreeID} back into its parts.
// Worktree ids may themselves contain hyphens, so the split is done on the
// first two separators only.
func ParseSessionName(name string) (Tool, string, error) {
	if err := ValidateSessionName(name); err != nil {
		return "", "", err
	}
	rest := strings.TrimPrefix(name, SessionPrefix+"-")
	idx := strings.Index(rest, "-")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSessionName, name)
	}
	tool, err := Parse(rest[:idx])
	if err != nil {
		return "", "", err
	}
	return tool, rest[idx+1:], nil
}

// sanitizeForError truncates and strips control characters from untrusted
// input before it lands in an error string (which may be logged).
func sanitizeForError(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '?'
		}
		return r
	}, s)
}
