// Package autoyes holds the per-worktree auto-answer switch and the policy
// that turns a detected prompt into an answer string.
package autoyes

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/parser"
)

// State is the auto-yes switch for one worktree. Expiry is evaluated lazily
// on read; there is no background sweeper.
type State struct {
	WorktreeID string    `json:"worktreeId"`
	Enabled    bool      `json:"enabled"`
	EnabledAt  time.Time `json:"enabledAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// Manager owns the auto-yes state map and the last-answered prompt keys used
// for duplicate-send suppression. A single instance is shared by the poller
// and the route layer.
type Manager struct {
	defaultDuration time.Duration
	now             func() time.Time
	log             *slog.Logger

	mu        sync.Mutex
	states    map[string]*State
	lastKeys  map[string]string // worktreeID:tool -> prompt key last auto-answered
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(defaultDuration time.Duration, opts ...Option) *Manager {
	m := &Manager{
		defaultDuration: defaultDuration,
		now:             time.Now,
		log:             logging.ForComponent(logging.CompAutoYes),
		states:          make(map[string]*State),
		lastKeys:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetState returns the current state for a worktree, expiring it first if
// its deadline has passed. Returns nil when the worktree has no entry.
func (m *Manager) GetState(worktreeID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[worktreeID]
	if !ok {
		return nil
	}
	m.expireLocked(st)
	cp := *st
	return &cp
}

// IsEnabled reports whether auto-yes is currently on for a worktree.
func (m *Manager) IsEnabled(worktreeID string) bool {
	st := m.GetState(worktreeID)
	return st != nil && st.Enabled
}

// SetEnabled flips the switch. Enabling records enabledAt=now and
// expiresAt=now+duration (the default duration when d is zero). Disabling
// zeroes both timestamps even when no prior entry existed.
func (m *Manager) SetEnabled(worktreeID string, enabled bool, d time.Duration) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[worktreeID]
	if !ok {
		st = &State{WorktreeID: worktreeID}
		m.states[worktreeID] = st
	}

	if enabled {
		if d <= 0 {
			d = m.defaultDuration
		}
		now := m.now()
		st.Enabled = true
		st.EnabledAt = now
		st.ExpiresAt = now.Add(d)
		m.log.Info("auto-yes enabled", "worktree", worktreeID, "expires_at", st.ExpiresAt)
	} else {
		st.Enabled = false
		st.EnabledAt = time.Time{}
		st.ExpiresAt = time.Time{}
		m.log.Info("auto-yes disabled", "worktree", worktreeID)
	}

	cp := *st
	return &cp
}

func (m *Manager) expireLocked(st *State) {
	if st.Enabled && !st.ExpiresAt.IsZero() && m.now().After(st.ExpiresAt) {
		st.Enabled = false
		st.EnabledAt = time.Time{}
		st.ExpiresAt = time.Time{}
		m.log.Info("auto-yes expired", "worktree", st.WorktreeID)
	}
}

// ResolveAutoAnswer maps a prompt to the answer auto-yes would send, or ""
// when the prompt cannot be answered automatically.
//
// yes_no prompts always get "y", never "n", whatever the tool marked as
// default. multiple_choice takes the default option, else the first; a
// choice that opens free-text input cannot be auto-answered.
func ResolveAutoAnswer(p *parser.PromptData) string {
	if p == nil {
		return ""
	}
	switch p.Type {
	case parser.PromptYesNo:
		return "y"
	case parser.PromptMultipleChoice:
		if len(p.Options) == 0 {
			return ""
		}
		chosen := p.Options[0]
		for _, o := range p.Options {
			if o.IsDefault {
				chosen = o
				break
			}
		}
		if chosen.RequiresTextInput {
			return ""
		}
		return strconv.Itoa(chosen.Number)
	default:
		return ""
	}
}

// ShouldAnswer reports whether the given pending prompt should be answered
// now. A prompt key already recorded via MarkAnswered is skipped while it
// stays pending.
func (m *Manager) ShouldAnswer(worktreeID, tool string, p *parser.PromptData) bool {
	if p == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[worktreeID]
	if !ok {
		return false
	}
	m.expireLocked(st)
	if !st.Enabled {
		return false
	}
	return m.lastKeys[worktreeID+":"+tool] != p.Key()
}

// MarkAnswered records the prompt key for duplicate-send suppression. The
// caller invokes it only after the answer keystrokes were delivered; a
// failed send leaves the prompt eligible for a retry on the next tick.
func (m *Manager) MarkAnswered(worktreeID, tool string, p *parser.PromptData) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKeys[worktreeID+":"+tool] = p.Key()
}

// ClearAnswered resets duplicate-send tracking for a session, called the
// moment no prompt is pending so the next occurrence of the same question
// is answered again.
func (m *Manager) ClearAnswered(worktreeID, tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastKeys, worktreeID+":"+tool)
}
