// Package tmux wraps the tmux binary as the capture adapter for session
// panes. All session names pass allow-list validation before reaching a
// subprocess argument.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/logging"
)

// ErrCaptureTimeout is returned when tmux does not respond within the
// capture deadline. The poller treats it as a capture failure and stops
// the affected key.
var ErrCaptureTimeout = errors.New("tmux capture timed out")

// ErrNoSession is returned for operations against a session tmux does not
// know about.
var ErrNoSession = errors.New("tmux session not found")

const (
	// captureCacheTTL bounds how often a pane is actually captured when
	// several callers (poller tick, webhook, websocket feed) ask at once.
	captureCacheTTL = 500 * time.Millisecond

	defaultCaptureTimeout = 3 * time.Second
)

type captureEntry struct {
	output     string
	capturedAt time.Time
}

// Client executes tmux commands. Safe for concurrent use; captures for the
// same pane are deduplicated through a short-lived cache and singleflight.
type Client struct {
	captureTimeout time.Duration
	log            *slog.Logger

	mu    sync.Mutex
	cache map[string]captureEntry
	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithCaptureTimeout overrides the per-capture deadline.
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.captureTimeout = d
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		captureTimeout: defaultCaptureTimeout,
		log:            logging.ForComponent(logging.CompTmux),
		cache:          make(map[string]captureEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes tmux with a deadline and returns combined stdout.
func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("tmux %s: %w", args[0], ErrCaptureTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("tmux %s: %s: %w", args[0],
				strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	if err := cli.ValidateSessionName(name); err != nil {
		return false
	}
	_, err := c.run(ctx, c.captureTimeout, "has-session", "-t", "="+name)
	return err == nil
}

// CapturePane returns the last `lines` lines of the session's active pane,
// including scrollback. Concurrent callers for the same pane within the
// cache window share one tmux invocation.
func (c *Client) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if err := cli.ValidateSessionName(name); err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 200
	}
	key := name + ":" + strconv.Itoa(lines)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Since(e.capturedAt) < captureCacheTTL {
		c.mu.Unlock()
		return e.output, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		out, err := c.run(ctx, c.captureTimeout,
			"capture-pane", "-p", "-t", "="+name,
			"-S", "-"+strconv.Itoa(lines), "-E", "-")
		if err != nil {
			if isNoSessionErr(err) {
				return "", fmt.Errorf("capture %s: %w", name, ErrNoSession)
			}
			return "", err
		}
		c.mu.Lock()
		c.cache[key] = captureEntry{output: out, capturedAt: time.Now()}
		c.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateCapture drops any cached capture for the session so the next
// CapturePane reflects keystrokes just sent.
func (c *Client) InvalidateCapture(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if strings.HasPrefix(key, name+":") {
			delete(c.cache, key)
		}
	}
}

// SendKeys sends text literally, without tmux key-name interpretation, so
// answer text containing ";" or "Enter" is never misread as key syntax.
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	if err := cli.ValidateSessionName(name); err != nil {
		return err
	}
	if _, err := c.run(ctx, c.captureTimeout, "send-keys", "-t", "="+name, "-l", text); err != nil {
		if isNoSessionErr(err) {
			return fmt.Errorf("send to %s: %w", name, ErrNoSession)
		}
		return err
	}
	c.InvalidateCapture(name)
	return nil
}

// sendKey sends a named key (Enter, Up, Down) rather than literal text.
func (c *Client) sendKey(ctx context.Context, name, key string) error {
	if err := cli.ValidateSessionName(name); err != nil {
		return err
	}
	if _, err := c.run(ctx, c.captureTimeout, "send-keys", "-t", "="+name, key); err != nil {
		if isNoSessionErr(err) {
			return fmt.Errorf("send to %s: %w", name, ErrNoSession)
		}
		return err
	}
	c.InvalidateCapture(name)
	return nil
}

func (c *Client) SendEnter(ctx context.Context, name string) error {
	return c.sendKey(ctx, name, "Enter")
}

func (c *Client) SendCursorDown(ctx context.Context, name string) error {
	return c.sendKey(ctx, name, "Down")
}

func (c *Client) SendCursorUp(ctx context.Context, name string) error {
	return c.sendKey(ctx, name, "Up")
}

// CreateSession starts a detached session running command in cwd. A history
// limit large enough for delta tracking is set explicitly rather than
// trusting the user's tmux.conf.
func (c *Client) CreateSession(ctx context.Context, name, cwd, command string) error {
	if err := cli.ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name, "-c", cwd}
	if command != "" {
		args = append(args, command)
	}
	if _, err := c.run(ctx, 10*time.Second, args...); err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}
	if _, err := c.run(ctx, c.captureTimeout,
		"set-option", "-t", "="+name, "history-limit", "10000"); err != nil {
		c.log.Warn("failed to set history limit", "session", name, "error", err)
	}
	return nil
}

// KillSession terminates the session. Returns false without error when the
// session was already gone.
func (c *Client) KillSession(ctx context.Context, name string) (bool, error) {
	if err := cli.ValidateSessionName(name); err != nil {
		return false, err
	}
	if _, err := c.run(ctx, c.captureTimeout, "kill-session", "-t", "="+name); err != nil {
		if isNoSessionErr(err) {
			return false, nil
		}
		return false, err
	}
	c.InvalidateCapture(name)
	return true, nil
}

// ListSessions returns the names of sessions carrying the session prefix.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, c.captureTimeout, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions, not a failure.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, cli.SessionPrefix+"-") {
			names = append(names, line)
		}
	}
	return names, nil
}

func isNoSessionErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no server running")
}
