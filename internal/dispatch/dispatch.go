// Package dispatch turns a resolved prompt answer into the keystroke
// sequence a CLI tool's prompt UI expects.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/parser"
)

// Sender is the subset of the tmux client the dispatcher writes through.
type Sender interface {
	SendKeys(ctx context.Context, session, text string) error
	SendEnter(ctx context.Context, session string) error
	SendCursorDown(ctx context.Context, session string) error
	SendCursorUp(ctx context.Context, session string) error
}

// Request carries the answer plus whatever prompt context survived the
// round trip from detection to the route layer. Context fields are
// optional; without them the dispatcher falls back to typing the answer.
type Request struct {
	Answer              string
	PromptType          parser.PromptType
	DefaultOptionNumber int
	OptionCount         int
}

// Dispatcher sends answers into terminal sessions. It never persists
// anything; recording the user turn is the caller's job.
type Dispatcher struct {
	sender Sender
	log    *slog.Logger

	// keyDelay spaces cursor keystrokes so the tool's TUI keeps up.
	keyDelay time.Duration
}

func New(sender Sender) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		log:      logging.ForComponent(logging.CompDispatch),
		keyDelay: 50 * time.Millisecond,
	}
}

// Send delivers the answer to the session. Multiple-choice answers with
// structural context are navigated with cursor keys; everything else is
// typed literally and confirmed with Enter.
func (d *Dispatcher) Send(ctx context.Context, session string, req Request) error {
	if req.Answer == "" {
		return fmt.Errorf("empty answer for session %s", session)
	}

	if req.PromptType == parser.PromptMultipleChoice {
		if target, err := strconv.Atoi(req.Answer); err == nil && d.canNavigate(req, target) {
			return d.navigate(ctx, session, req, target)
		}
	}

	d.log.Debug("typing answer", "session", session, "prompt_type", string(req.PromptType))
	if err := d.sender.SendKeys(ctx, session, req.Answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return d.sender.SendEnter(ctx, session)
}

// canNavigate reports whether the recorded context is complete and
// consistent enough to trust cursor navigation.
func (d *Dispatcher) canNavigate(req Request, target int) bool {
	return req.OptionCount > 0 &&
		target >= 1 && target <= req.OptionCount &&
		req.DefaultOptionNumber >= 1 && req.DefaultOptionNumber <= req.OptionCount
}

// navigate moves the highlight from the default option to the target and
// confirms. Menus render with the default highlighted, so the cursor
// starts there.
func (d *Dispatcher) navigate(ctx context.Context, session string, req Request, target int) error {
	steps := target - req.DefaultOptionNumber
	move := d.sender.SendCursorDown
	if steps < 0 {
		steps = -steps
		move = d.sender.SendCursorUp
	}

	d.log.Debug("navigating to option",
		"session", session, "target", target, "from", req.DefaultOptionNumber)

	for i := 0; i < steps; i++ {
		if err := move(ctx, session); err != nil {
			return fmt.Errorf("cursor move: %w", err)
		}
		d.sleep(ctx)
	}
	return d.sender.SendEnter(ctx, session)
}

func (d *Dispatcher) sleep(ctx context.Context) {
	if d.keyDelay <= 0 {
		return
	}
	t := time.NewTimer(d.keyDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
