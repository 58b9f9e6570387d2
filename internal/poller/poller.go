// Package poller drives the capture loop for tmux-bound CLI tool sessions:
// it watches pane output on an interval, classifies it, persists completed
// turns exactly once, and feeds detected prompts to the auto-yes layer.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kewton/commandmate/internal/autoyes"
	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/dispatch"
	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/parser"
	"github.com/Kewton/commandmate/internal/store"
)

// Status is the observable polling state of one (worktree, tool) key.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusPolling        Status = "polling"
	StatusResponding     Status = "responding"
	StatusAwaitingPrompt Status = "awaiting_prompt"
)

// Store is the persistence surface the poller needs.
type Store interface {
	GetWorktreeByID(id string) (*store.Worktree, error)
	CreateMessage(worktreeID string, role store.Role, content string, meta store.MessageMeta) (*store.Message, error)
	GetSessionState(worktreeID string, tool cli.Tool) (*store.SessionState, error)
	UpdateSessionState(worktreeID string, tool cli.Tool, lastLine int) error
	MarkPromptAnswered(worktreeID string, tool cli.Tool) error
}

// Capturer is the pane-reading surface of the tmux client.
type Capturer interface {
	HasSession(ctx context.Context, name string) bool
	CapturePane(ctx context.Context, name string, lines int) (string, error)
}

// Answerer delivers auto-answers into a session.
type Answerer interface {
	Send(ctx context.Context, session string, req dispatch.Request) error
}

// Listener receives poller events. Implementations must not block.
type Listener interface {
	MessageCreated(m *store.Message)
	PromptDetected(worktreeID string, tool cli.Tool, p *parser.PromptData)
	StatusChanged(worktreeID string, tool cli.Tool, s Status)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) MessageCreated(*store.Message) {}

func (NopListener) PromptDetected(string, cli.Tool, *parser.PromptData) {}

func (NopListener) StatusChanged(string, cli.Tool, Status) {}

// Options tune the polling loop.
type Options struct {
	// Interval between ticks for one key.
	Interval time.Duration
	// CaptureLines is how much scrollback each capture requests.
	CaptureLines int
	// CaptureRate bounds captures per second across all keys.
	CaptureRate rate.Limit
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 2 * time.Second
	}
	if out.CaptureLines <= 0 {
		out.CaptureLines = 200
	}
	if out.CaptureRate <= 0 {
		out.CaptureRate = 20
	}
	return out
}

// task is one active polling loop.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	gen    uint64
}

// Poller owns the active-loop registry. One instance serves the whole
// process; keys are fully independent of each other.
type Poller struct {
	store    Store
	capturer Capturer
	auto     *autoyes.Manager
	answerer Answerer
	listener Listener
	opts     Options
	limiter  *rate.Limiter
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]*task
	gens   map[string]uint64
	status map[string]Status

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st Store, capturer Capturer, auto *autoyes.Manager, answerer Answerer, listener Listener, opts Options) *Poller {
	opts = opts.withDefaults()
	if listener == nil {
		listener = NopListener{}
	}
	return &Poller{
		store:    st,
		capturer: capturer,
		auto:     auto,
		answerer: answerer,
		listener: listener,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.CaptureRate, int(opts.CaptureRate)*2),
		log:      logging.ForComponent(logging.CompPoller),
	}
}

func pollKey(worktreeID string, tool cli.Tool) string {
	return worktreeID + ":" + string(tool)
}

// keyLock returns the mutex serializing capture-and-finalize for one key.
// Interval ticks, the completion webhook, and filesystem hook markers can
// all try to finalize the same turn; holding this across the read, delta
// computation, and offset advance keeps persistence at-most-once per delta.
func (p *Poller) keyLock(key string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// StartPolling begins the capture loop for a key. Calling it while the key
// is already polling is a no-op.
func (p *Poller) StartPolling(worktreeID string, tool cli.Tool) error {
	session, err := cli.SessionName(tool, worktreeID)
	if err != nil {
		return err
	}
	if _, err := p.store.GetWorktreeByID(worktreeID); err != nil {
		return fmt.Errorf("start polling %s: %w", worktreeID, err)
	}

	key := pollKey(worktreeID, tool)

	p.mu.Lock()
	if _, running := p.active[key]; running {
		p.mu.Unlock()
		return nil
	}
	if p.active == nil {
		p.active = make(map[string]*task)
		p.gens = make(map[string]uint64)
		p.status = make(map[string]Status)
	}
	p.gens[key]++
	gen := p.gens[key]

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{}), gen: gen}
	p.active[key] = t
	p.setStatusLocked(worktreeID, tool, StatusPolling)
	p.mu.Unlock()

	logging.Aggregate(logging.CompPoller, "start", slog.String("key", key))
	go p.run(ctx, t, worktreeID, tool, session)
	return nil
}

// StopPolling cancels the loop for a key. Safe to call when nothing is
// running.
func (p *Poller) StopPolling(worktreeID string, tool cli.Tool) {
	key := pollKey(worktreeID, tool)

	p.mu.Lock()
	t, ok := p.active[key]
	if ok {
		delete(p.active, key)
		p.setStatusLocked(worktreeID, tool, StatusIdle)
	}
	p.mu.Unlock()

	if ok {
		t.cancel()
		<-t.done
	}
}

// IsPolling reports whether a loop is active for the key.
func (p *Poller) IsPolling(worktreeID string, tool cli.Tool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[pollKey(worktreeID, tool)]
	return ok
}

// GetStatus returns the last observed status for the key.
func (p *Poller) GetStatus(worktreeID string, tool cli.Tool) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.status[pollKey(worktreeID, tool)]; ok {
		return s
	}
	return StatusIdle
}

// Shutdown stops every active loop and waits for them to drain.
func (p *Poller) Shutdown() {
	p.mu.Lock()
	tasks := make([]*task, 0, len(p.active))
	for key, t := range p.active {
		delete(p.active, key)
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

// run is the per-key loop. Ticks are strictly sequential for this key; a
// new capture never starts before the previous finalize finished.
func (p *Poller) run(ctx context.Context, t *task, worktreeID string, tool cli.Tool, session string) {
	defer close(t.done)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		done, err := p.tick(ctx, t.gen, worktreeID, tool, session)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Warn("polling stopped on capture failure",
					"worktree", worktreeID, "tool", string(tool), "error", err)
			}
			p.finish(t, worktreeID, tool)
			return
		}
		if done {
			p.finish(t, worktreeID, tool)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// finish removes the task from the registry if it is still the current one.
func (p *Poller) finish(t *task, worktreeID string, tool cli.Tool) {
	key := pollKey(worktreeID, tool)
	p.mu.Lock()
	if cur, ok := p.active[key]; ok && cur == t {
		delete(p.active, key)
		p.setStatusLocked(worktreeID, tool, StatusIdle)
	}
	p.mu.Unlock()
}

// tick captures once and applies the outcome. Returns done=true when the
// loop should stop (turn completed or session gone).
func (p *Poller) tick(ctx context.Context, gen uint64, worktreeID string, tool cli.Tool, session string) (bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}

	lock := p.keyLock(pollKey(worktreeID, tool))
	lock.Lock()
	defer lock.Unlock()

	if !p.capturer.HasSession(ctx, session) {
		return false, fmt.Errorf("session %s gone", session)
	}

	raw, err := p.capturer.CapturePane(ctx, session, p.opts.CaptureLines)
	if err != nil {
		return false, fmt.Errorf("capture %s: %w", session, err)
	}

	return p.apply(ctx, gen, worktreeID, tool, session, raw)
}

// apply classifies one capture and advances the key's state. Results from a
// superseded generation are discarded without side effects.
func (p *Poller) apply(ctx context.Context, gen uint64, worktreeID string, tool cli.Tool, session string, raw string) (bool, error) {
	key := pollKey(worktreeID, tool)

	if parser.IsStillRunning(tool, raw) {
		if p.stale(key, gen) {
			return true, nil
		}
		p.setStatus(worktreeID, tool, StatusResponding)
		logging.Aggregate(logging.CompPoller, "tick", slog.String("key", key))
		return false, nil
	}

	if prompt := parser.DetectPrompt(tool, raw); prompt != nil {
		return p.handlePrompt(ctx, gen, worktreeID, tool, session, raw, prompt)
	}

	// Neither running nor prompting: whatever is new is a completed turn.
	if err := p.finalizeTurn(gen, worktreeID, tool, raw, nil); err != nil {
		return false, err
	}
	p.auto.ClearAnswered(worktreeID, string(tool))
	return true, nil
}

// handlePrompt persists the prompt turn, then lets auto-yes decide.
func (p *Poller) handlePrompt(ctx context.Context, gen uint64, worktreeID string, tool cli.Tool, session string, raw string, prompt *parser.PromptData) (bool, error) {
	key := pollKey(worktreeID, tool)
	if p.stale(key, gen) {
		return true, nil
	}

	p.setStatus(worktreeID, tool, StatusAwaitingPrompt)
	p.listener.PromptDetected(worktreeID, tool, prompt)

	if err := p.finalizeTurn(gen, worktreeID, tool, raw, prompt); err != nil {
		return false, err
	}

	if !p.auto.ShouldAnswer(worktreeID, string(tool), prompt) {
		return false, nil
	}

	answer := autoyes.ResolveAutoAnswer(prompt)
	if answer == "" {
		// Free-text or unknown shape; leave it for the user.
		return false, nil
	}

	req := dispatch.Request{
		Answer:     answer,
		PromptType: prompt.Type,
	}
	if prompt.Type == parser.PromptMultipleChoice {
		req.OptionCount = len(prompt.Options)
		req.DefaultOptionNumber = 1
		for _, o := range prompt.Options {
			if o.IsDefault {
				req.DefaultOptionNumber = o.Number
				break
			}
		}
	}

	p.log.Info("auto-answering prompt",
		"worktree", worktreeID, "tool", string(tool), "answer", answer)
	if err := p.answerer.Send(ctx, session, req); err != nil {
		// Key not yet marked, so the still-pending prompt is retried on
		// the next tick.
		p.log.Warn("auto-answer failed",
			"worktree", worktreeID, "tool", string(tool), "error", err)
		return false, nil
	}
	p.auto.MarkAnswered(worktreeID, string(tool), prompt)
	if err := p.store.MarkPromptAnswered(worktreeID, tool); err != nil {
		p.log.Warn("mark prompt answered failed",
			"worktree", worktreeID, "tool", string(tool), "error", err)
	}
	return false, nil
}

// finalizeTurn persists the new delta since the stored offset as one
// assistant message and advances the offset. Invoking it twice for the same
// content is harmless: the second call sees an empty delta and skips
// persistence entirely.
func (p *Poller) finalizeTurn(gen uint64, worktreeID string, tool cli.Tool, raw string, prompt *parser.PromptData) error {
	key := pollKey(worktreeID, tool)

	st, err := p.store.GetSessionState(worktreeID, tool)
	if err != nil {
		return err
	}

	stripped := parser.StripANSI(raw)
	delta := parser.ComputeDelta(stripped, st.LastCapturedLine)
	content := parser.StripNoise(delta.NewText)

	if p.stale(key, gen) {
		return nil
	}

	if content == "" {
		if delta.NewLineCount != st.LastCapturedLine {
			if err := p.store.UpdateSessionState(worktreeID, tool, delta.NewLineCount); err != nil {
				return err
			}
		}
		return nil
	}

	meta := store.MessageMeta{Tool: tool, PromptData: prompt}
	if ref := parser.ExtractLogReference(delta.NewText); ref != (parser.LogReference{}) {
		meta.LogFile = ref.LogFileName
		meta.RequestID = ref.RequestID
		meta.Summary = ref.Summary
	}

	msg, err := p.store.CreateMessage(worktreeID, store.RoleAssistant, content, meta)
	if err != nil {
		return err
	}
	if err := p.store.UpdateSessionState(worktreeID, tool, delta.NewLineCount); err != nil {
		return err
	}

	logging.Aggregate(logging.CompPoller, "message",
		slog.String("key", key), slog.String("lines", strconv.Itoa(delta.NewLineCount)))
	p.listener.MessageCreated(msg)
	return nil
}

// FinalizeNow captures once and finalizes outside any loop. This is the
// completion-hook path; it takes the same per-key lock and finalizeTurn as
// the interval path, so concurrent triggers for the same output persist
// only one message.
func (p *Poller) FinalizeNow(ctx context.Context, worktreeID string, tool cli.Tool) error {
	session, err := cli.SessionName(tool, worktreeID)
	if err != nil {
		return err
	}

	key := pollKey(worktreeID, tool)
	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if !p.capturer.HasSession(ctx, session) {
		return fmt.Errorf("session %s gone: %w", session, store.ErrNotFound)
	}
	raw, err := p.capturer.CapturePane(ctx, session, p.opts.CaptureLines)
	if err != nil {
		return err
	}

	p.mu.Lock()
	gen := p.gens[key]
	p.mu.Unlock()

	var prompt *parser.PromptData
	if !parser.IsStillRunning(tool, raw) {
		prompt = parser.DetectPrompt(tool, raw)
	}
	return p.finalizeTurn(gen, worktreeID, tool, raw, prompt)
}

// stale reports whether gen no longer matches the key's current generation.
func (p *Poller) stale(key string, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gens[key] != gen
}

func (p *Poller) setStatus(worktreeID string, tool cli.Tool, s Status) {
	p.mu.Lock()
	p.setStatusLocked(worktreeID, tool, s)
	p.mu.Unlock()
}

// setStatusLocked records and publishes a status change. Caller holds mu.
func (p *Poller) setStatusLocked(worktreeID string, tool cli.Tool, s Status) {
	key := pollKey(worktreeID, tool)
	if p.status == nil {
		p.status = make(map[string]Status)
	}
	if p.status[key] == s {
		return
	}
	p.status[key] = s
	p.listener.StatusChanged(worktreeID, tool, s)
}
