package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kewton/commandmate/internal/autoyes"
	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/dispatch"
	"github.com/Kewton/commandmate/internal/parser"
	"github.com/Kewton/commandmate/internal/store"
)

// fakeStore is an in-memory Store. createDelay simulates insert latency to
// widen race windows in concurrency tests.
type fakeStore struct {
	mu          sync.Mutex
	worktrees   map[string]*store.Worktree
	messages    []*store.Message
	offsets     map[string]int
	createDelay time.Duration
}

func newFakeStore(worktreeIDs ...string) *fakeStore {
	f := &fakeStore{
		worktrees: make(map[string]*store.Worktree),
		offsets:   make(map[string]int),
	}
	for _, id := range worktreeIDs {
		f.worktrees[id] = &store.Worktree{ID: id, Name: id, Path: "/tmp/" + id}
	}
	return f
}

func (f *fakeStore) GetWorktreeByID(id string) (*store.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.worktrees[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) CreateMessage(worktreeID string, role store.Role, content string, meta store.MessageMeta) (*store.Message, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &store.Message{
		ID: "m" + time.Now().Format("150405.000000000"), WorktreeID: worktreeID,
		Role: role, Content: content, Tool: meta.Tool, PromptData: meta.PromptData,
		RequestID: meta.RequestID, CreatedAt: time.Now(),
	}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeStore) GetSessionState(worktreeID string, tool cli.Tool) (*store.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.SessionState{
		WorktreeID: worktreeID, Tool: tool,
		LastCapturedLine: f.offsets[worktreeID+":"+string(tool)],
	}, nil
}

func (f *fakeStore) UpdateSessionState(worktreeID string, tool cli.Tool, lastLine int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets[worktreeID+":"+string(tool)] = lastLine
	return nil
}

func (f *fakeStore) MarkPromptAnswered(worktreeID string, tool cli.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		m := f.messages[i]
		if m.WorktreeID == worktreeID && m.Tool == tool && m.PromptData != nil {
			if m.PromptData.Status == parser.PromptPending {
				m.PromptData.Status = parser.PromptAnswered
			}
			return nil
		}
	}
	return nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeStore) offset(worktreeID string, tool cli.Tool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offsets[worktreeID+":"+string(tool)]
}

// fakeCapturer serves a scripted pane buffer.
type fakeCapturer struct {
	mu       sync.Mutex
	content  string
	exists   bool
	captures int
}

func (f *fakeCapturer) HasSession(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *fakeCapturer) CapturePane(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return f.content, nil
}

func (f *fakeCapturer) set(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = content
}

// fakeAnswerer records dispatched answers. Setting failures makes that many
// leading Send calls fail before anything is recorded.
type fakeAnswerer struct {
	mu       sync.Mutex
	failures int
	attempts int
	sent     []dispatch.Request
}

func (f *fakeAnswerer) Send(_ context.Context, _ string, req dispatch.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("send keys failed")
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeAnswerer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAnswerer) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newTestPoller(st Store, cap Capturer, auto *autoyes.Manager, ans Answerer) *Poller {
	if auto == nil {
		auto = autoyes.NewManager(30 * time.Minute)
	}
	if ans == nil {
		ans = &fakeAnswerer{}
	}
	return New(st, cap, auto, ans, nil, Options{
		Interval:     10 * time.Millisecond,
		CaptureLines: 200,
		CaptureRate:  1000,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartPollingIdempotent(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: true, content: "working\n✳ Crunching… (esc to interrupt)"}
	p := newTestPoller(st, cap, nil, nil)
	defer p.Shutdown()

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))

	p.mu.Lock()
	n := len(p.active)
	p.mu.Unlock()
	assert.Equal(t, 1, n, "second start must not create a second loop")
}

func TestStopPollingIdempotent(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: true, content: "✳ Working… (esc to interrupt)"}
	p := newTestPoller(st, cap, nil, nil)

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	p.StopPolling("wt1", cli.ToolClaude)
	p.StopPolling("wt1", cli.ToolClaude)
	p.StopPolling("wt2", cli.ToolCodex)
	assert.False(t, p.IsPolling("wt1", cli.ToolClaude))
}

func TestStartPollingUnknownWorktree(t *testing.T) {
	st := newFakeStore()
	p := newTestPoller(st, &fakeCapturer{exists: true}, nil, nil)
	assert.Error(t, p.StartPolling("ghost", cli.ToolClaude))
}

func TestStartPollingInvalidWorktreeID(t *testing.T) {
	st := newFakeStore()
	p := newTestPoller(st, &fakeCapturer{exists: true}, nil, nil)
	err := p.StartPolling("bad id;rm", cli.ToolClaude)
	assert.ErrorIs(t, err, cli.ErrInvalidSessionName)
}

func TestCompletedTurnPersistsOnceAndStops(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: true, content: "prompt> do the thing\nhere is the result\n"}
	p := newTestPoller(st, cap, nil, nil)

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })

	assert.Equal(t, 1, st.messageCount())
	assert.Equal(t, store.RoleAssistant, st.messages[0].Role)
	assert.Contains(t, st.messages[0].Content, "here is the result")
	assert.Equal(t, 3, st.offset("wt1", cli.ToolClaude))
	assert.Equal(t, StatusIdle, p.GetStatus("wt1", cli.ToolClaude))
}

func TestRespondingKeepsPolling(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: true, content: "thinking\n✳ Pondering… (esc to interrupt)"}
	p := newTestPoller(st, cap, nil, nil)
	defer p.Shutdown()

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool {
		cap.mu.Lock()
		defer cap.mu.Unlock()
		return cap.captures >= 3
	})

	assert.True(t, p.IsPolling("wt1", cli.ToolClaude))
	assert.Equal(t, StatusResponding, p.GetStatus("wt1", cli.ToolClaude))
	assert.Zero(t, st.messageCount())

	// The tool finishes; the next tick finalizes and the loop stops.
	cap.set("thinking\ndone, all tests pass\n")
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })
	assert.Equal(t, 1, st.messageCount())
}

func TestDuplicateTriggerPathsPersistOnce(t *testing.T) {
	st := newFakeStore("wt1")
	content := "the assistant answered\nwith two lines\n"
	cap := &fakeCapturer{exists: true, content: content}
	p := newTestPoller(st, cap, nil, nil)

	// Interval path finalizes the turn.
	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })
	require.Equal(t, 1, st.messageCount())

	// Hook path fires afterwards with identical pane content: the offset
	// has not advanced, the delta is empty, nothing new is persisted.
	require.NoError(t, p.FinalizeNow(context.Background(), "wt1", cli.ToolClaude))
	assert.Equal(t, 1, st.messageCount())
}

func TestConcurrentFinalizeTriggersPersistOnce(t *testing.T) {
	st := newFakeStore("wt1")
	st.createDelay = 30 * time.Millisecond // widen the read-to-write window
	cap := &fakeCapturer{exists: true, content: "the assistant answered\nwith two lines\n"}
	p := newTestPoller(st, cap, nil, nil)

	// The stop hook and the completion webhook can fire for the same turn
	// at the same time; both read the same unadvanced offset.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.FinalizeNow(context.Background(), "wt1", cli.ToolClaude))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, st.messageCount())
	assert.Equal(t, 3, st.offset("wt1", cli.ToolClaude))
}

func TestMonotonicOffsetAcrossTurns(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: true, content: "turn one output\n"}
	p := newTestPoller(st, cap, nil, nil)

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })
	first := st.offset("wt1", cli.ToolClaude)

	cap.set("turn one output\nturn two output\nmore\n")
	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })

	second := st.offset("wt1", cli.ToolClaude)
	assert.GreaterOrEqual(t, second, first)
	require.Equal(t, 2, st.messageCount())
	assert.NotContains(t, st.messages[1].Content, "turn one")
}

func TestShrunkBufferTreatedAsFreshStart(t *testing.T) {
	st := newFakeStore("wt1")
	st.offsets["wt1:claude"] = 100
	cap := &fakeCapturer{exists: true, content: "fresh session output\n"}
	p := newTestPoller(st, cap, nil, nil)

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })

	require.Equal(t, 1, st.messageCount())
	assert.Contains(t, st.messages[0].Content, "fresh session output")
	assert.Equal(t, 2, st.offset("wt1", cli.ToolClaude))
}

func TestPromptDetectionAutoAnswers(t *testing.T) {
	st := newFakeStore("wt1")
	content := strings.Join([]string{
		"Do you want to apply this edit?",
		"❯ 1. Yes",
		"  2. Yes, and don't ask again",
		"  3. No, and tell Claude what to do differently",
	}, "\n")
	cap := &fakeCapturer{exists: true, content: content}
	auto := autoyes.NewManager(30 * time.Minute)
	auto.SetEnabled("wt1", true, 0)
	ans := &fakeAnswerer{}
	p := newTestPoller(st, cap, auto, ans)
	defer p.Shutdown()

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return ans.count() >= 1 })

	assert.Equal(t, StatusAwaitingPrompt, p.GetStatus("wt1", cli.ToolClaude))
	require.Equal(t, 1, st.messageCount())
	require.NotNil(t, st.messages[0].PromptData)

	ans.mu.Lock()
	req := ans.sent[0]
	ans.mu.Unlock()
	assert.Equal(t, "1", req.Answer)
	assert.Equal(t, 3, req.OptionCount)
	assert.Equal(t, 1, req.DefaultOptionNumber)

	// The same still-pending prompt is never answered twice, and the
	// persisted prompt leaves the pending state.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ans.count())
	st.mu.Lock()
	status := st.messages[0].PromptData.Status
	st.mu.Unlock()
	assert.Equal(t, parser.PromptAnswered, status)
}

func TestAutoAnswerRetriesAfterSendFailure(t *testing.T) {
	st := newFakeStore("wt1")
	content := "Apply this change?\n❯ 1. Yes\n  2. No"
	cap := &fakeCapturer{exists: true, content: content}
	auto := autoyes.NewManager(30 * time.Minute)
	auto.SetEnabled("wt1", true, 0)
	ans := &fakeAnswerer{failures: 1}
	p := newTestPoller(st, cap, auto, ans)
	defer p.Shutdown()

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return ans.count() >= 1 })

	// The failed first delivery did not consume the prompt key.
	assert.GreaterOrEqual(t, ans.attemptCount(), 2)

	// Once delivered, no further attempts.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ans.count())
}

func TestPromptWithoutAutoYesStaysPending(t *testing.T) {
	st := newFakeStore("wt1")
	content := "Allow this command to run?\n❯ 1. Yes\n  2. No"
	cap := &fakeCapturer{exists: true, content: content}
	ans := &fakeAnswerer{}
	p := newTestPoller(st, cap, nil, ans)
	defer p.Shutdown()

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return st.messageCount() >= 1 })

	assert.Zero(t, ans.count())
	assert.True(t, p.IsPolling("wt1", cli.ToolClaude), "keeps watching for an external answer")
}

func TestCaptureFailureStopsKey(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: false}
	p := newTestPoller(st, cap, nil, nil)

	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return !p.IsPolling("wt1", cli.ToolClaude) })
	assert.Zero(t, st.messageCount())

	// Manual restart is always possible afterwards.
	cap.mu.Lock()
	cap.exists = true
	cap.content = "recovered output\n"
	cap.mu.Unlock()
	require.NoError(t, p.StartPolling("wt1", cli.ToolClaude))
	waitFor(t, func() bool { return st.messageCount() == 1 })
}

func TestStaleGenerationDiscarded(t *testing.T) {
	st := newFakeStore("wt1")
	cap := &fakeCapturer{exists: true}
	p := newTestPoller(st, cap, nil, nil)

	p.mu.Lock()
	p.gens = map[string]uint64{"wt1:claude": 5}
	p.mu.Unlock()

	// A result captured under generation 3 arrives after generation moved
	// to 5: it must not touch the store.
	_, err := p.apply(context.Background(), 3, "wt1", cli.ToolClaude,
		"mcbd-claude-wt1", "late output\n")
	require.NoError(t, err)
	assert.Zero(t, st.messageCount())
	assert.Zero(t, st.offset("wt1", cli.ToolClaude))
}

func TestParseHookMarker(t *testing.T) {
	wt, tool, ok := ParseHookMarker("wt-42.claude.done")
	require.True(t, ok)
	assert.Equal(t, "wt-42", wt)
	assert.Equal(t, cli.ToolClaude, tool)

	// Worktree IDs may contain dots only ahead of the final tool segment.
	wt, tool, ok = ParseHookMarker("a.b.codex.done")
	require.True(t, ok)
	assert.Equal(t, "a.b", wt)
	assert.Equal(t, cli.ToolCodex, tool)

	_, _, ok = ParseHookMarker("random.txt")
	assert.False(t, ok)
	_, _, ok = ParseHookMarker("wt.unknown-tool.done")
	assert.False(t, ok)
	_, _, ok = ParseHookMarker(".claude.done")
	assert.False(t, ok)
}
