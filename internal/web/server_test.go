package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kewton/commandmate/internal/autoyes"
	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/dispatch"
	"github.com/Kewton/commandmate/internal/parser"
	"github.com/Kewton/commandmate/internal/poller"
	"github.com/Kewton/commandmate/internal/store"
)

type webFakeStore struct {
	mu        sync.Mutex
	worktrees map[string]*store.Worktree
	messages  map[string][]*store.Message
	pushSubs  map[string]store.PushSubscription
}

func newWebFakeStore() *webFakeStore {
	return &webFakeStore{
		worktrees: make(map[string]*store.Worktree),
		messages:  make(map[string][]*store.Message),
		pushSubs:  make(map[string]store.PushSubscription),
	}
}

func (f *webFakeStore) ListWorktrees() ([]*store.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Worktree
	for _, w := range f.worktrees {
		out = append(out, w)
	}
	return out, nil
}

func (f *webFakeStore) GetWorktreeByID(id string) (*store.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.worktrees[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *webFakeStore) CreateWorktree(id, name, path, branch string) (*store.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		id = fmt.Sprintf("wt-%d", len(f.worktrees)+1)
	}
	w := &store.Worktree{ID: id, Name: name, Path: path, Branch: branch, CreatedAt: time.Now()}
	f.worktrees[id] = w
	return w, nil
}

func (f *webFakeStore) DeleteWorktree(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.worktrees[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.worktrees, id)
	return nil
}

func (f *webFakeStore) ListMessages(worktreeID string, limit int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[worktreeID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *webFakeStore) CreateMessage(worktreeID string, role store.Role, content string, meta store.MessageMeta) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &store.Message{
		ID: fmt.Sprintf("m-%d", len(f.messages[worktreeID])+1), WorktreeID: worktreeID,
		Role: role, Content: content, Tool: meta.Tool, PromptData: meta.PromptData,
		CreatedAt: time.Now(),
	}
	f.messages[worktreeID] = append(f.messages[worktreeID], m)
	return m, nil
}

func (f *webFakeStore) MarkPromptAnswered(worktreeID string, tool cli.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[worktreeID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Tool == tool && msgs[i].PromptData != nil {
			if msgs[i].PromptData.Status == parser.PromptPending {
				msgs[i].PromptData.Status = parser.PromptAnswered
			}
			return nil
		}
	}
	return nil
}

func (f *webFakeStore) SavePushSubscription(sub store.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushSubs[sub.Endpoint] = sub
	return nil
}

func (f *webFakeStore) DeletePushSubscription(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pushSubs, endpoint)
	return nil
}

func (f *webFakeStore) ListPushSubscriptions() ([]store.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PushSubscription
	for _, s := range f.pushSubs {
		out = append(out, s)
	}
	return out, nil
}

type webFakePoller struct {
	mu      sync.Mutex
	active  map[string]bool
	started []string
	stopped []string
}

func newWebFakePoller() *webFakePoller {
	return &webFakePoller{active: make(map[string]bool)}
}

func (f *webFakePoller) StartPolling(worktreeID string, tool cli.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := worktreeID + ":" + string(tool)
	f.active[key] = true
	f.started = append(f.started, key)
	return nil
}

func (f *webFakePoller) StopPolling(worktreeID string, tool cli.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := worktreeID + ":" + string(tool)
	delete(f.active, key)
	f.stopped = append(f.stopped, key)
}

func (f *webFakePoller) FinalizeNow(_ context.Context, worktreeID string, tool cli.Tool) error {
	return nil
}

func (f *webFakePoller) GetStatus(worktreeID string, tool cli.Tool) poller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[worktreeID+":"+string(tool)] {
		return poller.StatusPolling
	}
	return poller.StatusIdle
}

func (f *webFakePoller) IsPolling(worktreeID string, tool cli.Tool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[worktreeID+":"+string(tool)]
}

type webFakeTerminal struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     []string
	created  []string
}

func newWebFakeTerminal(existing ...string) *webFakeTerminal {
	f := &webFakeTerminal{sessions: make(map[string]bool)}
	for _, s := range existing {
		f.sessions[s] = true
	}
	return f
}

func (f *webFakeTerminal) HasSession(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *webFakeTerminal) CreateSession(_ context.Context, name, cwd, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	f.created = append(f.created, name+"|"+cwd+"|"+command)
	return nil
}

func (f *webFakeTerminal) KillSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := f.sessions[name]
	delete(f.sessions, name)
	return existed, nil
}

func (f *webFakeTerminal) SendKeys(_ context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "keys:"+text)
	return nil
}

func (f *webFakeTerminal) SendEnter(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "enter")
	return nil
}

type webFakeAnswerer struct {
	mu   sync.Mutex
	sent []dispatch.Request
}

func (f *webFakeAnswerer) Send(_ context.Context, _ string, req dispatch.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

type webFakeGit struct {
	mu      sync.Mutex
	created []string
	removed []string
	err     error
}

func (f *webFakeGit) CreateWorktree(_ context.Context, repoDir, branch, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, repoDir+"|"+branch+"|"+path)
	return nil
}

func (f *webFakeGit) RemoveWorktree(_ context.Context, repoDir, path string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

type staticTools struct{}

func (staticTools) ToolCommand(toolID, fallback string) string { return fallback }

type testEnv struct {
	store    *webFakeStore
	poller   *webFakePoller
	terminal *webFakeTerminal
	answerer *webFakeAnswerer
	git      *webFakeGit
	auto     *autoyes.Manager
	server   *Server
}

func newTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newWebFakeStore(),
		poller:   newWebFakePoller(),
		terminal: newWebFakeTerminal(),
		answerer: &webFakeAnswerer{},
		git:      &webFakeGit{},
		auto:     autoyes.NewManager(30 * time.Minute),
	}
	env.server = NewServer(cfg, Deps{
		Store:    env.store,
		Poller:   env.poller,
		Terminal: env.terminal,
		AutoYes:  env.auto,
		Answerer: env.answerer,
		Tools:    staticTools{},
		Git:      env.git,
	})
	return env
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t, Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestServer(t, Config{Token: "secret"})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/worktrees", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/worktrees", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	rec3 := doJSON(t, h, http.MethodGet, "/api/worktrees?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec3.Code)

	rec4 := doJSON(t, h, http.MethodGet, "/api/worktrees?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec4.Code)
}

func TestDebugLogsEndpoint(t *testing.T) {
	env := newTestServer(t, Config{Token: "secret"})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/debug/logs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec2 := doJSON(t, h, http.MethodGet, "/api/debug/logs?token=secret", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Header().Get("Content-Type"), "text/plain")

	rec3 := doJSON(t, h, http.MethodPost, "/api/debug/logs?token=secret", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec3.Code)
}

func TestWorktreeCreateAndList(t *testing.T) {
	env := newTestServer(t, Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees", map[string]string{
		"name": "feature-x", "path": "/repos/app/feature-x", "branch": "feature/x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/worktrees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Worktrees []*store.Worktree `json:"worktrees"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Worktrees, 1)
}

func TestWorktreeCreateValidation(t *testing.T) {
	env := newTestServer(t, Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/worktrees", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorktreeCreateProvisionsGit(t *testing.T) {
	env := newTestServer(t, Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees", map[string]string{
		"name": "feature-x", "repoDir": "/repos/app", "branch": "feature/x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, env.git.created, 1)
	assert.Equal(t, "/repos/app|feature/x|/repos/app-worktrees/feature-x", env.git.created[0])

	var wt store.Worktree
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wt))
	assert.Equal(t, "/repos/app-worktrees/feature-x", wt.Path)
}

func TestWorktreeCreateRejectsBadBranch(t *testing.T) {
	env := newTestServer(t, Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/worktrees", map[string]string{
		"name": "x", "repoDir": "/repos/app", "branch": "bad;rm -rf",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.git.created)
}

func TestWorktreeDeleteRemovesFiles(t *testing.T) {
	env := newTestServer(t, Config{})
	h := env.server.Handler()
	env.store.CreateWorktree("wt-1", "w", "/repos/app-worktrees/w", "w")

	rec := doJSON(t, h, http.MethodDelete, "/api/worktrees/wt-1?removeFiles=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/repos/app-worktrees/w"}, env.git.removed)

	_, err := env.store.GetWorktreeByID("wt-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReadOnlyBlocksWrites(t *testing.T) {
	env := newTestServer(t, Config{ReadOnly: true})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees", map[string]string{
		"name": "x", "path": "/tmp/x",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/polling/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Reads still work.
	rec = doJSON(t, h, http.MethodGet, "/api/worktrees", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPollingStartStop(t *testing.T) {
	env := newTestServer(t, Config{})
	h := env.server.Handler()
	env.store.CreateWorktree("wt-1", "w", "/tmp/w", "main")

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/polling/start?cliTool=claude", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.poller.IsPolling("wt-1", cli.ToolClaude))

	rec = doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/polling/stop?cliTool=claude", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.poller.IsPolling("wt-1", cli.ToolClaude))
}

func TestSendMessage(t *testing.T) {
	env := newTestServer(t, Config{})
	env.store.CreateWorktree("wt-1", "w", "/tmp/w", "main")
	env.terminal.sessions["mcbd-claude-wt-1"] = true
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/send", map[string]string{
		"message": "fix the bug", "cliTool": "claude",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"keys:fix the bug", "enter"}, env.terminal.sent)
	assert.Equal(t, []string{"wt-1:claude"}, env.poller.started)
	msgs, _ := env.store.ListMessages("wt-1", 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestSendMessageNoSession(t *testing.T) {
	env := newTestServer(t, Config{})
	env.store.CreateWorktree("wt-1", "w", "/tmp/w", "main")
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/worktrees/wt-1/send", map[string]string{
		"message": "hello", "cliTool": "claude",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPromptResponse(t *testing.T) {
	env := newTestServer(t, Config{})
	env.store.CreateWorktree("wt-1", "w", "/tmp/w", "main")
	env.terminal.sessions["mcbd-claude-wt-1"] = true
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/prompt-response", map[string]any{
		"answer": "2", "cliTool": "claude", "promptType": "multiple_choice",
		"defaultOptionNumber": 1, "optionCount": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.answerer.sent, 1)
	req := env.answerer.sent[0]
	assert.Equal(t, "2", req.Answer)
	assert.Equal(t, 3, req.OptionCount)
	assert.Equal(t, 1, req.DefaultOptionNumber)

	msgs, _ := env.store.ListMessages("wt-1", 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "2", msgs[0].Content)
}

func TestPromptResponseMarksPromptAnswered(t *testing.T) {
	env := newTestServer(t, Config{})
	env.store.CreateWorktree("wt-1", "w", "/tmp/w", "main")
	env.terminal.sessions["mcbd-claude-wt-1"] = true
	h := env.server.Handler()

	pd := &parser.PromptData{Type: parser.PromptYesNo, Question: "Continue?", Status: parser.PromptPending}
	env.store.CreateMessage("wt-1", store.RoleAssistant, "Continue? (y/n)",
		store.MessageMeta{Tool: cli.ToolClaude, PromptData: pd})

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/prompt-response", map[string]any{
		"answer": "y", "cliTool": "claude", "promptType": "yes_no",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	msgs, _ := env.store.ListMessages("wt-1", 0)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[0].PromptData)
	assert.Equal(t, parser.PromptAnswered, msgs[0].PromptData.Status)
}

func TestPromptResponseNoSession(t *testing.T) {
	env := newTestServer(t, Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/worktrees/wt-1/prompt-response", map[string]any{
		"answer": "y", "cliTool": "claude",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, env.answerer.sent)
}

func TestAutoYesRoundTrip(t *testing.T) {
	env := newTestServer(t, Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/worktrees/wt-1/auto-yes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["enabled"])

	rec = doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/auto-yes", map[string]any{
		"enabled": true, "durationMs": 60000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["enabled"])
	assert.NotEmpty(t, resp["expiresAt"])

	rec = doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/auto-yes", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["enabled"])
}

func TestSessionCreateAndKill(t *testing.T) {
	env := newTestServer(t, Config{})
	env.store.CreateWorktree("wt-1", "w", "/repos/app/wt-1", "main")
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/session?cliTool=claude", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, env.terminal.created, 1)
	assert.Contains(t, env.terminal.created[0], "mcbd-claude-wt-1|/repos/app/wt-1|")

	// Creating again is reported, not repeated.
	rec = doJSON(t, h, http.MethodPost, "/api/worktrees/wt-1/session?cliTool=claude", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.terminal.created, 1)

	rec = doJSON(t, h, http.MethodDelete, "/api/worktrees/wt-1/session?cliTool=claude", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.poller.stopped, "wt-1:claude")
}

func TestHookComplete(t *testing.T) {
	env := newTestServer(t, Config{})
	env.store.CreateWorktree("wt-1", "w", "/tmp/w", "main")
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/hooks/complete", map[string]string{
		"worktreeId": "wt-1", "cliTool": "codex",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.poller.stopped, "wt-1:codex")
}

func TestUnknownRoute(t *testing.T) {
	env := newTestServer(t, Config{})
	rec := doJSON(t, env.server.Handler(), http.MethodGet, "/api/worktrees/wt-1/bogus", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnsureVAPIDKeysRoundTrip(t *testing.T) {
	dir := t.TempDir()

	pub1, priv1, generated, err := EnsureVAPIDKeys(dir, "mailto:ops@example.com")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEmpty(t, pub1)
	assert.NotEmpty(t, priv1)

	pub2, priv2, generated, err := EnsureVAPIDKeys(dir, "mailto:ops@example.com")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}
