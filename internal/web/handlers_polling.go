package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/dispatch"
	"github.com/Kewton/commandmate/internal/parser"
	"github.com/Kewton/commandmate/internal/store"
)

// toolFromRequest reads the cliTool query parameter, defaulting to claude.
func (s *Server) toolFromRequest(w http.ResponseWriter, r *http.Request) (cli.Tool, bool) {
	id := r.URL.Query().Get("cliTool")
	if id == "" {
		return cli.ToolClaude, true
	}
	tool, err := cli.Parse(id)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown cli tool")
		return "", false
	}
	return tool, true
}

func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request, worktreeID string, start bool) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireWritable(w) {
		return
	}
	tool, ok := s.toolFromRequest(w, r)
	if !ok {
		return
	}

	if start {
		if err := s.deps.Poller.StartPolling(worktreeID, tool); err != nil {
			writeAPIError(w, http.StatusBadRequest, "POLLING_ERROR", "failed to start polling")
			return
		}
	} else {
		s.deps.Poller.StopPolling(worktreeID, tool)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"polling": s.deps.Poller.IsPolling(worktreeID, tool),
		"status":  string(s.deps.Poller.GetStatus(worktreeID, tool)),
	})
}

// handlePromptResponse delivers a user's answer to a pending prompt.
func (s *Server) handlePromptResponse(w http.ResponseWriter, r *http.Request, worktreeID string) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireWritable(w) {
		return
	}

	var req struct {
		Answer              string `json:"answer"`
		CliTool             string `json:"cliTool"`
		PromptType          string `json:"promptType"`
		DefaultOptionNumber int    `json:"defaultOptionNumber"`
		OptionCount         int    `json:"optionCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Answer == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "answer is required")
		return
	}
	tool, err := cli.Parse(req.CliTool)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown cli tool")
		return
	}
	name, err := cli.SessionName(tool, worktreeID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SESSION_NAME", "invalid worktree id")
		return
	}
	if !s.deps.Terminal.HasSession(r.Context(), name) {
		writeAPIError(w, http.StatusConflict, "NO_SESSION", "no active session")
		return
	}

	if err := s.deps.Answerer.Send(r.Context(), name, dispatch.Request{
		Answer:              req.Answer,
		PromptType:          parser.PromptType(req.PromptType),
		DefaultOptionNumber: req.DefaultOptionNumber,
		OptionCount:         req.OptionCount,
	}); err != nil {
		s.log.Error("prompt response failed", "worktree", worktreeID, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "SEND_FAILED", "failed to send")
		return
	}

	// The answer went out, so the persisted prompt is no longer pending.
	if err := s.deps.Store.MarkPromptAnswered(worktreeID, tool); err != nil {
		s.log.Warn("mark prompt answered failed", "worktree", worktreeID, "error", err)
	}
	// Record the user turn; the poller picks up whatever the tool does next.
	if _, err := s.deps.Store.CreateMessage(worktreeID, store.RoleUser, req.Answer,
		store.MessageMeta{Tool: tool}); err != nil {
		s.log.Warn("persist prompt answer failed", "worktree", worktreeID, "error", err)
	}
	if err := s.deps.Poller.StartPolling(worktreeID, tool); err != nil {
		s.log.Warn("start polling after answer failed", "worktree", worktreeID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAutoYes reads or flips the auto-yes switch for a worktree.
func (s *Server) handleAutoYes(w http.ResponseWriter, r *http.Request, worktreeID string) {
	switch r.Method {
	case http.MethodGet:
		st := s.deps.AutoYes.GetState(worktreeID)
		if st == nil {
			writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
			return
		}
		writeJSON(w, http.StatusOK, autoYesResponse(st.Enabled, st.ExpiresAt))

	case http.MethodPost:
		if !s.requireWritable(w) {
			return
		}
		var req struct {
			Enabled    bool  `json:"enabled"`
			DurationMs int64 `json:"durationMs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
			return
		}
		st := s.deps.AutoYes.SetEnabled(worktreeID, req.Enabled,
			time.Duration(req.DurationMs)*time.Millisecond)
		writeJSON(w, http.StatusOK, autoYesResponse(st.Enabled, st.ExpiresAt))

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func autoYesResponse(enabled bool, expiresAt time.Time) map[string]any {
	resp := map[string]any{"enabled": enabled}
	if !expiresAt.IsZero() {
		resp["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleHookComplete is the webhook completion path: a CLI tool's stop hook
// posts here and the turn is finalized immediately instead of waiting for
// the next tick.
func (s *Server) handleHookComplete(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireWritable(w) {
		return
	}

	var req struct {
		WorktreeID string `json:"worktreeId"`
		CliTool    string `json:"cliTool"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorktreeID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "worktreeId is required")
		return
	}
	tool, err := cli.Parse(req.CliTool)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown cli tool")
		return
	}

	if err := s.deps.Poller.FinalizeNow(r.Context(), req.WorktreeID, tool); err != nil {
		s.log.Warn("hook finalize failed", "worktree", req.WorktreeID, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "FINALIZE_FAILED", "failed to finalize turn")
		return
	}
	s.deps.Poller.StopPolling(req.WorktreeID, tool)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
