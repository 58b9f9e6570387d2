package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/git"
	"github.com/Kewton/commandmate/internal/store"
)

// handleWorktrees serves the collection: list and create.
func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := s.deps.Store.ListWorktrees()
		if err != nil {
			s.log.Error("list worktrees failed", "error", err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list worktrees")
			return
		}
		if list == nil {
			list = []*store.Worktree{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"worktrees": list})

	case http.MethodPost:
		if !s.requireWritable(w) {
			return
		}
		var req struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Path    string `json:"path"`
			Branch  string `json:"branch"`
			RepoDir string `json:"repoDir"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
			return
		}

		if req.RepoDir != "" {
			if s.deps.Git == nil {
				writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "worktree provisioning is disabled")
				return
			}
			if req.Branch == "" {
				writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "branch is required with repoDir")
				return
			}
			if err := git.ValidateBranchName(req.Branch); err != nil {
				writeAPIError(w, http.StatusBadRequest, "INVALID_BRANCH", "invalid branch name")
				return
			}
			if req.Path == "" {
				req.Path = git.WorktreePath(req.RepoDir, req.Branch)
			}
			if err := s.deps.Git.CreateWorktree(r.Context(), req.RepoDir, req.Branch, req.Path); err != nil {
				s.log.Error("git worktree add failed", "repo", req.RepoDir, "branch", req.Branch, "error", err)
				writeAPIError(w, http.StatusInternalServerError, "GIT_ERROR", "failed to create git worktree")
				return
			}
		} else if req.Path == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "path or repoDir is required")
			return
		}

		wt, err := s.deps.Store.CreateWorktree(req.ID, req.Name, req.Path, req.Branch)
		if err != nil {
			s.log.Error("create worktree failed", "error", err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create worktree")
			return
		}
		writeJSON(w, http.StatusCreated, wt)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleWorktreeByID routes /api/worktrees/{id} and its sub-resources.
func (s *Server) handleWorktreeByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/worktrees/")
	parts := strings.SplitN(rest, "/", 2)
	worktreeID := parts[0]
	if worktreeID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "worktree id is required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.handleWorktree(w, r, worktreeID)
	case "messages":
		s.handleMessages(w, r, worktreeID)
	case "session":
		s.handleSession(w, r, worktreeID)
	case "send":
		s.handleSend(w, r, worktreeID)
	case "polling/start":
		s.handlePolling(w, r, worktreeID, true)
	case "polling/stop":
		s.handlePolling(w, r, worktreeID, false)
	case "prompt-response":
		s.handlePromptResponse(w, r, worktreeID)
	case "auto-yes":
		s.handleAutoYes(w, r, worktreeID)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) handleWorktree(w http.ResponseWriter, r *http.Request, worktreeID string) {
	switch r.Method {
	case http.MethodGet:
		wt, err := s.deps.Store.GetWorktreeByID(worktreeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "worktree not found")
				return
			}
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load worktree")
			return
		}

		// Attach live session status per tool.
		sessions := make(map[string]any)
		for _, tool := range cli.All() {
			name, err := cli.SessionName(tool, worktreeID)
			if err != nil {
				continue
			}
			sessions[string(tool)] = map[string]any{
				"active":  s.deps.Terminal.HasSession(r.Context(), name),
				"status":  string(s.deps.Poller.GetStatus(worktreeID, tool)),
				"polling": s.deps.Poller.IsPolling(worktreeID, tool),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"worktree": wt, "sessions": sessions})

	case http.MethodDelete:
		if !s.requireWritable(w) {
			return
		}
		for _, tool := range cli.All() {
			s.deps.Poller.StopPolling(worktreeID, tool)
			if name, err := cli.SessionName(tool, worktreeID); err == nil {
				_, _ = s.deps.Terminal.KillSession(r.Context(), name)
			}
		}
		if r.URL.Query().Get("removeFiles") == "true" && s.deps.Git != nil {
			// Running from inside the worktree resolves the shared repo,
			// so no separate repo dir has to be tracked.
			if wt, err := s.deps.Store.GetWorktreeByID(worktreeID); err == nil {
				if err := s.deps.Git.RemoveWorktree(r.Context(), wt.Path, wt.Path, true); err != nil {
					s.log.Warn("git worktree remove failed", "path", wt.Path, "error", err)
				}
			}
		}
		if err := s.deps.Store.DeleteWorktree(worktreeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "worktree not found")
				return
			}
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete worktree")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, worktreeID string) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := s.deps.Store.ListMessages(worktreeID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSession creates or kills the tmux session for a tool.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, worktreeID string) {
	tool, ok := s.toolFromRequest(w, r)
	if !ok {
		return
	}
	name, err := cli.SessionName(tool, worktreeID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SESSION_NAME", "invalid worktree id")
		return
	}

	switch r.Method {
	case http.MethodPost:
		if !s.requireWritable(w) {
			return
		}
		wt, err := s.deps.Store.GetWorktreeByID(worktreeID)
		if err != nil {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "worktree not found")
			return
		}
		if s.deps.Terminal.HasSession(r.Context(), name) {
			writeJSON(w, http.StatusOK, map[string]any{"session": name, "created": false})
			return
		}
		command := s.deps.Tools.ToolCommand(string(tool), tool.DefaultCommand())
		if err := s.deps.Terminal.CreateSession(r.Context(), name, wt.Path, command); err != nil {
			s.log.Error("create session failed", "session", name, "error", err)
			writeAPIError(w, http.StatusInternalServerError, "SESSION_ERROR", "failed to create session")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": name, "created": true})

	case http.MethodDelete:
		if !s.requireWritable(w) {
			return
		}
		s.deps.Poller.StopPolling(worktreeID, tool)
		killed, err := s.deps.Terminal.KillSession(r.Context(), name)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "SESSION_ERROR", "failed to kill session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"killed": killed})

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSend types a user message into the session, records the user turn,
// and starts polling for the response.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, worktreeID string) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireWritable(w) {
		return
	}

	var req struct {
		Message string `json:"message"`
		CliTool string `json:"cliTool"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "message is required")
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

	if err := s.deps.Terminal.SendKeys(r.Context(), name, req.Message); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "SEND_FAILED", "failed to send")
		return
	}
	// A short settle gap keeps multi-line pastes from racing the Enter key.
	time.Sleep(50 * time.Millisecond)
	if err := s.deps.Terminal.SendEnter(r.Context(), name); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "SEND_FAILED", "failed to send")
		return
	}

	msg, err := s.deps.Store.CreateMessage(worktreeID, store.RoleUser, req.Message, store.MessageMeta{Tool: tool})
	if err != nil {
		s.log.Error("persist user turn failed", "worktree", worktreeID, "error", err)
	}

	if err := s.deps.Poller.StartPolling(worktreeID, tool); err != nil {
		s.log.Warn("start polling after send failed", "worktree", worktreeID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": msg})
}
