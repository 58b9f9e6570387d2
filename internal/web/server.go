// Package web exposes the dashboard HTTP API: worktrees, chat history,
// polling control, prompt responses, auto-yes, and the websocket feeds.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Kewton/commandmate/internal/autoyes"
	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/dispatch"
	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/poller"
	"github.com/Kewton/commandmate/internal/store"
)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string

	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string
}

// Store is the persistence surface the handlers use.
type Store interface {
	ListWorktrees() ([]*store.Worktree, error)
	GetWorktreeByID(id string) (*store.Worktree, error)
	CreateWorktree(id, name, path, branch string) (*store.Worktree, error)
	DeleteWorktree(id string) error
	ListMessages(worktreeID string, limit int) ([]*store.Message, error)
	CreateMessage(worktreeID string, role store.Role, content string, meta store.MessageMeta) (*store.Message, error)
	MarkPromptAnswered(worktreeID string, tool cli.Tool) error
	SavePushSubscription(sub store.PushSubscription) error
	DeletePushSubscription(endpoint string) error
	ListPushSubscriptions() ([]store.PushSubscription, error)
}

// PollerControl is the polling surface exposed to routes.
type PollerControl interface {
	StartPolling(worktreeID string, tool cli.Tool) error
	StopPolling(worktreeID string, tool cli.Tool)
	FinalizeNow(ctx context.Context, worktreeID string, tool cli.Tool) error
	GetStatus(worktreeID string, tool cli.Tool) poller.Status
	IsPolling(worktreeID string, tool cli.Tool) bool
}

// Terminal is the tmux surface exposed to routes.
type Terminal interface {
	HasSession(ctx context.Context, name string) bool
	CreateSession(ctx context.Context, name, cwd, command string) error
	KillSession(ctx context.Context, name string) (bool, error)
	SendKeys(ctx context.Context, name, text string) error
	SendEnter(ctx context.Context, name string) error
}

// AutoYes is the auto-yes surface exposed to routes.
type AutoYes interface {
	GetState(worktreeID string) *autoyes.State
	SetEnabled(worktreeID string, enabled bool, d time.Duration) *autoyes.State
}

// Answerer dispatches prompt answers.
type Answerer interface {
	Send(ctx context.Context, session string, req dispatch.Request) error
}

// Provisioner creates and removes git worktrees on disk. A nil Provisioner
// disables on-disk provisioning; worktrees are then registered as plain
// directory records.
type Provisioner interface {
	CreateWorktree(ctx context.Context, repoDir, branch, path string) error
	RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error
}

// ToolCommands resolves the launch command for a CLI tool.
type ToolCommands interface {
	ToolCommand(toolID, fallback string) string
}

// Deps wires the server's collaborators.
type Deps struct {
	Store    Store
	Poller   PollerControl
	Terminal Terminal
	AutoYes  AutoYes
	Answerer Answerer
	Tools    ToolCommands
	Git      Provisioner
}

// Server wraps the HTTP server for dashboard mode.
type Server struct {
	cfg        Config
	deps       Deps
	httpServer *http.Server
	log        *slog.Logger
	push       *pushService

	baseCtx    context.Context
	cancelBase context.CancelFunc

	feedMu      sync.Mutex
	feedClients map[*feedClient]struct{}
}

// NewServer creates the server with routes and middleware attached.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8365"
	}

	s := &Server{
		cfg:         cfg,
		deps:        deps,
		log:         logging.ForComponent(logging.CompWeb),
		feedClients: make(map[*feedClient]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if push, err := newPushService(cfg, deps.Store); err != nil {
		s.log.Warn("push_disabled", slog.String("error", err.Error()))
	} else {
		s.push = push
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/worktrees", s.handleWorktrees)
	mux.HandleFunc("/api/worktrees/", s.handleWorktreeByID)
	mux.HandleFunc("/api/hooks/complete", s.handleHookComplete)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/api/debug/logs", s.handleDebugLogs)
	mux.HandleFunc("/ws/feed", s.handleFeedWS)
	mux.HandleFunc("/ws/terminal/", s.handleTerminalWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the configured handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("web server listening", "addr", s.cfg.ListenAddr, "read_only", s.cfg.ReadOnly)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	s.closeFeedClients()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDebugLogs streams the in-memory log tail for incident triage without
// shell access to the host.
func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(logging.RecentLogs())
}

// requireAuth returns false and writes the error response when the request
// carries no valid token.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorizeRequest(r) {
		return true
	}
	writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	return false
}

// requireWritable rejects mutating requests in read-only mode.
func (s *Server) requireWritable(w http.ResponseWriter) bool {
	if !s.cfg.ReadOnly {
		return true
	}
	writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is in read-only mode")
	return false
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForComponent(logging.CompWeb).Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
