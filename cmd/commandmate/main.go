// Command commandmate runs the dashboard server: it manages git-worktree
// bound tmux sessions running CLI coding assistants and polls their panes
// for responses and interactive prompts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/Kewton/commandmate/internal/autoyes"
	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/config"
	"github.com/Kewton/commandmate/internal/dispatch"
	"github.com/Kewton/commandmate/internal/git"
	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/parser"
	"github.com/Kewton/commandmate/internal/poller"
	"github.com/Kewton/commandmate/internal/store"
	"github.com/Kewton/commandmate/internal/tmux"
	"github.com/Kewton/commandmate/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("commandmate %s\n", version)
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}
	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Print(`commandmate - web dashboard for CLI coding assistant sessions

Usage:
  commandmate [serve] [flags]
  commandmate version

Flags of serve:
  -addr string       listen address (default from config, 127.0.0.1:8365)
  -data-dir string   data directory (default ~/.commandmate)
  -token string      API token (empty disables auth; env COMMANDMATE_TOKEN)
  -read-only         serve in read-only mode
  -debug             enable debug logging
  -log-format string log format: json or text (default: text on a tty)
`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address")
	dataDir := fs.String("data-dir", "", "data directory")
	token := fs.String("token", "", "API token")
	readOnly := fs.Bool("read-only", false, "read-only mode")
	debug := fs.Bool("debug", false, "debug logging")
	logFormat := fs.String("log-format", "", "log format: json or text")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	// .env is optional; flags and real env still win.
	_ = godotenv.Load()

	if *dataDir == "" {
		*dataDir = os.Getenv("COMMANDMATE_DATA_DIR")
	}
	if *dataDir == "" {
		*dataDir = config.DefaultDataDir()
	}
	if *token == "" {
		*token = os.Getenv("COMMANDMATE_TOKEN")
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, continuing with defaults\n", err)
	}
	if *addr == "" {
		*addr = cfg.ListenAddr
	}
	if cfg.ReadOnly {
		*readOnly = true
	}

	format := *logFormat
	if format == "" {
		format = cfg.Logs.Format
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}
	level := cfg.Logs.Level
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir:       *dataDir,
		Level:        level,
		Format:       format,
		MaxSizeMB:    cfg.Logs.MaxSizeMB,
		MaxBackups:   cfg.Logs.MaxBackups,
		MaxAgeDays:   cfg.Logs.MaxAgeDays,
		Debug:        *debug || level == "debug",
		PprofEnabled: cfg.Logs.PprofEnabled,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	st, err := store.Open(*dataDir)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tmuxClient := tmux.NewClient(tmux.WithCaptureTimeout(cfg.CaptureTimeout()))
	auto := autoyes.NewManager(cfg.AutoYesDefaultDuration())
	dispatcher := dispatch.New(tmuxClient)

	relay := &listenerRelay{}
	p := poller.New(st, tmuxClient, auto, dispatcher, relay, poller.Options{
		Interval:     cfg.PollInterval(),
		CaptureLines: cfg.Poller.CaptureLines,
	})

	var pushPublic, pushPrivate string
	if cfg.Push.Enabled {
		pub, priv, generated, err := web.EnsureVAPIDKeys(*dataDir, cfg.Push.VAPIDSubject)
		if err != nil {
			log.Warn("push key setup failed", "error", err)
		} else {
			pushPublic, pushPrivate = pub, priv
			if generated {
				log.Info("generated web push VAPID keys")
			}
		}
	}

	srv := web.NewServer(web.Config{
		ListenAddr:          *addr,
		ReadOnly:            *readOnly,
		Token:               *token,
		PushVAPIDPublicKey:  pushPublic,
		PushVAPIDPrivateKey: pushPrivate,
		PushVAPIDSubject:    cfg.Push.VAPIDSubject,
	}, web.Deps{
		Store:    st,
		Poller:   p,
		Terminal: tmuxClient,
		AutoYes:  auto,
		Answerer: dispatcher,
		Tools:    cfg,
		Git:      git.CLI{},
	})
	relay.set(srv)

	hooks, err := poller.NewHookWatcher(cfg.HooksDir(), p)
	if err != nil {
		log.Warn("hook watcher disabled", "error", err)
	} else {
		hooks.Start()
		defer hooks.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	p.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
}

// listenerRelay lets the poller be constructed before the web server that
// consumes its events.
type listenerRelay struct {
	mu sync.RWMutex
	l  poller.Listener
}

func (r *listenerRelay) set(l poller.Listener) {
	r.mu.Lock()
	r.l = l
	r.mu.Unlock()
}

func (r *listenerRelay) get() poller.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.l
}

func (r *listenerRelay) MessageCreated(m *store.Message) {
	if l := r.get(); l != nil {
		l.MessageCreated(m)
	}
}

func (r *listenerRelay) PromptDetected(worktreeID string, tool cli.Tool, p *parser.PromptData) {
	if l := r.get(); l != nil {
		l.PromptDetected(worktreeID, tool, p)
	}
}

func (r *listenerRelay) StatusChanged(worktreeID string, tool cli.Tool, s poller.Status) {
	if l := r.get(); l != nil {
		l.StatusChanged(worktreeID, tool, s)
	}
}
