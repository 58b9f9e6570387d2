package poller

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/logging"
)

// hookDebounce coalesces the create+write event pairs some editors and
// shells produce for a single touch.
const hookDebounce = 100 * time.Millisecond

// HookWatcher turns filesystem completion markers into finalize calls. CLI
// tools are configured with a stop hook that touches
// {dir}/{worktreeID}.{tool}.done; the watcher reacts without waiting for
// the next polling tick.
type HookWatcher struct {
	dir    string
	poller *Poller
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewHookWatcher(dir string, p *Poller) (*HookWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &HookWatcher{
		dir:     dir,
		poller:  p,
		log:     logging.ForComponent(logging.CompHooks),
		pending: make(map[string]*time.Timer),
		watcher: w,
	}, nil
}

// Start begins consuming events until Stop is called.
func (h *HookWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-h.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					h.schedule(ctx, ev.Name)
				}
			case err, ok := <-h.watcher.Errors:
				if !ok {
					return
				}
				h.log.Warn("hook watcher error", "error", err)
			}
		}
	}()
}

// Stop shuts the watcher down and waits for in-flight handlers.
func (h *HookWatcher) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.watcher.Close()

	h.mu.Lock()
	for name, t := range h.pending {
		t.Stop()
		delete(h.pending, name)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// schedule debounces per marker file, then handles it once.
func (h *HookWatcher) schedule(ctx context.Context, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.pending[path]; ok {
		t.Reset(hookDebounce)
		return
	}
	h.pending[path] = time.AfterFunc(hookDebounce, func() {
		h.mu.Lock()
		delete(h.pending, path)
		h.mu.Unlock()
		h.handle(ctx, path)
	})
}

func (h *HookWatcher) handle(ctx context.Context, path string) {
	worktreeID, tool, ok := ParseHookMarker(filepath.Base(path))
	if !ok {
		return
	}
	defer os.Remove(path)

	h.log.Info("completion hook fired", "worktree", worktreeID, "tool", string(tool))

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := h.poller.FinalizeNow(ctx, worktreeID, tool); err != nil {
		h.log.Warn("hook finalize failed",
			"worktree", worktreeID, "tool", string(tool), "error", err)
		return
	}
	// The turn is complete; any interval loop for this key can wind down.
	h.poller.StopPolling(worktreeID, tool)
}

// ParseHookMarker decodes a {worktreeID}.{tool}.done file name. Anything
// else in the directory is ignored.
func ParseHookMarker(name string) (string, cli.Tool, bool) {
	if !strings.HasSuffix(name, ".done") {
		return "", "", false
	}
	trimmed := strings.TrimSuffix(name, ".done")
	i := strings.LastIndex(trimmed, ".")
	if i <= 0 || i == len(trimmed)-1 {
		return "", "", false
	}
	tool, err := cli.Parse(trimmed[i+1:])
	if err != nil {
		return "", "", false
	}
	return trimmed[:i], tool, true
}
