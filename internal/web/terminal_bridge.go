package web

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

// wsConnWriter serializes writes to one websocket connection.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// termServerMessage is the control channel of a terminal websocket; raw
// pane bytes travel as binary frames alongside it.
type termServerMessage struct {
	Type    string    `json:"type"` // status, error
	Event   string    `json:"event,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Session string    `json:"session,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

type termClientMessage struct {
	Type string `json:"type"` // input, resize, ping
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// ptyBridge attaches to a tmux session through a local pty and streams its
// output to a websocket as binary frames.
type ptyBridge struct {
	session string
	writer  *wsConnWriter

	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	done      chan struct{}
}

func newPTYBridge(session string, writer *wsConnWriter) (*ptyBridge, error) {
	// The attach keeps ignore-size so a web client never resizes the
	// window under a locally attached user.
	cmd := exec.Command("tmux", "attach-session", "-f", "ignore-size", "-t", "="+session)
	cmd.Env = environWithoutTMUX(os.Environ())

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start tmux pty: %w", err)
	}

	b := &ptyBridge{
		session: session,
		writer:  writer,
		cmd:     cmd,
		ptmx:    ptmx,
		done:    make(chan struct{}),
	}
	go b.streamOutput()
	return b, nil
}

func (b *ptyBridge) streamOutput() {
	defer close(b.done)

	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if writeErr := b.writer.WriteBinary(chunk); writeErr != nil {
				b.Close()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = b.writer.WriteJSON(termServerMessage{
					Type:    "status",
					Event:   "session_closed",
					Session: b.session,
					Time:    time.Now().UTC(),
				})
			}
			b.Close()
			return
		}
	}
}

func (b *ptyBridge) WriteInput(data string) error {
	if b == nil || b.ptmx == nil {
		return fmt.Errorf("bridge not initialized")
	}
	if data == "" {
		return nil
	}
	_, err := b.ptmx.Write([]byte(data))
	return err
}

func (b *ptyBridge) Resize(cols, rows int) error {
	if b == nil || b.ptmx == nil {
		return fmt.Errorf("bridge not initialized")
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (b *ptyBridge) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		if b.ptmx != nil {
			_ = b.ptmx.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			pgid, err := syscall.Getpgid(b.cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			} else {
				_ = b.cmd.Process.Kill()
			}
		}
		if b.cmd != nil {
			_ = b.cmd.Wait()
		}
	})
}

// environWithoutTMUX strips the TMUX variable so the attach child does not
// refuse to nest.
func environWithoutTMUX(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "TMUX=" {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}
