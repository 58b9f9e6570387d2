package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kewton/commandmate/internal/cli"
)

// handleTerminalWS attaches a browser terminal to a tmux session at
// /ws/terminal/{session}. Output flows as binary frames; control messages
// are JSON text frames.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	session := strings.TrimPrefix(r.URL.Path, "/ws/terminal/")
	if err := cli.ValidateSessionName(session); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SESSION_NAME", "invalid session name")
		return
	}
	if !s.deps.Terminal.HasSession(r.Context(), session) {
		writeAPIError(w, http.StatusNotFound, "NO_SESSION", "no active session")
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("terminal upgrade failed", "session", session, "error", err)
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	bridge, err := newPTYBridge(session, writer)
	if err != nil {
		s.log.Error("terminal bridge failed", "session", session, "error", err)
		_ = writer.WriteJSON(termServerMessage{
			Type: "error", Code: "BRIDGE_FAILED", Message: "failed to attach terminal",
		})
		return
	}
	defer bridge.Close()

	_ = writer.WriteJSON(termServerMessage{
		Type: "status", Event: "connected", Session: session, Time: time.Now().UTC(),
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg termClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writer.WriteJSON(termServerMessage{
				Type: "error", Code: "BAD_MESSAGE", Message: "invalid message",
			})
			continue
		}

		switch msg.Type {
		case "input":
			if s.cfg.ReadOnly {
				_ = writer.WriteJSON(termServerMessage{
					Type: "error", Code: "READ_ONLY", Message: "server is in read-only mode",
				})
				continue
			}
			if err := bridge.WriteInput(msg.Data); err != nil {
				return
			}
		case "resize":
			if err := bridge.Resize(msg.Cols, msg.Rows); err != nil {
				_ = writer.WriteJSON(termServerMessage{
					Type: "error", Code: "RESIZE_FAILED", Message: err.Error(),
				})
			}
		case "ping":
			_ = writer.WriteJSON(termServerMessage{Type: "status", Event: "pong", Time: time.Now().UTC()})
		}
	}
}
