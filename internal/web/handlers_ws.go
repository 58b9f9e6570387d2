package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/parser"
	"github.com/Kewton/commandmate/internal/poller"
	"github.com/Kewton/commandmate/internal/store"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard may be served from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
	feedSendBuffer   = 64
)

// feedEvent is one message on the /ws/feed stream.
type feedEvent struct {
	Type       string             `json:"type"`
	WorktreeID string             `json:"worktreeId,omitempty"`
	Tool       string             `json:"tool,omitempty"`
	Status     string             `json:"status,omitempty"`
	Message    *store.Message     `json:"message,omitempty"`
	Prompt     *parser.PromptData `json:"prompt,omitempty"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan feedEvent
}

// handleFeedWS streams poller events to the dashboard.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("feed upgrade failed", "error", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan feedEvent, feedSendBuffer)}
	s.feedMu.Lock()
	s.feedClients[client] = struct{}{}
	s.feedMu.Unlock()

	go s.feedWriter(client)
	s.feedReader(client)
}

func (s *Server) feedWriter(c *feedClient) {
	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(feedWriteTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// feedReader drains the connection until the client goes away, then
// unregisters it.
func (s *Server) feedReader(c *feedClient) {
	defer func() {
		s.feedMu.Lock()
		if _, ok := s.feedClients[c]; ok {
			delete(s.feedClients, c)
			close(c.send)
		}
		s.feedMu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast delivers an event to every feed client, dropping it for clients
// whose buffers are full rather than blocking the poller.
func (s *Server) broadcast(ev feedEvent) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for c := range s.feedClients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (s *Server) closeFeedClients() {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for c := range s.feedClients {
		delete(s.feedClients, c)
		close(c.send)
		c.conn.Close()
	}
}

// The server is the poller's listener: events fan out to websocket clients
// and, for prompts, to web push.

func (s *Server) MessageCreated(m *store.Message) {
	s.broadcast(feedEvent{
		Type:       "message",
		WorktreeID: m.WorktreeID,
		Tool:       string(m.Tool),
		Message:    m,
	})
}

func (s *Server) PromptDetected(worktreeID string, tool cli.Tool, p *parser.PromptData) {
	s.broadcast(feedEvent{
		Type:       "prompt",
		WorktreeID: worktreeID,
		Tool:       string(tool),
		Prompt:     p,
	})
	if s.push != nil {
		s.push.NotifyPrompt(worktreeID, tool)
	}
}

func (s *Server) StatusChanged(worktreeID string, tool cli.Tool, status poller.Status) {
	s.broadcast(feedEvent{
		Type:       "status",
		WorktreeID: worktreeID,
		Tool:       string(tool),
		Status:     string(status),
	})
}
