package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/Kewton/commandmate/internal/cli"
	"github.com/Kewton/commandmate/internal/logging"
	"github.com/Kewton/commandmate/internal/store"
)

var errPushNotConfigured = errors.New("push notifications are not configured")

// pushService delivers web-push notifications when a session is stuck on an
// interactive prompt. Subscriptions live in the database alongside the rest
// of the dashboard state.
type pushService struct {
	store      Store
	publicKey  string
	privateKey string
	subject    string
	log        *slog.Logger
}

func newPushService(cfg Config, st Store) (*pushService, error) {
	if cfg.PushVAPIDPublicKey == "" || cfg.PushVAPIDPrivateKey == "" {
		return nil, errPushNotConfigured
	}
	subject := strings.TrimSpace(cfg.PushVAPIDSubject)
	if subject == "" {
		subject = "mailto:admin@localhost"
	}
	return &pushService{
		store:      st,
		publicKey:  cfg.PushVAPIDPublicKey,
		privateKey: cfg.PushVAPIDPrivateKey,
		subject:    subject,
		log:        logging.ForComponent(logging.CompPush),
	}, nil
}

type pushPayload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	WorktreeID string `json:"worktreeId"`
	Tool       string `json:"tool"`
}

// NotifyPrompt fans a prompt-waiting notification out to every subscriber.
// Delivery runs in the background; expired subscriptions are pruned on 404
// and 410 responses.
func (p *pushService) NotifyPrompt(worktreeID string, tool cli.Tool) {
	go func() {
		subs, err := p.store.ListPushSubscriptions()
		if err != nil {
			p.log.Warn("list push subscriptions failed", "error", err)
			return
		}
		if len(subs) == 0 {
			return
		}

		payload, err := json.Marshal(pushPayload{
			Title:      "Input needed",
			Body:       fmt.Sprintf("%s is waiting for a prompt answer", tool),
			WorktreeID: worktreeID,
			Tool:       string(tool),
		})
		if err != nil {
			return
		}

		for _, sub := range subs {
			p.send(sub, payload)
		}
	}()
}

func (p *pushService) send(sub store.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.subject,
		VAPIDPublicKey:  p.publicKey,
		VAPIDPrivateKey: p.privateKey,
		TTL:             60,
	})
	if err != nil {
		p.log.Warn("push send failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := p.store.DeletePushSubscription(sub.Endpoint); err != nil {
			p.log.Warn("prune push subscription failed", "error", err)
		}
	}
}

// handlePushConfig exposes the public key browsers need to subscribe.
func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.push == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   true,
		"publicKey": s.push.publicKey,
	})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}

	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		strings.TrimSpace(req.Endpoint) == "" ||
		strings.TrimSpace(req.Keys.P256dh) == "" ||
		strings.TrimSpace(req.Keys.Auth) == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}

	if err := s.deps.Store.SavePushSubscription(store.PushSubscription{
		Endpoint: strings.TrimSpace(req.Endpoint),
		P256dh:   strings.TrimSpace(req.Keys.P256dh),
		Auth:     strings.TrimSpace(req.Keys.Auth),
	}); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.deps.Store.DeletePushSubscription(strings.TrimSpace(req.Endpoint)); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
