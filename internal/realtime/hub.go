// Package realtime fans post status changes out to a user's open websocket
// connections.
package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const (
	EventHello       = "hello"
	EventPostUpdated = "post.updated"
	sendTimeout      = 5 * time.Second
)

type Event struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	PostID string `json:"postId,omitempty"`
	Status string `json:"status,omitempty"`
	At     string `json:"at"`
}

type Hub struct {
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:   logger.OrNop(log).Named("realtime"),
		now:   time.Now,
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) add(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *Hub) remove(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

// Count reports the open connections for userID.
func (h *Hub) Count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// Emit sends ev to every connection of its user. Connections that fail the write
// are closed and dropped.
func (h *Hub) Emit(ev Event) {
	if h == nil || strings.TrimSpace(ev.UserID) == "" {
		return
	}
	if ev.At == "" {
		ev.At = h.now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[ev.UserID]))
	for c := range h.conns[ev.UserID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(sendTimeout))
		if err := websocket.Message.Send(c, string(b)); err != nil {
			_ = c.Close()
			h.remove(ev.UserID, c)
		}
	}
	h.log.Debug("emit",
		zap.String("user", ev.UserID),
		zap.String("type", ev.Type),
		zap.String("post", ev.PostID),
		zap.Int("subscribers", len(conns)))
}

// PostUpdated satisfies publishing.Notifier.
func (h *Hub) PostUpdated(userID, postID string, status models.PostStatus) {
	h.Emit(Event{Type: EventPostUpdated, UserID: userID, PostID: postID, Status: string(status)})
}

// Handler upgrades the request to a websocket bound to the user that userID
// resolves from it. Requests for which userID returns "" are refused.
func (h *Hub) Handler(userID func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(userID(r))
		if uid == "" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		// Origin is not checked here; the caller is authenticated before the upgrade.
		srv := websocket.Server{
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler:   func(c *websocket.Conn) { h.serve(uid, r.RemoteAddr, c) },
		}
		srv.ServeHTTP(w, r)
	})
}

func (h *Hub) serve(userID, remote string, c *websocket.Conn) {
	h.add(userID, c)
	defer h.remove(userID, c)
	h.log.Info("connect", zap.String("user", userID), zap.String("remote", remote))
	defer h.log.Info("disconnect", zap.String("user", userID), zap.String("remote", remote))

	hello, _ := json.Marshal(Event{Type: EventHello, UserID: userID, At: h.now().UTC().Format(time.RFC3339)})
	if err := websocket.Message.Send(c, string(hello)); err != nil {
		return
	}
	// Inbound frames are ignored; reading only detects the disconnect.
	for {
		var ignored string
		if err := websocket.Message.Receive(c, &ignored); err != nil {
			return
		}
	}
}

// InternalAllowed admits loopback callers, and others only with the shared secret
// in X-Internal-WS-Secret.
func InternalAllowed(r *http.Request, secret string) bool {
	if isLoopback(r.RemoteAddr) {
		return true
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-WS-Secret")) == secret
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
