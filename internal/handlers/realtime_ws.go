package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/realtime"
)

// EventsWebSocket streams the signed-in user's post events.
func (h *Handler) EventsWebSocket() http.Handler {
	return h.Hub.Handler(userID)
}

// InternalEventsWebSocket is the proxy-facing variant: the user comes from the
// userId query and the caller must be loopback or present the internal secret.
//
// URL: /api/events/internal/ws?userId=...
func (h *Handler) InternalEventsWebSocket() http.Handler {
	ws := h.Hub.Handler(func(r *http.Request) string {
		return strings.TrimSpace(r.URL.Query().Get("userId"))
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !realtime.InternalAllowed(r, h.InternalWSSecret) {
			h.log.Warn("internal ws forbidden", zap.String("remote", r.RemoteAddr), zap.String("host", r.Host))
			writeError(w, http.StatusForbidden, "FORBIDDEN", "forbidden")
			return
		}
		ws.ServeHTTP(w, r)
	})
}
