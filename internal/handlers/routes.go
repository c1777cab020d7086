package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	mw "github.com/PortNumber53/linkedin-studio/internal/middleware"
)

// Register mounts every API route on r, each behind the capability it needs.
func (h *Handler) Register(r *mux.Router) {
	gate := h.Gate
	if gate == nil {
		gate = &mw.Gate{}
	}
	route := func(path string, c mw.Capability, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, gate.Require(c, fn)).Methods(methods...)
	}

	route("/health", mw.Public, h.Health, http.MethodGet)

	route("/api/users/sync", mw.Authenticated, h.SyncUser, http.MethodPost)

	route("/api/subscription", mw.Authenticated, h.GetSubscription, http.MethodGet)
	route("/api/subscription/trial", mw.Authenticated, h.StartTrial, http.MethodPost)
	route("/api/webhooks/lemonsqueezy", mw.Public, h.LemonSqueezyWebhook, http.MethodPost)
	route("/api/webhooks/stripe", mw.Public, h.StripeWebhook, http.MethodPost)

	route("/api/usage", mw.Authenticated, h.UsageSummary, http.MethodGet)
	route("/api/usage/ledger", mw.Authenticated, h.UsageLedger, http.MethodGet)
	route("/api/generate", mw.Subscribed, h.Generate, http.MethodPost)

	route("/api/posts", mw.Subscribed, h.SaveDraft, http.MethodPost)
	route("/api/posts/{id}", mw.Authenticated, h.GetPost, http.MethodGet)
	route("/api/posts/{id}", mw.Subscribed, h.SaveDraft, http.MethodPut)
	route("/api/posts/{id}/schedule", mw.Subscribed, h.SchedulePost, http.MethodPost)
	route("/api/posts/{id}/publish", mw.Subscribed, h.PublishPost, http.MethodPost)

	route("/api/linkedin/connect", mw.Authenticated, h.ConnectLinkedIn, http.MethodGet)
	route("/api/linkedin/callback", mw.Public, h.LinkedInCallback, http.MethodGet)
	route("/api/linkedin/profiles", mw.Authenticated, h.ListProfiles, http.MethodGet)
	route("/api/linkedin/profiles/{id}/default", mw.Authenticated, h.SetDefaultProfile, http.MethodPut)

	route("/api/admin/users/{userId}/credits", mw.Admin, h.CreditWords, http.MethodPost)
	route("/api/admin/scheduler/sweep", mw.Admin, h.RunSweep, http.MethodPost)

	if h.Hub != nil {
		r.Handle("/api/events/ws", gate.Require(mw.Authenticated, h.EventsWebSocket())).Methods(http.MethodGet)
		r.Handle("/api/events/internal/ws", h.InternalEventsWebSocket()).Methods(http.MethodGet)
	}
}
