package handlers

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/billing"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const maxWebhookBytes = int64(1 << 20)

type subscriptionResponse struct {
	Subscription *models.Subscription `json:"subscription"`
	Active       bool                 `json:"active"`
	TrialActive  bool                 `json:"trialActive"`
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	sub, err := h.Billing.CurrentActive(r.Context(), uid)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	trial, err := h.Billing.IsTrialActive(r.Context(), uid)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, subscriptionResponse{
		Subscription: sub,
		Active:       billing.IsActive(sub, h.now()),
		TrialActive:  trial,
	})
}

func (h *Handler) StartTrial(w http.ResponseWriter, r *http.Request) {
	res, err := h.Billing.CreateTrial(r.Context(), userID(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

// LemonSqueezyWebhook verifies X-Signature, decodes and applies the event.
func (h *Handler) LemonSqueezyWebhook(w http.ResponseWriter, r *http.Request) {
	if h.LemonSqueezySecret == "" {
		writeError(w, http.StatusServiceUnavailable, "WEBHOOK_DISABLED", "lemon squeezy webhook not configured")
		return
	}
	body, ok := h.readWebhook(w, r)
	if !ok {
		return
	}
	if !billing.VerifySignature(h.LemonSqueezySecret, body, r.Header.Get("X-Signature")) {
		h.log.Warn("webhook signature rejected", zap.String("provider", billing.ProviderLemonSqueezy))
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid signature")
		return
	}
	ev, err := billing.DecodeLemonSqueezy(body)
	h.applyWebhook(w, r, billing.ProviderLemonSqueezy, ev, err)
}

// StripeWebhook verifies Stripe-Signature through stripe-go before applying.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.StripeSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "WEBHOOK_DISABLED", "stripe webhook not configured")
		return
	}
	body, ok := h.readWebhook(w, r)
	if !ok {
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "missing signature")
		return
	}
	ev, err := billing.DecodeStripe(body, sig, h.StripeSecret)
	h.applyWebhook(w, r, billing.ProviderStripe, ev, err)
}

func (h *Handler) readWebhook(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, models.CodeValidation, "failed to read request body")
		return nil, false
	}
	return body, true
}

// applyWebhook answers 2xx for everything the provider should not retry: applied,
// duplicate, ignored and unknown-order deliveries.
func (h *Handler) applyWebhook(w http.ResponseWriter, r *http.Request, provider string, ev billing.Event, decodeErr error) {
	log := h.log.With(zap.String("provider", provider))
	if errors.Is(decodeErr, billing.ErrUnsupportedEvent) {
		log.Info("webhook ignored", zap.Error(decodeErr))
		writeData(w, http.StatusOK, map[string]string{"outcome": string(billing.OutcomeIgnored)})
		return
	}
	if decodeErr != nil {
		log.Warn("webhook rejected", zap.Error(decodeErr))
		writeError(w, http.StatusBadRequest, models.CodeValidation, "malformed webhook payload")
		return
	}
	res, err := h.Billing.ApplyWebhookEvent(r.Context(), ev)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	log.Info("webhook applied",
		zap.String("event", string(ev.Kind)),
		zap.String("order", ev.OrderID),
		zap.String("outcome", string(res.Outcome)))
	writeData(w, http.StatusOK, map[string]any{
		"outcome":      res.Outcome,
		"wordsGranted": res.WordsGranted,
	})
}
