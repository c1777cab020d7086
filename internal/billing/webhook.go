package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const (
	ProviderLemonSqueezy = "lemonsqueezy"
	ProviderStripe       = "stripe"
)

type EventKind string

const (
	EventOrderCreated          EventKind = "order_created"
	EventSubscriptionCreated   EventKind = "subscription_created"
	EventSubscriptionUpdated   EventKind = "subscription_updated"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
)

// ErrUnsupportedEvent is returned by the decoders for deliveries we do not act on.
// Handlers acknowledge them so the provider stops retrying.
var ErrUnsupportedEvent = errors.New("unsupported billing event")

// Event is the provider-neutral form of a billing webhook.
type Event struct {
	Provider string
	ID       string
	Kind     EventKind
	UserID   string
	OrderID  string
	// Status is the provider's own status string; Paid is its interpretation.
	Status        string
	Paid          bool
	ProductName   string
	VariantName   string
	VariantID     string
	Amount        int64
	Currency      string
	Interval      string
	IntervalCount int
	StartsAt      time.Time
	EndsAt        *time.Time
	Raw           []byte
}

// VerifySignature checks a hex HMAC-SHA256 of body under secret in constant time.
func VerifySignature(secret string, body []byte, signatureHex string) bool {
	if secret == "" || signatureHex == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type lsPayload struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		WebhookID  string         `json:"webhook_id"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
	Included []lsResource `json:"included"`
}

type lsResource struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type lsOrderAttributes struct {
	Status         string `json:"status"`
	Total          int64  `json:"total"`
	Currency       string `json:"currency"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	FirstOrderItem *struct {
		ProductID   json.Number `json:"product_id"`
		VariantID   json.Number `json:"variant_id"`
		ProductName string      `json:"product_name"`
		VariantName string      `json:"variant_name"`
		Price       int64       `json:"price"`
	} `json:"first_order_item"`
}

type lsSubscriptionAttributes struct {
	OrderID     json.Number `json:"order_id"`
	ProductID   json.Number `json:"product_id"`
	VariantID   json.Number `json:"variant_id"`
	ProductName string      `json:"product_name"`
	VariantName string      `json:"variant_name"`
	Status      string      `json:"status"`
	RenewsAt    *string     `json:"renews_at"`
	EndsAt      *string     `json:"ends_at"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

type lsVariantAttributes struct {
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
}

// DecodeLemonSqueezy turns a Lemon Squeezy webhook body into an Event. The body's
// signature must already have been verified.
func DecodeLemonSqueezy(body []byte) (Event, error) {
	var p lsPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Event{}, fmt.Errorf("decode lemonsqueezy payload: %w", err)
	}
	if p.Meta.EventName == "" {
		return Event{}, fmt.Errorf("decode lemonsqueezy payload: missing meta.event_name")
	}
	kind := EventKind(p.Meta.EventName)
	switch kind {
	case EventOrderCreated, EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCancelled:
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, p.Meta.EventName)
	}
	if len(p.Data.Attributes) == 0 {
		return Event{}, fmt.Errorf("decode lemonsqueezy payload: missing data.attributes")
	}

	ev := Event{
		Provider: ProviderLemonSqueezy,
		Kind:     kind,
		UserID:   customString(p.Meta.CustomData, "user_id"),
		Raw:      body,
	}

	var updatedAt string
	if kind == EventOrderCreated {
		var a lsOrderAttributes
		if err := json.Unmarshal(p.Data.Attributes, &a); err != nil {
			return Event{}, fmt.Errorf("decode order attributes: %w", err)
		}
		ev.OrderID = p.Data.ID
		ev.Status = a.Status
		ev.Paid = a.Status == "paid"
		ev.Amount = a.Total
		ev.Currency = strings.ToUpper(a.Currency)
		ev.StartsAt = parseLSTime(a.CreatedAt)
		if item := a.FirstOrderItem; item != nil {
			ev.ProductName = item.ProductName
			ev.VariantName = item.VariantName
			ev.VariantID = item.VariantID.String()
		}
		updatedAt = a.UpdatedAt
	} else {
		var a lsSubscriptionAttributes
		if err := json.Unmarshal(p.Data.Attributes, &a); err != nil {
			return Event{}, fmt.Errorf("decode subscription attributes: %w", err)
		}
		ev.OrderID = a.OrderID.String()
		ev.Status = a.Status
		ev.Paid = a.Status == "active" || a.Status == "on_trial"
		ev.ProductName = a.ProductName
		ev.VariantName = a.VariantName
		ev.VariantID = a.VariantID.String()
		ev.StartsAt = parseLSTime(a.CreatedAt)
		if a.EndsAt != nil {
			ev.EndsAt = timePtr(parseLSTime(*a.EndsAt))
		} else if a.RenewsAt != nil {
			ev.EndsAt = timePtr(parseLSTime(*a.RenewsAt))
		}
		updatedAt = a.UpdatedAt
	}
	if ev.OrderID == "" {
		return Event{}, fmt.Errorf("decode lemonsqueezy payload: missing order id")
	}

	if v := findIncluded(p.Included, "variants", ev.VariantID); v != nil {
		var va lsVariantAttributes
		if err := json.Unmarshal(v.Attributes, &va); err == nil {
			ev.Interval = va.Interval
			ev.IntervalCount = va.IntervalCount
			if ev.VariantName == "" {
				ev.VariantName = va.Name
			}
			if ev.Amount == 0 {
				ev.Amount = va.Price
			}
		}
	}
	if ev.ProductName == "" {
		if pr := findIncluded(p.Included, "products", ""); pr != nil {
			var pa struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(pr.Attributes, &pa); err == nil {
				ev.ProductName = pa.Name
			}
		}
	}
	if ev.Currency == "" {
		ev.Currency = "USD"
	}
	ev.ID = fmt.Sprintf("%s:%s:%s:%s", p.Meta.EventName, p.Data.Type, p.Data.ID, updatedAt)
	return ev, nil
}

func findIncluded(included []lsResource, typ, id string) *lsResource {
	for i := range included {
		if included[i].Type == typ && (id == "" || included[i].ID == id) {
			return &included[i]
		}
	}
	return nil
}

func customString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func parseLSTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// DecodeStripe verifies the Stripe-Signature header and maps customer.subscription.*
// events onto the same Event kinds as Lemon Squeezy. The subscription id plays the
// role of the order id and the user comes from metadata.user_id.
func DecodeStripe(body []byte, sigHeader, secret string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("verify stripe event: %w", err)
	}

	var kind EventKind
	switch string(event.Type) {
	case "customer.subscription.created":
		kind = EventSubscriptionCreated
	case "customer.subscription.updated":
		kind = EventSubscriptionUpdated
	case "customer.subscription.deleted":
		kind = EventSubscriptionCancelled
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}
	if event.Data == nil {
		return Event{}, fmt.Errorf("stripe event %s has no data", event.ID)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return Event{}, fmt.Errorf("decode stripe subscription: %w", err)
	}

	ev := Event{
		Provider: ProviderStripe,
		ID:       event.ID,
		Kind:     kind,
		UserID:   sub.Metadata["user_id"],
		OrderID:  sub.ID,
		Status:   string(sub.Status),
		Paid:     sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing,
		Currency: "USD",
		Raw:      body,
	}
	if sub.CurrentPeriodStart > 0 {
		ev.StartsAt = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		ev.EndsAt = timePtr(time.Unix(sub.CurrentPeriodEnd, 0).UTC())
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		ev.VariantID = price.ID
		ev.VariantName = price.Nickname
		ev.Amount = price.UnitAmount
		if price.Currency != "" {
			ev.Currency = strings.ToUpper(string(price.Currency))
		}
		if price.Product != nil {
			ev.ProductName = price.Product.Name
		}
		if price.Recurring != nil {
			ev.Interval = string(price.Recurring.Interval)
			ev.IntervalCount = int(price.Recurring.IntervalCount)
		}
	}
	if ev.OrderID == "" {
		return Event{}, fmt.Errorf("stripe event %s has no subscription id", event.ID)
	}
	return ev, nil
}

// fallbackGrantMonths is how long purchased words last when neither the event nor the
// plan carries a known interval.
const fallbackGrantMonths = 1

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeIgnored   Outcome = "ignored"
)

type Result struct {
	Outcome      Outcome
	Subscription *models.Subscription
	WordsGranted int
}

// ApplyWebhookEvent performs the subscription transition an event describes. It is
// idempotent: a delivery already applied is skipped, and writes are keyed by order id.
// An order we have never seen yields OutcomeNotFound rather than an error.
func (s *Service) ApplyWebhookEvent(ctx context.Context, ev Event) (Result, error) {
	res, err := s.applyWebhookEvent(ctx, ev)
	label := string(res.Outcome)
	if err != nil {
		label = "error"
	}
	s.metrics.RecordWebhookEvent(ev.Provider, string(ev.Kind), label)
	return res, err
}

func (s *Service) applyWebhookEvent(ctx context.Context, ev Event) (Result, error) {
	log := s.log.With(zap.String("provider", ev.Provider), zap.String("event", string(ev.Kind)), zap.String("order", ev.OrderID))

	if ev.ID != "" {
		seen, err := s.store.HasBillingEvent(ctx, ev.ID)
		if err != nil {
			return Result{}, err
		}
		if seen {
			log.Info("duplicate delivery", zap.String("event_id", ev.ID))
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	res, err := s.applyEventKind(ctx, ev, log)
	if err != nil || ev.ID == "" {
		return res, err
	}
	// Recorded only once applied, so a failed delivery stays retryable. Writes are keyed
	// by order id, so a retry after a lost record converges on the same state.
	if _, err := s.store.RecordBillingEvent(ctx, ev.Provider, ev.ID, string(ev.Kind), rawJSON(ev.Raw)); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) applyEventKind(ctx context.Context, ev Event, log *zap.Logger) (Result, error) {
	switch ev.Kind {
	case EventOrderCreated, EventSubscriptionCreated:
		return s.applyCreated(ctx, ev, log)

	case EventSubscriptionUpdated:
		status := statusFromProvider(ev.Status, ev.Paid)
		sub, err := s.store.UpdateSubscriptionByOrder(ctx, ev.OrderID, status, ev.EndsAt)
		if err != nil {
			return Result{}, err
		}
		if sub == nil {
			log.Warn("update for unknown order")
			return Result{Outcome: OutcomeNotFound}, nil
		}
		log.Info("subscription updated", zap.String("user", sub.UserID), zap.String("status", string(sub.Status)))
		return Result{Outcome: OutcomeApplied, Subscription: sub}, nil

	case EventSubscriptionCancelled:
		sub, err := s.store.CancelSubscriptionByOrder(ctx, ev.OrderID)
		if err != nil {
			return Result{}, err
		}
		if sub == nil {
			log.Warn("cancel for unknown order")
			return Result{Outcome: OutcomeNotFound}, nil
		}
		log.Info("subscription cancelled", zap.String("user", sub.UserID))
		return Result{Outcome: OutcomeApplied, Subscription: sub}, nil
	}

	log.Warn("event ignored")
	return Result{Outcome: OutcomeIgnored}, nil
}

func (s *Service) applyCreated(ctx context.Context, ev Event, log *zap.Logger) (Result, error) {
	if ev.UserID == "" {
		return Result{}, models.NewValidationError(models.CodeValidation, "user_id", "billing event carries no user id")
	}
	start := ev.StartsAt
	if start.IsZero() {
		start = s.now().UTC()
	}
	months := MonthsForInterval(ev.Interval)
	if months == 0 && ev.Interval != "" {
		log.Warn("unknown billing interval", zap.String("interval", ev.Interval))
	}
	if ev.IntervalCount > 1 {
		months *= ev.IntervalCount
	}
	end := start.AddDate(0, months, 0)
	if ev.EndsAt != nil && months == 0 {
		end = *ev.EndsAt
	}

	status := models.SubscriptionPending
	if ev.Paid {
		status = models.SubscriptionActive
	}
	orderID := ev.OrderID
	sub := &models.Subscription{
		UserID:      ev.UserID,
		OrderID:     &orderID,
		Status:      status,
		ProductName: optString(ev.ProductName),
		VariantName: optString(ev.VariantName),
		Amount:      ev.Amount,
		Currency:    ev.Currency,
		StartDate:   start,
		EndDate:     end,
	}
	created, err := s.store.UpsertSubscriptionByOrder(ctx, sub, true)
	if err != nil {
		return Result{}, err
	}
	res := Result{Outcome: OutcomeApplied, Subscription: sub}
	log.Info("subscription upserted", zap.String("user", sub.UserID), zap.String("status", string(sub.Status)),
		zap.Time("end", sub.EndDate), zap.Bool("created", created))

	if !created || !ev.Paid || ev.VariantID == "" || s.words == nil {
		return res, nil
	}
	plan, err := s.store.GetPlanByVariant(ctx, ev.VariantID)
	if err != nil {
		log.Error("plan lookup failed", zap.String("variant", ev.VariantID), zap.Error(err))
		return res, nil
	}
	if plan == nil || plan.WordLimit <= 0 {
		return res, nil
	}
	expires := sub.EndDate
	if !expires.After(start) {
		// no usable subscription period; the words last for the plan's own period
		months := MonthsForInterval(plan.Interval)
		if months == 0 {
			months = fallbackGrantMonths
		}
		expires = start.AddDate(0, months, 0)
		log.Warn("subscription has no period, using plan period for words",
			zap.String("variant", ev.VariantID), zap.Time("expires", expires))
	}
	if _, err := s.words.ResetWithGrant(ctx, sub.UserID, plan.WordLimit, expires, models.TokenLogPurchase,
		fmt.Sprintf("%s: %d words", plan.Name, plan.WordLimit)); err != nil {
		log.Error("purchase words not granted", zap.String("user", sub.UserID), zap.Error(err))
		return res, nil
	}
	res.WordsGranted = plan.WordLimit
	return res, nil
}

// statusFromProvider folds provider statuses onto ours.
func statusFromProvider(status string, paid bool) models.SubscriptionStatus {
	switch status {
	case "cancelled", "canceled":
		return models.SubscriptionCancelled
	case "expired", "incomplete_expired":
		return models.SubscriptionExpired
	}
	if paid {
		return models.SubscriptionActive
	}
	return models.SubscriptionPending
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawJSON(b []byte) []byte {
	if len(b) == 0 || !json.Valid(b) {
		return []byte("{}")
	}
	return b
}
