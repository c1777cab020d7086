// Package billing owns the subscription lifecycle: trials, lazy expiry, gating and
// the webhook-driven transitions coming from the payment providers.
package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/metrics"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const (
	DefaultTrialDuration  = 5 * 24 * time.Hour
	DefaultTrialWordLimit = 3000
)

// Store is the persistence the service needs; *store.Store implements it.
type Store interface {
	CurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	HasAnySubscription(ctx context.Context, userID string) (bool, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	MarkSubscriptionExpired(ctx context.Context, id string) (bool, error)
	UpsertSubscriptionByOrder(ctx context.Context, sub *models.Subscription, subscribed bool) (bool, error)
	UpdateSubscriptionByOrder(ctx context.Context, orderID string, status models.SubscriptionStatus, endDate *time.Time) (*models.Subscription, error)
	CancelSubscriptionByOrder(ctx context.Context, orderID string) (*models.Subscription, error)
	HasBillingEvent(ctx context.Context, eventID string) (bool, error)
	RecordBillingEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error)
	GetPlanByVariant(ctx context.Context, variantID string) (*models.BillingPlan, error)
}

// WordGranter seeds or refreshes a user's word allowance; *usage.Service implements it.
type WordGranter interface {
	ResetWithGrant(ctx context.Context, userID string, newLimit int, newExpiration time.Time, grant models.TokenLogType, description string) (*models.AIWordUsage, error)
}

type Service struct {
	store          Store
	words          WordGranter
	log            *zap.Logger
	metrics        metrics.Recorder
	now            func() time.Time
	trialDuration  time.Duration
	trialWordLimit int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m metrics.Recorder) Option { return func(s *Service) { s.metrics = m } }

// WithTrial overrides the trial length and word allowance. Non-positive values keep
// the defaults.
func WithTrial(d time.Duration, words int) Option {
	return func(s *Service) {
		if d > 0 {
			s.trialDuration = d
		}
		if words > 0 {
			s.trialWordLimit = words
		}
	}
}

func New(st Store, words WordGranter, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:          st,
		words:          words,
		log:            logger.OrNop(log).Named("billing"),
		metrics:        metrics.Nop,
		now:            time.Now,
		trialDuration:  DefaultTrialDuration,
		trialWordLimit: DefaultTrialWordLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current returns the user's most recent subscription as stored, or nil.
func (s *Service) Current(ctx context.Context, userID string) (*models.Subscription, error) {
	return s.store.CurrentSubscription(ctx, userID)
}

// IsActive reports whether sub is a paid subscription still inside its period.
func IsActive(sub *models.Subscription, now time.Time) bool {
	return sub != nil && sub.Status == models.SubscriptionActive && sub.EndDate.After(now)
}

func isTrialActive(sub *models.Subscription, now time.Time) bool {
	return sub != nil && sub.Status == models.SubscriptionTrial && sub.EndDate.After(now)
}

// CurrentActive loads the current subscription and expires it in place when its
// period has lapsed, returning the corrected record.
func (s *Service) CurrentActive(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := s.store.CurrentSubscription(ctx, userID)
	if err != nil || sub == nil {
		return sub, err
	}
	now := s.now()
	lapsed := (sub.Status == models.SubscriptionActive || sub.Status == models.SubscriptionTrial) && !sub.EndDate.After(now)
	if !lapsed {
		return sub, nil
	}
	if _, err := s.store.MarkSubscriptionExpired(ctx, sub.ID); err != nil {
		return nil, err
	}
	s.log.Info("lazy expiry", zap.String("user", userID), zap.String("subscription", sub.ID),
		zap.String("from", string(sub.Status)), zap.Time("end", sub.EndDate))
	sub.Status = models.SubscriptionExpired
	return sub, nil
}

func (s *Service) IsTrialActive(ctx context.Context, userID string) (bool, error) {
	sub, err := s.CurrentActive(ctx, userID)
	if err != nil {
		return false, err
	}
	return isTrialActive(sub, s.now()), nil
}

// Allowed is the gate for subscriber-only features: a running trial or an active
// paid subscription.
func (s *Service) Allowed(ctx context.Context, userID string) (bool, error) {
	sub, err := s.CurrentActive(ctx, userID)
	if err != nil {
		return false, err
	}
	now := s.now()
	return isTrialActive(sub, now) || IsActive(sub, now), nil
}

type TrialResult struct {
	Subscription *models.Subscription
	// UsageSeeded is false when the subscription was created but the word allowance
	// could not be written. The trial still stands.
	UsageSeeded bool
}

// CreateTrial starts the one-time trial and seeds the trial word allowance.
func (s *Service) CreateTrial(ctx context.Context, userID string) (*TrialResult, error) {
	had, err := s.store.HasAnySubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if had {
		return nil, models.NewStateConflictError("trial already used")
	}

	now := s.now().UTC()
	sub := &models.Subscription{
		UserID:    userID,
		Status:    models.SubscriptionTrial,
		Currency:  "USD",
		StartDate: now,
		EndDate:   now.Add(s.trialDuration),
		TrialUsed: true,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	res := &TrialResult{Subscription: sub}

	if s.words == nil {
		s.log.Warn("trial words not seeded: no granter", zap.String("user", userID))
		return res, nil
	}
	_, err = s.words.ResetWithGrant(ctx, userID, s.trialWordLimit, sub.EndDate, models.TokenLogTrial,
		fmt.Sprintf("trial allowance of %d words", s.trialWordLimit))
	if err != nil {
		s.log.Error("trial words not seeded", zap.String("user", userID), zap.Error(err))
		return res, nil
	}
	res.UsageSeeded = true
	s.log.Info("trial created", zap.String("user", userID), zap.Time("end", sub.EndDate), zap.Int("words", s.trialWordLimit))
	return res, nil
}

// EnsureTrialOnLogin starts a trial for a user who never had any subscription.
// It returns nil when nothing was created.
func (s *Service) EnsureTrialOnLogin(ctx context.Context, userID string) (*TrialResult, error) {
	had, err := s.store.HasAnySubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if had {
		return nil, nil
	}
	res, err := s.CreateTrial(ctx, userID)
	if models.IsKind(err, models.KindStateConflict) {
		// lost a race with a concurrent login
		return nil, nil
	}
	return res, err
}

// MonthsForInterval maps a billing interval to whole months. Unknown intervals map to 0.
func MonthsForInterval(interval string) int {
	switch interval {
	case "month", "monthly":
		return 1
	case "quarter", "quarterly":
		return 3
	case "year", "yearly", "annual":
		return 12
	default:
		return 0
	}
}
