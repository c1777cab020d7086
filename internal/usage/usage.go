// Package usage meters AI word generation against each user's quota and keeps the
// append-only word ledger.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/metrics"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/store"
)

// Reason explains why an availability check was denied.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNoUsageRecord       Reason = "NoUsageRecord"
	ReasonExpired             Reason = "Expired"
	ReasonInsufficientBalance Reason = "InsufficientBalance"
)

type Availability struct {
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
}

// Store is the persistence the service needs; *store.Store implements it.
type Store interface {
	GetUsage(ctx context.Context, userID string) (*models.AIWordUsage, error)
	DeductWords(ctx context.Context, userID string, n int, now time.Time, description string) (*models.AIWordUsage, bool, error)
	CreditWords(ctx context.Context, userID string, amount int, typ models.TokenLogType, description string) (*models.AIWordUsage, error)
	ResetUsage(ctx context.Context, p store.ResetParams) (*models.AIWordUsage, int, error)
	ListTokenLogs(ctx context.Context, userID string, limit int) ([]models.WordTokenLog, error)
}

type Service struct {
	store   Store
	log     *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m metrics.Recorder) Option { return func(s *Service) { s.metrics = m } }

func New(st Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		log:     logger.OrNop(log).Named("usage"),
		metrics: metrics.Nop,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CountWords counts whitespace-separated tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// CheckAvailability reports whether requested words can be charged right now. It never
// mutates state. Remaining and Total are filled in even when the answer is no.
func (s *Service) CheckAvailability(ctx context.Context, userID string, requested int) (Availability, error) {
	u, err := s.store.GetUsage(ctx, userID)
	if err != nil {
		return Availability{}, err
	}
	return evaluate(u, requested, s.now()), nil
}

func evaluate(u *models.AIWordUsage, requested int, now time.Time) Availability {
	if u == nil {
		return Availability{Reason: ReasonNoUsageRecord}
	}
	a := Availability{Remaining: u.Remaining(), Total: u.TotalWordLimit}
	switch {
	case u.ExpirationTime.Before(now):
		a.Reason = ReasonExpired
	case requested > a.Remaining:
		a.Reason = ReasonInsufficientBalance
	default:
		a.Allowed = true
	}
	return a
}

// Deduct charges words against the user's balance. The check and the increment are a
// single conditional write, so concurrent deductions can never overdraw the quota.
// A refusal is returned as a TokenUnavailable error carrying the denial reason.
func (s *Service) Deduct(ctx context.Context, userID string, words int, description string) (*models.AIWordUsage, error) {
	if words <= 0 {
		return nil, models.NewValidationError(models.CodeValidation, "words", "words must be positive")
	}
	now := s.now()
	if description == "" {
		description = fmt.Sprintf("%d words generated", words)
	}
	u, ok, err := s.store.DeductWords(ctx, userID, words, now, description)
	if err != nil {
		return nil, err
	}
	if ok {
		s.metrics.RecordWordsDeducted(words)
		s.log.Debug("deducted", zap.String("user", userID), zap.Int("words", words), zap.Int("remaining", u.Remaining()))
		return u, nil
	}

	// Nothing was charged; re-read to tell the caller why.
	cur, err := s.store.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	a := evaluate(cur, words, now)
	if a.Allowed {
		// balance moved between the write and the re-read
		a.Reason = ReasonInsufficientBalance
	}
	s.metrics.RecordWordsDenied(string(a.Reason))
	s.log.Info("deduct denied", zap.String("user", userID), zap.Int("words", words), zap.String("reason", string(a.Reason)))
	return nil, models.NewTokenUnavailableError(string(a.Reason), a.Remaining, a.Total)
}

// Credit raises the user's word limit. typ is CREDIT, PURCHASE or TRIAL.
func (s *Service) Credit(ctx context.Context, userID string, amount int, typ models.TokenLogType, description string) (*models.AIWordUsage, error) {
	switch typ {
	case models.TokenLogCredit, models.TokenLogPurchase, models.TokenLogTrial:
	default:
		return nil, models.NewValidationError(models.CodeValidation, "type", fmt.Sprintf("cannot credit with ledger type %q", typ))
	}
	if amount <= 0 {
		return nil, models.NewValidationError(models.CodeValidation, "amount", "amount must be positive")
	}
	if description == "" {
		description = fmt.Sprintf("%d words credited", amount)
	}
	u, err := s.store.CreditWords(ctx, userID, amount, typ, description)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, models.NewNotFoundError("word usage", userID)
	}
	s.log.Info("credited", zap.String("user", userID), zap.Int("amount", amount), zap.String("type", string(typ)))
	return u, nil
}

// Reset starts a new usage period: used goes to zero and the limit and expiration are
// replaced. The record is created when missing. Words left over from the old period
// are written off with an EXPIRY ledger entry.
func (s *Service) Reset(ctx context.Context, userID string, newLimit int, newExpiration time.Time) (*models.AIWordUsage, error) {
	return s.ResetWithGrant(ctx, userID, newLimit, newExpiration, "", "")
}

// ResetWithGrant is Reset plus a ledger entry recording why the new limit was granted.
func (s *Service) ResetWithGrant(ctx context.Context, userID string, newLimit int, newExpiration time.Time, grant models.TokenLogType, description string) (*models.AIWordUsage, error) {
	if newLimit < 0 {
		return nil, models.NewValidationError(models.CodeValidation, "limit", "limit must not be negative")
	}
	u, expired, err := s.store.ResetUsage(ctx, store.ResetParams{
		UserID:           userID,
		Limit:            newLimit,
		Expiration:       newExpiration,
		GrantType:        grant,
		GrantDescription: description,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("reset", zap.String("user", userID), zap.Int("limit", newLimit),
		zap.Time("expires", newExpiration), zap.Int("expired_words", expired))
	return u, nil
}

// Summary returns the current availability for display, using zero requested words.
func (s *Service) Summary(ctx context.Context, userID string) (Availability, error) {
	return s.CheckAvailability(ctx, userID, 0)
}

func (s *Service) Ledger(ctx context.Context, userID string, limit int) ([]models.WordTokenLog, error) {
	return s.store.ListTokenLogs(ctx, userID, limit)
}
