package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/metrics"
)

type ExpiryStore interface {
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) ([]string, error)
}

// SubscriptionExpiryWorker flips lapsed trial and active subscriptions to expired and
// clears the users' subscribed flag. Reads already expire lazily; this keeps the
// stored state honest for users who never come back.
type SubscriptionExpiryWorker struct {
	Store    ExpiryStore
	Log      *zap.Logger
	Metrics  metrics.Recorder
	Interval time.Duration // default 1h
	Now      func() time.Time
}

func (w *SubscriptionExpiryWorker) log() *zap.Logger {
	return logger.OrNop(w.Log).Named("subscription-expiry")
}

// Start runs the batch on every Interval until ctx is done.
func (w *SubscriptionExpiryWorker) Start(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log().Info("started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			w.log().Info("stopped")
			return
		case <-ticker.C:
			now := time.Now
			if w.Now != nil {
				now = w.Now
			}
			if _, err := w.RunOnce(ctx, now()); err != nil {
				w.log().Error("expire failed", zap.Error(err))
			}
		}
	}
}

// RunOnce returns the ids of users whose subscription lapsed in this batch.
func (w *SubscriptionExpiryWorker) RunOnce(ctx context.Context, now time.Time) ([]string, error) {
	userIDs, err := w.Store.ExpireLapsedSubscriptions(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(userIDs) > 0 {
		w.log().Info("expired subscriptions", zap.Int("users", len(userIDs)))
		if w.Metrics != nil {
			w.Metrics.RecordSubscriptionsExpired(len(userIDs))
		}
	}
	return userIDs, nil
}
