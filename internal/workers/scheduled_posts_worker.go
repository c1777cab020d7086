// Package workers holds the periodic background jobs: the scheduled post sweep and
// the subscription expiry batch.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/metrics"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/publishing"
	"github.com/PortNumber53/linkedin-studio/internal/store"
)

const (
	DefaultSweepSpec    = "@every 1m"
	DefaultBatchSize    = 100
	DefaultSweepTimeout = 5 * time.Minute
	// summary line cadence when nothing is due
	idleSummaryEvery = 10
)

// PostStore is what the sweep reads and writes directly; *store.Store implements it.
type PostStore interface {
	ListDuePosts(ctx context.Context, now time.Time, limit int) ([]store.DuePost, error)
	MarkFailed(ctx context.Context, postID, logMessage string, from ...models.PostStatus) (bool, error)
	MarkPublished(ctx context.Context, postID, publishedID string, at time.Time, logMessage string) error
	NextScheduledTime(ctx context.Context, now time.Time) (*time.Time, error)
}

// Publisher is the posting pipeline; *publishing.Service implements it.
type Publisher interface {
	PublishNow(ctx context.Context, userID, postID string) (*models.Post, error)
}

type SweepResult struct {
	Processed int
	Published int
	Failed    int
}

type ScheduledPostsWorker struct {
	Store        PostStore
	Publisher    Publisher
	Log          *zap.Logger
	Metrics      metrics.Recorder
	Lock         Locker
	Spec         string
	BatchSize    int
	SweepTimeout time.Duration
	Now          func() time.Time

	idleSweeps atomic.Int64

	// posts live on LinkedIn whose PUBLISHED state is still unsaved, by post id
	mu         sync.Mutex
	unrecorded map[string]publishing.NotRecordedError
}

func (w *ScheduledPostsWorker) log() *zap.Logger { return logger.OrNop(w.Log).Named("scheduler") }

func (w *ScheduledPostsWorker) recorder() metrics.Recorder {
	if w.Metrics == nil {
		return metrics.Nop
	}
	return w.Metrics
}

// RunOnce publishes every post due at now, one at a time. A failing post never stops
// the sweep; only a failure to list due posts is returned.
func (w *ScheduledPostsWorker) RunOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	log := w.log()
	start := time.Now()

	limit := w.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	due, err := w.Store.ListDuePosts(ctx, now, limit)
	if err != nil {
		return res, err
	}
	if len(due) == 0 {
		w.logIdle(ctx, now)
		w.recorder().RecordSweep(0, 0, 0, time.Since(start))
		return res, nil
	}
	w.idleSweeps.Store(0)

	for _, d := range due {
		if ctx.Err() != nil {
			log.Warn("sweep interrupted", zap.Int("remaining", len(due)-res.Processed), zap.Error(ctx.Err()))
			break
		}
		res.Processed++
		log.Info("candidate", zap.String("post", d.ID), zap.String("user", d.UserID), zap.Time("scheduled_for", d.ScheduledTime))

		if pending, ok := w.pendingRecord(d.ID); ok {
			if err := w.Store.MarkPublished(ctx, d.ID, pending.ExternalID, pending.PublishedAt, publishing.PublishedLogMessage); err != nil {
				res.Failed++
				log.Error("record publish retry failed", zap.String("post", d.ID), zap.String("external_id", pending.ExternalID), zap.Error(err))
				continue
			}
			w.forgetPending(d.ID)
			res.Published++
			log.Info("publish recorded on retry", zap.String("post", d.ID), zap.String("external_id", pending.ExternalID))
			continue
		}

		if _, err := w.Publisher.PublishNow(ctx, d.UserID, d.ID); err != nil {
			res.Failed++
			var nr *publishing.NotRecordedError
			if errors.As(err, &nr) {
				w.rememberPending(*nr)
				continue
			}
			w.recordFailure(ctx, d, err)
			continue
		}
		res.Published++
	}

	log.Info("sweep done",
		zap.Int("processed", res.Processed),
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed))
	w.recorder().RecordSweep(res.Processed, res.Published, res.Failed, time.Since(start))
	return res, nil
}

func (w *ScheduledPostsWorker) pendingRecord(postID string) (publishing.NotRecordedError, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	nr, ok := w.unrecorded[postID]
	return nr, ok
}

func (w *ScheduledPostsWorker) rememberPending(nr publishing.NotRecordedError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unrecorded == nil {
		w.unrecorded = make(map[string]publishing.NotRecordedError)
	}
	w.unrecorded[nr.PostID] = nr
}

func (w *ScheduledPostsWorker) forgetPending(postID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.unrecorded, postID)
}

// recordFailure marks the post FAILED unless the pipeline already did. Validation
// errors leave the post SCHEDULED, so this is where they get their one Failed entry.
func (w *ScheduledPostsWorker) recordFailure(ctx context.Context, d store.DuePost, cause error) {
	log := w.log()
	msg := cause.Error()
	var de *models.Error
	if errors.As(cause, &de) {
		msg = de.Message
	}
	changed, err := w.Store.MarkFailed(ctx, d.ID, "Scheduled publish failed: "+msg, models.PostStatusScheduled)
	if err != nil {
		log.Error("mark failed", zap.String("post", d.ID), zap.Error(err))
		return
	}
	log.Warn("publish failed",
		zap.String("post", d.ID),
		zap.String("user", d.UserID),
		zap.Bool("marked_by_sweep", changed),
		zap.Error(cause))
}

func (w *ScheduledPostsWorker) logIdle(ctx context.Context, now time.Time) {
	n := w.idleSweeps.Add(1)
	if n%idleSummaryEvery != 0 {
		w.log().Debug("no due posts")
		return
	}
	next, err := w.Store.NextScheduledTime(ctx, now)
	fields := []zap.Field{zap.Int64("idle_sweeps", n)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	} else if next != nil {
		fields = append(fields, zap.Time("next", *next))
	}
	w.log().Info("sweep ok, nothing due", fields...)
}

// Start runs a sweep immediately and then on Spec until ctx is done. Overlapping ticks
// are skipped, and with a Lock only one instance sweeps at a time.
func (w *ScheduledPostsWorker) Start(ctx context.Context) error {
	spec := w.Spec
	if spec == "" {
		spec = DefaultSweepSpec
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { w.tick(ctx) }); err != nil {
		return err
	}
	w.log().Info("worker started", zap.String("spec", spec), zap.Int("batch", w.BatchSize))

	w.tick(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.log().Info("worker stopped", zap.Error(ctx.Err()))
	return nil
}

func (w *ScheduledPostsWorker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	timeout := w.SweepTimeout
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	sweepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if w.Lock != nil {
		release, err := w.Lock.TryLock(sweepCtx)
		if errors.Is(err, ErrLocked) {
			w.log().Debug("sweep skipped, another instance holds the lock")
			return
		}
		if err != nil {
			w.log().Error("sweep lock", zap.Error(err))
			return
		}
		defer release()
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if _, err := w.RunOnce(sweepCtx, now()); err != nil {
		w.log().Error("sweep error", zap.Error(err))
	}
}
