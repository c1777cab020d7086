package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLocked means another holder has the lock; the caller should skip this run.
var ErrLocked = errors.New("lock held elsewhere")

// Locker guards a periodic job across instances.
type Locker interface {
	TryLock(ctx context.Context) (release func(), err error)
}

type RedisLock struct {
	mutex *redsync.Mutex
}

// NewRedisLock makes a single-attempt distributed lock. ttl should exceed the longest
// expected run so the lock does not lapse mid-sweep.
func NewRedisLock(rdb *redis.Client, name string, ttl time.Duration) *RedisLock {
	rs := redsync.New(goredis.NewPool(rdb))
	return &RedisLock{mutex: rs.NewMutex(name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)}
}

func (l *RedisLock) TryLock(ctx context.Context) (func(), error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "already taken") {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire %s: %w", l.mutex.Name(), err)
	}
	return func() {
		_, _ = l.mutex.UnlockContext(context.Background())
	}, nil
}
