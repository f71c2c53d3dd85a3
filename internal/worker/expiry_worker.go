package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
)

const sweepBatchSize = 100

// Sweeper finalises sessions whose time has run out.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// Locker grants exclusive runs across server replicas. Acquire reports
// false when another holder has the lock; release gives up only a lock the
// caller still owns.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// releaseScript deletes the lock only while it still carries our token, so a
// run that outlived its TTL cannot free a lock another replica now holds.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a Locker backed by SET NX with a random owner token.
type RedisLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisLock(rdb *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
	}, true, nil
}

// ExpiryWorker auto-submits sessions left open past their deadline, for
// clients that never came back to submit. One replica sweeps at a time.
type ExpiryWorker struct {
	sweeper  Sweeper
	lock     Locker
	schedule string
	log      zerolog.Logger
}

// NewExpiryWorker creates a new ExpiryWorker running on a cron schedule such
// as "@every 30s". The replica lock lives in rdb.
func NewExpiryWorker(sweeper Sweeper, rdb *redis.Client, schedule string, log zerolog.Logger) *ExpiryWorker {
	return newExpiryWorker(sweeper, NewRedisLock(rdb, config.CacheKey.SweepLockKey(), time.Minute), schedule, log)
}

func newExpiryWorker(sweeper Sweeper, lock Locker, schedule string, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		sweeper:  sweeper,
		lock:     lock,
		schedule: schedule,
		log:      log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start schedules the sweep and blocks until ctx is done. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(w.schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", w.schedule, err)
	}
	c.Start()
	w.log.Info().Str("schedule", w.schedule).Msg("Worker started")

	<-ctx.Done()
	<-c.Stop().Done()
	w.log.Info().Msg("Worker stopped")
	return nil
}

// RunOnce sweeps expired sessions while holding the replica lock. It reports
// the number of sessions finalised.
func (w *ExpiryWorker) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	release, ok, err := w.lock.Acquire(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Sweep lock error")
		return 0
	}
	if !ok {
		w.log.Debug().Msg("Sweep skipped, another replica holds the lock")
		return 0
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			w.log.Warn().Err(err).Msg("Sweep lock release failed")
		}
	}()

	n, err := w.sweeper.SweepExpired(ctx, sweepBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Sweep failed")
		return 0
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("Finalized expired sessions")
	}
	return n
}
