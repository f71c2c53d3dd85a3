package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu     sync.Mutex
	calls  int
	limits []int
	n      int
	err    error
}

func (f *fakeSweeper) SweepExpired(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	return f.n, f.err
}

// memLock is a single-holder Locker with the same token rules as RedisLock.
type memLock struct {
	mu       sync.Mutex
	holder   string
	err      error
	released int
}

func (l *memLock) Acquire(context.Context) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.holder != "" {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.holder = token
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.holder == token {
			l.holder = ""
			l.released++
		}
		return nil
	}, true, nil
}

func (l *memLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != ""
}

func TestExpiryRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps while the lock is free", func(t *testing.T) {
		sweeper := &fakeSweeper{n: 3}
		lock := &memLock{}
		w := newExpiryWorker(sweeper, lock, "@every 30s", zerolog.Nop())

		assert.Equal(t, 3, w.RunOnce(ctx))
		assert.Equal(t, []int{sweepBatchSize}, sweeper.limits)
		assert.False(t, lock.Held(), "lock is released after the sweep")
		assert.Equal(t, 1, lock.released)
	})

	t.Run("skips while another replica holds the lock", func(t *testing.T) {
		sweeper := &fakeSweeper{n: 3}
		lock := &memLock{holder: "other-replica"}
		w := newExpiryWorker(sweeper, lock, "@every 30s", zerolog.Nop())

		assert.Equal(t, 0, w.RunOnce(ctx))
		assert.Zero(t, sweeper.calls)
		assert.True(t, lock.Held(), "a lock we do not own is left alone")
	})

	t.Run("lock error skips the sweep", func(t *testing.T) {
		sweeper := &fakeSweeper{n: 3}
		w := newExpiryWorker(sweeper, &memLock{err: errors.New("connection refused")}, "@every 30s", zerolog.Nop())

		assert.Equal(t, 0, w.RunOnce(ctx))
		assert.Zero(t, sweeper.calls)
	})

	t.Run("sweep error still releases the lock", func(t *testing.T) {
		sweeper := &fakeSweeper{err: errors.New("deadlock detected")}
		lock := &memLock{}
		w := newExpiryWorker(sweeper, lock, "@every 30s", zerolog.Nop())

		assert.Equal(t, 0, w.RunOnce(ctx))
		assert.Equal(t, 1, sweeper.calls)
		assert.False(t, lock.Held())
	})

	t.Run("cancelled context does nothing", func(t *testing.T) {
		sweeper := &fakeSweeper{n: 1}
		lock := &memLock{}
		w := newExpiryWorker(sweeper, lock, "@every 30s", zerolog.Nop())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Equal(t, 0, w.RunOnce(cctx))
		assert.Zero(t, sweeper.calls)
	})
}

func TestExpiryStartRejectsBadSchedule(t *testing.T) {
	w := newExpiryWorker(&fakeSweeper{}, &memLock{}, "every now and then", zerolog.Nop())
	assert.Error(t, w.Start(context.Background()))
}

// testRedis connects to REDIS_URL and skips when no server is reachable.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return rdb
}

func TestRedisLock(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })

	t.Run("second acquire fails until release", func(t *testing.T) {
		lock := NewRedisLock(rdb, key, time.Minute)
		release, ok, err := lock.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = NewRedisLock(rdb, key, time.Minute).Acquire(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, release(ctx))
		_, ok, err = lock.Acquire(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, rdb.Del(ctx, key).Err())
	})

	t.Run("expired holder does not free the next holder's lock", func(t *testing.T) {
		first := NewRedisLock(rdb, key, 50*time.Millisecond)
		releaseFirst, ok, err := first.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			return rdb.Exists(ctx, key).Val() == 0
		}, 2*time.Second, 10*time.Millisecond)

		_, ok, err = NewRedisLock(rdb, key, time.Minute).Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, releaseFirst(ctx))
		assert.EqualValues(t, 1, rdb.Exists(ctx, key).Val(), "the second holder keeps its lock")
	})
}
