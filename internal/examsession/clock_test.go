package examsession

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRemaining(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{name: "at start", now: t0, want: 30 * time.Minute},
		{name: "midway", now: t0.Add(12*time.Minute + 30*time.Second), want: 17*time.Minute + 30*time.Second},
		{name: "exactly at end", now: t0.Add(30 * time.Minute), want: 0},
		{name: "past end", now: t0.Add(2 * time.Hour), want: 0},
		{name: "local clock behind start", now: t0.Add(-time.Minute), want: 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeRemaining(t0, 30, tt.now))
		})
	}

	assert.Zero(t, ComputeRemaining(t0, 0, t0))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatRemaining(0))
	assert.Equal(t, "00:00:00", FormatRemaining(-time.Second))
	assert.Equal(t, "00:00:01", FormatRemaining(300*time.Millisecond))
	assert.Equal(t, "00:00:01", FormatRemaining(time.Second))
	assert.Equal(t, "00:59:59", FormatRemaining(59*time.Minute+59*time.Second))
	assert.Equal(t, "02:00:00", FormatRemaining(2*time.Hour))
}

func TestCountdownExpiresOnce(t *testing.T) {
	c := NewCountdown(t0, 1)
	assert.Equal(t, t0.Add(time.Minute), c.EndsAt())

	rem, expired := c.Observe(t0.Add(59 * time.Second))
	assert.Equal(t, time.Second, rem)
	assert.False(t, expired)

	rem, expired = c.Observe(t0.Add(61 * time.Second))
	assert.Zero(t, rem)
	assert.True(t, expired)
	assert.True(t, c.Expired())

	_, expired = c.Observe(t0.Add(90 * time.Second))
	assert.False(t, expired)
}

func TestTimer(t *testing.T) {
	t.Run("ticks until stopped", func(t *testing.T) {
		f := &tickerFactory{}
		var calls atomic.Int32
		tm := StartTimer(context.Background(), time.Second, f.New, func(*Timer) { calls.Add(1) })

		f.Tick(t0)
		f.Tick(t0)
		require.Eventually(t, func() bool { return calls.Load() == 2 }, eventually, poll)

		tm.Stop()
		tm.Stop()
		assert.True(t, tm.Stopped())
		<-tm.Done()

		f.Tick(t0)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("parent cancellation stops it", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		f := &tickerFactory{}
		tm := StartTimer(ctx, time.Second, f.New, func(*Timer) {})
		cancel()
		select {
		case <-tm.Done():
		case <-time.After(eventually):
			t.Fatal("timer goroutine did not exit")
		}
		assert.True(t, tm.Stopped())
	})

	t.Run("passes its own handle", func(t *testing.T) {
		f := &tickerFactory{}
		seen := make(chan *Timer, 1)
		tm := StartTimer(context.Background(), time.Second, f.New, func(h *Timer) { seen <- h })
		defer tm.Stop()

		f.Tick(t0)
		assert.Same(t, tm, <-seen)
	})
}
