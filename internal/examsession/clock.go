package examsession

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ComputeRemaining returns the time left in a session that started at
// startedAt (server time) with the given duration, sampled at now. The value
// is recomputed from the fixed end time on every call, so a suspended host
// clock resumes at the correct value instead of replaying missed ticks. The
// result is clamped to [0, duration].
func ComputeRemaining(startedAt time.Time, durationMinutes int, now time.Time) time.Duration {
	total := time.Duration(durationMinutes) * time.Minute
	if total <= 0 {
		return 0
	}
	remaining := startedAt.Add(total).Sub(now)
	if remaining < 0 {
		return 0
	}
	if remaining > total {
		return total
	}
	return remaining
}

// FormatRemaining renders d as HH:MM:SS. Partial seconds round up so the
// display only reads 00:00:00 once the session has actually expired.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

// Countdown tracks one session's end time and latches its expiry.
type Countdown struct {
	startedAt       time.Time
	durationMinutes int
	expired         bool
}

// NewCountdown anchors a countdown on the server-issued start time.
func NewCountdown(startedAt time.Time, durationMinutes int) *Countdown {
	return &Countdown{startedAt: startedAt, durationMinutes: durationMinutes}
}

// EndsAt returns the fixed end time.
func (c *Countdown) EndsAt() time.Time {
	return c.startedAt.Add(time.Duration(c.durationMinutes) * time.Minute)
}

// Remaining returns the time left at now.
func (c *Countdown) Remaining(now time.Time) time.Duration {
	return ComputeRemaining(c.startedAt, c.durationMinutes, now)
}

// Observe samples the countdown. expired is true on the first observation at
// or past the end and false on every observation after that.
func (c *Countdown) Observe(now time.Time) (remaining time.Duration, expired bool) {
	remaining = c.Remaining(now)
	if remaining == 0 && !c.expired {
		c.expired = true
		return 0, true
	}
	return remaining, false
}

// Expired reports whether the expiry has already been observed.
func (c *Countdown) Expired() bool {
	return c.expired
}

// Ticker is the tick source behind a Timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Timer is a cancellable repeating tick. It owns one goroutine, which exits
// when the timer is stopped or its parent context is cancelled.
type Timer struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// StartTimer begins ticking every interval and calls onTick with the timer
// itself, so callers can tell a current handle from a stale one.
func StartTimer(parent context.Context, interval time.Duration, newTicker TickerFunc, onTick func(*Timer)) *Timer {
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Timer{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	tk := newTicker(interval)

	go func() {
		defer close(t.done)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C():
				if ctx.Err() != nil {
					return
				}
				onTick(t)
			}
		}
	}()

	return t
}

// Stop cancels the timer. Safe to call more than once.
func (t *Timer) Stop() {
	t.once.Do(t.cancel)
}

// Stopped reports whether the timer has been cancelled.
func (t *Timer) Stopped() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the tick goroutine has exited.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}
