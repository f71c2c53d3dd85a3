package examsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPusher struct {
	mu    sync.Mutex
	gates map[int64]chan struct{}
	errs  map[int64]error
	seen  []model.Answer
}

func (p *scriptedPusher) PushAnswer(ctx context.Context, _, _ uuid.UUID, a model.Answer) error {
	p.mu.Lock()
	gate := p.gates[a.Revision]
	err := p.errs[a.Revision]
	p.seen = append(p.seen, a)
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func TestSynchronizerStaleFailureIsMoot(t *testing.T) {
	cache := NewAnswerCache()
	gate := make(chan struct{})
	p := &scriptedPusher{
		gates: map[int64]chan struct{}{1: gate},
		errs:  map[int64]error{1: errors.New("reset by peer")},
	}
	var notices []Notice
	var mu sync.Mutex
	s := NewSynchronizer(p, cache, time.Second, func(n Notice) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, n)
	}, zerolog.Nop())

	session := uuid.New()
	a, b := optA, optB
	cache.Set(qChoice, model.Answer{SelectedOptionID: &a})
	s.Push(context.Background(), session, qChoice)
	cache.Set(qChoice, model.Answer{SelectedOptionID: &b})
	s.Push(context.Background(), session, qChoice)

	// Revision 2 succeeds before revision 1 fails.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.acked[qChoice] == 2
	}, eventually, poll)
	close(gate)
	require.NoError(t, s.Flush(context.Background()))

	assert.Empty(t, s.Unsynced())
	mu.Lock()
	assert.Empty(t, notices, "a failure superseded by our own newer push is not reported")
	mu.Unlock()

	p.mu.Lock()
	for _, seen := range p.seen {
		assert.Equal(t, session, seen.SessionID)
	}
	p.mu.Unlock()
}

func TestSynchronizerTracksFailures(t *testing.T) {
	cache := NewAnswerCache()
	p := &scriptedPusher{errs: map[int64]error{1: errors.New("503"), 2: errors.New("503")}}
	s := NewSynchronizer(p, cache, time.Second, nil, zerolog.Nop())
	session := uuid.New()

	cache.Set(qEssay, model.Answer{AnswerText: "a"})
	s.Push(context.Background(), session, qEssay)
	cache.Set(qTF, model.Answer{AnswerText: ""})
	tf := optTrue
	cache.Set(qTF, model.Answer{SelectedOptionID: &tf})
	s.Push(context.Background(), session, qTF)
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, []uuid.UUID{qEssay}, s.Unsynced())

	s.Reset()
	assert.Empty(t, s.Unsynced())
}

func TestSynchronizerFlushHonoursContext(t *testing.T) {
	cache := NewAnswerCache()
	gate := make(chan struct{})
	defer close(gate)
	p := &scriptedPusher{gates: map[int64]chan struct{}{1: gate}}
	s := NewSynchronizer(p, cache, 0, nil, zerolog.Nop())

	cache.Set(qEssay, model.Answer{AnswerText: "slow"})
	s.Push(context.Background(), uuid.New(), qEssay)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)
}

func TestKindOf(t *testing.T) {
	err := E(KindNotFound, "get session", errors.New("404"))
	wrapped := errors.Join(errors.New("load"), err)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(E(KindTransient, "push", nil)))
	assert.Contains(t, err.Error(), "not_found")
}
