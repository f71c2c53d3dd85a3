package examsession

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// AnswerPusher writes one complete answer to the remote store. The store
// treats each call as a full replace keyed by (sessionID, questionID).
type AnswerPusher interface {
	PushAnswer(ctx context.Context, sessionID, questionID uuid.UUID, answer model.Answer) error
}

// Synchronizer mirrors answer-cache entries to the store. Every push carries
// the full current value read from the cache, so pushes for the same question
// may complete in any order. There is no retry queue: a failed push heals on
// the next edit of the same question, and until then the question is listed
// by Unsynced.
type Synchronizer struct {
	pusher  AnswerPusher
	cache   *AnswerCache
	timeout time.Duration
	report  func(Notice)
	log     zerolog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	acked  map[uuid.UUID]int64
	failed map[uuid.UUID]int64
}

// NewSynchronizer creates a Synchronizer that only reads from cache.
func NewSynchronizer(pusher AnswerPusher, cache *AnswerCache, timeout time.Duration, report func(Notice), log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		pusher:  pusher,
		cache:   cache,
		timeout: timeout,
		report:  report,
		log:     log.With().Str("component", "answer_sync").Logger(),
		acked:   make(map[uuid.UUID]int64),
		failed:  make(map[uuid.UUID]int64),
	}
}

// Push sends the current cached value of questionID without blocking.
func (s *Synchronizer) Push(ctx context.Context, sessionID, questionID uuid.UUID) {
	answer := s.cache.Get(questionID)
	answer.SessionID = sessionID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		pctx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		err := s.pusher.PushAnswer(pctx, sessionID, questionID, answer)
		if !s.record(questionID, answer.Revision, err) {
			return
		}

		s.log.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Str("question_id", questionID.String()).
			Int64("revision", answer.Revision).
			Msg("Answer push failed")
		if s.report != nil {
			s.report(Notice{Kind: NoticePushFailed, QuestionID: questionID, Err: err})
		}
	}()
}

// record applies a push outcome and reports whether it is a failure the user
// needs to hear about.
func (s *Synchronizer) record(questionID uuid.UUID, revision int64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		if revision > s.acked[questionID] {
			s.acked[questionID] = revision
		}
		if f, ok := s.failed[questionID]; ok && f <= revision {
			delete(s.failed, questionID)
		}
		return false
	}

	// A newer value of ours already landed; this failure is moot.
	if s.acked[questionID] >= revision {
		return false
	}
	if revision > s.failed[questionID] {
		s.failed[questionID] = revision
	}
	return true
}

// Unsynced lists questions whose latest push failed and was not superseded.
func (s *Synchronizer) Unsynced() []uuid.UUID {
	s.mu.Lock()
	out := make([]uuid.UUID, 0, len(s.failed))
	for id := range s.failed {
		out = append(out, id)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Flush waits for in-flight pushes, bounded by ctx.
func (s *Synchronizer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset forgets the sync bookkeeping, used when a session is (re)loaded.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = make(map[uuid.UUID]int64)
	s.failed = make(map[uuid.UUID]int64)
}
