package examsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// rev is the n-th revision a controller adopting a session at t0 hands out.
func rev(n int64) int64 { return t0.UnixMicro() + n }

var (
	qChoice  = uuid.MustParse("0b8f6a3e-0000-4000-8000-000000000001")
	qTF      = uuid.MustParse("0b8f6a3e-0000-4000-8000-000000000002")
	qEssay   = uuid.MustParse("0b8f6a3e-0000-4000-8000-000000000003")
	optA     = uuid.MustParse("0b8f6a3e-0000-4000-8000-0000000000a1")
	optB     = uuid.MustParse("0b8f6a3e-0000-4000-8000-0000000000a2")
	optC     = uuid.MustParse("0b8f6a3e-0000-4000-8000-0000000000a3")
	optTrue  = uuid.MustParse("0b8f6a3e-0000-4000-8000-0000000000b1")
	optFalse = uuid.MustParse("0b8f6a3e-0000-4000-8000-0000000000b2")
	testExam = uuid.MustParse("0b8f6a3e-0000-4000-8000-00000000e001")
)

func testDefinition(durationMinutes int) *model.ExamDefinition {
	return &model.ExamDefinition{
		ID:              testExam,
		Title:           "Physics Midterm",
		DurationMinutes: durationMinutes,
		WindowStart:     t0.Add(-time.Hour),
		WindowEnd:       t0.Add(4 * time.Hour),
		IsActive:        true,
		Questions: []model.Question{
			{ID: qEssay, Text: "Explain inertia.", Type: model.QuestionTypeEssay, Marks: 5, Order: 3},
			{ID: qChoice, Text: "Unit of force?", Type: model.QuestionTypeMultipleChoice, Marks: 2, Order: 1,
				Options: []model.Option{{ID: optA, Text: "Joule"}, {ID: optB, Text: "Newton"}, {ID: optC, Text: "Watt"}}},
			{ID: qTF, Text: "Light is faster than sound.", Type: model.QuestionTypeTrueFalse, Marks: 1, Order: 2,
				Options: []model.Option{{ID: optTrue, Text: "True"}, {ID: optFalse, Text: "False"}}},
		},
	}
}

// ─── Clock ──────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := &manualTicker{ch: make(chan time.Time, 16)}
	f.tickers = append(f.tickers, tk)
	return tk
}

func (f *tickerFactory) Tick(at time.Time) {
	f.mu.Lock()
	tk := f.tickers[len(f.tickers)-1]
	f.mu.Unlock()
	tk.ch <- at
}

func (f *tickerFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

// ─── Remote ─────────────────────────────────────────────────────────────────

type fakeGateway struct {
	mu        sync.Mutex
	available bool
	errs      []error
	calls     int
}

func (g *fakeGateway) IsAvailable(_ context.Context, _ uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return false, err
		}
	}
	return g.available, nil
}

type fakeStore struct {
	mu          sync.Mutex
	clock       *fakeClock
	def         *model.ExamDefinition
	session     *model.ExamSession
	stored      map[uuid.UUID]model.Answer
	createErr   error
	submitErrs  []error
	submitCalls int
	submitGate  chan struct{}
	pushGates   map[int64]chan struct{}
	pushErr     error
	pushCalls   int
	offset      time.Duration
}

func newFakeStore(clock *fakeClock, def *model.ExamDefinition) *fakeStore {
	return &fakeStore{
		clock:     clock,
		def:       def,
		stored:    make(map[uuid.UUID]model.Answer),
		pushGates: make(map[int64]chan struct{}),
	}
}

func (s *fakeStore) GetDefinition(_ context.Context, _ uuid.UUID) (*model.ExamDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *s.def
	d.Questions = append([]model.Question(nil), s.def.Questions...)
	return &d, nil
}

func (s *fakeStore) GetSession(_ context.Context, _ uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	return s.sessionLocked(), nil
}

func (s *fakeStore) CreateSession(_ context.Context, examID uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.session == nil {
		started := s.clock.Now()
		s.session = &model.ExamSession{
			ID:        uuid.New(),
			ExamID:    examID,
			StudentID: 7,
			StartedAt: &started,
			Status:    model.SessionStatusInProgress,
		}
	}
	return s.sessionLocked(), nil
}

func (s *fakeStore) PushAnswer(ctx context.Context, sessionID, questionID uuid.UUID, answer model.Answer) error {
	s.mu.Lock()
	s.pushCalls++
	gate := s.pushGates[answer.Revision]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	if s.session == nil || s.session.ID != sessionID {
		return E(KindNotFound, "push answer", errors.New("no such session"))
	}
	if s.session.IsFinal() {
		return E(KindConflict, "push answer", errors.New("session closed"))
	}
	if prev, ok := s.stored[questionID]; ok && prev.Revision >= answer.Revision {
		if prev.Revision == answer.Revision && prev.SameValue(answer) {
			return nil
		}
		return E(KindConflict, "push answer", fmt.Errorf("store holds revision %d", prev.Revision))
	}
	answer.QuestionID = questionID
	s.stored[questionID] = answer
	return nil
}

func (s *fakeStore) Submit(_ context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	s.submitCalls++
	gate := s.submitGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.session == nil || s.session.ID != sessionID {
		return nil, E(KindNotFound, "submit", errors.New("no such session"))
	}
	if !s.session.IsFinal() {
		now := s.clock.Now()
		s.session.Status = model.SessionStatusSubmitted
		s.session.SubmittedAt = &now
	}
	return s.sessionLocked(), nil
}

func (s *fakeStore) GetResult(_ context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.ID != sessionID {
		return nil, E(KindNotFound, "result", errors.New("no such session"))
	}
	return s.sessionLocked(), nil
}

func (s *fakeStore) ServerOffset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *fakeStore) sessionLocked() *model.ExamSession {
	out := *s.session
	out.Answers = make([]model.Answer, 0, len(s.stored))
	for _, a := range s.stored {
		out.Answers = append(out.Answers, a)
	}
	sort.Slice(out.Answers, func(i, j int) bool { return out.Answers[i].Revision < out.Answers[j].Revision })
	return &out
}

func (s *fakeStore) SubmitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls
}

func (s *fakeStore) Stored(questionID uuid.UUID) (model.Answer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.stored[questionID]
	return a, ok
}

// ─── Hooks ──────────────────────────────────────────────────────────────────

type stateChange struct{ from, to State }

type recorder struct {
	mu       sync.Mutex
	states   []stateChange
	ticks    []time.Duration
	notices  []Notice
	finished []*model.ExamSession
}

func (r *recorder) Hooks() Hooks {
	return Hooks{
		OnState: func(from, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, stateChange{from, to})
		},
		OnTick: func(remaining time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ticks = append(r.ticks, remaining)
		},
		OnNotice: func(n Notice) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notices = append(r.notices, n)
		},
		OnFinished: func(s *model.ExamSession) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished = append(r.finished, s)
		},
	}
}

func (r *recorder) Ticks() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.ticks...)
}

func (r *recorder) NoticeCount(kind NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) Entered(to State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sc := range r.states {
		if sc.to == to {
			n++
		}
	}
	return n
}

func (r *recorder) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	clock   *fakeClock
	store   *fakeStore
	gateway *fakeGateway
	tickers *tickerFactory
	rec     *recorder
	ctrl    *Controller
}

func newHarness(t *testing.T, durationMinutes int) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	h := &harness{
		clock:   clock,
		store:   newFakeStore(clock, testDefinition(durationMinutes)),
		gateway: &fakeGateway{available: true},
		tickers: &tickerFactory{},
		rec:     &recorder{},
	}
	h.ctrl = h.newController(t)
	return h
}

func (h *harness) newController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(Config{
		ExamID:         testExam,
		Gateway:        h.gateway,
		Store:          h.store,
		Hooks:          h.rec.Hooks(),
		Log:            zerolog.Nop(),
		RequestTimeout: time.Second,
		TickInterval:   time.Second,
		Now:            h.clock.Now,
		NewTicker:      h.tickers.New,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// startActive drives a fresh controller through check, load and start.
func (h *harness) startActive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctrl.CheckAvailability(ctx))
	st, err := h.ctrl.LoadOrPrompt(ctx)
	require.NoError(t, err)
	require.Equal(t, StateNotStarted, st)
	require.NoError(t, h.ctrl.Start(ctx))
	require.Equal(t, StateActive, h.ctrl.State())
}

const eventually = 2 * time.Second
const poll = 5 * time.Millisecond
