package examsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
)

// AvailabilityGateway reports whether an exam currently accepts sessions.
type AvailabilityGateway interface {
	IsAvailable(ctx context.Context, examID uuid.UUID) (bool, error)
}

// SessionStore is the remote, authoritative home of definitions, sessions
// and answers. GetSession returns nil, nil when no session exists yet.
type SessionStore interface {
	AnswerPusher
	GetDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
	GetSession(ctx context.Context, examID uuid.UUID) (*model.ExamSession, error)
	CreateSession(ctx context.Context, examID uuid.UUID) (*model.ExamSession, error)
	Submit(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error)
	GetResult(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error)
}

// ServerClock is optionally implemented by a SessionStore that can estimate
// how far the server clock is ahead of the local one.
type ServerClock interface {
	ServerOffset() time.Duration
}

// NoticeKind tags a non-blocking notification.
type NoticeKind int

const (
	NoticePushFailed NoticeKind = iota + 1
	NoticeExpired
	NoticeSubmitFailed
	NoticeSubmitRetrying
	NoticeSubmitAbandoned
)

func (k NoticeKind) String() string {
	switch k {
	case NoticePushFailed:
		return "push_failed"
	case NoticeExpired:
		return "expired"
	case NoticeSubmitFailed:
		return "submit_failed"
	case NoticeSubmitRetrying:
		return "submit_retrying"
	case NoticeSubmitAbandoned:
		return "submit_abandoned"
	default:
		return "unknown"
	}
}

// Notice is a non-blocking notification for the UI.
type Notice struct {
	Kind       NoticeKind
	QuestionID uuid.UUID
	Err        error
}

// Hooks receive controller events. They are called without the controller
// lock held and may call back into the controller. OnNotice may also be
// called from a push goroutine.
type Hooks struct {
	OnState    func(from, to State)
	OnTick     func(remaining time.Duration)
	OnNotice   func(Notice)
	OnFinished func(session *model.ExamSession)
}

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultTickInterval   = time.Second
)

// Config wires a Controller.
type Config struct {
	ExamID         uuid.UUID
	Gateway        AvailabilityGateway
	Store          SessionStore
	Hooks          Hooks
	Log            zerolog.Logger
	RequestTimeout time.Duration
	TickInterval   time.Duration
	Now            func() time.Time
	NewTicker      TickerFunc
}

// Snapshot is a point-in-time view for rendering.
type Snapshot struct {
	State      State
	Index      int
	Total      int
	Answered   int
	Remaining  time.Duration
	Confirming bool
	Unsynced   int
	Session    *model.ExamSession
}

const (
	submitReasonManual  = "manual"
	submitReasonExpired = "expired"
)

// Controller coordinates one student's attempt at one exam: the availability
// check, resume or start, answering, and the single submission.
type Controller struct {
	cfg    Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	cache  *AnswerCache
	sync   *Synchronizer

	mu           sync.Mutex
	machine      Machine
	available    bool
	busy         bool
	closed       bool
	def          *model.ExamDefinition
	session      *model.ExamSession
	countdown    *Countdown
	timer        *Timer
	offset       time.Duration
	index        int
	confirming   bool
	submitting   bool
	submitFailed bool
	pending      []func()
}

// New creates a Controller in the Checking state.
func New(cfg Config) (*Controller, error) {
	if cfg.ExamID == uuid.Nil {
		return nil, errors.New("exam id is required")
	}
	if cfg.Gateway == nil || cfg.Store == nil {
		return nil, errors.New("gateway and store are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewRealTicker
	}

	c := &Controller{
		cfg:   cfg,
		log:   cfg.Log.With().Str("component", "exam_session").Str("exam_id", cfg.ExamID.String()).Logger(),
		cache: NewAnswerCache(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sync = NewSynchronizer(cfg.Store, c.cache, cfg.RequestTimeout, c.notifyAsync, c.log)
	return c, nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// CheckAvailability asks the gateway whether the exam is open. A closed exam
// moves the controller to Unavailable; any other failure leaves it in
// Checking so the check can be repeated.
func (c *Controller) CheckAvailability(ctx context.Context) error {
	c.mu.Lock()
	switch c.machine.State() {
	case StateUnavailable:
		c.unlock()
		return E(KindUnavailable, "check availability", nil)
	case StateChecking:
	default:
		c.unlock()
		return nil
	}
	if err := c.beginLocked(StateChecking); err != nil {
		c.unlock()
		return err
	}
	c.unlock()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	ok, err := c.cfg.Gateway.IsAvailable(rctx, c.cfg.ExamID)
	cancel()

	c.mu.Lock()
	defer c.unlock()
	c.busy = false
	if c.closed {
		return ErrClosed
	}

	if err == nil && !ok {
		err = E(KindUnavailable, "check availability", errors.New("exam is closed or inactive"))
	}
	if err != nil {
		if KindOf(err) == KindUnavailable {
			_ = c.transitionLocked(StateUnavailable)
		}
		c.log.Warn().Err(err).Msg("Availability check failed")
		return fmt.Errorf("check availability: %w", err)
	}

	c.available = true
	return nil
}

// LoadOrPrompt loads the definition and any existing session. With no
// session it stops in NotStarted and waits for Start; an in-progress session
// is resumed from the server's answers and start time; a finished one goes
// straight to Terminal.
func (c *Controller) LoadOrPrompt(ctx context.Context) (State, error) {
	c.mu.Lock()
	if !c.available && c.machine.Is(StateChecking) {
		c.unlock()
		return StateChecking, ErrNotChecked
	}
	if err := c.beginLocked(StateChecking); err != nil {
		st := c.machine.State()
		c.unlock()
		return st, err
	}
	c.unlock()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	def, err := c.cfg.Store.GetDefinition(rctx, c.cfg.ExamID)
	if err == nil {
		if verr := def.Validate(); verr != nil {
			err = E(KindValidation, "load definition", verr)
		}
	}
	var sess *model.ExamSession
	if err == nil {
		sess, err = c.cfg.Store.GetSession(rctx, c.cfg.ExamID)
	}

	c.mu.Lock()
	defer c.unlock()
	c.busy = false
	if c.closed {
		return c.machine.State(), ErrClosed
	}
	if err != nil {
		if KindOf(err) == KindUnavailable {
			_ = c.transitionLocked(StateUnavailable)
		}
		c.log.Error().Err(err).Msg("Session load failed")
		return c.machine.State(), fmt.Errorf("load session: %w", err)
	}

	c.def = def
	c.refreshOffsetLocked()
	if sess == nil {
		if err := c.transitionLocked(StateNotStarted); err != nil {
			return c.machine.State(), err
		}
		return StateNotStarted, nil
	}
	return c.adoptLocked(sess, "load session")
}

// Start asks the server to create the session. On failure the controller
// stays in NotStarted.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.beginLocked(StateNotStarted); err != nil {
		c.unlock()
		return err
	}
	c.unlock()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	sess, err := c.cfg.Store.CreateSession(rctx, c.cfg.ExamID)
	cancel()

	c.mu.Lock()
	defer c.unlock()
	c.busy = false
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		c.log.Error().Err(err).Msg("Session start failed")
		return fmt.Errorf("start session: %w", err)
	}

	c.refreshOffsetLocked()
	_, err = c.adoptLocked(sess, "start session")
	return err
}

// adoptLocked installs a server session and moves to the matching state.
func (c *Controller) adoptLocked(sess *model.ExamSession, op string) (State, error) {
	if err := sess.Validate(); err != nil {
		return c.machine.State(), E(KindValidation, op, err)
	}

	switch {
	case sess.IsFinal():
		c.session = sess
		c.stopTimerLocked()
		if err := c.transitionLocked(StateTerminal); err != nil {
			return c.machine.State(), err
		}
		c.finishedLocked(sess)

	case sess.Status == model.SessionStatusInProgress:
		if c.machine.Is(StateChecking) {
			if err := c.transitionLocked(StateResuming); err != nil {
				return c.machine.State(), err
			}
		}
		c.session = sess
		c.cache.LoadFrom(sess.Answers)
		c.cache.AdvanceTo(revisionFloor(c.serverNowLocked()))
		c.sync.Reset()
		c.index = 0
		c.armLocked(*sess.StartedAt, c.def.DurationMinutes)
		if err := c.transitionLocked(StateActive); err != nil {
			return c.machine.State(), err
		}
		c.log.Info().
			Str("session_id", sess.ID.String()).
			Int("answers", len(sess.Answers)).
			Dur("remaining", c.remainingLocked()).
			Msg("Session active")

	default:
		if c.machine.Is(StateChecking) {
			if err := c.transitionLocked(StateNotStarted); err != nil {
				return c.machine.State(), err
			}
			return StateNotStarted, nil
		}
		return c.machine.State(), E(KindValidation, op, errors.New("server returned a session that has not started"))
	}
	return c.machine.State(), nil
}

// Close tears the controller down: the clock is cancelled, in-flight pushes
// are aborted, and every later call fails with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked()
	c.unlock()
	c.cancel()
}

// ─── Answering ──────────────────────────────────────────────────────────────

// SelectOption records a choice answer and pushes that question only.
func (c *Controller) SelectOption(questionID, optionID uuid.UUID) error {
	c.mu.Lock()
	defer c.unlock()

	q, err := c.answerableLocked(questionID)
	if err != nil {
		return err
	}
	if !q.Type.IsChoice() {
		return E(KindValidation, "select option", fmt.Errorf("question %s is %s", q.ID, q.Type))
	}
	if !q.HasOption(optionID) {
		return E(KindValidation, "select option", fmt.Errorf("option %s does not belong to question %s", optionID, q.ID))
	}

	opt := optionID
	c.cache.Set(questionID, model.Answer{SelectedOptionID: &opt})
	c.sync.Push(c.ctx, c.session.ID, questionID)
	return nil
}

// UpdateEssay records an essay answer and pushes that question only.
func (c *Controller) UpdateEssay(questionID uuid.UUID, text string) error {
	c.mu.Lock()
	defer c.unlock()

	q, err := c.answerableLocked(questionID)
	if err != nil {
		return err
	}
	if q.Type != model.QuestionTypeEssay {
		return E(KindValidation, "update essay", fmt.Errorf("question %s is %s", q.ID, q.Type))
	}

	c.cache.Set(questionID, model.Answer{AnswerText: text})
	c.sync.Push(c.ctx, c.session.ID, questionID)
	return nil
}

func (c *Controller) answerableLocked(questionID uuid.UUID) (*model.Question, error) {
	if err := c.activeLocked(); err != nil {
		return nil, err
	}
	q, ok := c.def.Question(questionID)
	if !ok {
		return nil, E(KindValidation, "answer", fmt.Errorf("unknown question %s", questionID))
	}
	return q, nil
}

// ─── Navigation ─────────────────────────────────────────────────────────────

// Next moves to the following question; it stays put on the last one.
func (c *Controller) Next() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.activeLocked(); err != nil {
		return err
	}
	if c.index < len(c.def.Questions)-1 {
		c.index++
	}
	return nil
}

// Previous moves to the preceding question; it stays put on the first one.
func (c *Controller) Previous() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.activeLocked(); err != nil {
		return err
	}
	if c.index > 0 {
		c.index--
	}
	return nil
}

// GoTo jumps to the zero-based question index.
func (c *Controller) GoTo(index int) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.activeLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(c.def.Questions) {
		return E(KindValidation, "go to", fmt.Errorf("index %d out of range [0,%d)", index, len(c.def.Questions)))
	}
	c.index = index
	return nil
}

// ─── Submission ─────────────────────────────────────────────────────────────

// ConfirmSubmit opens the submit confirmation.
func (c *Controller) ConfirmSubmit() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.activeLocked(); err != nil {
		return err
	}
	c.confirming = true
	return nil
}

// CancelSubmit dismisses the submit confirmation.
func (c *Controller) CancelSubmit() {
	c.mu.Lock()
	defer c.unlock()
	c.confirming = false
}

// Submit finalises the session. Only one submit is ever in flight: a call
// made while another is running returns ErrSubmitInFlight without reaching
// the store. Submit on a finished session returns nil.
func (c *Controller) Submit(ctx context.Context) error {
	return c.submit(ctx, submitReasonManual)
}

func (c *Controller) submit(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return ErrClosed
	}
	if c.machine.Is(StateTerminal) {
		c.unlock()
		return nil
	}
	if c.submitting {
		c.log.Debug().Str("reason", reason).Msg("Submit ignored, one is already in flight")
		c.unlock()
		return ErrSubmitInFlight
	}
	switch {
	case c.machine.Is(StateActive):
		if err := c.transitionLocked(StateSubmitting); err != nil {
			c.unlock()
			return err
		}
	case c.machine.Is(StateSubmitting) && c.submitFailed:
		// Manual retry after the automatic retry was exhausted.
	default:
		c.unlock()
		return ErrNotActive
	}
	c.submitting = true
	c.submitFailed = false
	c.confirming = false
	sessionID := c.session.ID
	c.unlock()

	c.log.Info().Str("reason", reason).Str("session_id", sessionID.String()).Msg("Submitting session")

	fctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	if err := c.sync.Flush(fctx); err != nil {
		c.log.Warn().Err(err).Msg("Pending answer pushes did not settle before submit")
	}
	cancel()

	sess, err := c.callSubmit(ctx, sessionID)
	if err != nil {
		c.mu.Lock()
		timeLeft := c.countdown != nil && !c.countdown.Expired() && c.remainingLocked() > 0
		if timeLeft {
			c.submitting = false
			_ = c.transitionLocked(StateActive)
			c.noticeLocked(Notice{Kind: NoticeSubmitFailed, Err: err})
			c.unlock()
			c.log.Warn().Err(err).Msg("Submit failed, session remains active")
			return fmt.Errorf("submit: %w", err)
		}
		// Time is up, so there is no active state to fall back to.
		c.noticeLocked(Notice{Kind: NoticeSubmitRetrying, Err: err})
		c.unlock()
		c.log.Warn().Err(err).Msg("Submit failed after expiry, retrying once")
		sess, err = c.callSubmit(ctx, sessionID)
	}

	c.mu.Lock()
	defer c.unlock()
	c.submitting = false

	if err != nil {
		c.submitFailed = true
		c.noticeLocked(Notice{Kind: NoticeSubmitAbandoned, Err: err})
		c.log.Error().Err(err).Msg("Submit failed permanently")
		return fmt.Errorf("submit: %w", err)
	}

	c.session = sess
	c.stopTimerLocked()
	if err := c.transitionLocked(StateTerminal); err != nil {
		return err
	}
	c.finishedLocked(sess)
	c.log.Info().Str("session_id", sess.ID.String()).Str("status", string(sess.Status)).Msg("Session submitted")
	return nil
}

func (c *Controller) callSubmit(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	sess, err := c.cfg.Store.Submit(rctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsFinal() {
		return nil, E(KindTransient, "submit", fmt.Errorf("store returned session in status %s", sess.Status))
	}
	return sess, nil
}

// Result fetches the graded view of a finished session.
func (c *Controller) Result(ctx context.Context) (*model.ExamSession, error) {
	c.mu.Lock()
	if !c.machine.Is(StateTerminal) || c.session == nil {
		c.unlock()
		return nil, ErrWrongState
	}
	sessionID := c.session.ID
	c.unlock()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.cfg.Store.GetResult(rctx, sessionID)
}

// ─── Clock ──────────────────────────────────────────────────────────────────

// armLocked replaces any running clock with one anchored on startedAt.
func (c *Controller) armLocked(startedAt time.Time, durationMinutes int) {
	c.stopTimerLocked()
	c.countdown = NewCountdown(startedAt, durationMinutes)
	c.timer = StartTimer(c.ctx, c.cfg.TickInterval, c.cfg.NewTicker, c.onTick)
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Controller) onTick(t *Timer) {
	c.mu.Lock()
	if c.closed || t != c.timer || t.Stopped() || c.countdown == nil {
		c.unlock()
		return
	}

	remaining, expired := c.countdown.Observe(c.serverNowLocked())
	if hook := c.cfg.Hooks.OnTick; hook != nil {
		c.pending = append(c.pending, func() { hook(remaining) })
	}
	if expired {
		t.Stop()
		c.noticeLocked(Notice{Kind: NoticeExpired})
		c.log.Info().Msg("Session time expired")
	}
	c.unlock()

	if expired {
		if err := c.submit(c.ctx, submitReasonExpired); err != nil && !errors.Is(err, ErrSubmitInFlight) {
			c.log.Error().Err(err).Msg("Expiry submit failed")
		}
	}
}

// revisionFloor is the first revision a controller adopting a session at now
// may use. Server time in microseconds keeps a reloaded controller above
// anything an earlier instance could still have on the wire.
func revisionFloor(now time.Time) int64 {
	return now.UnixMicro()
}

func (c *Controller) serverNowLocked() time.Time {
	return c.cfg.Now().Add(c.offset)
}

func (c *Controller) refreshOffsetLocked() {
	if sc, ok := c.cfg.Store.(ServerClock); ok {
		c.offset = sc.ServerOffset()
	}
}

func (c *Controller) remainingLocked() time.Duration {
	if c.countdown == nil {
		return 0
	}
	return c.countdown.Remaining(c.serverNowLocked())
}

// ─── Views ──────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.unlock()
	return c.machine.State()
}

// Remaining returns the time left, or zero before the clock is armed.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.unlock()
	return c.remainingLocked()
}

// Current returns the question under the cursor and its index.
func (c *Controller) Current() (model.Question, int, bool) {
	c.mu.Lock()
	defer c.unlock()
	if c.def == nil || len(c.def.Questions) == 0 {
		return model.Question{}, 0, false
	}
	return c.def.Questions[c.index], c.index, true
}

// Definition returns the loaded exam definition.
func (c *Controller) Definition() *model.ExamDefinition {
	c.mu.Lock()
	defer c.unlock()
	return c.def
}

// Answer returns the cached answer for a question (empty if untouched).
func (c *Controller) Answer(questionID uuid.UUID) model.Answer {
	return c.cache.Get(questionID)
}

// AnsweredCount counts touched questions, including essays later cleared.
func (c *Controller) AnsweredCount() int {
	return c.cache.Count()
}

// UnsyncedQuestions lists questions whose last push failed.
func (c *Controller) UnsyncedQuestions() []uuid.UUID {
	return c.sync.Unsynced()
}

// Snapshot returns a consistent view for rendering.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.unlock()
	s := Snapshot{
		State:      c.machine.State(),
		Index:      c.index,
		Answered:   c.cache.Count(),
		Remaining:  c.remainingLocked(),
		Confirming: c.confirming,
		Unsynced:   len(c.sync.Unsynced()),
		Session:    c.session,
	}
	if c.def != nil {
		s.Total = len(c.def.Questions)
	}
	return s
}

// ─── Internals ──────────────────────────────────────────────────────────────

// unlock releases the mutex and then runs the hooks queued while it was held.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (c *Controller) beginLocked(allowed ...State) error {
	if c.closed {
		return ErrClosed
	}
	if c.busy {
		return ErrBusy
	}
	if !c.machine.Is(allowed...) {
		return fmt.Errorf("%w: %s", ErrWrongState, c.machine.State())
	}
	c.busy = true
	return nil
}

func (c *Controller) activeLocked() error {
	if c.closed {
		return ErrClosed
	}
	if !c.machine.Is(StateActive) {
		return ErrNotActive
	}
	return nil
}

func (c *Controller) transitionLocked(to State) error {
	from, err := c.machine.Transition(to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State changed")
	if hook := c.cfg.Hooks.OnState; hook != nil {
		c.pending = append(c.pending, func() { hook(from, to) })
	}
	return nil
}

func (c *Controller) noticeLocked(n Notice) {
	if hook := c.cfg.Hooks.OnNotice; hook != nil {
		c.pending = append(c.pending, func() { hook(n) })
	}
}

func (c *Controller) finishedLocked(sess *model.ExamSession) {
	if hook := c.cfg.Hooks.OnFinished; hook != nil {
		c.pending = append(c.pending, func() { hook(sess) })
	}
}

func (c *Controller) notifyAsync(n Notice) {
	if hook := c.cfg.Hooks.OnNotice; hook != nil {
		hook(n)
	}
}
