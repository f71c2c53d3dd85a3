package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// Session errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotSessionOwner   = errors.New("session belongs to another student")
	ErrSessionClosed     = errors.New("session no longer accepts answers")
	ErrSessionNotStarted = errors.New("session has not started")
	ErrSessionNotFinal   = errors.New("session has not been submitted")
	ErrInvalidAnswer     = errors.New("answer does not fit the question")
)

const sessionMetaTTL = 24 * time.Hour

// Lua results other than a non-negative stored revision.
const (
	pushApplied     = -1
	pushClosed      = -2
	pushMetaMissing = -3
)

// pushAnswerScript writes the answer hash entry only when the session is
// still open and the incoming revision is newer than the stored one, then
// queues it for persistence. All in one atomic step so a submit that closes
// the session cannot miss a write it raced with. A repeat of the stored write
// (same revision, same payload) reports applied without queueing again.
//
// KEYS[1] answers hash, KEYS[2] persist queue, KEYS[3] session meta hash
// ARGV[1] question id, ARGV[2] revision, ARGV[3] answer JSON
var pushAnswerScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[3], 'status')
if not status then return -3 end
if status ~= 'IN_PROGRESS' then return -2 end
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local stored = tonumber(cjson.decode(cur).revision)
  local incoming = tonumber(ARGV[2])
  if stored == incoming and cur == ARGV[3] then return -1 end
  if stored >= incoming then return stored end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[3])
return -1
`)

// sessionMeta is the hot-path copy of the fields that authorise a write.
type sessionMeta struct {
	StudentID int
	ExamID    uuid.UUID
	StartedAt time.Time
	Status    model.SessionStatus
}

// ExamSessionService runs the server side of an exam attempt.
type ExamSessionService struct {
	pool        *pgxpool.Pool
	sessionRepo *repository.ExamSessionRepository
	answerRepo  *repository.AnswerRepository
	exams       *ExamService
	rdb         *redis.Client
	grace       time.Duration
	log         zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	pool *pgxpool.Pool,
	sessionRepo *repository.ExamSessionRepository,
	answerRepo *repository.AnswerRepository,
	exams *ExamService,
	rdb *redis.Client,
	cfg *config.Config,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		pool:        pool,
		sessionRepo: sessionRepo,
		answerRepo:  answerRepo,
		exams:       exams,
		rdb:         rdb,
		grace:       cfg.SubmitGrace,
		log:         log.With().Str("component", "exam_session_service").Logger(),
	}
}

// ─── Read ───────────────────────────────────────────────────────────────────

// GetSession returns the student's session for an exam with its current
// answers, or ErrSessionNotFound.
func (s *ExamSessionService) GetSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := s.attachAnswers(ctx, sess, false); err != nil {
		return nil, err
	}
	return sess, nil
}

// Result returns a finished session with per-answer correctness.
func (s *ExamSessionService) Result(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.owned(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if !sess.IsFinal() {
		return nil, ErrSessionNotFinal
	}
	if err := s.attachAnswers(ctx, sess, true); err != nil {
		return nil, err
	}
	return sess, nil
}

// attachAnswers fills sess.Answers. For a live session the Redis hash is
// merged over PostgreSQL, keeping the higher revision per question.
func (s *ExamSessionService) attachAnswers(ctx context.Context, sess *model.ExamSession, withCorrectness bool) error {
	stored, err := s.answerRepo.ListBySession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list answers: %w", err)
	}

	merged := make(map[uuid.UUID]model.Answer, len(stored))
	for _, a := range stored {
		if !withCorrectness {
			a.IsCorrect = nil
		}
		merged[a.QuestionID] = a
	}

	if sess.Status == model.SessionStatusInProgress {
		cached, err := s.cachedAnswers(ctx, sess.ID)
		if err != nil {
			return err
		}
		for _, a := range cached {
			if prev, ok := merged[a.QuestionID]; !ok || a.Revision > prev.Revision {
				merged[a.QuestionID] = a
			}
		}
	}

	sess.Answers = make([]model.Answer, 0, len(merged))
	for _, a := range merged {
		sess.Answers = append(sess.Answers, a)
	}
	sort.Slice(sess.Answers, func(i, j int) bool { return sess.Answers[i].Revision < sess.Answers[j].Revision })
	return nil
}

func (s *ExamSessionService) cachedAnswers(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached answers: %w", err)
	}
	out := make([]model.Answer, 0, len(raw))
	for qid, v := range raw {
		var a model.Answer
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID.String()).Str("question_id", qid).Msg("Skipping corrupt cached answer")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *ExamSessionService) owned(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.StudentID != studentID {
		return nil, ErrNotSessionOwner
	}
	return sess, nil
}

// ─── Start ──────────────────────────────────────────────────────────────────

// StartSession creates the session, or returns the existing one unchanged.
// The server clock sets started_at.
func (s *ExamSessionService) StartSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	existing, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}
	if existing != nil && existing.Status != model.SessionStatusNotStarted {
		if err := s.attachAnswers(ctx, existing, false); err != nil {
			return nil, err
		}
		return existing, nil
	}

	def, err := s.exams.Definition(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !def.IsOpen(time.Now()) {
		return nil, ErrExamNotAvailable
	}
	if len(def.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	sess, err := s.sessionRepo.Start(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := s.cacheMeta(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Failed to cache session meta")
	}
	if err := s.attachAnswers(ctx, sess, false); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Msg("Session started")
	return sess, nil
}

// ─── Answers ────────────────────────────────────────────────────────────────

// PushAnswer stores the full value of one answer. A revision at or below the
// stored one is acknowledged without being applied.
func (s *ExamSessionService) PushAnswer(ctx context.Context, sessionID uuid.UUID, studentID int, questionID uuid.UUID, req model.PushAnswerRequest) (*model.AnswerAck, error) {
	meta, err := s.meta(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if meta.StudentID != studentID {
		return nil, ErrNotSessionOwner
	}
	if meta.Status != model.SessionStatusInProgress {
		return nil, ErrSessionClosed
	}

	def, err := s.exams.Definition(ctx, meta.ExamID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(meta.StartedAt.Add(def.Duration() + s.grace)) {
		return nil, ErrSessionClosed
	}
	if err := checkAnswer(def, questionID, req); err != nil {
		return nil, err
	}

	answer := model.Answer{
		SessionID:        sessionID,
		QuestionID:       questionID,
		SelectedOptionID: req.SelectedOptionID,
		AnswerText:       req.AnswerText,
		Revision:         req.Revision,
	}
	payload, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}

	keys := []string{
		config.CacheKey.SessionAnswersKey(sessionID),
		config.WorkerKey.PersistAnswersQueue,
		config.CacheKey.SessionMetaKey(sessionID),
	}
	argv := []interface{}{questionID.String(), req.Revision, payload}

	res, err := pushAnswerScript.Run(ctx, s.rdb, keys, argv...).Int64()
	if err == nil && res == pushMetaMissing {
		if _, err = s.reloadMeta(ctx, sessionID); err == nil {
			res, err = pushAnswerScript.Run(ctx, s.rdb, keys, argv...).Int64()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("store answer: %w", err)
	}

	switch {
	case res == pushApplied:
		return &model.AnswerAck{QuestionID: questionID, Revision: req.Revision, Applied: true}, nil
	case res == pushClosed, res == pushMetaMissing:
		return nil, ErrSessionClosed
	default:
		return &model.AnswerAck{QuestionID: questionID, Revision: res, Applied: false}, nil
	}
}

func checkAnswer(def *model.ExamDefinition, questionID uuid.UUID, req model.PushAnswerRequest) error {
	q, ok := def.Question(questionID)
	if !ok {
		return fmt.Errorf("%w: unknown question %s", ErrInvalidAnswer, questionID)
	}
	if q.Type.IsChoice() {
		if req.AnswerText != "" {
			return fmt.Errorf("%w: %s takes an option, not text", ErrInvalidAnswer, q.Type)
		}
		if req.SelectedOptionID != nil && !q.HasOption(*req.SelectedOptionID) {
			return fmt.Errorf("%w: option %s is not part of question %s", ErrInvalidAnswer, req.SelectedOptionID, q.ID)
		}
		return nil
	}
	if req.SelectedOptionID != nil {
		return fmt.Errorf("%w: essay takes text, not an option", ErrInvalidAnswer)
	}
	return nil
}

// ─── Submit ─────────────────────────────────────────────────────────────────

// Submit finalises the session. Submitting a finished session returns it
// unchanged.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.owned(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case model.SessionStatusNotStarted:
		return nil, ErrSessionNotStarted
	case model.SessionStatusInProgress:
		if sess, err = s.finalize(ctx, sess.ID, "submit"); err != nil {
			return nil, err
		}
	}
	if err := s.attachAnswers(ctx, sess, false); err != nil {
		return nil, err
	}
	return sess, nil
}

// finalize closes the Redis gate, persists the cached answers, grades them,
// and marks the session final, all under a row lock.
func (s *ExamSessionService) finalize(ctx context.Context, sessionID uuid.UUID, reason string) (*model.ExamSession, error) {
	metaKey := config.CacheKey.SessionMetaKey(sessionID)
	if err := s.rdb.HSet(ctx, metaKey, "status", string(model.SessionStatusSubmitted)).Err(); err != nil {
		return nil, fmt.Errorf("close session gate: %w", err)
	}
	s.rdb.Expire(ctx, metaKey, sessionMetaTTL)

	cached, err := s.cachedAnswers(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var final *model.ExamSession
	err = database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := s.sessionRepo.LockTx(ctx, tx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if sess.IsFinal() {
			final = sess
			return nil
		}

		if err := s.answerRepo.UpsertBatchTx(ctx, tx, cached); err != nil {
			return err
		}
		answers, err := s.answerRepo.ListBySessionTx(ctx, tx, sessionID)
		if err != nil {
			return fmt.Errorf("list answers: %w", err)
		}

		def, err := s.exams.Definition(ctx, sess.ExamID)
		if err != nil {
			return err
		}
		score, correct, status := Grade(def, answers)
		if err := s.answerRepo.MarkCorrectnessTx(ctx, tx, sessionID, correct); err != nil {
			return err
		}

		now := time.Now()
		if _, err := s.sessionRepo.FinalizeTx(ctx, tx, sessionID, status, score, now); err != nil {
			return fmt.Errorf("finalize session: %w", err)
		}
		sess.Status = status
		sess.Score = &score
		sess.SubmittedAt = &now
		final = sess
		return nil
	})
	if err != nil {
		// Reopen the gate so the student can keep answering and retry.
		if live, lerr := s.sessionRepo.GetByID(ctx, sessionID); lerr == nil && live.Status == model.SessionStatusInProgress {
			s.rdb.HSet(ctx, metaKey, "status", string(model.SessionStatusInProgress))
		}
		return nil, err
	}

	s.rdb.Del(ctx, config.CacheKey.SessionAnswersKey(sessionID))

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("reason", reason).
		Str("status", string(final.Status)).
		Int("answers", len(cached)).
		Msg("Session finalized")
	return final, nil
}

// SweepExpired finalises in-progress sessions whose time plus grace has run
// out. It returns the number finalised.
func (s *ExamSessionService) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.sessionRepo.ListExpired(ctx, s.grace, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	done := 0
	for _, e := range expired {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.finalize(ctx, e.ID, "expired"); err != nil {
			s.log.Error().Err(err).Str("session_id", e.ID.String()).Msg("Expiry finalize failed")
			continue
		}
		done++
	}
	return done, nil
}

// ─── Session meta cache ─────────────────────────────────────────────────────

func (s *ExamSessionService) meta(ctx context.Context, sessionID uuid.UUID) (*sessionMeta, error) {
	vals, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionMetaKey(sessionID)).Result()
	if err != nil {
		s.log.Warn().Err(err).Msg("Session meta read failed, using database")
		return s.reloadMeta(ctx, sessionID)
	}
	if m, ok := parseMeta(vals); ok {
		return m, nil
	}
	return s.reloadMeta(ctx, sessionID)
}

func (s *ExamSessionService) reloadMeta(ctx context.Context, sessionID uuid.UUID) (*sessionMeta, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.StartedAt == nil {
		return nil, ErrSessionNotStarted
	}
	if err := s.cacheMeta(ctx, sess); err != nil {
		return nil, err
	}
	return &sessionMeta{StudentID: sess.StudentID, ExamID: sess.ExamID, StartedAt: *sess.StartedAt, Status: sess.Status}, nil
}

func (s *ExamSessionService) cacheMeta(ctx context.Context, sess *model.ExamSession) error {
	if sess.StartedAt == nil {
		return nil
	}
	key := config.CacheKey.SessionMetaKey(sess.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"student_id", sess.StudentID,
		"exam_id", sess.ExamID.String(),
		"started_at", sess.StartedAt.UnixNano(),
		"status", string(sess.Status),
	)
	pipe.Expire(ctx, key, sessionMetaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache session meta: %w", err)
	}
	return nil
}

func parseMeta(vals map[string]string) (*sessionMeta, bool) {
	studentID, err := strconv.Atoi(vals["student_id"])
	if err != nil {
		return nil, false
	}
	examID, err := uuid.Parse(vals["exam_id"])
	if err != nil {
		return nil, false
	}
	startedNanos, err := strconv.ParseInt(vals["started_at"], 10, 64)
	if err != nil {
		return nil, false
	}
	status := model.SessionStatus(vals["status"])
	if status == "" {
		return nil, false
	}
	return &sessionMeta{
		StudentID: studentID,
		ExamID:    examID,
		StartedAt: time.Unix(0, startedNanos),
		Status:    status,
	}, true
}
