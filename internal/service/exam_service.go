package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// Domain errors.
var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrExamNotAvailable = errors.New("exam is not open")
	ErrNoQuestions      = errors.New("exam has no questions")
)

// ExamService serves exam definitions from a Redis payload cache backed by
// PostgreSQL.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	ttl      time.Duration
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		ttl:      cfg.ExamCacheTTL,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// Definition returns the full definition including the answer key. It is
// for grading only and must never be sent to a student.
func (s *ExamService) Definition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(examID)).Bytes()
	switch {
	case err == nil:
		var def model.ExamDefinition
		if jerr := json.Unmarshal(raw, &def); jerr == nil {
			return &def, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt exam payload in cache, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache read failed, falling back to database")
	}
	return s.WarmCache(ctx, examID)
}

// WarmCache loads a definition from PostgreSQL into Redis.
func (s *ExamService) WarmCache(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	def, err := s.examRepo.GetDefinition(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("exam %s is malformed: %w", examID, err)
	}

	payload, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamPayloadKey(examID), payload, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache write failed")
	}

	s.log.Debug().
		Str("exam_id", examID.String()).
		Int("questions", len(def.Questions)).
		Msg("Exam cache warmed")
	return def, nil
}

// PrewarmAll caches every active exam. Called once at startup.
func (s *ExamService) PrewarmAll(ctx context.Context) error {
	ids, err := s.examRepo.ListActiveIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active exams: %w", err)
	}

	warmed := 0
	for _, id := range ids {
		if _, err := s.WarmCache(ctx, id); err != nil {
			s.log.Error().Err(err).Str("exam_id", id.String()).Msg("Prewarm failed")
			continue
		}
		warmed++
	}

	s.log.Info().Int("count", warmed).Int("total", len(ids)).Msg("Exam caches prewarmed")
	return nil
}

// Availability reports whether the exam accepts sessions now.
func (s *ExamService) Availability(ctx context.Context, examID uuid.UUID) (*model.Availability, error) {
	def, err := s.Definition(ctx, examID)
	if err != nil {
		return nil, err
	}
	return &model.Availability{ExamID: examID, Available: def.IsOpen(time.Now())}, nil
}

// StudentDefinition returns the definition with the answer key stripped. It
// fails with ErrExamNotAvailable outside the exam window.
func (s *ExamService) StudentDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	def, err := s.Definition(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !def.IsOpen(time.Now()) {
		return nil, ErrExamNotAvailable
	}
	return def.StripAnswerKey(), nil
}
