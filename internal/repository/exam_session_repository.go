package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

const sessionColumns = `id, exam_id, student_id, started_at, submitted_at, status, score`

// ExpiredSession identifies an in-progress session whose time has run out.
type ExpiredSession struct {
	ID        uuid.UUID
	ExamID    uuid.UUID
	StudentID int
}

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	if err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.StartedAt, &s.SubmittedAt, &s.Status, &s.Score); err != nil {
		return nil, err
	}
	return s, nil
}

// GetByExamAndStudent retrieves the session for an exam-student pair.
func (r *ExamSessionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID))
}

// GetByID retrieves a session by its UUID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// Start creates the session in IN_PROGRESS with the database clock as
// started_at. A concurrent or repeated start returns the existing row
// unchanged.
func (r *ExamSessionRepository) Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, status, started_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (exam_id, student_id) DO UPDATE
		 SET status = CASE WHEN exam_sessions.status = $4 THEN $3 ELSE exam_sessions.status END,
		     started_at = COALESCE(exam_sessions.started_at, EXCLUDED.started_at)
		 RETURNING `+sessionColumns,
		examID, studentID, model.SessionStatusInProgress, model.SessionStatusNotStarted))
}

// FinalizeTx moves an IN_PROGRESS session to its final status. It reports
// false when the session was already final, so concurrent submits apply once.
func (r *ExamSessionRepository) FinalizeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status model.SessionStatus, score float64, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, score = $2, submitted_at = $3
		 WHERE id = $4 AND status = $5`,
		status, score, at, id, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LockTx takes a row lock on the session for the rest of tx.
func (r *ExamSessionRepository) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
}

// ListExpired returns IN_PROGRESS sessions whose duration plus grace has
// elapsed by the database clock.
func (r *ExamSessionRepository) ListExpired(ctx context.Context, grace time.Duration, limit int) ([]ExpiredSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.exam_id, s.student_id
		 FROM exam_sessions s
		 JOIN exams e ON e.id = s.exam_id
		 WHERE s.status = $1
		   AND s.started_at + make_interval(mins => e.duration_minutes) + make_interval(secs => $2) < NOW()
		 ORDER BY s.started_at
		 LIMIT $3`,
		model.SessionStatusInProgress, grace.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ExpiredSession, error) {
		var e ExpiredSession
		err := row.Scan(&e.ID, &e.ExamID, &e.StudentID)
		return e, err
	})
}
