package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// The revision guard keeps the highest revision seen for each question, so a
// late, stale write never overwrites a newer one.
const upsertAnswerSQL = `INSERT INTO student_answers (session_id, question_id, selected_option_id, answer_text, revision)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (session_id, question_id) DO UPDATE
	 SET selected_option_id = EXCLUDED.selected_option_id,
	     answer_text = EXCLUDED.answer_text,
	     revision = EXCLUDED.revision,
	     updated_at = NOW()
	 WHERE student_answers.revision < EXCLUDED.revision`

// upsertOpenAnswerSQL is upsertAnswerSQL restricted to sessions that are
// still in progress, for writes arriving after the request has returned.
const upsertOpenAnswerSQL = `INSERT INTO student_answers (session_id, question_id, selected_option_id, answer_text, revision)
	 SELECT $1::uuid, $2::uuid, $3::uuid, $4::text, $5::bigint
	 FROM exam_sessions s
	 WHERE s.id = $1::uuid AND s.status = 'IN_PROGRESS'
	 ON CONFLICT (session_id, question_id) DO UPDATE
	 SET selected_option_id = EXCLUDED.selected_option_id,
	     answer_text = EXCLUDED.answer_text,
	     revision = EXCLUDED.revision,
	     updated_at = NOW()
	 WHERE student_answers.revision < EXCLUDED.revision`

// AnswerRepository handles student answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert writes one answer to an in-progress session. It reports false when
// a newer revision is stored or the session is already final.
func (r *AnswerRepository) Upsert(ctx context.Context, a model.Answer) (bool, error) {
	tag, err := r.pool.Exec(ctx, upsertOpenAnswerSQL,
		a.SessionID, a.QuestionID, a.SelectedOptionID, a.AnswerText, a.Revision)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertBatchTx writes many answers inside tx.
func (r *AnswerRepository) UpsertBatchTx(ctx context.Context, tx pgx.Tx, answers []model.Answer) error {
	if len(answers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range answers {
		batch.Queue(upsertAnswerSQL, a.SessionID, a.QuestionID, a.SelectedOptionID, a.AnswerText, a.Revision)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert answers: %w", err)
	}
	return nil
}

// ListBySession returns the stored answers of a session.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error) {
	return r.listBySession(ctx, r.pool, sessionID)
}

// ListBySessionTx is ListBySession inside tx.
func (r *AnswerRepository) ListBySessionTx(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) ([]model.Answer, error) {
	return r.listBySession(ctx, tx, sessionID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *AnswerRepository) listBySession(ctx context.Context, q querier, sessionID uuid.UUID) ([]model.Answer, error) {
	rows, err := q.Query(ctx,
		`SELECT session_id, question_id, selected_option_id, answer_text, revision, is_correct
		 FROM student_answers WHERE session_id = $1
		 ORDER BY revision`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Answer, error) {
		var a model.Answer
		err := row.Scan(&a.SessionID, &a.QuestionID, &a.SelectedOptionID, &a.AnswerText, &a.Revision, &a.IsCorrect)
		return a, err
	})
}

// MarkCorrectnessTx stores the graded flag of each choice answer.
func (r *AnswerRepository) MarkCorrectnessTx(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, correct map[uuid.UUID]bool) error {
	if len(correct) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for qid, ok := range correct {
		batch.Queue(`UPDATE student_answers SET is_correct = $1 WHERE session_id = $2 AND question_id = $3`, ok, sessionID, qid)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("mark correctness: %w", err)
	}
	return nil
}
