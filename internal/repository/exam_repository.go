package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// ExamRepository handles exam definition data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetHeader retrieves an exam without its questions.
func (r *ExamRepository) GetHeader(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, window_start, window_end, is_active
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.WindowStart, &e.WindowEnd, &e.IsActive)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetDefinition retrieves an exam with its ordered questions and options,
// including the answer key.
func (r *ExamRepository) GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e, err := r.GetHeader(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, question_text, question_type, marks, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num`, id)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var q model.Question
		var qType int16
		if err := rows.Scan(&q.ID, &q.Text, &qType, &q.Marks, &q.Order); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = model.QuestionType(qType)
		index[q.ID] = len(e.Questions)
		e.Questions = append(e.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	optRows, err := r.pool.Query(ctx,
		`SELECT o.id, o.question_id, o.option_text, o.is_correct
		 FROM question_options o
		 JOIN questions q ON q.id = o.question_id
		 WHERE q.exam_id = $1
		 ORDER BY q.order_num, o.position`, id)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var o model.Option
		var questionID uuid.UUID
		var correct bool
		if err := optRows.Scan(&o.ID, &questionID, &o.Text, &correct); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		o.IsCorrect = &correct
		if i, ok := index[questionID]; ok {
			e.Questions[i].Options = append(e.Questions[i].Options, o)
		}
	}
	return e, optRows.Err()
}

// ListActiveIDs returns the IDs of exams flagged active. Used for cache
// prewarming on startup.
func (r *ExamRepository) ListActiveIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams WHERE is_active ORDER BY window_start`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// CreateDefinition inserts an exam with its questions and options in one
// transaction. IDs left as uuid.Nil are generated by the database.
func (r *ExamRepository) CreateDefinition(ctx context.Context, e *model.ExamDefinition) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO exams (id, title, duration_minutes, window_start, window_end, is_active)
			 VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5, $6)
			 RETURNING id`,
			nilIfZero(e.ID), e.Title, e.DurationMinutes, e.WindowStart, e.WindowEnd, e.IsActive,
		).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}

		for i := range e.Questions {
			q := &e.Questions[i]
			err := tx.QueryRow(ctx,
				`INSERT INTO questions (id, exam_id, question_text, question_type, marks, order_num)
				 VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5, $6)
				 RETURNING id`,
				nilIfZero(q.ID), e.ID, q.Text, int16(q.Type), q.Marks, q.Order,
			).Scan(&q.ID)
			if err != nil {
				return fmt.Errorf("insert question %d: %w", q.Order, err)
			}

			for pos := range q.Options {
				o := &q.Options[pos]
				correct := o.IsCorrect != nil && *o.IsCorrect
				err := tx.QueryRow(ctx,
					`INSERT INTO question_options (id, question_id, option_text, is_correct, position)
					 VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5)
					 RETURNING id`,
					nilIfZero(o.ID), q.ID, o.Text, correct, pos,
				).Scan(&o.ID)
				if err != nil {
					return fmt.Errorf("insert option: %w", err)
				}
			}
		}
		return nil
	})
}

func nilIfZero(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
