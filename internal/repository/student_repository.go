package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

var ErrDuplicateNISN = errors.New("student with this NISN already exists")

const selectStudentSQL = `SELECT id, nisn, name, password_hash, created_at FROM students`

// pgUniqueViolation is the SQLSTATE for a unique constraint failure.
const pgUniqueViolation = "23505"

// StudentRepository reads exam-taker accounts. Accounts are provisioned by
// the command-line tools; the server only looks them up.
type StudentRepository struct {
	pool *pgxpool.Pool
}

func NewStudentRepository(pool *pgxpool.Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

// GetByID returns pgx.ErrNoRows when the student does not exist.
func (r *StudentRepository) GetByID(ctx context.Context, id int) (*model.Student, error) {
	return scanStudent(r.pool.QueryRow(ctx, selectStudentSQL+` WHERE id = $1`, id))
}

// GetByNISN looks up the login identity.
func (r *StudentRepository) GetByNISN(ctx context.Context, nisn string) (*model.Student, error) {
	return scanStudent(r.pool.QueryRow(ctx, selectStudentSQL+` WHERE nisn = $1`, nisn))
}

// Create inserts s and fills in its ID and CreatedAt.
func (r *StudentRepository) Create(ctx context.Context, s *model.Student) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO students (nisn, name, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		s.NISN, s.Name, s.PasswordHash,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateNISN
		}
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

// UpdatePassword replaces the password hash of student id.
func (r *StudentRepository) UpdatePassword(ctx context.Context, id int, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE students SET password_hash = $1 WHERE id = $2`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanStudent(row pgx.Row) (*model.Student, error) {
	s := &model.Student{}
	if err := row.Scan(&s.ID, &s.NISN, &s.Name, &s.PasswordHash, &s.CreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}
