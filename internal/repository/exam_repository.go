package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository handles exam data access. Exams are seeded by migrations;
// the proctor API only reads them.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	var security []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, scheduled_start, scheduled_end, duration_minutes,
		        max_attempts, security_config, status, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.ScheduledStart, &e.ScheduledEnd, &e.DurationMinutes,
		&e.MaxAttempts, &security, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.SecurityConfig = security
	return e, nil
}
