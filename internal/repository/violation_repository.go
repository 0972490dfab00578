package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository persists accepted violation reports. Rows are keyed by
// (attempt_id, event_id) so a replayed report is stored once.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

const insertViolation = `INSERT INTO attempt_violations
	(attempt_id, exam_id, student_id, event_id, type, details, duration_ms,
	 occurred_at, counted, user_agent, page_url, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (attempt_id, event_id) DO NOTHING`

func violationArgs(v *model.ViolationRecord) []interface{} {
	return []interface{}{
		v.AttemptID, v.ExamID, v.StudentID, v.EventID, v.Type, v.Details, v.DurationMs,
		v.OccurredAt, v.Counted, v.UserAgent, v.PageURL, v.ReceivedAt,
	}
}

// InsertBatch writes all records in one round-trip inside a transaction.
func (r *ViolationRepository) InsertBatch(ctx context.Context, batch []*model.ViolationRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, v := range batch {
		b.Queue(insertViolation, violationArgs(v)...)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Insert writes a single record.
func (r *ViolationRepository) Insert(ctx context.Context, v *model.ViolationRecord) error {
	_, err := r.pool.Exec(ctx, insertViolation, violationArgs(v)...)
	return err
}

// ListByAttempt returns an attempt's persisted violations, oldest first.
func (r *ViolationRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ViolationLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, exam_id, student_id, event_id, type, details, duration_ms,
		        occurred_at, counted, user_agent, page_url, received_at
		 FROM attempt_violations
		 WHERE attempt_id = $1
		 ORDER BY occurred_at, id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.ViolationLog
	for rows.Next() {
		var v model.ViolationRecord
		if err := rows.Scan(&v.AttemptID, &v.ExamID, &v.StudentID, &v.EventID, &v.Type, &v.Details,
			&v.DurationMs, &v.OccurredAt, &v.Counted, &v.UserAgent, &v.PageURL, &v.ReceivedAt); err != nil {
			return nil, err
		}
		logs = append(logs, v.Log())
	}
	return logs, rows.Err()
}
