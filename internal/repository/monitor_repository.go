package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptSummary is one row of the proctor's initial snapshot.
type AttemptSummary struct {
	AttemptID      uuid.UUID           `json:"attempt_id"`
	StudentID      int                 `json:"student_id"`
	Status         model.AttemptStatus `json:"status"`
	ViolationCount int64               `json:"violation_count"`
	TimeOutsideMs  int64               `json:"time_outside_ms"`
}

// MonitorRepository provides data access for the proctor live feed.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListAttemptSummaries returns every attempt of an exam with its persisted counted violations.
func (r *MonitorRepository) ListAttemptSummaries(ctx context.Context, examID uuid.UUID) ([]AttemptSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.student_id, a.status, COUNT(v.id) FILTER (WHERE v.counted), a.time_outside_ms
		 FROM exam_attempts a
		 LEFT JOIN attempt_violations v ON v.attempt_id = a.id
		 WHERE a.exam_id = $1
		 GROUP BY a.id
		 ORDER BY a.started_at`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptSummary
	for rows.Next() {
		var s AttemptSummary
		if err := rows.Scan(&s.AttemptID, &s.StudentID, &s.Status, &s.ViolationCount, &s.TimeOutsideMs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
