package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, exam_id, student_id, attempt_no, status, started_at, end_time,
	answers, final_file_ref, disqualified_reason, time_outside_ms, last_visibility,
	last_heartbeat_at, submitted_at`

func scanAttempt(row pgx.Row) (*model.AttemptRecord, error) {
	a := &model.AttemptRecord{}
	var answers []byte
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.AttemptNo, &a.Status, &a.StartedAt, &a.EndTime,
		&answers, &a.FinalFileRef, &a.DisqualifiedReason, &a.TimeOutsideMs, &a.LastVisibility,
		&a.LastHeartbeatAt, &a.SubmittedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	return a, nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.AttemptRecord, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id))
}

// FindActive returns the student's IN_PROGRESS attempt for an exam.
func (r *AttemptRepository) FindActive(ctx context.Context, examID uuid.UUID, studentID int) (*model.AttemptRecord, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE exam_id = $1 AND student_id = $2 AND status = $3`,
		examID, studentID, model.AttemptStatusInProgress))
}

// CountByStudent returns how many attempts the student has made at an exam.
func (r *AttemptRepository) CountByStudent(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_attempts WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	).Scan(&n)
	return n, err
}

// Create inserts a new IN_PROGRESS attempt. The partial unique index on
// (exam_id, student_id) for IN_PROGRESS rows turns a concurrent start into ErrConflict.
func (r *AttemptRepository) Create(ctx context.Context, a *model.AttemptRecord) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (id, exam_id, student_id, attempt_no, status, started_at, end_time)
		 VALUES ($1, $2, $3,
		         (SELECT COALESCE(MAX(attempt_no), 0) + 1 FROM exam_attempts WHERE exam_id = $2 AND student_id = $3),
		         $4, $5, $6)
		 ON CONFLICT DO NOTHING
		 RETURNING attempt_no`,
		a.ID, a.ExamID, a.StudentID, model.AttemptStatusInProgress, a.StartedAt, a.EndTime,
	).Scan(&a.AttemptNo)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrConflict
		}
		return err
	}
	a.Status = model.AttemptStatusInProgress
	return nil
}

// RecordHeartbeat stores the latest liveness data. Time outside only grows.
func (r *AttemptRepository) RecordHeartbeat(ctx context.Context, id uuid.UUID, vis model.Visibility, timeOutsideMs int64, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET last_visibility = $2,
		     time_outside_ms = GREATEST(time_outside_ms, $3),
		     last_heartbeat_at = $4
		 WHERE id = $1`,
		id, vis, timeOutsideMs, at)
	return err
}

// Finish moves an IN_PROGRESS attempt to a terminal status. It reports false
// when the attempt had already finished, leaving the row untouched.
func (r *AttemptRepository) Finish(ctx context.Context, id uuid.UUID, out model.AttemptOutcome) (bool, error) {
	var answers []byte
	if out.Answers != nil {
		b, err := json.Marshal(out.Answers)
		if err != nil {
			return false, fmt.Errorf("encode answers: %w", err)
		}
		answers = b
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET status = $2,
		     answers = COALESCE($3::jsonb, answers),
		     final_file_ref = COALESCE(NULLIF($4, ''), final_file_ref),
		     disqualified_reason = NULLIF($5, ''),
		     submitted_at = $6
		 WHERE id = $1 AND status = $7`,
		id, out.Status, answers, out.FinalFileRef, out.Reason, out.At, model.AttemptStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Disqualify turns an attempt that was submitted at or after since into a
// DISQUALIFIED one. It reports false when no row qualified.
func (r *AttemptRepository) Disqualify(ctx context.Context, id uuid.UUID, reason string, since time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET status = $2, disqualified_reason = $3
		 WHERE id = $1 AND status IN ($4, $5) AND submitted_at >= $6`,
		id, model.AttemptStatusDisqualified, reason,
		model.AttemptStatusSubmitted, model.AttemptStatusAutoSubmitted, since)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SaveAnswers merges an autosaved snapshot into an IN_PROGRESS attempt.
// Finished attempts keep their final answers.
func (r *AttemptRepository) SaveAnswers(ctx context.Context, id uuid.UUID, answers map[string]model.Answer) error {
	b, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET answers = COALESCE(answers, '{}'::jsonb) || $2::jsonb
		 WHERE id = $1 AND status = $3`,
		id, b, model.AttemptStatusInProgress)
	return err
}
