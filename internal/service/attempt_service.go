package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/repository"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Attempt lifecycle errors.
var (
	ErrExamNotAvailable     = errors.New("exam is not available")
	ErrExamNotYetOpen       = errors.New("exam is not open yet")
	ErrExamClosed           = errors.New("exam window has closed")
	ErrAttemptsExhausted    = errors.New("no attempts left for this exam")
	ErrAttemptTerminal      = errors.New("attempt already finished")
	ErrAttemptNotFound      = errors.New("attempt not found")
	ErrAttemptNotInProgress = errors.New("attempt is not in progress")
	ErrSubmitInProgress     = errors.New("submission already in progress")
)

// Server-side disqualification reasons.
const (
	DisqualifyViolationLimit = "Violation limit exceeded"
	DisqualifyTimeOutside    = "Exceeded maximum time outside exam window"
)

const (
	submitLockTTL = 30 * time.Second
	// mirrorGrace keeps the answer mirror around after the end time so a
	// late automatic submission can still pick it up.
	mirrorGrace = time.Hour
	// lateDisqualifyWindow bounds how long after a submission the agent may
	// still report that the attempt was disqualified while it was in flight.
	lateDisqualifyWindow = 5 * time.Minute
)

// ExamReader loads exams.
type ExamReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// AttemptStore persists attempts.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.AttemptRecord, error)
	FindActive(ctx context.Context, examID uuid.UUID, studentID int) (*model.AttemptRecord, error)
	CountByStudent(ctx context.Context, examID uuid.UUID, studentID int) (int, error)
	Create(ctx context.Context, a *model.AttemptRecord) error
	RecordHeartbeat(ctx context.Context, id uuid.UUID, vis model.Visibility, timeOutsideMs int64, at time.Time) error
	Finish(ctx context.Context, id uuid.UUID, out model.AttemptOutcome) (bool, error)
	Disqualify(ctx context.Context, id uuid.UUID, reason string, since time.Time) (bool, error)
}

// ViolationReader lists persisted violations.
type ViolationReader interface {
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ViolationLog, error)
}

// AttemptService is the authoritative side of an exam attempt: end times,
// violation accounting and server-side disqualification.
type AttemptService struct {
	exams      ExamReader
	attempts   AttemptStore
	violations ViolationReader
	rdb        *redis.Client
	metrics    *observability.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	exams ExamReader,
	attempts AttemptStore,
	violations ViolationReader,
	rdb *redis.Client,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		exams:      exams,
		attempts:   attempts,
		violations: violations,
		rdb:        rdb,
		metrics:    metrics,
		log:        log.With().Str("component", "attempt_service").Logger(),
		now:        time.Now,
	}
}

// ─── Start ──────────────────────────────────────────────────────────

// Start creates a new attempt or resumes the student's active one.
func (s *AttemptService) Start(ctx context.Context, studentID int, req model.StartAttemptRequest) (*model.StartAttemptResponse, error) {
	examID, err := uuid.Parse(req.ExamID)
	if err != nil {
		return nil, ErrExamNotAvailable
	}
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotAvailable
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotAvailable
	}

	now := s.now().UTC()

	if req.AttemptID != "" {
		return s.resumeExplicit(ctx, exam, studentID, req.AttemptID, now)
	}

	active, err := s.attempts.FindActive(ctx, exam.ID, studentID)
	switch {
	case err == nil:
		if resp, ok, err := s.resume(ctx, exam, active, now); err != nil || ok {
			return resp, err
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find active attempt: %w", err)
	}

	if exam.ScheduledStart != nil && now.Before(*exam.ScheduledStart) {
		return nil, ErrExamNotYetOpen
	}
	if exam.ScheduledEnd != nil && !now.Before(*exam.ScheduledEnd) {
		return nil, ErrExamClosed
	}

	count, err := s.attempts.CountByStudent(ctx, exam.ID, studentID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	if exam.MaxAttempts > 0 && count >= exam.MaxAttempts {
		return nil, ErrAttemptsExhausted
	}

	endTime := now.Add(time.Duration(exam.DurationMinutes) * time.Minute)
	if exam.ScheduledEnd != nil && endTime.After(*exam.ScheduledEnd) {
		endTime = *exam.ScheduledEnd
	}

	attempt := &model.AttemptRecord{
		ID:        uuid.New(),
		ExamID:    exam.ID,
		StudentID: studentID,
		StartedAt: now,
		EndTime:   endTime,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("create attempt: %w", err)
		}
		// Concurrent start from another tab or device.
		existing, fetchErr := s.attempts.FindActive(ctx, exam.ID, studentID)
		if fetchErr != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
		}
		return s.startResponse(exam, existing, true), nil
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", exam.ID.String()).
		Int("student_id", studentID).
		Int("attempt_no", attempt.AttemptNo).
		Msg("Attempt started")

	s.publish(ctx, ws.ProctorEvent{
		Event:     ws.EventStarted,
		ExamID:    exam.ID.String(),
		AttemptID: attempt.ID.String(),
		StudentID: studentID,
		Status:    model.AttemptStatusInProgress,
		At:        now,
	})

	return s.startResponse(exam, attempt, false), nil
}

func (s *AttemptService) resumeExplicit(ctx context.Context, exam *model.Exam, studentID int, rawID string, now time.Time) (*model.StartAttemptResponse, error) {
	attemptID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, ErrAttemptNotFound
	}
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.StudentID != studentID || attempt.ExamID != exam.ID {
		return nil, ErrAttemptNotFound
	}
	resp, ok, err := s.resume(ctx, exam, attempt, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAttemptTerminal
	}
	return resp, nil
}

// resume returns ok=false when the attempt can no longer be resumed. An
// attempt whose end time has passed is closed with its mirrored answers.
func (s *AttemptService) resume(ctx context.Context, exam *model.Exam, attempt *model.AttemptRecord, now time.Time) (*model.StartAttemptResponse, bool, error) {
	if attempt.Status.Terminal() {
		return nil, false, nil
	}
	if attempt.Remaining(now) > 0 {
		return s.startResponse(exam, attempt, true), true, nil
	}

	answers, err := s.mirroredAnswers(ctx, attempt.ID.String())
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to read answer mirror")
	}
	if _, err := s.finish(ctx, attempt, model.AttemptOutcome{
		Status:  model.AttemptStatusAutoSubmitted,
		Answers: mergeAnswers(attempt.Answers, answers),
		At:      now,
	}); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (s *AttemptService) startResponse(exam *model.Exam, attempt *model.AttemptRecord, resuming bool) *model.StartAttemptResponse {
	security := exam.Security()
	return &model.StartAttemptResponse{
		AttemptID: attempt.ID.String(),
		StudentID: attempt.StudentID,
		Exam:      exam.Info(),
		EndTime:   attempt.EndTime.UTC(),
		Resuming:  resuming,
		Security:  &security,
	}
}

// ─── Status ─────────────────────────────────────────────────────────

// Status returns the attempt as the server knows it. Violations still in the
// persistence queue are counted but not listed.
func (s *AttemptService) Status(ctx context.Context, studentID int, rawID string) (*model.AttemptStatusResponse, error) {
	attempt, err := s.owned(ctx, studentID, rawID)
	if err != nil {
		return nil, err
	}

	logs, err := s.violations.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	count, err := s.countedViolations(ctx, attempt.ID.String())
	if err != nil {
		return nil, err
	}
	if persisted := model.CountedViolations(logs); persisted > count {
		count = persisted
	}

	answers := attempt.Answers
	if !attempt.Status.Terminal() {
		mirror, err := s.mirroredAnswers(ctx, attempt.ID.String())
		if err != nil {
			return nil, err
		}
		answers = mergeAnswers(answers, mirror)
	}

	resp := &model.AttemptStatusResponse{
		AttemptID:       attempt.ID.String(),
		Status:          attempt.Status,
		Violations:      logs,
		TotalViolations: count,
		RemainingTimeMs: attempt.Remaining(s.now()).Milliseconds(),
		TimeOutsideMs:   attempt.TimeOutsideMs,
		Answers:         answers,
	}
	if attempt.Status.Terminal() {
		resp.RemainingTimeMs = 0
	}
	if attempt.DisqualifiedReason != nil {
		resp.DisqualifiedReason = *attempt.DisqualifiedReason
	}
	if resp.Violations == nil {
		resp.Violations = []model.ViolationLog{}
	}
	return resp, nil
}

// ─── Heartbeat ──────────────────────────────────────────────────────

// Heartbeat records liveness and answers with the authoritative counters.
func (s *AttemptService) Heartbeat(ctx context.Context, studentID int, rawID string, req model.HeartbeatRequest) (*model.HeartbeatAck, error) {
	attempt, err := s.owned(ctx, studentID, rawID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	attemptID := attempt.ID.String()

	count, err := s.countedViolations(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if req.ViolationCount > count {
		count = req.ViolationCount
	}

	outside := req.AccumulatedOutsideMs
	if attempt.TimeOutsideMs > outside {
		outside = attempt.TimeOutsideMs
	}

	ack := &model.HeartbeatAck{ViolationCount: count, TimeOutsideMs: outside, ServerTime: now}

	if attempt.Status.Terminal() {
		s.metrics.Heartbeats.WithLabelValues("terminal").Inc()
		return terminalAck(ack, attempt), nil
	}

	if len(req.Answers) > 0 {
		if err := s.mirrorAnswers(ctx, attempt, req.Answers, now); err != nil {
			return nil, err
		}
	}
	if err := s.attempts.RecordHeartbeat(ctx, attempt.ID, req.Visibility, req.AccumulatedOutsideMs, now); err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	exam, err := s.exams.GetByID(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	security := exam.Security()

	reason := ""
	switch {
	case count >= security.MaxViolations:
		reason = DisqualifyViolationLimit
	case outside >= security.MaxTimeOutsideMs:
		reason = DisqualifyTimeOutside
	}
	if reason != "" {
		if err := s.disqualify(ctx, attempt, reason, "heartbeat", now); err != nil {
			return nil, err
		}
		s.metrics.Heartbeats.WithLabelValues("disqualified").Inc()
		ack.Disqualified = true
		ack.Reason = reason
		return ack, nil
	}

	remaining := attempt.Remaining(now).Milliseconds()
	ack.RemainingTimeMs = &remaining
	if remaining == 0 {
		ack.Expired = true
		s.metrics.Heartbeats.WithLabelValues("expired").Inc()
		return ack, nil
	}

	s.metrics.Heartbeats.WithLabelValues("ok").Inc()
	return ack, nil
}

func terminalAck(ack *model.HeartbeatAck, attempt *model.AttemptRecord) *model.HeartbeatAck {
	zero := int64(0)
	ack.RemainingTimeMs = &zero
	if attempt.Status == model.AttemptStatusDisqualified {
		ack.Disqualified = true
		if attempt.DisqualifiedReason != nil {
			ack.Reason = *attempt.DisqualifiedReason
		}
		return ack
	}
	ack.Expired = true
	return ack
}

// ─── Violations ─────────────────────────────────────────────────────

// ReportViolation accepts a violation report. Reports are a set keyed by
// event id, so a replayed report is acknowledged without being counted twice.
func (s *AttemptService) ReportViolation(ctx context.Context, studentID int, rawID string, report model.ViolationReport) (*model.ViolationAck, error) {
	attempt, err := s.owned(ctx, studentID, rawID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	attemptID := attempt.ID.String()

	added, err := s.rdb.SAdd(ctx, config.CacheKey.AttemptViolationIDsKey(attemptID), report.EventID).Result()
	if err != nil {
		return nil, fmt.Errorf("record violation id: %w", err)
	}
	if added == 0 {
		s.metrics.ViolationReports.WithLabelValues(string(report.Type), "duplicate").Inc()
		count, err := s.countedViolations(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		return &model.ViolationAck{Accepted: true, Duplicate: true, ViolationCount: count}, nil
	}

	if report.OccurredAt.IsZero() {
		report.OccurredAt = now
	}
	record := model.ViolationRecord{
		AttemptID:  attemptID,
		ExamID:     attempt.ExamID.String(),
		StudentID:  attempt.StudentID,
		EventID:    report.EventID,
		Type:       report.Type,
		Details:    report.Details,
		DurationMs: report.DurationMs,
		OccurredAt: report.OccurredAt.UTC(),
		Counted:    report.Counted,
		UserAgent:  report.UserAgent,
		PageURL:    report.PageURL,
		ReceivedAt: now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode violation: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	if report.Counted {
		pipe.SAdd(ctx, config.CacheKey.AttemptCountedKey(attemptID), report.EventID)
	}
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		// Undo the id so the agent's retry is not mistaken for a duplicate.
		s.rdb.SRem(ctx, config.CacheKey.AttemptViolationIDsKey(attemptID), report.EventID)
		return nil, fmt.Errorf("queue violation: %w", err)
	}
	s.metrics.ViolationReports.WithLabelValues(string(report.Type), "accepted").Inc()

	count, err := s.countedViolations(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	s.log.Warn().
		Str("attempt_id", attemptID).
		Str("type", string(report.Type)).
		Bool("counted", report.Counted).
		Int("violation_count", count).
		Msg("Violation reported")

	s.publish(ctx, ws.ProctorEvent{
		Event:          ws.EventViolation,
		ExamID:         record.ExamID,
		AttemptID:      attemptID,
		StudentID:      attempt.StudentID,
		Violation:      &report,
		ViolationCount: count,
		Status:         attempt.Status,
		At:             now,
	})

	if report.Counted && !attempt.Status.Terminal() {
		exam, err := s.exams.GetByID(ctx, attempt.ExamID)
		if err != nil {
			return nil, fmt.Errorf("get exam: %w", err)
		}
		if count >= exam.Security().MaxViolations {
			if err := s.disqualify(ctx, attempt, DisqualifyViolationLimit, "violation_report", now); err != nil {
				return nil, err
			}
		}
	}

	return &model.ViolationAck{Accepted: true, ViolationCount: count}, nil
}

// ─── Submit ─────────────────────────────────────────────────────────

// Submit closes the attempt. Submitting an attempt that already finished
// succeeds with its final status.
func (s *AttemptService) Submit(ctx context.Context, studentID int, rawID string, req model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error) {
	attempt, err := s.owned(ctx, studentID, rawID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		if req.IsDisqualification() {
			return s.lateDisqualify(ctx, attempt, req.Reason)
		}
		return submitResponse(attempt), nil
	}
	attemptID := attempt.ID.String()

	lockKey := config.CacheKey.AttemptSubmitLockKey(attemptID)
	locked, err := s.rdb.SetNX(ctx, lockKey, "1", submitLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !locked {
		return nil, ErrSubmitInProgress
	}
	defer s.rdb.Del(context.WithoutCancel(ctx), lockKey)

	mirror, err := s.mirroredAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	out := model.AttemptOutcome{
		Status:       model.AttemptStatusSubmitted,
		Answers:      mergeAnswers(mergeAnswers(attempt.Answers, mirror), req.Answers),
		FinalFileRef: req.FinalFileRef,
		At:           s.now().UTC(),
	}
	switch {
	case req.IsDisqualification():
		out.Status = model.AttemptStatusDisqualified
		out.Reason = req.Reason
	case req.Auto:
		out.Status = model.AttemptStatusAutoSubmitted
	}

	finished, err := s.finish(ctx, attempt, out)
	if err != nil {
		return nil, err
	}
	if !finished {
		// Lost the race to a server-side disqualification.
		current, err := s.attempts.GetByID(ctx, attempt.ID)
		if err != nil {
			return nil, fmt.Errorf("get attempt: %w", err)
		}
		if current.Status != model.AttemptStatusDisqualified && req.IsDisqualification() {
			return s.lateDisqualify(ctx, current, req.Reason)
		}
		return submitResponse(current), nil
	}
	if out.Status == model.AttemptStatusDisqualified {
		s.metrics.Disqualifications.WithLabelValues("agent").Inc()
	}
	return submitResponse(attempt), nil
}

// lateDisqualify records a disqualification the agent reached while its
// own submission was in flight. Attempts closed longer ago keep their status.
func (s *AttemptService) lateDisqualify(ctx context.Context, attempt *model.AttemptRecord, reason string) (*model.SubmitAttemptResponse, error) {
	if attempt.Status == model.AttemptStatusDisqualified {
		return submitResponse(attempt), nil
	}
	now := s.now().UTC()
	changed, err := s.attempts.Disqualify(ctx, attempt.ID, reason, now.Add(-lateDisqualifyWindow))
	if err != nil {
		return nil, fmt.Errorf("disqualify attempt: %w", err)
	}
	if !changed {
		return submitResponse(attempt), nil
	}

	attemptID := attempt.ID.String()
	attempt.Status = model.AttemptStatusDisqualified
	attempt.DisqualifiedReason = &reason
	s.metrics.Disqualifications.WithLabelValues("agent").Inc()
	s.log.Warn().Str("attempt_id", attemptID).Str("reason", reason).Msg("Submitted attempt disqualified")
	s.publish(ctx, ws.ProctorEvent{
		Event:     ws.EventDisqualified,
		ExamID:    attempt.ExamID.String(),
		AttemptID: attemptID,
		StudentID: attempt.StudentID,
		Status:    attempt.Status,
		Reason:    reason,
		At:        now,
	})
	return submitResponse(attempt), nil
}

func submitResponse(a *model.AttemptRecord) *model.SubmitAttemptResponse {
	resp := &model.SubmitAttemptResponse{Success: true, Status: a.Status}
	if a.DisqualifiedReason != nil {
		resp.DisqualifiedReason = *a.DisqualifiedReason
	}
	return resp
}

// ─── Internals ──────────────────────────────────────────────────────

func (s *AttemptService) owned(ctx context.Context, studentID int, rawID string) (*model.AttemptRecord, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, ErrAttemptNotFound
	}
	attempt, err := s.attempts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.StudentID != studentID {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *AttemptService) disqualify(ctx context.Context, attempt *model.AttemptRecord, reason, source string, now time.Time) error {
	answers, err := s.mirroredAnswers(ctx, attempt.ID.String())
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to read answer mirror")
	}
	finished, err := s.finish(ctx, attempt, model.AttemptOutcome{
		Status:  model.AttemptStatusDisqualified,
		Answers: mergeAnswers(attempt.Answers, answers),
		Reason:  reason,
		At:      now,
	})
	if err != nil {
		return err
	}
	if finished {
		s.metrics.Disqualifications.WithLabelValues(source).Inc()
	}
	return nil
}

// finish closes the attempt once; it reports false if it was already closed.
func (s *AttemptService) finish(ctx context.Context, attempt *model.AttemptRecord, out model.AttemptOutcome) (bool, error) {
	finished, err := s.attempts.Finish(ctx, attempt.ID, out)
	if err != nil {
		return false, fmt.Errorf("finish attempt: %w", err)
	}
	if !finished {
		return false, nil
	}

	attemptID := attempt.ID.String()
	attempt.Status = out.Status
	if out.Reason != "" {
		reason := out.Reason
		attempt.DisqualifiedReason = &reason
	}

	if err := s.rdb.Del(ctx, config.CacheKey.AttemptAnswersKey(attemptID)).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Failed to clear answer mirror")
	}
	s.metrics.Submissions.WithLabelValues(string(out.Status)).Inc()

	event := ws.EventSubmitted
	if out.Status == model.AttemptStatusDisqualified {
		event = ws.EventDisqualified
		s.log.Warn().Str("attempt_id", attemptID).Str("reason", out.Reason).Msg("Attempt disqualified")
	} else {
		s.log.Info().Str("attempt_id", attemptID).Str("status", string(out.Status)).Msg("Attempt finished")
	}
	s.publish(ctx, ws.ProctorEvent{
		Event:     event,
		ExamID:    attempt.ExamID.String(),
		AttemptID: attemptID,
		StudentID: attempt.StudentID,
		Status:    out.Status,
		Reason:    out.Reason,
		At:        out.At,
	})
	return true, nil
}

func (s *AttemptService) countedViolations(ctx context.Context, attemptID string) (int, error) {
	n, err := s.rdb.SCard(ctx, config.CacheKey.AttemptCountedKey(attemptID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return int(n), nil
}

func (s *AttemptService) mirrorAnswers(ctx context.Context, attempt *model.AttemptRecord, answers map[string]model.Answer, now time.Time) error {
	key := config.CacheKey.AttemptAnswersKey(attempt.ID.String())
	fields := make(map[string]interface{}, len(answers))
	for questionID, a := range answers {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode answer: %w", err)
		}
		fields[questionID] = b
	}
	snapshot, err := json.Marshal(model.AnswerSnapshot{AttemptID: attempt.ID.String(), Answers: answers, At: now})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, attempt.Remaining(now)+mirrorGrace)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, snapshot)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror answers: %w", err)
	}
	return nil
}

func (s *AttemptService) mirroredAnswers(ctx context.Context, attemptID string) (map[string]model.Answer, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read answer mirror: %w", err)
	}
	answers := make(map[string]model.Answer, len(raw))
	for questionID, v := range raw {
		var a model.Answer
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID).Str("question_id", questionID).Msg("Skipping malformed mirrored answer")
			continue
		}
		answers[questionID] = a
	}
	return answers, nil
}

func (s *AttemptService) publish(ctx context.Context, event ws.ProctorEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamProctorChannel(event.ExamID), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", event.ExamID).Msg("Failed to publish proctor event")
	}
}

// mergeAnswers overlays later maps onto base; later entries win.
func mergeAnswers(base map[string]model.Answer, overlay map[string]model.Answer) map[string]model.Answer {
	if len(base) == 0 && len(overlay) == 0 {
		return base
	}
	out := make(map[string]model.Answer, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
