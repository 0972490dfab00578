package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// In-memory counterparts of the pgx repositories with the same conflict and
// not-found behaviour. The API tests run the real services over them.

// MemoryExams is an in-memory ExamRepository.
type MemoryExams struct {
	mu    sync.RWMutex
	exams map[uuid.UUID]model.Exam
}

func NewMemoryExams(exams ...model.Exam) *MemoryExams {
	m := &MemoryExams{exams: make(map[uuid.UUID]model.Exam)}
	for _, e := range exams {
		m.Put(e)
	}
	return m
}

// Put inserts or replaces an exam.
func (m *MemoryExams) Put(e model.Exam) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exams[e.ID] = e
}

func (m *MemoryExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// MemoryAttempts is an in-memory AttemptRepository.
type MemoryAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]model.AttemptRecord
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{attempts: make(map[uuid.UUID]model.AttemptRecord)}
}

func (m *MemoryAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (m *MemoryAttempts) FindActive(_ context.Context, examID uuid.UUID, studentID int) (*model.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ExamID == examID && a.StudentID == studentID && a.Status == model.AttemptStatusInProgress {
			return cloneAttempt(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryAttempts) CountByStudent(_ context.Context, examID uuid.UUID, studentID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.ExamID == examID && a.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAttempts) Create(_ context.Context, a *model.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	for _, existing := range m.attempts {
		if existing.ExamID != a.ExamID || existing.StudentID != a.StudentID {
			continue
		}
		if existing.Status == model.AttemptStatusInProgress {
			return ErrConflict
		}
		if existing.AttemptNo > last {
			last = existing.AttemptNo
		}
	}
	a.AttemptNo = last + 1
	a.Status = model.AttemptStatusInProgress
	if a.LastVisibility == "" {
		a.LastVisibility = model.VisibilityVisible
	}
	m.attempts[a.ID] = *cloneAttempt(*a)
	return nil
}

func (m *MemoryAttempts) RecordHeartbeat(_ context.Context, id uuid.UUID, vis model.Visibility, timeOutsideMs int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil
	}
	a.LastVisibility = vis
	if timeOutsideMs > a.TimeOutsideMs {
		a.TimeOutsideMs = timeOutsideMs
	}
	a.LastHeartbeatAt = &at
	m.attempts[id] = a
	return nil
}

func (m *MemoryAttempts) Finish(_ context.Context, id uuid.UUID, out model.AttemptOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return false, nil
	}
	a.Status = out.Status
	if out.Answers != nil {
		a.Answers = copyAnswers(out.Answers)
	}
	if out.FinalFileRef != "" {
		ref := out.FinalFileRef
		a.FinalFileRef = &ref
	}
	a.DisqualifiedReason = nil
	if out.Reason != "" {
		reason := out.Reason
		a.DisqualifiedReason = &reason
	}
	at := out.At
	a.SubmittedAt = &at
	m.attempts[id] = a
	return true, nil
}

func (m *MemoryAttempts) Disqualify(_ context.Context, id uuid.UUID, reason string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.SubmittedAt == nil || a.SubmittedAt.Before(since) {
		return false, nil
	}
	if a.Status != model.AttemptStatusSubmitted && a.Status != model.AttemptStatusAutoSubmitted {
		return false, nil
	}
	a.Status = model.AttemptStatusDisqualified
	a.DisqualifiedReason = &reason
	m.attempts[id] = a
	return true, nil
}

func (m *MemoryAttempts) SaveAnswers(_ context.Context, id uuid.UUID, answers map[string]model.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return nil
	}
	merged := copyAnswers(a.Answers)
	if merged == nil {
		merged = make(map[string]model.Answer, len(answers))
	}
	for k, v := range answers {
		merged[k] = v
	}
	a.Answers = merged
	m.attempts[id] = a
	return nil
}

// Put stores a record as-is, bypassing the active-attempt constraint.
func (m *MemoryAttempts) Put(a model.AttemptRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = *cloneAttempt(a)
}

func cloneAttempt(a model.AttemptRecord) *model.AttemptRecord {
	a.Answers = copyAnswers(a.Answers)
	return &a
}

func copyAnswers(in map[string]model.Answer) map[string]model.Answer {
	if in == nil {
		return nil
	}
	out := make(map[string]model.Answer, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryViolations is an in-memory ViolationRepository.
type MemoryViolations struct {
	mu      sync.Mutex
	records map[string]map[string]model.ViolationRecord // attempt_id → event_id → record
	// FailNext makes the next InsertBatch call fail with the given error.
	FailNext error
}

func NewMemoryViolations() *MemoryViolations {
	return &MemoryViolations{records: make(map[string]map[string]model.ViolationRecord)}
}

func (m *MemoryViolations) InsertBatch(ctx context.Context, batch []*model.ViolationRecord) error {
	m.mu.Lock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	for _, v := range batch {
		if err := m.Insert(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryViolations) Insert(_ context.Context, v *model.ViolationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byEvent, ok := m.records[v.AttemptID]
	if !ok {
		byEvent = make(map[string]model.ViolationRecord)
		m.records[v.AttemptID] = byEvent
	}
	if _, dup := byEvent[v.EventID]; !dup {
		byEvent[v.EventID] = *v
	}
	return nil
}

func (m *MemoryViolations) ListByAttempt(_ context.Context, attemptID uuid.UUID) ([]model.ViolationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byEvent := m.records[attemptID.String()]
	records := make([]model.ViolationRecord, 0, len(byEvent))
	for _, r := range byEvent {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].OccurredAt.Before(records[j].OccurredAt)
	})
	logs := make([]model.ViolationLog, 0, len(records))
	for _, r := range records {
		logs = append(logs, r.Log())
	}
	return logs, nil
}

// MemoryAnswerFiles is an in-memory AnswerFileRepository.
type MemoryAnswerFiles struct {
	mu    sync.Mutex
	files map[string]model.AnswerFile // attempt_id/question_id → file
}

func NewMemoryAnswerFiles() *MemoryAnswerFiles {
	return &MemoryAnswerFiles{files: make(map[string]model.AnswerFile)}
}

func (m *MemoryAnswerFiles) Upsert(_ context.Context, f *model.AnswerFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := f.AttemptID + "/" + f.QuestionID
	if existing, ok := m.files[key]; ok {
		f.ID = existing.ID
	} else {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now().UTC()
	m.files[key] = *f
	return nil
}

// Get returns the stored file for a question.
func (m *MemoryAnswerFiles) Get(attemptID, questionID string) (model.AnswerFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[attemptID+"/"+questionID]
	return f, ok
}

// MemoryMonitor builds attempt summaries from the in-memory attempts and violations.
type MemoryMonitor struct {
	Attempts   *MemoryAttempts
	Violations *MemoryViolations
}

func (m *MemoryMonitor) ListAttemptSummaries(_ context.Context, examID uuid.UUID) ([]AttemptSummary, error) {
	m.Attempts.mu.Lock()
	var attempts []model.AttemptRecord
	for _, a := range m.Attempts.attempts {
		if a.ExamID == examID {
			attempts = append(attempts, a)
		}
	}
	m.Attempts.mu.Unlock()
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].StartedAt.Before(attempts[j].StartedAt)
	})

	m.Violations.mu.Lock()
	defer m.Violations.mu.Unlock()
	out := make([]AttemptSummary, 0, len(attempts))
	for _, a := range attempts {
		var counted int64
		for _, r := range m.Violations.records[a.ID.String()] {
			if r.Counted {
				counted++
			}
		}
		out = append(out, AttemptSummary{
			AttemptID:      a.ID,
			StudentID:      a.StudentID,
			Status:         a.Status,
			ViolationCount: counted,
			TimeOutsideMs:  a.TimeOutsideMs,
		})
	}
	return out, nil
}
