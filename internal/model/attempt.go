package model

import (
	"time"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusNotStarted    AttemptStatus = "NOT_STARTED"
	AttemptStatusInProgress    AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted     AttemptStatus = "SUBMITTED"
	AttemptStatusAutoSubmitted AttemptStatus = "AUTO_SUBMITTED"
	AttemptStatusDisqualified  AttemptStatus = "DISQUALIFIED"
)

// Terminal reports whether the status is absorbing.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptStatusSubmitted, AttemptStatusAutoSubmitted, AttemptStatusDisqualified:
		return true
	}
	return false
}

// AnswerKind distinguishes the shapes an answer can take.
type AnswerKind string

const (
	AnswerKindChoice AnswerKind = "CHOICE"
	AnswerKindText   AnswerKind = "TEXT"
	AnswerKindFile   AnswerKind = "FILE"
)

// Answer is a single submitted answer: a choice id, free text, or a file storage ref.
type Answer struct {
	Kind  AnswerKind `json:"kind" binding:"required,oneof=CHOICE TEXT FILE"`
	Value string     `json:"value" binding:"max=20000"`
}

// ExamAttempt is one student's timed run at an exam.
// Identity fields are assigned server-side and never change.
type ExamAttempt struct {
	AttemptID              string            `json:"attempt_id"`
	ExamID                 string            `json:"exam_id"`
	StudentID              int               `json:"student_id"`
	Status                 AttemptStatus     `json:"status"`
	RemainingTimeMs        int64             `json:"remaining_time_ms"`
	Answers                map[string]Answer `json:"answers"`
	DisqualificationReason string            `json:"disqualification_reason,omitempty"`
}

// ExamInfo is the subset of exam metadata the monitor needs.
type ExamInfo struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
}

// ─── Wire contracts ─────────────────────────────────────────────────

// StartAttemptRequest asks the server to create or resume an attempt.
type StartAttemptRequest struct {
	ExamID    string `json:"exam_id" binding:"required,uuid"`
	AttemptID string `json:"attempt_id" binding:"omitempty,uuid"`
}

// StartAttemptResponse carries the authoritative end time of the attempt.
type StartAttemptResponse struct {
	AttemptID string          `json:"attempt_id"`
	StudentID int             `json:"student_id"`
	Exam      ExamInfo        `json:"exam"`
	EndTime   time.Time       `json:"end_time_utc"`
	Resuming  bool            `json:"resuming"`
	Security  *SecurityConfig `json:"security,omitempty"`
}

// Visibility is the page visibility reported with a heartbeat.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

// HeartbeatRequest is the periodic liveness payload.
type HeartbeatRequest struct {
	Visibility           Visibility        `json:"visibility" binding:"required,oneof=visible hidden"`
	AccumulatedOutsideMs int64             `json:"accumulated_outside_ms" binding:"min=0"`
	ViolationCount       int               `json:"violation_count" binding:"min=0"`
	Answers              map[string]Answer `json:"answers,omitempty" binding:"omitempty,dive"`
}

// HeartbeatAck is the server's authoritative view of the attempt.
type HeartbeatAck struct {
	Disqualified    bool      `json:"disqualified"`
	Reason          string    `json:"reason,omitempty"`
	Expired         bool      `json:"expired"`
	ViolationCount  int       `json:"violation_count"`
	RemainingTimeMs *int64    `json:"remaining_time_ms,omitempty"`
	// TimeOutsideMs is the server's accounted time outside the exam window.
	TimeOutsideMs   int64     `json:"time_outside_ms"`
	ServerTime      time.Time `json:"server_time"`
}

// ViolationReport is the fire-and-forget report of one ViolationLog.
type ViolationReport struct {
	EventID    string        `json:"event_id" binding:"required,uuid"`
	Type       ViolationType `json:"type" binding:"required,violation_type"`
	Details    string        `json:"details" binding:"max=1000"`
	DurationMs *int64        `json:"duration_ms,omitempty" binding:"omitempty,min=0"`
	OccurredAt time.Time     `json:"occurred_at"`
	Counted    bool          `json:"counted"`
	UserAgent  string        `json:"user_agent" binding:"max=512"`
	PageURL    string        `json:"page_url" binding:"max=2048"`
}

// ViolationAck tells the client whether the report was new to the server.
type ViolationAck struct {
	Accepted       bool `json:"accepted"`
	Duplicate      bool `json:"duplicate"`
	ViolationCount int  `json:"violation_count"`
}

// SubmitAttemptRequest flushes the final answers.
type SubmitAttemptRequest struct {
	Answers      map[string]Answer `json:"answers" binding:"omitempty,dive"`
	FinalFileRef string            `json:"final_file_ref,omitempty" binding:"max=512"`
	Auto         bool              `json:"auto"`
	Reason       string            `json:"reason,omitempty" binding:"max=255"`
}

// SubmitAttemptResponse acknowledges a submission.
type SubmitAttemptResponse struct {
	Success            bool          `json:"success"`
	Status             AttemptStatus `json:"status"`
	DisqualifiedReason string        `json:"disqualified_reason,omitempty"`
}

// UploadAnswerFileResponse is returned after an answer file has been stored.
type UploadAnswerFileResponse struct {
	FilePath string     `json:"file_path"`
	File     AnswerFile `json:"file"`
}

// AttemptStatusResponse is used on mount and resume.
type AttemptStatusResponse struct {
	AttemptID          string            `json:"attempt_id"`
	Status             AttemptStatus     `json:"status"`
	Violations         []ViolationLog    `json:"violations"`
	TotalViolations    int               `json:"total_violations"`
	RemainingTimeMs    int64             `json:"remaining_time_ms"`
	TimeOutsideMs      int64             `json:"time_outside_ms"`
	DisqualifiedReason string            `json:"disqualified_reason,omitempty"`
	Answers            map[string]Answer `json:"answers,omitempty"`
}

// Submit reasons sent by the agent when it submits on its own. Any other
// non-empty reason on an automatic submission is a disqualification reason.
const (
	SubmitReasonTimeUp        = "time_up"
	SubmitReasonHeartbeatLost = "heartbeat_lost"
	SubmitReasonServerExpired = "server_expired"
	SubmitReasonHost          = "host_requested"
)

// IsDisqualification reports whether an automatic submission reason names an
// integrity violation rather than time or connectivity.
func (r SubmitAttemptRequest) IsDisqualification() bool {
	if !r.Auto {
		return false
	}
	switch r.Reason {
	case "", SubmitReasonTimeUp, SubmitReasonHeartbeatLost, SubmitReasonServerExpired, SubmitReasonHost:
		return false
	}
	return true
}

// AttemptOutcome closes an attempt.
type AttemptOutcome struct {
	Status       AttemptStatus
	Answers      map[string]Answer
	FinalFileRef string
	Reason       string
	At           time.Time
}

// AnswerSnapshot is a heartbeat's answers as queued for persistence.
type AnswerSnapshot struct {
	AttemptID string            `json:"attempt_id"`
	Answers   map[string]Answer `json:"answers"`
	At        time.Time         `json:"at"`
}
