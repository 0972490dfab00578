package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam is the server-side exam row the proctor API schedules attempts against.
type Exam struct {
	ID              uuid.UUID       `json:"id"`
	Title           string          `json:"title"`
	ScheduledStart  *time.Time      `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time      `json:"scheduled_end,omitempty"`
	DurationMinutes int             `json:"duration_minutes"`
	MaxAttempts     int             `json:"max_attempts"`
	SecurityConfig  json.RawMessage `json:"security_config,omitempty"`
	Status          ExamStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Info projects the exam into the metadata the agent receives.
func (e *Exam) Info() ExamInfo {
	return ExamInfo{
		ID:              e.ID.String(),
		Title:           e.Title,
		DurationMinutes: e.DurationMinutes,
		ScheduledStart:  e.ScheduledStart,
		ScheduledEnd:    e.ScheduledEnd,
	}
}

// Security merges the exam's stored overrides onto the defaults.
// A malformed or unenforceable override falls back to the defaults.
func (e *Exam) Security() SecurityConfig {
	cfg := DefaultSecurityConfig()
	if len(e.SecurityConfig) == 0 {
		return cfg
	}
	merged := cfg
	if err := json.Unmarshal(e.SecurityConfig, &merged); err != nil {
		return cfg
	}
	if err := merged.Validate(); err != nil {
		return cfg
	}
	return merged
}

// AttemptRecord is the persisted attempt row.
type AttemptRecord struct {
	ID                 uuid.UUID         `json:"id"`
	ExamID             uuid.UUID         `json:"exam_id"`
	StudentID          int               `json:"student_id"`
	AttemptNo          int               `json:"attempt_no"`
	Status             AttemptStatus     `json:"status"`
	StartedAt          time.Time         `json:"started_at"`
	EndTime            time.Time         `json:"end_time"`
	Answers            map[string]Answer `json:"answers,omitempty"`
	FinalFileRef       *string           `json:"final_file_ref,omitempty"`
	DisqualifiedReason *string           `json:"disqualified_reason,omitempty"`
	TimeOutsideMs      int64             `json:"time_outside_ms"`
	LastVisibility     Visibility        `json:"last_visibility"`
	LastHeartbeatAt    *time.Time        `json:"last_heartbeat_at,omitempty"`
	SubmittedAt        *time.Time        `json:"submitted_at,omitempty"`
}

// Remaining returns the time left before the authoritative end time, floored at zero.
func (a *AttemptRecord) Remaining(now time.Time) time.Duration {
	left := a.EndTime.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
