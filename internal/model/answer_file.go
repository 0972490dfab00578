package model

import "time"

// FinalSubmissionSlot is the question id sentinel for the final-submission attachment.
const FinalSubmissionSlot = "FINAL"

// AnswerFile is a file-based answer associated with an attempt.
type AnswerFile struct {
	ID           string    `json:"id,omitempty"`
	AttemptID    string    `json:"attempt_id"`
	QuestionID   string    `json:"question_id"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	MimeType     string    `json:"mime_type"`
	StorageRef   string    `json:"storage_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// HeartbeatRecord is the transient bookkeeping of one heartbeat round-trip.
type HeartbeatRecord struct {
	SentAt                 time.Time  `json:"sent_at"`
	AckAt                  *time.Time `json:"ack_at,omitempty"`
	ReportedViolationCount int        `json:"reported_violation_count"`
	ReportedTimeOutsideMs  int64      `json:"reported_time_outside_ms"`
}
