package websocket

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Proctor → Server) ─────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Proctor) ──────────────────────────────────────

type Event string

const (
	EventError        Event = "error"
	EventPong         Event = "pong"
	EventSnapshot     Event = "snapshot"
	EventStarted      Event = "attempt_started"
	EventViolation    Event = "violation"
	EventDisqualified Event = "disqualified"
	EventSubmitted    Event = "submitted"
)

// ProctorEvent is published on the exam's proctor channel and forwarded
// verbatim to every connected proctor.
type ProctorEvent struct {
	Event          Event                  `json:"event"`
	ExamID         string                 `json:"exam_id"`
	AttemptID      string                 `json:"attempt_id"`
	StudentID      int                    `json:"student_id"`
	Violation      *model.ViolationReport `json:"violation,omitempty"`
	ViolationCount int                    `json:"violation_count"`
	Status         model.AttemptStatus    `json:"status,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	At             time.Time              `json:"at"`
}

// SnapshotEvent is sent once when a proctor connects.
type SnapshotEvent struct {
	Event    Event       `json:"event"`
	ExamID   string      `json:"exam_id"`
	Attempts interface{} `json:"attempts"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
