package model

import (
	"time"
)

// ViolationType is the closed set of integrity violations.
type ViolationType string

const (
	ViolationTabSwitch           ViolationType = "TAB_SWITCH"
	ViolationWindowBlur          ViolationType = "WINDOW_BLUR"
	ViolationFullscreenExit      ViolationType = "FULLSCREEN_EXIT"
	ViolationKeyboardShortcut    ViolationType = "KEYBOARD_SHORTCUT"
	ViolationDevToolsOpen        ViolationType = "DEV_TOOLS_OPEN"
	ViolationRightClick          ViolationType = "RIGHT_CLICK"
	ViolationCopyAttempt         ViolationType = "COPY_ATTEMPT"
	ViolationPasteAttempt        ViolationType = "PASTE_ATTEMPT"
	ViolationPageRefresh         ViolationType = "PAGE_REFRESH"
	ViolationHeartbeatMissed     ViolationType = "HEARTBEAT_MISSED"
	ViolationTimeOutsideExceeded ViolationType = "TIME_OUTSIDE_EXCEEDED"
)

// ViolationTypes lists every known violation type.
var ViolationTypes = []ViolationType{
	ViolationTabSwitch,
	ViolationWindowBlur,
	ViolationFullscreenExit,
	ViolationKeyboardShortcut,
	ViolationDevToolsOpen,
	ViolationRightClick,
	ViolationCopyAttempt,
	ViolationPasteAttempt,
	ViolationPageRefresh,
	ViolationHeartbeatMissed,
	ViolationTimeOutsideExceeded,
}

// Valid reports whether t is one of the known violation types.
func (t ViolationType) Valid() bool {
	for _, known := range ViolationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ClientContext identifies the environment a violation was observed in.
type ClientContext struct {
	UserAgent string `json:"user_agent"`
	PageURL   string `json:"page_url"`
}

// ViolationLog is one detected event. It is never mutated after creation
// except for the Delivered flag, which flips once the server acknowledges it.
//
// Counted is false for audit-only entries (time-outside progress marks) that
// are kept as evidence but do not move the violation counter.
type ViolationLog struct {
	ID            string        `json:"id"`
	Type          ViolationType `json:"type"`
	Timestamp     time.Time     `json:"timestamp_utc"`
	Details       string        `json:"details"`
	DurationMs    *int64        `json:"duration_ms,omitempty"`
	ClientContext ClientContext `json:"client_context"`
	Counted       bool          `json:"counted"`
	Delivered     bool          `json:"delivered"`
}

// Report converts the log into its wire report.
func (v ViolationLog) Report() ViolationReport {
	return ViolationReport{
		EventID:    v.ID,
		Type:       v.Type,
		Details:    v.Details,
		DurationMs: v.DurationMs,
		OccurredAt: v.Timestamp,
		Counted:    v.Counted,
		UserAgent:  v.ClientContext.UserAgent,
		PageURL:    v.ClientContext.PageURL,
	}
}

// CountedViolations returns how many entries move the violation counter.
func CountedViolations(logs []ViolationLog) int {
	n := 0
	for _, v := range logs {
		if v.Counted {
			n++
		}
	}
	return n
}

// ViolationRecord is an accepted report as queued for persistence.
type ViolationRecord struct {
	AttemptID  string        `json:"attempt_id"`
	ExamID     string        `json:"exam_id"`
	StudentID  int           `json:"student_id"`
	EventID    string        `json:"event_id"`
	Type       ViolationType `json:"type"`
	Details    string        `json:"details"`
	DurationMs *int64        `json:"duration_ms,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
	Counted    bool          `json:"counted"`
	UserAgent  string        `json:"user_agent"`
	PageURL    string        `json:"page_url"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Log converts the record back into the log shape returned on resume.
func (r ViolationRecord) Log() ViolationLog {
	return ViolationLog{
		ID:            r.EventID,
		Type:          r.Type,
		Timestamp:     r.OccurredAt,
		Details:       r.Details,
		DurationMs:    r.DurationMs,
		ClientContext: ClientContext{UserAgent: r.UserAgent, PageURL: r.PageURL},
		Counted:       r.Counted,
		Delivered:     true,
	}
}
