package violation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Shortcuts blocked while a modifier (Ctrl or Meta) is held, keyed by lowercase key.
var modifierShortcuts = map[string]string{
	"c": "copy",
	"v": "paste",
	"x": "cut",
	"s": "save",
	"p": "print",
	"a": "select all",
	"f": "find",
	"u": "view source",
	"r": "reload",
}

// KeyAction describes what a keydown means for the lockdown.
type KeyAction struct {
	Blocked bool
	Type    model.ViolationType
	Label   string
}

// ClassifyKey decides whether a keydown is a flagged combination and which
// violation it amounts to. Unflagged keys return a zero KeyAction.
func ClassifyKey(s Signal) KeyAction {
	key := s.lowerKey()

	switch {
	case isDevToolsCombo(s):
		return KeyAction{Blocked: true, Type: model.ViolationDevToolsOpen, Label: "developer tools"}
	case key == "f5" || (s.modifier() && key == "r"):
		return KeyAction{Blocked: true, Type: model.ViolationPageRefresh, Label: "reload"}
	case isFunctionKey(s.Key):
		return KeyAction{Blocked: true, Type: model.ViolationKeyboardShortcut, Label: "function key"}
	case key == "tab":
		return KeyAction{Blocked: true, Type: model.ViolationKeyboardShortcut, Label: "tab"}
	case s.modifier():
		if label, ok := modifierShortcuts[key]; ok {
			return KeyAction{Blocked: true, Type: model.ViolationKeyboardShortcut, Label: label}
		}
	}
	return KeyAction{}
}

func isDevToolsCombo(s Signal) bool {
	key := s.lowerKey()
	if key == "f12" {
		return true
	}
	if key != "i" && key != "j" && key != "c" {
		return false
	}
	// Ctrl+Shift+I/J/C on Windows/Linux, Cmd+Option+I/J/C on macOS.
	return (s.Ctrl && s.Shift) || (s.Meta && s.Alt)
}

// Classify maps a raw signal to a violation. Signals that are not violations
// by themselves (visibility, focus, fullscreen enter, unflagged keys) return false.
func Classify(s Signal, cc model.ClientContext) (model.ViolationLog, bool) {
	var (
		kind    model.ViolationType
		details string
	)

	switch s.Kind {
	case SignalKeyDown:
		action := ClassifyKey(s)
		if !action.Blocked {
			return model.ViolationLog{}, false
		}
		kind = action.Type
		details = fmt.Sprintf("Blocked shortcut: %s (%s)", s.Combo(), action.Label)
	case SignalContextMenu:
		kind, details = model.ViolationRightClick, "Right-click context menu blocked"
	case SignalCopy:
		kind, details = model.ViolationCopyAttempt, "Copy blocked"
	case SignalCut:
		kind, details = model.ViolationCopyAttempt, "Cut blocked"
	case SignalPaste:
		kind, details = model.ViolationPasteAttempt, "Paste blocked"
	case SignalFullscreenExit:
		kind, details = model.ViolationFullscreenExit, "Exited fullscreen mode"
	case SignalDevTools:
		kind, details = model.ViolationDevToolsOpen, "Developer tools detected"
	case SignalBeforeUnload:
		kind, details = model.ViolationPageRefresh, "Page reload or close attempted"
	default:
		return model.ViolationLog{}, false
	}

	if s.Detail != "" {
		details = details + ": " + s.Detail
	}
	return newLog(kind, details, s.At, nil, true, cc), true
}

// Returned logs the end of a stretch outside the exam window.
// A hidden tab is a TAB_SWITCH; a blur with the tab still visible is a WINDOW_BLUR.
func Returned(tabHidden bool, outside time.Duration, at time.Time, cc model.ClientContext) model.ViolationLog {
	kind := model.ViolationWindowBlur
	what := "Exam window lost focus"
	if tabHidden {
		kind = model.ViolationTabSwitch
		what = "Switched away from exam tab"
	}
	ms := outside.Milliseconds()
	return newLog(kind, fmt.Sprintf("%s for %s", what, FormatSeconds(outside)), at, &ms, true, cc)
}

// HeartbeatMissed logs a failed heartbeat round-trip.
func HeartbeatMissed(consecutive int, cause error, at time.Time, cc model.ClientContext) model.ViolationLog {
	details := fmt.Sprintf("Heartbeat missed (%d consecutive)", consecutive)
	if cause != nil {
		details += ": " + cause.Error()
	}
	return newLog(model.ViolationHeartbeatMissed, details, at, nil, true, cc)
}

// TimeOutsideProgress is the audit-only mark emitted every 30 accumulated seconds outside.
func TimeOutsideProgress(accumulated time.Duration, at time.Time, cc model.ClientContext) model.ViolationLog {
	ms := accumulated.Milliseconds()
	return newLog(model.ViolationTimeOutsideExceeded,
		fmt.Sprintf("Still outside exam window, %s accumulated", FormatSeconds(accumulated)),
		at, &ms, false, cc)
}

// TimeOutsideExceeded is the audit-only entry written when the outside budget is exhausted.
func TimeOutsideExceeded(accumulated, limit time.Duration, at time.Time, cc model.ClientContext) model.ViolationLog {
	ms := accumulated.Milliseconds()
	return newLog(model.ViolationTimeOutsideExceeded,
		fmt.Sprintf("Time outside exam window %s reached limit %s", FormatSeconds(accumulated), FormatSeconds(limit)),
		at, &ms, false, cc)
}

// FormatSeconds renders a duration as whole seconds, e.g. "42s".
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

func newLog(kind model.ViolationType, details string, at time.Time, durationMs *int64, counted bool, cc model.ClientContext) model.ViolationLog {
	if at.IsZero() {
		at = time.Now()
	}
	return model.ViolationLog{
		ID:            uuid.NewString(),
		Type:          kind,
		Timestamp:     at.UTC(),
		Details:       strings.TrimSpace(details),
		DurationMs:    durationMs,
		ClientContext: cc,
		Counted:       counted,
	}
}
