// Package violation turns raw browser signals into typed violation logs.
//
// Everything here is stateless: it decides what happened, never what to do
// about it.
package violation

import (
	"strings"
	"time"
)

// SignalKind is the raw event kind observed on the exam surface.
type SignalKind string

const (
	SignalVisibilityHidden  SignalKind = "visibility_hidden"
	SignalVisibilityVisible SignalKind = "visibility_visible"
	SignalBlur              SignalKind = "blur"
	SignalFocus             SignalKind = "focus"
	SignalKeyDown           SignalKind = "keydown"
	SignalContextMenu       SignalKind = "contextmenu"
	SignalSelectStart       SignalKind = "selectstart"
	SignalCopy              SignalKind = "copy"
	SignalCut               SignalKind = "cut"
	SignalPaste             SignalKind = "paste"
	SignalFullscreenExit    SignalKind = "fullscreen_exit"
	SignalFullscreenEnter   SignalKind = "fullscreen_enter"
	SignalDevTools          SignalKind = "devtools"
	SignalBeforeUnload      SignalKind = "beforeunload"
	SignalPopState          SignalKind = "popstate"
)

// Signal is one raw event. Key follows the DOM KeyboardEvent.key naming
// ("c", "F12", "Tab").
type Signal struct {
	Kind   SignalKind
	Key    string
	Ctrl   bool
	Meta   bool
	Shift  bool
	Alt    bool
	At     time.Time
	Detail string
}

// Outside reports whether the signal takes the student away from the exam window.
func (s Signal) Outside() bool {
	return s.Kind == SignalVisibilityHidden || s.Kind == SignalBlur
}

// Inside reports whether the signal brings the student back.
func (s Signal) Inside() bool {
	return s.Kind == SignalVisibilityVisible || s.Kind == SignalFocus
}

// Combo renders the key combination the way it is shown to a student, e.g. "Ctrl+Shift+I".
func (s Signal) Combo() string {
	var parts []string
	if s.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if s.Meta {
		parts = append(parts, "Meta")
	}
	if s.Alt {
		parts = append(parts, "Alt")
	}
	if s.Shift {
		parts = append(parts, "Shift")
	}
	key := s.Key
	if len([]rune(key)) == 1 {
		key = strings.ToUpper(key)
	}
	parts = append(parts, key)
	return strings.Join(parts, "+")
}

func (s Signal) modifier() bool {
	return s.Ctrl || s.Meta
}

func (s Signal) lowerKey() string {
	return strings.ToLower(s.Key)
}

func isFunctionKey(key string) bool {
	if len(key) < 2 || (key[0] != 'F' && key[0] != 'f') {
		return false
	}
	switch key[1:] {
	case "1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12":
		return true
	}
	return false
}
