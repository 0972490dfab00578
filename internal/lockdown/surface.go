// Package lockdown owns every piece of global browser state the exam touches:
// document listeners, fullscreen and history. It is acquired as a Lease and
// released exactly once on every exit path.
package lockdown

import (
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// Event wraps a raw signal delivered by the surface so a handler can cancel it.
type Event struct {
	Signal    violation.Signal
	prevented bool
}

// NewEvent builds an event for a surface to dispatch.
func NewEvent(sig violation.Signal) *Event {
	return &Event{Signal: sig}
}

// PreventDefault cancels the browser's default action.
func (e *Event) PreventDefault() { e.prevented = true }

// Prevented reports whether a handler cancelled the event.
func (e *Event) Prevented() bool { return e.prevented }

// Handler receives one event.
type Handler func(*Event)

// Surface is the bridge to the host document. Implementations wrap a real
// browser (via a JS bridge), a kiosk shell, or a scripted driver.
type Surface interface {
	// AddListener registers h for kind and returns a function that removes it.
	AddListener(kind violation.SignalKind, h Handler) (remove func() error, err error)
	// PushHistorySentinel pushes a history entry so back-navigation lands on the exam.
	PushHistorySentinel() error
	RequestFullscreen() error
	ExitFullscreen() error
	IsFullscreen() bool
}

// Sink receives every signal the lockdown forwards to the state machine.
type Sink func(violation.Signal)
