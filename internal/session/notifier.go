package session

import "github.com/stemsi/exstem-proctor/internal/model"

// Notifier receives the events the host UI renders. Calls happen on the
// session goroutine and must not block.
type Notifier interface {
	// Warning is a transient message shown when a warning threshold is reached.
	Warning(message string)
	Violation(v model.ViolationLog)
	Disqualified(reason string)
	// Finished is called once the terminal state has been acknowledged by the server.
	Finished(status model.AttemptStatus, reason string)
}

// NopNotifier ignores every event.
type NopNotifier struct{}

func (NopNotifier) Warning(string)                       {}
func (NopNotifier) Violation(model.ViolationLog)         {}
func (NopNotifier) Disqualified(string)                  {}
func (NopNotifier) Finished(model.AttemptStatus, string) {}
