// Package backend is the agent's view of the proctor API: the six calls a
// session makes, and an HTTP client implementing them.
package backend

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Start failures reported by the server.
var (
	ErrAttemptsExhausted = errors.New("no attempts left for this exam")
	ErrExamNotYetOpen    = errors.New("exam is not open yet")
	ErrExamClosed        = errors.New("exam window has closed")
	ErrAttemptTerminal   = errors.New("attempt already finished")
	ErrExamNotAvailable  = errors.New("exam not available")
)

// Other failures.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrRejected     = errors.New("request rejected")
	ErrServer       = errors.New("server error")
)

// Backend is the contract the session consumes.
type Backend interface {
	StartAttempt(ctx context.Context, req model.StartAttemptRequest) (model.StartAttemptResponse, error)
	Heartbeat(ctx context.Context, attemptID string, req model.HeartbeatRequest) (model.HeartbeatAck, error)
	ReportViolation(ctx context.Context, attemptID string, report model.ViolationReport) (model.ViolationAck, error)
	SubmitAttempt(ctx context.Context, attemptID string, req model.SubmitAttemptRequest) (model.SubmitAttemptResponse, error)
	UploadAnswerFile(ctx context.Context, attemptID, questionID string, f answerfile.File) (model.UploadAnswerFileResponse, error)
	GetAttemptStatus(ctx context.Context, attemptID string) (model.AttemptStatusResponse, error)
}

// APIError is a failure reported through the response envelope.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
	kind    error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

// Unwrap exposes the sentinel matching the code.
func (e *APIError) Unwrap() error { return e.kind }

// sentinelFor maps a wire code to its sentinel.
func sentinelFor(status int, code response.ErrCode) error {
	switch code {
	case response.ErrAttemptsExhausted:
		return ErrAttemptsExhausted
	case response.ErrExamNotYetOpen:
		return ErrExamNotYetOpen
	case response.ErrExamClosed:
		return ErrExamClosed
	case response.ErrAttemptTerminal:
		return ErrAttemptTerminal
	case response.ErrExamNotAvailable:
		return ErrExamNotAvailable
	case response.ErrTokenRequired, response.ErrTokenInvalid, response.ErrTokenExpired,
		response.ErrForbidden, response.ErrStudentAccessOnly:
		return ErrUnauthorized
	case response.ErrNotFound:
		return ErrNotFound
	case response.ErrRateLimitExceeded:
		return ErrRateLimited
	case response.ErrUnsupportedFile:
		return answerfile.ErrUnsupportedFileType
	case response.ErrFileTooLarge:
		return answerfile.ErrFileTooLarge
	}
	if status >= 500 {
		return ErrServer
	}
	return ErrRejected
}

// IsStartFailure reports whether err is one of the reasons an attempt cannot begin.
func IsStartFailure(err error) bool {
	return errors.Is(err, ErrAttemptsExhausted) ||
		errors.Is(err, ErrExamNotYetOpen) ||
		errors.Is(err, ErrExamClosed) ||
		errors.Is(err, ErrAttemptTerminal) ||
		errors.Is(err, ErrExamNotAvailable)
}
