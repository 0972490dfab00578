// Package session is the exam session state machine. One goroutine owns the
// attempt: every browser signal, timer tick and network completion reaches
// it as a message, and a one-shot latch lets exactly one terminal path run
// teardown and submission.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/backup"
	"github.com/stemsi/exstem-proctor/internal/heartbeat"
	"github.com/stemsi/exstem-proctor/internal/lockdown"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/tracker"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// Sentinel errors for session operations.
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotInProgress  = errors.New("attempt is not in progress")
	ErrSubmitFailed   = errors.New("submission failed")
	ErrMissingEndTime = errors.New("server returned no end time")
)

// Disqualification reasons.
const (
	ReasonViolationLimit = "Violation limit exceeded"
	ReasonTimeOutside    = "Exceeded maximum time outside exam window"
	ReasonServer         = "Disqualified by proctor server"
)

// Autonomous submission causes, sent as the submit reason.
const (
	causeTimeUp        = model.SubmitReasonTimeUp
	causeHeartbeatLost = model.SubmitReasonHeartbeatLost
	causeServerExpired = model.SubmitReasonServerExpired
	causeHost          = model.SubmitReasonHost
)

const (
	storeTimeout  = 2 * time.Second
	reportTimeout = 10 * time.Second
	submitTimeout = 30 * time.Second
	inboxSize     = 128
)

// StartError is returned when an attempt cannot begin. Reason is matched
// with errors.Is against the backend start sentinels.
type StartError struct {
	Reason error
}

func (e *StartError) Error() string { return "start attempt: " + e.Reason.Error() }
func (e *StartError) Unwrap() error { return e.Reason }

// AttemptRef identifies the attempt to start or resume. An empty AttemptID
// lets the server pick or create one.
type AttemptRef struct {
	ExamID    string
	AttemptID string
}

// SubmitOutcome is the result of a Submit call.
type SubmitOutcome struct {
	Status model.AttemptStatus
	// Duplicate is set when another submission was already in flight or done.
	Duplicate bool
	// FileWarning is set when the final answer file could not be attached.
	FileWarning error
}

// Snapshot is the read-only state the host UI renders.
type Snapshot struct {
	AttemptID              string
	ExamID                 string
	Status                 model.AttemptStatus
	Remaining              time.Duration
	RemainingClock         string
	TimeOutside            time.Duration
	TimeOutsideClock       string
	IsOutside              bool
	ViolationCount         int
	Violations             []model.ViolationLog
	Warning                string
	Fullscreen             bool
	LastHeartbeat          *time.Time
	Disqualified           bool
	DisqualificationReason string
	Submitting             bool
	TimeUp                 bool
	Answers                map[string]model.Answer
	FileWarning            string
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Session) { s.clock = c } }

// WithLogger sets the parent logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.baseLog = l } }

// WithSecurity sets the limits used when the server supplies none.
func WithSecurity(cfg model.SecurityConfig) Option { return func(s *Session) { s.security = cfg } }

// WithClientContext stamps every violation with the host environment.
func WithClientContext(cc model.ClientContext) Option { return func(s *Session) { s.client = cc } }

// WithNotifier registers the host UI callbacks.
func WithNotifier(n Notifier) Option { return func(s *Session) { s.notifier = n } }

// WithWarningTTL sets how long a warning stays visible.
func WithWarningTTL(d time.Duration) Option { return func(s *Session) { s.warningTTL = d } }

// WithSubmitRetry sets the interval between autonomous submission retries.
func WithSubmitRetry(d time.Duration) Option { return func(s *Session) { s.retryInterval = d } }

// WithAnswerFiles sets the answer file validator.
func WithAnswerFiles(v *answerfile.Validator) Option { return func(s *Session) { s.validator = v } }

// Session monitors one attempt. Create it with New and drive it with Start.
type Session struct {
	backend  backend.Backend
	store    backup.Store
	enforcer *lockdown.Enforcer
	surface  lockdown.Surface

	clock         Clock
	baseLog       zerolog.Logger
	log           zerolog.Logger
	security      model.SecurityConfig
	client        model.ClientContext
	notifier      Notifier
	warningTTL    time.Duration
	retryInterval time.Duration
	validator     *answerfile.Validator
	files         *answerfile.Channel

	startMu sync.Mutex
	started bool
	running atomic.Bool

	inbox   chan message
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	snapMu sync.RWMutex
	snap   Snapshot

	// ─── Loop-owned state ───────────────────────────────────────────
	attemptID    string
	examID       string
	status       model.AttemptStatus
	reason       string
	answers      map[string]model.Answer
	logs         []model.ViolationLog
	count        int
	warned       map[int]bool
	warning      string
	warningUntil time.Time
	timeUp       bool

	countdown *tracker.Countdown
	outside   *tracker.Outside
	hb        *heartbeat.Channel
	lease     *lockdown.Lease

	second      Ticker
	secondC     <-chan time.Time
	beat        Ticker
	beatC       <-chan time.Time
	retry       Ticker
	retryC      <-chan time.Time
	hbInFlight  bool
	reporting   map[string]bool
	latched     bool
	tornDown    bool
	submitting  bool
	exited      bool
	finalRef    string
	pendingFile *answerfile.File
	fileWarning string
}

// New creates a session over the given collaborators.
func New(b backend.Backend, store backup.Store, surface lockdown.Surface, opts ...Option) *Session {
	s := &Session{
		backend:       b,
		store:         store,
		surface:       surface,
		clock:         realClock{},
		baseLog:       log.Logger,
		security:      model.DefaultSecurityConfig(),
		notifier:      NopNotifier{},
		warningTTL:    5 * time.Second,
		retryInterval: 5 * time.Second,
		validator:     answerfile.NewValidator(10*1024*1024, true),
		inbox:         make(chan message, inboxSize),
		stopped:       make(chan struct{}),
		status:        model.AttemptStatusNotStarted,
		answers:       make(map[string]model.Answer),
		warned:        make(map[int]bool),
		reporting:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.baseLog.With().Str("component", "session").Logger()
	s.enforcer = lockdown.NewEnforcer(surface, s.baseLog)
	s.files = answerfile.NewChannel(s.validator, b)
	s.snap = Snapshot{Status: model.AttemptStatusNotStarted}
	return s
}

// Start obtains or resumes the attempt and begins monitoring it.
func (s *Session) Start(ctx context.Context, ref AttemptRef, durationHint time.Duration) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	resp, err := s.backend.StartAttempt(ctx, model.StartAttemptRequest{ExamID: ref.ExamID, AttemptID: ref.AttemptID})
	if err != nil {
		return &StartError{Reason: err}
	}
	if resp.EndTime.IsZero() {
		return &StartError{Reason: ErrMissingEndTime}
	}

	if resp.Security != nil {
		if err := resp.Security.Validate(); err != nil {
			s.log.Warn().Err(err).Msg("Ignoring server security config")
		} else {
			s.security = *resp.Security
		}
	}

	s.attemptID = resp.AttemptID
	s.examID = resp.Exam.ID
	if s.examID == "" {
		s.examID = ref.ExamID
	}
	s.log = s.baseLog.With().
		Str("component", "session").
		Str("attempt_id", s.attemptID).
		Str("exam_id", s.examID).
		Logger()

	now := s.clock.Now()
	remaining := resp.EndTime.Sub(now)
	if durationHint > 0 && remaining > durationHint {
		s.log.Debug().Dur("hint", durationHint).Dur("server", remaining).Msg("Server end time differs from requested duration")
	}

	serverCount := 0
	var seedOutside time.Duration
	if resp.Resuming {
		st, err := s.backend.GetAttemptStatus(ctx, s.attemptID)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Msg("Attempt status unavailable, resuming from local backup")
		case st.Status.Terminal():
			s.clearBackup(ctx)
			return &StartError{Reason: fmt.Errorf("%w: %s", backend.ErrAttemptTerminal, st.Status)}
		default:
			serverCount = st.TotalViolations
			seedOutside = time.Duration(st.TimeOutsideMs) * time.Millisecond
			for qid, a := range st.Answers {
				s.answers[qid] = a
			}
		}
	}

	logs, err := s.store.Load(ctx, s.attemptID)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load violation backup")
	}
	s.logs = logs
	s.count = max(model.CountedViolations(logs), serverCount)
	for _, t := range s.security.WarningThresholds {
		if s.count >= t {
			s.warned[t] = true
		}
	}

	s.status = model.AttemptStatusInProgress
	s.countdown = tracker.NewCountdown(now, remaining)
	s.outside = tracker.NewOutside(s.security.MaxTimeOutside(), seedOutside)
	s.hb = heartbeat.NewChannel(s.backend, s.security, s.clock.Now)

	lease, err := s.enforcer.Engage(s.Signal)
	if err != nil {
		s.status = model.AttemptStatusNotStarted
		return &StartError{Reason: err}
	}
	s.lease = lease

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.second = s.clock.NewTicker(time.Second)
	s.secondC = s.second.C()
	s.beat = s.clock.NewTicker(s.security.HeartbeatInterval())
	s.beatC = s.beat.C()

	s.started = true
	s.publish()
	s.running.Store(true)

	s.log.Info().
		Bool("resuming", resp.Resuming).
		Int("violations", s.count).
		Int("backup_entries", len(logs)).
		Dur("remaining", remaining).
		Msg("Exam session started")

	go s.run(backup.Undelivered(logs))
	return nil
}

// Signal feeds a raw surface event into the session. It never blocks.
func (s *Session) Signal(sig violation.Signal) {
	if !s.running.Load() {
		return
	}
	select {
	case s.inbox <- signalMsg{sig: sig}:
	case <-s.stopped:
	default:
		s.log.Warn().Str("signal", string(sig.Kind)).Msg("Session inbox full, signal dropped")
	}
}

// RecordAnswer stores an answer while the attempt is in progress.
func (s *Session) RecordAnswer(questionID string, a model.Answer) error {
	if strings.TrimSpace(questionID) == "" {
		return fmt.Errorf("%w: empty question id", ErrNotInProgress)
	}
	reply := make(chan error, 1)
	if !s.send(answerMsg{questionID: questionID, answer: a, reply: reply}) {
		return ErrNotInProgress
	}
	return s.await(reply)
}

// Submit sends the final answers. A call made while a submission is in
// flight, or after the attempt has finished, returns a Duplicate outcome
// without another network call.
func (s *Session) Submit(ctx context.Context, manual bool) (SubmitOutcome, error) {
	reply := make(chan submitReply, 1)
	if !s.send(submitMsg{ctx: ctx, manual: manual, reply: reply}) {
		snap := s.Snapshot()
		if snap.Status.Terminal() {
			return SubmitOutcome{Status: snap.Status, Duplicate: true}, nil
		}
		return SubmitOutcome{Status: snap.Status}, ErrNotInProgress
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-s.stopped:
		select {
		case r := <-reply:
			return r.outcome, r.err
		default:
		}
		snap := s.Snapshot()
		if snap.Status.Terminal() {
			return SubmitOutcome{Status: snap.Status, Duplicate: true}, nil
		}
		return SubmitOutcome{Status: snap.Status}, ErrNotInProgress
	case <-ctx.Done():
		return SubmitOutcome{Status: s.Snapshot().Status}, ctx.Err()
	}
}

// UploadAnswerFile validates and uploads a file answer for a question, then
// records it as a FILE answer. Uploading to model.FinalSubmissionSlot sets
// the final attachment instead.
func (s *Session) UploadAnswerFile(ctx context.Context, questionID string, f answerfile.File) (model.AnswerFile, error) {
	snap := s.Snapshot()
	if snap.Status != model.AttemptStatusInProgress {
		return model.AnswerFile{}, ErrNotInProgress
	}
	af, err := s.files.Upload(ctx, snap.AttemptID, questionID, f)
	if err != nil {
		return model.AnswerFile{}, err
	}

	reply := make(chan error, 1)
	if !s.send(fileMsg{file: af, reply: reply}) {
		return af, ErrNotInProgress
	}
	return af, s.await(reply)
}

// AttachFinalFile validates f now and uploads it with the final submission.
func (s *Session) AttachFinalFile(f answerfile.File) error {
	if _, err := s.validator.Validate(f); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !s.send(attachMsg{file: f, reply: reply}) {
		return ErrNotInProgress
	}
	return s.await(reply)
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Teardown stops every timer and releases the lockdown without submitting,
// as on page unload. The attempt stays resumable. Safe to call repeatedly.
func (s *Session) Teardown() {
	done := make(chan struct{})
	if s.send(teardownMsg{done: done}) {
		<-s.stopped
		return
	}
	s.startMu.Lock()
	lease := s.lease
	s.startMu.Unlock()
	if lease != nil {
		_ = lease.Release()
	}
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// barrier returns once every message queued before it has been handled.
func (s *Session) barrier() {
	done := make(chan struct{})
	if s.send(barrierMsg{done: done}) {
		select {
		case <-done:
		case <-s.stopped:
		}
	}
}

func (s *Session) send(m message) bool {
	if !s.running.Load() {
		return false
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Session) await(reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return ErrNotInProgress
	}
}

func (s *Session) clearBackup(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.Clear(cctx, s.attemptID); err != nil {
		s.log.Error().Err(err).Msg("Failed to clear violation backup")
	}
}
