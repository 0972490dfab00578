package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/backup"
	"github.com/stemsi/exstem-proctor/internal/lockdown"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// ─── Manual clock ───────────────────────────────────────────────────

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{d: d, c: make(chan time.Time), stop: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// ticker returns the most recent ticker created with period d.
func (c *fakeClock) ticker(d time.Duration) *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.tickers) - 1; i >= 0; i-- {
		if c.tickers[i].d == d {
			return c.tickers[i]
		}
	}
	return nil
}

// fakeTicker has an unbuffered channel: fire returns once the session has
// received the tick, or false once the ticker is stopped.
type fakeTicker struct {
	d         time.Duration
	c         chan time.Time
	stop      chan struct{}
	once      sync.Once
	delivered atomic.Int64
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() { t.once.Do(func() { close(t.stop) }) }

func (t *fakeTicker) fire(now time.Time) bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	select {
	case t.c <- now:
		t.delivered.Add(1)
		return true
	case <-t.stop:
		return false
	}
}

// ─── Fake backend ───────────────────────────────────────────────────

type fakeBackend struct {
	mu sync.Mutex

	startResp model.StartAttemptResponse
	startErr  error
	status    model.AttemptStatusResponse
	statusErr error

	heartbeatFn func(model.HeartbeatRequest) (model.HeartbeatAck, error)
	heartbeats  []model.HeartbeatRequest

	reports   []model.ViolationReport
	reportErr error

	submits    []model.SubmitAttemptRequest
	submitErr  error
	submitResp *model.SubmitAttemptResponse
	submitGate chan struct{}

	uploads   []string
	uploadErr error
}

func (f *fakeBackend) StartAttempt(_ context.Context, req model.StartAttemptRequest) (model.StartAttemptResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return model.StartAttemptResponse{}, f.startErr
	}
	return f.startResp, nil
}

func (f *fakeBackend) Heartbeat(_ context.Context, _ string, req model.HeartbeatRequest) (model.HeartbeatAck, error) {
	f.mu.Lock()
	f.heartbeats = append(f.heartbeats, req)
	fn := f.heartbeatFn
	f.mu.Unlock()
	if fn == nil {
		return model.HeartbeatAck{ViolationCount: req.ViolationCount}, nil
	}
	return fn(req)
}

func (f *fakeBackend) ReportViolation(_ context.Context, _ string, report model.ViolationReport) (model.ViolationAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	if f.reportErr != nil {
		return model.ViolationAck{}, f.reportErr
	}
	return model.ViolationAck{Accepted: true}, nil
}

func (f *fakeBackend) SubmitAttempt(ctx context.Context, _ string, req model.SubmitAttemptRequest) (model.SubmitAttemptResponse, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	gate := f.submitGate
	err := f.submitErr
	fixed := f.submitResp
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.SubmitAttemptResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return model.SubmitAttemptResponse{}, err
	}
	if fixed != nil {
		return *fixed, nil
	}
	switch {
	case req.IsDisqualification():
		return model.SubmitAttemptResponse{Success: true, Status: model.AttemptStatusDisqualified, DisqualifiedReason: req.Reason}, nil
	case req.Auto:
		return model.SubmitAttemptResponse{Success: true, Status: model.AttemptStatusAutoSubmitted}, nil
	}
	return model.SubmitAttemptResponse{Success: true, Status: model.AttemptStatusSubmitted}, nil
}

func (f *fakeBackend) UploadAnswerFile(_ context.Context, attemptID, questionID string, _ answerfile.File) (model.UploadAnswerFileResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, questionID)
	if f.uploadErr != nil {
		return model.UploadAnswerFileResponse{}, f.uploadErr
	}
	return model.UploadAnswerFileResponse{FilePath: fmt.Sprintf("/uploads/answers/%s/%s.pdf", attemptID, questionID)}, nil
}

func (f *fakeBackend) GetAttemptStatus(context.Context, string) (model.AttemptStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) submitCalls() []model.SubmitAttemptRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SubmitAttemptRequest(nil), f.submits...)
}

func (f *fakeBackend) reportCalls() []model.ViolationReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ViolationReport(nil), f.reports...)
}

func (f *fakeBackend) uploadCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// ─── Recording notifier ─────────────────────────────────────────────

type recordingNotifier struct {
	mu           sync.Mutex
	warnings     []string
	violations   []model.ViolationLog
	disqualified []string
	finished     []model.AttemptStatus
}

func (n *recordingNotifier) Warning(msg string) {
	n.mu.Lock()
	n.warnings = append(n.warnings, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) Violation(v model.ViolationLog) {
	n.mu.Lock()
	n.violations = append(n.violations, v)
	n.mu.Unlock()
}

func (n *recordingNotifier) Disqualified(reason string) {
	n.mu.Lock()
	n.disqualified = append(n.disqualified, reason)
	n.mu.Unlock()
}

func (n *recordingNotifier) Finished(status model.AttemptStatus, _ string) {
	n.mu.Lock()
	n.finished = append(n.finished, status)
	n.mu.Unlock()
}

func (n *recordingNotifier) counts() (warnings, disqualified, finished int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.warnings), len(n.disqualified), len(n.finished)
}

// ─── Harness ────────────────────────────────────────────────────────

const retryEvery = 7 * time.Second

type harness struct {
	t        *testing.T
	clock    *fakeClock
	backend  *fakeBackend
	store    *backup.MemoryStore
	surface  *lockdown.ScriptedSurface
	notifier *recordingNotifier
	security model.SecurityConfig
	session  *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		t:     t,
		clock: clock,
		backend: &fakeBackend{startResp: model.StartAttemptResponse{
			AttemptID: "attempt-1",
			StudentID: 42,
			Exam:      model.ExamInfo{ID: "exam-1", Title: "Physics", DurationMinutes: 60},
			EndTime:   clock.Now().Add(time.Hour),
		}},
		store:    backup.NewMemoryStore(),
		surface:  lockdown.NewScriptedSurface(),
		notifier: &recordingNotifier{},
		security: model.DefaultSecurityConfig(),
	}
	return h
}

func (h *harness) build() *Session {
	h.session = New(h.backend, h.store, h.surface,
		WithClock(h.clock),
		WithLogger(zerolog.Nop()),
		WithSecurity(h.security),
		WithClientContext(model.ClientContext{UserAgent: "test-agent", PageURL: "https://exam.local"}),
		WithNotifier(h.notifier),
		WithWarningTTL(5*time.Second),
		WithSubmitRetry(retryEvery),
		WithAnswerFiles(answerfile.NewValidator(1024, false)),
	)
	h.t.Cleanup(h.session.Teardown)
	return h.session
}

func (h *harness) start() *Session {
	h.t.Helper()
	s := h.build()
	require.NoError(h.t, s.Start(context.Background(), AttemptRef{ExamID: "exam-1"}, time.Hour))
	s.barrier()
	return s
}

func (h *harness) second() *fakeTicker { return h.clock.ticker(time.Second) }

func (h *harness) beat() *fakeTicker { return h.clock.ticker(h.security.HeartbeatInterval()) }

// tick advances the clock one second at a time and reports how many ticks
// the session received.
func (h *harness) tick(n int) int {
	delivered := 0
	for i := 0; i < n; i++ {
		now := h.clock.Advance(time.Second)
		if h.second().fire(now) {
			delivered++
		}
	}
	h.session.barrier()
	return delivered
}

func (h *harness) dispatch(sig violation.Signal) {
	h.surface.Dispatch(sig)
	h.session.barrier()
}

func (h *harness) waitStatus(status model.AttemptStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.session.Snapshot().Status == status
	}, 2*time.Second, 5*time.Millisecond, "want status %s", status)
}

var errUnreachable = fmt.Errorf("dial tcp: %w", context.DeadlineExceeded)

var pdf = answerfile.File{
	Name:     "sheet.pdf",
	MimeType: answerfile.MimePDF,
	Data:     []byte("%PDF-1.4\n1 0 obj\n<< >>\nendobj\n%%EOF\n"),
}
