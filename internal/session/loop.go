package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/heartbeat"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/tracker"
	"github.com/stemsi/exstem-proctor/internal/violation"
)

// ─── Messages ───────────────────────────────────────────────────────

type message interface{}

type signalMsg struct{ sig violation.Signal }

type answerMsg struct {
	questionID string
	answer     model.Answer
	reply      chan error
}

type fileMsg struct {
	file  model.AnswerFile
	reply chan error
}

type attachMsg struct {
	file  answerfile.File
	reply chan error
}

type submitMsg struct {
	ctx    context.Context
	manual bool
	reply  chan submitReply
}

type submitReply struct {
	outcome SubmitOutcome
	err     error
}

type submitDone struct {
	manual  bool
	reason  string
	resp    model.SubmitAttemptResponse
	err     error
	fileRef string
	fileErr error
	reply   chan submitReply
}

type heartbeatDone struct{ res heartbeat.Result }

type reportDone struct {
	id  string
	ack model.ViolationAck
	err error
}

type barrierMsg struct{ done chan struct{} }

type teardownMsg struct{ done chan struct{} }

// post delivers a completion from a network goroutine. It gives up once the
// session has exited, so late arrivals are dropped.
func (s *Session) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.stopped:
	}
}

// ─── Loop ───────────────────────────────────────────────────────────

func (s *Session) run(replay []model.ViolationLog) {
	defer func() {
		s.stopTimers()
		s.stopRetry()
		s.running.Store(false)
		s.cancel()
		close(s.stopped)
	}()

	s.bootstrap(replay)
	s.publish()

	for !s.exited {
		select {
		case m := <-s.inbox:
			s.handle(m)
		case now := <-s.secondC:
			s.onTick(now)
		case <-s.beatC:
			s.onHeartbeatTick()
		case <-s.retryC:
			s.onRetry()
		}
		s.publish()
	}
}

// bootstrap replays undelivered backup entries and settles conditions that
// already hold when the attempt resumes.
func (s *Session) bootstrap(replay []model.ViolationLog) {
	for _, v := range replay {
		s.report(v)
	}
	if len(replay) > 0 {
		s.log.Info().Int("entries", len(replay)).Msg("Replaying undelivered violations")
	}

	if s.count >= s.security.MaxViolations {
		s.disqualify(ReasonViolationLimit)
		return
	}
	now := s.clock.Now()
	s.onOutsideReport(s.outside.Tick(now), now)
	if !s.acceptsInput() {
		return
	}
	if _, expired := s.countdown.Tick(now); expired {
		s.expire(causeTimeUp)
	}
}

func (s *Session) handle(m message) {
	switch m := m.(type) {
	case signalMsg:
		s.onSignal(m.sig)
	case answerMsg:
		m.reply <- s.onAnswer(m.questionID, m.answer)
	case fileMsg:
		m.reply <- s.onFileAnswer(m.file)
	case attachMsg:
		if !s.acceptsInput() {
			m.reply <- ErrNotInProgress
			return
		}
		f := m.file
		s.pendingFile = &f
		s.finalRef = ""
		m.reply <- nil
	case submitMsg:
		s.onSubmit(m)
	case submitDone:
		s.onSubmitDone(m)
	case heartbeatDone:
		s.onHeartbeatDone(m.res)
	case reportDone:
		s.onReportDone(m)
	case barrierMsg:
		close(m.done)
	case teardownMsg:
		s.log.Info().Str("status", string(s.status)).Msg("Session torn down by host")
		s.teardown()
		s.stopRetry()
		s.exited = true
		close(m.done)
	}
}

// acceptsInput reports whether the attempt can still change.
func (s *Session) acceptsInput() bool {
	return s.status == model.AttemptStatusInProgress && !s.latched
}

// ─── Signals and violations ─────────────────────────────────────────

func (s *Session) onSignal(sig violation.Signal) {
	if !s.acceptsInput() {
		return
	}
	if sig.At.IsZero() {
		sig.At = s.clock.Now()
	}

	switch {
	case sig.Outside():
		s.outside.Leave(sig.Kind == violation.SignalVisibilityHidden, sig.At)
	case sig.Inside():
		stretch, rep, ok := s.outside.Return(sig.Kind == violation.SignalVisibilityVisible, sig.At)
		s.onOutsideReport(rep, sig.At)
		if ok && s.acceptsInput() {
			s.recordViolation(violation.Returned(stretch.TabHidden, stretch.Duration, sig.At, s.client))
		}
	case sig.Kind == violation.SignalFullscreenExit:
		if v, ok := violation.Classify(sig, s.client); ok {
			s.recordViolation(v)
		}
		if s.acceptsInput() && s.lease != nil {
			if err := s.lease.Reassert(); err != nil {
				s.log.Warn().Err(err).Msg("Fullscreen reassertion failed")
			}
		}
	default:
		if v, ok := violation.Classify(sig, s.client); ok {
			s.recordViolation(v)
		}
	}
}

// recordViolation is the single entry point for evidence: log, back up,
// count, warn, report, and enforce the limit.
func (s *Session) recordViolation(v model.ViolationLog) {
	if !s.acceptsInput() {
		return
	}

	s.logs = append(s.logs, v)

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	if err := s.store.Append(ctx, s.attemptID, v); err != nil {
		s.log.Error().Err(err).Str("violation_id", v.ID).Msg("Failed to back up violation")
	}
	cancel()

	if v.Counted {
		s.count++
	}
	s.log.Warn().
		Str("type", string(v.Type)).
		Str("details", v.Details).
		Bool("counted", v.Counted).
		Int("count", s.count).
		Msg("Violation recorded")
	s.notifier.Violation(v)

	if v.Counted {
		s.maybeWarn()
	}
	s.report(v)

	if v.Counted && s.count >= s.security.MaxViolations {
		s.disqualify(ReasonViolationLimit)
	}
}

// maybeWarn surfaces one warning when the count first reaches any threshold.
func (s *Session) maybeWarn() {
	crossed := 0
	for _, t := range s.security.WarningThresholds {
		if s.count >= t && !s.warned[t] {
			s.warned[t] = true
			crossed = t
		}
	}
	if crossed == 0 {
		return
	}
	s.warning = fmt.Sprintf("Warning: %d of %d allowed violations recorded. Reaching the limit ends your exam.",
		s.count, s.security.MaxViolations)
	s.warningUntil = s.clock.Now().Add(s.warningTTL)
	s.notifier.Warning(s.warning)
}

// raiseCount applies a server-reported count as a floor.
func (s *Session) raiseCount(server int) {
	if server <= s.count {
		return
	}
	s.log.Info().Int("local", s.count).Int("server", server).Msg("Adopting server violation count")
	s.count = server
	s.maybeWarn()
	if s.count >= s.security.MaxViolations {
		s.disqualify(ReasonViolationLimit)
	}
}

func (s *Session) report(v model.ViolationLog) {
	if s.reporting[v.ID] {
		return
	}
	s.reporting[v.ID] = true

	attemptID := s.attemptID
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, reportTimeout)
		defer cancel()
		ack, err := s.backend.ReportViolation(ctx, attemptID, v.Report())
		s.post(reportDone{id: v.ID, ack: ack, err: err})
	}()
}

func (s *Session) onReportDone(d reportDone) {
	delete(s.reporting, d.id)
	if d.err != nil {
		s.log.Warn().Err(d.err).Str("violation_id", d.id).Msg("Violation report failed, kept in backup")
		return
	}

	for i := range s.logs {
		if s.logs[i].ID == d.id {
			s.logs[i].Delivered = true
			break
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	if err := s.store.MarkDelivered(ctx, s.attemptID, d.id); err != nil {
		s.log.Error().Err(err).Str("violation_id", d.id).Msg("Failed to mark violation delivered")
	}
	cancel()

	if s.acceptsInput() {
		s.raiseCount(d.ack.ViolationCount)
	}
}

// ─── Timers ─────────────────────────────────────────────────────────

// onTick advances time outside first so a disqualification in the same
// second wins over expiry.
func (s *Session) onTick(now time.Time) {
	if !s.acceptsInput() {
		return
	}

	s.onOutsideReport(s.outside.Tick(now), now)
	if !s.acceptsInput() {
		return
	}

	if _, expired := s.countdown.Tick(now); expired {
		s.expire(causeTimeUp)
		return
	}

	if s.warning != "" && !now.Before(s.warningUntil) {
		s.warning = ""
	}
}

func (s *Session) onOutsideReport(rep tracker.Report, now time.Time) {
	for _, mark := range rep.Marks {
		s.recordViolation(violation.TimeOutsideProgress(mark, now, s.client))
	}
	if rep.Exceeded {
		s.recordViolation(violation.TimeOutsideExceeded(rep.Accumulated, s.security.MaxTimeOutside(), now, s.client))
		s.disqualify(ReasonTimeOutside)
	}
}

func (s *Session) onHeartbeatTick() {
	if !s.acceptsInput() || s.hbInFlight {
		return
	}
	s.hbInFlight = true

	now := s.clock.Now()
	visibility := model.VisibilityVisible
	if s.outside.Hidden() {
		visibility = model.VisibilityHidden
	}
	req := model.HeartbeatRequest{
		Visibility:           visibility,
		AccumulatedOutsideMs: s.outside.Accumulated(now).Milliseconds(),
		ViolationCount:       s.count,
		Answers:              s.copyAnswers(),
	}
	attemptID := s.attemptID
	go func() {
		res := s.hb.Send(s.ctx, attemptID, req)
		s.post(heartbeatDone{res: res})
	}()
}

func (s *Session) onHeartbeatDone(res heartbeat.Result) {
	s.hbInFlight = false
	if !s.acceptsInput() {
		// the session already took a terminal path; late acks change nothing
		return
	}

	v := s.hb.Observe(res)
	if v.Missed {
		s.log.Warn().Err(v.Err).Int("consecutive", v.Consecutive).Msg("Heartbeat missed")
		s.recordViolation(violation.HeartbeatMissed(v.Consecutive, v.Err, s.clock.Now(), s.client))
		if v.Lost && s.acceptsInput() {
			s.log.Warn().Int("misses", v.Consecutive).Msg("Heartbeat channel lost, forcing submission")
			s.expire(causeHeartbeatLost)
		}
		return
	}

	ack := v.Ack
	switch {
	case ack.Disqualified:
		reason := ack.Reason
		if reason == "" {
			reason = ReasonServer
		}
		s.disqualify(reason)
		return
	case ack.Expired:
		s.expire(causeServerExpired)
		return
	}

	s.raiseCount(ack.ViolationCount)
	if !s.acceptsInput() {
		return
	}
	if ack.TimeOutsideMs > 0 {
		now := s.clock.Now()
		s.outside.Floor(time.Duration(ack.TimeOutsideMs) * time.Millisecond)
		s.onOutsideReport(s.outside.Tick(now), now)
		if !s.acceptsInput() {
			return
		}
	}
	if ack.RemainingTimeMs != nil {
		s.countdown.Correct(s.clock.Now(), time.Duration(*ack.RemainingTimeMs)*time.Millisecond)
	}

	for _, l := range s.logs {
		if !l.Delivered {
			s.report(l)
		}
	}
}

// ─── Terminal transitions ───────────────────────────────────────────

// disqualify ends the attempt for an integrity reason. Only the first
// terminal path to reach the latch has any effect.
func (s *Session) disqualify(reason string) {
	if s.latched || s.status.Terminal() {
		return
	}
	s.latched = true
	s.status = model.AttemptStatusDisqualified
	s.reason = reason

	s.log.Warn().Str("reason", reason).Int("violations", s.count).Msg("Attempt disqualified")
	s.notifier.Disqualified(reason)

	s.teardown()
	s.autoSubmit(reason)
}

// expire ends the attempt by time or by lost observability.
func (s *Session) expire(cause string) {
	if s.latched || s.status.Terminal() {
		return
	}
	s.latched = true
	if cause == causeTimeUp || cause == causeServerExpired {
		s.timeUp = true
	}

	s.log.Info().Str("cause", cause).Msg("Forcing submission")
	s.teardown()
	s.autoSubmit(cause)
}

// teardown stops the timers and releases the lockdown, once.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.stopTimers()
	if s.lease != nil {
		if err := s.lease.Release(); err != nil {
			s.log.Warn().Err(err).Msg("Lockdown release reported errors")
		}
	}
}

func (s *Session) stopTimers() {
	if s.second != nil {
		s.second.Stop()
		s.second, s.secondC = nil, nil
	}
	if s.beat != nil {
		s.beat.Stop()
		s.beat, s.beatC = nil, nil
	}
}

func (s *Session) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry, s.retryC = nil, nil
	}
}

func (s *Session) ensureRetry() {
	if s.retry == nil && !s.exited {
		s.retry = s.clock.NewTicker(s.retryInterval)
		s.retryC = s.retry.C()
	}
}

func (s *Session) onRetry() {
	if s.latched && !s.submitting {
		s.log.Info().Msg("Retrying submission")
		s.autoSubmit(s.submitReason())
	}
}

// ─── Submission ─────────────────────────────────────────────────────

func (s *Session) autoSubmit(reason string) {
	if s.submitting {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, submitTimeout)
	s.launchSubmit(ctx, cancel, false, reason, nil)
}

func (s *Session) onSubmit(m submitMsg) {
	switch {
	case s.submitting:
		m.reply <- submitReply{outcome: SubmitOutcome{Status: s.status, Duplicate: true}}
	case s.latched:
		// the attempt already ended on its own; the host is retrying
		s.launchSubmit(m.ctx, func() {}, false, s.submitReason(), m.reply)
	case s.status != model.AttemptStatusInProgress:
		m.reply <- submitReply{outcome: SubmitOutcome{Status: s.status}, err: ErrNotInProgress}
	case !m.manual:
		s.latched = true
		s.teardown()
		s.launchSubmit(m.ctx, func() {}, false, causeHost, m.reply)
	default:
		s.log.Info().Int("answers", len(s.answers)).Msg("Submitting attempt")
		s.launchSubmit(m.ctx, func() {}, true, "", m.reply)
	}
}

func (s *Session) submitReason() string {
	if s.reason != "" {
		return s.reason
	}
	if s.timeUp {
		return causeTimeUp
	}
	return causeHeartbeatLost
}

func (s *Session) launchSubmit(ctx context.Context, cancel context.CancelFunc, manual bool, reason string, reply chan submitReply) {
	s.submitting = true

	req := model.SubmitAttemptRequest{
		Answers:      s.copyAnswers(),
		FinalFileRef: s.finalRef,
		Auto:         !manual,
		Reason:       reason,
	}
	var pending *answerfile.File
	if s.pendingFile != nil && s.finalRef == "" {
		f := *s.pendingFile
		pending = &f
	}
	attemptID := s.attemptID

	go func() {
		defer cancel()
		done := submitDone{manual: manual, reason: reason, reply: reply}

		if pending != nil {
			af, err := s.files.Upload(ctx, attemptID, model.FinalSubmissionSlot, *pending)
			if err != nil {
				done.fileErr = err
			} else {
				done.fileRef = af.StorageRef
				req.FinalFileRef = af.StorageRef
			}
		}

		done.resp, done.err = s.backend.SubmitAttempt(ctx, attemptID, req)
		if done.err == nil && !done.resp.Success {
			done.err = errors.New("server did not confirm the submission")
		}
		s.post(done)
	}()
}

func (s *Session) onSubmitDone(d submitDone) {
	s.submitting = false

	if d.fileRef != "" {
		s.finalRef = d.fileRef
		s.pendingFile = nil
	}
	if d.fileErr != nil {
		s.fileWarning = "Final answer file could not be uploaded: " + d.fileErr.Error()
		s.log.Warn().Err(d.fileErr).Msg("Final answer file upload failed, submitting without it")
	}

	if d.err != nil {
		s.log.Error().Err(d.err).Bool("manual", d.manual).Msg("Submission failed")
		if s.latched {
			s.ensureRetry()
		}
		s.publish()
		if d.reply != nil {
			d.reply <- submitReply{
				outcome: SubmitOutcome{Status: s.status, FileWarning: d.fileErr},
				err:     fmt.Errorf("%w: %w", ErrSubmitFailed, d.err),
			}
		}
		return
	}

	if s.status == model.AttemptStatusDisqualified && d.resp.Status != model.AttemptStatusDisqualified && d.reason != s.reason {
		// Disqualified while another submission was in flight; the server
		// has to hear about it before the backup goes.
		s.log.Warn().Str("reason", s.reason).Msg("Reporting disqualification after submission")
		ctx, cancel := context.WithTimeout(s.ctx, submitTimeout)
		s.launchSubmit(ctx, cancel, false, s.reason, d.reply)
		return
	}

	switch {
	case s.status == model.AttemptStatusDisqualified || d.resp.Status == model.AttemptStatusDisqualified:
		s.status = model.AttemptStatusDisqualified
		if s.reason == "" {
			s.reason = d.resp.DisqualifiedReason
		}
		if s.reason == "" {
			s.reason = ReasonServer
		}
	case d.manual:
		s.status = model.AttemptStatusSubmitted
	default:
		s.status = model.AttemptStatusAutoSubmitted
	}
	s.latched = true

	s.teardown()
	s.stopRetry()
	s.clearBackup(s.ctx)

	s.log.Info().Str("status", string(s.status)).Str("reason", s.reason).Msg("Attempt finished")
	s.notifier.Finished(s.status, s.reason)

	s.publish()
	if d.reply != nil {
		d.reply <- submitReply{outcome: SubmitOutcome{Status: s.status, FileWarning: d.fileErr}}
	}
	s.exited = true
}

// ─── Answers ────────────────────────────────────────────────────────

func (s *Session) onAnswer(questionID string, a model.Answer) error {
	if !s.acceptsInput() {
		return ErrNotInProgress
	}
	s.answers[questionID] = a
	return nil
}

func (s *Session) onFileAnswer(af model.AnswerFile) error {
	if !s.acceptsInput() {
		return ErrNotInProgress
	}
	if af.QuestionID == model.FinalSubmissionSlot {
		s.finalRef = af.StorageRef
		s.pendingFile = nil
		return nil
	}
	s.answers[af.QuestionID] = model.Answer{Kind: model.AnswerKindFile, Value: af.StorageRef}
	return nil
}

func (s *Session) copyAnswers() map[string]model.Answer {
	out := make(map[string]model.Answer, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// ─── Observable state ───────────────────────────────────────────────

func (s *Session) publish() {
	now := s.clock.Now()
	remaining := s.countdown.Remaining(now)
	outside := s.outside.Accumulated(now)

	logs := make([]model.ViolationLog, len(s.logs))
	copy(logs, s.logs)

	snap := Snapshot{
		AttemptID:              s.attemptID,
		ExamID:                 s.examID,
		Status:                 s.status,
		Remaining:              remaining,
		RemainingClock:         tracker.FormatClock(remaining),
		TimeOutside:            outside,
		TimeOutsideClock:       tracker.FormatClock(outside),
		IsOutside:              s.outside.IsOutside(),
		ViolationCount:         s.count,
		Violations:             logs,
		Warning:                s.warning,
		Fullscreen:             s.surface.IsFullscreen(),
		LastHeartbeat:          s.hb.LastAck(),
		Disqualified:           s.status == model.AttemptStatusDisqualified,
		DisqualificationReason: s.reason,
		Submitting:             s.submitting,
		TimeUp:                 s.timeUp,
		Answers:                s.copyAnswers(),
		FileWarning:            s.fileWarning,
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}
