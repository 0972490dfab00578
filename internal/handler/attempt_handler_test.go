package handler_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const student = 7

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< >>\nendobj\n%%EOF\n")

type apiFixture struct {
	t      *testing.T
	srv    *httptest.Server
	auth   *service.AuthService
	exam   model.Exam
	client *backend.HTTPClient
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	validator.Setup()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	exam := model.Exam{
		ID:              uuid.New(),
		Title:           "Chemistry",
		DurationMinutes: 90,
		MaxAttempts:     1,
		Status:          model.ExamStatusPublished,
	}
	exams := repository.NewMemoryExams(exam)
	attempts := repository.NewMemoryAttempts()
	violations := repository.NewMemoryViolations()
	metrics := observability.NewMetrics(nil)
	log := zerolog.Nop()

	cfg := &config.Config{GinMode: gin.TestMode, UploadDir: t.TempDir(), MaxUploadBytes: 1 << 20}
	auth := service.NewAuthService("test-secret", time.Hour)
	attemptSvc := service.NewAttemptService(exams, attempts, violations, rdb, metrics, log)
	fileSvc := service.NewAnswerFileService(attempts, repository.NewMemoryAnswerFiles(),
		answerfile.NewValidator(cfg.MaxUploadBytes, true), cfg.UploadDir, metrics, log)
	monitorSvc := service.NewMonitorService(&repository.MemoryMonitor{Attempts: attempts, Violations: violations}, rdb)

	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attemptSvc, fileSvc, cfg.MaxUploadBytes, log),
		Monitor: handler.NewMonitorHandler(rdb, monitorSvc, log, nil),
		System:  handler.NewSystemHandler(rdb, nil, log),
	}
	srv := httptest.NewServer(router.SetupRouter(auth, handlers, nil, cfg))
	t.Cleanup(srv.Close)

	f := &apiFixture{t: t, srv: srv, auth: auth, exam: exam}
	f.client = f.studentClient(student)
	return f
}

func (f *apiFixture) studentClient(id int) *backend.HTTPClient {
	f.t.Helper()
	token, err := f.auth.GenerateStudentToken(id)
	require.NoError(f.t, err)
	return backend.NewHTTPClient(f.srv.URL, token)
}

func (f *apiFixture) start() model.StartAttemptResponse {
	f.t.Helper()
	resp, err := f.client.StartAttempt(context.Background(), model.StartAttemptRequest{ExamID: f.exam.ID.String()})
	require.NoError(f.t, err)
	return resp
}

func report(counted bool) model.ViolationReport {
	return model.ViolationReport{
		EventID:    uuid.NewString(),
		Type:       model.ViolationTabSwitch,
		Details:    "left the exam tab",
		OccurredAt: time.Now().UTC(),
		Counted:    counted,
	}
}

func TestAttemptLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	started := f.start()
	require.False(t, started.Resuming)
	require.Equal(t, student, started.StudentID)
	require.Equal(t, "Chemistry", started.Exam.Title)
	require.NotNil(t, started.Security)

	resumed := f.start()
	require.True(t, resumed.Resuming)
	require.Equal(t, started.AttemptID, resumed.AttemptID)

	ack, err := f.client.Heartbeat(ctx, started.AttemptID, model.HeartbeatRequest{
		Visibility: model.VisibilityVisible,
		Answers:    map[string]model.Answer{"q1": {Kind: model.AnswerKindChoice, Value: "B"}},
	})
	require.NoError(t, err)
	require.False(t, ack.Disqualified)
	require.NotNil(t, ack.RemainingTimeMs)

	v := report(true)
	vAck, err := f.client.ReportViolation(ctx, started.AttemptID, v)
	require.NoError(t, err)
	require.True(t, vAck.Accepted)
	require.Equal(t, 1, vAck.ViolationCount)

	replay, err := f.client.ReportViolation(ctx, started.AttemptID, v)
	require.NoError(t, err)
	require.True(t, replay.Duplicate)
	require.Equal(t, 1, replay.ViolationCount)

	status, err := f.client.GetAttemptStatus(ctx, started.AttemptID)
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusInProgress, status.Status)
	require.Equal(t, 1, status.TotalViolations)
	require.Equal(t, "B", status.Answers["q1"].Value)

	sub, err := f.client.SubmitAttempt(ctx, started.AttemptID, model.SubmitAttemptRequest{
		Answers: map[string]model.Answer{"q2": {Kind: model.AnswerKindText, Value: "entropy"}},
	})
	require.NoError(t, err)
	require.True(t, sub.Success)
	require.Equal(t, model.AttemptStatusSubmitted, sub.Status)

	again, err := f.client.SubmitAttempt(ctx, started.AttemptID, model.SubmitAttemptRequest{})
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusSubmitted, again.Status)

	final, err := f.client.GetAttemptStatus(ctx, started.AttemptID)
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusSubmitted, final.Status)
	require.Equal(t, int64(0), final.RemainingTimeMs)
	require.Equal(t, "B", final.Answers["q1"].Value)
	require.Equal(t, "entropy", final.Answers["q2"].Value)

	_, err = f.client.StartAttempt(ctx, model.StartAttemptRequest{ExamID: f.exam.ID.String()})
	require.ErrorIs(t, err, backend.ErrAttemptsExhausted)
	require.True(t, backend.IsStartFailure(err))
}

func TestStartErrorsMapToSentinels(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	_, err := f.client.StartAttempt(ctx, model.StartAttemptRequest{ExamID: uuid.NewString()})
	require.ErrorIs(t, err, backend.ErrExamNotAvailable)

	_, err = f.client.StartAttempt(ctx, model.StartAttemptRequest{ExamID: "not-a-uuid"})
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, response.ErrValidation, apiErr.Code)
	require.Contains(t, apiErr.Fields, "exam_id")

	anonymous := backend.NewHTTPClient(f.srv.URL, "")
	_, err = anonymous.StartAttempt(ctx, model.StartAttemptRequest{ExamID: f.exam.ID.String()})
	require.ErrorIs(t, err, backend.ErrUnauthorized)
}

func TestAttemptsAreScopedToTheirStudent(t *testing.T) {
	f := newAPI(t)
	started := f.start()

	other := f.studentClient(student + 1)
	_, err := other.GetAttemptStatus(context.Background(), started.AttemptID)
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = other.ReportViolation(context.Background(), started.AttemptID, report(true))
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestReportViolationValidatesType(t *testing.T) {
	f := newAPI(t)
	started := f.start()

	bad := report(true)
	bad.Type = "SCREENSHOT"
	_, err := f.client.ReportViolation(context.Background(), started.AttemptID, bad)
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, response.ErrValidation, apiErr.Code)
	require.Contains(t, apiErr.Fields, "type")
}

func TestUploadAnswerFileOverHTTP(t *testing.T) {
	f := newAPI(t)
	started := f.start()
	ctx := context.Background()

	resp, err := f.client.UploadAnswerFile(ctx, started.AttemptID, model.FinalSubmissionSlot, answerfile.File{
		Name: "answers.pdf", MimeType: answerfile.MimePDF, Data: pdfBytes,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.FilePath, "/uploads/answers/"+started.AttemptID+"/"))
	require.Equal(t, answerfile.MimePDF, resp.File.MimeType)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	_, err = f.client.UploadAnswerFile(ctx, started.AttemptID, "q1", answerfile.File{
		Name: "photo.pdf", MimeType: answerfile.MimePDF, Data: png,
	})
	require.ErrorIs(t, err, answerfile.ErrUnsupportedFileType)
}

func TestProctorStreamForwardsViolations(t *testing.T) {
	f := newAPI(t)
	started := f.start()
	_, err := f.client.ReportViolation(context.Background(), started.AttemptID, report(true))
	require.NoError(t, err)

	token, err := f.auth.GenerateProctorToken(1, []string{f.exam.ID.String()})
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/ws/v1/proctor/exams/" + f.exam.ID.String() + "/violations?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap struct {
		Event    ws.Event                    `json:"event"`
		Attempts []repository.AttemptSummary `json:"attempts"`
	}
	require.NoError(t, conn.ReadJSON(&snap))
	require.Equal(t, ws.EventSnapshot, snap.Event)
	require.Len(t, snap.Attempts, 1)
	require.Equal(t, started.AttemptID, snap.Attempts[0].AttemptID.String())
	require.Equal(t, int64(1), snap.Attempts[0].ViolationCount)

	live := report(true)
	_, err = f.client.ReportViolation(context.Background(), started.AttemptID, live)
	require.NoError(t, err)

	var ev ws.ProctorEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, ws.EventViolation, ev.Event)
	require.Equal(t, started.AttemptID, ev.AttemptID)
	require.Equal(t, student, ev.StudentID)
	require.Equal(t, 2, ev.ViolationCount)
	require.NotNil(t, ev.Violation)
	require.Equal(t, live.EventID, ev.Violation.EventID)

	require.NoError(t, conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing}))
	var pong ws.PongResponse
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, ws.EventPong, pong.Event)
}

func TestProctorStreamRejectsOtherExams(t *testing.T) {
	f := newAPI(t)
	token, err := f.auth.GenerateProctorToken(1, []string{uuid.NewString()})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/ws/v1/proctor/exams/" + f.exam.ID.String() + "/violations?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 403, resp.StatusCode)
}
