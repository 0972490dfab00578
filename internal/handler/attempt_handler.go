package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptHandler serves the attempt endpoints the proctor agent calls.
type AttemptHandler struct {
	attempts *service.AttemptService
	files    *service.AnswerFileService
	maxBytes int64
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts *service.AttemptService, files *service.AnswerFileService, maxUploadBytes int64, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		files:    files,
		maxBytes: maxUploadBytes,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// Start godoc
// POST /api/v1/attempts
// Creates a new attempt or resumes the student's active one.
func (h *AttemptHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	resp, err := h.attempts.Start(c.Request.Context(), claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Resuming {
		status = http.StatusOK
	}
	response.Success(c, status, resp)
}

// Status godoc
// GET /api/v1/attempts/:attempt_id
func (h *AttemptHandler) Status(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	resp, err := h.attempts.Status(c.Request.Context(), claims.UserID, c.Param("attempt_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, resp)
}

// Heartbeat godoc
// POST /api/v1/attempts/:attempt_id/heartbeat
func (h *AttemptHandler) Heartbeat(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.HeartbeatRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ack, err := h.attempts.Heartbeat(c.Request.Context(), claims.UserID, c.Param("attempt_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// ReportViolation godoc
// POST /api/v1/attempts/:attempt_id/violations
// Replaying a report with a known event_id is acknowledged as a duplicate.
func (h *AttemptHandler) ReportViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.ViolationReport
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	ack, err := h.attempts.ReportViolation(c.Request.Context(), claims.UserID, c.Param("attempt_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if ack.Duplicate {
		status = http.StatusOK
	}
	response.Success(c, status, ack)
}

// Submit godoc
// POST /api/v1/attempts/:attempt_id/submit
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmitAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	resp, err := h.attempts.Submit(c.Request.Context(), claims.UserID, c.Param("attempt_id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, resp)
}

// UploadFile godoc
// POST /api/v1/attempts/:attempt_id/files
// Accepts multipart/form-data with "question_id" (or FINAL) and "file".
func (h *AttemptHandler) UploadFile(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	// Leave headroom for the multipart envelope around the file.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+64*1024)

	questionID := strings.TrimSpace(c.PostForm("question_id"))
	if questionID == "" || len(questionID) > 64 {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"question_id": "question_id is required"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}

	resp, err := h.files.SaveUpload(c.Request.Context(), claims.UserID, c.Param("attempt_id"), questionID, header)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusCreated, resp)
}

// fail maps service errors onto the response envelope.
func (h *AttemptHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotAvailable):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotAvailable)
	case errors.Is(err, service.ErrExamNotYetOpen):
		response.Fail(c, http.StatusForbidden, response.ErrExamNotYetOpen)
	case errors.Is(err, service.ErrExamClosed):
		response.Fail(c, http.StatusForbidden, response.ErrExamClosed)
	case errors.Is(err, service.ErrAttemptsExhausted):
		response.Fail(c, http.StatusForbidden, response.ErrAttemptsExhausted)
	case errors.Is(err, service.ErrAttemptTerminal):
		response.Fail(c, http.StatusConflict, response.ErrAttemptTerminal)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrAttemptNotInProgress):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotInFlight)
	case errors.Is(err, service.ErrSubmitInProgress):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInProgress)
	case errors.Is(err, answerfile.ErrUnsupportedFileType):
		response.Fail(c, http.StatusUnsupportedMediaType, response.ErrUnsupportedFile)
	case errors.Is(err, answerfile.ErrFileTooLarge):
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
	case errors.Is(err, answerfile.ErrEmptyFile):
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
	default:
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", c.GetString(response.ContextKeyRequestID)).
			Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
