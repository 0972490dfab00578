package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, code response.ErrCode) {
	env := response.Response{Data: data}
	if code != "" {
		env.Error = &response.ErrorBody{Code: code, Message: response.GetMessage(code)}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func TestStartAttemptDecodesEnvelope(t *testing.T) {
	end := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/attempts", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req model.StartAttemptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "exam-1", req.ExamID)

		writeEnvelope(w, http.StatusCreated, model.StartAttemptResponse{
			AttemptID: "attempt-1",
			EndTime:   end,
			Resuming:  true,
		}, "")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok")
	resp, err := c.StartAttempt(context.Background(), model.StartAttemptRequest{ExamID: "exam-1"})
	require.NoError(t, err)
	require.Equal(t, "attempt-1", resp.AttemptID)
	require.True(t, resp.Resuming)
	require.True(t, end.Equal(resp.EndTime))
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	cases := []struct {
		status int
		code   response.ErrCode
		want   error
	}{
		{http.StatusConflict, response.ErrAttemptsExhausted, ErrAttemptsExhausted},
		{http.StatusForbidden, response.ErrExamNotYetOpen, ErrExamNotYetOpen},
		{http.StatusForbidden, response.ErrExamClosed, ErrExamClosed},
		{http.StatusConflict, response.ErrAttemptTerminal, ErrAttemptTerminal},
		{http.StatusUnauthorized, response.ErrTokenExpired, ErrUnauthorized},
		{http.StatusTooManyRequests, response.ErrRateLimitExceeded, ErrRateLimited},
		{http.StatusBadRequest, response.ErrFileTooLarge, answerfile.ErrFileTooLarge},
		{http.StatusBadRequest, response.ErrValidation, ErrRejected},
		{http.StatusInternalServerError, response.ErrInternal, ErrServer},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, nil, tc.code)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "tok").StartAttempt(context.Background(), model.StartAttemptRequest{ExamID: "e"})
			require.ErrorIs(t, err, tc.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			require.Equal(t, tc.status, apiErr.Status)
			require.Equal(t, tc.code, apiErr.Code)
		})
	}
}

func TestIsStartFailure(t *testing.T) {
	require.True(t, IsStartFailure(&APIError{kind: ErrExamClosed}))
	require.False(t, IsStartFailure(ErrServer))
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Heartbeat(context.Background(), "a-1", model.HeartbeatRequest{})
	require.ErrorIs(t, err, ErrServer)
}

func TestHeartbeatHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, "").Heartbeat(ctx, "a-1", model.HeartbeatRequest{Visibility: model.VisibilityVisible})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadAnswerFileSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/attempts/a-1/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, model.FinalSubmissionSlot, r.FormValue("question_id"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "sheet.pdf", header.Filename)
		require.Equal(t, answerfile.MimePDF, header.Header.Get("Content-Type"))
		require.Equal(t, "%PDF-1.4", string(data))

		writeEnvelope(w, http.StatusCreated, model.UploadAnswerFileResponse{FilePath: "/uploads/answers/x.pdf"}, "")
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(srv.URL, "tok").UploadAnswerFile(context.Background(), "a-1", model.FinalSubmissionSlot,
		answerfile.File{Name: "sheet.pdf", MimeType: answerfile.MimePDF, Data: []byte("%PDF-1.4")})
	require.NoError(t, err)
	require.Equal(t, "/uploads/answers/x.pdf", resp.FilePath)
}
