package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// HTTPClient talks to the proctor API over its JSON envelope.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *HTTPClient) { h.log = log.With().Str("component", "backend").Logger() }
}

// NewHTTPClient creates a client for the API at baseURL authenticated with a student token.
// Per-call deadlines come from the caller's context.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) StartAttempt(ctx context.Context, req model.StartAttemptRequest) (model.StartAttemptResponse, error) {
	var out model.StartAttemptResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/attempts", req, &out)
	return out, err
}

func (c *HTTPClient) Heartbeat(ctx context.Context, attemptID string, req model.HeartbeatRequest) (model.HeartbeatAck, error) {
	var out model.HeartbeatAck
	err := c.doJSON(ctx, http.MethodPost, attemptPath(attemptID, "heartbeat"), req, &out)
	return out, err
}

func (c *HTTPClient) ReportViolation(ctx context.Context, attemptID string, report model.ViolationReport) (model.ViolationAck, error) {
	var out model.ViolationAck
	err := c.doJSON(ctx, http.MethodPost, attemptPath(attemptID, "violations"), report, &out)
	return out, err
}

func (c *HTTPClient) SubmitAttempt(ctx context.Context, attemptID string, req model.SubmitAttemptRequest) (model.SubmitAttemptResponse, error) {
	var out model.SubmitAttemptResponse
	err := c.doJSON(ctx, http.MethodPost, attemptPath(attemptID, "submit"), req, &out)
	return out, err
}

func (c *HTTPClient) GetAttemptStatus(ctx context.Context, attemptID string) (model.AttemptStatusResponse, error) {
	var out model.AttemptStatusResponse
	err := c.doJSON(ctx, http.MethodGet, attemptPath(attemptID, ""), nil, &out)
	return out, err
}

func (c *HTTPClient) UploadAnswerFile(ctx context.Context, attemptID, questionID string, f answerfile.File) (model.UploadAnswerFileResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("question_id", questionID); err != nil {
		return model.UploadAnswerFileResponse{}, fmt.Errorf("backend: build multipart: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	header.Set("Content-Type", f.MimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return model.UploadAnswerFileResponse{}, fmt.Errorf("backend: build multipart: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return model.UploadAnswerFileResponse{}, fmt.Errorf("backend: build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return model.UploadAnswerFileResponse{}, fmt.Errorf("backend: build multipart: %w", err)
	}

	var out model.UploadAnswerFileResponse
	err = c.do(ctx, http.MethodPost, attemptPath(attemptID, "files"), &body, mw.FormDataContentType(), &out)
	return out, err
}

// ─── Transport ──────────────────────────────────────────────────────

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("backend: new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	envelope := response.Response{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Code: response.ErrInternal, kind: sentinelFor(resp.StatusCode, "")}
		}
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}

	if resp.StatusCode >= 400 || envelope.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Fields = envelope.Error.Fields
		}
		apiErr.kind = sentinelFor(resp.StatusCode, apiErr.Code)
		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("code", string(apiErr.Code)).
			Msg("API call failed")
		return apiErr
	}
	return nil
}

func attemptPath(attemptID, action string) string {
	p := "/api/v1/attempts/" + url.PathEscape(attemptID)
	if action != "" {
		p += "/" + action
	}
	return p
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
