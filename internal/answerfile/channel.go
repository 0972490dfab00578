package answerfile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrMissingSlot is returned when neither a question id nor the final slot is given.
var ErrMissingSlot = errors.New("answer file needs a question id or the final slot")

// Uploader sends a validated file to the server.
type Uploader interface {
	UploadAnswerFile(ctx context.Context, attemptID, questionID string, f File) (model.UploadAnswerFileResponse, error)
}

// Channel validates files and uploads them under an attempt.
type Channel struct {
	validator *Validator
	uploader  Uploader
}

func NewChannel(validator *Validator, uploader Uploader) *Channel {
	return &Channel{validator: validator, uploader: uploader}
}

// Validate checks f without any network call.
func (c *Channel) Validate(f File) (string, error) {
	return c.validator.Validate(f)
}

// Upload validates f and associates it with the attempt and the question, or
// with model.FinalSubmissionSlot. Rejected files never reach the uploader.
func (c *Channel) Upload(ctx context.Context, attemptID, questionID string, f File) (model.AnswerFile, error) {
	if strings.TrimSpace(questionID) == "" {
		return model.AnswerFile{}, ErrMissingSlot
	}
	mimeType, err := c.validator.Validate(f)
	if err != nil {
		return model.AnswerFile{}, err
	}
	f.MimeType = mimeType

	resp, err := c.uploader.UploadAnswerFile(ctx, attemptID, questionID, f)
	if err != nil {
		return model.AnswerFile{}, fmt.Errorf("upload answer file: %w", err)
	}

	out := resp.File
	out.AttemptID = attemptID
	out.QuestionID = questionID
	if out.OriginalName == "" {
		out.OriginalName = f.Name
	}
	if out.SizeBytes == 0 {
		out.SizeBytes = f.Size()
	}
	if out.MimeType == "" {
		out.MimeType = mimeType
	}
	if out.StorageRef == "" {
		out.StorageRef = resp.FilePath
	}
	return out, nil
}
