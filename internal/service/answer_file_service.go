package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

var extensions = map[string]string{
	answerfile.MimePDF:  ".pdf",
	answerfile.MimeDOC:  ".doc",
	answerfile.MimeDOCX: ".docx",
}

// AnswerFileStore persists answer file metadata.
type AnswerFileStore interface {
	Upsert(ctx context.Context, f *model.AnswerFile) error
}

// AnswerFileService stores uploaded answer files on local disk.
type AnswerFileService struct {
	attempts  AttemptStore
	files     AnswerFileStore
	validator *answerfile.Validator
	uploadDir string
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// NewAnswerFileService creates a new AnswerFileService.
func NewAnswerFileService(
	attempts AttemptStore,
	files AnswerFileStore,
	validator *answerfile.Validator,
	uploadDir string,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *AnswerFileService {
	return &AnswerFileService{
		attempts:  attempts,
		files:     files,
		validator: validator,
		uploadDir: uploadDir,
		metrics:   metrics,
		log:       log.With().Str("component", "answer_file_service").Logger(),
	}
}

// SaveUpload validates the file against the allow-list by content, writes it
// under the attempt's directory with a UUID filename and records it for the
// question. A second upload for the same question replaces the first.
func (s *AnswerFileService) SaveUpload(ctx context.Context, studentID int, rawAttemptID, questionID string, header *multipart.FileHeader) (*model.UploadAnswerFileResponse, error) {
	attemptID, err := uuid.Parse(rawAttemptID)
	if err != nil {
		return nil, ErrAttemptNotFound
	}
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.StudentID != studentID {
		return nil, ErrAttemptNotFound
	}
	if attempt.Status != model.AttemptStatusInProgress {
		return nil, ErrAttemptNotInProgress
	}

	if header.Size > s.validator.MaxBytes() {
		s.metrics.AnswerUploads.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", answerfile.ErrFileTooLarge, header.Size, s.validator.MaxBytes())
	}
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	// One byte over the ceiling is enough to reject a lying Content-Length.
	data, err := io.ReadAll(io.LimitReader(src, s.validator.MaxBytes()+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	file := answerfile.File{
		Name:     filepath.Base(header.Filename),
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	}
	mimeType, err := s.validator.Validate(file)
	if err != nil {
		s.metrics.AnswerUploads.WithLabelValues("rejected").Inc()
		return nil, err
	}

	dir := filepath.Join(s.uploadDir, "answers", attemptID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	filename := uuid.New().String() + extensions[mimeType]
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	ref := "/uploads/answers/" + attemptID.String() + "/" + filename
	record := &model.AnswerFile{
		AttemptID:    attemptID.String(),
		QuestionID:   questionID,
		OriginalName: file.Name,
		SizeBytes:    file.Size(),
		MimeType:     mimeType,
		StorageRef:   ref,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.files.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("record answer file: %w", err)
	}

	s.metrics.AnswerUploads.WithLabelValues("stored").Inc()
	s.log.Info().
		Str("attempt_id", record.AttemptID).
		Str("question_id", questionID).
		Int64("size_bytes", record.SizeBytes).
		Msg("Answer file stored")

	return &model.UploadAnswerFileResponse{FilePath: ref, File: *record}, nil
}
