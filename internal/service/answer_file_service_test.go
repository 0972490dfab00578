package service

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/answerfile"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< >>\nendobj\n%%EOF\n")

func fileHeader(t *testing.T, name, contentType string, data []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	form, err := multipart.NewReader(&body, mw.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

type fileFixture struct {
	svc      *AnswerFileService
	attempts *repository.MemoryAttempts
	files    *repository.MemoryAnswerFiles
	dir      string
	attempt  model.AttemptRecord
}

func newFileFixture(t *testing.T) *fileFixture {
	t.Helper()
	f := &fileFixture{
		attempts: repository.NewMemoryAttempts(),
		files:    repository.NewMemoryAnswerFiles(),
		dir:      t.TempDir(),
		attempt: model.AttemptRecord{
			ID:        uuid.New(),
			ExamID:    uuid.New(),
			StudentID: student,
			Status:    model.AttemptStatusInProgress,
			StartedAt: time.Now(),
			EndTime:   time.Now().Add(time.Hour),
		},
	}
	f.attempts.Put(f.attempt)
	f.svc = NewAnswerFileService(f.attempts, f.files, answerfile.NewValidator(1024, true), f.dir,
		observability.NewMetrics(nil), zerolog.Nop())
	return f
}

func TestSaveUploadStoresFile(t *testing.T) {
	f := newFileFixture(t)
	attemptID := f.attempt.ID.String()

	resp, err := f.svc.SaveUpload(context.Background(), student, attemptID, "q3",
		fileHeader(t, "sheet.pdf", answerfile.MimePDF, pdfBytes))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.FilePath, "/uploads/answers/"+attemptID+"/"))
	require.True(t, strings.HasSuffix(resp.FilePath, ".pdf"))
	require.Equal(t, "sheet.pdf", resp.File.OriginalName)
	require.Equal(t, answerfile.MimePDF, resp.File.MimeType)
	require.Equal(t, int64(len(pdfBytes)), resp.File.SizeBytes)

	onDisk, err := os.ReadFile(filepath.Join(f.dir, "answers", attemptID, filepath.Base(resp.FilePath)))
	require.NoError(t, err)
	require.Equal(t, pdfBytes, onDisk)

	stored, ok := f.files.Get(attemptID, "q3")
	require.True(t, ok)
	require.Equal(t, resp.FilePath, stored.StorageRef)
}

func TestSaveUploadReplacesPerQuestion(t *testing.T) {
	f := newFileFixture(t)
	attemptID := f.attempt.ID.String()

	first, err := f.svc.SaveUpload(context.Background(), student, attemptID, model.FinalSubmissionSlot,
		fileHeader(t, "a.pdf", answerfile.MimePDF, pdfBytes))
	require.NoError(t, err)
	second, err := f.svc.SaveUpload(context.Background(), student, attemptID, model.FinalSubmissionSlot,
		fileHeader(t, "b.pdf", "application/octet-stream", pdfBytes))
	require.NoError(t, err)

	require.Equal(t, first.File.ID, second.File.ID)
	require.NotEqual(t, first.FilePath, second.FilePath)
	stored, _ := f.files.Get(attemptID, model.FinalSubmissionSlot)
	require.Equal(t, "b.pdf", stored.OriginalName)
}

func TestSaveUploadRejections(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	cases := []struct {
		name        string
		contentType string
		data        []byte
		want        error
	}{
		{"image disguised as pdf", answerfile.MimePDF, png, answerfile.ErrUnsupportedFileType},
		{"declared image", "image/png", pdfBytes, answerfile.ErrUnsupportedFileType},
		{"too large", answerfile.MimePDF, append(append([]byte{}, pdfBytes...), make([]byte, 1024)...), answerfile.ErrFileTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFileFixture(t)
			_, err := f.svc.SaveUpload(context.Background(), student, f.attempt.ID.String(), "q1",
				fileHeader(t, "upload.pdf", tc.contentType, tc.data))
			require.ErrorIs(t, err, tc.want)

			entries, _ := os.ReadDir(f.dir)
			require.Empty(t, entries)
		})
	}
}

func TestSaveUploadRequiresActiveOwnedAttempt(t *testing.T) {
	f := newFileFixture(t)
	header := fileHeader(t, "sheet.pdf", answerfile.MimePDF, pdfBytes)

	_, err := f.svc.SaveUpload(context.Background(), student+1, f.attempt.ID.String(), "q1", header)
	require.ErrorIs(t, err, ErrAttemptNotFound)

	done := f.attempt
	done.Status = model.AttemptStatusSubmitted
	f.attempts.Put(done)
	_, err = f.svc.SaveUpload(context.Background(), student, f.attempt.ID.String(), "q1", header)
	require.ErrorIs(t, err, ErrAttemptNotInProgress)
}
