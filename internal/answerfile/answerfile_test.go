package answerfile

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func docxBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("<xml/>"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeUploader struct {
	calls int
	err   error
}

func (f *fakeUploader) UploadAnswerFile(_ context.Context, attemptID, questionID string, file File) (model.UploadAnswerFileResponse, error) {
	f.calls++
	if f.err != nil {
		return model.UploadAnswerFileResponse{}, f.err
	}
	return model.UploadAnswerFileResponse{FilePath: "/uploads/answers/" + attemptID + "/" + questionID + ".pdf"}, nil
}

func TestValidateAcceptsPDF(t *testing.T) {
	v := NewValidator(1024, false)
	mt, err := v.Validate(File{Name: "sheet.pdf", MimeType: "application/pdf", Data: pdfBytes})
	require.NoError(t, err)
	require.Equal(t, MimePDF, mt)

	mt, err = v.Validate(File{Name: "sheet", Data: pdfBytes})
	require.NoError(t, err, "missing declared type falls back to sniffing")
	require.Equal(t, MimePDF, mt)
}

func TestValidateTreatsOctetStreamAsUndeclared(t *testing.T) {
	v := NewValidator(1024, false)
	mt, err := v.Validate(File{Name: "sheet.bin", MimeType: "application/octet-stream", Data: pdfBytes})
	require.NoError(t, err)
	require.Equal(t, MimePDF, mt)

	_, err = v.Validate(File{Name: "notes.bin", MimeType: "application/octet-stream", Data: []byte("hello")})
	require.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestValidateWordFormats(t *testing.T) {
	doc := File{Name: "essay.docx", MimeType: MimeDOCX, Data: docxBytes(t)}

	mt, err := NewValidator(1<<20, true).Validate(doc)
	require.NoError(t, err)
	require.Equal(t, MimeDOCX, mt)

	_, err = NewValidator(1<<20, false).Validate(doc)
	require.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestValidateRejections(t *testing.T) {
	v := NewValidator(64, true)

	_, err := v.Validate(File{Name: "empty.pdf", MimeType: MimePDF})
	require.ErrorIs(t, err, ErrEmptyFile)

	_, err = v.Validate(File{Name: "big.pdf", MimeType: MimePDF, Data: append(pdfBytes, make([]byte, 64)...)})
	require.ErrorIs(t, err, ErrFileTooLarge)

	_, err = v.Validate(File{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hello")})
	require.ErrorIs(t, err, ErrUnsupportedFileType)

	_, err = v.Validate(File{Name: "fake.pdf", MimeType: MimePDF, Data: []byte("just some text")})
	require.ErrorIs(t, err, ErrUnsupportedFileType, "content must match the allow-list too")

	_, err = NewValidator(1024, true).Validate(File{Name: "x.png", MimeType: "image/png", Data: pdfBytes})
	require.ErrorIs(t, err, ErrUnsupportedFileType, "declared type must be allowed")
}

func TestUploadRejectedFileNeverReachesUploader(t *testing.T) {
	up := &fakeUploader{}
	ch := NewChannel(NewValidator(16, false), up)

	_, err := ch.Upload(context.Background(), "a-1", "q-1", File{Name: "big.pdf", MimeType: MimePDF, Data: pdfBytes})
	require.ErrorIs(t, err, ErrFileTooLarge)

	_, err = ch.Upload(context.Background(), "a-1", "", File{Name: "x.pdf", Data: pdfBytes})
	require.ErrorIs(t, err, ErrMissingSlot)
	require.Zero(t, up.calls)
}

func TestUploadFillsAnswerFile(t *testing.T) {
	up := &fakeUploader{}
	ch := NewChannel(NewValidator(1024, false), up)

	af, err := ch.Upload(context.Background(), "a-1", model.FinalSubmissionSlot, File{Name: "sheet.pdf", Data: pdfBytes})
	require.NoError(t, err)
	require.Equal(t, 1, up.calls)
	require.Equal(t, "a-1", af.AttemptID)
	require.Equal(t, model.FinalSubmissionSlot, af.QuestionID)
	require.Equal(t, "sheet.pdf", af.OriginalName)
	require.Equal(t, MimePDF, af.MimeType)
	require.EqualValues(t, len(pdfBytes), af.SizeBytes)
	require.Equal(t, "/uploads/answers/a-1/FINAL.pdf", af.StorageRef)
}

func TestUploadWrapsTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	ch := NewChannel(NewValidator(1024, false), &fakeUploader{err: boom})
	_, err := ch.Upload(context.Background(), "a-1", "q-1", File{Name: "sheet.pdf", Data: pdfBytes})
	require.ErrorIs(t, err, boom)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Sheet.PDF")
	require.NoError(t, os.WriteFile(path, pdfBytes, 0o600))

	f, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Sheet.PDF", f.Name)
	require.Equal(t, MimePDF, f.MimeType)
	require.Equal(t, int64(len(pdfBytes)), f.Size())
}
