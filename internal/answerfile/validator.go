// Package answerfile validates and uploads file-based answers: scanned answer
// sheets and documents attached to a question or to the final submission.
package answerfile

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Sentinel errors for answer file validation.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrEmptyFile           = errors.New("file is empty")
)

const (
	MimePDF  = "application/pdf"
	MimeDOC  = "application/msword"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// mimeUnknown is what pickers and browsers declare when they do not know.
	mimeUnknown = "application/octet-stream"
)

// File is an answer file held in memory before upload.
type File struct {
	Name string
	// MimeType is the type declared by the picker; empty or
	// application/octet-stream means "detect".
	MimeType string
	Data     []byte
}

// Size returns the file size in bytes.
func (f File) Size() int64 { return int64(len(f.Data)) }

// ReadFile loads a file from disk with its extension-derived type.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read answer file: %w", err)
	}
	return File{
		Name:     filepath.Base(path),
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Data:     data,
	}, nil
}

// Validator enforces the MIME allow-list and the size ceiling.
type Validator struct {
	maxBytes int64
	allowed  []string
}

// NewValidator allows PDF, plus Word formats when allowWord is set.
func NewValidator(maxBytes int64, allowWord bool) *Validator {
	allowed := []string{MimePDF}
	if allowWord {
		allowed = append(allowed, MimeDOC, MimeDOCX)
	}
	return &Validator{maxBytes: maxBytes, allowed: allowed}
}

// MaxBytes returns the size ceiling.
func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// Validate checks f and returns its effective MIME type. Both the declared
// type and the sniffed content must be on the allow-list.
func (v *Validator) Validate(f File) (string, error) {
	if f.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyFile, f.Name)
	}
	if f.Size() > v.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, f.Size(), v.maxBytes)
	}

	detected := mimetype.Detect(f.Data)
	sniffed, ok := v.match(detected)
	if !ok {
		return "", fmt.Errorf("%w: content is %s (allowed: %s)",
			ErrUnsupportedFileType, detected.String(), strings.Join(v.allowed, ", "))
	}

	if declared := normalize(f.MimeType); declared != "" && declared != mimeUnknown {
		if !v.allows(declared) {
			return "", fmt.Errorf("%w: %s (allowed: %s)",
				ErrUnsupportedFileType, declared, strings.Join(v.allowed, ", "))
		}
	}
	return sniffed, nil
}

// match walks the detected type and its parents. A .docx sniffs as a zip
// subtype, a .doc as an OLE container subtype.
func (v *Validator) match(detected *mimetype.MIME) (string, bool) {
	for m := detected; m != nil; m = m.Parent() {
		for _, a := range v.allowed {
			if m.Is(a) {
				return a, true
			}
		}
	}
	return "", false
}

func (v *Validator) allows(mimeType string) bool {
	for _, a := range v.allowed {
		if a == mimeType {
			return true
		}
	}
	return false
}

func normalize(raw string) string {
	if mt, _, err := mime.ParseMediaType(raw); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
