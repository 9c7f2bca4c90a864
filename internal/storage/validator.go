package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError reports which ingestion check an upload failed. The reason
// is safe to surface to the client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

var allowedMimeTypes = map[string]struct{}{
	"application/gzip":         {},
	"application/x-gzip":       {},
	"application/x-tar":        {},
	"application/x-compressed": {},
	"application/octet-stream": {},
	"application/zip":          {},
}

var allowedExtensions = []string{".tar.gz", ".tgz", ".zip"}

// Magic-byte signatures for the allowed container formats.
var (
	gzipSignature = []byte{0x1f, 0x8b}
	zipSignature  = []byte{0x50, 0x4b, 0x03, 0x04}
)

var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

const maxFileNameLength = 255

// Validator checks uploaded archives before any byte of them is trusted.
type Validator struct {
	maxFileSize int64
}

func NewValidator(maxFileSize int64) *Validator {
	return &Validator{maxFileSize: maxFileSize}
}

// Validate runs the ingestion checks in order, short-circuiting on the first
// failure: size ceiling, filename charset and traversal defense, extension
// allow-list, declared MIME type, and finally the magic-byte signature of the
// claimed container format. A file whose content does not match its claimed
// format is rejected even when name and MIME type look fine.
func (v *Validator) Validate(buf []byte, fileName, mimeType string) error {
	if int64(len(buf)) > v.maxFileSize {
		return newValidationError("file size exceeds limit of %d bytes", v.maxFileSize)
	}

	if len(fileName) > maxFileNameLength {
		return newValidationError("file name too long")
	}
	if !fileNamePattern.MatchString(fileName) {
		return newValidationError("file name contains invalid characters")
	}
	if strings.Contains(fileName, "..") || filepath.IsAbs(fileName) {
		return newValidationError("invalid file name")
	}

	ext := archiveExtension(fileName)
	if ext == "" {
		return newValidationError("file extension not allowed")
	}

	if _, ok := allowedMimeTypes[strings.ToLower(mimeType)]; !ok {
		return newValidationError("MIME type %s not allowed", mimeType)
	}

	return validateSignature(buf, ext)
}

// archiveExtension returns the matching allow-listed extension, handling the
// two-part ".tar.gz" suffix that filepath.Ext would truncate.
func archiveExtension(fileName string) string {
	lower := strings.ToLower(fileName)
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ""
}

func validateSignature(buf []byte, ext string) error {
	if len(buf) < 8 {
		return newValidationError("file too small to validate")
	}

	switch ext {
	case ".tgz", ".tar.gz":
		if !bytes.HasPrefix(buf, gzipSignature) {
			return newValidationError("signature mismatch: content does not match expected format")
		}
	case ".zip":
		if !bytes.HasPrefix(buf, zipSignature) {
			return newValidationError("signature mismatch: content does not match expected format")
		}
	}

	return nil
}
