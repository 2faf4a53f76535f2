package lightrag

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	MinFileSize     int64 = 100
	MaxFileSize     int64 = 2 * 1024 * 1024
	MaxFilenameSize       = 255
)

// AllowedExtensions lists the file types the indexing service accepts.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"txt":  {},
	"doc":  {},
	"docx": {},
	"md":   {},
	"csv":  {},
	"rtf":  {},
}

// ValidateFile checks a file before any network call is made.
func ValidateFile(name string, size int64) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "file", Message: "file name is required"}
	}
	if len(name) > MaxFilenameSize {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("file name exceeds %d characters", MaxFilenameSize)}
	}
	if size <= 0 {
		return &ValidationError{Field: "file", Message: "file is empty"}
	}
	if size < MinFileSize {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("file is too small (minimum %d bytes)", MinFileSize)}
	}
	if size > MaxFileSize {
		return &ValidationError{Field: "file", Message: "file exceeds the 2MB size limit"}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if _, ok := AllowedExtensions[ext]; !ok {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("unsupported file type %q (allowed: pdf, txt, doc, docx, md, csv, rtf)", ext)}
	}
	return nil
}
