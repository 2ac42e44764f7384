package persistence

import (
	"fmt"
	"strings"
	"time"
)

// Recording is a snapshot of a row in the recordings table. Only the worker
// ever holds the live connection; everything outside receives copies.
type Recording struct {
	ID                       int64
	Filename                 string
	FilePath                 string
	DateCreated              string
	Duration                 string
	RawTranscript            string
	ProcessedText            string
	RawTranscriptFormatted   []byte
	ProcessedTextFormatted   []byte
	OriginalSourceIdentifier string
}

// RecordingData carries the fields for a create_recording operation.
// Filename, FilePath, DateCreated and Duration are required; the rest
// default to empty (stored as NULL).
type RecordingData struct {
	Filename                 string
	FilePath                 string
	DateCreated              string
	Duration                 string
	RawTranscript            string
	ProcessedText            string
	OriginalSourceIdentifier string
}

// Status derives the processing stage from the transcript fields.
func (r *Recording) Status() string {
	if r.ProcessedText != "" {
		return "completed"
	}
	if r.RawTranscript != "" {
		return "transcribed"
	}
	return "pending"
}

// IsTranscribed reports whether a raw transcript is present.
func (r *Recording) IsTranscribed() bool {
	return r.RawTranscript != ""
}

// IsProcessed reports whether GPT post-processing has run.
func (r *Recording) IsProcessed() bool {
	return r.ProcessedText != ""
}

// dateLayouts are the accepted date_created formats.
var dateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

// Validate checks the required fields before submission so obviously broken
// envelopes never reach the worker.
func (d RecordingData) Validate() error {
	if strings.TrimSpace(d.Filename) == "" {
		return &InvalidOperationError{Kind: OpCreateRecording, Reason: "filename cannot be empty"}
	}
	if err := validateFilePath(d.FilePath); err != nil {
		return err
	}
	if err := validateDate(d.DateCreated); err != nil {
		return err
	}
	return nil
}

// validateFilePath rejects empty paths and parent-directory traversals.
func validateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return &InvalidOperationError{Kind: OpCreateRecording, Reason: "file path cannot be empty"}
	}
	for _, part := range strings.Split(strings.ReplaceAll(path, `\`, "/"), "/") {
		if part == ".." {
			return &InvalidOperationError{Kind: OpCreateRecording, Reason: fmt.Sprintf("file path %q contains a parent traversal", path)}
		}
	}
	return nil
}

func validateDate(dateStr string) error {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, dateStr); err == nil {
			return nil
		}
	}
	return &InvalidOperationError{Kind: OpCreateRecording, Reason: fmt.Sprintf("date %q is not YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", dateStr)}
}

// FormatDuration renders a duration in seconds as M:SS or H:MM:SS,
// flooring fractional seconds. Negative input is treated as zero.
func FormatDuration(totalSeconds float64) string {
	seconds := int(totalSeconds)
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
