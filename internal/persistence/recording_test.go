package persistence_test

import (
	"errors"
	"testing"

	"github.com/voxnote/voxnote/internal/persistence"
)

func TestRecordingData_Validate(t *testing.T) {
	valid := persistence.RecordingData{
		Filename:    "memo.wav",
		FilePath:    "/recordings/memo.wav",
		DateCreated: "2026-08-30 14:05:00",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid data rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*persistence.RecordingData)
	}{
		{"empty filename", func(d *persistence.RecordingData) { d.Filename = "  " }},
		{"empty path", func(d *persistence.RecordingData) { d.FilePath = "" }},
		{"path traversal", func(d *persistence.RecordingData) { d.FilePath = "/recordings/../etc/passwd" }},
		{"windows path traversal", func(d *persistence.RecordingData) { d.FilePath = `C:\recordings\..\secrets.wav` }},
		{"bad date", func(d *persistence.RecordingData) { d.DateCreated = "30/08/2026" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := valid
			tc.mutate(&data)
			err := data.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var invalid *persistence.InvalidOperationError
			if !errors.As(err, &invalid) {
				t.Fatalf("error type = %T, want *InvalidOperationError", err)
			}
		})
	}

	dateOnly := valid
	dateOnly.DateCreated = "2026-08-30"
	if err := dateOnly.Validate(); err != nil {
		t.Fatalf("date-only form rejected: %v", err)
	}
}

func TestRecording_Status(t *testing.T) {
	rec := &persistence.Recording{}
	if got := rec.Status(); got != "pending" {
		t.Fatalf("status = %q, want pending", got)
	}

	rec.RawTranscript = "hello world"
	if got := rec.Status(); got != "transcribed" {
		t.Fatalf("status = %q, want transcribed", got)
	}
	if !rec.IsTranscribed() || rec.IsProcessed() {
		t.Fatal("transcribed flags wrong")
	}

	rec.ProcessedText = "Hello, world."
	if got := rec.Status(); got != "completed" {
		t.Fatalf("status = %q, want completed", got)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "0:00"},
		{-3, "0:00"},
		{59.9, "0:59"},
		{61, "1:01"},
		{600, "10:00"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
		{7322.4, "2:02:02"},
	}
	for _, tc := range cases {
		if got := persistence.FormatDuration(tc.seconds); got != tc.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
