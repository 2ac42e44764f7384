package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("VOXNOTE_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transcription.Quality != "openai/whisper-large-v3" {
		t.Fatalf("quality = %q", cfg.Transcription.Quality)
	}
	if cfg.GPT.Model != "gpt-4o" {
		t.Fatalf("gpt model = %q", cfg.GPT.Model)
	}
	if cfg.GPT.MaxTokens != 16000 {
		t.Fatalf("max tokens = %d", cfg.GPT.MaxTokens)
	}
	if cfg.Maintenance.Schedule != "0 3 * * *" {
		t.Fatalf("schedule = %q", cfg.Maintenance.Schedule)
	}
	if cfg.DatabasePath == "" {
		t.Fatal("expected default database path")
	}
	// First run writes the defaults back out.
	if _, err := os.Stat(ConfigPath(cfg.HomeDir)); err != nil {
		t.Fatalf("expected config.yaml to be created: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VOXNOTE_HOME", home)

	body := []byte("log_level: debug\ngpt:\n  model: gpt-4o-mini\n  max_tokens: 4096\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.GPT.Model != "gpt-4o-mini" {
		t.Fatalf("gpt model = %q", cfg.GPT.Model)
	}
	if cfg.GPT.MaxTokens != 4096 {
		t.Fatalf("max tokens = %d", cfg.GPT.MaxTokens)
	}
	// Unset fields fall back to defaults.
	if cfg.Transcription.Language != "english" {
		t.Fatalf("language = %q", cfg.Transcription.Language)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VOXNOTE_HOME", t.TempDir())
	t.Setenv("VOXNOTE_DB_PATH", "/tmp/other.db")
	t.Setenv("VOXNOTE_LOG_LEVEL", "warn")
	t.Setenv("VOXNOTE_MAINTENANCE_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabasePath != "/tmp/other.db" {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if !cfg.Maintenance.Enabled {
		t.Fatal("expected maintenance enabled")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	t.Setenv("VOXNOTE_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := cfg.Fingerprint()
	b := cfg.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	cfg.LogLevel = "debug"
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint should change with config")
	}
}
