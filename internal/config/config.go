package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/voxnote/voxnote/internal/otel"
)

// TranscriptionConfig holds settings for the transcription workers that feed
// the recording store. The store itself never reads these; they are passed to
// the worker threads at construction.
type TranscriptionConfig struct {
	// Quality names the Whisper model used for transcription.
	Quality string `yaml:"quality"`

	// Language is the expected transcription language.
	Language string `yaml:"language"`

	// SpeakerDetection enables diarization when the model supports it.
	SpeakerDetection bool `yaml:"speaker_detection"`
}

// GPTConfig holds settings for post-processing of raw transcripts.
type GPTConfig struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// MaintenanceConfig controls the scheduled database upkeep job.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a standard 5-field cron expression. Default: daily at 03:00.
	Schedule string `yaml:"schedule"`

	// BackupDir receives VACUUM INTO snapshots. Default: <home>/backups.
	BackupDir string `yaml:"backup_dir"`

	// KeepBackups caps how many snapshots are retained. 0 uses the default (7).
	KeepBackups int `yaml:"keep_backups"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DatabasePath is the SQLite file owned by the database worker.
	DatabasePath string `yaml:"database_path"`

	LogLevel string `yaml:"log_level"`

	Transcription TranscriptionConfig `yaml:"transcription"`
	GPT           GPTConfig           `yaml:"gpt"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	OTel          otel.Config         `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Transcription: TranscriptionConfig{
			Quality:  "openai/whisper-large-v3",
			Language: "english",
		},
		GPT: GPTConfig{
			Model:       "gpt-4o",
			MaxTokens:   16000,
			Temperature: 1.0,
		},
		Maintenance: MaintenanceConfig{
			Schedule:    "0 3 * * *",
			KeepBackups: 7,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("VOXNOTE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".voxnote")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create voxnote home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		// First run: write the defaults so users have something to edit.
		if werr := Save(cfg); werr != nil {
			return cfg, fmt.Errorf("write default config.yaml: %w", werr)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes the config back to config.yaml in its home directory.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "database", "voxnote.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Transcription.Quality) == "" {
		cfg.Transcription.Quality = "openai/whisper-large-v3"
	}
	if strings.TrimSpace(cfg.Transcription.Language) == "" {
		cfg.Transcription.Language = "english"
	}
	if cfg.GPT.Model == "" {
		cfg.GPT.Model = "gpt-4o"
	}
	if cfg.GPT.MaxTokens <= 0 {
		cfg.GPT.MaxTokens = 16000
	}
	if cfg.GPT.Temperature <= 0 {
		cfg.GPT.Temperature = 1.0
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = "0 3 * * *"
	}
	if cfg.Maintenance.BackupDir == "" {
		cfg.Maintenance.BackupDir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Maintenance.KeepBackups <= 0 {
		cfg.Maintenance.KeepBackups = 7
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VOXNOTE_DB_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("VOXNOTE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VOXNOTE_GPT_MODEL"); raw != "" {
		cfg.GPT.Model = raw
	}
	if raw := os.Getenv("VOXNOTE_GPT_MAX_TOKENS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.GPT.MaxTokens = v
		}
	}
	if raw := os.Getenv("VOXNOTE_MAINTENANCE_ENABLED"); raw != "" {
		cfg.Maintenance.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup so
// support can tell which settings a report was produced under.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|quality=%s|gpt=%s|maint=%v",
		c.DatabasePath, c.LogLevel, c.Transcription.Quality, c.GPT.Model, c.Maintenance.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
