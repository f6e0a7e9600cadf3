package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Model.Size != "base" || cfg.Model.Device != "cpu" || cfg.Model.Language != "auto" {
		t.Errorf("Model = %+v, want base/cpu/auto", cfg.Model)
	}
	if cfg.Task != "transcribe" {
		t.Errorf("Task = %q, want %q", cfg.Task, "transcribe")
	}
	if cfg.WorkerConcurrency != 1 {
		t.Errorf("WorkerConcurrency = %d, want 1", cfg.WorkerConcurrency)
	}
	if cfg.Audio.MinDuration != 500*time.Millisecond {
		t.Errorf("Audio.MinDuration = %v, want 500ms", cfg.Audio.MinDuration)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if len(cfg.Hotkey.Keys) != 3 {
		t.Errorf("Hotkey.Keys length = %d, want 3", len(cfg.Hotkey.Keys))
	}
	if cfg.Engine.Backend != "whisper" {
		t.Errorf("Engine.Backend = %q, want whisper", cfg.Engine.Backend)
	}
	if cfg.Storage.DBPath == "" || cfg.Storage.RecordingsDir == "" {
		t.Error("storage paths should not be empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
model:
  size: small
  device: gpu
  language: de
task: translate
retention_days: 30
retention_max_count: 500
worker_concurrency: 2
model_idle_timeout: 90s
pending_timeout: 30m
engine:
  backend: exec
  command: "/usr/bin/recognize --fast"
  initial_prompt: "Glossary: NATS, sqlite"
  temperature: 0.2
  beam_size: 5
  best_of: 3
audio:
  device_id: "0a1b"
  sample_rate: 48000
  channels: 2
  min_duration: 250ms
hotkey:
  keys: ["alt", "d"]
  mode: hold
inject:
  enabled: true
  method: paste
storage:
  db_path: /tmp/gostt/history.db
  recordings_dir: /tmp/gostt/rec
bus:
  enabled: true
  embedded: true
  port: 4333
log_level: debug
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	mc, err := cfg.ModelConfig()
	if err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}
	want := transcribe.ModelConfig{Size: transcribe.SizeSmall, Device: transcribe.DeviceGPU, Language: "de"}
	if mc != want {
		t.Errorf("ModelConfig() = %+v, want %+v", mc, want)
	}
	if cfg.Task != "translate" {
		t.Errorf("Task = %q", cfg.Task)
	}
	if cfg.RetentionDays != 30 || cfg.RetentionMaxCount != 500 {
		t.Errorf("retention = %d days / %d rows", cfg.RetentionDays, cfg.RetentionMaxCount)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Errorf("WorkerConcurrency = %d", cfg.WorkerConcurrency)
	}
	if cfg.ModelIdleTimeout != 90*time.Second {
		t.Errorf("ModelIdleTimeout = %v, want 90s", cfg.ModelIdleTimeout)
	}
	if cfg.Engine.Command != "/usr/bin/recognize --fast" {
		t.Errorf("Engine.Command = %q", cfg.Engine.Command)
	}
	if cfg.PendingTimeout != 30*time.Minute {
		t.Errorf("PendingTimeout = %v, want 30m", cfg.PendingTimeout)
	}
	if cfg.Engine.InitialPrompt != "Glossary: NATS, sqlite" || cfg.Engine.Temperature != 0.2 ||
		cfg.Engine.BeamSize != 5 || cfg.Engine.BestOf != 3 {
		t.Errorf("Engine decoding = %+v", cfg.Engine)
	}
	if cfg.Audio.MinDuration != 250*time.Millisecond {
		t.Errorf("Audio.MinDuration = %v", cfg.Audio.MinDuration)
	}
	if cfg.Audio.FrameMS != 20 {
		t.Errorf("Audio.FrameMS = %d, want default 20", cfg.Audio.FrameMS)
	}
	if cfg.Hotkey.Mode != "hold" {
		t.Errorf("Hotkey.Mode = %q", cfg.Hotkey.Mode)
	}
	if !cfg.Inject.Enabled || cfg.Inject.Method != "paste" {
		t.Errorf("Inject = %+v", cfg.Inject)
	}
	if cfg.Storage.DBPath != "/tmp/gostt/history.db" {
		t.Errorf("Storage.DBPath = %q", cfg.Storage.DBPath)
	}
	if !cfg.Bus.Enabled || !cfg.Bus.Embedded || cfg.Bus.Port != 4333 {
		t.Errorf("Bus = %+v", cfg.Bus)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfg, err := Load(writeConfig(t, `
engine:
  models_dir: ~/models
storage:
  db_path: ~/data/history.db
  recordings_dir: ~/data/rec
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "models"); cfg.Engine.ModelsDir != want {
		t.Errorf("Engine.ModelsDir = %q, want %q", cfg.Engine.ModelsDir, want)
	}
	if want := filepath.Join(home, "data/history.db"); cfg.Storage.DBPath != want {
		t.Errorf("Storage.DBPath = %q, want %q", cfg.Storage.DBPath, want)
	}
	if want := filepath.Join(home, "data/rec"); cfg.Storage.RecordingsDir != want {
		t.Errorf("Storage.RecordingsDir = %q, want %q", cfg.Storage.RecordingsDir, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOSTT_MODEL", "tiny")
	t.Setenv("GOSTT_LANGUAGE", "fr")
	t.Setenv("GOSTT_WORKER_CONCURRENCY", "3")
	t.Setenv("GOSTT_BUS_ENABLED", "true")
	t.Setenv("GOSTT_DB_PATH", "/var/lib/gostt/h.db")
	t.Setenv("GOSTT_RETENTION_DAYS", "not-a-number")

	cfg, err := Load(writeConfig(t, "model:\n  size: medium\nretention_days: 7\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.Size != "tiny" {
		t.Errorf("Model.Size = %q, env should win over file", cfg.Model.Size)
	}
	if cfg.Model.Language != "fr" {
		t.Errorf("Model.Language = %q", cfg.Model.Language)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Errorf("WorkerConcurrency = %d", cfg.WorkerConcurrency)
	}
	if !cfg.Bus.Enabled {
		t.Error("Bus.Enabled should be true")
	}
	if cfg.Storage.DBPath != "/var/lib/gostt/h.db" {
		t.Errorf("Storage.DBPath = %q", cfg.Storage.DBPath)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, unparsable env should be ignored", cfg.RetentionDays)
	}

	if got := FromEnv().Model.Size; got != "tiny" {
		t.Errorf("FromEnv().Model.Size = %q, want tiny", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown model size",
			modify:  func(c *Config) { c.Model.Size = "gigantic" },
			wantErr: true,
		},
		{
			name:    "unknown device",
			modify:  func(c *Config) { c.Model.Device = "npu" },
			wantErr: true,
		},
		{
			name:    "english-only model with other language",
			modify:  func(c *Config) { c.Model.Size = "base.en"; c.Model.Language = "es" },
			wantErr: true,
		},
		{
			name:    "invalid task",
			modify:  func(c *Config) { c.Task = "summarize" },
			wantErr: true,
		},
		{
			name:    "negative retention days",
			modify:  func(c *Config) { c.RetentionDays = -1 },
			wantErr: true,
		},
		{
			name:    "zero worker concurrency",
			modify:  func(c *Config) { c.WorkerConcurrency = 0 },
			wantErr: true,
		},
		{
			name:    "negative pending timeout",
			modify:  func(c *Config) { c.PendingTimeout = -time.Minute },
			wantErr: true,
		},
		{
			name:    "zero pending timeout disables sweep",
			modify:  func(c *Config) { c.PendingTimeout = 0 },
			wantErr: false,
		},
		{
			name:    "temperature above one",
			modify:  func(c *Config) { c.Engine.Temperature = 1.5 },
			wantErr: true,
		},
		{
			name:    "negative beam size",
			modify:  func(c *Config) { c.Engine.BeamSize = -1 },
			wantErr: true,
		},
		{
			name:    "negative best of",
			modify:  func(c *Config) { c.Engine.BestOf = -2 },
			wantErr: true,
		},
		{
			name:    "exec backend without command",
			modify:  func(c *Config) { c.Engine.Backend = "exec" },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Engine.Backend = "parakeet" },
			wantErr: true,
		},
		{
			name:    "stub backend",
			modify:  func(c *Config) { c.Engine.Backend = "stub" },
			wantErr: false,
		},
		{
			name:    "invalid hotkey mode",
			modify:  func(c *Config) { c.Hotkey.Mode = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid inject method",
			modify:  func(c *Config) { c.Inject.Method = "invalid" },
			wantErr: true,
		},
		{
			name:    "empty hotkey keys",
			modify:  func(c *Config) { c.Hotkey.Keys = nil },
			wantErr: true,
		},
		{
			name:    "zero sample rate",
			modify:  func(c *Config) { c.Audio.SampleRate = 0 },
			wantErr: true,
		},
		{
			name:    "zero channels",
			modify:  func(c *Config) { c.Audio.Channels = 0 },
			wantErr: true,
		},
		{
			name:    "zero frame size",
			modify:  func(c *Config) { c.Audio.FrameMS = 0 },
			wantErr: true,
		},
		{
			name:    "empty db path",
			modify:  func(c *Config) { c.Storage.DBPath = "" },
			wantErr: true,
		},
		{
			name:    "otlp without endpoint",
			modify:  func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
			wantErr: true,
		},
		{
			name:    "bus with wildcard prefix",
			modify:  func(c *Config) { c.Bus.Enabled = true; c.Bus.SubjectPrefix = "gostt.>" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "gostt-recorder", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# gostt-recorder") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Model.Size != "base" {
		t.Errorf("written config Model.Size = %q, want %q", cfg.Model.Size, "base")
	}
	if cfg.Audio.MinDuration != 500*time.Millisecond {
		t.Errorf("written config Audio.MinDuration = %v, want 500ms", cfg.Audio.MinDuration)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "gostt-recorder")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("model:\n  size: tiny\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDecodeOptions(t *testing.T) {
	cfg := Default()
	cfg.Task = "translate"
	cfg.Engine.Threads = 2
	cfg.Engine.InitialPrompt = "names: Aoife"
	cfg.Engine.Temperature = 0.4
	cfg.Engine.BeamSize = 5
	cfg.Engine.BestOf = 2

	want := transcribe.Options{
		Task:          transcribe.TaskTranslate,
		Threads:       2,
		InitialPrompt: "names: Aoife",
		Temperature:   0.4,
		BeamSize:      5,
		BestOf:        2,
	}
	if got := cfg.DecodeOptions(); got != want {
		t.Errorf("DecodeOptions() = %+v, want %+v", got, want)
	}
}
