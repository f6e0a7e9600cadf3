package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

const appName = "gostt-recorder"

// Config holds all application configuration.
type Config struct {
	Model             ModelConfig   `yaml:"model"`
	Task              string        `yaml:"task"` // "transcribe" or "translate"
	RetentionDays     int           `yaml:"retention_days"`
	RetentionMaxCount int           `yaml:"retention_max_count"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	ModelIdleTimeout  time.Duration `yaml:"model_idle_timeout"`
	// PendingTimeout marks transcriptions still pending after this long as
	// failed at startup and before pruning. Zero disables the sweep.
	PendingTimeout time.Duration   `yaml:"pending_timeout"`
	Engine         EngineConfig    `yaml:"engine"`
	Audio          AudioConfig     `yaml:"audio"`
	Hotkey         HotkeyConfig    `yaml:"hotkey"`
	Inject         InjectConfig    `yaml:"inject"`
	Storage        StorageConfig   `yaml:"storage"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
	Bus            BusConfig       `yaml:"bus"`
	LogLevel       string          `yaml:"log_level"`
}

// ModelConfig holds the raw model selection. Use Config.ModelConfig for the
// validated form.
type ModelConfig struct {
	Size     string `yaml:"size"`
	Device   string `yaml:"device"`   // "cpu" or "gpu"
	Language string `yaml:"language"` // "auto" or ISO 639 code
}

// EngineConfig selects the speech-to-text backend.
type EngineConfig struct {
	Backend   string `yaml:"backend"` // "whisper", "exec" or "stub"
	ModelsDir string `yaml:"models_dir"`
	Command   string `yaml:"command"` // exec backend only
	Threads   int    `yaml:"threads"`

	// Decoding knobs. Zero values leave the backend defaults in place.
	InitialPrompt string  `yaml:"initial_prompt"`
	Temperature   float64 `yaml:"temperature"`
	BeamSize      int     `yaml:"beam_size"`
	BestOf        int     `yaml:"best_of"`
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	DeviceID    string        `yaml:"device_id"`
	SampleRate  uint32        `yaml:"sample_rate"`
	Channels    uint32        `yaml:"channels"`
	FrameMS     int           `yaml:"frame_ms"`
	MinDuration time.Duration `yaml:"min_duration"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys       []string `yaml:"keys"`
	CancelKeys []string `yaml:"cancel_keys"`
	Mode       string   `yaml:"mode"` // "hold" or "toggle"
}

// InjectConfig holds text injection settings.
type InjectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Method  string `yaml:"method"` // "type" or "paste"
}

// StorageConfig locates the history database and audio artifacts.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RecordingsDir string `yaml:"recordings_dir"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr   string `yaml:"metrics_addr"`
	TraceExporter string `yaml:"trace_exporter"` // "none", "stdout" or "otlp"
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

// BusConfig controls the NATS command/event bridge.
type BusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	Port          int    `yaml:"port"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory holding the database and recordings.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

// DefaultModelsDir returns the directory holding downloaded model weights.
func DefaultModelsDir() string {
	return filepath.Join(DefaultDataDir(), "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Model: ModelConfig{
			Size:     "base",
			Device:   "cpu",
			Language: "auto",
		},
		Task:              "transcribe",
		RetentionDays:     0,
		RetentionMaxCount: 0,
		WorkerConcurrency: 1,
		ModelIdleTimeout:  10 * time.Minute,
		PendingTimeout:    time.Hour,
		Engine: EngineConfig{
			Backend:   "whisper",
			ModelsDir: DefaultModelsDir(),
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			Channels:    1,
			FrameMS:     20,
			MinDuration: 500 * time.Millisecond,
		},
		Hotkey: HotkeyConfig{
			Keys:       []string{"ctrl", "shift", "r"},
			CancelKeys: []string{"ctrl", "shift", "x"},
			Mode:       "toggle",
		},
		Inject: InjectConfig{
			Enabled: false,
			Method:  "type",
		},
		Storage: StorageConfig{
			DBPath:        filepath.Join(dataDir, "history.db"),
			RecordingsDir: filepath.Join(dataDir, "recordings"),
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
		},
		Bus: BusConfig{
			URL:           "nats://127.0.0.1:4222",
			Port:          4222,
			SubjectPrefix: "gostt",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, GOSTT_* environment variables override file values, and
// tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.expandPaths()

	return cfg, nil
}

// FromEnv returns defaults with environment overrides applied, for runs
// without a config file.
func FromEnv() *Config {
	cfg := Default()
	applyEnvOverrides(cfg)
	cfg.expandPaths()
	return cfg
}

func (c *Config) expandPaths() {
	c.Engine.ModelsDir = expandTilde(c.Engine.ModelsDir)
	c.Storage.DBPath = expandTilde(c.Storage.DBPath)
	c.Storage.RecordingsDir = expandTilde(c.Storage.RecordingsDir)
}

// ModelConfig returns the validated model selection used as the cache key.
func (c *Config) ModelConfig() (transcribe.ModelConfig, error) {
	return transcribe.ParseModelConfig(c.Model.Size, c.Model.Device, c.Model.Language)
}

// DecodeOptions returns the per-inference options built from Task and Engine.
func (c *Config) DecodeOptions() transcribe.Options {
	return transcribe.Options{
		Task:          transcribe.Task(c.Task),
		Threads:       c.Engine.Threads,
		InitialPrompt: c.Engine.InitialPrompt,
		Temperature:   c.Engine.Temperature,
		BeamSize:      c.Engine.BeamSize,
		BestOf:        c.Engine.BestOf,
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.ModelConfig(); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	switch transcribe.Task(c.Task) {
	case transcribe.TaskTranscribe, transcribe.TaskTranslate:
	default:
		return fmt.Errorf("task must be \"transcribe\" or \"translate\", got %q", c.Task)
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}
	if c.RetentionMaxCount < 0 {
		return fmt.Errorf("retention_max_count must be >= 0")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be >= 1")
	}
	if c.PendingTimeout < 0 {
		return fmt.Errorf("pending_timeout must be >= 0")
	}

	switch c.Engine.Backend {
	case "whisper":
		if c.Engine.ModelsDir == "" {
			return fmt.Errorf("engine.models_dir must not be empty for the whisper backend")
		}
	case "exec":
		if strings.TrimSpace(c.Engine.Command) == "" {
			return fmt.Errorf("engine.command must not be empty for the exec backend")
		}
	case "stub":
	default:
		return fmt.Errorf("engine.backend must be whisper, exec, or stub, got %q", c.Engine.Backend)
	}
	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must be >= 0")
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 1 {
		return fmt.Errorf("engine.temperature must be between 0 and 1, got %g", c.Engine.Temperature)
	}
	if c.Engine.BeamSize < 0 {
		return fmt.Errorf("engine.beam_size must be >= 0, got %d", c.Engine.BeamSize)
	}
	if c.Engine.BestOf < 0 {
		return fmt.Errorf("engine.best_of must be >= 0, got %d", c.Engine.BestOf)
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Audio.FrameMS <= 0 || c.Audio.FrameMS > 1000 {
		return fmt.Errorf("audio.frame_ms must be between 1 and 1000")
	}
	if c.Audio.MinDuration < 0 {
		return fmt.Errorf("audio.min_duration must be >= 0")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}
	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}
	if c.Storage.RecordingsDir == "" {
		return fmt.Errorf("storage.recordings_dir must not be empty")
	}

	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint must be set for the otlp exporter")
		}
	default:
		return fmt.Errorf("telemetry.trace_exporter must be none, stdout, or otlp, got %q", c.Telemetry.TraceExporter)
	}

	if c.Bus.Enabled {
		if c.Bus.SubjectPrefix == "" || strings.ContainsAny(c.Bus.SubjectPrefix, " *>") {
			return fmt.Errorf("bus.subject_prefix must be a plain subject token, got %q", c.Bus.SubjectPrefix)
		}
		if !c.Bus.Embedded && c.Bus.URL == "" {
			return fmt.Errorf("bus.url must be set when bus.embedded is false")
		}
		if c.Bus.Embedded && (c.Bus.Port < 0 || c.Bus.Port > 65535) {
			return fmt.Errorf("bus.port must be between 0 and 65535")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# gostt-recorder configuration
# Generated with defaults. Edit and restart to apply.
# Environment variables prefixed with GOSTT_ override these values.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Model.Size, "GOSTT_MODEL")
	overrideString(&cfg.Model.Device, "GOSTT_DEVICE")
	overrideString(&cfg.Model.Language, "GOSTT_LANGUAGE")
	overrideString(&cfg.Task, "GOSTT_TASK")
	overrideInt(&cfg.RetentionDays, "GOSTT_RETENTION_DAYS")
	overrideInt(&cfg.RetentionMaxCount, "GOSTT_RETENTION_MAX_COUNT")
	overrideInt(&cfg.WorkerConcurrency, "GOSTT_WORKER_CONCURRENCY")
	overrideString(&cfg.Engine.Backend, "GOSTT_ENGINE_BACKEND")
	overrideString(&cfg.Engine.ModelsDir, "GOSTT_MODELS_DIR")
	overrideString(&cfg.Engine.Command, "GOSTT_ENGINE_COMMAND")
	overrideString(&cfg.Engine.InitialPrompt, "GOSTT_INITIAL_PROMPT")
	overrideDuration(&cfg.PendingTimeout, "GOSTT_PENDING_TIMEOUT")
	overrideString(&cfg.Audio.DeviceID, "GOSTT_AUDIO_DEVICE")
	overrideString(&cfg.Storage.DBPath, "GOSTT_DB_PATH")
	overrideString(&cfg.Storage.RecordingsDir, "GOSTT_RECORDINGS_DIR")
	overrideString(&cfg.Telemetry.MetricsAddr, "GOSTT_METRICS_ADDR")
	overrideString(&cfg.Telemetry.TraceExporter, "GOSTT_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GOSTT_OTLP_ENDPOINT")
	overrideBool(&cfg.Bus.Enabled, "GOSTT_BUS_ENABLED")
	overrideString(&cfg.Bus.URL, "GOSTT_BUS_URL")
	overrideBool(&cfg.Bus.Embedded, "GOSTT_BUS_EMBEDDED")
	overrideString(&cfg.LogLevel, "GOSTT_LOG_LEVEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
