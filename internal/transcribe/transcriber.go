// Package transcribe provides speech-to-text engines.
//
// Supported backends:
//   - whisper: whisper.cpp via Go bindings (requires the whispercpp build tag)
//   - exec: an external command that reads a WAV file and prints JSON
//   - stub: deterministic output for development and tests
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrModelLoad is returned when model weights are missing, corrupt or
	// cannot be loaded on the requested device.
	ErrModelLoad = errors.New("model load failed")
	// ErrTranscription is returned when inference fails.
	ErrTranscription = errors.New("transcription failed")
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Options tune a single inference call.
type Options struct {
	Task Task
	// Threads is passed to engines that support it. Zero means engine default.
	Threads int
	// InitialPrompt biases decoding toward the given vocabulary.
	InitialPrompt string
	// Temperature is the sampling temperature. Zero keeps greedy decoding.
	Temperature float64
	// BeamSize enables beam search when > 0.
	BeamSize int
	// BestOf is the number of sampling candidates when > 0.
	BestOf int
}

// Progress is reported at engine checkpoints. Percent is -1 when the
// engine cannot estimate completion.
type Progress struct {
	Percent int
}

// ProgressFunc is called at each checkpoint. A non-nil return aborts the
// inference and is returned by Transcribe.
type ProgressFunc func(Progress) error

// Result is the output of one inference.
type Result struct {
	Text     string
	Language string
	Duration time.Duration
}

// Engine loads models.
type Engine interface {
	// Load returns a handle for the model. Errors wrap ErrModelLoad.
	Load(ctx context.Context, mc ModelConfig) (Handle, error)
}

// Handle is a loaded model.
type Handle interface {
	// Transcribe runs inference on mono 16kHz float32 samples.
	Transcribe(ctx context.Context, samples []float32, opts Options, onProgress ProgressFunc) (Result, error)
	// Close releases backend resources.
	Close() error
}

// EngineOptions configures the engine factory.
type EngineOptions struct {
	Backend   string
	ModelsDir string
	Command   string
	Logger    *slog.Logger
}

// New creates an Engine for the configured backend.
func New(opts EngineOptions) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "transcribe", "backend", opts.Backend)
	switch opts.Backend {
	case "whisper", "":
		return newWhisperEngine(opts.ModelsDir, log), nil
	case "exec":
		return NewExecEngine(opts.Command, opts.ModelsDir, log)
	case "stub":
		return &StubEngine{Text: "stub transcription"}, nil
	default:
		return nil, fmt.Errorf("transcribe: unknown backend %q (supported: whisper, exec, stub)", opts.Backend)
	}
}

// report calls fn if it is set.
func report(fn ProgressFunc, pct int) error {
	if fn == nil {
		return nil
	}
	return fn(Progress{Percent: pct})
}
