//go:build whispercpp

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperAvailable reports whether this binary includes the whisper backend.
const WhisperAvailable = true

// whisperEngine loads ggml models from a directory.
type whisperEngine struct {
	modelsDir string
	log       *slog.Logger
}

func newWhisperEngine(modelsDir string, log *slog.Logger) Engine {
	return &whisperEngine{modelsDir: modelsDir, log: log}
}

func (e *whisperEngine) Load(ctx context.Context, mc ModelConfig) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("transcribe: load %s: %w: %w", mc, ErrModelLoad, err)
	}
	path := filepath.Join(e.modelsDir, mc.Size.FileName())
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("transcribe: load %s: %w: %w", mc, ErrModelLoad, err)
	}

	start := time.Now()
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load whisper model %q: %w: %w", path, ErrModelLoad, err)
	}
	if mc.Language != LanguageAuto && mc.Language != "en" && !model.IsMultilingual() {
		model.Close()
		return nil, fmt.Errorf("transcribe: load %s: %w: model is not multilingual", mc, ErrModelLoad)
	}
	if mc.Device == DeviceGPU {
		e.log.Info("gpu requested; acceleration depends on how libwhisper was built", "model", mc.Key())
	}
	e.log.Info("whisper model loaded", "model", mc.Key(), "path", path, "elapsed", time.Since(start).Round(time.Millisecond))
	return &whisperHandle{model: model, cfg: mc}, nil
}

// whisperHandle serializes inference: contexts created from one model share
// its native state.
type whisperHandle struct {
	mu    sync.Mutex
	model whisper.Model
	cfg   ModelConfig
}

func (h *whisperHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil {
		err := h.model.Close()
		h.model = nil
		return err
	}
	return nil
}

func (h *whisperHandle) Transcribe(ctx context.Context, samples []float32, opts Options, onProgress ProgressFunc) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return Result{}, fmt.Errorf("transcribe: %w: model closed", ErrTranscription)
	}

	wctx, err := h.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: create context: %w: %w", ErrTranscription, err)
	}
	if err := wctx.SetLanguage(h.cfg.Language); err != nil {
		return Result{}, fmt.Errorf("transcribe: set language %q: %w: %w", h.cfg.Language, ErrTranscription, err)
	}
	wctx.SetTranslate(opts.Task == TaskTranslate)
	if opts.Threads > 0 {
		wctx.SetThreads(uint(opts.Threads))
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}
	if opts.Temperature > 0 {
		wctx.SetTemperature(float32(opts.Temperature))
	}
	// The bindings expose no best_of setter; BestOf only reaches the exec backend.
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}

	var abort error
	check := func(pct int) {
		if abort != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			abort = err
			return
		}
		abort = report(onProgress, pct)
	}

	start := time.Now()
	encoderBegin := func() bool {
		check(-1)
		return abort == nil
	}
	progress := func(pct int) { check(pct) }

	if err := report(onProgress, 0); err != nil {
		return Result{}, err
	}
	if err := wctx.Process(samples, encoderBegin, nil, progress); err != nil {
		if abort != nil {
			return Result{}, abort
		}
		return Result{}, fmt.Errorf("transcribe: process: %w: %w", ErrTranscription, err)
	}
	if abort != nil {
		return Result{}, abort
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("transcribe: next segment: %w: %w", ErrTranscription, err)
		}
		segments = append(segments, seg.Text)
	}
	if err := report(onProgress, 100); err != nil {
		return Result{}, err
	}

	lang := h.cfg.Language
	if lang == LanguageAuto {
		lang = wctx.DetectedLanguage()
	}
	return Result{
		Text:     strings.TrimSpace(strings.Join(segments, " ")),
		Language: lang,
		Duration: time.Since(start),
	}, nil
}
