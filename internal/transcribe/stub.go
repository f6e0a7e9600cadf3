package transcribe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// StubEngine returns fixed text without running a model. It steps through
// Steps progress checkpoints, sleeping StepDelay between them, so callers
// can exercise cancellation and progress relaying.
type StubEngine struct {
	Text          string
	Language      string
	Steps         int
	StepDelay     time.Duration
	LoadDelay     time.Duration
	LoadErr       error
	TranscribeErr error

	loads  atomic.Int32
	closes atomic.Int32
}

// Loads returns how many times Load has been called.
func (e *StubEngine) Loads() int { return int(e.loads.Load()) }

// Closes returns how many handles have been closed.
func (e *StubEngine) Closes() int { return int(e.closes.Load()) }

func (e *StubEngine) Load(ctx context.Context, mc ModelConfig) (Handle, error) {
	e.loads.Add(1)
	if e.LoadDelay > 0 {
		select {
		case <-time.After(e.LoadDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("transcribe: load %s: %w: %w", mc, ErrModelLoad, ctx.Err())
		}
	}
	if e.LoadErr != nil {
		return nil, fmt.Errorf("transcribe: load %s: %w: %w", mc, ErrModelLoad, e.LoadErr)
	}
	return &stubHandle{engine: e, cfg: mc}, nil
}

type stubHandle struct {
	engine *StubEngine
	cfg    ModelConfig
	closed atomic.Bool
}

func (h *stubHandle) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.engine.closes.Add(1)
	}
	return nil
}

func (h *stubHandle) Transcribe(ctx context.Context, samples []float32, opts Options, onProgress ProgressFunc) (Result, error) {
	start := time.Now()
	steps := h.engine.Steps
	if steps <= 0 {
		steps = 1
	}
	for i := 0; i <= steps; i++ {
		if err := report(onProgress, i*100/steps); err != nil {
			return Result{}, err
		}
		if i == steps {
			break
		}
		if h.engine.StepDelay > 0 {
			select {
			case <-time.After(h.engine.StepDelay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	if h.engine.TranscribeErr != nil {
		return Result{}, fmt.Errorf("transcribe: stub: %w: %w", ErrTranscription, h.engine.TranscribeErr)
	}

	lang := h.engine.Language
	if lang == "" {
		lang = h.cfg.Language
		if lang == LanguageAuto {
			lang = "en"
		}
	}
	text := h.engine.Text
	if opts.Task == TaskTranslate {
		text = "[translated] " + text
	}
	return Result{Text: text, Language: lang, Duration: time.Since(start)}, nil
}
