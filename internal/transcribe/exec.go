package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/chaz8081/gostt-recorder/internal/audio"
)

// execTick is how often a running command is checked for cancellation.
const execTick = 250 * time.Millisecond

// ExecEngine runs an external recognizer per clip. The command receives
// --audio <wav> --model <path> --language <code> [--translate] plus any
// decoding flags (--threads, --prompt, --temperature, --beam-size,
// --best-of) that are set, and must print {"text": "...", "language": "..."} on stdout.
type ExecEngine struct {
	cmd       []string
	modelsDir string
	log       *slog.Logger
}

type execResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// NewExecEngine parses command with shell quoting rules.
func NewExecEngine(command, modelsDir string, log *slog.Logger) (*ExecEngine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("transcribe: parse exec command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcribe: exec command is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecEngine{cmd: args, modelsDir: modelsDir, log: log}, nil
}

func (e *ExecEngine) Load(_ context.Context, mc ModelConfig) (Handle, error) {
	bin, err := exec.LookPath(e.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("transcribe: load %s: %w: %w", mc, ErrModelLoad, err)
	}
	return &execHandle{engine: e, bin: bin, cfg: mc}, nil
}

func (h *execHandle) args(clip string, opts Options) []string {
	args := append([]string{}, h.engine.cmd[1:]...)
	args = append(args, "--audio", clip)
	if h.engine.modelsDir != "" {
		args = append(args, "--model", filepath.Join(h.engine.modelsDir, h.cfg.Size.FileName()))
	}
	args = append(args, "--language", h.cfg.Language)
	if opts.Task == TaskTranslate {
		args = append(args, "--translate")
	}
	if opts.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(opts.Threads))
	}
	if opts.InitialPrompt != "" {
		args = append(args, "--prompt", opts.InitialPrompt)
	}
	if opts.Temperature > 0 {
		args = append(args, "--temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64))
	}
	if opts.BeamSize > 0 {
		args = append(args, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.BestOf > 0 {
		args = append(args, "--best-of", strconv.Itoa(opts.BestOf))
	}
	return args
}

type execHandle struct {
	engine *ExecEngine
	bin    string
	cfg    ModelConfig
}

func (h *execHandle) Close() error { return nil }

func (h *execHandle) Transcribe(ctx context.Context, samples []float32, opts Options, onProgress ProgressFunc) (Result, error) {
	if err := report(onProgress, 0); err != nil {
		return Result{}, err
	}

	file, err := os.CreateTemp("", "gostt_clip_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: temp file: %w: %w", ErrTranscription, err)
	}
	defer os.Remove(file.Name())
	if err := audio.EncodeWAV(file, samples, audio.TargetSampleRate); err != nil {
		file.Close()
		return Result{}, fmt.Errorf("transcribe: %w: %w", ErrTranscription, err)
	}
	if err := file.Close(); err != nil {
		return Result{}, fmt.Errorf("transcribe: close temp file: %w: %w", ErrTranscription, err)
	}

	args := h.args(file.Name(), opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	command := exec.CommandContext(runCtx, h.bin, args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.WaitDelay = time.Second

	start := time.Now()
	if err := command.Start(); err != nil {
		return Result{}, fmt.Errorf("transcribe: start %s: %w: %w", h.bin, ErrTranscription, err)
	}
	done := make(chan error, 1)
	go func() { done <- command.Wait() }()

	ticker := time.NewTicker(execTick)
	defer ticker.Stop()
	var abort error
	for {
		select {
		case err := <-done:
			if abort != nil {
				return Result{}, abort
			}
			if err != nil {
				return Result{}, fmt.Errorf("transcribe: exec command failed: %w: %w: %s", ErrTranscription, err, strings.TrimSpace(stderr.String()))
			}
			var resp execResponse
			if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
				return Result{}, fmt.Errorf("transcribe: decode exec response: %w: %w", ErrTranscription, err)
			}
			if err := report(onProgress, 100); err != nil {
				return Result{}, err
			}
			lang := resp.Language
			if lang == "" && h.cfg.Language != LanguageAuto {
				lang = h.cfg.Language
			}
			return Result{
				Text:     strings.TrimSpace(resp.Text),
				Language: lang,
				Duration: time.Since(start),
			}, nil
		case <-ticker.C:
			if abort == nil {
				if err := report(onProgress, -1); err != nil {
					abort = err
					cancel()
				}
			}
		}
	}
}
