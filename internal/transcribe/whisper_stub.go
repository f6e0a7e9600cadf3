//go:build !whispercpp

package transcribe

import (
	"context"
	"fmt"
	"log/slog"
)

// WhisperAvailable reports whether this binary includes the whisper backend.
const WhisperAvailable = false

// whisperUnavailable is used when the binary was built without cgo whisper
// bindings. Every load fails so callers see a normal ErrModelLoad.
type whisperUnavailable struct {
	log *slog.Logger
}

func newWhisperEngine(_ string, log *slog.Logger) Engine {
	return &whisperUnavailable{log: log}
}

func (e *whisperUnavailable) Load(_ context.Context, mc ModelConfig) (Handle, error) {
	e.log.Warn("whisper backend requested but binary built without whispercpp tag", "model", mc.Key())
	return nil, fmt.Errorf("transcribe: load %s: %w: rebuild with -tags whispercpp", mc, ErrModelLoad)
}
