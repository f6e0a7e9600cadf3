package session

import (
	"errors"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
	"github.com/chaz8081/gostt-recorder/internal/worker"
)

// Code names the error category of err for clients that cannot match Go
// errors: device_unavailable, no_audio, session_busy, invalid_transition,
// model_load, transcription, cancelled, unsaved, storage, or "" for
// anything else.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrNoAudioCaptured):
		return "no_audio"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, transcribe.ErrModelLoad):
		return "model_load"
	case errors.Is(err, worker.ErrCancelled):
		return "cancelled"
	case errors.Is(err, transcribe.ErrTranscription):
		return "transcription"
	case errors.Is(err, ErrResultUnsaved):
		return "unsaved"
	case errors.Is(err, store.ErrStorage), errors.Is(err, store.ErrNotFound):
		return "storage"
	default:
		return ""
	}
}
