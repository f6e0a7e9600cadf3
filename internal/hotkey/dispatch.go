package hotkey

import (
	"context"
	"errors"
	"log/slog"
)

// Commander is the part of session.Machine the hotkeys drive.
type Commander interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cancel() error
	Acknowledge() error
}

// Dispatch forwards hotkey events to cmd until events closes or ctx ends.
// A start first acknowledges any finished cycle, so the user never has to
// clear a result by hand; an unexpected acknowledge error is logged at
// debug. Command errors are logged and do not stop the
// loop; isBenign filters errors not worth a warning.
func Dispatch(ctx context.Context, events <-chan Event, cmd Commander, isBenign func(error) bool, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "hotkey")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var err error
			switch ev.Type {
			case EventStart:
				if aerr := cmd.Acknowledge(); aerr != nil && (isBenign == nil || !isBenign(aerr)) {
					log.Debug("acknowledge before start", "error", aerr)
				}
				err = cmd.Start(ctx)
			case EventStop:
				err = cmd.Stop(ctx)
			case EventCancel:
				err = cmd.Cancel()
			}
			switch {
			case err == nil:
				log.Debug("hotkey command", "command", ev.Type)
			case isBenign != nil && isBenign(err):
				log.Info("hotkey command", "command", ev.Type, "result", err)
			case errors.Is(err, context.Canceled):
				return
			default:
				log.Warn("hotkey command failed", "command", ev.Type, "error", err)
			}
		}
	}
}
