package inject

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chaz8081/gostt-recorder/internal/session"
)

// Sink injects the text of every completed session until events closes or
// ctx ends. Injection failures are logged; the text stays in the history.
func Sink(ctx context.Context, events <-chan session.Event, inj TextInjector, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "inject")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != session.EventState || ev.State != session.Completed {
				continue
			}
			text := strings.TrimSpace(ev.Result.Text)
			if text == "" {
				continue
			}
			if err := inj.Inject(text); err != nil {
				log.Error("injecting text", "recording", ev.RecordingID, "error", err)
				continue
			}
			log.Debug("text injected", "recording", ev.RecordingID, "chars", len(text))
		}
	}
}
