package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chaz8081/gostt-recorder/internal/session"
)

// Controller is the part of session.Machine the bridge exposes.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cancel() error
	Acknowledge() error
	Retry(ctx context.Context, recordingID string) error
	RetryPersist(ctx context.Context) error
	Snapshot() session.Info
	Subscribe() (<-chan session.Event, func())
}

// Reply answers every command request.
type Reply struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	State       string `json:"state"`
	Session     string `json:"session,omitempty"`
	RecordingID string `json:"recording_id,omitempty"`
}

// Command is the optional request body.
type Command struct {
	RecordingID string `json:"recording_id,omitempty"`
}

// WireEvent is the JSON form of a session event.
type WireEvent struct {
	Kind            string    `json:"kind"`
	Session         string    `json:"session,omitempty"`
	From            string    `json:"from,omitempty"`
	State           string    `json:"state"`
	At              time.Time `json:"at"`
	Percent         *int      `json:"percent,omitempty"`
	RecordingID     string    `json:"recording_id,omitempty"`
	TranscriptionID string    `json:"transcription_id,omitempty"`
	Text            string    `json:"text,omitempty"`
	Language        string    `json:"language,omitempty"`
	Error           string    `json:"error,omitempty"`
	Code            string    `json:"code,omitempty"`
}

// Bridge serves commands and publishes events for one machine.
type Bridge struct {
	conn   *nats.Conn
	ctl    Controller
	prefix string
	log    *slog.Logger
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(conn *nats.Conn, ctl Controller, prefix string, log *slog.Logger) *Bridge {
	if prefix == "" {
		prefix = "gostt"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{conn: conn, ctl: ctl, prefix: prefix, log: log.With("component", "bus")}
}

// Run subscribes to commands and relays events until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	events, unsubscribe := b.ctl.Subscribe()
	defer unsubscribe()

	sub, err := b.conn.Subscribe(b.prefix+".cmd.*", func(msg *nats.Msg) {
		b.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe commands: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Debug("unsubscribe commands", "error", err)
		}
	}()
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("bus: flush subscription: %w", err)
	}
	b.log.Info("bridge ready", "commands", b.prefix+".cmd.*", "events", b.prefix+".event.>")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.publish(ev)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	name := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]

	var cmd Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			b.respond(msg, name, fmt.Errorf("bus: decode %s: %w", name, err))
			return
		}
	}

	var err error
	switch name {
	case "start":
		err = b.ctl.Start(ctx)
	case "stop":
		err = b.ctl.Stop(ctx)
	case "cancel":
		err = b.ctl.Cancel()
	case "ack":
		err = b.ctl.Acknowledge()
	case "retry":
		if cmd.RecordingID == "" {
			err = errors.New("bus: retry: recording_id is required")
			break
		}
		err = b.ctl.Retry(ctx, cmd.RecordingID)
	case "retry_persist":
		err = b.ctl.RetryPersist(ctx)
	case "status":
	default:
		err = fmt.Errorf("bus: unknown command %q", name)
	}
	b.respond(msg, name, err)
}

func (b *Bridge) respond(msg *nats.Msg, name string, err error) {
	info := b.ctl.Snapshot()
	r := Reply{
		OK:          err == nil,
		State:       info.State.String(),
		Session:     info.Session,
		RecordingID: info.RecordingID,
	}
	if err != nil {
		r.Error = err.Error()
		r.Code = session.Code(err)
		b.log.Info("command refused", "command", name, "error", err)
	} else {
		b.log.Debug("command", "command", name, "state", r.State)
	}
	if msg.Reply == "" {
		return
	}
	data, merr := json.Marshal(r)
	if merr != nil {
		b.log.Warn("marshal reply", "error", merr)
		return
	}
	if rerr := msg.Respond(data); rerr != nil {
		b.log.Warn("send reply", "command", name, "error", rerr)
	}
}

func (b *Bridge) publish(ev session.Event) {
	w := WireEvent{
		Kind:            ev.Kind.String(),
		Session:         ev.Session,
		State:           ev.State.String(),
		At:              ev.At,
		RecordingID:     ev.RecordingID,
		TranscriptionID: ev.TranscriptionID,
	}
	switch ev.Kind {
	case session.EventState:
		w.From = ev.From.String()
		w.Text = ev.Result.Text
		w.Language = ev.Result.Language
	case session.EventProgress:
		pct := ev.Progress.Percent
		w.Percent = &pct
	}
	if ev.Err != nil {
		w.Error = ev.Err.Error()
		w.Code = session.Code(ev.Err)
	}

	data, err := json.Marshal(w)
	if err != nil {
		b.log.Warn("marshal event", "error", err)
		return
	}
	subject := b.prefix + ".event." + w.Kind
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn("publish event", "subject", subject, "error", err)
	}
}
