package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/output"
	"github.com/chaz8081/gostt-recorder/internal/session"
)

// follow prints events until the session reaches a terminal state. If
// timeout passes first, the session is cancelled and follow keeps waiting
// for the machine to settle. An unsaved result is retried once and then
// given up.
func follow(ctx context.Context, m *session.Machine, events <-chan session.Event, timeout time.Duration, f *output.Formatter) (session.Event, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	interrupted := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return session.Event{}, errors.New("event stream closed")
			}
			f.Event(ev)
			if ev.Kind == session.EventState && ev.State.Terminal() {
				return ev, nil
			}
			settleUnsaved(ctx, m, ev, f)
		case <-deadline:
			deadline = nil
			f.Warning(fmt.Sprintf("Timed out after %s, cancelling", timeout))
			_ = m.Cancel()
		case <-interrupted:
			interrupted = nil
			f.Warning("Interrupted, cancelling")
			_ = m.Cancel()
		}
	}
}

// settleUnsaved retries storing an unsaved result once and gives the text
// up if that fails too, so the cycle always ends.
func settleUnsaved(ctx context.Context, m *session.Machine, ev session.Event, f *output.Formatter) {
	if ev.Kind != session.EventNotice || !errors.Is(ev.Err, session.ErrResultUnsaved) {
		return
	}
	if err := m.RetryPersist(context.WithoutCancel(ctx)); err != nil {
		f.Warning(fmt.Sprintf("Could not save the result: %v", err))
		_ = m.Cancel()
	}
}

func outcomeErr(ev session.Event) error {
	switch ev.State {
	case session.Completed:
		return nil
	case session.Cancelled:
		return errors.New("cancelled")
	default:
		return ev.Err
	}
}

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var (
		duration time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one clip and transcribe it",
		Long:  "Record from the configured device until Enter is pressed (or --duration passes), then transcribe and store the clip.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := output.NewFormatter(os.Stdout)
			a, err := deps.App(ctx)
			if err != nil {
				return err
			}
			src, err := audio.NewMalgoSource(deps.Log)
			if err != nil {
				return err
			}
			defer src.Close()
			m, err := a.Machine(ctx, src)
			if err != nil {
				return err
			}
			events, unsubscribe := m.Subscribe()
			defer unsubscribe()

			if err := m.Start(ctx); err != nil {
				return err
			}
			formatter.Info(stopHint(duration))
			if !waitForStop(ctx, duration) {
				// Interrupted while recording: nothing is kept.
				if err := m.Cancel(); err != nil {
					return err
				}
				ev, err := follow(context.WithoutCancel(ctx), m, events, 0, formatter)
				if err != nil {
					return err
				}
				return outcomeErr(ev)
			}

			if err := m.Stop(context.WithoutCancel(ctx)); err != nil {
				if errors.Is(err, session.ErrNoAudioCaptured) {
					formatter.Warning("No audio captured")
					return nil
				}
				if !errors.Is(err, session.ErrInvalidTransition) {
					return err
				}
			}
			ev, err := follow(ctx, m, events, timeout, formatter)
			if err != nil {
				return err
			}
			if ev.State == session.Completed {
				formatter.Info("Saved as " + ev.RecordingID)
			}
			return outcomeErr(ev)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop automatically after this long")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel transcription if it takes longer than this")
	return cmd
}

func stopHint(d time.Duration) string {
	if d > 0 {
		return fmt.Sprintf("Recording for %s (Enter to stop early, Ctrl+C to discard)", d)
	}
	return "Press Enter to stop, Ctrl+C to discard"
}

// waitForStop returns true when d passes or Enter is pressed, and false
// when ctx ends first.
func waitForStop(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	enter := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, _ = os.Stdin.Read(buf)
		close(enter)
	}()
	select {
	case <-timer:
		return true
	case <-enter:
		return true
	case <-ctx.Done():
		return false
	}
}

func NewRetryCmd(deps *Dependencies) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "retry RECORDING_ID",
		Short: "Transcribe a stored recording again",
		Long:  "Run the current model over a stored recording. The new attempt is added next to the previous ones.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := deps.App(ctx)
			if err != nil {
				return err
			}
			m, err := a.Machine(ctx, nil)
			if err != nil {
				return err
			}
			events, unsubscribe := m.Subscribe()
			defer unsubscribe()

			if err := m.Retry(ctx, args[0]); err != nil {
				return err
			}
			ev, err := follow(ctx, m, events, timeout, output.NewFormatter(os.Stdout))
			if err != nil {
				return err
			}
			return outcomeErr(ev)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel if transcription takes longer than this")
	return cmd
}
