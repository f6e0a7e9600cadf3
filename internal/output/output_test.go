package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/gostt-recorder/internal/session"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		2500 * time.Millisecond:                   "2.5s",
		90 * time.Second:                          "1m30s",
		time.Hour + 2*time.Minute + 3*time.Second: "1h02m03s",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a  b\nc", 10); got != "a b c" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestEntriesShowsFailures(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	f.Entries([]store.Entry{
		{
			Recording:     store.Recording{ID: "0123456789", StartedAt: now.Add(-time.Hour), Duration: 3 * time.Second},
			Transcription: store.Transcription{Status: store.StatusSucceeded, Text: "hello", Language: "en"},
		},
		{
			Recording:     store.Recording{ID: "abcdef0123", StartedAt: now.Add(-2 * time.Hour), Duration: time.Second},
			Transcription: store.Transcription{Status: store.StatusFailed, Error: "cancelled"},
		},
	})
	out := buf.String()
	for _, want := range []string{"01234567", "1 hour ago", "3.0s", "hello", "[failed] cancelled"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestEvent(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	f.Event(session.Event{Kind: session.EventState, State: session.Completed, Result: transcribe.Result{Text: "done text"}})
	f.Event(session.Event{Kind: session.EventNotice, Err: errors.New("no audio captured")})
	f.Event(session.Event{Kind: session.EventProgress, Progress: transcribe.Progress{Percent: -1}})
	out := buf.String()
	if !strings.Contains(out, "done text") || !strings.Contains(out, "no audio captured") || strings.Contains(out, "%") {
		t.Errorf("output = %q", out)
	}
}
