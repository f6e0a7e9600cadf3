// Package output formats CLI output.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/query"
	"github.com/chaz8081/gostt-recorder/internal/session"
	"github.com/chaz8081/gostt-recorder/internal/store"
)

type Formatter struct {
	w   io.Writer
	now func() time.Time
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w, now: time.Now}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

// Entries prints one line per recording with its latest transcription.
func (f *Formatter) Entries(entries []store.Entry) {
	if len(entries) == 0 {
		f.Info("No recordings found")
		return
	}
	for _, e := range entries {
		f.entryLine(e, "")
	}
}

// Matches prints search results with their snippets.
func (f *Formatter) Matches(matches []store.Match) {
	if len(matches) == 0 {
		f.Info("No matches")
		return
	}
	for _, m := range matches {
		f.entryLine(m.Entry, m.Snippet)
	}
}

func (f *Formatter) entryLine(e store.Entry, snippet string) {
	rec, tr := e.Recording, e.Transcription
	text := snippet
	if text == "" {
		text = tr.Text
	}
	if tr.Status != store.StatusSucceeded {
		text = "[" + string(tr.Status) + "] " + tr.Error
	}
	fmt.Fprintf(f.w, "%s  %-14s %6s  %-3s %s\n",
		shortID(rec.ID),
		humanize.RelTime(rec.StartedAt, f.now(), "ago", "from now"),
		formatDuration(rec.Duration),
		tr.Language,
		truncate(text, 72))
}

// Detail prints a recording and every attempt.
func (f *Formatter) Detail(d query.Detail) {
	rec := d.Recording
	fmt.Fprintf(f.w, "Recording %s\n", rec.ID)
	fmt.Fprintf(f.w, "  Started:  %s (%s)\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(rec.StartedAt))
	fmt.Fprintf(f.w, "  Duration: %s\n", formatDuration(rec.Duration))
	fmt.Fprintf(f.w, "  Device:   %s\n", rec.DeviceID)
	fmt.Fprintf(f.w, "  Audio:    %s (%s)\n", rec.Path, humanize.IBytes(uint64(rec.Size)))
	fmt.Fprintf(f.w, "  Checksum: %s\n", rec.Checksum)
	for i, t := range d.Attempts {
		fmt.Fprintf(f.w, "\nAttempt %d  %s  %s  %s", i+1, t.ID, t.Status, t.Model)
		if t.Status == store.StatusSucceeded {
			fmt.Fprintf(f.w, "  %s in %s\n", t.Language, t.InferenceDuration.Round(time.Millisecond))
			fmt.Fprintf(f.w, "  %s\n", t.Text)
		} else {
			fmt.Fprintf(f.w, "\n  %s\n", t.Error)
		}
	}
}

// Stats prints history totals.
func (f *Formatter) Stats(s store.Stats) {
	fmt.Fprintf(f.w, "Recordings:     %s\n", humanize.Comma(int64(s.Recordings)))
	fmt.Fprintf(f.w, "Total audio:    %s\n", formatDuration(s.TotalDuration))
	fmt.Fprintf(f.w, "Disk usage:     %s\n", humanize.IBytes(uint64(s.TotalSize)))
	if !s.Oldest.IsZero() {
		fmt.Fprintf(f.w, "Oldest:         %s\n", humanize.Time(s.Oldest))
		fmt.Fprintf(f.w, "Newest:         %s\n", humanize.Time(s.Newest))
	}
	fmt.Fprintf(f.w, "Transcriptions: %d succeeded, %d failed, %d pending\n",
		s.Transcriptions[store.StatusSucceeded], s.Transcriptions[store.StatusFailed], s.Transcriptions[store.StatusPending])
	f.counts("Languages", s.ByLanguage)
	f.counts("Models", s.ByModel)
}

func (f *Formatter) counts(title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	fmt.Fprintf(f.w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(f.w, "  %-16s %d\n", k, m[k])
	}
}

// Devices lists capture devices.
func (f *Formatter) Devices(devs []audio.DeviceDescriptor) {
	if len(devs) == 0 {
		f.Warning("No capture devices found")
		return
	}
	for _, d := range devs {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(f.w, "%s %s\n    id: %s\n", mark, d.Name, d.ID)
	}
}

// Diff prints a comparison of two attempts.
func (f *Formatter) Diff(d query.Diff) {
	fmt.Fprintf(f.w, "Reference:  %s\nHypothesis: %s\n", d.Reference, d.Hypothesis)
	if !d.Changed() {
		f.Success("Attempts are identical")
		return
	}
	fmt.Fprintf(f.w, "WER %.1f%% over %d words (%d substituted, %d inserted, %d deleted)\n",
		d.WER*100, d.ReferenceWords, d.Substitutions, d.Insertions, d.Deletions)
}

// Event prints one session event as a status line.
func (f *Formatter) Event(ev session.Event) {
	switch ev.Kind {
	case session.EventProgress:
		if ev.Progress.Percent >= 0 {
			fmt.Fprintf(f.w, "   … %d%%\n", ev.Progress.Percent)
		}
	case session.EventNotice:
		f.Warning(ev.Err.Error())
	case session.EventState:
		switch ev.State {
		case session.Recording:
			fmt.Fprintf(f.w, "🎙️  Recording...\n")
		case session.Flushing:
			fmt.Fprintf(f.w, "⏹️  Recording stopped\n")
		case session.Queued:
			fmt.Fprintf(f.w, "📥 Queued %s\n", shortID(ev.RecordingID))
		case session.Transcribing:
			fmt.Fprintf(f.w, "📝 Transcribing...\n")
		case session.Completed:
			f.Success(ev.Result.Text)
		case session.Cancelled:
			f.Info("Cancelled")
		case session.Failed:
			f.Error(ev.Err.Error())
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatDuration(d time.Duration) string {
	d = d.Round(100 * time.Millisecond)
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
