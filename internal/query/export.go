package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chaz8081/gostt-recorder/internal/store"
)

// Format is an export format.
type Format string

const (
	FormatText     Format = "txt"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts txt, text, json, md and markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "txt", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("query: unknown export format %q (want txt, json or markdown)", s)
	}
}

type exportAttempt struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Model       string    `json:"model"`
	Task        string    `json:"task"`
	Language    string    `json:"language,omitempty"`
	Text        string    `json:"text,omitempty"`
	Error       string    `json:"error,omitempty"`
	InferenceMS int64     `json:"inference_ms"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

type exportDoc struct {
	RecordingID string          `json:"recording_id"`
	StartedAt   time.Time       `json:"started_at"`
	DurationMS  int64           `json:"duration_ms"`
	SampleRate  int             `json:"sample_rate"`
	DeviceID    string          `json:"device_id"`
	Audio       string          `json:"audio"`
	Checksum    string          `json:"checksum"`
	Text        string          `json:"text"`
	Attempts    []exportAttempt `json:"attempts"`
}

// Export writes a recording's transcript to w. Text and markdown carry the
// best attempt; JSON carries every attempt.
func (s *Service) Export(ctx context.Context, w io.Writer, recordingID string, f Format) error {
	d, err := s.Show(ctx, recordingID)
	if err != nil {
		return err
	}
	best := d.Best()

	switch f {
	case FormatText:
		_, err = fmt.Fprintln(w, best.Text)
	case FormatMarkdown:
		err = writeMarkdown(w, d, best)
	case FormatJSON:
		err = writeJSON(w, d, best)
	default:
		return fmt.Errorf("query: export: unknown format %q", f)
	}
	if err != nil {
		return fmt.Errorf("query: export %s: %w", recordingID, err)
	}
	return nil
}

func writeMarkdown(w io.Writer, d Detail, best store.Transcription) error {
	rec := d.Recording
	var b strings.Builder
	fmt.Fprintf(&b, "# Recording %s\n\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **ID:** %s\n", rec.ID)
	fmt.Fprintf(&b, "- **Duration:** %s\n", rec.Duration.Round(100*time.Millisecond))
	if best.Language != "" {
		fmt.Fprintf(&b, "- **Language:** %s\n", best.Language)
	}
	fmt.Fprintf(&b, "- **Model:** %s\n", best.Model)
	fmt.Fprintf(&b, "- **Status:** %s\n", best.Status)
	b.WriteString("\n## Transcript\n\n")
	if best.Text != "" {
		b.WriteString(best.Text)
	} else {
		b.WriteString("_No transcript._")
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeJSON(w io.Writer, d Detail, best store.Transcription) error {
	rec := d.Recording
	doc := exportDoc{
		RecordingID: rec.ID,
		StartedAt:   rec.StartedAt,
		DurationMS:  rec.Duration.Milliseconds(),
		SampleRate:  rec.SampleRate,
		DeviceID:    rec.DeviceID,
		Audio:       rec.Path,
		Checksum:    rec.Checksum,
		Text:        best.Text,
	}
	for _, t := range d.Attempts {
		doc.Attempts = append(doc.Attempts, exportAttempt{
			ID:          t.ID,
			Status:      string(t.Status),
			Model:       t.Model,
			Task:        t.Task,
			Language:    t.Language,
			Text:        t.Text,
			Error:       t.Error,
			InferenceMS: t.InferenceDuration.Milliseconds(),
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
