package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gostt-recorder/internal/store"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), log)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, log), st
}

func record(t *testing.T, st *store.Store, startedAt time.Time, texts ...string) (store.Recording, []string) {
	t.Helper()
	ctx := context.Background()
	rec := store.Recording{
		ID:         uuid.NewString(),
		StartedAt:  startedAt,
		Duration:   2500 * time.Millisecond,
		SampleRate: 16000,
		Channels:   1,
		DeviceID:   "mic",
		Path:       filepath.Join(t.TempDir(), "clip.wav"),
	}
	var ids []string
	for i, text := range texts {
		tr := store.Transcription{ID: uuid.NewString(), RecordingID: rec.ID, Task: "transcribe", Model: "base/cpu/auto"}
		var err error
		if i == 0 {
			err = st.Insert(ctx, rec, tr)
		} else {
			err = st.AddTranscription(ctx, tr)
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Complete(ctx, tr.ID, store.Completion{Text: text, Language: "en", InferenceDuration: time.Second}); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tr.ID)
	}
	return rec, ids
}

func TestSearchMostRecentFirst(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	older, _ := record(t, st, t0, "hello world")
	newer, _ := record(t, st, t0.Add(time.Hour), "hello world")
	record(t, st, t0.Add(2*time.Hour), "something else")

	matches, err := svc.Search(ctx, "  hello ", store.SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Recording.ID != newer.ID || matches[1].Recording.ID != older.ID {
		t.Errorf("order = %s, %s; want newer first", matches[0].Recording.ID, matches[1].Recording.ID)
	}
}

func TestShowAndBest(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	rec, ids := record(t, st, t0, "first try", "second try")

	// a later failed attempt does not hide the succeeded one
	failed := store.Transcription{ID: uuid.NewString(), RecordingID: rec.ID, Task: "transcribe", Model: "base/cpu/auto"}
	if err := st.AddTranscription(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := st.Fail(ctx, failed.ID, "cancelled"); err != nil {
		t.Fatal(err)
	}

	d, err := svc.Show(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if len(d.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(d.Attempts))
	}
	if d.Latest().ID != failed.ID {
		t.Errorf("Latest() = %s, want %s", d.Latest().ID, failed.ID)
	}
	if d.Best().ID != ids[1] {
		t.Errorf("Best() = %s, want %s", d.Best().ID, ids[1])
	}

	if _, err := svc.Show(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Show(missing) error = %v, want ErrNotFound", err)
	}
}

func TestExportFormats(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	rec, _ := record(t, st, t0, "draft", "final words")

	var txt bytes.Buffer
	if err := svc.Export(ctx, &txt, rec.ID, FormatText); err != nil {
		t.Fatalf("Export(txt) error = %v", err)
	}
	if txt.String() != "final words\n" {
		t.Errorf("txt = %q", txt.String())
	}

	var md bytes.Buffer
	if err := svc.Export(ctx, &md, rec.ID, FormatMarkdown); err != nil {
		t.Fatalf("Export(markdown) error = %v", err)
	}
	for _, want := range []string{"# Recording ", rec.ID, "## Transcript", "final words", "**Language:** en"} {
		if !strings.Contains(md.String(), want) {
			t.Errorf("markdown missing %q:\n%s", want, md.String())
		}
	}

	var js bytes.Buffer
	if err := svc.Export(ctx, &js, rec.ID, FormatJSON); err != nil {
		t.Fatalf("Export(json) error = %v", err)
	}
	var doc exportDoc
	if err := json.Unmarshal(js.Bytes(), &doc); err != nil {
		t.Fatalf("json: %v", err)
	}
	if doc.RecordingID != rec.ID || doc.Text != "final words" || len(doc.Attempts) != 2 || doc.DurationMS != 2500 {
		t.Errorf("json doc = %+v", doc)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"", FormatText, true},
		{"TXT", FormatText, true},
		{"json", FormatJSON, true},
		{"md", FormatMarkdown, true},
		{"markdown", FormatMarkdown, true},
		{"pdf", "", false},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCompareAttempts(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	rec, ids := record(t, st, t0, "the cat sat on the mat", "the cat sat on a mat")

	d, err := svc.Compare(ctx, ids[0], ids[1])
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if d.Substitutions != 1 || d.ReferenceWords != 6 || d.Reference != ids[0] || d.Hypothesis != ids[1] {
		t.Errorf("diff = %+v", d)
	}

	latest, err := svc.CompareLatest(ctx, rec.ID)
	if err != nil {
		t.Fatalf("CompareLatest() error = %v", err)
	}
	if latest != d {
		t.Errorf("CompareLatest() = %+v, want %+v", latest, d)
	}

	single, _ := record(t, st, t0.Add(time.Minute), "only once")
	if _, err := svc.CompareLatest(ctx, single.ID); !errors.Is(err, ErrNotComparable) {
		t.Errorf("CompareLatest(single) error = %v, want ErrNotComparable", err)
	}
}

func TestDeleteThenList(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	a, _ := record(t, st, t0, "keep")
	b, _ := record(t, st, t0.Add(time.Minute), "drop")

	if err := svc.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	entries, err := svc.List(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Recording.ID != a.ID {
		t.Errorf("List() after delete = %+v", entries)
	}
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Recordings != 1 {
		t.Errorf("Stats().Recordings = %d, want 1", stats.Recordings)
	}
}
