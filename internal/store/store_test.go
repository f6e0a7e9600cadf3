package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	clk := &testClock{t: t0}
	s.clock = clk.Now
	t.Cleanup(func() { s.Close() })
	return s
}

func newPair(startedAt time.Time) (Recording, Transcription) {
	rec := Recording{
		ID:         uuid.NewString(),
		StartedAt:  startedAt,
		Duration:   3 * time.Second,
		SampleRate: 16000,
		Channels:   1,
		DeviceID:   "mic",
		Path:       "/nonexistent/" + uuid.NewString() + ".wav",
		Size:       96044,
	}
	tr := Transcription{
		ID:     uuid.NewString(),
		Task:   "transcribe",
		Model:  "base/cpu/auto",
		Status: StatusPending,
	}
	return rec, tr
}

// insertDone stores a recording and completes its transcription with text.
func insertDone(t *testing.T, s *Store, startedAt time.Time, text, lang string) (Recording, Transcription) {
	t.Helper()
	ctx := context.Background()
	rec, tr := newPair(startedAt)
	if err := s.Insert(ctx, rec, tr); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Complete(ctx, tr.ID, Completion{Text: text, Language: lang, InferenceDuration: 1200 * time.Millisecond}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	return rec, tr
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, tr := insertDone(t, s, t0, "hello there", "en")

	e, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !e.Recording.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", e.Recording.StartedAt, t0)
	}
	if e.Recording.Duration != 3*time.Second || e.Recording.DeviceID != "mic" || e.Recording.Size != 96044 {
		t.Errorf("Recording = %+v", e.Recording)
	}
	got := e.Transcription
	if got.ID != tr.ID || got.RecordingID != rec.ID {
		t.Errorf("Transcription ids = %s/%s", got.ID, got.RecordingID)
	}
	if got.Status != StatusSucceeded || got.Text != "hello there" || got.Language != "en" {
		t.Errorf("Transcription = %+v", got)
	}
	if got.InferenceDuration != 1200*time.Millisecond {
		t.Errorf("InferenceDuration = %v", got.InferenceDuration)
	}
	if got.CompletedAt.IsZero() || got.CreatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInsertIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, tr := insertDone(t, s, t0, "first", "en")

	// Reusing the transcription id makes the second row fail; the
	// recording must not land on its own.
	rec2, tr2 := newPair(t0.Add(time.Minute))
	tr2.ID = tr.ID
	err := s.Insert(ctx, rec2, tr2)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Insert() error = %v, want ErrStorage", err)
	}
	if _, err := s.Get(ctx, rec2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after failed insert error = %v, want ErrNotFound", err)
	}
	entries, err := s.ListRecent(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("len(ListRecent) = %d, want 1", len(entries))
	}
}

func TestInsertRejectsMismatchedRecording(t *testing.T) {
	s := newTestStore(t)
	rec, tr := newPair(t0)
	tr.RecordingID = "other"
	if err := s.Insert(context.Background(), rec, tr); err == nil {
		t.Fatal("Insert() should reject a transcription for another recording")
	}
}

func TestStatusTransitionsAreMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, tr := insertDone(t, s, t0, "done", "en")

	if err := s.Complete(ctx, tr.ID, Completion{Text: "again"}); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Complete() error = %v, want ErrNotPending", err)
	}
	if err := s.Fail(ctx, tr.ID, "late"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Fail() after Complete error = %v, want ErrNotPending", err)
	}
	if err := s.Complete(ctx, "missing", Completion{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete(missing) error = %v, want ErrNotFound", err)
	}

	rec2, tr2 := newPair(t0.Add(time.Minute))
	if err := s.Insert(ctx, rec2, tr2); err != nil {
		t.Fatal(err)
	}
	if err := s.Fail(ctx, tr2.ID, "cancelled"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, err := s.GetTranscription(ctx, tr2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Error != "cancelled" {
		t.Errorf("transcription = %+v, want failed/cancelled", got)
	}
	if err := s.Complete(ctx, tr2.ID, Completion{Text: "x"}); !errors.Is(err, ErrNotPending) {
		t.Errorf("Complete() after Fail error = %v, want ErrNotPending", err)
	}
}

func TestInsertFailedPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, tr := newPair(t0)
	tr.Status = StatusFailed
	tr.Error = "model load failed"
	if err := s.Insert(ctx, rec, tr); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	e, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Transcription.Status != StatusFailed || e.Transcription.CompletedAt.IsZero() {
		t.Errorf("Transcription = %+v", e.Transcription)
	}
}

func TestAddTranscriptionKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, first := insertDone(t, s, t0, "first attempt", "en")

	retry := Transcription{ID: uuid.NewString(), RecordingID: rec.ID, Task: "transcribe", Model: "small/cpu/auto"}
	if err := s.AddTranscription(ctx, retry); err != nil {
		t.Fatalf("AddTranscription() error = %v", err)
	}
	if err := s.Complete(ctx, retry.ID, Completion{Text: "second attempt", Language: "en"}); err != nil {
		t.Fatal(err)
	}

	all, err := s.Transcriptions(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != retry.ID {
		t.Fatalf("Transcriptions() = %+v, want [first, retry]", all)
	}
	e, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Transcription.ID != retry.ID {
		t.Errorf("Get() latest = %s, want %s", e.Transcription.ID, retry.ID)
	}

	err = s.AddTranscription(ctx, Transcription{ID: uuid.NewString(), RecordingID: "missing", Task: "transcribe", Model: "m"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AddTranscription(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRecentPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec, _ := insertDone(t, s, t0.Add(time.Duration(i)*time.Hour), "entry", "en")
		ids = append(ids, rec.ID)
	}

	page, err := s.ListRecent(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Recording.ID != ids[4] || page[1].Recording.ID != ids[3] {
		t.Errorf("first page = %v", recordingIDs(page))
	}
	page, err = s.ListRecent(ctx, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Recording.ID != ids[0] {
		t.Errorf("last page = %v", recordingIDs(page))
	}
}

func recordingIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Recording.ID
	}
	return out
}

func TestSearchMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older, _ := insertDone(t, s, t0, "hello world", "en")
	insertDone(t, s, t0.Add(time.Hour), "something else entirely", "en")
	newer, _ := insertDone(t, s, t0.Add(2*time.Hour), "hello world", "en")

	matches, err := s.Search(ctx, "hello", SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}
	if matches[0].Recording.ID != newer.ID || matches[1].Recording.ID != older.ID {
		t.Errorf("order = [%s %s], want newest first", matches[0].Recording.ID, matches[1].Recording.ID)
	}
	if matches[0].Snippet == "" {
		t.Error("Snippet should be set")
	}
}

func TestSearchRanksByRelevance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	weak, _ := insertDone(t, s, t0.Add(time.Hour), "the budget meeting covered a lot of unrelated topics today", "en")
	strong, _ := insertDone(t, s, t0, "budget budget budget", "en")

	matches, err := s.Search(ctx, "budget", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}
	if matches[0].Recording.ID != strong.ID || matches[1].Recording.ID != weak.ID {
		t.Error("more relevant match should rank first despite being older")
	}
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertDone(t, s, t0, "bonjour le monde", "fr")
	en, _ := insertDone(t, s, t0.Add(24*time.Hour), "hello monde", "en")

	matches, err := s.Search(ctx, "monde", SearchOptions{Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Recording.ID != en.ID {
		t.Errorf("language filter = %v", matches)
	}

	matches, err = s.Search(ctx, "monde", SearchOptions{Since: t0.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Recording.ID != en.ID {
		t.Errorf("since filter = %v", matches)
	}

	matches, err = s.Search(ctx, "", SearchOptions{Until: t0.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Transcription.Language != "fr" {
		t.Errorf("empty query with until = %v", matches)
	}
}

func TestSearchIgnoresPendingAndEscapesSyntax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, tr := newPair(t0)
	tr.Text = "hello pending"
	if err := s.Insert(ctx, rec, tr); err != nil {
		t.Fatal(err)
	}
	matches, err := s.Search(ctx, "hello", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("pending transcription should not be searchable, got %d", len(matches))
	}

	for _, q := range []string{`"unbalanced`, `NEAR(`, `a OR`, `col:value*`} {
		if _, err := s.Search(ctx, q, SearchOptions{}); err != nil {
			t.Errorf("Search(%q) error = %v", q, err)
		}
	}
}

func TestDeleteRemovesRowsAndArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	artifact := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(artifact, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, tr := newPair(t0)
	rec.Path = artifact
	if err := s.Insert(ctx, rec, tr); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, tr.ID, Completion{Text: "delete me"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("artifact should be removed")
	}
	if _, err := s.GetTranscription(ctx, tr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTranscription() error = %v, want ErrNotFound", err)
	}
	matches, err := s.Search(ctx, "delete", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Error("deleted text should leave the index")
	}
	if err := s.Delete(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestRecordingCannotBeDeletedAlone(t *testing.T) {
	s := newTestStore(t)
	rec, _ := insertDone(t, s, t0, "kept", "en")

	if _, err := s.db.Exec(`DELETE FROM recordings WHERE id = ?`, rec.ID); err == nil {
		t.Fatal("deleting a referenced recording should violate the foreign key")
	}
}

func TestApplyRetentionByCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec, _ := insertDone(t, s, t0.Add(time.Duration(i)*time.Minute), "row", "en")
		ids = append(ids, rec.ID)
	}

	rep, err := s.ApplyRetention(ctx, Policy{MaxCount: 3})
	if err != nil {
		t.Fatalf("ApplyRetention() error = %v", err)
	}
	if rep.Deleted != 2 || rep.Failed != 0 {
		t.Errorf("report = %+v, want 2 deleted", rep)
	}
	for _, id := range ids[:2] {
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("oldest recording %s should be gone", id)
		}
	}
	for _, id := range ids[2:] {
		if _, err := s.Get(ctx, id); err != nil {
			t.Errorf("recording %s should be kept: %v", id, err)
		}
	}

	rep, err = s.ApplyRetention(ctx, Policy{MaxCount: 3})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 0 {
		t.Errorf("second sweep deleted %d, want 0", rep.Deleted)
	}
}

func TestApplyRetentionByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.clock = func() time.Time { return now }

	old, _ := insertDone(t, s, now.Add(-40*24*time.Hour), "old", "en")
	recent, _ := insertDone(t, s, now.Add(-2*24*time.Hour), "recent", "en")

	rep, err := s.ApplyRetention(ctx, Policy{MaxAge: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", rep.Deleted)
	}
	if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("old recording should be deleted")
	}
	if _, err := s.Get(ctx, recent.ID); err != nil {
		t.Errorf("recent recording should remain: %v", err)
	}
}

func TestApplyRetentionSkipsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, tr := newPair(t0)
	if err := s.Insert(ctx, rec, tr); err != nil {
		t.Fatal(err)
	}
	insertDone(t, s, t0.Add(time.Hour), "done", "en")

	rep, err := s.ApplyRetention(ctx, Policy{MaxCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 while a transcription is pending", rep.Deleted)
	}
	if _, err := s.Get(ctx, rec.ID); err != nil {
		t.Errorf("pending recording should remain: %v", err)
	}
}

func TestApplyRetentionDisabled(t *testing.T) {
	s := newTestStore(t)
	insertDone(t, s, t0, "kept", "en")
	rep, err := s.ApplyRetention(context.Background(), Policy{})
	if err != nil || rep.Deleted != 0 {
		t.Errorf("ApplyRetention(zero policy) = %+v, %v", rep, err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertDone(t, s, t0, "one", "en")
	insertDone(t, s, t0.Add(time.Hour), "deux", "fr")
	rec, tr := newPair(t0.Add(2 * time.Hour))
	if err := s.Insert(ctx, rec, tr); err != nil {
		t.Fatal(err)
	}
	if err := s.Fail(ctx, tr.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Recordings != 3 {
		t.Errorf("Recordings = %d, want 3", st.Recordings)
	}
	if st.TotalDuration != 9*time.Second {
		t.Errorf("TotalDuration = %v, want 9s", st.TotalDuration)
	}
	if st.Transcriptions[StatusSucceeded] != 2 || st.Transcriptions[StatusFailed] != 1 {
		t.Errorf("Transcriptions = %v", st.Transcriptions)
	}
	if st.ByLanguage["en"] != 1 || st.ByLanguage["fr"] != 1 {
		t.Errorf("ByLanguage = %v", st.ByLanguage)
	}
	if st.ByModel["base/cpu/auto"] != 3 {
		t.Errorf("ByModel = %v", st.ByModel)
	}
	if !st.Oldest.Equal(t0) || !st.Newest.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("range = %v..%v", st.Oldest, st.Newest)
	}
}

func TestFailStaleResolvesAbandonedPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := t0.Add(24 * time.Hour)
	s.clock = func() time.Time { return now }

	oldRec, oldTr := newPair(now.Add(-100 * 24 * time.Hour))
	oldTr.CreatedAt = now.Add(-2 * time.Hour)
	if err := s.Insert(ctx, oldRec, oldTr); err != nil {
		t.Fatal(err)
	}
	freshRec, freshTr := newPair(now.Add(-time.Minute))
	if err := s.Insert(ctx, freshRec, freshTr); err != nil {
		t.Fatal(err)
	}

	policy := Policy{MaxAge: 30 * 24 * time.Hour, MaxCount: 1}
	rep, err := s.ApplyRetention(ctx, policy)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 0 {
		t.Fatalf("Deleted = %d before reconcile, want 0", rep.Deleted)
	}

	n, err := s.FailStale(ctx, time.Hour, ReasonInterrupted)
	if err != nil {
		t.Fatalf("FailStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("FailStale() = %d, want 1", n)
	}
	tr, err := s.GetTranscription(ctx, oldTr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != StatusFailed || tr.Error != ReasonInterrupted {
		t.Errorf("stale transcription = %+v", tr)
	}
	if tr, _ := s.GetTranscription(ctx, freshTr.ID); tr.Status != StatusPending {
		t.Errorf("fresh transcription status = %s, want pending", tr.Status)
	}

	rep, err = s.ApplyRetention(ctx, policy)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 1 {
		t.Errorf("Deleted = %d after reconcile, want 1", rep.Deleted)
	}
	if _, err := s.Get(ctx, oldRec.ID); !errors.Is(err, ErrNotFound) {
		t.Error("reconciled recording should be deleted by retention")
	}

	if n, err := s.FailStale(ctx, 0, ReasonInterrupted); err != nil || n != 0 {
		t.Errorf("FailStale(0) = %d, %v, want disabled", n, err)
	}
}
