package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gostt-recorder/internal/config"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Engine.Backend = "stub"
	cfg.Storage.DBPath = filepath.Join(dir, "data", "history.db")
	cfg.Storage.RecordingsDir = filepath.Join(dir, "data", "recordings")
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerConcurrency = 0
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("New() should reject worker_concurrency 0")
	}
}

func TestPipelineTranscribesAndPrunes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RetentionMaxCount = 1
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(ctx, cfg, log)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close(ctx)

	p, err := a.Pipeline(ctx)
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if again, _ := a.Pipeline(ctx); again != p {
		t.Error("Pipeline() should be built once")
	}

	for i := 0; i < 3; i++ {
		job := worker.Job{
			Recording: store.Recording{
				ID:         uuid.NewString(),
				StartedAt:  time.Date(2025, 1, 1, 0, i, 0, 0, time.UTC),
				Duration:   time.Second,
				SampleRate: 16000,
				Channels:   1,
				Path:       filepath.Join(t.TempDir(), "clip.wav"),
			},
			Samples: make([]float32, 16000),
			Model:   p.Model,
		}
		ticket, err := p.Pool.Submit(ctx, job)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		out, err := ticket.Wait(ctx)
		if err != nil || out.Err != nil {
			t.Fatalf("job %d: %v / %v", i, err, out.Err)
		}
	}

	rep, err := a.Prune(ctx, a.RetentionPolicy(), p.Instruments)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if rep.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", rep.Deleted)
	}
	entries, err := a.Query.List(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("recordings after prune = %d, want 1", len(entries))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// leavePending opens the store directly and inserts a recording whose
// transcription was left pending age ago.
func leavePending(t *testing.T, cfg *config.Config, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	rec := store.Recording{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().Add(-100 * 24 * time.Hour),
		Duration:   time.Second,
		SampleRate: 16000,
		Channels:   1,
	}
	tr := store.Transcription{
		ID:        uuid.NewString(),
		Task:      "transcribe",
		Model:     "base/cpu/auto",
		CreatedAt: time.Now().Add(-age),
	}
	if err := a.Store.Insert(ctx, rec, tr); err != nil {
		t.Fatal(err)
	}
	return rec.ID
}

func TestNewResolvesInterruptedTranscriptions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RetentionDays = 30
	id := leavePending(t, cfg, 2*time.Hour)

	a, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)

	e, err := a.Store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Transcription.Status != store.StatusFailed || e.Transcription.Error != store.ReasonInterrupted {
		t.Errorf("transcription = %s/%q, want failed/%q", e.Transcription.Status, e.Transcription.Error, store.ReasonInterrupted)
	}

	rep, err := a.Prune(ctx, a.RetentionPolicy(), nil)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if rep.Deleted != 1 {
		t.Errorf("deleted = %d, want the resolved recording removed", rep.Deleted)
	}
}

func TestPruneResolvesStalePendingFirst(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RetentionDays = 30
	// Young enough to survive the startup sweep at 1h.
	id := leavePending(t, cfg, 30*time.Minute)

	a, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	if e, _ := a.Store.Get(ctx, id); e.Transcription.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending after startup", e.Transcription.Status)
	}

	a.Config.PendingTimeout = 10 * time.Minute
	rep, err := a.Prune(ctx, a.RetentionPolicy(), nil)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if rep.Interrupted != 1 || rep.Deleted != 1 {
		t.Errorf("report = %+v, want 1 interrupted and 1 deleted", rep)
	}
	if _, err := a.Store.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after prune error = %v, want ErrNotFound", err)
	}
}

func TestZeroPendingTimeoutKeepsPending(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.PendingTimeout = 0
	id := leavePending(t, cfg, 48*time.Hour)

	a, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)
	if e, _ := a.Store.Get(ctx, id); e.Transcription.Status != store.StatusPending {
		t.Errorf("status = %s, want pending with the sweep disabled", e.Transcription.Status)
	}
}
