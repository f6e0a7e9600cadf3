// Package batch transcribes WAV files through the worker pool. Each file is
// normalized to 16 kHz mono, stored as a recording artifact, and submitted
// as its own job.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
	"github.com/chaz8081/gostt-recorder/internal/worker"
)

// ErrNoAudio is reported for files that decode to a clip shorter than the
// minimum duration.
var ErrNoAudio = errors.New("batch: no audio in file")

// Submitter is the part of worker.Pool a batch uses.
type Submitter interface {
	Submit(ctx context.Context, job worker.Job) (*worker.Ticket, error)
	Discard(ctx context.Context, o worker.Outcome) error
}

// Options configures a batch run.
type Options struct {
	RecordingsDir string
	Model         transcribe.ModelConfig
	// Decode tunes every inference. An empty Task means transcribe.
	Decode      transcribe.Options
	MinDuration time.Duration
	// Parallel bounds files decoded and in flight at once. Default 4.
	Parallel int
	// QueueRetry is the wait between submit attempts while the pool queue
	// is full. Default 100ms.
	QueueRetry time.Duration
	Logger     *slog.Logger
	// OnItem is called as each file finishes, in completion order. Calls
	// are serialized.
	OnItem func(Item)
	Now    func() time.Time
}

// Item is the outcome for one input file.
type Item struct {
	Path            string
	RecordingID     string
	TranscriptionID string
	Duration        time.Duration
	Result          transcribe.Result
	Err             error
}

// Run transcribes paths and returns one Item per path in input order.
// Per-file failures are reported on the Item; the returned error is set
// only when ctx ends first.
func Run(ctx context.Context, pool Submitter, paths []string, opts Options) ([]Item, error) {
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.QueueRetry <= 0 {
		opts.QueueRetry = 100 * time.Millisecond
	}
	if opts.Decode.Task == "" {
		opts.Decode.Task = transcribe.TaskTranscribe
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "batch")

	items := make([]Item, len(paths))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for i, path := range paths {
		g.Go(func() error {
			item := one(gctx, pool, path, opts)
			items[i] = item
			if item.Err != nil {
				log.Warn("file not transcribed", "path", path, "error", item.Err)
			} else {
				log.Info("file transcribed", "path", path, "recording", item.RecordingID, "chars", len(item.Result.Text))
			}
			if opts.OnItem != nil {
				mu.Lock()
				opts.OnItem(item)
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return items, fmt.Errorf("batch: %w", err)
	}
	return items, nil
}

func one(ctx context.Context, pool Submitter, path string, opts Options) Item {
	item := Item{Path: path}
	clip, err := audio.ReadWAV(path)
	if err != nil {
		item.Err = err
		return item
	}
	item.Duration = clip.Duration
	if clip.IsEmpty() || clip.Duration < opts.MinDuration {
		item.Err = fmt.Errorf("%w: %s (%s)", ErrNoAudio, path, clip.Duration)
		return item
	}

	rec := store.Recording{
		ID:         uuid.NewString(),
		StartedAt:  opts.Now(),
		Duration:   clip.Duration,
		SampleRate: clip.SampleRate,
		Channels:   1,
		DeviceID:   "file:" + filepath.Base(path),
	}
	art, err := audio.SaveClip(opts.RecordingsDir, rec.ID, clip)
	if err != nil {
		item.Err = fmt.Errorf("%w: %w", store.ErrStorage, err)
		return item
	}
	rec.Path, rec.Size, rec.Checksum = art.Path, art.Size, art.Checksum
	item.RecordingID = rec.ID

	job := worker.Job{
		Recording: rec,
		Samples:   clip.Samples,
		Model:     opts.Model,
		Options:   opts.Decode,
	}
	ticket, err := backoff.Retry(ctx, func() (*worker.Ticket, error) {
		t, err := pool.Submit(ctx, job)
		if err != nil && !errors.Is(err, worker.ErrQueueFull) {
			return nil, backoff.Permanent(err)
		}
		return t, err
	}, backoff.WithBackOff(backoff.NewConstantBackOff(opts.QueueRetry)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if rerr := os.Remove(rec.Path); rerr != nil {
			opts.Logger.Warn("removing unsubmitted clip", "path", rec.Path, "error", rerr)
		}
		item.Err = err
		return item
	}
	item.TranscriptionID = ticket.ID()

	out, err := ticket.Wait(ctx)
	if err != nil {
		ticket.Cancel()
		item.Err = err
		return item
	}
	if out.Unsaved {
		// The pool already retried the write; give the row up.
		if derr := pool.Discard(context.WithoutCancel(ctx), out); derr != nil {
			opts.Logger.Warn("could not discard unsaved result", "transcription", out.TranscriptionID, "error", derr)
		}
	}
	if !out.Stored {
		if rerr := os.Remove(rec.Path); rerr != nil {
			opts.Logger.Warn("removing unrecorded clip", "path", rec.Path, "error", rerr)
		}
		item.RecordingID = ""
	}
	item.Result, item.Err = out.Result, out.Err
	return item
}
