// Package worker runs transcription jobs on a bounded pool.
//
// Jobs are dispatched in submission order. With a concurrency of one,
// outcomes are also delivered in submission order; with more workers each
// ticket completes independently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chaz8081/gostt-recorder/internal/modelcache"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/telemetry"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

var (
	// ErrCancelled is the outcome of a job cancelled through its ticket.
	ErrCancelled = errors.New("transcription cancelled")
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker: pool closed")
)

// Reasons stored on failed transcription rows.
const (
	ReasonCancelled = "cancelled"
	ReasonShutdown  = "shutdown"
	// ReasonUnsaved marks a result that was produced but given up on after
	// it could not be stored.
	ReasonUnsaved = "unsaved"
)

// Store is the subset of store.Store the pool writes to.
type Store interface {
	Insert(ctx context.Context, rec store.Recording, tr store.Transcription) error
	AddTranscription(ctx context.Context, tr store.Transcription) error
	Complete(ctx context.Context, id string, c store.Completion) error
	Fail(ctx context.Context, id, reason string) error
}

// Config sizes the pool.
type Config struct {
	// Concurrency is the number of jobs run at once. Default 1.
	Concurrency int
	// QueueSize bounds jobs waiting for a worker. Default 16.
	QueueSize int
	// PersistRetries bounds attempts for each store write. Default 3.
	PersistRetries int
	// PersistBackoff is the first retry delay. Default 100ms.
	PersistBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 100 * time.Millisecond
	}
	return c
}

// Job is one clip to transcribe.
type Job struct {
	// Recording must have its ID set. For new recordings the row is
	// written together with the first transcription.
	Recording store.Recording
	Samples   []float32
	Model     transcribe.ModelConfig
	Options   transcribe.Options
	// Existing marks a retry: the recording is already stored and only a
	// new transcription row is added.
	Existing bool
}

// Pool runs jobs on a fixed number of workers.
type Pool struct {
	cfg    Config
	models *modelcache.Cache
	store  Store
	inst   *telemetry.Instruments
	log    *slog.Logger

	queue chan *Ticket
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, models *modelcache.Cache, st Store, inst *telemetry.Instruments, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		models: models,
		store:  st,
		inst:   inst,
		log:    log.With("component", "worker"),
		queue:  make(chan *Ticket, cfg.QueueSize),
	}
}

// Start launches the workers. Jobs still running when ctx is cancelled
// see a cancelled context and are recorded as failed.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			for t := range p.queue {
				p.run(ctx, t)
			}
			p.log.Debug("worker stopped", "worker", n)
		}(i)
	}
	p.log.Info("worker pool started", "concurrency", p.cfg.Concurrency, "queue", p.cfg.QueueSize)
}

// Close stops accepting jobs, lets queued jobs finish, and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit enqueues a job without waiting for a worker.
func (p *Pool) Submit(ctx context.Context, job Job) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job.Recording.ID == "" {
		return nil, fmt.Errorf("worker: submit: recording id is required")
	}
	if len(job.Samples) == 0 {
		return nil, fmt.Errorf("worker: submit: empty clip")
	}
	if job.Options.Task == "" {
		job.Options.Task = transcribe.TaskTranscribe
	}

	t := newTicket(uuid.NewString(), job)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	select {
	case p.queue <- t:
	default:
		return nil, ErrQueueFull
	}
	p.log.Debug("job queued", "recording", job.Recording.ID, "transcription", t.id, "model", job.Model.Key())
	return t, nil
}

func (p *Pool) run(ctx context.Context, t *Ticket) {
	job := t.job
	model := job.Model.Key()
	log := p.log.With("recording", job.Recording.ID, "transcription", t.id, "model", model)

	ctx, span := p.inst.StartSpan(ctx, "worker.job",
		attribute.String("recording.id", job.Recording.ID),
		attribute.String("model", model),
		attribute.String("task", string(job.Options.Task)))
	defer span.End()

	// Writes must land even if the pool is shutting down.
	wctx := context.WithoutCancel(ctx)

	out := Outcome{RecordingID: job.Recording.ID, TranscriptionID: t.id}
	var handle *modelcache.Handle
	finish := func(status string, inference time.Duration) {
		// The model goes back to the cache before the caller hears about it.
		p.models.Release(handle)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, status)
		}
		p.inst.JobFinished(ctx, status, model, inference)
		t.finish(out)
	}

	if t.Cancelled() {
		log.Info("job cancelled before start")
		out.Err = fmt.Errorf("worker: %w", ErrCancelled)
		out.Stored = p.record(wctx, t, store.StatusFailed, ReasonCancelled) == nil
		finish("cancelled", 0)
		return
	}
	t.accepted()

	handle, err := p.models.Acquire(ctx, job.Model)
	if err != nil {
		log.Error("model unavailable", "error", err)
		if !errors.Is(err, transcribe.ErrModelLoad) {
			err = fmt.Errorf("%w: %w", transcribe.ErrModelLoad, err)
		}
		out.Err = err
		out.Stored = p.record(wctx, t, store.StatusFailed, err.Error()) == nil
		finish("failed", 0)
		return
	}

	if err := p.record(wctx, t, store.StatusPending, ""); err != nil {
		log.Error("could not record transcription", "error", err)
		out.Err = err
		out.Stored = job.Existing
		finish("failed", 0)
		return
	}
	out.Stored = true

	start := time.Now()
	res, err := handle.Transcribe(ctx, job.Samples, job.Options, func(pr transcribe.Progress) error {
		if t.Cancelled() {
			return ErrCancelled
		}
		t.progress(pr)
		return nil
	})
	took := time.Since(start)

	switch {
	case err == nil && t.Cancelled():
		// Cancelled after the last checkpoint; the text is discarded.
		err = ErrCancelled
	case err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled):
		err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	if err != nil {
		reason := err.Error()
		status := "failed"
		switch {
		case errors.Is(err, ErrCancelled) && t.Cancelled():
			reason, status = ReasonCancelled, "cancelled"
			out.Err = fmt.Errorf("worker: %w", ErrCancelled)
		case errors.Is(err, ErrCancelled):
			reason, status = ReasonShutdown, "cancelled"
			out.Err = fmt.Errorf("worker: %w", err)
		case errors.Is(err, transcribe.ErrTranscription):
			out.Err = err
		default:
			out.Err = fmt.Errorf("worker: %w: %w", transcribe.ErrTranscription, err)
		}
		log.Info("job did not complete", "reason", reason, "took", took)
		if ferr := p.persist(wctx, "fail", func(ctx context.Context) error {
			return p.store.Fail(ctx, t.id, reason)
		}); ferr != nil {
			log.Error("could not mark transcription failed", "error", ferr)
		}
		finish(status, took)
		return
	}

	if res.Duration == 0 {
		res.Duration = took
	}
	out.Result = res
	if err := p.Persist(wctx, out); err != nil {
		log.Error("transcription done but not saved", "error", err)
		out.Err = err
		out.Unsaved = true
		finish("unsaved", res.Duration)
		return
	}
	log.Info("transcription complete", "language", res.Language, "took", res.Duration, "chars", len(res.Text))
	finish("succeeded", res.Duration)
}

// record writes the transcription row for t, and the recording row too
// unless the job is a retry.
func (p *Pool) record(ctx context.Context, t *Ticket, status store.Status, reason string) error {
	job := t.job
	tr := store.Transcription{
		ID:          t.id,
		RecordingID: job.Recording.ID,
		Task:        string(job.Options.Task),
		Model:       job.Model.Key(),
		Status:      status,
		Error:       reason,
	}
	if job.Model.Language != transcribe.LanguageAuto {
		tr.Language = job.Model.Language
	}
	return p.persist(ctx, "record", func(ctx context.Context) error {
		if job.Existing {
			return p.store.AddTranscription(ctx, tr)
		}
		return p.store.Insert(ctx, job.Recording, tr)
	})
}

// Persist stores a successful result, retrying storage errors with
// backoff. It is also used to retry an Unsaved outcome.
func (p *Pool) Persist(ctx context.Context, o Outcome) error {
	if o.TranscriptionID == "" {
		return fmt.Errorf("worker: persist: transcription id is required")
	}
	return p.persist(ctx, "complete", func(ctx context.Context) error {
		return p.store.Complete(ctx, o.TranscriptionID, store.Completion{
			Text:              o.Result.Text,
			Language:          o.Result.Language,
			InferenceDuration: o.Result.Duration,
		})
	})
}

// Discard gives up on an Unsaved outcome and marks its transcription
// failed, so the row does not stay pending.
func (p *Pool) Discard(ctx context.Context, o Outcome) error {
	if o.TranscriptionID == "" {
		return fmt.Errorf("worker: discard: transcription id is required")
	}
	err := p.persist(ctx, "discard", func(ctx context.Context) error {
		return p.store.Fail(ctx, o.TranscriptionID, ReasonUnsaved)
	})
	if errors.Is(err, store.ErrNotPending) {
		// A late Persist already resolved it.
		return nil
	}
	return err
}

func (p *Pool) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.PersistBackoff
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, store.ErrStorage) {
			return struct{}{}, backoff.Permanent(err)
		}
		p.log.Warn("store write failed", "op", op, "attempt", attempt, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.PersistRetries)))
	return err
}
