// Package app wires configuration into the store, engine, model cache,
// worker pool and session machine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/chaz8081/gostt-recorder/internal/audio"
	"github.com/chaz8081/gostt-recorder/internal/config"
	"github.com/chaz8081/gostt-recorder/internal/modelcache"
	"github.com/chaz8081/gostt-recorder/internal/query"
	"github.com/chaz8081/gostt-recorder/internal/session"
	"github.com/chaz8081/gostt-recorder/internal/store"
	"github.com/chaz8081/gostt-recorder/internal/telemetry"
	"github.com/chaz8081/gostt-recorder/internal/transcribe"
	"github.com/chaz8081/gostt-recorder/internal/version"
	"github.com/chaz8081/gostt-recorder/internal/worker"
)

// janitorInterval is how often idle models are checked for eviction.
const janitorInterval = time.Minute

// App holds the long-lived components. The transcription pipeline is built
// on first use so history commands never load an engine.
type App struct {
	Config *config.Config
	Log    *slog.Logger
	Store  *store.Store
	Query  *query.Service

	once     sync.Once
	pipe     *Pipeline
	pipeErr  error
	closers  []func(context.Context) error
	closeMu  sync.Mutex
	isClosed bool
}

// Pipeline is the transcription side of the app.
type Pipeline struct {
	Model       transcribe.ModelConfig
	Instruments *telemetry.Instruments
	Cache       *modelcache.Cache
	Pool        *worker.Pool
	// Metrics serves Prometheus metrics; nil if the exporter failed.
	Metrics http.Handler
}

// New opens the history store.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.Storage.DBPath, log)
	if err != nil {
		return nil, err
	}
	// Rows left pending by an earlier process that exited mid-job.
	if _, err := st.FailStale(ctx, cfg.PendingTimeout, store.ReasonInterrupted); err != nil {
		log.Warn("could not resolve stale transcriptions", "component", "app", "error", err)
	}
	return &App{
		Config: cfg,
		Log:    log,
		Store:  st,
		Query:  query.New(st, log),
	}, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closeMu.Lock()
	a.closers = append(a.closers, fn)
	a.closeMu.Unlock()
}

// Pipeline builds telemetry, the engine, the model cache and a started
// worker pool. Later calls return the same pipeline.
func (a *App) Pipeline(ctx context.Context) (*Pipeline, error) {
	a.once.Do(func() { a.pipe, a.pipeErr = a.buildPipeline(ctx) })
	return a.pipe, a.pipeErr
}

func (a *App) buildPipeline(ctx context.Context) (*Pipeline, error) {
	cfg := a.Config
	mc, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}

	shutdown, metrics, err := telemetry.Setup(ctx, cfg.Telemetry, version.Version, a.Log)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdown)
	inst, err := telemetry.NewInstruments(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		return nil, err
	}

	engine, err := transcribe.New(transcribe.EngineOptions{
		Backend:   cfg.Engine.Backend,
		ModelsDir: cfg.Engine.ModelsDir,
		Command:   cfg.Engine.Command,
		Logger:    a.Log,
	})
	if err != nil {
		return nil, err
	}

	cache := modelcache.New(engine, modelcache.Options{
		Logger: a.Log,
		OnLoad: func(mc transcribe.ModelConfig, took time.Duration, err error) {
			inst.ModelLoaded(context.Background(), mc.Key(), took, err)
		},
		OnEvict: func(n int) { inst.ModelsEvicted(context.Background(), n) },
	})

	pool := worker.New(worker.Config{Concurrency: cfg.WorkerConcurrency}, cache, a.Store, inst, a.Log)
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	pool.Start(runCtx)

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		cache.Run(runCtx, janitorInterval, cfg.ModelIdleTimeout)
	}()

	a.onClose(func(context.Context) error {
		pool.Close()
		stop()
		<-janitorDone
		return nil
	})

	return &Pipeline{Model: mc, Instruments: inst, Cache: cache, Pool: pool, Metrics: metrics}, nil
}

// Machine creates a session machine capturing from src.
func (a *App) Machine(ctx context.Context, src audio.Source) (*session.Machine, error) {
	p, err := a.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	m := session.New(session.Options{
		Source: src,
		Stream: audio.StreamConfig{
			DeviceID:      cfg.Audio.DeviceID,
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			FrameDuration: time.Duration(cfg.Audio.FrameMS) * time.Millisecond,
		},
		Pool:          p.Pool,
		Recordings:    a.Store,
		Model:         p.Model,
		Decode:        cfg.DecodeOptions(),
		RecordingsDir: cfg.Storage.RecordingsDir,
		MinDuration:   cfg.Audio.MinDuration,
		Instruments:   p.Instruments,
		Logger:        a.Log,
	})
	a.onClose(func(context.Context) error {
		m.Close()
		return nil
	})
	return m, nil
}

// RetentionPolicy is the configured retention policy.
func (a *App) RetentionPolicy() store.Policy {
	return store.Policy{
		MaxAge:   time.Duration(a.Config.RetentionDays) * 24 * time.Hour,
		MaxCount: a.Config.RetentionMaxCount,
	}
}

// Prune fails transcriptions pending longer than pending_timeout, then
// applies p and records how many recordings were removed.
func (a *App) Prune(ctx context.Context, p store.Policy, inst *telemetry.Instruments) (store.Report, error) {
	stale, err := a.Store.FailStale(ctx, a.Config.PendingTimeout, store.ReasonInterrupted)
	if err != nil {
		return store.Report{}, err
	}
	rep, err := a.Store.ApplyRetention(ctx, p)
	rep.Interrupted = stale
	inst.RetentionDeleted(ctx, rep.Deleted)
	return rep, err
}

// Close shuts components down in reverse order of creation and closes
// the store last.
func (a *App) Close(ctx context.Context) error {
	a.closeMu.Lock()
	if a.isClosed {
		a.closeMu.Unlock()
		return nil
	}
	a.isClosed = true
	closers := a.closers
	a.closeMu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunRetention applies the configured policy now and then every interval
// until ctx ends. It does nothing when retention and the pending timeout
// are both disabled.
func (a *App) RunRetention(ctx context.Context, interval time.Duration, inst *telemetry.Instruments) {
	p := a.RetentionPolicy()
	if !p.Enabled() && a.Config.PendingTimeout <= 0 {
		return
	}
	log := a.Log.With("component", "retention")
	sweep := func() {
		rep, err := a.Prune(ctx, p, inst)
		if err != nil {
			log.Error("retention sweep failed", "error", err)
			return
		}
		if rep.Deleted > 0 || rep.Failed > 0 || rep.Interrupted > 0 {
			log.Info("retention sweep", "deleted", rep.Deleted, "failed", rep.Failed, "interrupted", rep.Interrupted)
		}
	}
	sweep()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweep()
		}
	}
}
