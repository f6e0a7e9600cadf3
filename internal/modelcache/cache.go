// Package modelcache keeps loaded transcription models in memory and shares
// them between jobs.
//
// Models are keyed by transcribe.ModelConfig. Concurrent Acquire calls for
// a config that is not loaded yet share a single load; if that load fails
// every waiter sees the error and the next Acquire starts a fresh attempt.
// Entries are reference counted and only idle entries (zero references)
// are ever evicted.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chaz8081/gostt-recorder/internal/transcribe"
)

// Options configures a Cache.
type Options struct {
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
	// OnLoad is called after every load attempt.
	OnLoad func(mc transcribe.ModelConfig, took time.Duration, err error)
	// OnEvict is called with the number of models closed by an eviction.
	OnEvict func(n int)
}

type entry struct {
	model    transcribe.Handle
	refs     int
	lastUsed time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	engine transcribe.Engine
	log    *slog.Logger
	now    func() time.Time
	opts   Options

	group singleflight.Group

	mu      sync.Mutex
	entries map[transcribe.ModelConfig]*entry
}

// New returns an empty cache that loads models through engine.
func New(engine transcribe.Engine, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		engine:  engine,
		log:     opts.Logger.With("component", "modelcache"),
		now:     opts.Now,
		opts:    opts,
		entries: make(map[transcribe.ModelConfig]*entry),
	}
}

// Handle is a counted reference to a loaded model. Call Release when done.
type Handle struct {
	cache    *Cache
	cfg      transcribe.ModelConfig
	model    transcribe.Handle
	released atomic.Bool
}

// Config returns the model config the handle was acquired for.
func (h *Handle) Config() transcribe.ModelConfig { return h.cfg }

// Transcribe runs inference on the cached model.
func (h *Handle) Transcribe(ctx context.Context, samples []float32, opts transcribe.Options, onProgress transcribe.ProgressFunc) (transcribe.Result, error) {
	return h.model.Transcribe(ctx, samples, opts, onProgress)
}

// Release returns the reference. Releasing twice is a no-op.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.cache.release(h.cfg)
}

// Acquire returns a handle on the model for mc, loading it if needed. A
// cancelled ctx abandons the wait but does not abort a load shared with
// other callers. Load errors wrap transcribe.ErrModelLoad.
func (c *Cache) Acquire(ctx context.Context, mc transcribe.ModelConfig) (*Handle, error) {
	if err := mc.Validate(); err != nil {
		return nil, fmt.Errorf("modelcache: %w: %w", transcribe.ErrModelLoad, err)
	}

	for {
		if h := c.tryAcquire(mc); h != nil {
			return h, nil
		}

		ch := c.group.DoChan(mc.Key(), func() (any, error) {
			return nil, c.load(context.WithoutCancel(ctx), mc)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			// Loaded; loop to take a reference. If the entry was evicted in
			// between, the next pass loads it again.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Cache) tryAcquire(mc transcribe.ModelConfig) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mc]
	if !ok {
		return nil
	}
	e.refs++
	e.lastUsed = c.now()
	return &Handle{cache: c, cfg: mc, model: e.model}
}

func (c *Cache) load(ctx context.Context, mc transcribe.ModelConfig) error {
	c.mu.Lock()
	_, ok := c.entries[mc]
	c.mu.Unlock()
	if ok {
		return nil
	}

	start := c.now()
	c.log.Info("loading model", "model", mc.Key())
	model, err := c.engine.Load(ctx, mc)
	took := c.now().Sub(start)
	if c.opts.OnLoad != nil {
		c.opts.OnLoad(mc, took, err)
	}
	if err != nil {
		c.log.Error("model load failed", "model", mc.Key(), "error", err)
		if !errors.Is(err, transcribe.ErrModelLoad) {
			err = fmt.Errorf("%w: %w", transcribe.ErrModelLoad, err)
		}
		return fmt.Errorf("modelcache: load %s: %w", mc, err)
	}
	c.log.Info("model loaded", "model", mc.Key(), "took", took)

	c.mu.Lock()
	c.entries[mc] = &entry{model: model, lastUsed: c.now()}
	c.mu.Unlock()
	return nil
}

func (c *Cache) release(mc transcribe.ModelConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mc]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	e.lastUsed = c.now()
}

// EvictIdle closes models that have had no references for at least
// olderThan. It returns how many were closed.
func (c *Cache) EvictIdle(olderThan time.Duration) int {
	now := c.now()
	return c.evict(func(e *entry) bool {
		return now.Sub(e.lastUsed) >= olderThan
	})
}

// EvictAll closes every model that is not currently in use.
func (c *Cache) EvictAll() int {
	return c.evict(func(*entry) bool { return true })
}

func (c *Cache) evict(match func(*entry) bool) int {
	var victims []transcribe.Handle
	var keys []string

	c.mu.Lock()
	for mc, e := range c.entries {
		if e.refs == 0 && match(e) {
			victims = append(victims, e.model)
			keys = append(keys, mc.Key())
			delete(c.entries, mc)
		}
	}
	c.mu.Unlock()

	for i, m := range victims {
		if err := m.Close(); err != nil {
			c.log.Warn("closing model", "model", keys[i], "error", err)
			continue
		}
		c.log.Info("model evicted", "model", keys[i])
	}
	if len(victims) > 0 && c.opts.OnEvict != nil {
		c.opts.OnEvict(len(victims))
	}
	return len(victims)
}

// Run evicts models idle for longer than idle every interval until ctx is
// done, then evicts everything that is not in use.
func (c *Cache) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.EvictAll()
			return
		case <-ticker.C:
			c.EvictIdle(idle)
		}
	}
}

// Stat describes one cached model.
type Stat struct {
	Config   transcribe.ModelConfig
	Refs     int
	LastUsed time.Time
}

// Loaded returns the cached models sorted by key.
func (c *Cache) Loaded() []Stat {
	c.mu.Lock()
	out := make([]Stat, 0, len(c.entries))
	for mc, e := range c.entries {
		out = append(out, Stat{Config: mc, Refs: e.refs, LastUsed: e.lastUsed})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Key() < out[j].Config.Key() })
	return out
}

// Release is shorthand for h.Release.
func (c *Cache) Release(h *Handle) {
	if h != nil {
		h.Release()
	}
}
