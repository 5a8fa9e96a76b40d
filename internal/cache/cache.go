// Package cache holds the formatted member-message context shared by every
// request.
//
// The published entry lives behind an atomic pointer, so readers of a Ready
// entry never take a lock. Populating a new generation is single-flight:
// whoever finds no population in progress starts one, and every caller that
// arrives while it runs waits for and receives that same result. A forced
// refresh that arrives while a population is already running joins it
// instead of queueing a second fetch.
//
// The population runs detached from the caller that started it and is
// bounded by the populate timeout, so a caller giving up does not fail the
// other waiters, and a hung source cannot leave the cache populating forever.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/stellarlinkco/memberqa/internal/format"
	"github.com/stellarlinkco/memberqa/internal/metrics"
	"github.com/stellarlinkco/memberqa/internal/source"
)

var log = logging.Logger("memberqa/cache")

// ErrSourceUnavailable means the fetch produced no usable record set, not
// even fallback records.
var ErrSourceUnavailable = errors.New("message source unavailable")

const DefaultPopulateTimeout = 30 * time.Second

const (
	StatusLoaded = "loaded"
	StatusEmpty  = "empty"
)

// Fetcher supplies the full record set. Implementations are expected to
// apply their own fallback; an Origin of source.OriginNone marks failure.
type Fetcher interface {
	FetchAll(ctx context.Context) source.Result
}

type State int

const (
	StateEmpty State = iota
	StatePopulating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePopulating:
		return "populating"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Entry is one published cache generation. It is never modified after
// publication.
type Entry struct {
	Records    []source.Record
	Blob       string
	Stats      format.Stats
	Generation uint64
	Origin     source.Origin
	LoadedAt   time.Time
}

// Status is the stats view of the cache. It never triggers a fetch.
type Status struct {
	format.Stats
	CacheStatus string
	State       State
	Generation  uint64
	Origin      source.Origin
	LoadedAt    time.Time
}

type Options struct {
	PopulateTimeout time.Duration
	Metrics         *metrics.Metrics
}

type Cache struct {
	fetcher Fetcher
	timeout time.Duration
	metrics *metrics.Metrics

	read atomic.Pointer[Entry]

	// mu guards flight and the generation counter updates.
	mu         sync.Mutex
	flight     *flight
	generation atomic.Uint64
}

// flight is one population in progress. entry and err are written before
// done is closed.
type flight struct {
	done  chan struct{}
	force bool
	entry *Entry
	err   error
}

func New(fetcher Fetcher, opts Options) *Cache {
	timeout := opts.PopulateTimeout
	if timeout <= 0 {
		timeout = DefaultPopulateTimeout
	}
	return &Cache{
		fetcher: fetcher,
		timeout: timeout,
		metrics: opts.Metrics,
	}
}

// Get returns the Ready entry, populating the cache first when it is empty
// or when forceRefresh is set. While a forced population runs, unforced
// callers keep receiving the previous entry.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (*Entry, error) {
	if !forceRefresh {
		if e := c.read.Load(); e != nil {
			c.lookup("hit")
			return e, nil
		}
	}

	c.mu.Lock()
	if !forceRefresh {
		// A population may have published between the load above and the lock.
		if e := c.read.Load(); e != nil {
			c.mu.Unlock()
			c.lookup("hit")
			return e, nil
		}
	}
	f := c.flight
	if f != nil {
		c.mu.Unlock()
		c.lookup("join")
		log.Debugw("Joining in-flight cache population", "force", forceRefresh, "inflightForce", f.force)
	} else {
		f = &flight{done: make(chan struct{}), force: forceRefresh}
		c.flight = f
		c.mu.Unlock()
		if forceRefresh {
			c.lookup("force")
		} else {
			c.lookup("miss")
		}
		go c.populate(context.WithoutCancel(ctx), f)
	}

	select {
	case <-f.done:
		return f.entry, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refresh forces a new population and reports the fresh record count.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	e, err := c.Get(ctx, true)
	if err != nil {
		return 0, err
	}
	return len(e.Records), nil
}

// Invalidate drops the Ready entry so the next Get repopulates. A population
// already in flight still publishes its result.
func (c *Cache) Invalidate() {
	old := c.read.Swap(nil)
	if c.metrics != nil {
		c.metrics.Invalidations.Inc()
		c.metrics.CachedRecords.Set(0)
	}
	if old != nil {
		log.Infow("Context cache invalidated", "generation", old.Generation, "records", len(old.Records))
	} else {
		log.Infow("Context cache invalidated", "generation", 0)
	}
}

func (c *Cache) Stats() Status {
	e := c.read.Load()
	if e == nil {
		return Status{
			Stats:       format.ComputeStats(nil),
			CacheStatus: StatusEmpty,
			State:       c.State(),
			Origin:      source.OriginNone,
		}
	}
	return Status{
		Stats:       e.Stats,
		CacheStatus: StatusLoaded,
		State:       c.State(),
		Generation:  e.Generation,
		Origin:      e.Origin,
		LoadedAt:    e.LoadedAt,
	}
}

func (c *Cache) State() State {
	c.mu.Lock()
	populating := c.flight != nil
	c.mu.Unlock()
	switch {
	case populating:
		return StatePopulating
	case c.read.Load() != nil:
		return StateReady
	default:
		return StateEmpty
	}
}

// Generation returns the number of successful populations so far.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

func (c *Cache) populate(ctx context.Context, f *flight) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	log.Infow("Populating context cache", "force", f.force, "generation", c.generation.Load()+1)

	entry, err := c.build(ctx)
	elapsed := time.Since(start)

	c.mu.Lock()
	if err == nil {
		entry.Generation = c.generation.Add(1)
		c.read.Store(entry)
	}
	c.flight = nil
	c.mu.Unlock()

	c.record(entry, err, elapsed)

	f.entry, f.err = entry, err
	close(f.done)
}

func (c *Cache) record(entry *Entry, err error, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.PopulateDuration.Observe(elapsed.Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.CachePopulations.WithLabelValues(string(source.OriginNone)).Inc()
		}
		log.Errorw("Context cache population failed", "err", err, "duration", elapsed)
		return
	}
	if c.metrics != nil {
		c.metrics.CachePopulations.WithLabelValues(string(entry.Origin)).Inc()
		c.metrics.CacheGeneration.Set(float64(entry.Generation))
		c.metrics.CachedRecords.Set(float64(len(entry.Records)))
	}
	log.Infow("Context cache populated",
		"generation", entry.Generation,
		"records", len(entry.Records),
		"uniqueUsers", entry.Stats.UniqueUsers,
		"origin", entry.Origin,
		"duration", elapsed)
}

func (c *Cache) build(ctx context.Context) (*Entry, error) {
	res := c.fetcher.FetchAll(ctx)
	if res.Origin == source.OriginNone {
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, res.Err)
		}
		return nil, ErrSourceUnavailable
	}
	records := res.Records
	if records == nil {
		records = []source.Record{}
	}
	return &Entry{
		Records:  records,
		Blob:     format.Format(records),
		Stats:    format.ComputeStats(records),
		Origin:   res.Origin,
		LoadedAt: time.Now(),
	}, nil
}

func (c *Cache) lookup(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
