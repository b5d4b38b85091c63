package segment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// AccessPattern classifies the recent sequence of segment requests.
type AccessPattern int

const (
	PatternIdle AccessPattern = iota
	PatternSequential
	PatternRandom
)

func (p AccessPattern) String() string {
	switch p {
	case PatternSequential:
		return "sequential"
	case PatternRandom:
		return "random"
	default:
		return "idle"
	}
}

// Priority expresses how aggressively a strategy prefetches.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityHigh
)

// workers maps a priority to the number of concurrent background fetches.
// With a bounded provider pool, worker width is the only priority lever
// that matters.
func (p Priority) workers() int {
	switch p {
	case PriorityHigh:
		return 4
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Strategy is the prefetch behavior selected by an access pattern.
type Strategy struct {
	WindowSize int
	Priority   Priority
}

// DefaultStrategies is the pattern → strategy table used when the config
// does not override it.
func DefaultStrategies() map[AccessPattern]Strategy {
	return map[AccessPattern]Strategy{
		PatternSequential: {WindowSize: 10, Priority: PriorityHigh},
		PatternRandom:     {WindowSize: 3, Priority: PriorityLow},
		PatternIdle:       {WindowSize: 1, Priority: PriorityBackground},
	}
}

// FetchFunc retrieves and decodes one article payload by message-ID.
type FetchFunc func(ctx context.Context, messageID string) ([]byte, error)

// PersistentCache is the cross-restart segment cache consulted before
// falling back to the network. ErrCacheMiss signals absence.
type PersistentCache interface {
	Get(ctx context.Context, mountID string, fileIndex, segmentIndex int) ([]byte, error)
	Put(ctx context.Context, mountID string, fileIndex, segmentIndex int, data []byte) error
}

// ErrCacheMiss is returned by PersistentCache implementations for absent keys.
var ErrCacheMiss = errors.New("segment: cache miss")

// ErrPrefetcherClosed is returned for requests after Close.
var ErrPrefetcherClosed = errors.New("segment: prefetcher closed")

// PrefetcherConfig configures one prefetcher. Store and Fetch are required;
// Cache is optional.
type PrefetcherConfig struct {
	MountID   string
	FileIndex int
	Store     *Store
	Fetch     FetchFunc
	Cache     PersistentCache
	Logger    *slog.Logger

	// HistorySize bounds the rolling window of recent segment indices.
	HistorySize int

	// SequentialThreshold is the fraction of small index deltas at or above
	// which the pattern is sequential; at or below RandomThreshold it is
	// random; in between it stays idle.
	SequentialThreshold float64
	RandomThreshold     float64

	Strategies map[AccessPattern]Strategy
}

func (c PrefetcherConfig) withDefaults() PrefetcherConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HistorySize == 0 {
		c.HistorySize = 20
	}
	if c.SequentialThreshold == 0 {
		c.SequentialThreshold = 0.8
	}
	if c.RandomThreshold == 0 {
		c.RandomThreshold = 0.4
	}
	if c.Strategies == nil {
		c.Strategies = DefaultStrategies()
	}
	return c
}

// inflightFetch tracks one pending segment fetch. An aborted fetch's result
// is discarded instead of cached, so a late arrival can never populate state
// for a window the stream has already left.
type inflightFetch struct {
	done    chan struct{}
	aborted atomic.Bool
	data    []byte
	err     error
}

// Prefetcher observes the sequence of segment requests on one open stream,
// classifies the access pattern, and schedules background fetches of
// upcoming segments. It is the only component that writes into its Store's
// in-memory cache.
type Prefetcher struct {
	config PrefetcherConfig
	store  *Store
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	paused atomic.Bool

	mu        sync.Mutex
	closed    bool
	history   []int
	pattern   AccessPattern
	lastIndex int
	inflight  map[int]*inflightFetch
	workers   int

	wg sync.WaitGroup
}

// NewPrefetcher creates a prefetcher in the idle pattern.
func NewPrefetcher(cfg PrefetcherConfig) (*Prefetcher, error) {
	cfg = cfg.withDefaults()

	if cfg.Store == nil {
		return nil, errors.New("segment: prefetcher requires a store")
	}
	if cfg.Fetch == nil {
		return nil, errors.New("segment: prefetcher requires a fetch function")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Prefetcher{
		config:    cfg,
		store:     cfg.Store,
		log:       cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		pattern:   PatternIdle,
		lastIndex: -1,
		inflight:  make(map[int]*inflightFetch),
	}, nil
}

// Pattern returns the current access pattern.
func (p *Prefetcher) Pattern() AccessPattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pattern
}

// GetSegment returns the decoded payload of one segment, serving it from the
// in-memory cache, the persistent cache, or the network in that order.
// Failures on this direct path propagate to the caller.
func (p *Prefetcher) GetSegment(ctx context.Context, index int) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPrefetcherClosed
	}
	p.mu.Unlock()

	data, err := p.load(ctx, index)
	if err != nil {
		return nil, err
	}

	p.recordAccess(index)
	p.schedule()

	return data, nil
}

// OnSeek tells the prefetcher the stream jumped to a new segment. The
// pattern is forced to random, in-flight prefetches outside the new window
// are aborted, and cached segments outside double the window are evicted.
func (p *Prefetcher) OnSeek(newIndex int) {
	p.mu.Lock()

	p.pattern = PatternRandom
	p.history = append(p.history[:0], newIndex)
	p.lastIndex = newIndex

	strategy := p.config.Strategies[PatternRandom]
	low := newIndex - 2
	high := newIndex + strategy.WindowSize + 2
	for idx, f := range p.inflight {
		if idx < low || idx > high {
			f.aborted.Store(true)
		}
	}

	p.mu.Unlock()

	p.store.InvalidateOutsideWindow(newIndex, 2*strategy.WindowSize)
}

// Pause stops new background prefetches from being scheduled. This is the
// backpressure hook the stream layer drives; in-flight fetches complete.
func (p *Prefetcher) Pause() {
	p.paused.Store(true)
}

// Resume re-enables background prefetching and tops the window back up.
func (p *Prefetcher) Resume() {
	if p.paused.Swap(false) {
		p.schedule()
	}
}

// Close aborts all pending fetches and waits for the background workers to
// drain. After Close the prefetcher rejects all requests.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, f := range p.inflight {
		f.aborted.Store(true)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// load resolves one segment through the cache hierarchy, joining an
// in-flight fetch when one exists.
func (p *Prefetcher) load(ctx context.Context, index int) ([]byte, error) {
	if data, ok := p.store.CachedSegment(index); ok {
		return data, nil
	}

	p.mu.Lock()
	if f, ok := p.inflight[index]; ok {
		p.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if !f.aborted.Load() && f.err == nil {
			return f.data, nil
		}
		// The joined fetch was aborted or failed; fall through to a
		// fresh direct fetch.
	} else {
		p.mu.Unlock()
	}

	if p.config.Cache != nil {
		data, err := p.config.Cache.Get(ctx, p.config.MountID, p.config.FileIndex, index)
		if err == nil {
			p.store.CacheSegment(index, data)
			return data, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			p.log.WarnContext(ctx, "persistent cache read failed",
				"mount", p.config.MountID, "segment", index, "error", err)
		}
	}

	data, err := p.config.Fetch(ctx, p.store.Segment(index).MessageID)
	if err != nil {
		return nil, err
	}

	p.finishSegment(ctx, index, data)
	return data, nil
}

// finishSegment publishes a decoded payload into both cache tiers.
func (p *Prefetcher) finishSegment(ctx context.Context, index int, data []byte) {
	p.store.CacheSegment(index, data)

	if p.config.Cache != nil {
		if err := p.config.Cache.Put(ctx, p.config.MountID, p.config.FileIndex, index, data); err != nil {
			p.log.DebugContext(ctx, "persistent cache write failed",
				"mount", p.config.MountID, "segment", index, "error", err)
		}
	}
}

// recordAccess appends to the rolling history and recomputes the pattern.
func (p *Prefetcher) recordAccess(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, index)
	if len(p.history) > p.config.HistorySize {
		p.history = p.history[len(p.history)-p.config.HistorySize:]
	}
	p.lastIndex = index

	if len(p.history) < 3 {
		return
	}

	small := 0
	for i := 1; i < len(p.history); i++ {
		delta := p.history[i] - p.history[i-1]
		if delta == 0 || delta == 1 {
			small++
		}
	}
	frac := float64(small) / float64(len(p.history)-1)

	switch {
	case frac >= p.config.SequentialThreshold:
		p.pattern = PatternSequential
	case frac <= p.config.RandomThreshold:
		p.pattern = PatternRandom
	default:
		p.pattern = PatternIdle
	}
}

// schedule tops up background fetches for the upcoming window, bounded by
// the current strategy's worker budget.
func (p *Prefetcher) schedule() {
	if p.paused.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.lastIndex < 0 {
		return
	}

	strategy := p.config.Strategies[p.pattern]
	budget := strategy.Priority.workers()

	for idx := p.lastIndex + 1; idx <= p.lastIndex+strategy.WindowSize; idx++ {
		if idx >= p.store.NumSegments() {
			break
		}
		if p.workers >= budget {
			break
		}
		if p.store.IsSegmentCached(idx) {
			continue
		}
		if _, ok := p.inflight[idx]; ok {
			continue
		}

		f := &inflightFetch{done: make(chan struct{})}
		p.inflight[idx] = f
		p.workers++
		p.wg.Add(1)

		go p.prefetch(idx, f)
	}
}

// prefetch runs one background fetch. Failures are logged and swallowed:
// the fetch was opportunistic, and a direct request for the same segment
// will retry and propagate its own error.
func (p *Prefetcher) prefetch(index int, f *inflightFetch) {
	defer p.wg.Done()

	data, err := p.config.Fetch(p.ctx, p.store.Segment(index).MessageID)

	f.data = data
	f.err = err
	close(f.done)

	aborted := f.aborted.Load()
	if err == nil && !aborted {
		p.finishSegment(p.ctx, index, data)
	}
	if err != nil && !aborted {
		p.log.DebugContext(p.ctx, "background prefetch failed",
			"mount", p.config.MountID, "segment", index, "error", err)
	}

	p.mu.Lock()
	delete(p.inflight, index)
	p.workers--
	closed := p.closed
	p.mu.Unlock()

	// Keep the window topped up as fetches complete.
	if !closed && err == nil && !aborted {
		p.schedule()
	}
}
