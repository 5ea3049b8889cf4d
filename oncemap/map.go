package oncemap

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/oncemap/internal/util"
)

// Map is a sharded, concurrent map whose values are computed lazily,
// at most once per key. All methods are safe for concurrent use.
//
// The zero value is ready to use with default Options, so a Map may be
// declared as a package-level variable. A Map must not be copied after
// first use.
type Map[K comparable, V any] struct {
	once   sync.Once
	shards []*shard[K, V]
	opt    Options[K, V]
	log    *slog.Logger

	entries atomic.Int64
	sizeMu  sync.Mutex
}

// New constructs a Map with the provided Options.
// Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Hasher   -> util.HashFunc
//   - Shards <= 0  -> auto, rounded up to the next power of two
func New[K comparable, V any](opt Options[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.once.Do(func() { m.setup(opt) })
	return m
}

// init builds the shard table of a zero-value Map on first access.
func (m *Map[K, V]) init() {
	m.once.Do(func() { m.setup(Options[K, V]{}) })
}

func (m *Map[K, V]) setup(opt Options[K, V]) {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Hasher == nil {
		opt.Hasher = util.HashFunc[K]()
	}
	m.log = opt.Logger
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}

	n := util.ShardCount(opt.Shards)
	opt.Shards = n
	m.shards = make([]*shard[K, V], n)
	for i := range m.shards {
		m.shards[i] = newShard[K, V]()
	}
	m.opt = opt
}

// ---- Store[K,V] implementation ----

// GetOrInit returns the value for k, computing it with fn if k has never
// been initialized. Concurrent callers for the same k block until the
// single running fn returns and then share its result.
//
// If fn panics (or the key was poisoned earlier), GetOrInit panics with
// the key's *InitError in every caller.
func (m *Map[K, V]) GetOrInit(k K, fn func() V) *V {
	v, err := m.getOrInit(context.Background(), k, func(context.Context) (V, error) {
		return fn(), nil
	})
	if err != nil {
		panic(err)
	}
	return v
}

// GetOrTryInit is like GetOrInit for fallible initializers. An error or
// panic in fn poisons k; the initializing caller and all waiters receive
// the same *InitError.
func (m *Map[K, V]) GetOrTryInit(k K, fn func() (V, error)) (*V, error) {
	return m.getOrInit(context.Background(), k, func(context.Context) (V, error) {
		return fn()
	})
}

// GetOrInitContext is like GetOrTryInit, but a waiter stops waiting when
// its own ctx is done and returns ctx.Err(). The initializer receives the
// ctx of the caller that runs it and is never cancelled by waiters.
func (m *Map[K, V]) GetOrInitContext(ctx context.Context, k K, fn func(context.Context) (V, error)) (*V, error) {
	return m.getOrInit(ctx, k, fn)
}

// GetOrLoad returns the value for k, loading it via Options.Loader if
// needed. If no Loader is configured, returns ErrNoLoader.
func (m *Map[K, V]) GetOrLoad(ctx context.Context, k K) (*V, error) {
	m.init()
	load := m.opt.Loader
	if load == nil {
		return nil, ErrNoLoader
	}
	return m.getOrInit(ctx, k, func(ctx context.Context) (V, error) {
		return load(ctx, k)
	})
}

// TryInit initializes k with fn unless another goroutine is already doing
// so, in which case it returns ErrInitializing without waiting. A ready
// key returns its value without calling fn.
func (m *Map[K, V]) TryInit(k K, fn func() (V, error)) (*V, error) {
	s := m.shardFor(k)
	if sl := s.lookup(k); sl != nil {
		switch sl.load() {
		case stateReady:
			m.hit(s)
			return &sl.val, nil
		case stateInitializing:
			return nil, ErrInitializing
		case statePoisoned:
			if !m.opt.RetryFailed {
				return sl.outcome()
			}
		}
	}

	sl, owner := m.acquire(s, k)
	if owner {
		return m.initialize(context.Background(), s, k, sl, func(context.Context) (V, error) {
			return fn()
		})
	}
	// Lost the creation race to another goroutine.
	if !sl.settled() {
		return nil, ErrInitializing
	}
	if v := sl.value(); v != nil {
		m.hit(s)
	}
	return sl.outcome()
}

// Get returns the value for k if it is ready. It never blocks and never
// creates a slot: unknown, in-flight and poisoned keys report false.
func (m *Map[K, V]) Get(k K) (*V, bool) {
	s := m.shardFor(k)
	sl := s.lookup(k)
	if sl == nil {
		return nil, false
	}
	v := sl.value()
	if v == nil {
		return nil, false
	}
	m.hit(s)
	return v, true
}

// Err returns the stored failure of a poisoned key, or nil if k is
// unknown, in flight or ready.
func (m *Map[K, V]) Err(k K) error {
	sl := m.shardFor(k).lookup(k)
	if sl == nil {
		return nil
	}
	if e := sl.failure(); e != nil {
		return e
	}
	return nil
}

// Len returns the number of keys that own a slot, in any state.
func (m *Map[K, V]) Len() int {
	return int(m.entries.Load())
}

// Shards returns the fixed number of shards.
func (m *Map[K, V]) Shards() int {
	m.init()
	return len(m.shards)
}

// Stats returns a snapshot of the map's counters.
func (m *Map[K, V]) Stats() Stats {
	m.init()
	st := Stats{Entries: m.Len()}
	for _, s := range m.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Waits += s.waits.Load()
		st.Failures += s.failures.Load()
		st.Retries += s.retries.Load()
	}
	return st
}

// ---- helpers ----

// getOrInit is the blocking initialize-or-join path shared by all
// GetOr* methods.
func (m *Map[K, V]) getOrInit(ctx context.Context, k K, fn func(context.Context) (V, error)) (*V, error) {
	s := m.shardFor(k)
	sl, owner := m.acquire(s, k)
	if owner {
		return m.initialize(ctx, s, k, sl, fn)
	}
	switch sl.load() {
	case stateReady:
		m.hit(s)
		return &sl.val, nil
	case stateInitializing:
		s.waits.Add(1)
		m.opt.Metrics.Wait()
	}
	return sl.wait(ctx)
}

// acquire finds or creates the slot for k and keeps the entry count.
func (m *Map[K, V]) acquire(s *shard[K, V], k K) (*slot[V], bool) {
	sl, owner, added := s.findOrCreate(k, m.opt.RetryFailed)
	if added {
		m.entries.Add(1)
		// Read the count under sizeMu so the last report is the latest.
		m.sizeMu.Lock()
		m.opt.Metrics.Size(int(m.entries.Load()))
		m.sizeMu.Unlock()
	}
	return sl, owner
}

// initialize runs fn as the owner of a freshly claimed slot.
// No shard lock is held here. The outcome is recorded in a defer so that
// an initializer ending in runtime.Goexit is still counted and logged.
func (m *Map[K, V]) initialize(ctx context.Context, s *shard[K, V], k K, sl *slot[V], fn func(context.Context) (V, error)) (*V, error) {
	s.misses.Add(1)
	m.opt.Metrics.Miss()

	start := m.now()
	defer func() {
		m.record(s, k, sl, time.Duration(m.now()-start))
	}()
	return sl.run(k, func() (V, error) { return fn(ctx) })
}

// record reports a settled initialization to metrics and the logger.
func (m *Map[K, V]) record(s *shard[K, V], k K, sl *slot[V], d time.Duration) {
	ie := sl.failure()
	if ie == nil {
		m.opt.Metrics.Init(d, nil)
		m.log.Debug("oncemap: initialized",
			slog.Any("key", k),
			slog.Duration("duration", d),
		)
		return
	}
	m.opt.Metrics.Init(d, ie)
	s.failures.Add(1)
	m.log.Warn("oncemap: initializer failed",
		slog.Any("key", k),
		slog.Any("error", ie),
		slog.Duration("duration", d),
		slog.Bool("retry_failed", m.opt.RetryFailed),
	)
}

func (m *Map[K, V]) hit(s *shard[K, V]) {
	s.hits.Add(1)
	m.opt.Metrics.Hit()
}

// shardFor picks a shard by hashing the key.
// len(m.shards) is always a power of two.
func (m *Map[K, V]) shardFor(k K) *shard[K, V] {
	m.init()
	return m.shards[util.ShardIndex(m.opt.Hasher(k), len(m.shards))]
}

func (m *Map[K, V]) now() int64 {
	if m.opt.Clock != nil {
		return m.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
