package oncemap

import (
	"context"
	"log/slog"
	"time"
)

// Metrics exposes map-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Hit: a lookup found a ready value.
	Hit()
	// Miss: a lookup created the key's slot and became its initializer.
	Miss()
	// Wait: a lookup parked on another goroutine's initializer.
	Wait()
	// Init: an initializer finished; err is nil on success.
	Init(d time.Duration, err error)
	// Size: the number of keys owning a slot changed.
	Size(entries int)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Map. Zero values are safe; defaults are applied
// in New (and on first use of a zero-value Map):
//   - Shards <= 0  => auto (≈ 2*GOMAXPROCS, power of two)
//   - nil Hasher   => util.HashFunc (Hasher64, FNV-1a, then maphash)
//   - nil Metrics  => NoopMetrics
//   - nil Logger   => logging disabled
type Options[K comparable, V any] struct {
	// Shards is the number of independently locked partitions, rounded up
	// to the next power of two. Fixed for the lifetime of the Map.
	Shards int

	// Hasher maps a key to a 64-bit hash used to pick its shard.
	// Equal keys must hash equally.
	Hasher func(K) uint64

	// RetryFailed lets the next lookup after a failed initializer start a
	// fresh attempt. When false (the default) a failed key stays poisoned
	// and keeps returning the same *InitError.
	RetryFailed bool

	// Loader computes a value for GetOrLoad.
	Loader func(ctx context.Context, k K) (V, error)

	// Observability
	Metrics Metrics
	// Logger receives initializer failures (Warn) and completions (Debug).
	Logger *slog.Logger

	// Clock allows overriding the time source used for init durations.
	Clock Clock
}
