package oncemap

import "context"

// Store is the behavior of a keyed once-initialized container.
// All methods are safe for concurrent use by multiple goroutines.
//
// Returned pointers reference storage owned by the container. They stay
// valid for the container's lifetime, are identical for every caller of
// the same key, and must be treated as read-only.
type Store[K comparable, V any] interface {
	// GetOrInit returns k's value, running fn at most once per key.
	// Panics with *InitError if the key's initializer failed.
	GetOrInit(k K, fn func() V) *V

	// GetOrTryInit returns k's value or the key's *InitError.
	GetOrTryInit(k K, fn func() (V, error)) (*V, error)

	// GetOrInitContext bounds only the caller's wait by ctx.
	GetOrInitContext(ctx context.Context, k K, fn func(context.Context) (V, error)) (*V, error)

	// GetOrLoad initializes k with Options.Loader (ErrNoLoader if unset).
	GetOrLoad(ctx context.Context, k K) (*V, error)

	// TryInit never waits on another goroutine's initializer; it
	// returns ErrInitializing instead.
	TryInit(k K, fn func() (V, error)) (*V, error)

	// Get returns k's value if ready, without blocking.
	Get(k K) (*V, bool)

	// Err returns the failure of a poisoned key, or nil.
	Err(k K) error

	// Len returns the number of keys owning a slot.
	Len() int

	// Stats returns a snapshot of the container's counters.
	Stats() Stats
}

// Compile-time check: ensure Map implements Store.
var _ Store[string, int] = (*Map[string, int])(nil)
