// Package oncemap provides a generic, sharded, concurrent map whose values
// are computed lazily and exactly once per key: a keyed sync.Once.
//
// Design
//
//   - Sharding: keys are hashed to one of a fixed number of shards (a power
//     of two, ≈ 2*GOMAXPROCS by default). Each shard has an RWMutex that
//     guards only its key->slot map. The lock is held just long enough to
//     find or insert a slot; initializers never run under it, so unrelated
//     keys (even in the same shard) initialize concurrently.
//
//   - Slots: each key owns exactly one slot with an atomic state tag
//     (empty -> initializing -> ready | poisoned). The goroutine that creates
//     the slot claims it before releasing the shard lock and runs the
//     initializer. Others park on the slot's done channel and wake when the
//     initializer publishes. Ready lookups cost one atomic load.
//
//   - Stable references: values live inside their slot, which is never moved
//     or freed while the Map is reachable. Every caller of a key receives the
//     same *V, valid without holding any lock. Treat it as read-only.
//
//   - Failures: an initializer that returns an error, panics or calls
//     runtime.Goexit poisons the slot. The initializing caller and every
//     waiter receive the same *InitError (errors.Is(err, ErrInitFailed)).
//     By default the key stays poisoned for the Map's lifetime; set
//     Options.RetryFailed to let the next lookup start a fresh attempt.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Wait/Init/Size signals.
//     By default NoopMetrics is used; see metrics/prom and metrics/otelmetric.
//
// Basic usage
//
//	m := oncemap.New[string, *Config](oncemap.Options[string, *Config]{})
//	cfg := m.GetOrInit("prod", func() *Config { return loadConfig("prod") })
//
// As a package-level variable (zero value is ready to use)
//
//	var templates oncemap.Map[string, *template.Template]
//
//	func tmpl(name string) *template.Template {
//	    return *templates.GetOrInit(name, func() *template.Template {
//	        return template.Must(template.ParseFiles(name))
//	    })
//	}
//
// Fallible initializers
//
//	v, err := m.GetOrTryInit("k", func() (*Config, error) { return parse("k") })
//	if errors.Is(err, oncemap.ErrInitFailed) {
//	    // every caller for "k" sees the same error
//	}
//
// Keys
//
// K must be comparable and its equality must match its identity. Hashing
// defaults to FNV-1a for strings, byte arrays and integers, a key's own
// Hash64() method if it has one, and hash/maphash otherwise; override with
// Options.Hasher. Keys whose == is inconsistent with their hash give
// undefined results.
//
// Entries are never removed or evicted.
package oncemap
