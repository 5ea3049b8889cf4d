package oncemap

import (
	"sync"

	"github.com/IvanBrykalov/oncemap/internal/util"
)

// shard is an independent partition of the key space. Its lock guards
// only the key->slot map; initializers always run with mu released.
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu sync.RWMutex
	m  map[K]*slot[V]

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_        util.CacheLinePad
	hits     util.PaddedAtomicInt64
	misses   util.PaddedAtomicInt64
	waits    util.PaddedAtomicInt64
	failures util.PaddedAtomicInt64
	retries  util.PaddedAtomicInt64
}

func newShard[K comparable, V any]() *shard[K, V] {
	return &shard[K, V]{m: make(map[K]*slot[V])}
}

// lookup returns the slot for k, or nil. It never creates a slot.
func (s *shard[K, V]) lookup(k K) *slot[V] {
	s.mu.RLock()
	sl := s.m[k]
	s.mu.RUnlock()
	return sl
}

// findOrCreate returns the slot for k, creating it on first sight.
//
// owner is true when the caller received a freshly created slot that is
// already claimed (initializing) and must run the initializer. added is
// true when k had no slot before this call.
//
// With retryFailed, a poisoned slot is swapped for a fresh claimed one;
// goroutines already holding the poisoned slot still see its failure.
func (s *shard[K, V]) findOrCreate(k K, retryFailed bool) (sl *slot[V], owner, added bool) {
	// Read-locked fast path: most lookups hit an existing slot.
	if sl = s.lookup(k); sl != nil && !(retryFailed && sl.load() == statePoisoned) {
		return sl, false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.m[k]
	if exists && !(retryFailed && old.load() == statePoisoned) {
		// Lost the race to another creator between the two locks.
		return old, false, false
	}

	sl = newSlot[V]()
	sl.claim() // cannot fail: nobody else has seen sl yet
	s.m[k] = sl
	if exists {
		s.retries.Add(1)
	}
	return sl, true, !exists
}

// len returns the number of keys owning a slot in this shard.
func (s *shard[K, V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
