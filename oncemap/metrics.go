package oncemap

import "time"

// NoopMetrics is a Metrics implementation that does nothing.
// It is the default when no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                      {}
func (NoopMetrics) Miss()                     {}
func (NoopMetrics) Wait()                     {}
func (NoopMetrics) Init(time.Duration, error) {}
func (NoopMetrics) Size(int)                  {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

// Stats is a point-in-time snapshot of a Map's counters.
type Stats struct {
	Entries  int   // keys owning a slot, in any state
	Hits     int64 // lookups that found a ready value
	Misses   int64 // lookups that created a slot and ran the initializer
	Waits    int64 // lookups that parked on an in-flight initializer
	Failures int64 // initializers that returned an error or panicked
	Retries  int64 // poisoned slots replaced under RetryFailed
}
