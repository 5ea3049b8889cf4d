package oncemap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// recMetrics records every signal it receives.
type recMetrics struct {
	hits, misses, waits atomic.Int64
	inits, failed       atomic.Int64
	lastSize            atomic.Int64
	lastDur             atomic.Int64
}

func (r *recMetrics) Hit()  { r.hits.Add(1) }
func (r *recMetrics) Miss() { r.misses.Add(1) }
func (r *recMetrics) Wait() { r.waits.Add(1) }
func (r *recMetrics) Init(d time.Duration, err error) {
	r.inits.Add(1)
	r.lastDur.Store(int64(d))
	if err != nil {
		r.failed.Add(1)
	}
}
func (r *recMetrics) Size(n int) { r.lastSize.Store(int64(n)) }

// Package-level zero-value map: no constructor call needed.
var staticMap Map[uint8, string]

func TestMap_ZeroValueStatic(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		staticMap.GetOrInit(0, func() string { return "Hello, " })
	}()
	staticMap.GetOrInit(1, func() string { return "World!" })
	wg.Wait()

	v0, ok := staticMap.Get(0)
	require.True(t, ok)
	assert.Equal(t, "Hello, ", *v0)

	v1, ok := staticMap.Get(1)
	require.True(t, ok)
	assert.Equal(t, "World!", *v1)

	assert.Equal(t, 2, staticMap.Len())
}

// Re-lookup returns the identical pointer and never re-runs the initializer.
func TestMap_IdempotentRelookup(t *testing.T) {
	t.Parallel()

	m := New[int, string](Options[int, string]{})
	var calls atomic.Int64
	initFn := func() string {
		calls.Add(1)
		return "v"
	}

	first := m.GetOrInit(42, initFn)
	for i := 0; i < 10; i++ {
		again := m.GetOrInit(42, initFn)
		require.Same(t, first, again)
	}
	assert.Equal(t, int64(1), calls.Load())

	got, ok := m.Get(42)
	require.True(t, ok)
	assert.Same(t, first, got)

	st := m.Stats()
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(11), st.Hits) // 10 re-lookups + Get
	assert.Equal(t, 1, st.Entries)
}

// Three initializers race with a fourth goroutine re-fetching all keys.
// The reader never sees a default value and each initializer runs once.
func TestMap_ConcurrentHelloWorld(t *testing.T) {
	t.Parallel()

	m := New[int, string](Options[int, string]{})
	var calls [4]atomic.Int64
	want := map[int]string{0: "Hello", 1: ", ", 3: "World!"}
	initFor := func(k int) func() string {
		return func() string {
			calls[k].Add(1)
			return want[k]
		}
	}

	start := make(chan struct{})
	var g errgroup.Group
	for k := range want {
		g.Go(func() error {
			<-start
			if got := *m.GetOrInit(k, initFor(k)); got != want[k] {
				return fmt.Errorf("key %d: got %q", k, got)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-start
		for i := 0; i < 1000; i++ {
			for k, w := range want {
				if got := *m.GetOrInit(k, initFor(k)); got != w {
					return fmt.Errorf("reader: key %d got %q", k, got)
				}
			}
		}
		return nil
	})
	close(start)
	require.NoError(t, g.Wait())

	for k := range want {
		assert.Equal(t, int64(1), calls[k].Load(), "key %d", k)
	}
	assert.Equal(t, 3, m.Len())
}

// A slow initializer for A must not block B, even in the same shard.
func TestMap_KeysInitializeIndependently(t *testing.T) {
	t.Parallel()

	m := New[string, int](Options[string, int]{Shards: 1})
	release := make(chan struct{})
	aStarted := make(chan struct{})
	aDone := make(chan struct{})

	go func() {
		defer close(aDone)
		m.GetOrInit("A", func() int {
			close(aStarted)
			<-release
			return 1
		})
	}()
	<-aStarted

	bDone := make(chan int, 1)
	go func() { bDone <- *m.GetOrInit("B", func() int { return 2 }) }()

	select {
	case v := <-bDone:
		assert.Equal(t, 2, v)
	case <-time.After(2 * time.Second):
		t.Fatal("B blocked behind A's initializer")
	}

	_, ok := m.Get("A")
	assert.False(t, ok, "A must not be ready before its initializer returns")

	close(release)
	<-aDone
	v, ok := m.Get("A")
	require.True(t, ok)
	assert.Equal(t, 1, *v)
}

// By default a failed key stays poisoned and keeps the same error.
func TestMap_FailurePoisonsKey(t *testing.T) {
	t.Parallel()

	m := New[string, int](Options[string, int]{})
	cause := errors.New("boom")
	var calls atomic.Int64

	_, err := m.GetOrTryInit("k", func() (int, error) {
		calls.Add(1)
		return 0, cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, cause)

	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "k", ie.Key)

	// Later callers get the very same error without running fn again.
	_, err2 := m.GetOrTryInit("k", func() (int, error) {
		calls.Add(1)
		return 1, nil
	})
	assert.Same(t, ie, err2)
	assert.Equal(t, int64(1), calls.Load())

	assert.Same(t, ie, m.Err("k"))
	_, ok := m.Get("k")
	assert.False(t, ok)

	// Other keys are unaffected.
	v, err := m.GetOrTryInit("other", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, *v)
	assert.NoError(t, m.Err("other"))
	assert.NoError(t, m.Err("missing"))

	assert.Equal(t, int64(1), m.Stats().Failures)
}

// Every waiter parked on a failing initializer is released with the failure.
func TestMap_FailureReleasesWaiters(t *testing.T) {
	t.Parallel()

	m := New[int, int](Options[int, int]{})
	const waiters = 32
	started := make(chan struct{})
	release := make(chan struct{})
	ownerErr := make(chan error, 1)

	go func() {
		_, err := m.GetOrTryInit(1, func() (int, error) {
			close(started)
			<-release
			return 0, errors.New("backend down")
		})
		ownerErr <- err
	}()
	<-started

	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := m.GetOrTryInit(1, func() (int, error) { return 1, nil })
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return m.Stats().Waits == waiters },
		2*time.Second, time.Millisecond)

	close(release)
	first := <-ownerErr
	require.ErrorIs(t, first, ErrInitFailed)
	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			assert.Same(t, first, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter left hanging after initializer failure")
		}
	}
}

func TestMap_PanicPoisonsKey(t *testing.T) {
	t.Parallel()

	m := New[string, string](Options[string, string]{})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		m.GetOrInit("p", func() string { panic("kaboom") })
	}()
	require.NotNil(t, recovered)
	ie, ok := recovered.(*InitError)
	require.True(t, ok, "panic value must be *InitError, got %T", recovered)

	var pe *PanicError
	require.ErrorAs(t, ie, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// Subsequent callers panic with the same error.
	assert.PanicsWithValue(t, ie, func() {
		m.GetOrInit("p", func() string { return "late" })
	})

	_, err := m.GetOrTryInit("p", func() (string, error) { return "late", nil })
	assert.Same(t, ie, err)
}

func TestMap_PanicWithErrorUnwraps(t *testing.T) {
	t.Parallel()

	m := New[int, int](Options[int, int]{})
	sentinel := errors.New("sentinel")
	_, err := m.GetOrTryInit(1, func() (int, error) { panic(sentinel) })
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestMap_GoexitPoisonsKey(t *testing.T) {
	t.Parallel()

	rec := &recMetrics{}
	m := New[int, int](Options[int, int]{Metrics: rec})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.GetOrInit(9, func() int {
			runtime.Goexit()
			return 0
		})
	}()
	<-done

	_, err := m.GetOrTryInit(9, func() (int, error) { return 1, nil })
	require.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, errGoexit)

	// The aborted attempt is still counted as a failed initialization.
	assert.Equal(t, int64(1), m.Stats().Failures)
	assert.Equal(t, int64(1), rec.inits.Load())
	assert.Equal(t, int64(1), rec.failed.Load())
}

// With RetryFailed the next lookup after a failure starts a new attempt.
func TestMap_RetryFailed(t *testing.T) {
	t.Parallel()

	m := New[string, int](Options[string, int]{RetryFailed: true})
	var calls atomic.Int64
	fn := func() (int, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("transient")
		}
		return 5, nil
	}

	_, err := m.GetOrTryInit("k", fn)
	require.ErrorIs(t, err, ErrInitFailed)

	v, err := m.GetOrTryInit("k", fn)
	require.NoError(t, err)
	assert.Equal(t, 5, *v)

	// Once ready, the value is final.
	again, err := m.GetOrTryInit("k", fn)
	require.NoError(t, err)
	assert.Same(t, v, again)
	assert.Equal(t, int64(2), calls.Load())

	st := m.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Retries)
	assert.Equal(t, int64(1), st.Failures)
	assert.NoError(t, m.Err("k"))
}

// Under RetryFailed, waiters parked on the failed attempt share its error;
// only a later lookup starts a new attempt.
func TestMap_RetryFailedWaitersGetFailure(t *testing.T) {
	t.Parallel()

	m := New[string, int](Options[string, int]{RetryFailed: true})
	const waiters = 16
	started := make(chan struct{})
	release := make(chan struct{})
	ownerErr := make(chan error, 1)

	go func() {
		_, err := m.GetOrTryInit("k", func() (int, error) {
			close(started)
			<-release
			return 0, errors.New("transient")
		})
		ownerErr <- err
	}()
	<-started

	var waiterCalls atomic.Int64
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := m.GetOrTryInit("k", func() (int, error) {
				waiterCalls.Add(1)
				return 1, nil
			})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return m.Stats().Waits == waiters },
		2*time.Second, time.Millisecond)

	close(release)
	first := <-ownerErr
	require.ErrorIs(t, first, ErrInitFailed)
	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			assert.Same(t, first, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter left hanging after initializer failure")
		}
	}
	assert.Zero(t, waiterCalls.Load(), "parked waiters must not start their own attempt")

	v, err := m.GetOrTryInit("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, *v)

	st := m.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Retries)
	assert.Equal(t, int64(1), st.Failures)
}

func TestMap_TryInit(t *testing.T) {
	t.Parallel()

	m := New[string, int](Options[string, int]{})
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		m.GetOrInit("slow", func() int {
			close(started)
			<-release
			return 1
		})
	}()
	<-started

	_, err := m.TryInit("slow", func() (int, error) { return 2, nil })
	assert.ErrorIs(t, err, ErrInitializing)

	// A fresh key is initialized by TryInit itself.
	v, err := m.TryInit("fast", func() (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, *v)

	// A ready key is returned without calling fn.
	v2, err := m.TryInit("fast", func() (int, error) {
		t.Error("initializer must not run for a ready key")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Same(t, v, v2)

	close(release)
	require.Eventually(t, func() bool {
		_, ok := m.Get("slow")
		return ok
	}, 2*time.Second, time.Millisecond)

	// Poisoned keys report their failure.
	_, err = m.TryInit("bad", func() (int, error) { return 0, errors.New("no") })
	require.ErrorIs(t, err, ErrInitFailed)
	_, err2 := m.TryInit("bad", func() (int, error) { return 1, nil })
	assert.Same(t, err, err2)
}

func TestMap_GetIsNonBlocking(t *testing.T) {
	t.Parallel()

	m := New[int, int](Options[int, int]{})
	_, ok := m.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len(), "Get must not create slots")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		m.GetOrInit(1, func() int {
			close(started)
			<-release
			return 10
		})
	}()
	<-started
	_, ok = m.Get(1)
	assert.False(t, ok, "in-flight key must not be visible")
	assert.Equal(t, 1, m.Len())
	close(release)
}

// A waiter's ctx bounds only its own wait; the initializer completes.
func TestMap_GetOrInitContext_WaiterCancel(t *testing.T) {
	t.Parallel()

	m := New[string, string](Options[string, string]{})
	started := make(chan struct{})
	release := make(chan struct{})
	ownerDone := make(chan *string, 1)

	go func() {
		v, _ := m.GetOrInitContext(context.Background(), "k", func(context.Context) (string, error) {
			close(started)
			<-release
			return "done", nil
		})
		ownerDone <- v
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetOrInitContext(ctx, "k", func(context.Context) (string, error) {
		return "other", nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v := <-ownerDone
	require.NotNil(t, v)
	assert.Equal(t, "done", *v)

	got, err := m.GetOrInitContext(context.Background(), "k", nil)
	require.NoError(t, err)
	assert.Same(t, v, got)
}

func TestMap_GetOrLoad(t *testing.T) {
	t.Parallel()

	_, err := New[string, string](Options[string, string]{}).GetOrLoad(context.Background(), "k")
	require.ErrorIs(t, err, ErrNoLoader)

	var calls atomic.Int64
	m := New[string, string](Options[string, string]{
		Loader: func(_ context.Context, k string) (string, error) {
			calls.Add(1)
			time.Sleep(5 * time.Millisecond) // simulate I/O
			return "v:" + k, nil
		},
	})

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := m.GetOrLoad(ctx, "k")
			if err != nil {
				return err
			}
			if *v != "v:k" {
				return fmt.Errorf("got %q", *v)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), calls.Load(), "loader must run exactly once")
}

func TestMap_ShardCountFixed(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 8, New[int, int](Options[int, int]{Shards: 5}).Shards())
	assert.Equal(t, 1, New[int, int](Options[int, int]{Shards: 1}).Shards())

	var zero Map[int, int]
	n := zero.Shards()
	assert.Positive(t, n)
	zero.GetOrInit(1, func() int { return 1 })
	assert.Equal(t, n, zero.Shards())
}

type point struct{ x, y int }

// Struct keys without a known fast path hash through maphash.
func TestMap_ArbitraryComparableKeys(t *testing.T) {
	t.Parallel()

	m := New[point, string](Options[point, string]{})
	a := m.GetOrInit(point{1, 2}, func() string { return "a" })
	b := m.GetOrInit(point{1, 2}, func() string { return "b" })
	assert.Same(t, a, b)
	assert.Equal(t, "a", *b)
}

type node struct{ n int }

func (nd *node) String() string { return fmt.Sprintf("node-%d", nd.n) }

// Pointer keys compare by identity, so mutating what String() reports
// must not move the key to another slot.
func TestMap_MutablePointerStringerKey(t *testing.T) {
	t.Parallel()

	m := New[*node, int](Options[*node, int]{Shards: 64})
	var calls atomic.Int64
	fn := func() int { return int(calls.Add(1)) }

	k := &node{n: 1}
	a := m.GetOrInit(k, fn)
	for i := 2; i < 50; i++ {
		k.n = i
		assert.Same(t, a, m.GetOrInit(k, fn))
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, m.Len())
}

func TestMap_CustomHasher(t *testing.T) {
	t.Parallel()

	var hashed atomic.Int64
	m := New[int, int](Options[int, int]{
		Shards: 4,
		Hasher: func(k int) uint64 {
			hashed.Add(1)
			return uint64(k)
		},
	})
	m.GetOrInit(3, func() int { return 3 })
	m.Get(3)
	assert.Equal(t, int64(2), hashed.Load())
}

func TestMap_MetricsAndLogging(t *testing.T) {
	t.Parallel()

	rec := &recMetrics{}
	clk := &fakeClock{}
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{mu: &mu, w: &buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := New[string, int](Options[string, int]{Metrics: rec, Logger: logger, Clock: clk})

	m.GetOrInit("a", func() int {
		clk.add(30 * time.Millisecond)
		return 1
	})
	m.GetOrInit("a", func() int { return 2 })
	_, _ = m.GetOrTryInit("b", func() (int, error) { return 0, errors.New("nope") })

	assert.Equal(t, int64(2), rec.misses.Load())
	assert.Equal(t, int64(1), rec.hits.Load())
	assert.Equal(t, int64(2), rec.inits.Load())
	assert.Equal(t, int64(1), rec.failed.Load())
	assert.Equal(t, int64(2), rec.lastSize.Load())
	assert.Equal(t, int64(0), rec.lastDur.Load(), "b's initializer did not advance the clock")

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.Contains(t, out, `"msg":"oncemap: initialized"`)
	assert.Contains(t, out, `"duration":30000000`)
	assert.Contains(t, out, `"msg":"oncemap: initializer failed"`)
	assert.Contains(t, out, `"key":"b"`)
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// The size gauge ends at the final entry count even when inserts race.
func TestMap_SizeReportsFinalCount(t *testing.T) {
	t.Parallel()

	rec := &recMetrics{}
	m := New[int, int](Options[int, int]{Metrics: rec})
	const keys = 500

	var g errgroup.Group
	for i := 0; i < keys; i++ {
		g.Go(func() error {
			m.GetOrInit(i, func() int { return i })
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, keys, m.Len())
	assert.Equal(t, int64(keys), rec.lastSize.Load())
}
