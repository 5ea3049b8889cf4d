package oncemap

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
)

var errGoexit = errors.New("runtime.Goexit called in initializer")

// slotState is the per-key lifecycle tag.
//
//	empty -> initializing -> ready
//	                      \-> poisoned
//
// Transitions are monotonic; ready and poisoned are terminal.
type slotState uint32

const (
	stateEmpty slotState = iota
	stateInitializing
	stateReady
	statePoisoned
)

func (s slotState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case statePoisoned:
		return "poisoned"
	}
	return "unknown"
}

// slot holds one key's value. A slot is heap-allocated once and never
// moved, so &slot.val stays valid for as long as the owning Map is
// reachable.
//
// Publication protocol:
//   - The owner writes val (or err) and only then stores the terminal
//     state. Any goroutine that loads a terminal state observes the
//     completed write (sync/atomic gives store/load happens-before).
//   - done is closed after the terminal store, releasing parked waiters.
//   - val and err are never written again after publication.
type slot[V any] struct {
	state atomic.Uint32
	done  chan struct{}

	val V
	err *InitError
}

func newSlot[V any]() *slot[V] {
	return &slot[V]{done: make(chan struct{})}
}

func (s *slot[V]) load() slotState { return slotState(s.state.Load()) }

// claim moves the slot from empty to initializing. Only one caller can win.
func (s *slot[V]) claim() bool {
	return s.state.CompareAndSwap(uint32(stateEmpty), uint32(stateInitializing))
}

// value returns the published value, or nil if the slot is not ready.
func (s *slot[V]) value() *V {
	if s.load() == stateReady {
		return &s.val
	}
	return nil
}

// failure returns the stored error of a poisoned slot, or nil.
func (s *slot[V]) failure() *InitError {
	if s.load() == statePoisoned {
		return s.err
	}
	return nil
}

// run executes fn as the slot's sole initializer. The caller must have
// won claim. A returned error, a panic or runtime.Goexit in fn poisons the
// slot, so waiters are always released.
func (s *slot[V]) run(key any, fn func() (V, error)) (v *V, err error) {
	if s.load() != stateInitializing {
		panic("oncemap: run on unclaimed slot")
	}
	returned := false
	defer func() {
		if returned {
			return
		}
		cause := errGoexit
		if r := recover(); r != nil {
			cause = &PanicError{Value: r, Stack: debug.Stack()}
		}
		v, err = nil, s.poison(key, cause)
	}()

	val, ferr := fn()
	returned = true
	if ferr != nil {
		return nil, s.poison(key, ferr)
	}
	s.val = val
	s.state.Store(uint32(stateReady))
	close(s.done)
	return &s.val, nil
}

func (s *slot[V]) poison(key any, cause error) *InitError {
	s.err = &InitError{Key: key, Err: cause}
	s.state.Store(uint32(statePoisoned))
	close(s.done)
	return s.err
}

// settled reports whether the slot reached a terminal state.
func (s *slot[V]) settled() bool {
	st := s.load()
	return st == stateReady || st == statePoisoned
}

// wait parks until the slot reaches a terminal state or ctx is done.
// ctx only bounds this caller's wait; the initializer keeps running.
func (s *slot[V]) wait(ctx context.Context) (*V, error) {
	if !s.settled() {
		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.outcome()
}

// outcome returns the terminal result; (nil, nil) while initializing.
func (s *slot[V]) outcome() (*V, error) {
	switch s.load() {
	case stateReady:
		return &s.val, nil
	case statePoisoned:
		return nil, s.err
	}
	return nil, nil
}
