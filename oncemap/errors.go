package oncemap

import (
	"errors"
	"fmt"
)

var (
	// ErrInitFailed matches (via errors.Is) every error returned for a key
	// whose initializer failed.
	ErrInitFailed = errors.New("oncemap: initializer failed")

	// ErrInitializing is returned by TryInit when another goroutine is
	// currently running the initializer for the key.
	ErrInitializing = errors.New("oncemap: key is being initialized")

	// ErrNoLoader is returned by GetOrLoad when Options.Loader is nil.
	ErrNoLoader = errors.New("oncemap: no Loader provided")
)

// InitError is the failure stored in a poisoned slot. The same *InitError
// is handed to the initializing caller and to every waiter on that key.
type InitError struct {
	Key any
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("oncemap: initializer for key %v failed: %v", e.Key, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Is reports ErrInitFailed as a match so callers need not know the cause.
func (e *InitError) Is(target error) bool { return target == ErrInitFailed }

// PanicError wraps a value recovered from a panicking initializer.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in initializer: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
