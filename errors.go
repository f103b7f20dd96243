package kemu

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrWouldBlock is returned when a non-blocking operation (a NoWait
	// timeout) cannot complete immediately.
	ErrWouldBlock = errors.New("kemu: operation would block")

	// ErrTimedOut is returned when a blocking operation did not complete
	// before its deadline.
	ErrTimedOut = errors.New("kemu: timed out")

	// ErrInvalidArgument is returned for invalid parameters, uninitialised
	// objects, objects belonging to a previous scheduler session, and nodes
	// that are already linked into a queue.
	ErrInvalidArgument = errors.New("kemu: invalid argument")

	// ErrNotOwner is returned when unlocking a mutex the caller does not hold.
	ErrNotOwner = errors.New("kemu: not owner")

	// ErrAlready may be returned by a startup enable function, to indicate the
	// stack was already enabled.
	ErrAlready = errors.New("kemu: already enabled")

	// ErrClosed is returned by Host operations after Close.
	ErrClosed = errors.New("kemu: host closed")
)

// PanicError wraps a value recovered from a panicking handler or callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("kemu: panic: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
