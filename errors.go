// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fibers

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrBatonTimedOut is returned by [Baton.WaitFor] and [Baton.WaitUntil] when
// the registered timeout fires before any post.
var ErrBatonTimedOut = errors.New("fibers: baton timed out")

// PanicError wraps a value recovered from a panicking task, finally sink or
// RunInMainContext thunk. The stack trace of the goroutine that panicked (the
// fiber goroutine for a task, the main context otherwise) is captured at
// recovery time.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("fibers: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] through the cause chain.
// If the panic value is not an error, returns nil.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Result carries the outcome of a task submitted via [AddTaskFinally]:
// either a value or the error (including a [PanicError] if the task
// panicked), never both.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok reports whether the task completed without error.
func (r Result[T]) Ok() bool { return r.Err == nil }

// Unwrap returns the value and error as an ordinary Go pair.
func (r Result[T]) Unwrap() (T, error) { return r.Value, r.Err }
