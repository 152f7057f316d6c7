package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Worker loops absorb everything below fatal at the tick boundary.
// Transient errors are retried with backoff, data errors skip the
// record, fatal errors stop the loop.

var (
	// ErrCursorConflict means another instance advanced the same cursor
	// concurrently. Running two copies of one worker is unsupported, so
	// the loop surfaces this as fatal.
	ErrCursorConflict = errors.New("cursor position changed by another writer")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type dataError struct{ err error }

func (e *dataError) Error() string { return e.err.Error() }
func (e *dataError) Unwrap() error { return e.err }

// Transient marks an error as retryable (network, timeout, rate limit).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Data marks a malformed upstream record. The record is skipped and
// the batch proceeds.
func Data(err error) error {
	if err == nil {
		return nil
	}
	return &dataError{err: err}
}

func Dataf(format string, args ...any) error {
	return &dataError{err: fmt.Errorf(format, args...)}
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsData(err error) bool {
	var de *dataError
	return errors.As(err, &de)
}
