package chain

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested index is beyond the chain head.
var ErrNotFound = errors.New("index not found")

// TransientError wraps failures of the access layer that are expected to go
// away (timeouts, connection resets, rate limits).
type TransientError struct {
	Op    string
	Index uint64
	Err   error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient error during %s of %d: %v", e.Op, e.Index, e.Err)
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(op string, index uint64, err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Op: op, Index: index, Err: err}
}

func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFound returns an ErrNotFound for the given index.
func NotFound(index uint64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, index)
}
