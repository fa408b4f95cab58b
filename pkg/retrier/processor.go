package retrier

import (
	"context"
	"errors"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
)

// Processor performs one attempt at processing a block. A nil error means
// success, an error wrapped with Permanent is never retried, and any other
// error is retried with backoff.
type Processor[T any] interface {
	Attempt(ctx context.Context, b chain.Block[T]) error
}

type ProcessorFunc[T any] func(ctx context.Context, b chain.Block[T]) error

func (f ProcessorFunc[T]) Attempt(ctx context.Context, b chain.Block[T]) error {
	return f(ctx, b)
}

// PermanentError marks a processing failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
