package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nilDeref(ctx context.Context) error {
	var x *int
	*x = 5
	return nil
}

func TestRunWithScissorsRecoversPanic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errC := make(chan error)
	RunWithScissors(ctx, errC, "epoch_7_ingress", nilDeref)

	select {
	case err := <-errC:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "epoch_7_ingress")
		assert.Contains(t, err.Error(), "nil pointer dereference")
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestRunWithScissorsForwardsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sentinel := errors.New("stream closed")
	errC := make(chan error)
	RunWithScissors(ctx, errC, "chunker", func(ctx context.Context) error { return sentinel })

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, sentinel)
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestRunWithScissorsNilResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errC := make(chan error)
	RunWithScissors(ctx, errC, "ok", func(ctx context.Context) error { return nil })

	select {
	case err := <-errC:
		t.Fatalf("unexpected error %v", err)
	case <-ctx.Done():
	}
}

func TestWrapWithScissors(t *testing.T) {
	err := WrapWithScissors("wrapped", func(ctx context.Context) error {
		panic(errors.New("bad block"))
	})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad block")
}
