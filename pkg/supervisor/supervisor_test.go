package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTimeout = 5 * time.Second

var fastBackoff = WithBackoff(time.Millisecond, 10*time.Millisecond)

func waitFor(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRunnableBecomesHealthy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthy := make(chan struct{})
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		Signal(ctx, SignalHealthy)
		close(healthy)
		<-ctx.Done()
		return ctx.Err()
	}, fastBackoff)

	waitFor(t, healthy, "root healthy")
}

func TestFailingRunnableIsRestarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	third := make(chan struct{})
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		return Run(ctx, "flaky", func(ctx context.Context) error {
			n := starts.Add(1)
			if n < 3 {
				return errors.New("rpc connection reset")
			}
			if n == 3 {
				close(third)
			}
			Signal(ctx, SignalHealthy)
			<-ctx.Done()
			return ctx.Err()
		})
	}, fastBackoff)

	waitFor(t, third, "third start")
	assert.Equal(t, int32(3), starts.Load())
}

func TestPanicIsContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	recovered := make(chan struct{})
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		if starts.Add(1) == 1 {
			panic("boom")
		}
		close(recovered)
		<-ctx.Done()
		return ctx.Err()
	}, fastBackoff)

	waitFor(t, recovered, "restart after panic")
}

func TestDoneRunnableIsNotRestarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	started := make(chan struct{}, 10)
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		if err := Run(ctx, "oneshot", func(ctx context.Context) error {
			starts.Add(1)
			started <- struct{}{}
			Signal(ctx, SignalDone)
			return nil
		}); err != nil {
			return err
		}
		Signal(ctx, SignalHealthy)
		<-ctx.Done()
		return ctx.Err()
	}, fastBackoff)

	waitFor(t, started, "oneshot")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())
}

func TestGroupMembersRestartTogether(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stableStarts, flakyStarts atomic.Int32
	restarted := make(chan struct{})
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		return RunGroup(ctx, map[string]Runnable{
			"stable": func(ctx context.Context) error {
				if stableStarts.Add(1) == 2 {
					close(restarted)
				}
				Signal(ctx, SignalHealthy)
				<-ctx.Done()
				return ctx.Err()
			},
			"flaky": func(ctx context.Context) error {
				if flakyStarts.Add(1) == 1 {
					return errors.New("died")
				}
				Signal(ctx, SignalHealthy)
				<-ctx.Done()
				return ctx.Err()
			},
		})
	}, fastBackoff)

	waitFor(t, restarted, "sibling restart")
}

func TestChildrenCancelledWithParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var parentStarts atomic.Int32
	childCancelled := make(chan struct{})
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		first := parentStarts.Add(1) == 1
		err := Run(ctx, "child", func(ctx context.Context) error {
			<-ctx.Done()
			if first {
				close(childCancelled)
			}
			return ctx.Err()
		})
		if err != nil {
			return err
		}
		if first {
			return errors.New("parent died")
		}
		<-ctx.Done()
		return ctx.Err()
	}, fastBackoff)

	waitFor(t, childCancelled, "child cancellation")
}

func TestRunOutsideTree(t *testing.T) {
	err := Run(context.Background(), "orphan", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrNotSupervised)
	assert.NotNil(t, Logger(context.Background()))
}

func TestDuplicateChildName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errC := make(chan error, 1)
	New(ctx, zap.NewNop(), func(ctx context.Context) error {
		block := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
		if err := Run(ctx, "watcher", block); err != nil {
			return err
		}
		errC <- Run(ctx, "watcher", block)
		Signal(ctx, SignalHealthy)
		<-ctx.Done()
		return ctx.Err()
	}, fastBackoff)

	select {
	case err := <-errC:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timed out")
	}
}
