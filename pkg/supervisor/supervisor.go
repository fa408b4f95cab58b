// Package supervisor implements a small supervision tree for the long-running
// parts of witnessd.
//
// Every unit of work is a Runnable. A Runnable may spawn children with Run or
// RunGroup, signal that it is healthy or done, and obtain a logger scoped to
// its position in the tree. When a Runnable returns an error (or panics) it is
// restarted together with the other members of its group after an exponential
// backoff. Children are always cancelled when their parent dies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// A Runnable is a function that will be run in a goroutine and supervised.
// It must return promptly once its context is cancelled.
type Runnable func(ctx context.Context) error

type SignalType int

const (
	// SignalHealthy is signalled by a runnable once it has finished
	// initialization. It resets the restart backoff of the runnable.
	SignalHealthy SignalType = iota
	// SignalDone is signalled by a runnable that finished its work and does
	// not want to be restarted when it returns nil.
	SignalDone
)

// ErrNotSupervised is returned when a tree operation is attempted on a
// context that does not belong to a supervised runnable.
var ErrNotSupervised = errors.New("context is not owned by a supervised runnable")

type supervisor struct {
	logger         *zap.Logger
	propagatePanic bool
	minBackoff     time.Duration
	maxBackoff     time.Duration
}

// SupervisorOpt configures the supervisor created by New.
type SupervisorOpt func(s *supervisor)

// WithPropagatePanic disables panic recovery so that a panicking runnable
// crashes the process. Useful in tests and when debugging.
var WithPropagatePanic = func(s *supervisor) {
	s.propagatePanic = true
}

// WithBackoff overrides the restart backoff bounds.
func WithBackoff(minBackoff, maxBackoff time.Duration) SupervisorOpt {
	return func(s *supervisor) {
		s.minBackoff = minBackoff
		s.maxBackoff = maxBackoff
	}
}

// New creates a supervisor and starts the root runnable in it. The tree is
// torn down once ctx is cancelled.
func New(ctx context.Context, logger *zap.Logger, root Runnable, opts ...SupervisorOpt) {
	s := &supervisor{
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	g := newGroup(s, nil, map[string]Runnable{"root": root})
	go g.loop(ctx)
}

// Run starts a single named child runnable of the runnable owning ctx.
func Run(ctx context.Context, name string, runnable Runnable) error {
	return RunGroup(ctx, map[string]Runnable{name: runnable})
}

// RunGroup starts a set of child runnables that live and die together: if any
// member of the group fails, all members are cancelled and restarted.
func RunGroup(ctx context.Context, runnables map[string]Runnable) error {
	parent := fromContext(ctx)
	if parent == nil {
		return ErrNotSupervised
	}
	if len(runnables) == 0 {
		return fmt.Errorf("cannot run empty group")
	}

	parent.mu.Lock()
	for name := range runnables {
		if _, ok := parent.children[name]; ok {
			parent.mu.Unlock()
			return fmt.Errorf("child %q already exists in %s", name, parent.dn())
		}
	}
	g := newGroup(parent.sup, parent, runnables)
	for name, m := range g.members {
		parent.children[name] = m
	}
	parent.mu.Unlock()

	go g.loop(ctx)
	return nil
}

// Signal notifies the supervisor about the state of the runnable owning ctx.
func Signal(ctx context.Context, signal SignalType) {
	n := fromContext(ctx)
	if n == nil {
		panic(ErrNotSupervised)
	}
	n.signal(signal)
}

// Logger returns a logger named after the runnable owning ctx. Outside of the
// tree it returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	n := fromContext(ctx)
	if n == nil {
		return zap.NewNop()
	}
	return n.sup.logger.Named(n.dn())
}

type contextKey struct{}

func fromContext(ctx context.Context) *node {
	n, _ := ctx.Value(contextKey{}).(*node)
	return n
}
