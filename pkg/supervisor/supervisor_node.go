package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type nodeState int

const (
	nodeStateNew nodeState = iota
	nodeStateHealthy
	nodeStateDone
	nodeStateDead
)

func (s nodeState) String() string {
	switch s {
	case nodeStateNew:
		return "NODE_STATE_NEW"
	case nodeStateHealthy:
		return "NODE_STATE_HEALTHY"
	case nodeStateDone:
		return "NODE_STATE_DONE"
	case nodeStateDead:
		return "NODE_STATE_DEAD"
	}
	return "UNKNOWN"
}

// node is one runnable in the tree. Its state and children are reset every
// time the group it belongs to is restarted.
type node struct {
	name     string
	runnable Runnable
	sup      *supervisor
	parent   *node

	mu       sync.Mutex
	state    nodeState
	children map[string]*node
}

func (n *node) dn() string {
	if n.parent == nil {
		return n.name
	}
	return fmt.Sprintf("%s.%s", n.parent.dn(), n.name)
}

func (n *node) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("%s (%s)", n.dn(), n.state)
}

func (n *node) signal(signal SignalType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch signal {
	case SignalHealthy:
		if n.state == nodeStateNew {
			n.state = nodeStateHealthy
		}
	case SignalDone:
		n.state = nodeStateDone
	}
}

func (n *node) getState() nodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *node) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = nodeStateNew
	n.children = make(map[string]*node)
}

// run executes the runnable once, converting panics into errors unless the
// supervisor propagates them.
func (n *node) run(ctx context.Context) (err error) {
	if !n.sup.propagatePanic {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v, stacktrace: %s", r, strings.ReplaceAll(string(debug.Stack()), "\n", " "))
			}
		}()
	}
	return n.runnable(context.WithValue(ctx, contextKey{}, n))
}

// group is a set of nodes sharing a lifecycle.
type group struct {
	sup     *supervisor
	parent  *node
	members map[string]*node
	bo      *backoff.ExponentialBackOff
}

func newGroup(sup *supervisor, parent *node, runnables map[string]Runnable) *group {
	g := &group{
		sup:     sup,
		parent:  parent,
		members: make(map[string]*node, len(runnables)),
	}
	for name, r := range runnables {
		g.members[name] = &node{
			name:     name,
			runnable: r,
			sup:      sup,
			parent:   parent,
			children: make(map[string]*node),
		}
	}

	g.bo = backoff.NewExponentialBackOff()
	g.bo.InitialInterval = sup.minBackoff
	g.bo.MaxInterval = sup.maxBackoff
	g.bo.MaxElapsedTime = 0
	return g
}

type memberResult struct {
	n   *node
	err error
}

// loop runs the group until all members are done or ctx is cancelled,
// restarting every member after any one of them dies.
func (g *group) loop(ctx context.Context) {
	for {
		healthy, finished := g.runOnce(ctx)
		if finished || ctx.Err() != nil {
			return
		}
		if healthy {
			g.bo.Reset()
		}

		wait := g.bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce starts all members and waits for them to exit. It reports whether
// every member had become healthy and whether the group finished cleanly.
func (g *group) runOnce(ctx context.Context) (healthy bool, finished bool) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resC := make(chan memberResult, len(g.members))
	for _, n := range g.members {
		n.reset()
		go func(n *node) {
			resC <- memberResult{n: n, err: n.run(gctx)}
		}(n)
	}

	healthy = true
	finished = true
	for remaining := len(g.members); remaining > 0; remaining-- {
		res := <-resC
		state := res.n.getState()
		if state == nodeStateNew {
			healthy = false
		}

		if res.err == nil && state == nodeStateDone {
			continue
		}

		finished = false
		if ctx.Err() == nil && gctx.Err() == nil {
			if res.err == nil {
				res.err = fmt.Errorf("returned nil without signalling done")
			}
			g.sup.logger.Error("runnable died",
				zap.String("dn", res.n.dn()),
				zap.Stringer("state", state),
				zap.Error(res.err))
		}
		res.n.mu.Lock()
		res.n.state = nodeStateDead
		res.n.mu.Unlock()
		cancel()
	}

	return healthy, finished
}
