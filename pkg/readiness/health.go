// Package readiness implements a minimal health-checking mechanism for use as k8s readiness probes. A component
// stays ready once it has become ready for the first time; this is not meant for monitoring.
//
// Components register in a Registry. Default is shared by the whole process, separate registries are used by tests.
package readiness

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

type Component string

// ChainSyncing is ready once the pipeline of the given chain has released its first safe block.
func ChainSyncing(chainID string) Component {
	return Component(fmt.Sprintf("chainSyncing:%s", chainID))
}

const (
	StorageOpen     Component = "storageOpen"
	EpochsRestored  Component = "epochsRestored"
	SubmitterOnline Component = "submitterOnline"
)

type Registry struct {
	mu         sync.Mutex
	components map[Component]bool
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[Component]bool)}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// RegisterComponent registers the given component such that it is required to be ready for the check to succeed.
// Registering a component twice is a no-op.
func (r *Registry) RegisterComponent(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[c]; ok {
		return
	}
	r.components[c] = false
}

// SetReady marks the component ready. Unregistered components are registered implicitly.
func (r *Registry) SetReady(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c] = true
}

// Ready reports whether all registered components are ready.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.components {
		if !v {
			return false
		}
	}
	return true
}

// Handler returns 200 OK if all components are ready, or 412 Precondition Failed otherwise. For operator
// convenience, a list of components and their states is returned as plain text (not meant for machine consumption!).
func (r *Registry) Handler(w http.ResponseWriter, _ *http.Request) {
	resp := new(bytes.Buffer)
	_, _ = resp.WriteString("[not suitable for monitoring - do not parse]\n\n")

	r.mu.Lock()
	names := make([]string, 0, len(r.components))
	for c := range r.components {
		names = append(names, string(c))
	}
	sort.Strings(names)
	ready := true
	for _, n := range names {
		v := r.components[Component(n)]
		_, _ = fmt.Fprintf(resp, "%s\t%v\n", n, v)
		if !v {
			ready = false
		}
	}
	r.mu.Unlock()

	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusPreconditionFailed)
	}
	_, _ = resp.WriteTo(w)
}

func RegisterComponent(c Component) { Default.RegisterComponent(c) }

func SetReady(c Component) { Default.SetReady(c) }
