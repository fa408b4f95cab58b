package retrier

import (
	"sync"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
)

type leaseKey struct {
	category chain.Category
	index    uint64
}

// Leases guards against two engines of the same chain attempting the same
// index concurrently, which can happen around an epoch boundary.
type Leases struct {
	mu   sync.Mutex
	held map[leaseKey]struct{}
}

func NewLeases() *Leases {
	return &Leases{held: make(map[leaseKey]struct{})}
}

func (l *Leases) TryAcquire(category chain.Category, index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := leaseKey{category, index}
	if _, ok := l.held[k]; ok {
		return false
	}
	l.held[k] = struct{}{}
	return true
}

func (l *Leases) Release(category chain.Category, index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, leaseKey{category, index})
}
