package retrier

import (
	"container/heap"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/ef-ds/deque"
)

// entry is one index in the engine's working set. Queues hold pointers to
// entries; an entry that is no longer in the working set, or is in flight,
// is skipped when popped.
type entry[T any] struct {
	index      uint64
	attempts   uint32
	block      *chain.Block[T]
	nextTry    time.Time
	inFlight   bool
	historical bool

	// stale is set when the index was invalidated while an attempt was in
	// flight. The attempt's result is discarded.
	stale bool
	// requeue is set when a stale index was admitted again before its
	// attempt returned.
	requeue bool
	// evicted is set when the epoch ended below the index while an attempt
	// was in flight. The result is recorded but not retried.
	evicted bool
}

// backoffQueue orders entries by their next attempt time.
type backoffQueue[T any] []*entry[T]

func (q backoffQueue[T]) Len() int            { return len(q) }
func (q backoffQueue[T]) Less(i, j int) bool  { return q[i].nextTry.Before(q[j].nextTry) }
func (q backoffQueue[T]) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *backoffQueue[T]) Push(x interface{}) { *q = append(*q, x.(*entry[T])) }
func (q *backoffQueue[T]) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (q *backoffQueue[T]) push(e *entry[T]) { heap.Push(q, e) }
func (q *backoffQueue[T]) pop() *entry[T]   { return heap.Pop(q).(*entry[T]) }
func (q backoffQueue[T]) peek() *entry[T]   { return q[0] }

// span is an inclusive range of indices waiting for historical backfill.
type span struct {
	from, to uint64
}

// spanQueue is a FIFO of index ranges. Ranges are expanded one index at a
// time so that large backfills do not allocate per index up front.
type spanQueue struct {
	q deque.Deque
	n uint64
}

func (s *spanQueue) push(from, to uint64) {
	if from > to {
		return
	}
	s.n += to - from + 1
	if v, ok := s.q.Back(); ok {
		if last := v.(*span); last.to+1 == from {
			last.to = to
			return
		}
	}
	s.q.PushBack(&span{from: from, to: to})
}

func (s *spanQueue) empty() bool {
	return s.q.Len() == 0
}

func (s *spanQueue) pop() (uint64, bool) {
	v, ok := s.q.Front()
	if !ok {
		return 0, false
	}
	sp := v.(*span)
	idx := sp.from
	s.n--
	if sp.from == sp.to {
		s.q.PopFront()
	} else {
		sp.from++
	}
	return idx, true
}

// truncate drops every queued index >= from.
func (s *spanQueue) truncate(from uint64) {
	for {
		v, ok := s.q.Back()
		if !ok {
			return
		}
		sp := v.(*span)
		switch {
		case sp.from >= from:
			s.n -= sp.to - sp.from + 1
			s.q.PopBack()
		case sp.to >= from:
			s.n -= sp.to - from + 1
			sp.to = from - 1
			return
		default:
			return
		}
	}
}

func (s *spanQueue) size() uint64 {
	return s.n
}

const (
	queueBackoff = iota
	queueHistorical
	numQueues
)

// wrr is a smooth weighted round-robin over the retry queues that share
// the capacity left over by new indices.
type wrr struct {
	weights [numQueues]int
	current [numQueues]int
}

func newWRR(backoffWeight, historicalWeight int) *wrr {
	w := &wrr{}
	w.weights[queueBackoff] = backoffWeight
	w.weights[queueHistorical] = historicalWeight
	for i := range w.weights {
		if w.weights[i] <= 0 {
			w.weights[i] = 1
		}
	}
	return w
}

// pick returns the queue to serve next among the eligible ones, or -1.
func (w *wrr) pick(eligible [numQueues]bool) int {
	total := 0
	best := -1
	for i := range w.weights {
		if !eligible[i] {
			continue
		}
		w.current[i] += w.weights[i]
		total += w.weights[i]
		if best < 0 || w.current[i] > w.current[best] {
			best = i
		}
	}
	if best >= 0 {
		w.current[best] -= total
	}
	return best
}
