package epochs

import (
	"context"
	"sync"
)

// Subscription delivers every epoch that starts after it was created.
// Snapshot holds the epochs that were active at subscription time.
type Subscription struct {
	Snapshot []*Epoch

	m        *Monitor
	consumer string
	gen      uint64
	notify   chan struct{}

	mu      sync.Mutex
	queue   []*Epoch
	handles []*Epoch

	closeOnce sync.Once
	closed    chan struct{}
}

func newSubscription(m *Monitor, consumer string, gen uint64) *Subscription {
	return &Subscription{
		m:        m,
		consumer: consumer,
		gen:      gen,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// deliver is called by the monitor goroutine and never blocks.
func (s *Subscription) deliver(e *Epoch) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) track(e *Epoch) {
	s.mu.Lock()
	s.handles = append(s.handles, e)
	s.mu.Unlock()
}

// Next blocks until a new epoch starts.
func (s *Subscription) Next(ctx context.Context) (*Epoch, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrSubscriptionClosed
		case <-s.m.done:
			return nil, ErrMonitorStopped
		}
	}
}

// Close abandons every epoch handed out by this subscription that was not
// acknowledged and stops further deliveries.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.m.send(unsubscribeReq{sub: s})
		s.mu.Lock()
		handles := s.handles
		s.handles = nil
		s.mu.Unlock()
		for _, e := range handles {
			e.Abandon()
		}
	})
}
