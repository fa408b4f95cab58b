package epochs

import (
	"fmt"
	"sync"
)

type State int

const (
	StateCurrent State = iota
	StateEnded
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateCurrent:
		return "current"
	case StateEnded:
		return "ended"
	case StateInactive:
		return "inactive"
	}
	return "unknown"
}

// Bounds is a point-in-time view of an epoch.
type Bounds struct {
	ID    uint32  `json:"id"`
	Start uint64  `json:"start"`
	End   *uint64 `json:"end,omitempty"`
	State string  `json:"state"`
}

// signals are shared by every consumer of an epoch. end is written before
// ended is closed.
type signals struct {
	end      uint64
	ended    chan struct{}
	inactive chan struct{}
}

func newSignals() *signals {
	return &signals{
		ended:    make(chan struct{}),
		inactive: make(chan struct{}),
	}
}

// Epoch is one consumer's registration for an epoch. The consumer must call
// exactly one of Ack or Abandon; further calls are ignored.
type Epoch struct {
	ID    uint32
	Start uint64

	consumer string
	gen      uint64
	sig      *signals
	m        *Monitor
	once     sync.Once
}

// End returns the last index of the epoch once it is known.
func (e *Epoch) End() (uint64, bool) {
	select {
	case <-e.sig.ended:
		return e.sig.end, true
	default:
		return 0, false
	}
}

// Ended is closed once the epoch's end index is known.
func (e *Epoch) Ended() <-chan struct{} {
	return e.sig.ended
}

// Inactive is closed once every registered consumer has acknowledged the epoch.
func (e *Epoch) Inactive() <-chan struct{} {
	return e.sig.inactive
}

// Contains reports whether index lies within the epoch's known bounds.
func (e *Epoch) Contains(index uint64) bool {
	if index < e.Start {
		return false
	}
	end, ok := e.End()
	return !ok || index <= end
}

// Ack reports that the consumer has completely processed the epoch.
func (e *Epoch) Ack() {
	e.resolve(true)
}

// Abandon releases the registration without completing the epoch. The epoch
// cannot become inactive until the same consumer registers again and
// acknowledges.
func (e *Epoch) Abandon() {
	e.resolve(false)
}

func (e *Epoch) resolve(ack bool) {
	e.once.Do(func() {
		e.m.send(resolveReq{id: e.ID, consumer: e.consumer, gen: e.gen, ack: ack})
	})
}

func (e *Epoch) String() string {
	if end, ok := e.End(); ok {
		return fmt.Sprintf("epoch %d [%d, %d]", e.ID, e.Start, end)
	}
	return fmt.Sprintf("epoch %d [%d, ...)", e.ID, e.Start)
}
