package regularizer

import (
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
)

// Range is an inclusive range of block indices.
type Range struct {
	From uint64
	To   uint64
}

func (r Range) Contains(index uint64) bool {
	return index >= r.From && index <= r.To
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}

// Event is emitted by the Regularizer and the stages after it. Exactly one of
// Block and Invalidated is set.
type Event[T any] struct {
	// Block was appended to the canonical chain.
	Block *chain.Block[T]
	// Invalidated indices were previously confirmed and are no longer part of
	// the canonical chain. Replacement blocks follow as separate events.
	Invalidated *Range
}

func Confirmed[T any](b chain.Block[T]) Event[T] {
	return Event[T]{Block: &b}
}

func Invalidation[T any](from, to uint64) Event[T] {
	return Event[T]{Invalidated: &Range{From: from, To: to}}
}

func (e Event[T]) String() string {
	if e.Block != nil {
		return fmt.Sprintf("confirmed %s", e.Block)
	}
	if e.Invalidated != nil {
		return fmt.Sprintf("invalidated %s", e.Invalidated)
	}
	return "empty"
}
