// Package chain defines the uniform view witnessd has of an external chain:
// blocks addressed by a monotonically increasing index, linked by parent
// hashes, carrying chain specific data.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

type (
	// ID identifies an external chain, e.g. "ethereum".
	ID string

	// Category names a kind of witnessing performed on a chain, e.g. "ingress".
	// Retry state is kept separately per category.
	Category string

	Hash = ethCommon.Hash
)

// Block is one element of a chain's data stream.
type Block[T any] struct {
	Index      uint64
	Hash       Hash
	ParentHash Hash
	Data       T
}

func (b Block[T]) String() string {
	return fmt.Sprintf("%d (%s)", b.Index, b.Hash.Hex())
}

// Source is the access layer to one external chain.
//
// DataAtIndex must be safe for concurrent use. It returns ErrNotFound (wrapped)
// for indices beyond the current head and a TransientError for failures that
// are worth retrying.
//
// SubscribeBlocks streams blocks starting at from (or at the head if from is
// nil). The stream is allowed to skip, repeat or reorder indices; consumers
// must not rely on it being well formed.
type Source[T any] interface {
	DataAtIndex(ctx context.Context, index uint64) (Block[T], error)
	SubscribeBlocks(ctx context.Context, from *uint64, sink chan<- Block[T]) (ethereum.Subscription, error)
}

// FinalitySource publishes the highest index the chain considers final.
type FinalitySource interface {
	SubscribeFinalized(ctx context.Context, sink chan<- uint64) (ethereum.Subscription, error)
}

// EndpointHealth describes one upstream RPC endpoint.
type EndpointHealth struct {
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	RetryAt             time.Time `json:"retryAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// HealthReporter is implemented by sources that talk to one or more endpoints.
type HealthReporter interface {
	EndpointHealth() []EndpointHealth
}
