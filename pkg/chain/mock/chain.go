// Package mock provides an in-memory chain with controllable reorgs for
// exercising pipeline components without an RPC node.
package mock

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

type Block = chain.Block[string]

// Chain holds a canonical sequence of blocks starting at a base index.
// Fetches are served from the canonical sequence, the stream only carries
// what the test emits explicitly.
type Chain struct {
	mu        sync.Mutex
	base      uint64
	blocks    []Block
	fork      int
	fetchErrs map[uint64][]error
	fetches   map[uint64]int
	feed      event.Feed
	finalFeed event.Feed
}

// NewChain creates a chain with n blocks starting at base.
func NewChain(base uint64, n int) *Chain {
	c := &Chain{
		base:      base,
		fetchErrs: make(map[uint64][]error),
		fetches:   make(map[uint64]int),
	}
	c.extend(n)
	return c
}

func makeHash(parent chain.Hash, index uint64, fork int) chain.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], index)
	binary.BigEndian.PutUint64(buf[8:], uint64(fork))
	return crypto.Keccak256Hash(parent.Bytes(), buf[:])
}

func (c *Chain) extend(n int) []Block {
	out := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		var parent chain.Hash
		index := c.base
		if len(c.blocks) > 0 {
			last := c.blocks[len(c.blocks)-1]
			parent = last.Hash
			index = last.Index + 1
		}
		b := Block{
			Index:      index,
			Hash:       makeHash(parent, index, c.fork),
			ParentHash: parent,
			Data:       fmt.Sprintf("%d/%d", index, c.fork),
		}
		c.blocks = append(c.blocks, b)
		out = append(out, b)
	}
	return out
}

// Append extends the canonical chain by n blocks and returns them.
func (c *Chain) Append(n int) []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extend(n)
}

// Reorg replaces the last depth blocks with a new fork of length n and
// returns the new blocks.
func (c *Chain) Reorg(depth int, n int) []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth > len(c.blocks)-1 {
		depth = len(c.blocks) - 1
	}
	c.blocks = c.blocks[:len(c.blocks)-depth]
	c.fork++
	return c.extend(n)
}

// Blocks returns the canonical blocks in [from, to].
func (c *Chain) Blocks(from, to uint64) []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Block
	for _, b := range c.blocks {
		if b.Index >= from && b.Index <= to {
			out = append(out, b)
		}
	}
	return out
}

// Block returns the canonical block at index.
func (c *Chain) Block(index uint64) (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockLocked(index)
}

func (c *Chain) blockLocked(index uint64) (Block, bool) {
	if index < c.base || index-c.base >= uint64(len(c.blocks)) {
		return Block{}, false
	}
	return c.blocks[index-c.base], true
}

func (c *Chain) Head() Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1]
}

// FailFetch makes the next DataAtIndex calls for index return errs in order.
func (c *Chain) FailFetch(index uint64, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErrs[index] = append(c.fetchErrs[index], errs...)
}

// Fetches returns how many times index was fetched.
func (c *Chain) Fetches(index uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches[index]
}

// Emit publishes blocks on the stream, blocking until every subscriber has
// received them or ctx is done.
func (c *Chain) Emit(ctx context.Context, blocks ...Block) error {
	for _, b := range blocks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.feed.Send(b)
	}
	return nil
}

// Finalize publishes a finalized index.
func (c *Chain) Finalize(index uint64) {
	c.finalFeed.Send(index)
}

func (c *Chain) DataAtIndex(_ context.Context, index uint64) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches[index]++
	if q := c.fetchErrs[index]; len(q) > 0 {
		c.fetchErrs[index] = q[1:]
		return Block{}, q[0]
	}
	b, ok := c.blockLocked(index)
	if !ok {
		return Block{}, chain.NotFound(index)
	}
	return b, nil
}

func (c *Chain) SubscribeBlocks(_ context.Context, _ *uint64, sink chan<- Block) (ethereum.Subscription, error) {
	return c.feed.Subscribe(sink), nil
}

func (c *Chain) SubscribeFinalized(_ context.Context, sink chan<- uint64) (ethereum.Subscription, error) {
	return c.finalFeed.Subscribe(sink), nil
}
