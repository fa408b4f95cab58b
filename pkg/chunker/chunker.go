// Package chunker splits the released block stream of one chain into one
// bounded sub-stream per active epoch.
package chunker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/common"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/ef-ds/deque"
	"github.com/ethereum/go-ethereum/event"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	streamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "witnessd_chunker_streams_active",
			Help: "Number of open per-epoch streams",
		}, []string{"chain"})
	degradedBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_chunker_degraded_blocks_total",
			Help: "Total number of blocks replaced by a watermark because an epoch stream was full",
		}, []string{"chain"})
	replayedBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_chunker_replayed_blocks_total",
			Help: "Total number of cached blocks replayed into new epoch streams",
		}, []string{"chain"})
)

// Item is one element of an epoch stream. Exactly one field is set.
type Item[T any] struct {
	Block       *chain.Block[T]
	Invalidated *regularizer.Range
	// Watermark reports that every index up to and including it has been
	// released, even though the blocks themselves were not forwarded.
	Watermark *uint64
}

func (it Item[T]) String() string {
	switch {
	case it.Block != nil:
		return fmt.Sprintf("block %s", it.Block)
	case it.Invalidated != nil:
		return fmt.Sprintf("invalidated %s", it.Invalidated)
	case it.Watermark != nil:
		return fmt.Sprintf("watermark %d", *it.Watermark)
	}
	return "empty"
}

// Stream is the sub-stream of a single epoch. C is closed once the epoch
// becomes inactive or the chunker stops.
type Stream[T any] struct {
	Epoch *epochs.Epoch
	C     <-chan Item[T]
}

// Spawner consumes one epoch stream. It is started once per epoch and must
// Ack the epoch once it has processed every index of it.
type Spawner[T any] func(ctx context.Context, s *Stream[T]) error

// Subscriber is the part of the epoch monitor the chunker depends on.
type Subscriber interface {
	Subscribe(ctx context.Context, consumer string) (*epochs.Subscription, error)
}

type Options struct {
	// ReplaySize is the number of recently released blocks kept for epochs
	// that start behind the live stream.
	ReplaySize int
	// BufferSize bounds the number of items queued for a slow epoch
	// consumer. Blocks beyond it are replaced by watermarks.
	BufferSize int
}

var DefaultOptions = Options{
	ReplaySize: 1024,
	BufferSize: 4096,
}

type Chunker[T any] struct {
	logger   *zap.Logger
	chainID  chain.ID
	category chain.Category
	monitor  Subscriber
	opts     Options

	feed   event.Feed
	replay *lru.Cache
}

func New[T any](logger *zap.Logger, chainID chain.ID, category chain.Category, monitor Subscriber, opts Options) (*Chunker[T], error) {
	if opts.ReplaySize <= 0 {
		opts.ReplaySize = DefaultOptions.ReplaySize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions.BufferSize
	}
	replay, err := lru.New(opts.ReplaySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}
	return &Chunker[T]{
		logger:   logger.With(zap.String("chain", string(chainID))),
		chainID:  chainID,
		category: category,
		monitor:  monitor,
		opts:     opts,
		replay:   replay,
	}, nil
}

// consumer is the name the chunker registers with the epoch monitor. It is
// stable across restarts of the same chain and category.
func (c *Chunker[T]) consumer() string {
	return fmt.Sprintf("%s:%s", c.chainID, c.category)
}

// Run distributes released events from in to one stream per active epoch
// and starts spawn for each of them. It returns when ctx is done, when in is
// closed or when a spawned consumer fails, and only after every spawned
// consumer has returned.
func (c *Chunker[T]) Run(ctx context.Context, in <-chan regularizer.Event[T], spawn Spawner[T]) error {
	var streams sync.WaitGroup
	defer streams.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := c.monitor.Subscribe(ctx, c.consumer())
	if err != nil {
		return fmt.Errorf("failed to subscribe to epochs: %w", err)
	}
	defer sub.Close()

	errC := make(chan error, 1)
	epochC := make(chan *epochs.Epoch)

	for _, e := range sub.Snapshot {
		c.startEpoch(ctx, &streams, e, errC, spawn)
	}

	common.RunWithScissors(ctx, errC, "epoch_subscription", func(ctx context.Context) error {
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case epochC <- e:
			case <-ctx.Done():
				return nil
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errC:
			return err
		case e := <-epochC:
			c.startEpoch(ctx, &streams, e, errC, spawn)
		case ev, ok := <-in:
			if !ok {
				return fmt.Errorf("input stream closed")
			}
			c.publish(ev)
		}
	}
}

// publish is only called from the Run loop, which keeps it ordered with
// startEpoch: a new stream sees every block either through the replay or
// through the feed, never both.
func (c *Chunker[T]) publish(ev regularizer.Event[T]) {
	switch {
	case ev.Block != nil:
		c.replay.Add(ev.Block.Index, *ev.Block)
	case ev.Invalidated != nil:
		for _, k := range c.replay.Keys() {
			if idx := k.(uint64); ev.Invalidated.Contains(idx) {
				c.replay.Remove(k)
			}
		}
	}
	c.feed.Send(ev)
}

func (c *Chunker[T]) replayFrom(start uint64) []chain.Block[T] {
	var blocks []chain.Block[T]
	for _, k := range c.replay.Keys() {
		if k.(uint64) < start {
			continue
		}
		if v, ok := c.replay.Peek(k); ok {
			blocks = append(blocks, v.(chain.Block[T]))
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks
}

func (c *Chunker[T]) startEpoch(ctx context.Context, wg *sync.WaitGroup, e *epochs.Epoch, errC chan<- error, spawn Spawner[T]) {
	feedC := make(chan regularizer.Event[T], 16)
	feedSub := c.feed.Subscribe(feedC)
	replay := c.replayFrom(e.Start)
	replayedBlocks.WithLabelValues(string(c.chainID)).Add(float64(len(replay)))

	out := make(chan Item[T])
	f := &forwarder[T]{
		logger:     c.logger.With(zap.Uint32("epoch", e.ID)),
		chainID:    c.chainID,
		epoch:      e,
		bufferSize: c.opts.BufferSize,
	}
	for _, b := range replay {
		f.admit(regularizer.Confirmed(b))
	}

	c.logger.Info("starting epoch stream", zap.Stringer("epoch", e), zap.Int("replayed", len(replay)))
	streamsActive.WithLabelValues(string(c.chainID)).Inc()

	wg.Add(2)
	common.RunWithScissors(ctx, errC, fmt.Sprintf("forward_epoch_%d", e.ID), func(ctx context.Context) error {
		defer wg.Done()
		defer streamsActive.WithLabelValues(string(c.chainID)).Dec()
		defer feedSub.Unsubscribe()
		defer close(out)
		return f.run(ctx, feedC, out)
	})
	common.RunWithScissors(ctx, errC, fmt.Sprintf("epoch_%d", e.ID), func(ctx context.Context) error {
		defer wg.Done()
		return spawn(ctx, &Stream[T]{Epoch: e, C: out})
	})
}

// forwarder clips the shared feed to one epoch and buffers it for the
// epoch's consumer, so a slow consumer never blocks the feed.
type forwarder[T any] struct {
	logger     *zap.Logger
	chainID    chain.ID
	epoch      *epochs.Epoch
	bufferSize int

	buf       deque.Deque
	watermark *uint64
}

func (f *forwarder[T]) run(ctx context.Context, feedC <-chan regularizer.Event[T], out chan<- Item[T]) error {
	for {
		var sendC chan<- Item[T]
		var next Item[T]
		if v, ok := f.buf.Front(); ok {
			next = v.(Item[T])
			sendC = out
		}

		select {
		case <-ctx.Done():
			return nil
		case <-f.epoch.Inactive():
			f.logger.Info("epoch inactive, closing stream", zap.Int("dropped", f.buf.Len()))
			return nil
		case ev := <-feedC:
			f.admit(ev)
		case sendC <- next:
			f.buf.PopFront()
		}
	}
}

func (f *forwarder[T]) admit(ev regularizer.Event[T]) {
	end, ended := f.epoch.End()

	switch {
	case ev.Block != nil:
		idx := ev.Block.Index
		if idx < f.epoch.Start {
			return
		}
		if ended && idx > end {
			f.pushWatermark(end)
			return
		}
		if f.buf.Len() >= f.bufferSize {
			degradedBlocks.WithLabelValues(string(f.chainID)).Inc()
			f.pushWatermark(idx)
			return
		}
		f.buf.PushBack(Item[T]{Block: ev.Block})

	case ev.Invalidated != nil:
		r := *ev.Invalidated
		if r.To < f.epoch.Start || (ended && r.From > end) {
			return
		}
		if r.From < f.epoch.Start {
			r.From = f.epoch.Start
		}
		if ended && r.To > end {
			r.To = end
		}
		if f.watermark != nil && *f.watermark >= r.From {
			if r.From == 0 {
				f.watermark = nil
			} else {
				wm := r.From - 1
				f.watermark = &wm
			}
		}
		f.buf.PushBack(Item[T]{Invalidated: &r})
	}
}

// pushWatermark queues a watermark unless an equal or higher one is already
// queued. A watermark at the back of the buffer is raised in place.
func (f *forwarder[T]) pushWatermark(idx uint64) {
	if f.watermark != nil && *f.watermark >= idx {
		return
	}
	wm := idx
	f.watermark = &wm
	if v, ok := f.buf.Back(); ok {
		if it := v.(Item[T]); it.Watermark != nil {
			f.buf.PopBack()
		}
	}
	f.buf.PushBack(Item[T]{Watermark: &wm})
}
