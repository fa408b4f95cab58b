// Package regularizer turns an unreliable block stream into a gap-free,
// hash-linked sequence of confirmations and invalidations.
package regularizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	reorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_regularizer_reorgs_total",
			Help: "Total number of reorgs detected, by whether they reached the window floor",
		}, []string{"chain", "deep"})
	blocksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_regularizer_dropped_blocks_total",
			Help: "Total number of stream blocks ignored by the regularizer",
		}, []string{"chain", "reason"})
)

// errChainMoved is returned when a parent fetched during a walk back does not
// match its child, i.e. the chain reorganized again while we were walking.
var errChainMoved = errors.New("chain reorganized during walk back")

type Config struct {
	// WindowSize is the number of recent (index, hash) pairs retained.
	WindowSize int
	// LookbackHorizon is how far below the incoming block the window is
	// rebuilt when a reorg reaches past the window floor or when the stream
	// jumps too far ahead to fill.
	LookbackHorizon uint64
}

func DefaultConfig() Config {
	return Config{WindowSize: 128, LookbackHorizon: 256}
}

type entry struct {
	index uint64
	hash  chain.Hash
}

// Regularizer owns the window. It is not safe for concurrent use; Run is the
// only caller of Process in production.
type Regularizer[T any] struct {
	logger  *zap.Logger
	chainID chain.ID
	source  chain.Source[T]
	cfg     Config
	window  []entry
}

func New[T any](logger *zap.Logger, chainID chain.ID, source chain.Source[T], cfg Config) *Regularizer[T] {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.LookbackHorizon == 0 {
		cfg.LookbackHorizon = uint64(cfg.WindowSize)
	}
	return &Regularizer[T]{
		logger:  logger.With(zap.String("chain", string(chainID))),
		chainID: chainID,
		source:  source,
		cfg:     cfg,
	}
}

// Run regularizes blocks from in until in is closed or ctx is done. Fetch
// failures only drop the offending block; the next block retries the repair.
func (r *Regularizer[T]) Run(ctx context.Context, in <-chan chain.Block[T], out chan<- Event[T]) error {
	emit := func(ev Event[T]) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.Process(ctx, b, emit); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				blocksDropped.WithLabelValues(string(r.chainID), "fetch_failed").Inc()
				r.logger.Warn("failed to regularize block, waiting for next one",
					zap.Stringer("block", b),
					zap.Error(err))
			}
		}
	}
}

// Process feeds a single stream block through the window, emitting the
// resulting events in order.
func (r *Regularizer[T]) Process(ctx context.Context, b chain.Block[T], emit func(Event[T]) error) error {
	if len(r.window) == 0 {
		r.push(b)
		return emit(Confirmed(b))
	}

	floor := r.window[0].index
	tip := r.tip()
	switch {
	case b.Index < floor:
		blocksDropped.WithLabelValues(string(r.chainID), "stale").Inc()
		return nil
	case b.Index <= tip && r.at(b.Index).hash == b.Hash:
		blocksDropped.WithLabelValues(string(r.chainID), "duplicate").Inc()
		return nil
	case b.Index > tip+1:
		return r.fillGap(ctx, b, emit)
	}
	return r.link(ctx, b, emit)
}

func (r *Regularizer[T]) tip() uint64 {
	return r.window[len(r.window)-1].index
}

// at returns the window entry for index. The caller guarantees floor <= index <= tip.
func (r *Regularizer[T]) at(index uint64) entry {
	return r.window[index-r.window[0].index]
}

func (r *Regularizer[T]) push(b chain.Block[T]) {
	r.window = append(r.window, entry{index: b.Index, hash: b.Hash})
	if len(r.window) > r.cfg.WindowSize {
		r.window = r.window[len(r.window)-r.cfg.WindowSize:]
	}
}

// truncate drops window entries >= from and emits their invalidation.
func (r *Regularizer[T]) truncate(from uint64, emit func(Event[T]) error) error {
	tip := r.tip()
	r.window = r.window[:from-r.window[0].index]
	return emit(Invalidation[T](from, tip))
}

func (r *Regularizer[T]) fillGap(ctx context.Context, b chain.Block[T], emit func(Event[T]) error) error {
	tip := r.tip()
	if b.Index-tip-1 > r.cfg.LookbackHorizon {
		r.logger.Warn("stream skipped ahead beyond the lookback horizon, re-anchoring",
			zap.Uint64("tip", tip),
			zap.Stringer("block", b))
		return r.rebuild(ctx, b, emit)
	}

	for i := tip + 1; i < b.Index; i++ {
		fb, err := r.source.DataAtIndex(ctx, i)
		if err != nil {
			return fmt.Errorf("failed to fill gap at %d: %w", i, err)
		}
		if err := r.Process(ctx, fb, emit); err != nil {
			return err
		}
	}
	return r.Process(ctx, b, emit)
}

// link appends b, which is at most one past the tip. If its parent is not
// the window entry below it, the fork point is searched by walking back.
func (r *Regularizer[T]) link(ctx context.Context, b chain.Block[T], emit func(Event[T]) error) error {
	floor := r.window[0].index
	if b.Index > floor && r.at(b.Index-1).hash == b.ParentHash {
		if b.Index <= r.tip() {
			reorgsDetected.WithLabelValues(string(r.chainID), "false").Inc()
			r.logger.Info("reorg detected", zap.Uint64("forkIndex", b.Index), zap.Uint64("tip", r.tip()))
			if err := r.truncate(b.Index, emit); err != nil {
				return err
			}
		}
		r.push(b)
		return emit(Confirmed(b))
	}

	segment := []chain.Block[T]{b}
	cur := b
	for {
		if cur.Index <= floor {
			return r.deepReorg(ctx, b, emit)
		}
		parentIdx := cur.Index - 1
		if r.at(parentIdx).hash == cur.ParentHash {
			break
		}
		p, err := r.source.DataAtIndex(ctx, parentIdx)
		if err != nil {
			return fmt.Errorf("failed to fetch parent %d of %s: %w", parentIdx, cur, err)
		}
		if p.Hash != cur.ParentHash {
			return fmt.Errorf("%w: block %d has hash %s, child %s expects %s",
				errChainMoved, parentIdx, p.Hash.Hex(), cur, cur.ParentHash.Hex())
		}
		segment = append(segment, p)
		cur = p
	}

	forkIdx := cur.Index
	tip := r.tip()
	reorgsDetected.WithLabelValues(string(r.chainID), "false").Inc()
	r.logger.Info("reorg detected",
		zap.Uint64("forkIndex", forkIdx),
		zap.Uint64("tip", tip),
		zap.Int("replacedBlocks", len(segment)))
	if forkIdx <= tip {
		if err := r.truncate(forkIdx, emit); err != nil {
			return err
		}
	}
	for i := len(segment) - 1; i >= 0; i-- {
		r.push(segment[i])
		if err := emit(Confirmed(segment[i])); err != nil {
			return err
		}
	}
	return nil
}

func (r *Regularizer[T]) deepReorg(ctx context.Context, b chain.Block[T], emit func(Event[T]) error) error {
	floor := r.window[0].index
	tip := r.tip()
	reorgsDetected.WithLabelValues(string(r.chainID), "true").Inc()
	r.logger.Warn("reorg reaches below the window floor, rebuilding from lookback horizon",
		zap.Uint64("floor", floor),
		zap.Uint64("tip", tip),
		zap.Stringer("block", b))

	if err := emit(Invalidation[T](floor, tip)); err != nil {
		return err
	}
	return r.rebuild(ctx, b, emit)
}

// rebuild discards the window and refills it from the lookback horizon below b.
func (r *Regularizer[T]) rebuild(ctx context.Context, b chain.Block[T], emit func(Event[T]) error) error {
	r.window = nil
	start := uint64(0)
	if b.Index > r.cfg.LookbackHorizon {
		start = b.Index - r.cfg.LookbackHorizon
	}
	for i := start; i < b.Index; i++ {
		fb, err := r.source.DataAtIndex(ctx, i)
		if err != nil {
			return fmt.Errorf("failed to rebuild window at %d: %w", i, err)
		}
		if err := r.Process(ctx, fb, emit); err != nil {
			return err
		}
	}
	return r.Process(ctx, b, emit)
}
