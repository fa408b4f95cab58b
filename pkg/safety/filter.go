// Package safety withholds regularized blocks until they are unlikely to be
// reorganized, either because enough descendants exist or because the chain
// reports them final.
package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	safeHead = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "witnessd_safety_released_height",
			Help: "Highest index released by the safety filter",
		}, []string{"chain"})
	deepReorgs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_safety_deep_reorgs_total",
			Help: "Total number of reorgs that invalidated already released blocks",
		}, []string{"chain"})
	pendingBlocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "witnessd_safety_pending_blocks",
			Help: "Number of confirmed blocks withheld by the safety filter",
		}, []string{"chain"})
)

// ErrDeepReorg is returned by Run under DeepReorgStall when a reorg
// invalidates blocks that were already released.
var ErrDeepReorg = errors.New("reorg deeper than the safety margin")

// DeepReorgError is the error returned under DeepReorgStall. Range holds the
// released indices the reorg invalidated.
type DeepReorgError struct {
	Range regularizer.Range
}

func (e *DeepReorgError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDeepReorg, e.Range)
}

func (e *DeepReorgError) Unwrap() error {
	return ErrDeepReorg
}

type Mode int

const (
	// ModeLag releases index i once a block at i+Margin has been confirmed.
	ModeLag Mode = iota
	// ModeFinalized releases index i once the chain reports i as final.
	ModeFinalized
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "lag", "":
		return ModeLag, nil
	case "finalized":
		return ModeFinalized, nil
	}
	return 0, fmt.Errorf("unknown safety mode %q", s)
}

func (m Mode) String() string {
	if m == ModeFinalized {
		return "finalized"
	}
	return "lag"
}

// DeepReorgPolicy decides what happens when released blocks are invalidated.
type DeepReorgPolicy int

const (
	// DeepReorgFlag forwards the invalidation downstream so the affected
	// indices are witnessed again, and raises a critical log and metric.
	DeepReorgFlag DeepReorgPolicy = iota
	// DeepReorgStall stops releasing and returns a *DeepReorgError. The
	// caller has to reset the invalidated range before it resumes, so the
	// range is witnessed again from the canonical chain after the restart.
	DeepReorgStall
)

func ParseDeepReorgPolicy(s string) (DeepReorgPolicy, error) {
	switch s {
	case "flag", "":
		return DeepReorgFlag, nil
	case "stall":
		return DeepReorgStall, nil
	}
	return 0, fmt.Errorf("unknown deep reorg policy %q", s)
}

type Config struct {
	Mode   Mode
	Margin uint64
	// MaxPending bounds the number of withheld blocks. Once reached, the
	// filter stops reading its input until blocks are released. In lag mode
	// it is raised to at least Margin+1, since releasing needs a newer block.
	MaxPending      int
	DeepReorgPolicy DeepReorgPolicy
}

type Filter[T any] struct {
	logger   *zap.Logger
	chainID  chain.ID
	cfg      Config
	finality chain.FinalitySource

	pending      []chain.Block[T]
	head         uint64
	hasHead      bool
	finalized    uint64
	hasFinalized bool
	released     uint64
	hasReleased  bool
}

func New[T any](logger *zap.Logger, chainID chain.ID, cfg Config, finality chain.FinalitySource) (*Filter[T], error) {
	if cfg.Mode == ModeFinalized && finality == nil {
		return nil, fmt.Errorf("finalized mode requires a finality source")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = int(cfg.Margin) + 1024
	}
	if cfg.Mode == ModeLag && uint64(cfg.MaxPending) <= cfg.Margin {
		logger.Warn("safety maxPending does not exceed the margin, raising it",
			zap.String("chain", string(chainID)),
			zap.Int("max_pending", cfg.MaxPending),
			zap.Uint64("margin", cfg.Margin))
		cfg.MaxPending = int(cfg.Margin) + 1
	}
	return &Filter[T]{
		logger:   logger.With(zap.String("chain", string(chainID)), zap.Stringer("mode", cfg.Mode)),
		chainID:  chainID,
		cfg:      cfg,
		finality: finality,
	}, nil
}

func (f *Filter[T]) Run(ctx context.Context, in <-chan regularizer.Event[T], out chan<- regularizer.Event[T]) error {
	emit := func(ev regularizer.Event[T]) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var finalC chan uint64
	var subErr <-chan error
	if f.cfg.Mode == ModeFinalized {
		finalC = make(chan uint64, 16)
		sub, err := f.finality.SubscribeFinalized(ctx, finalC)
		if err != nil {
			return fmt.Errorf("failed to subscribe to finalized heights: %w", err)
		}
		defer sub.Unsubscribe()
		subErr = sub.Err()
	}

	for {
		// Stop reading input while full so upstream blocks.
		inC := in
		if len(f.pending) >= f.cfg.MaxPending {
			inC = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-subErr:
			return fmt.Errorf("finality subscription failed: %w", err)
		case n := <-finalC:
			if err := f.OnFinalized(n, emit); err != nil {
				return err
			}
		case ev, ok := <-inC:
			if !ok {
				return nil
			}
			if err := f.Process(ev, emit); err != nil {
				return err
			}
		}
		pendingBlocks.WithLabelValues(string(f.chainID)).Set(float64(len(f.pending)))
	}
}

// Process handles one regularized event.
func (f *Filter[T]) Process(ev regularizer.Event[T], emit func(regularizer.Event[T]) error) error {
	switch {
	case ev.Block != nil:
		return f.onConfirmed(*ev.Block, emit)
	case ev.Invalidated != nil:
		return f.onInvalidated(*ev.Invalidated, emit)
	}
	return nil
}

func (f *Filter[T]) onConfirmed(b chain.Block[T], emit func(regularizer.Event[T]) error) error {
	if f.hasReleased && b.Index <= f.released {
		// Re-confirmation of a block that is already out, e.g. after a window rebuild.
		return nil
	}
	if n := len(f.pending); n > 0 && b.Index <= f.pending[n-1].Index {
		f.dropPendingFrom(b.Index)
	}
	f.pending = append(f.pending, b)
	if !f.hasHead || b.Index > f.head {
		f.head = b.Index
		f.hasHead = true
	}
	return f.release(emit)
}

func (f *Filter[T]) onInvalidated(r regularizer.Range, emit func(regularizer.Event[T]) error) error {
	f.dropPendingFrom(r.From)
	if r.From > 0 {
		f.head = r.From - 1
	} else {
		f.hasHead = false
	}

	if !f.hasReleased || r.From > f.released {
		return nil
	}

	deep := regularizer.Range{From: r.From, To: min(r.To, f.released)}
	deepReorgs.WithLabelValues(string(f.chainID)).Inc()
	f.logger.Error("reorg invalidated blocks that were already released",
		zap.Bool("critical", true),
		zap.Stringer("invalidated", deep),
		zap.Uint64("margin", f.cfg.Margin))

	if f.cfg.DeepReorgPolicy == DeepReorgStall {
		return &DeepReorgError{Range: deep}
	}

	if r.From == 0 {
		f.hasReleased = false
	} else {
		f.released = r.From - 1
	}
	return emit(regularizer.Event[T]{Invalidated: &deep})
}

// OnFinalized records a finalized height reported by the chain.
func (f *Filter[T]) OnFinalized(n uint64, emit func(regularizer.Event[T]) error) error {
	if f.hasFinalized && n <= f.finalized {
		return nil
	}
	f.finalized = n
	f.hasFinalized = true
	return f.release(emit)
}

func (f *Filter[T]) dropPendingFrom(index uint64) {
	for i, b := range f.pending {
		if b.Index >= index {
			f.pending = f.pending[:i]
			return
		}
	}
}

func (f *Filter[T]) safe(index uint64) bool {
	switch f.cfg.Mode {
	case ModeFinalized:
		return f.hasFinalized && index <= f.finalized
	default:
		return f.hasHead && f.head >= f.cfg.Margin && index <= f.head-f.cfg.Margin
	}
}

func (f *Filter[T]) release(emit func(regularizer.Event[T]) error) error {
	for len(f.pending) > 0 && f.safe(f.pending[0].Index) {
		b := f.pending[0]
		f.pending = f.pending[1:]
		f.released = b.Index
		f.hasReleased = true
		safeHead.WithLabelValues(string(f.chainID)).Set(float64(b.Index))
		if err := emit(regularizer.Confirmed(b)); err != nil {
			return err
		}
	}
	return nil
}
