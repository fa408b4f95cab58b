package witness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/chunker"
	"github.com/certusone/wormhole/witnessd/pkg/common"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/readiness"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/certusone/wormhole/witnessd/pkg/retrier"
	"github.com/certusone/wormhole/witnessd/pkg/safety"
	"github.com/certusone/wormhole/witnessd/pkg/supervisor"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"
)

// Category is one kind of data witnessed on a chain. Every category runs its
// own chunker and engines and acknowledges epochs independently.
type Category[T any] struct {
	Name    chain.Category
	Retry   retrier.Config
	Extract Extractor[T]
}

type PipelineConfig struct {
	Regularizer regularizer.Config
	Safety      safety.Config
	Chunker     chunker.Options
	Source      chain.RetryOptions
}

// ChainPipeline wires source, regularizer, safety filter, one chunker per
// category and one retry engine per category and epoch.
type ChainPipeline[T any] struct {
	logger      *zap.Logger
	chainID     chain.ID
	cfg         PipelineConfig
	source      *chain.RetryingSource[T]
	finality    chain.FinalitySource
	monitor     *epochs.Monitor
	storage     retrier.Storage
	submitter   Submitter
	categories  []Category[T]
	completions chan<- retrier.Completion
}

// NewChainPipeline creates a pipeline. finality may be nil unless the safety
// mode is finalized; completions may be nil.
func NewChainPipeline[T any](
	logger *zap.Logger,
	chainID chain.ID,
	cfg PipelineConfig,
	source chain.Source[T],
	finality chain.FinalitySource,
	monitor *epochs.Monitor,
	storage retrier.Storage,
	submitter Submitter,
	categories []Category[T],
	completions chan<- retrier.Completion,
) (*ChainPipeline[T], error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("chain %s has no categories", chainID)
	}
	if cfg.Source == (chain.RetryOptions{}) {
		cfg.Source = chain.DefaultRetryOptions()
	}
	leases := retrier.NewLeases()
	for i := range categories {
		if categories[i].Extract == nil {
			return nil, fmt.Errorf("category %s of chain %s has no extractor", categories[i].Name, chainID)
		}
		categories[i].Retry.Category = categories[i].Name
		categories[i].Retry.Leases = leases
	}
	return &ChainPipeline[T]{
		logger:      logger.With(zap.String("chain", string(chainID))),
		chainID:     chainID,
		cfg:         cfg,
		source:      chain.NewRetryingSource[T](logger, chainID, source, cfg.Source),
		finality:    finality,
		monitor:     monitor,
		storage:     storage,
		submitter:   submitter,
		categories:  categories,
		completions: completions,
	}, nil
}

// Run is meant to be run under the supervisor.
func (p *ChainPipeline[T]) Run(ctx context.Context) error {
	readiness.RegisterComponent(readiness.ChainSyncing(string(p.chainID)))
	supervisor.Signal(ctx, supervisor.SignalHealthy)
	return p.run(ctx)
}

func (p *ChainPipeline[T]) run(ctx context.Context) error {
	err := p.runStages(ctx)

	var deep *safety.DeepReorgError
	if errors.As(err, &deep) {
		// Every stage has returned, so no engine can record a result for
		// the range after it is reset.
		for _, cat := range p.categories {
			if ierr := p.storage.RecordInvalidated(cat.Name, deep.Range.From, deep.Range.To); ierr != nil {
				return fmt.Errorf("failed to invalidate %s after deep reorg: %w", deep.Range, ierr)
			}
		}
		p.logger.Error("pipeline stalled on deep reorg, invalidated range will be witnessed again after restart",
			zap.Bool("critical", true),
			zap.Stringer("invalidated", deep.Range))
	}
	return err
}

// runStages runs every stage of the pipeline and returns once all of them
// have stopped.
func (p *ChainPipeline[T]) runStages(ctx context.Context) error {
	var stages sync.WaitGroup
	defer stages.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	goStage := func(errC chan<- error, name string, runnable supervisor.Runnable) {
		stages.Add(1)
		common.RunWithScissors(ctx, errC, name, func(ctx context.Context) error {
			defer stages.Done()
			return runnable(ctx)
		})
	}

	filter, err := safety.New[T](p.logger, p.chainID, p.cfg.Safety, p.finality)
	if err != nil {
		return err
	}
	reg := regularizer.New[T](p.logger, p.chainID, p.source, p.cfg.Regularizer)

	blocks := make(chan chain.Block[T], 64)
	sub, err := p.source.SubscribeBlocks(ctx, nil, blocks)
	if err != nil {
		return fmt.Errorf("failed to subscribe to blocks: %w", err)
	}
	defer sub.Unsubscribe()

	confirmed := make(chan regularizer.Event[T], 64)
	safe := make(chan regularizer.Event[T], 64)
	errC := make(chan error, 3+len(p.categories))

	goStage(errC, "regularizer", func(ctx context.Context) error {
		return reg.Run(ctx, blocks, confirmed)
	})
	goStage(errC, "safety", func(ctx context.Context) error {
		return filter.Run(ctx, confirmed, safe)
	})

	// Every category consumes the released stream through its own chunker.
	var feed event.Feed
	for _, cat := range p.categories {
		chk, err := chunker.New[T](p.logger.With(zap.String("category", string(cat.Name))), p.chainID, cat.Name, p.monitor, p.cfg.Chunker)
		if err != nil {
			return err
		}
		in := make(chan regularizer.Event[T], 64)
		fs := feed.Subscribe(in)
		defer fs.Unsubscribe()
		spawn := p.spawner(cat)
		goStage(errC, fmt.Sprintf("chunker_%s", cat.Name), func(ctx context.Context) error {
			return chk.Run(ctx, in, spawn)
		})
	}

	goStage(errC, "fanout", func(ctx context.Context) error {
		first := true
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-safe:
				if first {
					readiness.SetReady(readiness.ChainSyncing(string(p.chainID)))
					first = false
				}
				feed.Send(ev)
			}
		}
	})

	p.logger.Info("pipeline started", zap.Int("categories", len(p.categories)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sub.Err():
		return fmt.Errorf("block subscription failed: %w", err)
	case err := <-errC:
		return err
	}
}

func (p *ChainPipeline[T]) spawner(cat Category[T]) chunker.Spawner[T] {
	return func(ctx context.Context, s *chunker.Stream[T]) error {
		logger := p.logger.With(zap.String("category", string(cat.Name)))
		proc := NewBlockProcessor[T](logger, p.chainID, cat.Name, s.Epoch.ID, cat.Extract, p.submitter)
		engine := retrier.NewEngine[T](logger, p.chainID, cat.Retry, p.storage, p.source, proc, p.completions)
		return engine.Run(ctx, s)
	}
}
