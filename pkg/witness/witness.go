// Package witness turns processed blocks into witnesses and hands them to the
// submission layer. It also wires the full per-chain pipeline.
package witness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/retrier"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	witnessesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_witnesses_submitted_total",
			Help: "Total number of witnesses accepted by the submission layer",
		}, []string{"chain", "category"})
	blocksWithoutPayload = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_witness_empty_blocks_total",
			Help: "Total number of processed blocks that carried nothing to witness",
		}, []string{"chain", "category"})
)

// idNamespace scopes witness ids. Changing it changes every id.
var idNamespace = uuid.MustParse("5d1b3c8e-7f0a-4d52-9c1e-2b6f4a9e0d37")

// Witness is the unit handed to the submission layer.
type Witness struct {
	// ID is derived from the other fields, so a witness resubmitted after a
	// crash carries the same id and can be deduplicated downstream.
	ID       uuid.UUID       `json:"id"`
	Chain    chain.ID        `json:"chain"`
	Category chain.Category  `json:"category"`
	Epoch    uint32          `json:"epoch"`
	Index    uint64          `json:"index"`
	Hash     chain.Hash      `json:"hash"`
	Payload  json.RawMessage `json:"payload"`
}

func WitnessID(chainID chain.ID, category chain.Category, epoch uint32, index uint64, hash chain.Hash) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%s/%d/%d/%s", chainID, category, epoch, index, hash.Hex())))
}

// Extractor builds the payload to witness for a block. A nil payload means
// the block carries nothing for this category. Extraction errors are
// treated as permanent: the same block always produces the same error.
type Extractor[T any] func(b chain.Block[T]) (json.RawMessage, error)

// BlockProcessor is the retrier.Processor that witnesses blocks of one
// category in one epoch.
type BlockProcessor[T any] struct {
	logger    *zap.Logger
	chainID   chain.ID
	category  chain.Category
	epoch     uint32
	extract   Extractor[T]
	submitter Submitter
}

func NewBlockProcessor[T any](
	logger *zap.Logger,
	chainID chain.ID,
	category chain.Category,
	epoch uint32,
	extract Extractor[T],
	submitter Submitter,
) *BlockProcessor[T] {
	return &BlockProcessor[T]{
		logger:    logger,
		chainID:   chainID,
		category:  category,
		epoch:     epoch,
		extract:   extract,
		submitter: submitter,
	}
}

func (p *BlockProcessor[T]) Attempt(ctx context.Context, b chain.Block[T]) error {
	payload, err := p.extract(b)
	if err != nil {
		return retrier.Permanent(fmt.Errorf("failed to extract payload of block %d: %w", b.Index, err))
	}
	if payload == nil {
		blocksWithoutPayload.WithLabelValues(string(p.chainID), string(p.category)).Inc()
		return nil
	}

	w := Witness{
		ID:       WitnessID(p.chainID, p.category, p.epoch, b.Index, b.Hash),
		Chain:    p.chainID,
		Category: p.category,
		Epoch:    p.epoch,
		Index:    b.Index,
		Hash:     b.Hash,
		Payload:  payload,
	}
	if err := p.submitter.Submit(ctx, w); err != nil {
		return err
	}
	witnessesSubmitted.WithLabelValues(string(p.chainID), string(p.category)).Inc()
	p.logger.Debug("submitted witness", zap.Stringer("id", w.ID), zap.Uint64("index", b.Index))
	return nil
}
