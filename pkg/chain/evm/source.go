// Package evm implements a chain.Source for EVM compatible chains on top of
// plain JSON-RPC polling.
package evm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/supervisor"
	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	ethEvent "github.com/ethereum/go-ethereum/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	currentHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "witnessd_evm_current_height",
			Help: "Latest block height observed by the EVM poller",
		}, []string{"chain", "finality"})
)

// BlockData is the payload attached to every EVM block.
type BlockData struct {
	Time uint64
	// Logs emitted by the configured contracts in this block.
	Logs []ethTypes.Log
}

type Block = chain.Block[BlockData]

type blockMarshaller struct {
	Number     *hexutil.Big   `json:"number"`
	Hash       ethCommon.Hash `json:"hash"`
	ParentHash ethCommon.Hash `json:"parentHash"`
	Time       hexutil.Uint64 `json:"timestamp"`
}

// FinalityLevel selects the block tag used to publish finalized heights.
type FinalityLevel string

const (
	// FinalityNone disables finalized height tracking.
	FinalityNone      FinalityLevel = ""
	FinalitySafe      FinalityLevel = "safe"
	FinalityFinalized FinalityLevel = "finalized"
)

type Config struct {
	PollInterval time.Duration
	// Contracts whose logs are attached to each block. Empty means no logs are fetched.
	Contracts []ethCommon.Address
	Finality  FinalityLevel
	// MaxGap bounds how many missed blocks are fetched in a single poll.
	MaxGap uint64
	// MaxConsecutiveErrors makes Run fail after this many failed polls in a row.
	MaxConsecutiveErrors int
}

// Source polls an EVM node for new heads. Every block between two polls is
// fetched and published, so the stream is gap free unless the node reorgs
// or the gap exceeds MaxGap.
type Source struct {
	logger  *zap.Logger
	chainID chain.ID
	conn    Connector
	cfg     Config

	blockFeed ethEvent.Feed
	finalFeed ethEvent.Feed

	mu        sync.Mutex
	cursor    *uint64
	lastHash  ethCommon.Hash
	lastFinal uint64
	hasFinal  bool
}

func NewSource(logger *zap.Logger, chainID chain.ID, conn Connector, cfg Config) *Source {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxGap == 0 {
		cfg.MaxGap = 1000
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	return &Source{
		logger:  logger.With(zap.String("chain", string(chainID))),
		chainID: chainID,
		conn:    conn,
		cfg:     cfg,
	}
}

// EndpointHealth reports the health of the underlying endpoints if the
// connector is a Pool.
func (s *Source) EndpointHealth() []chain.EndpointHealth {
	if hr, ok := s.conn.(chain.HealthReporter); ok {
		return hr.EndpointHealth()
	}
	return nil
}

func (s *Source) SubscribeBlocks(_ context.Context, from *uint64, sink chan<- Block) (ethereum.Subscription, error) {
	if from != nil {
		s.mu.Lock()
		// Rewind the cursor so the next poll republishes from the requested index.
		if *from > 0 && (s.cursor == nil || *from-1 < *s.cursor) {
			c := *from - 1
			s.cursor = &c
		}
		s.mu.Unlock()
	}
	return s.blockFeed.Subscribe(sink), nil
}

func (s *Source) SubscribeFinalized(_ context.Context, sink chan<- uint64) (ethereum.Subscription, error) {
	return s.finalFeed.Subscribe(sink), nil
}

// Run is the polling loop. It is meant to be run under the supervisor.
func (s *Source) Run(ctx context.Context) error {
	supervisor.Signal(ctx, supervisor.SignalHealthy)
	return s.pollLoop(ctx)
}

func (s *Source) pollLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := s.poll(ctx); err != nil {
				errCount++
				s.logger.Error("polling encountered an error", zap.Int("errCount", errCount), zap.Error(err))
				if errCount >= s.cfg.MaxConsecutiveErrors {
					return fmt.Errorf("polling failed %d times in a row: %w", errCount, err)
				}
			} else {
				errCount = 0
			}
			timer.Reset(s.cfg.PollInterval)
		}
	}
}

func (s *Source) poll(ctx context.Context) error {
	latest, err := s.getHeader(ctx, "latest")
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	if latest == nil {
		return fmt.Errorf("node returned no latest block")
	}
	currentHeight.WithLabelValues(string(s.chainID), "latest").Set(float64(latest.Index))

	s.mu.Lock()
	var cursor uint64
	hasCursor := s.cursor != nil
	if hasCursor {
		cursor = *s.cursor
	}
	lastHash := s.lastHash
	s.mu.Unlock()

	switch {
	case hasCursor && latest.Index == cursor && latest.Hash == lastHash:
		// nothing new
	case hasCursor && latest.Index > cursor+1:
		start := cursor + 1
		if latest.Index-start > s.cfg.MaxGap {
			s.logger.Warn("gap too large, skipping ahead",
				zap.Uint64("from", start),
				zap.Uint64("to", latest.Index),
				zap.Uint64("maxGap", s.cfg.MaxGap))
			start = latest.Index - s.cfg.MaxGap
		}
		for i := start; i <= latest.Index; i++ {
			b, err := s.DataAtIndex(ctx, i)
			if err != nil {
				return fmt.Errorf("failed to get gap block %d: %w", i, err)
			}
			s.publish(b)
		}
	default:
		if latest.Index < cursor {
			s.logger.Debug("latest block number went backwards", zap.Uint64("latest", latest.Index), zap.Uint64("prev", cursor))
		}
		b, err := s.DataAtIndex(ctx, latest.Index)
		if err != nil {
			return fmt.Errorf("failed to get latest block %d: %w", latest.Index, err)
		}
		s.publish(b)
	}

	if s.cfg.Finality != FinalityNone {
		final, err := s.getHeader(ctx, string(s.cfg.Finality))
		if err != nil {
			return fmt.Errorf("failed to get %s block: %w", s.cfg.Finality, err)
		}
		if final != nil {
			s.mu.Lock()
			advance := !s.hasFinal || final.Index > s.lastFinal
			if advance {
				s.lastFinal = final.Index
				s.hasFinal = true
			}
			s.mu.Unlock()
			if advance {
				currentHeight.WithLabelValues(string(s.chainID), string(s.cfg.Finality)).Set(float64(final.Index))
				s.finalFeed.Send(final.Index)
			}
		}
	}
	return nil
}

func (s *Source) publish(b Block) {
	s.mu.Lock()
	idx := b.Index
	s.cursor = &idx
	s.lastHash = b.Hash
	s.mu.Unlock()
	s.blockFeed.Send(b)
}

// getHeader returns nil without error if the node does not know the block.
func (s *Source) getHeader(ctx context.Context, tag string) (*Block, error) {
	timeout, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var m *blockMarshaller
	if err := s.conn.RawCallContext(timeout, &m, "eth_getBlockByNumber", tag, false); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	if m.Number == nil {
		return nil, fmt.Errorf("failed to unmarshal block %s: Number is nil", tag)
	}
	return &Block{
		Index:      m.Number.ToInt().Uint64(),
		Hash:       m.Hash,
		ParentHash: m.ParentHash,
		Data:       BlockData{Time: uint64(m.Time)},
	}, nil
}

func (s *Source) DataAtIndex(ctx context.Context, index uint64) (Block, error) {
	h, err := s.getHeader(ctx, hexutil.EncodeUint64(index))
	if err != nil {
		return Block{}, chain.Transient("eth_getBlockByNumber", index, err)
	}
	if h == nil {
		return Block{}, chain.NotFound(index)
	}
	if h.Index != index {
		return Block{}, fmt.Errorf("node returned block %d when asked for %d", h.Index, index)
	}

	if len(s.cfg.Contracts) > 0 {
		logs, err := s.getLogs(ctx, h.Hash)
		if err != nil {
			return Block{}, chain.Transient("eth_getLogs", index, err)
		}
		h.Data.Logs = logs
	}
	return *h, nil
}

func (s *Source) getLogs(ctx context.Context, blockHash ethCommon.Hash) ([]ethTypes.Log, error) {
	timeout, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	filter := map[string]interface{}{
		"blockHash": blockHash,
		"address":   s.cfg.Contracts,
	}
	var logs []ethTypes.Log
	if err := s.conn.RawCallContext(timeout, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}
