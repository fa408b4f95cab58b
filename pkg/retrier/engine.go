// Package retrier drives every index of an epoch stream to durable
// completion. It keeps per-index attempt state in storage, retries failures
// with exponential backoff and never runs two attempts for the same index at
// once.
//
// Work comes from three queues: new indices from the live stream, indices
// waiting for their backoff to expire, and historical indices that were
// skipped by the stream or left pending by a previous run. New indices are
// started first; the other two share the remaining capacity through a
// weighted round-robin, and historical work has its own concurrency cap.
package retrier

import (
	"context"
	"fmt"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/chunker"
	"github.com/certusone/wormhole/witnessd/pkg/common"
	"github.com/certusone/wormhole/witnessd/pkg/db"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/regularizer"
	"github.com/ef-ds/deque"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_retrier_attempts_total",
			Help: "Total number of processing attempts, by outcome",
		}, []string{"chain", "category", "outcome"})
	attemptsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "witnessd_retrier_attempts_in_flight",
			Help: "Number of processing attempts currently running",
		}, []string{"chain", "category"})
	backfilledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_retrier_backfilled_total",
			Help: "Total number of indices queued for historical backfill",
		}, []string{"chain", "category"})
	epochsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_retrier_epochs_completed_total",
			Help: "Total number of epochs acknowledged by a retry engine",
		}, []string{"chain", "category"})
)

type Config struct {
	Category    chain.Category
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxConcurrent caps attempts in flight across all queues.
	MaxConcurrent int
	// MaxHistorical caps backfill attempts in flight.
	MaxHistorical    int
	BackoffWeight    int
	HistoricalWeight int
	// MaxQueuedNew bounds the new-index queue. Indices beyond it are
	// backfilled instead.
	MaxQueuedNew int
	// Leases is shared by all engines of one chain. Optional.
	Leases *Leases
}

func DefaultConfig(category chain.Category) Config {
	return Config{
		Category:         category,
		BackoffBase:      time.Second,
		BackoffCap:       5 * time.Minute,
		MaxConcurrent:    16,
		MaxHistorical:    4,
		BackoffWeight:    1,
		HistoricalWeight: 1,
		MaxQueuedNew:     1024,
	}
}

// Storage is the durable per-index state. It is implemented by db.RetryDB.
type Storage interface {
	RecordSucceeded(category chain.Category, index uint64, attempts uint32) error
	RecordFailed(category chain.Category, index uint64, attempts uint32, at time.Time) error
	RecordPermanentlyFailed(category chain.Category, index uint64, attempts uint32, at time.Time) error
	RecordInvalidated(category chain.Category, from, to uint64) error
	Record(category chain.Category, index uint64) (db.RetryRecord, bool, error)
	HighestSeen(category chain.Category) (uint64, bool, error)
	SetHighestSeen(category chain.Category, index uint64) error
	PendingIndices(category chain.Category, from, to uint64) ([]uint64, error)
	AttemptedRecords(category chain.Category, from, to uint64) (map[uint64]db.RetryRecord, error)
}

// Fetcher loads blocks that did not arrive through the stream.
type Fetcher[T any] interface {
	DataAtIndex(ctx context.Context, index uint64) (chain.Block[T], error)
}

// Completion is emitted after an index has been durably recorded as succeeded.
type Completion struct {
	Chain    chain.ID
	Category chain.Category
	Epoch    uint32
	Index    uint64
	Hash     chain.Hash
	Attempts uint32
}

type outcome int

const (
	outcomeAttempted outcome = iota
	// outcomeContended means another engine holds the index.
	outcomeContended
	// outcomeAlreadyDone means storage already has the index as succeeded.
	outcomeAlreadyDone
	// outcomeNotFound means the source does not have the index yet. It is
	// not counted as a failed attempt.
	outcomeNotFound
)

type result[T any] struct {
	en      *entry[T]
	outcome outcome
	block   *chain.Block[T]
	err     error
}

type Engine[T any] struct {
	logger    *zap.Logger
	chainID   chain.ID
	cfg       Config
	storage   Storage
	source    Fetcher[T]
	processor Processor[T]
	sink      chan<- Completion
	now       func() time.Time

	// Owned by Run.
	epoch        *epochs.Epoch
	end          uint64
	hasEnd       bool
	nextIdx      uint64
	acked        bool
	entries      map[uint64]*entry[T]
	newQ         deque.Deque
	backoff      backoffQueue[T]
	hist         spanQueue
	sched        *wrr
	inFlight     int
	histInFlight int
	resultC      chan result[T]
}

// NewEngine creates an engine for one epoch stream. sink may be nil.
func NewEngine[T any](
	logger *zap.Logger,
	chainID chain.ID,
	cfg Config,
	storage Storage,
	source Fetcher[T],
	processor Processor[T],
	sink chan<- Completion,
) *Engine[T] {
	def := DefaultConfig(cfg.Category)
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxHistorical <= 0 || cfg.MaxHistorical > cfg.MaxConcurrent {
		cfg.MaxHistorical = cfg.MaxConcurrent
	}
	if cfg.MaxQueuedNew <= 0 {
		cfg.MaxQueuedNew = def.MaxQueuedNew
	}

	return &Engine[T]{
		logger:    logger.With(zap.String("chain", string(chainID)), zap.String("category", string(cfg.Category))),
		chainID:   chainID,
		cfg:       cfg,
		storage:   storage,
		source:    source,
		processor: processor,
		sink:      sink,
		now:       time.Now,
		entries:   make(map[uint64]*entry[T]),
		sched:     newWRR(cfg.BackoffWeight, cfg.HistoricalWeight),
		resultC:   make(chan result[T], cfg.MaxConcurrent),
	}
}

// Run processes the stream of one epoch. It acknowledges the epoch once
// every index of it has succeeded or failed permanently, and returns after
// the stream is closed and all attempts in flight have finished. Storage
// failures are returned; processing failures never are.
func (e *Engine[T]) Run(ctx context.Context, s *chunker.Stream[T]) error {
	e.epoch = s.Epoch
	e.logger = e.logger.With(zap.Uint32("epoch", s.Epoch.ID))

	if err := e.restore(); err != nil {
		return fmt.Errorf("failed to restore retry state: %w", err)
	}

	in := s.C
	endedC := e.epoch.Ended()
	if _, ok := e.epoch.End(); ok {
		endedC = nil
		e.onEnded()
	}
	for {
		if in != nil {
			e.dispatch(ctx)
		}
		e.maybeAck()
		if in == nil && e.inFlight == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-endedC:
			endedC = nil
			e.onEnded()
		case it, ok := <-in:
			if !ok {
				e.logger.Info("epoch stream closed", zap.Int("in_flight", e.inFlight))
				in = nil
				continue
			}
			if err := e.handleItem(it); err != nil {
				return err
			}
		case res := <-e.resultC:
			if err := e.handleResult(ctx, res); err != nil {
				return err
			}
		case <-e.wake():
		}
	}
}

func (e *Engine[T]) restore() error {
	cat := e.cfg.Category
	start := e.epoch.Start
	e.nextIdx = start

	highest, ok, err := e.storage.HighestSeen(cat)
	if err != nil {
		return err
	}
	if !ok || highest < start {
		return nil
	}
	upper := highest
	if end, ok := e.epoch.End(); ok && end < upper {
		upper = end
	}

	pending, err := e.storage.PendingIndices(cat, start, upper)
	if err != nil {
		return err
	}
	attempted, err := e.storage.AttemptedRecords(cat, start, upper)
	if err != nil {
		return err
	}

	now := e.now()
	retries := 0
	for _, idx := range pending {
		rec, ok := attempted[idx]
		if !ok || rec.Attempts == 0 {
			e.hist.push(idx, idx)
			continue
		}
		en := &entry[T]{index: idx, attempts: rec.Attempts, nextTry: now}
		if rec.State == db.StatePending {
			en.nextTry = rec.LastAttempt.Add(NextRetryDuration(e.cfg.BackoffBase, e.cfg.BackoffCap, rec.Attempts))
		}
		e.entries[idx] = en
		e.backoff.push(en)
		retries++
	}
	e.nextIdx = upper + 1

	e.logger.Info("restored retry state",
		zap.Uint64("from", start),
		zap.Uint64("to", upper),
		zap.Int("retries", retries),
		zap.Uint64("backfill", e.hist.size()))
	return nil
}

func (e *Engine[T]) handleItem(it chunker.Item[T]) error {
	switch {
	case it.Block != nil:
		return e.admitBlock(it.Block)
	case it.Watermark != nil:
		return e.admitUpTo(*it.Watermark)
	case it.Invalidated != nil:
		return e.invalidate(*it.Invalidated)
	}
	return nil
}

func (e *Engine[T]) admitBlock(b *chain.Block[T]) error {
	idx := b.Index
	if idx < e.epoch.Start {
		return nil
	}
	if e.hasEnd && idx > e.end {
		return e.admitUpTo(e.end)
	}
	if idx < e.nextIdx {
		if en, ok := e.entries[idx]; ok && (!en.inFlight || en.stale) {
			en.block = b
		}
		return nil
	}
	if idx > e.nextIdx {
		e.backfill(e.nextIdx, idx-1)
	}
	e.nextIdx = idx + 1

	if en, ok := e.entries[idx]; ok {
		if en.stale {
			en.requeue = true
		}
		en.block = b
	} else {
		en := &entry[T]{index: idx, block: b}
		e.entries[idx] = en
		e.pushNew(en)
	}
	return e.storage.SetHighestSeen(e.cfg.Category, idx)
}

// admitUpTo queues every index up to w that the stream did not deliver.
func (e *Engine[T]) admitUpTo(w uint64) error {
	if w < e.epoch.Start {
		return nil
	}
	if e.hasEnd && w > e.end {
		w = e.end
	}
	if w < e.nextIdx {
		return nil
	}
	e.backfill(e.nextIdx, w)
	e.nextIdx = w + 1
	return e.storage.SetHighestSeen(e.cfg.Category, w)
}

func (e *Engine[T]) backfill(from, to uint64) {
	e.hist.push(from, to)
	backfilledTotal.WithLabelValues(string(e.chainID), string(e.cfg.Category)).Add(float64(to - from + 1))
}

func (e *Engine[T]) invalidate(r regularizer.Range) error {
	if e.acked {
		e.logger.Error("invalidation after the epoch was acknowledged",
			zap.Bool("critical", true),
			zap.Stringer("range", r))
		return nil
	}
	if err := e.storage.RecordInvalidated(e.cfg.Category, r.From, r.To); err != nil {
		return err
	}
	for idx, en := range e.entries {
		if !r.Contains(idx) {
			continue
		}
		if en.inFlight {
			en.stale = true
			en.requeue = false
			en.block = nil
			continue
		}
		delete(e.entries, idx)
	}
	if r.From < e.nextIdx {
		e.nextIdx = r.From
		e.hist.truncate(r.From)
	}
	e.logger.Info("indices invalidated", zap.Stringer("range", r), zap.Uint64("next", e.nextIdx))
	return nil
}

// onEnded drops work beyond the epoch's end. Attempts already running for
// such indices complete and are recorded, but are not retried here.
func (e *Engine[T]) onEnded() {
	end, ok := e.epoch.End()
	if !ok {
		return
	}
	e.end, e.hasEnd = end, true
	for idx, en := range e.entries {
		if idx <= end {
			continue
		}
		if en.inFlight {
			en.evicted = true
			en.requeue = false
			continue
		}
		delete(e.entries, idx)
	}
	if e.nextIdx > end+1 {
		e.nextIdx = end + 1
	}
	e.hist.truncate(end + 1)
	e.logger.Info("epoch ended", zap.Uint64("end", end), zap.Int("remaining", len(e.entries)))
}

func (e *Engine[T]) maybeAck() {
	if e.acked || !e.hasEnd || e.nextIdx <= e.end || len(e.entries) > 0 || !e.hist.empty() {
		return
	}
	e.acked = true
	e.epoch.Ack()
	epochsCompleted.WithLabelValues(string(e.chainID), string(e.cfg.Category)).Inc()
	e.logger.Info("epoch completed", zap.Uint64("start", e.epoch.Start), zap.Uint64("end", e.end))
}

func (e *Engine[T]) pushNew(en *entry[T]) {
	if e.newQ.Len() >= e.cfg.MaxQueuedNew {
		delete(e.entries, en.index)
		e.backfill(en.index, en.index)
		return
	}
	e.newQ.PushBack(en)
}

func (e *Engine[T]) runnable(en *entry[T]) bool {
	return e.entries[en.index] == en && !en.inFlight
}

func (e *Engine[T]) popNew() *entry[T] {
	for e.newQ.Len() > 0 {
		v, _ := e.newQ.PopFront()
		if en := v.(*entry[T]); e.runnable(en) {
			return en
		}
	}
	return nil
}

// backoffHead returns the earliest runnable backoff entry without removing it.
func (e *Engine[T]) backoffHead() *entry[T] {
	for e.backoff.Len() > 0 {
		if en := e.backoff.peek(); e.runnable(en) {
			return en
		}
		e.backoff.pop()
	}
	return nil
}

func (e *Engine[T]) popHistorical() *entry[T] {
	for {
		idx, ok := e.hist.pop()
		if !ok {
			return nil
		}
		if en, ok := e.entries[idx]; ok {
			if en.stale {
				en.requeue = true
			}
			continue
		}
		en := &entry[T]{index: idx, historical: true}
		e.entries[idx] = en
		return en
	}
}

func (e *Engine[T]) dispatch(ctx context.Context) {
	now := e.now()
	for e.inFlight < e.cfg.MaxConcurrent {
		if en := e.popNew(); en != nil {
			e.start(ctx, en)
			continue
		}

		var eligible [numQueues]bool
		head := e.backoffHead()
		eligible[queueBackoff] = head != nil && !head.nextTry.After(now)
		eligible[queueHistorical] = !e.hist.empty() && e.histInFlight < e.cfg.MaxHistorical

		switch e.sched.pick(eligible) {
		case queueBackoff:
			e.backoff.pop()
			e.start(ctx, head)
		case queueHistorical:
			if en := e.popHistorical(); en != nil {
				e.start(ctx, en)
			}
		default:
			return
		}
	}
}

// wake fires when the earliest backoff entry becomes due.
func (e *Engine[T]) wake() <-chan time.Time {
	if e.inFlight >= e.cfg.MaxConcurrent {
		return nil
	}
	head := e.backoffHead()
	if head == nil {
		return nil
	}
	return time.After(head.nextTry.Sub(e.now()))
}

func (e *Engine[T]) start(ctx context.Context, en *entry[T]) {
	en.inFlight = true
	e.inFlight++
	if en.historical {
		e.histInFlight++
	}
	attemptsInFlight.WithLabelValues(string(e.chainID), string(e.cfg.Category)).Inc()

	block := en.block
	go func() {
		res := result[T]{en: en}
		res.outcome, res.block, res.err = e.attempt(ctx, en.index, block)
		e.resultC <- res
	}()
}

// attempt runs outside the Run goroutine and must not touch engine state.
func (e *Engine[T]) attempt(ctx context.Context, idx uint64, block *chain.Block[T]) (outcome, *chain.Block[T], error) {
	cat := e.cfg.Category
	if l := e.cfg.Leases; l != nil {
		if !l.TryAcquire(cat, idx) {
			return outcomeContended, nil, nil
		}
		defer l.Release(cat, idx)
	}

	rec, found, err := e.storage.Record(cat, idx)
	if err != nil {
		return outcomeAttempted, nil, err
	}
	if found && rec.State == db.StateSucceeded {
		return outcomeAlreadyDone, nil, nil
	}

	if block == nil {
		b, err := e.source.DataAtIndex(ctx, idx)
		if chain.IsNotFound(err) {
			return outcomeNotFound, nil, err
		} else if err != nil {
			return outcomeAttempted, nil, fmt.Errorf("failed to fetch block: %w", err)
		}
		block = &b
	}

	err = common.WrapWithScissors("retrier_attempt", func(ctx context.Context) error {
		return e.processor.Attempt(ctx, *block)
	})(ctx)
	return outcomeAttempted, block, err
}

func (e *Engine[T]) handleResult(ctx context.Context, res result[T]) error {
	en := res.en
	en.inFlight = false
	e.inFlight--
	if en.historical {
		e.histInFlight--
		en.historical = false
	}
	attemptsInFlight.WithLabelValues(string(e.chainID), string(e.cfg.Category)).Dec()

	if en.stale {
		en.stale = false
		if !en.requeue {
			delete(e.entries, en.index)
			return nil
		}
		en.requeue = false
		en.attempts = 0
		e.pushNew(en)
		return nil
	}

	switch res.outcome {
	case outcomeContended, outcomeNotFound:
		if en.evicted {
			delete(e.entries, en.index)
			return nil
		}
		if res.outcome == outcomeNotFound {
			attemptsTotal.WithLabelValues(string(e.chainID), string(e.cfg.Category), "not_found").Inc()
			e.logger.Debug("block not available yet, waiting", zap.Uint64("index", en.index), zap.Error(res.err))
		}
		en.nextTry = e.now().Add(e.cfg.BackoffBase)
		e.backoff.push(en)
		return nil
	case outcomeAlreadyDone:
		delete(e.entries, en.index)
		return nil
	}

	cat := e.cfg.Category
	en.attempts++
	if en.block == nil {
		en.block = res.block
	}
	log := e.logger.With(zap.Uint64("index", en.index), zap.Uint32("attempts", en.attempts))

	switch {
	case res.err == nil:
		if err := e.storage.RecordSucceeded(cat, en.index, en.attempts); err != nil {
			return err
		}
		delete(e.entries, en.index)
		attemptsTotal.WithLabelValues(string(e.chainID), string(cat), "success").Inc()
		log.Debug("processed block")
		e.emit(ctx, Completion{
			Chain:    e.chainID,
			Category: cat,
			Epoch:    e.epoch.ID,
			Index:    en.index,
			Hash:     res.block.Hash,
			Attempts: en.attempts,
		})

	case IsPermanent(res.err):
		if err := e.storage.RecordPermanentlyFailed(cat, en.index, en.attempts, e.now()); err != nil {
			return err
		}
		delete(e.entries, en.index)
		attemptsTotal.WithLabelValues(string(e.chainID), string(cat), "permanent").Inc()
		log.Error("permanently failed to process block", zap.Bool("critical", true), zap.Error(res.err))

	default:
		now := e.now()
		if err := e.storage.RecordFailed(cat, en.index, en.attempts, now); err != nil {
			return err
		}
		attemptsTotal.WithLabelValues(string(e.chainID), string(cat), "transient").Inc()
		if en.evicted {
			delete(e.entries, en.index)
			log.Warn("failed to process block beyond epoch end", zap.Error(res.err))
			return nil
		}
		delay := NextRetryDuration(e.cfg.BackoffBase, e.cfg.BackoffCap, en.attempts)
		en.nextTry = now.Add(delay)
		e.backoff.push(en)
		log.Warn("failed to process block, retrying", zap.Duration("retry_in", delay), zap.Error(res.err))
	}
	return nil
}

func (e *Engine[T]) emit(ctx context.Context, c Completion) {
	if e.sink == nil {
		return
	}
	select {
	case e.sink <- c:
	case <-ctx.Done():
	}
}
