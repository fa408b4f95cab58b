package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	sourceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_source_fetch_retries_total",
			Help: "Total number of retried DataAtIndex calls",
		}, []string{"chain", "reason"})
)

type RetryOptions struct {
	// InitialInterval and MaxInterval bound the exponential backoff between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime gives up on an index after this long. Zero retries until ctx is done.
	MaxElapsedTime time.Duration
	// RequestsPerSecond limits the request rate towards the inner source. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxConcurrent caps the number of DataAtIndex calls in flight.
	MaxConcurrent int
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		InitialInterval:   500 * time.Millisecond,
		MaxInterval:       30 * time.Second,
		MaxElapsedTime:    5 * time.Minute,
		RequestsPerSecond: 50,
		Burst:             10,
		MaxConcurrent:     16,
	}
}

// RetryingSource wraps a Source and retries transient and not-found errors of
// DataAtIndex with exponential backoff. Other errors are returned immediately.
type RetryingSource[T any] struct {
	inner   Source[T]
	chainID ID
	logger  *zap.Logger
	opts    RetryOptions
	limiter *rate.Limiter
	sem     chan struct{}
}

func NewRetryingSource[T any](logger *zap.Logger, chainID ID, inner Source[T], opts RetryOptions) *RetryingSource[T] {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RetryingSource[T]{
		inner:   inner,
		chainID: chainID,
		logger:  logger.With(zap.String("chain", string(chainID))),
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Inner returns the wrapped source.
func (s *RetryingSource[T]) Inner() Source[T] {
	return s.inner
}

func (s *RetryingSource[T]) DataAtIndex(ctx context.Context, index uint64) (Block[T], error) {
	var out Block[T]

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.InitialInterval
	bo.MaxInterval = s.opts.MaxInterval
	bo.MaxElapsedTime = s.opts.MaxElapsedTime

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		b, err := s.inner.DataAtIndex(ctx, index)
		<-s.sem

		switch {
		case err == nil:
			out = b
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case IsNotFound(err), IsTransient(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		reason := "transient"
		if IsNotFound(err) {
			reason = "not_found"
		}
		sourceRetries.WithLabelValues(string(s.chainID), reason).Inc()
		s.logger.Debug("retrying fetch",
			zap.Uint64("index", index),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	return out, err
}

func (s *RetryingSource[T]) SubscribeBlocks(ctx context.Context, from *uint64, sink chan<- Block[T]) (ethereum.Subscription, error) {
	return s.inner.SubscribeBlocks(ctx, from, sink)
}
