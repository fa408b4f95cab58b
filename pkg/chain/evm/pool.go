package evm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	endpointUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "witnessd_endpoint_up",
			Help: "Whether an RPC endpoint is currently considered healthy",
		}, []string{"chain", "url"})
	endpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_endpoint_errors_total",
			Help: "Total number of failed calls per RPC endpoint",
		}, []string{"chain", "url"})
)

// ErrNoEndpoints is returned by an empty pool.
var ErrNoEndpoints = errors.New("no rpc endpoints configured")

type endpoint struct {
	url      string
	conn     Connector
	bo       *backoff.ExponentialBackOff
	failures int
	retryAt  time.Time
	lastErr  error
}

// Pool spreads calls over several endpoints of the same chain. Each endpoint
// backs off independently after failures; calls go to the endpoint that is
// available soonest, preferring the configured order.
type Pool struct {
	logger    *zap.Logger
	chainID   chain.ID
	now       func() time.Time
	mu        sync.Mutex
	endpoints []*endpoint
}

// NamedConnector pairs a connector with the URL it reports in health output.
type NamedConnector struct {
	URL  string
	Conn Connector
}

func NewPool(logger *zap.Logger, chainID chain.ID, conns []NamedConnector) *Pool {
	p := &Pool{
		logger:  logger.With(zap.String("chain", string(chainID))),
		chainID: chainID,
		now:     time.Now,
	}
	for _, c := range conns {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 2 * time.Minute
		bo.MaxElapsedTime = 0
		bo.RandomizationFactor = 0
		p.endpoints = append(p.endpoints, &endpoint{url: c.URL, conn: c.Conn, bo: bo})
		endpointUp.WithLabelValues(string(chainID), c.URL).Set(1)
	}
	return p
}

func (p *Pool) pick() *endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var best *endpoint
	for _, ep := range p.endpoints {
		if !ep.retryAt.After(now) {
			return ep
		}
		if best == nil || ep.retryAt.Before(best.retryAt) {
			best = ep
		}
	}
	return best
}

func (p *Pool) report(ep *endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if ep.failures > 0 {
			p.logger.Info("rpc endpoint recovered", zap.String("url", ep.url), zap.Int("failures", ep.failures))
		}
		ep.failures = 0
		ep.retryAt = time.Time{}
		ep.lastErr = nil
		ep.bo.Reset()
		endpointUp.WithLabelValues(string(p.chainID), ep.url).Set(1)
		return
	}

	ep.failures++
	ep.lastErr = err
	ep.retryAt = p.now().Add(ep.bo.NextBackOff())
	endpointErrors.WithLabelValues(string(p.chainID), ep.url).Inc()
	endpointUp.WithLabelValues(string(p.chainID), ep.url).Set(0)
	p.logger.Warn("rpc endpoint failed",
		zap.String("url", ep.url),
		zap.Int("failures", ep.failures),
		zap.Time("retryAt", ep.retryAt),
		zap.Error(err))
}

func (p *Pool) RawCallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ep := p.pick()
	if ep == nil {
		return ErrNoEndpoints
	}
	err := ep.conn.RawCallContext(ctx, result, method, args...)
	if err != nil && ctx.Err() != nil {
		// Cancellation says nothing about the endpoint.
		return err
	}
	p.report(ep, err)
	return err
}

func (p *Pool) EndpointHealth() []chain.EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]chain.EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		h := chain.EndpointHealth{
			URL:                 ep.url,
			Healthy:             !ep.retryAt.After(now),
			ConsecutiveFailures: ep.failures,
			RetryAt:             ep.retryAt,
		}
		if ep.lastErr != nil {
			h.LastError = ep.lastErr.Error()
		}
		out = append(out, h)
	}
	return out
}
