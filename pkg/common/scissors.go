package common

import (
	"context"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scissorsErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "witnessd_scissor_errors_caught",
			Help: "Total number of panics recovered in background goroutines",
		}, []string{"name"})
)

// RunWithScissors starts runnable in a goroutine. A returned error or a
// recovered panic is reported on errC, prefixed with name. The report is
// dropped if ctx is cancelled before anyone reads errC.
func RunWithScissors(ctx context.Context, errC chan<- error, name string, runnable supervisor.Runnable) {
	go func() {
		err := WrapWithScissors(name, runnable)(ctx)
		if err == nil {
			return
		}
		select {
		case errC <- fmt.Errorf("%s: %w", name, err):
		case <-ctx.Done():
		}
	}()
}

// WrapWithScissors converts panics in runnable into errors.
func WrapWithScissors(name string, runnable supervisor.Runnable) supervisor.Runnable {
	return func(ctx context.Context) (result error) {
		defer func() {
			if r := recover(); r != nil {
				switch x := r.(type) {
				case error:
					result = fmt.Errorf("recovered panic: %w", x)
				default:
					result = fmt.Errorf("recovered panic: %v", x)
				}
				scissorsErrors.WithLabelValues(name).Inc()
			}
		}()
		return runnable(ctx)
	}
}
