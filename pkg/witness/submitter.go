package witness

import (
	"context"
	"errors"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/retrier"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Submitter delivers witnesses. Errors wrapped with retrier.Permanent are
// never retried; every other error is.
type Submitter interface {
	Submit(ctx context.Context, w Witness) error
}

const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// SubmitResult is the response of witness_submit.
type SubmitResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// JSON-RPC error codes that no retry can fix.
var permanentCodes = map[int]bool{
	-32600: true, // invalid request
	-32602: true, // invalid params
}

// RPCSubmitter calls witness_submit on a JSON-RPC endpoint.
type RPCSubmitter struct {
	url    string
	client *rpc.Client
}

func DialSubmitter(ctx context.Context, url string) (*RPCSubmitter, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial submission endpoint: %w", err)
	}
	return &RPCSubmitter{url: url, client: client}, nil
}

func (s *RPCSubmitter) Close() {
	s.client.Close()
}

func (s *RPCSubmitter) Submit(ctx context.Context, w Witness) error {
	var res SubmitResult
	if err := s.client.CallContext(ctx, &res, "witness_submit", w); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && permanentCodes[rpcErr.ErrorCode()] {
			return retrier.Permanent(fmt.Errorf("witness_submit: %w", err))
		}
		return fmt.Errorf("witness_submit: %w", err)
	}

	switch res.Status {
	case StatusAccepted, StatusDuplicate:
		return nil
	case StatusRejected:
		return retrier.Permanent(fmt.Errorf("witness %s rejected: %s", w.ID, res.Reason))
	}
	return fmt.Errorf("witness_submit returned unknown status %q", res.Status)
}

// LogSubmitter only logs witnesses. It is used when no submission endpoint
// is configured.
type LogSubmitter struct {
	Logger *zap.Logger
}

func (s LogSubmitter) Submit(_ context.Context, w Witness) error {
	s.Logger.Info("witness",
		zap.Stringer("id", w.ID),
		zap.String("chain", string(w.Chain)),
		zap.String("category", string(w.Category)),
		zap.Uint32("epoch", w.Epoch),
		zap.Uint64("index", w.Index),
		zap.Stringer("hash", w.Hash),
		zap.ByteString("payload", w.Payload))
	return nil
}
