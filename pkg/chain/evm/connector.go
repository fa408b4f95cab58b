package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// Connector is the JSON-RPC surface used by the EVM source.
type Connector interface {
	RawCallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPCConnector talks to a single node over go-ethereum's rpc client.
type RPCConnector struct {
	url    string
	client *rpc.Client
}

func DialConnector(ctx context.Context, url string) (*RPCConnector, error) {
	timeout, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := rpc.DialContext(timeout, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return &RPCConnector{url: url, client: client}, nil
}

func (c *RPCConnector) URL() string {
	return c.url
}

func (c *RPCConnector) RawCallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.client.CallContext(ctx, result, method, args...)
}

func (c *RPCConnector) Close() {
	c.client.Close()
}
