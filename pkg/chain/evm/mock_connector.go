package evm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// MockConnector serves a synthetic chain for tests. Block hashes are derived
// from the block number and the current fork, so bumping the fork with Reorg
// changes every block above the fork point.
type MockConnector struct {
	mutex           sync.Mutex
	err             error
	persistentError bool
	blockNumber     uint64
	finalized       *uint64
	forks           map[uint64]uint64
	fork            uint64
	logs            map[uint64][]ethTypes.Log
	calls           map[string]int
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		forks: make(map[uint64]uint64),
		logs:  make(map[uint64][]ethTypes.Log),
		calls: make(map[string]int),
	}
}

// SetError takes an error which will be returned on every RPC call until cleared.
func (m *MockConnector) SetError(err error) {
	m.mutex.Lock()
	m.err = err
	m.persistentError = true
	m.mutex.Unlock()
}

// SetSingleError takes an error which will be returned on the next RPC call only.
func (m *MockConnector) SetSingleError(err error) {
	m.mutex.Lock()
	m.err = err
	m.persistentError = false
	m.mutex.Unlock()
}

func (m *MockConnector) SetBlockNumber(blockNumber uint64) {
	m.mutex.Lock()
	m.blockNumber = blockNumber
	m.mutex.Unlock()
}

func (m *MockConnector) SetFinalized(blockNumber uint64) {
	m.mutex.Lock()
	m.finalized = &blockNumber
	m.mutex.Unlock()
}

// Reorg changes the hashes of every block at or above from.
func (m *MockConnector) Reorg(from uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fork++
	m.forks[from] = m.fork
}

func (m *MockConnector) SetLogs(blockNumber uint64, logs []ethTypes.Log) {
	m.mutex.Lock()
	m.logs[blockNumber] = logs
	m.mutex.Unlock()
}

func (m *MockConnector) Calls(method string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.calls[method]
}

// HashOf returns the hash the connector reports for blockNumber.
func (m *MockConnector) HashOf(blockNumber uint64) ethCommon.Hash {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.hashLocked(blockNumber)
}

func (m *MockConnector) hashLocked(n uint64) ethCommon.Hash {
	var fork uint64
	var at uint64
	for from, f := range m.forks {
		if from <= n && (f > fork || (f == fork && from >= at)) {
			fork, at = f, from
		}
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], n)
	binary.BigEndian.PutUint64(buf[8:], fork)
	return crypto.Keccak256Hash(buf[:])
}

func (m *MockConnector) RawCallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls[method]++

	if m.err != nil {
		err := m.err
		if !m.persistentError {
			m.err = nil
		}
		return err
	}

	var raw []byte
	switch method {
	case "eth_getBlockByNumber":
		raw = m.blockJSONLocked(args[0].(string))
	case "eth_getLogs":
		filter := args[0].(map[string]interface{})
		hash := filter["blockHash"].(ethCommon.Hash)
		var logs []ethTypes.Log
		for n, l := range m.logs {
			if m.hashLocked(n) == hash {
				logs = l
			}
		}
		var err error
		if raw, err = json.Marshal(logs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("method %s not supported by mock", method)
	}
	return json.Unmarshal(raw, result)
}

func (m *MockConnector) blockJSONLocked(tag string) []byte {
	var n uint64
	switch tag {
	case "latest":
		n = m.blockNumber
	case "safe", "finalized":
		if m.finalized == nil {
			return []byte("null")
		}
		n = *m.finalized
	default:
		v, err := hexutil.DecodeUint64(tag)
		if err != nil || v > m.blockNumber {
			return []byte("null")
		}
		n = v
	}

	var parent ethCommon.Hash
	if n > 0 {
		parent = m.hashLocked(n - 1)
	}
	return []byte(fmt.Sprintf(`{"number":"%s","hash":"%s","parentHash":"%s","timestamp":"%s","transactions":[]}`,
		hexutil.EncodeUint64(n), m.hashLocked(n).Hex(), parent.Hex(), hexutil.EncodeUint64(1700000000+n*12)))
}
