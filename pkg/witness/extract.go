package witness

import (
	"encoding/json"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/chain/evm"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// CategoryHeaders witnesses every block header.
	CategoryHeaders chain.Category = "headers"
	// CategoryLogs witnesses the logs of the configured contracts.
	CategoryLogs chain.Category = "logs"
)

type evmHeader struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       ethCommon.Hash `json:"hash"`
	ParentHash ethCommon.Hash `json:"parentHash"`
	Time       hexutil.Uint64 `json:"timestamp"`
}

func EVMHeaders(b evm.Block) (json.RawMessage, error) {
	return json.Marshal(evmHeader{
		Number:     hexutil.Uint64(b.Index),
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Time:       hexutil.Uint64(b.Data.Time),
	})
}

// EVMLogs witnesses the contract logs of a block. Blocks without logs are
// skipped.
func EVMLogs(b evm.Block) (json.RawMessage, error) {
	if len(b.Data.Logs) == 0 {
		return nil, nil
	}
	return json.Marshal(b.Data.Logs)
}

// EVMExtractors maps the categories supported for EVM chains.
var EVMExtractors = map[chain.Category]Extractor[evm.BlockData]{
	CategoryHeaders: EVMHeaders,
	CategoryLogs:    EVMLogs,
}
