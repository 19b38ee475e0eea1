package db

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/bnb-chain/eth-gateway/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrCorrupted = errors.New("mapping store corrupted")
)

type SelectorKind int

const (
	SelectByHash SelectorKind = iota
	SelectByNumber
	SelectLatest
	SelectEarliest
)

// BlockSelector picks one block record. Number and Hash are read according to Kind.
type BlockSelector struct {
	Kind   SelectorKind
	Hash   common.Hash
	Number uint64
}

func ByHash(hash common.Hash) BlockSelector { return BlockSelector{Kind: SelectByHash, Hash: hash} }

func ByNumber(number uint64) BlockSelector {
	return BlockSelector{Kind: SelectByNumber, Number: number}
}

func Latest() BlockSelector   { return BlockSelector{Kind: SelectLatest} }
func Earliest() BlockSelector { return BlockSelector{Kind: SelectEarliest} }

// LogQuery selects canonical logs in [FromBlock, ToBlock]. An empty position in
// Topics matches anything; Limit 0 means no limit.
type LogQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
	Limit     int
}

// MappingDao is the contract shared by the key-value and the sql mapping stores.
// There is exactly one writer; every write method is atomic, including the
// checkpoint it carries.
type MappingDao interface {
	// PutBlock stores a translated block with its transactions and logs. Writing
	// the same block again is a no-op apart from the canonical flag and checkpoint.
	PutBlock(block *types.EthereumBlockRecord, txs []*types.EthereumTransactionRecord, logs []*ethtypes.Log, cp *types.SyncCheckpoint) error
	// Canonicalize makes hash the canonical block at number, demoting the
	// previous holder. A zero hash leaves no canonical block at number.
	Canonicalize(number uint64, hash common.Hash, cp *types.SyncCheckpoint) error

	GetBlock(sel BlockSelector, canonicalOnly bool) (*types.EthereumBlockRecord, error)
	GetBlockByNativeHash(nativeHash common.Hash) (*types.EthereumBlockRecord, error)
	// GetTransaction returns the record of hash inside a canonical block.
	GetTransaction(hash common.Hash) (*types.EthereumTransactionRecord, error)
	GetLogs(q *LogQuery) ([]*ethtypes.Log, error)

	GetCheckpoint() (*types.SyncCheckpoint, error)
	SetCheckpoint(cp *types.SyncCheckpoint) error

	// PruneBefore drops non-canonical blocks below number and returns how many were removed.
	PruneBefore(number uint64) (int, error)
	Close() error
}

// MatchLog reports whether log passes the address and topic criteria.
func MatchLog(log *ethtypes.Log, addresses []common.Address, topics [][]common.Hash) bool {
	if len(addresses) > 0 {
		found := false
		for _, addr := range addresses {
			if addr == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(topics) > len(log.Topics) {
		return false
	}
	for i, sub := range topics {
		if len(sub) == 0 {
			continue
		}
		match := false
		for _, topic := range sub {
			if topic == log.Topics[i] {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
