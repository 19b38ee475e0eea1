package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// SyncStrategy selects which host chain fork the mapping follows.
type SyncStrategy int

const (
	// SyncStrategyNormal follows the best, possibly non-final, chain.
	SyncStrategyNormal SyncStrategy = iota
	// SyncStrategyParachain follows finalized blocks only.
	SyncStrategyParachain
)

func (s SyncStrategy) String() string {
	switch s {
	case SyncStrategyNormal:
		return "normal"
	case SyncStrategyParachain:
		return "parachain"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func ParseSyncStrategy(s string) (SyncStrategy, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return SyncStrategyNormal, nil
	case "parachain":
		return SyncStrategyParachain, nil
	default:
		return 0, fmt.Errorf("unknown sync strategy %q", s)
	}
}

// NativeBlockRef identifies a block of the host chain.
type NativeBlockRef struct {
	Hash       common.Hash
	Number     uint64
	ParentHash common.Hash
	Finalized  bool
}

func (r NativeBlockRef) String() string {
	return fmt.Sprintf("#%d(%s)", r.Number, r.Hash.TerminalString())
}

// EthereumBlockRecord is the Ethereum view of one translated native block.
// Apart from Canonical the record never changes once written.
type EthereumBlockRecord struct {
	EthHash       common.Hash
	EthNumber     uint64
	ParentEthHash common.Hash
	NativeHash    common.Hash
	Canonical     bool
	TxHashes      []common.Hash

	Miner            common.Address
	StateRoot        common.Hash
	TransactionsRoot common.Hash
	ReceiptsRoot     common.Hash
	LogsBloom        ethtypes.Bloom
	GasLimit         uint64
	GasUsed          uint64
	Timestamp        uint64
	BaseFee          *big.Int
	ExtraData        []byte
}

func (r *EthereumBlockRecord) String() string {
	return fmt.Sprintf("eth#%d(%s)", r.EthNumber, r.EthHash.TerminalString())
}

// Copy returns a copy that can be mutated without affecting r.
func (r *EthereumBlockRecord) Copy() *EthereumBlockRecord {
	cpy := *r
	cpy.TxHashes = append([]common.Hash(nil), r.TxHashes...)
	cpy.ExtraData = common.CopyBytes(r.ExtraData)
	if r.BaseFee != nil {
		cpy.BaseFee = new(big.Int).Set(r.BaseFee)
	}
	return &cpy
}

// EthereumTransactionRecord locates an Ethereum transaction inside a mapped block.
type EthereumTransactionRecord struct {
	EthTxHash            common.Hash
	EthBlockHash         common.Hash
	IndexInBlock         uint32
	NativeExtrinsicIndex uint32
}

// SyncCheckpoint is the last native block fully reflected in the mapping store.
type SyncCheckpoint struct {
	NativeHash   common.Hash
	NativeNumber uint64
	Strategy     SyncStrategy
}

func (c *SyncCheckpoint) String() string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("#%d(%s) %s", c.NativeNumber, c.NativeHash.TerminalString(), c.Strategy)
}

// Header renders the record as an Ethereum header whose hash is EthHash.
func (r *EthereumBlockRecord) Header() *ethtypes.Header {
	baseFee := r.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return &ethtypes.Header{
		ParentHash:  r.ParentEthHash,
		UncleHash:   ethtypes.EmptyUncleHash,
		Coinbase:    r.Miner,
		Root:        r.StateRoot,
		TxHash:      r.TransactionsRoot,
		ReceiptHash: r.ReceiptsRoot,
		Bloom:       r.LogsBloom,
		Difficulty:  new(big.Int),
		Number:      new(big.Int).SetUint64(r.EthNumber),
		GasLimit:    r.GasLimit,
		GasUsed:     r.GasUsed,
		Time:        r.Timestamp,
		Extra:       common.CopyBytes(r.ExtraData),
		BaseFee:     new(big.Int).Set(baseFee),
	}
}
