package external

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/bnb-chain/eth-gateway/types"
)

var (
	ErrBlockNotFound = errors.New("native block not found")
	ErrStateNotFound = errors.New("state not available")
	// ErrInvalidOpcode is reported by engines that cannot build go-ethereum's
	// vm.ErrInvalidOpCode themselves.
	ErrInvalidOpcode = errors.New("invalid opcode")
)

// OverrideError rejects a state override the engine cannot apply.
type OverrideError struct {
	Reason string
}

func (e *OverrideError) Error() string { return e.Reason }

// NativeBlock is a host chain block as seen by the gateway. Extrinsics are
// opaque; Ethereum transactions among them are in their binary encoding.
// Digest is the Ethereum digest attached by the execution layer.
type NativeBlock struct {
	Ref        types.NativeBlockRef
	Extrinsics [][]byte
	Digest     []byte
}

type ImportNotification struct {
	Ref       types.NativeBlockRef
	IsNewBest bool
}

type FinalityNotification struct {
	Ref types.NativeBlockRef
}

// HostChain is the read side of the host chain client.
type HostChain interface {
	Block(ctx context.Context, hash common.Hash) (*NativeBlock, error)
	Header(ctx context.Context, hash common.Hash) (types.NativeBlockRef, error)
	HashByNumber(ctx context.Context, number uint64) (common.Hash, error)
	BestBlock(ctx context.Context) (types.NativeBlockRef, error)
	FinalizedBlock(ctx context.Context) (types.NativeBlockRef, error)
	PeerCount() int
	SubscribeImports(ch chan<- ImportNotification) event.Subscription
	SubscribeFinality(ch chan<- FinalityNotification) event.Subscription
}

// CallMsg is a message executed without being included in a block.
type CallMsg struct {
	From                 common.Address
	To                   *common.Address
	Gas                  uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Data                 []byte
	AccessList           ethtypes.AccessList
}

// OverrideAccount replaces parts of an account for the duration of a call.
// State replaces the whole storage, StateDiff patches individual slots.
type OverrideAccount struct {
	Nonce     *hexutil.Uint64              `json:"nonce"`
	Code      *hexutil.Bytes               `json:"code"`
	Balance   *hexutil.Big                 `json:"balance"`
	State     *map[common.Hash]common.Hash `json:"state"`
	StateDiff *map[common.Hash]common.Hash `json:"stateDiff"`
}

type StateOverride map[common.Address]OverrideAccount

// ExecutionResult is the outcome of a call. Err is one of the go-ethereum
// core/vm errors (out of gas, execution reverted, invalid opcode) when the
// message failed inside the EVM.
type ExecutionResult struct {
	UsedGas    uint64
	ReturnData []byte
	Err        error
}

func (r *ExecutionResult) Failed() bool { return r.Err != nil }

// ExecutionEngine answers state queries against the state after a native block.
type ExecutionEngine interface {
	Call(ctx context.Context, msg *CallMsg, at common.Hash, overrides StateOverride) (*ExecutionResult, error)
	EstimateGas(ctx context.Context, msg *CallMsg, at common.Hash) (uint64, error)
	Balance(ctx context.Context, at common.Hash, addr common.Address) (*big.Int, error)
	Nonce(ctx context.Context, at common.Hash, addr common.Address) (uint64, error)
	Code(ctx context.Context, at common.Hash, addr common.Address) ([]byte, error)
	Storage(ctx context.Context, at common.Hash, addr common.Address, key common.Hash) (common.Hash, error)
	BlockReceipts(ctx context.Context, at common.Hash) ([]*ethtypes.Receipt, error)
	// BaseFee returns the base fee a transaction must pay to enter the block built on top of at.
	BaseFee(ctx context.Context, at common.Hash) (*big.Int, error)
	BlockGasLimit(ctx context.Context, at common.Hash) (uint64, error)
}

// TxPool is the capability set shared by every host transaction pool.
type TxPool interface {
	Submit(ctx context.Context, tx *ethtypes.Transaction) error
	// Ready returns executable transactions in inclusion order.
	Ready() []*ethtypes.Transaction
	// All returns ready and nonce-gapped transactions.
	All() (ready, future []*ethtypes.Transaction)
	// OnImported registers a callback run whenever the pool content changes.
	OnImported(cb func())
}

// ForkAwareTxPool keeps a ready set per fork.
type ForkAwareTxPool interface {
	TxPool
	ReadyAt(at common.Hash) []*ethtypes.Transaction
}
