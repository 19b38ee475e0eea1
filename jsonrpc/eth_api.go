package jsonrpc

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/gasprice"
	"github.com/bnb-chain/eth-gateway/service"
	"github.com/bnb-chain/eth-gateway/syncer"
	"github.com/bnb-chain/eth-gateway/types"
)

// StatusProvider reports indexing progress for eth_syncing.
type StatusProvider interface {
	Status() syncer.SyncStatus
}

// EthAPI serves the eth namespace except filters and subscriptions. Every
// method takes one pending.View and answers against it only.
type EthAPI struct {
	chain  service.Chain
	oracle *gasprice.Oracle
	status StatusProvider
}

func NewEthAPI(chain service.Chain, oracle *gasprice.Oracle, status StatusProvider) *EthAPI {
	return &EthAPI{chain: chain, oracle: oracle, status: status}
}

// missing reports errors caused by a block disappearing mid-reorg; those
// queries answer null.
func missing(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, external.ErrBlockNotFound)
}

func (api *EthAPI) body(ctx context.Context, record *types.EthereumBlockRecord) (*service.BlockBody, error) {
	if record == nil {
		return nil, nil
	}
	body, err := api.chain.Body(ctx, record)
	if missing(err) {
		return nil, nil
	}
	return body, err
}

func (api *EthAPI) sender(tx *ethtypes.Transaction) common.Address {
	from, _ := ethtypes.Sender(api.chain.Signer(), tx)
	return from
}

func defaultBlock(bnh *BlockNumberOrHash) rpc.BlockNumberOrHash {
	if bnh == nil {
		return rpc.BlockNumberOrHashWithNumber(rpc.LatestBlockNumber)
	}
	return bnh.Resolve()
}

func (api *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(api.chain.ChainID())
}

func (api *EthAPI) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(api.chain.View().HeadNumber())
}

// Syncing returns false once the indexer follows the tip.
func (api *EthAPI) Syncing() (interface{}, error) {
	status := api.status.Status()
	if status.State != syncer.StateCatchingUp {
		return false, nil
	}
	return map[string]interface{}{
		"startingBlock": hexutil.Uint64(status.StartingBlock),
		"currentBlock":  hexutil.Uint64(status.CurrentBlock),
		"highestBlock":  hexutil.Uint64(status.HighestBlock),
	}, nil
}

func (api *EthAPI) Accounts() []common.Address {
	return []common.Address{}
}

// Coinbase returns the author of the indexed head.
func (api *EthAPI) Coinbase() (common.Address, error) {
	head, err := api.chain.Head(api.chain.View())
	if err != nil {
		return common.Address{}, service.ToRPCError(err)
	}
	return head.Miner, nil
}

func (api *EthAPI) Mining() bool {
	return false
}

func (api *EthAPI) Hashrate() hexutil.Uint64 {
	return 0
}

func (api *EthAPI) GetBlockByNumber(ctx context.Context, arg BlockNumber, fullTx bool) (map[string]interface{}, error) {
	number := arg.Number()
	view := api.chain.View()
	if number == rpc.PendingBlockNumber {
		if view.Head == nil {
			return nil, nil
		}
		baseFee, err := api.chain.BaseFee(ctx, view)
		if err != nil {
			return nil, service.ToRPCError(err)
		}
		return pendingBlock(view, baseFee, api.sender, fullTx), nil
	}
	record, err := api.chain.BlockByNumber(ctx, view, number)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	body, err := api.body(ctx, record)
	if err != nil || body == nil {
		return nil, service.ToRPCError(err)
	}
	return rpcBlock(body, fullTx), nil
}

func (api *EthAPI) GetBlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (map[string]interface{}, error) {
	view := api.chain.View()
	record, err := api.chain.BlockByHash(ctx, view, hash)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	body, err := api.body(ctx, record)
	if err != nil || body == nil {
		return nil, service.ToRPCError(err)
	}
	return rpcBlock(body, fullTx), nil
}

func (api *EthAPI) GetBlockReceipts(ctx context.Context, arg BlockNumberOrHash) ([]map[string]interface{}, error) {
	bnh := arg.Resolve()
	view := api.chain.View()
	record, err := api.chain.BlockByNumberOrHash(ctx, view, bnh)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	body, err := api.body(ctx, record)
	if err != nil || body == nil {
		return nil, service.ToRPCError(err)
	}
	return blockReceipts(body), nil
}

func (api *EthAPI) GetBlockTransactionCountByNumber(ctx context.Context, arg BlockNumber) (*hexutil.Uint, error) {
	number := arg.Number()
	view := api.chain.View()
	if number == rpc.PendingBlockNumber {
		n := hexutil.Uint(len(view.Ready))
		return &n, nil
	}
	record, err := api.chain.BlockByNumber(ctx, view, number)
	if err != nil || record == nil {
		return nil, service.ToRPCError(err)
	}
	n := hexutil.Uint(len(record.TxHashes))
	return &n, nil
}

func (api *EthAPI) GetBlockTransactionCountByHash(ctx context.Context, hash common.Hash) (*hexutil.Uint, error) {
	record, err := api.chain.BlockByHash(ctx, api.chain.View(), hash)
	if err != nil || record == nil {
		return nil, service.ToRPCError(err)
	}
	n := hexutil.Uint(len(record.TxHashes))
	return &n, nil
}

func (api *EthAPI) transactionAt(ctx context.Context, record *types.EthereumBlockRecord, index hexutil.Uint) (*RPCTransaction, error) {
	if record == nil || int(index) >= len(record.TxHashes) {
		return nil, nil
	}
	body, err := api.body(ctx, record)
	if err != nil || body == nil {
		return nil, service.ToRPCError(err)
	}
	return newRPCTransaction(body.Txs[index], body.Senders[index], record, uint64(index)), nil
}

func (api *EthAPI) GetTransactionByBlockNumberAndIndex(ctx context.Context, arg BlockNumber, index hexutil.Uint) (*RPCTransaction, error) {
	number := arg.Number()
	view := api.chain.View()
	if number == rpc.PendingBlockNumber {
		if int(index) >= len(view.Ready) {
			return nil, nil
		}
		tx := view.Ready[index]
		return newRPCTransaction(tx, api.sender(tx), nil, 0), nil
	}
	record, err := api.chain.BlockByNumber(ctx, view, number)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return api.transactionAt(ctx, record, index)
}

func (api *EthAPI) GetTransactionByBlockHashAndIndex(ctx context.Context, hash common.Hash, index hexutil.Uint) (*RPCTransaction, error) {
	view := api.chain.View()
	record, err := api.chain.BlockByHash(ctx, view, hash)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return api.transactionAt(ctx, record, index)
}

func (api *EthAPI) GetTransactionByHash(ctx context.Context, hash common.Hash) (*RPCTransaction, error) {
	found, err := api.chain.Transaction(ctx, api.chain.View(), hash)
	if err != nil || found == nil {
		return nil, service.ToRPCError(err)
	}
	return newRPCTransaction(found.Tx, found.From, found.Block, found.Index), nil
}

func (api *EthAPI) GetTransactionReceipt(ctx context.Context, hash common.Hash) (map[string]interface{}, error) {
	found, err := api.chain.Receipt(ctx, api.chain.View(), hash)
	if err != nil || found == nil {
		return nil, service.ToRPCError(err)
	}
	return rpcReceipt(found), nil
}

func (api *EthAPI) GetTransactionCount(ctx context.Context, address common.Address, arg BlockNumberOrHash) (*hexutil.Uint64, error) {
	bnh := arg.Resolve()
	nonce, err := api.chain.Nonce(ctx, api.chain.View(), address, bnh)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return (*hexutil.Uint64)(&nonce), nil
}

func (api *EthAPI) GetBalance(ctx context.Context, address common.Address, arg BlockNumberOrHash) (*hexutil.Big, error) {
	bnh := arg.Resolve()
	balance, err := api.chain.Balance(ctx, api.chain.View(), address, bnh)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return (*hexutil.Big)(balance), nil
}

func (api *EthAPI) GetCode(ctx context.Context, address common.Address, arg BlockNumberOrHash) (hexutil.Bytes, error) {
	bnh := arg.Resolve()
	code, err := api.chain.Code(ctx, api.chain.View(), address, bnh)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return code, nil
}

func (api *EthAPI) GetStorageAt(ctx context.Context, address common.Address, hexKey string, arg BlockNumberOrHash) (hexutil.Bytes, error) {
	bnh := arg.Resolve()
	key, err := decodeHash(hexKey)
	if err != nil {
		return nil, service.InvalidParams("unable to decode storage key: %s", err.Error())
	}
	value, err := api.chain.Storage(ctx, api.chain.View(), address, key, bnh)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return value[:], nil
}

// decodeHash parses a hex-encoded 32 byte hash; the 0x prefix is optional and
// shorter values are left padded.
func decodeHash(s string) (common.Hash, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if (len(s) & 1) > 0 {
		s = "0" + s
	}
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return common.Hash{}, errors.New("hex string invalid")
	}
	if len(b) > common.HashLength {
		return common.Hash{}, errors.New("hex string too long, want at most 32 bytes")
	}
	return common.BytesToHash(b), nil
}

func (api *EthAPI) Call(ctx context.Context, args TransactionArgs, bnh *BlockNumberOrHash, overrides *external.StateOverride) (hexutil.Bytes, error) {
	msg, err := args.toMessage(api.chain.ChainID())
	if err != nil {
		return nil, err
	}
	var state external.StateOverride
	if overrides != nil {
		state = *overrides
	}
	result, err := api.chain.Call(ctx, api.chain.View(), msg, defaultBlock(bnh), state)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	if result.Failed() {
		return nil, service.NewExecutionError(result)
	}
	return result.ReturnData, nil
}

func (api *EthAPI) EstimateGas(ctx context.Context, args TransactionArgs, bnh *BlockNumberOrHash) (hexutil.Uint64, error) {
	msg, err := args.toMessage(api.chain.ChainID())
	if err != nil {
		return 0, err
	}
	gas, err := api.chain.EstimateGas(ctx, api.chain.View(), msg, defaultBlock(bnh))
	if err != nil {
		return 0, service.ToRPCError(err)
	}
	return hexutil.Uint64(gas), nil
}

func (api *EthAPI) SendRawTransaction(ctx context.Context, input hexutil.Bytes) (common.Hash, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, service.InvalidParams("%s", err.Error())
	}
	if err := api.chain.SendTransaction(ctx, api.chain.View(), tx); err != nil {
		return common.Hash{}, service.ToRPCError(err)
	}
	return tx.Hash(), nil
}

// GasPrice suggests a legacy gas price: the suggested tip on top of the next
// block's base fee.
func (api *EthAPI) GasPrice(ctx context.Context) (*hexutil.Big, error) {
	view := api.chain.View()
	tip, err := api.oracle.SuggestTipCap(ctx, view)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	baseFee, err := api.chain.BaseFee(ctx, view)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return (*hexutil.Big)(new(big.Int).Add(tip, baseFee)), nil
}

func (api *EthAPI) MaxPriorityFeePerGas(ctx context.Context) (*hexutil.Big, error) {
	tip, err := api.oracle.SuggestTipCap(ctx, api.chain.View())
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return (*hexutil.Big)(tip), nil
}

func (api *EthAPI) FeeHistory(ctx context.Context, blockCount math.HexOrDecimal64, lastBlock BlockNumber, rewardPercentiles []float64) (*gasprice.FeeHistory, error) {
	history, err := api.oracle.FeeHistory(ctx, api.chain.View(), uint64(blockCount), lastBlock.Number(), rewardPercentiles)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return history, nil
}

// PendingTransactions lists every transaction of the pool, ready and future.
func (api *EthAPI) PendingTransactions() []*RPCTransaction {
	txs := api.chain.View().All()
	result := make([]*RPCTransaction, 0, len(txs))
	for _, tx := range txs {
		result = append(result, newRPCTransaction(tx, api.sender(tx), nil, 0))
	}
	return result
}

func (api *EthAPI) uncleCount(record *types.EthereumBlockRecord, err error) (*hexutil.Uint, error) {
	if err != nil || record == nil {
		return nil, service.ToRPCError(err)
	}
	n := hexutil.Uint(0)
	return &n, nil
}

func (api *EthAPI) GetUncleCountByBlockNumber(ctx context.Context, arg BlockNumber) (*hexutil.Uint, error) {
	number := arg.Number()
	if number == rpc.PendingBlockNumber {
		n := hexutil.Uint(0)
		return &n, nil
	}
	return api.uncleCount(api.chain.BlockByNumber(ctx, api.chain.View(), number))
}

func (api *EthAPI) GetUncleCountByBlockHash(ctx context.Context, hash common.Hash) (*hexutil.Uint, error) {
	return api.uncleCount(api.chain.BlockByHash(ctx, api.chain.View(), hash))
}

// GetUncleByBlockNumberAndIndex returns null; the host chain has no uncles.
func (api *EthAPI) GetUncleByBlockNumberAndIndex(_ context.Context, _ BlockNumber, _ hexutil.Uint) (map[string]interface{}, error) {
	return nil, nil
}

func (api *EthAPI) GetUncleByBlockHashAndIndex(_ context.Context, _ common.Hash, _ hexutil.Uint) (map[string]interface{}, error) {
	return nil, nil
}

func (api *EthAPI) GetCompilers() ([]string, error) {
	return nil, service.MethodNotSupported("eth_getCompilers")
}

func (api *EthAPI) CompileLLL(_ *string) (hexutil.Bytes, error) {
	return nil, service.MethodNotSupported("eth_compileLLL")
}

func (api *EthAPI) CompileSolidity(_ *string) (hexutil.Bytes, error) {
	return nil, service.MethodNotSupported("eth_compileSolidity")
}

func (api *EthAPI) CompileSerpent(_ *string) (hexutil.Bytes, error) {
	return nil, service.MethodNotSupported("eth_compileSerpent")
}
