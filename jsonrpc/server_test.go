package jsonrpc

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/cache"
	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/external/devnet"
	"github.com/bnb-chain/eth-gateway/filters"
	"github.com/bnb-chain/eth-gateway/gasprice"
	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
	"github.com/bnb-chain/eth-gateway/syncer"
	"github.com/bnb-chain/eth-gateway/types"
)

var (
	alice = devnet.NewAccount("alice")
	bob   = devnet.NewAccount("bob")
	ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	funds = new(big.Int).Mul(ether, big.NewInt(1000))
)

type testEnv struct {
	t       *testing.T
	chain   *devnet.Chain
	store   db.MappingDao
	adapter *pending.Adapter
	client  *rpc.Client
}

type envOptions struct {
	// engine wraps the execution engine the services call into
	engine          func(external.ExecutionEngine) external.ExecutionEngine
	estimateTimeout time.Duration
	// blocks are produced before indexing starts at startBlock
	blocks     int
	startBlock uint64
}

func newTestEnv(t *testing.T, maxRange uint64) *testEnv {
	return newTestEnvWith(t, maxRange, envOptions{})
}

func newTestEnvWith(t *testing.T, maxRange uint64, opts envOptions) *testEnv {
	chain := devnet.New(devnet.Config{
		ChainID:  big.NewInt(1337),
		Coinbase: common.HexToAddress("0xc0ffee"),
		Alloc: map[common.Address]*big.Int{
			alice.Address: funds,
			bob.Address:   funds,
		},
	})
	for i := 0; i < opts.blocks; i++ {
		_, err := chain.Produce()
		require.NoError(t, err)
	}
	best, err := chain.BestBlock(context.Background())
	require.NoError(t, err)
	store, err := db.NewKVStore("")
	require.NoError(t, err)
	adapter, err := pending.NewAdapter(chain.TxPool(), config.PoolSingleState)
	require.NoError(t, err)
	s, err := syncer.NewSyncer(store, chain, chain, adapter, &config.SyncerConfig{StartBlock: opts.startBlock})
	require.NoError(t, err)
	lru, err := cache.NewLocalCache(1024)
	require.NoError(t, err)

	var engine external.ExecutionEngine = chain
	if opts.engine != nil {
		engine = opts.engine(chain)
	}
	estimateTimeout := 5 * time.Second
	if opts.estimateTimeout != 0 {
		estimateTimeout = opts.estimateTimeout
	}
	svc := service.NewChainService(store, chain, engine, chain.TxPool(), adapter, lru, chain.ChainID(), estimateTimeout)
	logs := filters.NewLogEngine(store, svc, maxRange, 10000)
	manager := filters.NewManager(svc, logs, 100, time.Minute)
	events := filters.NewEventSystem(s, adapter, 64)
	backend := &Backend{
		Chain:   svc,
		Host:    chain,
		Oracle:  gasprice.NewOracle(svc, 20, 60, lru),
		Status:  s,
		Logs:    logs,
		Filters: manager,
		Events:  events,
	}
	cfg := &config.RPCConfig{MaxBlockRange: maxRange}
	server, err := NewServer(cfg, backend.APIs(cfg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go adapter.Start(ctx)
	events.Start(ctx)
	manager.Start(ctx, adapter)
	svc.Follow(ctx, s)
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	client := server.InProc()
	t.Cleanup(func() {
		client.Close()
		server.Stop()
		cancel()
		<-done
		store.Close()
	})

	env := &testEnv{t: t, chain: chain, store: store, adapter: adapter, client: client}
	env.waitIndexed(best.Hash)
	return env
}

func (e *testEnv) waitIndexed(native common.Hash) {
	require.Eventually(e.t, func() bool {
		head := e.adapter.View().Head
		return head != nil && head.NativeHash == native
	}, 5*time.Second, 10*time.Millisecond)
}

func (e *testEnv) produce() types.NativeBlockRef {
	ref, err := e.chain.Produce()
	require.NoError(e.t, err)
	e.waitIndexed(ref.Hash)
	return ref
}

func (e *testEnv) call(result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.client.CallContext(ctx, result, method, args...)
}

func (e *testEnv) send(tx *ethtypes.Transaction) common.Hash {
	raw, err := tx.MarshalBinary()
	require.NoError(e.t, err)
	var hash common.Hash
	require.NoError(e.t, e.call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw)))
	require.Equal(e.t, tx.Hash(), hash)
	return hash
}

func requireRPCError(t *testing.T, err error, code int, message string) {
	require.Error(t, err)
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, code, rpcErr.ErrorCode())
	require.Equal(t, message, err.Error())
}

func TestDeployedCodeVisibleAfterIndexing(t *testing.T) {
	env := newTestEnv(t, 1024)
	code := []byte{0x60, 0x80, 0x60, 0x40}
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, Data: code}))
	contract := crypto.CreateAddress(alice.Address, 0)

	var got hexutil.Bytes
	require.NoError(t, env.call(&got, "eth_getCode", contract, "latest"))
	require.Equal(t, "0x", got.String())
	require.NoError(t, env.call(&got, "eth_getCode", contract, "pending"))
	require.Equal(t, "0x", got.String())

	ref := env.produce()
	require.NoError(t, env.chain.Finalize(ref.Hash))
	require.NoError(t, env.call(&got, "eth_getCode", contract, "latest"))
	require.Equal(t, hexutil.Bytes(code), got)
	require.NoError(t, env.call(&got, "eth_getCode", contract, "finalized"))
	require.Equal(t, hexutil.Bytes(code), got)
	require.NoError(t, env.call(&got, "eth_getCode", contract, "0x0"))
	require.Equal(t, "0x", got.String())
}

func TestCallUnknownBlock(t *testing.T) {
	env := newTestEnv(t, 1024)
	var out hexutil.Bytes
	err := env.call(&out, "eth_call", map[string]interface{}{"to": bob.Address}, "999999")
	requireRPCError(t, err, service.CodeServer, "header not found")
	err = env.call(&out, "eth_call", map[string]interface{}{"to": bob.Address}, "0xf423f")
	requireRPCError(t, err, service.CodeServer, "header not found")

	var balance hexutil.Big
	err = env.call(&balance, "eth_getBalance", bob.Address, "999999")
	requireRPCError(t, err, service.CodeServer, "header not found")

	var block map[string]interface{}
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "999999", false))
	require.Nil(t, block)
}

func TestDecimalBlockArguments(t *testing.T) {
	env := newTestEnv(t, 1024)
	var balance hexutil.Big
	require.NoError(t, env.call(&balance, "eth_getBalance", alice.Address, "0"))
	require.Equal(t, 0, balance.ToInt().Cmp(funds))
	require.NoError(t, env.call(&balance, "eth_getBalance", alice.Address, 0))
	require.Equal(t, 0, balance.ToInt().Cmp(funds))

	var block map[string]interface{}
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "0", false))
	require.Equal(t, "0x0", block["number"])

	err := env.call(&balance, "eth_getBalance", alice.Address, "12ab")
	require.Error(t, err)
}

func TestEarliestWhenIndexingStartedLater(t *testing.T) {
	env := newTestEnvWith(t, 1024, envOptions{blocks: 3, startBlock: 2})
	var block map[string]interface{}
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "0x0", false))
	require.Nil(t, block)
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "earliest", false))
	require.Nil(t, block)
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "0x2", false))
	require.Equal(t, "0x2", block["number"])
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "latest", false))
	require.Equal(t, "0x3", block["number"])
}

func TestSendRawTransactionBelowBaseFee(t *testing.T) {
	env := newTestEnv(t, 1024)
	tx := env.chain.SignTx(alice, devnet.TxArgs{
		Nonce:     0,
		To:        &bob.Address,
		GasTipCap: big.NewInt(0),
		GasFeeCap: new(big.Int).Sub(devnet.DefaultBaseFee, big.NewInt(1)),
		Gas:       21000,
	})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	var hash common.Hash
	err = env.call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw))
	requireRPCError(t, err, service.CodeServer, "gas price less than block base fee")
	require.Empty(t, env.adapter.View().All())
}

func TestSendRawTransactionRejections(t *testing.T) {
	env := newTestEnv(t, 1024)
	var hash common.Hash

	lowGas := env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Gas: 20000})
	raw, _ := lowGas.MarshalBinary()
	requireRPCError(t, env.call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw)), service.CodeServer, "intrinsic gas too low")

	tooMuch := env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Value: new(big.Int).Mul(ether, big.NewInt(5000)), Gas: 21000})
	raw, _ = tooMuch.MarshalBinary()
	requireRPCError(t, env.call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw)), service.CodeServer, "insufficient funds for gas * price + value")

	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Gas: 21000}))
	env.produce()
	stale := env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Gas: 21000, GasTipCap: big.NewInt(5)})
	raw, _ = stale.MarshalBinary()
	requireRPCError(t, env.call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw)), service.CodeServer, "nonce too low")

	require.Error(t, env.call(&hash, "eth_sendRawTransaction", hexutil.Bytes{0x01, 0x02}))
}

func TestMaxPriorityFeePerGasPercentile(t *testing.T) {
	env := newTestEnv(t, 1024)
	nonce := uint64(0)
	for b := 0; b < 20; b++ {
		for i := 0; i < 10; i++ {
			env.send(env.chain.SignTx(alice, devnet.TxArgs{
				Nonce:     nonce,
				To:        &bob.Address,
				Gas:       21000,
				GasTipCap: big.NewInt(int64(nonce)),
			}))
			nonce++
		}
		env.produce()
	}

	var tip hexutil.Big
	require.NoError(t, env.call(&tip, "eth_maxPriorityFeePerGas"))
	require.Equal(t, int64(119), tip.ToInt().Int64())

	var price hexutil.Big
	require.NoError(t, env.call(&price, "eth_gasPrice"))
	require.Equal(t, new(big.Int).Add(devnet.DefaultBaseFee, big.NewInt(119)), price.ToInt())

	var history gasprice.FeeHistory
	require.NoError(t, env.call(&history, "eth_feeHistory", "0x4", "latest", []float64{0, 100}))
	require.Equal(t, uint64(17), history.OldestBlock.ToInt().Uint64())
	require.Len(t, history.Reward, 4)
	require.Len(t, history.BaseFee, 5)
	require.Equal(t, int64(160), history.Reward[0][0].ToInt().Int64())
	require.Equal(t, int64(199), history.Reward[3][1].ToInt().Int64())
}

func TestMaxPriorityFeeZeroWhenBlockWithoutTips(t *testing.T) {
	env := newTestEnv(t, 1024)
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Gas: 21000, GasTipCap: big.NewInt(50)}))
	env.produce()
	env.produce()

	var tip hexutil.Big
	require.NoError(t, env.call(&tip, "eth_maxPriorityFeePerGas"))
	require.Equal(t, int64(0), tip.ToInt().Int64())
}

func TestGetLogsRangeLimit(t *testing.T) {
	env := newTestEnv(t, 10)
	code := []byte{0x60, 0x01}
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, Data: code}))
	contract := crypto.CreateAddress(alice.Address, 0)
	env.produce()
	for i := uint64(1); i <= 11; i++ {
		env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: i, To: &contract, Data: []byte{byte(i)}}))
		env.produce()
	}

	var logs []*ethtypes.Log
	err := env.call(&logs, "eth_getLogs", map[string]interface{}{"fromBlock": "0x1", "toBlock": "0xc"})
	requireRPCError(t, err, service.CodeLimitExceeded, "block range is too wide (maximum 10)")

	require.NoError(t, env.call(&logs, "eth_getLogs", map[string]interface{}{"fromBlock": "0x1", "toBlock": "0xb"}))
	require.Len(t, logs, 10)
	for _, log := range logs {
		require.Equal(t, contract, log.Address)
		require.Equal(t, devnet.CalledTopic, log.Topics[0])
	}

	require.NoError(t, env.call(&logs, "eth_getLogs", map[string]interface{}{
		"fromBlock": "0x2",
		"toBlock":   "latest",
		"topics":    [][]common.Hash{{devnet.CalledTopic}, {common.BytesToHash(bob.Address.Bytes())}},
	}))
	require.Empty(t, logs)

	var last map[string]interface{}
	require.NoError(t, env.call(&last, "eth_getBlockByNumber", "latest", false))
	require.NoError(t, env.call(&logs, "eth_getLogs", map[string]interface{}{"blockHash": last["hash"]}))
	require.Len(t, logs, 1)
	require.Equal(t, hexutil.Bytes{11}, hexutil.Bytes(logs[0].Data))
}

func TestDeprecatedMethods(t *testing.T) {
	env := newTestEnv(t, 1024)
	var out interface{}
	requireRPCError(t, env.call(&out, "eth_getCompilers"), service.CodeInvalidRequest, "Method eth_getCompilers not supported.")
	requireRPCError(t, env.call(&out, "eth_compileSolidity", "contract C {}"), service.CodeInvalidRequest, "Method eth_compileSolidity not supported.")
	requireRPCError(t, env.call(&out, "eth_compileLLL", "(returnlll)"), service.CodeInvalidRequest, "Method eth_compileLLL not supported.")
	requireRPCError(t, env.call(&out, "eth_compileSerpent"), service.CodeInvalidRequest, "Method eth_compileSerpent not supported.")
}

func TestEstimateGasIsSufficient(t *testing.T) {
	env := newTestEnv(t, 1024)
	code := []byte{0x60, 0x01, 0x60, 0x02, 0x60, 0x03}
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, Data: code}))
	contract := crypto.CreateAddress(alice.Address, 0)
	env.produce()

	input := hexutil.Bytes{0xaa, 0xbb}
	args := map[string]interface{}{"from": alice.Address, "to": contract, "input": input}
	var estimate hexutil.Uint64
	require.NoError(t, env.call(&estimate, "eth_estimateGas", args))
	need := uint64(21000 + 2*16 + uint64(len(code))*devnet.CodeByteGas + devnet.StorageGas)
	require.GreaterOrEqual(t, uint64(estimate), need)
	require.Less(t, uint64(estimate), need+need/10)

	var out hexutil.Bytes
	args["gas"] = estimate
	require.NoError(t, env.call(&out, "eth_call", args, "latest"))
	require.Equal(t, hexutil.Bytes(crypto.Keccak256(input)), out)
	args["gas"] = hexutil.Uint64(need - 1)
	require.Error(t, env.call(&out, "eth_call", args, "latest"))

	hash := env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 1, To: &contract, Data: input, Gas: uint64(estimate)}))
	env.produce()
	var receipt map[string]interface{}
	require.NoError(t, env.call(&receipt, "eth_getTransactionReceipt", hash))
	require.Equal(t, "0x1", receipt["status"])
	require.Equal(t, hexutil.Uint64(need).String(), receipt["gasUsed"])

	var transfer hexutil.Uint64
	require.NoError(t, env.call(&transfer, "eth_estimateGas", map[string]interface{}{"from": alice.Address, "to": bob.Address}))
	require.Equal(t, hexutil.Uint64(21000), transfer)
}

func TestEstimateTransferBeyondBalance(t *testing.T) {
	env := newTestEnv(t, 1024)
	args := map[string]interface{}{
		"from":  alice.Address,
		"to":    bob.Address,
		"value": (*hexutil.Big)(new(big.Int).Mul(ether, big.NewInt(1000000))),
	}
	var estimate hexutil.Uint64
	err := env.call(&estimate, "eth_estimateGas", args)
	requireRPCError(t, err, service.CodeServer, "insufficient funds for gas * price + value")

	var out hexutil.Bytes
	err = env.call(&out, "eth_call", args, "latest")
	requireRPCError(t, err, service.CodeServer, "insufficient funds for gas * price + value")
}

// stallingEngine never finishes a call before its context is done.
type stallingEngine struct {
	external.ExecutionEngine
}

func (e stallingEngine) Call(ctx context.Context, _ *external.CallMsg, _ common.Hash, _ external.StateOverride) (*external.ExecutionResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEstimateGasTimeout(t *testing.T) {
	env := newTestEnvWith(t, 1024, envOptions{
		engine:          func(e external.ExecutionEngine) external.ExecutionEngine { return stallingEngine{e} },
		estimateTimeout: 50 * time.Millisecond,
	})
	var estimate hexutil.Uint64
	err := env.call(&estimate, "eth_estimateGas", map[string]interface{}{"from": alice.Address, "to": bob.Address})
	requireRPCError(t, err, service.CodeServer, "gas estimation timed out")

	err = env.call(&estimate, "eth_estimateGas", map[string]interface{}{"from": alice.Address, "input": hexutil.Bytes{0x60, 0x01}})
	requireRPCError(t, err, service.CodeServer, "gas estimation timed out")
}

func TestCallRevertCarriesData(t *testing.T) {
	env := newTestEnv(t, 1024)
	reason := []byte{0xde, 0xad}
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, Data: append([]byte{0xfd}, reason...)}))
	contract := crypto.CreateAddress(alice.Address, 0)
	env.produce()

	var out hexutil.Bytes
	err := env.call(&out, "eth_call", map[string]interface{}{"to": contract}, "latest")
	require.Error(t, err)
	var dataErr rpc.DataError
	require.ErrorAs(t, err, &dataErr)
	require.Equal(t, "0xdead", dataErr.ErrorData())
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, service.CodeReverted, rpcErr.ErrorCode())

	var estimate hexutil.Uint64
	err = env.call(&estimate, "eth_estimateGas", map[string]interface{}{"to": contract})
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, service.CodeReverted, rpcErr.ErrorCode())
}

func TestCallWithStateOverride(t *testing.T) {
	env := newTestEnv(t, 1024)
	target := common.HexToAddress("0x1234")
	code := hexutil.Bytes{0x60, 0x01}
	input := hexutil.Bytes{0x42}
	var out hexutil.Bytes
	require.NoError(t, env.call(&out, "eth_call",
		map[string]interface{}{"from": alice.Address, "to": target, "input": input},
		"latest",
		map[common.Address]interface{}{target: map[string]interface{}{"code": code}},
	))
	require.Equal(t, hexutil.Bytes(crypto.Keccak256(input)), out)

	var got hexutil.Bytes
	require.NoError(t, env.call(&got, "eth_getCode", target, "latest"))
	require.Empty(t, got)

	slots := map[common.Hash]common.Hash{{0x01}: {0x02}}
	err := env.call(&out, "eth_call",
		map[string]interface{}{"from": alice.Address, "to": target, "input": input},
		"latest",
		map[common.Address]interface{}{target: map[string]interface{}{"state": slots, "stateDiff": slots}},
	)
	requireRPCError(t, err, service.CodeInvalidParams, "account "+target.Hex()+" has both 'state' and 'stateDiff'")
}

func TestBlocksTransactionsAndReceipts(t *testing.T) {
	env := newTestEnv(t, 1024)
	hash := env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Value: big.NewInt(7), Gas: 21000, GasTipCap: big.NewInt(3)}))

	var tx map[string]interface{}
	require.NoError(t, env.call(&tx, "eth_getTransactionByHash", hash))
	require.Nil(t, tx["blockHash"])
	var receipt map[string]interface{}
	require.NoError(t, env.call(&receipt, "eth_getTransactionReceipt", hash))
	require.Nil(t, receipt)

	var pendingBlock map[string]interface{}
	require.NoError(t, env.call(&pendingBlock, "eth_getBlockByNumber", "pending", false))
	require.Nil(t, pendingBlock["hash"])
	require.Nil(t, pendingBlock["miner"])
	require.Equal(t, "0x1", pendingBlock["number"])
	require.Equal(t, []interface{}{hash.Hex()}, pendingBlock["transactions"])

	var count hexutil.Uint64
	require.NoError(t, env.call(&count, "eth_getTransactionCount", alice.Address, "pending"))
	require.Equal(t, hexutil.Uint64(1), count)
	require.NoError(t, env.call(&count, "eth_getTransactionCount", alice.Address, "latest"))
	require.Equal(t, hexutil.Uint64(0), count)

	env.produce()

	var number hexutil.Uint64
	require.NoError(t, env.call(&number, "eth_blockNumber"))
	require.Equal(t, hexutil.Uint64(1), number)

	var block map[string]interface{}
	require.NoError(t, env.call(&block, "eth_getBlockByNumber", "latest", true))
	require.Equal(t, "0x1", block["number"])
	txs := block["transactions"].([]interface{})
	require.Len(t, txs, 1)
	full := txs[0].(map[string]interface{})
	require.Equal(t, hash.Hex(), full["hash"])
	require.Equal(t, hexutil.EncodeBig(new(big.Int).Add(devnet.DefaultBaseFee, big.NewInt(3))), full["gasPrice"])

	var byHash map[string]interface{}
	require.NoError(t, env.call(&byHash, "eth_getBlockByHash", block["hash"], false))
	require.Equal(t, block["hash"], byHash["hash"])
	require.Equal(t, block["stateRoot"], byHash["stateRoot"])

	require.NoError(t, env.call(&tx, "eth_getTransactionByHash", hash))
	require.Equal(t, block["hash"], tx["blockHash"])
	require.Equal(t, "0x0", tx["transactionIndex"])
	require.Equal(t, alice.Address.Hex(), common.HexToAddress(tx["from"].(string)).Hex())

	require.NoError(t, env.call(&receipt, "eth_getTransactionReceipt", hash))
	require.Equal(t, block["hash"], receipt["blockHash"])
	require.Equal(t, "0x1", receipt["status"])
	require.Equal(t, "0x5208", receipt["gasUsed"])

	var receipts []map[string]interface{}
	require.NoError(t, env.call(&receipts, "eth_getBlockReceipts", "latest"))
	require.Len(t, receipts, 1)
	require.Equal(t, hash.Hex(), receipts[0]["transactionHash"])

	var n hexutil.Uint
	require.NoError(t, env.call(&n, "eth_getBlockTransactionCountByNumber", "latest"))
	require.Equal(t, hexutil.Uint(1), n)
	require.NoError(t, env.call(&tx, "eth_getTransactionByBlockNumberAndIndex", "latest", "0x0"))
	require.Equal(t, hash.Hex(), tx["hash"])
	require.NoError(t, env.call(&tx, "eth_getTransactionByBlockHashAndIndex", block["hash"], "0x1"))
	require.Nil(t, tx)

	var uncles hexutil.Uint
	require.NoError(t, env.call(&uncles, "eth_getUncleCountByBlockNumber", "latest"))
	require.Equal(t, hexutil.Uint(0), uncles)

	var balance hexutil.Big
	require.NoError(t, env.call(&balance, "eth_getBalance", bob.Address, "latest"))
	require.Equal(t, new(big.Int).Add(new(big.Int).Mul(ether, big.NewInt(1000)), big.NewInt(7)), balance.ToInt())
}

type headNotification struct {
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Number     hexutil.Uint64 `json:"number"`
}

func TestNewHeadsAcrossReorg(t *testing.T) {
	env := newTestEnv(t, 1024)
	common1 := env.produce()

	heads := make(chan headNotification, 16)
	sub, err := env.client.EthSubscribe(context.Background(), heads, "newHeads")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	a2, err := env.chain.ProduceOn(common1.Hash, nil)
	require.NoError(t, err)
	a3, err := env.chain.ProduceOn(a2.Hash, nil)
	require.NoError(t, err)
	env.waitIndexed(a3.Hash)

	b2, err := env.chain.ProduceOn(common1.Hash, nil)
	require.NoError(t, err)
	b3, err := env.chain.ProduceOn(b2.Hash, nil)
	require.NoError(t, err)
	b4, err := env.chain.ProduceOn(b3.Hash, nil)
	require.NoError(t, err)
	env.waitIndexed(b4.Hash)

	var got []headNotification
	for len(got) < 5 {
		select {
		case h := <-heads:
			got = append(got, h)
		case err := <-sub.Err():
			t.Fatal(err)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d heads", len(got))
		}
	}
	numbers := make([]uint64, 0, len(got))
	for _, h := range got {
		numbers = append(numbers, uint64(h.Number))
	}
	require.Equal(t, []uint64{2, 3, 2, 3, 4}, numbers)
	require.Equal(t, got[2].Hash, got[3].ParentHash)
	require.Equal(t, got[3].Hash, got[4].ParentHash)

	var latest map[string]interface{}
	require.NoError(t, env.call(&latest, "eth_getBlockByNumber", "latest", false))
	require.Equal(t, got[4].Hash.Hex(), latest["hash"])

	// the retracted branch stays reachable by hash but not by number
	var old map[string]interface{}
	require.NoError(t, env.call(&old, "eth_getBlockByHash", got[1].Hash, false))
	require.NotNil(t, old)
	var byNumber map[string]interface{}
	require.NoError(t, env.call(&byNumber, "eth_getBlockByNumber", "0x3", false))
	require.Equal(t, got[3].Hash.Hex(), byNumber["hash"])
}

func TestLogSubscriptionSeesRemovedLogs(t *testing.T) {
	env := newTestEnv(t, 1024)
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, Data: []byte{0x60, 0x01}}))
	contract := crypto.CreateAddress(alice.Address, 0)
	base := env.produce()

	logs := make(chan ethtypes.Log, 16)
	sub, err := env.client.EthSubscribe(context.Background(), logs, "logs", map[string]interface{}{"address": contract})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	call := env.chain.SignTx(alice, devnet.TxArgs{Nonce: 1, To: &contract, Data: []byte{0x01}})
	a2, err := env.chain.ProduceOn(base.Hash, []*ethtypes.Transaction{call})
	require.NoError(t, err)
	env.waitIndexed(a2.Hash)

	b2, err := env.chain.ProduceOn(base.Hash, nil)
	require.NoError(t, err)
	b3, err := env.chain.ProduceOn(b2.Hash, nil)
	require.NoError(t, err)
	env.waitIndexed(b3.Hash)

	var got []ethtypes.Log
	for len(got) < 2 {
		select {
		case l := <-logs:
			got = append(got, l)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d logs", len(got))
		}
	}
	require.False(t, got[0].Removed)
	require.True(t, got[1].Removed)
	require.Equal(t, got[0].TxHash, got[1].TxHash)
	require.Equal(t, call.Hash(), got[0].TxHash)
}

func TestPollingFilters(t *testing.T) {
	env := newTestEnv(t, 1024)
	env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, Data: []byte{0x60, 0x01}}))
	contract := crypto.CreateAddress(alice.Address, 0)
	env.produce()

	var blockFilter, logFilter, txFilter rpc.ID
	require.NoError(t, env.call(&blockFilter, "eth_newBlockFilter"))
	require.NoError(t, env.call(&logFilter, "eth_newFilter", map[string]interface{}{"fromBlock": "0x1", "address": contract}))
	require.NoError(t, env.call(&txFilter, "eth_newPendingTransactionFilter"))

	hash := env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 1, To: &contract, Data: []byte{0x07}}))
	var txHashes []common.Hash
	require.Eventually(t, func() bool {
		return env.call(&txHashes, "eth_getFilterChanges", txFilter) == nil && len(txHashes) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, hash, txHashes[0])

	first := env.produce()
	env.produce()

	var blocks []common.Hash
	require.NoError(t, env.call(&blocks, "eth_getFilterChanges", blockFilter))
	require.Len(t, blocks, 2)
	require.NoError(t, env.call(&blocks, "eth_getFilterChanges", blockFilter))
	require.Empty(t, blocks)

	var logs []*ethtypes.Log
	require.NoError(t, env.call(&logs, "eth_getFilterChanges", logFilter))
	require.Len(t, logs, 1)
	require.Equal(t, hash, logs[0].TxHash)
	require.NoError(t, env.call(&logs, "eth_getFilterChanges", logFilter))
	require.Empty(t, logs)
	require.NoError(t, env.call(&logs, "eth_getFilterLogs", logFilter))
	require.Len(t, logs, 1)

	record, err := env.store.GetBlockByNativeHash(first.Hash)
	require.NoError(t, err)
	require.Equal(t, record.EthHash, logs[0].BlockHash)

	var ok bool
	require.NoError(t, env.call(&ok, "eth_uninstallFilter", blockFilter))
	require.True(t, ok)
	require.NoError(t, env.call(&ok, "eth_uninstallFilter", blockFilter))
	require.False(t, ok)
	requireRPCError(t, env.call(&blocks, "eth_getFilterChanges", blockFilter), service.CodeServer, "filter not found")
}

func TestLogFilterPollRangeLimit(t *testing.T) {
	env := newTestEnv(t, 2)
	var id rpc.ID
	require.NoError(t, env.call(&id, "eth_newFilter", map[string]interface{}{}))
	for i := 0; i < 4; i++ {
		env.produce()
	}
	var logs []*ethtypes.Log
	err := env.call(&logs, "eth_getFilterChanges", id)
	requireRPCError(t, err, service.CodeLimitExceeded, "block range is too wide (maximum 2)")
}

func TestReceiptsConsistentUnderIndexing(t *testing.T) {
	env := newTestEnv(t, 1024)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(stop)
		nonce := uint64(0)
		for b := 0; b < 10; b++ {
			for i := 0; i < 3; i++ {
				tx := env.chain.SignTx(alice, devnet.TxArgs{Nonce: nonce, To: &bob.Address, Gas: 21000})
				if err := env.chain.TxPool().Submit(context.Background(), tx); err != nil {
					t.Error(err)
					return
				}
				nonce++
			}
			if _, err := env.chain.Produce(); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	checked := 0
	for done := false; !done; {
		select {
		case <-stop:
			done = true
		default:
		}
		var block struct {
			Transactions []common.Hash `json:"transactions"`
		}
		require.NoError(t, env.call(&block, "eth_getBlockByNumber", "latest", false))
		for _, hash := range block.Transactions {
			var receipt json.RawMessage
			require.NoError(t, env.call(&receipt, "eth_getTransactionReceipt", hash))
			require.NotEqual(t, "null", string(receipt), "receipt of %s", hash.Hex())
			checked++
		}
	}
	wg.Wait()
	require.Positive(t, checked)
}

func TestNetAndWeb3(t *testing.T) {
	env := newTestEnv(t, 1024)
	var version string
	require.NoError(t, env.call(&version, "net_version"))
	require.Equal(t, "1337", version)
	var chainID hexutil.Big
	require.NoError(t, env.call(&chainID, "eth_chainId"))
	require.Equal(t, int64(1337), chainID.ToInt().Int64())
	var peers hexutil.Uint
	require.NoError(t, env.call(&peers, "net_peerCount"))
	require.Equal(t, hexutil.Uint(0), peers)
	var listening bool
	require.NoError(t, env.call(&listening, "net_listening"))
	require.True(t, listening)

	var client string
	require.NoError(t, env.call(&client, "web3_clientVersion"))
	require.Equal(t, config.DefaultClientVersion, client)
	var digest hexutil.Bytes
	require.NoError(t, env.call(&digest, "web3_sha3", hexutil.Bytes("abc")))
	require.Equal(t, hexutil.Bytes(crypto.Keccak256([]byte("abc"))), digest)

	var syncing interface{}
	require.NoError(t, env.call(&syncing, "eth_syncing"))
	require.Equal(t, false, syncing)
	var accounts []common.Address
	require.NoError(t, env.call(&accounts, "eth_accounts"))
	require.Empty(t, accounts)
}

func TestPendingTransactionsAndTxPool(t *testing.T) {
	env := newTestEnv(t, 1024)
	ready := env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Gas: 21000}))
	future := env.send(env.chain.SignTx(alice, devnet.TxArgs{Nonce: 5, To: &bob.Address, Gas: 21000}))

	var txs []map[string]interface{}
	require.NoError(t, env.call(&txs, "eth_pendingTransactions"))
	require.Len(t, txs, 2)
	require.Equal(t, ready.Hex(), txs[0]["hash"])
	require.Equal(t, future.Hex(), txs[1]["hash"])

	var status map[string]hexutil.Uint
	require.NoError(t, env.call(&status, "txpool_status"))
	require.Equal(t, hexutil.Uint(1), status["pending"])
	require.Equal(t, hexutil.Uint(1), status["queued"])

	var content map[string]map[string]map[string]map[string]interface{}
	require.NoError(t, env.call(&content, "txpool_content"))
	require.Equal(t, future.Hex(), content["queued"][alice.Address.Hex()]["5"]["hash"])

	var inspect map[string]map[string]map[string]string
	require.NoError(t, env.call(&inspect, "txpool_inspect"))
	require.Contains(t, inspect["pending"][alice.Address.Hex()]["0"], bob.Address.Hex())
}
