package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/cache"
	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/syncer"
	"github.com/bnb-chain/eth-gateway/types"
)

// BlockBody holds everything needed to render a mapped block.
type BlockBody struct {
	Record   *types.EthereumBlockRecord
	Txs      []*ethtypes.Transaction
	Senders  []common.Address
	Receipts []*ethtypes.Receipt
}

// TxLookup locates a transaction. Block is nil for pending transactions.
type TxLookup struct {
	Tx      *ethtypes.Transaction
	From    common.Address
	Block   *types.EthereumBlockRecord
	Index   uint64
	Receipt *ethtypes.Receipt
}

// Chain answers every read against one pending.View: a request takes the view
// once and resolves all tags against its head, so nothing it returns is newer
// than the indexed checkpoint.
type Chain interface {
	ChainID() *big.Int
	Signer() ethtypes.Signer
	View() *pending.View
	Head(view *pending.View) (*types.EthereumBlockRecord, error)
	BlockByNumber(ctx context.Context, view *pending.View, number rpc.BlockNumber) (*types.EthereumBlockRecord, error)
	BlockByHash(ctx context.Context, view *pending.View, hash common.Hash) (*types.EthereumBlockRecord, error)
	BlockByNumberOrHash(ctx context.Context, view *pending.View, bnh rpc.BlockNumberOrHash) (*types.EthereumBlockRecord, error)
	StateBlock(ctx context.Context, view *pending.View, bnh rpc.BlockNumberOrHash) (*types.EthereumBlockRecord, error)
	Body(ctx context.Context, record *types.EthereumBlockRecord) (*BlockBody, error)
	Transaction(ctx context.Context, view *pending.View, hash common.Hash) (*TxLookup, error)
	Receipt(ctx context.Context, view *pending.View, hash common.Hash) (*TxLookup, error)

	Balance(ctx context.Context, view *pending.View, addr common.Address, bnh rpc.BlockNumberOrHash) (*big.Int, error)
	Nonce(ctx context.Context, view *pending.View, addr common.Address, bnh rpc.BlockNumberOrHash) (uint64, error)
	Code(ctx context.Context, view *pending.View, addr common.Address, bnh rpc.BlockNumberOrHash) ([]byte, error)
	Storage(ctx context.Context, view *pending.View, addr common.Address, slot common.Hash, bnh rpc.BlockNumberOrHash) (common.Hash, error)
	BaseFee(ctx context.Context, view *pending.View) (*big.Int, error)
	GasLimit(ctx context.Context, view *pending.View) (uint64, error)

	Call(ctx context.Context, view *pending.View, msg *external.CallMsg, bnh rpc.BlockNumberOrHash, overrides external.StateOverride) (*external.ExecutionResult, error)
	EstimateGas(ctx context.Context, view *pending.View, msg *external.CallMsg, bnh rpc.BlockNumberOrHash) (uint64, error)
	SendTransaction(ctx context.Context, view *pending.View, tx *ethtypes.Transaction) error
}

type ChainService struct {
	store   db.MappingDao
	host    external.HostChain
	engine  external.ExecutionEngine
	pool    external.TxPool
	pending *pending.Adapter
	cache   cache.Cache

	chainID         *big.Int
	signer          ethtypes.Signer
	estimateTimeout time.Duration
}

func NewChainService(
	store db.MappingDao,
	host external.HostChain,
	engine external.ExecutionEngine,
	pool external.TxPool,
	adapter *pending.Adapter,
	cache cache.Cache,
	chainID *big.Int,
	estimateTimeout time.Duration,
) *ChainService {
	return &ChainService{
		store:           store,
		host:            host,
		engine:          engine,
		pool:            pool,
		pending:         adapter,
		cache:           cache,
		chainID:         new(big.Int).Set(chainID),
		signer:          ethtypes.LatestSignerForChainID(chainID),
		estimateTimeout: estimateTimeout,
	}
}

func (c *ChainService) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *ChainService) Signer() ethtypes.Signer { return c.signer }

func (c *ChainService) View() *pending.View { return c.pending.View() }

func (c *ChainService) Head(view *pending.View) (*types.EthereumBlockRecord, error) {
	if view.Head == nil {
		return nil, ErrHeaderNotFound
	}
	return view.Head, nil
}

// visible hides records written by the syncer but not yet published.
func visible(view *pending.View, record *types.EthereumBlockRecord) bool {
	if view.Head == nil {
		return false
	}
	return !record.Canonical || record.EthNumber <= view.Head.EthNumber
}

func notFound(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, external.ErrBlockNotFound)
}

// BlockByNumber resolves a number or tag to a canonical record. It returns nil
// without error when there is no such block; pending has no record.
func (c *ChainService) BlockByNumber(ctx context.Context, view *pending.View, number rpc.BlockNumber) (*types.EthereumBlockRecord, error) {
	if view.Head == nil {
		return nil, nil
	}
	switch number {
	case rpc.PendingBlockNumber:
		return nil, nil
	case rpc.LatestBlockNumber:
		return view.Head, nil
	case rpc.FinalizedBlockNumber, rpc.SafeBlockNumber:
		return c.finalized(ctx, view)
	}
	// earliest is block 0, which is absent when indexing started later
	if number < 0 || uint64(number) > view.Head.EthNumber {
		return nil, nil
	}
	return c.lookup(view, db.ByNumber(uint64(number)))
}

func (c *ChainService) lookup(view *pending.View, sel db.BlockSelector) (*types.EthereumBlockRecord, error) {
	record, err := c.store.GetBlock(sel, sel.Kind != db.SelectByHash)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !visible(view, record) {
		return nil, nil
	}
	return record, nil
}

// finalized maps the host's finalized block. When it was not mapped itself
// the indexed head stands in as long as the head is final.
func (c *ChainService) finalized(ctx context.Context, view *pending.View) (*types.EthereumBlockRecord, error) {
	fin, err := c.host.FinalizedBlock(ctx)
	if err != nil {
		return nil, err
	}
	record, err := c.store.GetBlockByNativeHash(fin.Hash)
	if err == nil && record.Canonical && visible(view, record) {
		return record, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	headRef, err := c.host.Header(ctx, view.Head.NativeHash)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if headRef.Number <= fin.Number {
		return view.Head, nil
	}
	return nil, nil
}

func (c *ChainService) BlockByHash(_ context.Context, view *pending.View, hash common.Hash) (*types.EthereumBlockRecord, error) {
	return c.lookup(view, db.ByHash(hash))
}

func (c *ChainService) BlockByNumberOrHash(ctx context.Context, view *pending.View, bnh rpc.BlockNumberOrHash) (*types.EthereumBlockRecord, error) {
	if number, ok := bnh.Number(); ok {
		return c.BlockByNumber(ctx, view, number)
	}
	hash, ok := bnh.Hash()
	if !ok {
		return nil, InvalidParams("invalid arguments; neither block nor hash specified")
	}
	record, err := c.BlockByHash(ctx, view, hash)
	if err != nil || record == nil {
		return record, err
	}
	if bnh.RequireCanonical && !record.Canonical {
		return nil, ErrNotCanonical
	}
	return record, nil
}

// StateBlock resolves the block whose post state answers a state query.
// Pending state is the state after the indexed head.
func (c *ChainService) StateBlock(ctx context.Context, view *pending.View, bnh rpc.BlockNumberOrHash) (*types.EthereumBlockRecord, error) {
	if number, ok := bnh.Number(); ok && number == rpc.PendingBlockNumber {
		bnh = rpc.BlockNumberOrHashWithNumber(rpc.LatestBlockNumber)
	}
	record, err := c.BlockByNumberOrHash(ctx, view, bnh)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrHeaderNotFound
	}
	return record, nil
}

func bodyKey(hash common.Hash) string {
	return "body:" + hash.Hex()
}

// ChainEventSource is the syncer feed of enacted and retracted blocks.
type ChainEventSource interface {
	SubscribeChainEvent(ch chan<- syncer.ChainEvent) event.Subscription
}

// Follow drops cached bodies of retracted blocks in the background until ctx
// is done. Retracted blocks are rarely asked for again.
func (c *ChainService) Follow(ctx context.Context, source ChainEventSource) {
	ch := make(chan syncer.ChainEvent, 64)
	sub := source.SubscribeChainEvent(ch)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case ev := <-ch:
				if ev.Removed {
					c.cache.Remove(bodyKey(ev.Block.EthHash))
				}
			}
		}
	}()
}

// Body loads transactions and receipts of a mapped block from the host. The
// digest is translated again to locate the extrinsics; bodies are cached by
// Ethereum hash since a record never changes.
func (c *ChainService) Body(ctx context.Context, record *types.EthereumBlockRecord) (*BlockBody, error) {
	if cached, ok := c.cache.Get(bodyKey(record.EthHash)); ok {
		return cached.(*BlockBody), nil
	}
	native, err := c.host.Block(ctx, record.NativeHash)
	if err != nil {
		return nil, err
	}
	translated, txRecords, err := syncer.Translate(native, native.Digest)
	if err != nil {
		return nil, err
	}
	if translated.EthHash != record.EthHash {
		return nil, fmt.Errorf("native block %s translates to %s, mapped as %s", native.Ref, translated.EthHash.Hex(), record.EthHash.Hex())
	}
	receipts, err := c.engine.BlockReceipts(ctx, record.NativeHash)
	if err != nil {
		return nil, err
	}
	if len(receipts) != len(txRecords) {
		return nil, fmt.Errorf("block %s has %d txs but %d receipts", record, len(txRecords), len(receipts))
	}

	body := &BlockBody{
		Record:   record,
		Txs:      make([]*ethtypes.Transaction, 0, len(txRecords)),
		Senders:  make([]common.Address, 0, len(txRecords)),
		Receipts: make([]*ethtypes.Receipt, 0, len(receipts)),
	}
	logIndex := uint(0)
	for i, txRecord := range txRecords {
		tx := new(ethtypes.Transaction)
		if err = tx.UnmarshalBinary(native.Extrinsics[txRecord.NativeExtrinsicIndex]); err != nil {
			return nil, fmt.Errorf("decode tx %s: %w", txRecord.EthTxHash.Hex(), err)
		}
		from, err := ethtypes.Sender(c.signer, tx)
		if err != nil {
			return nil, fmt.Errorf("recover sender of %s: %w", txRecord.EthTxHash.Hex(), err)
		}
		receipt := *receipts[i]
		receipt.TxHash = tx.Hash()
		receipt.BlockHash = record.EthHash
		receipt.BlockNumber = new(big.Int).SetUint64(record.EthNumber)
		receipt.TransactionIndex = uint(i)
		if receipt.EffectiveGasPrice == nil {
			receipt.EffectiveGasPrice = effectiveGasPrice(tx, record.BaseFee)
		}
		receipt.Logs = make([]*ethtypes.Log, 0, len(receipts[i].Logs))
		for _, l := range receipts[i].Logs {
			log := *l
			log.BlockHash = record.EthHash
			log.BlockNumber = record.EthNumber
			log.TxHash = receipt.TxHash
			log.TxIndex = uint(i)
			log.Index = logIndex
			log.Removed = false
			logIndex++
			receipt.Logs = append(receipt.Logs, &log)
		}
		body.Txs = append(body.Txs, tx)
		body.Senders = append(body.Senders, from)
		body.Receipts = append(body.Receipts, &receipt)
	}
	c.cache.Set(bodyKey(record.EthHash), body)
	return body, nil
}

func effectiveGasPrice(tx *ethtypes.Transaction, baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(tx.GasPrice())
	}
	tip, err := tx.EffectiveGasTip(baseFee)
	if err != nil {
		return new(big.Int).Set(tx.GasFeeCap())
	}
	return tip.Add(tip, baseFee)
}

// Transaction finds a mined or pending transaction; nil when unknown.
func (c *ChainService) Transaction(ctx context.Context, view *pending.View, hash common.Hash) (*TxLookup, error) {
	found, err := c.minedTransaction(ctx, view, hash)
	if err != nil || found != nil {
		return found, err
	}
	tx, ok := view.Lookup(hash)
	if !ok {
		return nil, nil
	}
	from, err := ethtypes.Sender(c.signer, tx)
	if err != nil {
		return nil, err
	}
	return &TxLookup{Tx: tx, From: from}, nil
}

// Receipt finds a mined transaction with its receipt; nil when not mined.
func (c *ChainService) Receipt(ctx context.Context, view *pending.View, hash common.Hash) (*TxLookup, error) {
	return c.minedTransaction(ctx, view, hash)
}

func (c *ChainService) minedTransaction(ctx context.Context, view *pending.View, hash common.Hash) (*TxLookup, error) {
	txRecord, err := c.store.GetTransaction(hash)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record, err := c.lookup(view, db.ByHash(txRecord.EthBlockHash))
	if err != nil || record == nil || !record.Canonical {
		return nil, err
	}
	body, err := c.Body(ctx, record)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	index := txRecord.IndexInBlock
	if int(index) >= len(body.Txs) {
		return nil, fmt.Errorf("tx %s at index %d of %s out of range", hash.Hex(), index, record)
	}
	return &TxLookup{
		Tx:      body.Txs[index],
		From:    body.Senders[index],
		Block:   record,
		Index:   uint64(index),
		Receipt: body.Receipts[index],
	}, nil
}

func (c *ChainService) Balance(ctx context.Context, view *pending.View, addr common.Address, bnh rpc.BlockNumberOrHash) (*big.Int, error) {
	record, err := c.StateBlock(ctx, view, bnh)
	if err != nil {
		return nil, err
	}
	return c.engine.Balance(ctx, record.NativeHash, addr)
}

// Nonce returns the account nonce; for pending it also counts the sender's
// ready transactions that continue the sequence.
func (c *ChainService) Nonce(ctx context.Context, view *pending.View, addr common.Address, bnh rpc.BlockNumberOrHash) (uint64, error) {
	record, err := c.StateBlock(ctx, view, bnh)
	if err != nil {
		return 0, err
	}
	nonce, err := c.engine.Nonce(ctx, record.NativeHash, addr)
	if err != nil {
		return 0, err
	}
	if number, ok := bnh.Number(); !ok || number != rpc.PendingBlockNumber {
		return nonce, nil
	}
	next := make(map[uint64]struct{})
	for _, tx := range view.Ready {
		from, err := ethtypes.Sender(c.signer, tx)
		if err == nil && from == addr {
			next[tx.Nonce()] = struct{}{}
		}
	}
	for {
		if _, ok := next[nonce]; !ok {
			return nonce, nil
		}
		nonce++
	}
}

func (c *ChainService) Code(ctx context.Context, view *pending.View, addr common.Address, bnh rpc.BlockNumberOrHash) ([]byte, error) {
	record, err := c.StateBlock(ctx, view, bnh)
	if err != nil {
		return nil, err
	}
	return c.engine.Code(ctx, record.NativeHash, addr)
}

func (c *ChainService) Storage(ctx context.Context, view *pending.View, addr common.Address, slot common.Hash, bnh rpc.BlockNumberOrHash) (common.Hash, error) {
	record, err := c.StateBlock(ctx, view, bnh)
	if err != nil {
		return common.Hash{}, err
	}
	return c.engine.Storage(ctx, record.NativeHash, addr, slot)
}

// BaseFee is the base fee a transaction pays to enter the next block.
func (c *ChainService) BaseFee(ctx context.Context, view *pending.View) (*big.Int, error) {
	head, err := c.Head(view)
	if err != nil {
		return nil, err
	}
	return c.engine.BaseFee(ctx, head.NativeHash)
}

func (c *ChainService) GasLimit(ctx context.Context, view *pending.View) (uint64, error) {
	head, err := c.Head(view)
	if err != nil {
		return 0, err
	}
	return c.engine.BlockGasLimit(ctx, head.NativeHash)
}

// Call executes msg on the state of the resolved block. The gas limit may be
// at most ten block gas limits.
func (c *ChainService) Call(ctx context.Context, view *pending.View, msg *external.CallMsg, bnh rpc.BlockNumberOrHash, overrides external.StateOverride) (*external.ExecutionResult, error) {
	record, err := c.StateBlock(ctx, view, bnh)
	if err != nil {
		return nil, err
	}
	if err = c.checkGasCap(ctx, record, msg.Gas); err != nil {
		return nil, err
	}
	return c.engine.Call(ctx, msg, record.NativeHash, overrides)
}

func (c *ChainService) gasCap(ctx context.Context, record *types.EthereumBlockRecord) (uint64, error) {
	limit, err := c.engine.BlockGasLimit(ctx, record.NativeHash)
	if err != nil {
		return 0, err
	}
	return limit * 10, nil
}

func (c *ChainService) checkGasCap(ctx context.Context, record *types.EthereumBlockRecord, gas uint64) error {
	if gas == 0 {
		return nil
	}
	limit, err := c.gasCap(ctx, record)
	if err != nil {
		return err
	}
	if gas > limit {
		return ErrGasCapExceeded
	}
	return nil
}
