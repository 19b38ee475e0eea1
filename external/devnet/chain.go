package devnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/types"
)

const (
	DefaultGasLimit  = 30_000_000
	GenesisTimestamp = 1_700_000_000
	BlockInterval    = 2
)

var DefaultBaseFee = big.NewInt(1_000_000_000)

type Config struct {
	ChainID  *big.Int
	BaseFee  *big.Int
	GasLimit uint64
	Coinbase common.Address
	Alloc    map[common.Address]*big.Int
	// FinalityDepth finalizes the best block minus this depth after every
	// produced block; 0 leaves finality to Finalize.
	FinalityDepth uint64
	ForkAwarePool bool
}

type block struct {
	native   *external.NativeBlock
	header   *ethtypes.Header
	state    *state
	receipts []*ethtypes.Receipt
	txs      []*ethtypes.Transaction
}

func (b *block) ref() types.NativeBlockRef {
	return b.native.Ref
}

// Chain is an in-memory host chain with forks and finality. It implements
// external.HostChain and external.ExecutionEngine and owns a transaction pool.
type Chain struct {
	cfg    Config
	signer ethtypes.Signer

	mu          sync.RWMutex
	blocks      map[common.Hash]*block
	canonical   map[uint64]common.Hash
	best        common.Hash
	finalized   common.Hash
	salt        uint64
	corruptNext bool

	importFeed   event.Feed
	finalityFeed event.Feed

	pool *Pool
}

func New(cfg Config) *Chain {
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1337)
	}
	if cfg.BaseFee == nil {
		cfg.BaseFee = new(big.Int).Set(DefaultBaseFee)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	c := &Chain{
		cfg:       cfg,
		signer:    ethtypes.LatestSignerForChainID(cfg.ChainID),
		blocks:    make(map[common.Hash]*block),
		canonical: make(map[uint64]common.Hash),
	}

	genesisState := newState()
	for addr, bal := range cfg.Alloc {
		genesisState.get(addr).balance = uint256.MustFromBig(bal)
	}
	genesis, err := c.seal(nil, genesisState, nil, nil, GenesisTimestamp)
	if err != nil {
		panic(err)
	}
	c.blocks[genesis.native.Ref.Hash] = genesis
	c.canonical[0] = genesis.native.Ref.Hash
	c.best = genesis.native.Ref.Hash
	c.finalized = genesis.native.Ref.Hash

	c.pool = newPool(c, cfg.ForkAwarePool)
	return c
}

func (c *Chain) ChainID() *big.Int { return new(big.Int).Set(c.cfg.ChainID) }

func (c *Chain) Signer() ethtypes.Signer { return c.signer }

// TxPool returns the pool; it also implements external.ForkAwareTxPool when
// the chain was configured with a fork-aware pool.
func (c *Chain) TxPool() external.TxPool {
	if c.cfg.ForkAwarePool {
		return &ForkAwarePool{c.pool}
	}
	return c.pool
}

// CorruptNextDigest makes the next produced block carry an undecodable digest.
func (c *Chain) CorruptNextDigest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corruptNext = true
}

// seal executes txs on top of parentState and builds the native block.
func (c *Chain) seal(parent *block, parentState *state, txs []*ethtypes.Transaction, senders []common.Address, timestamp uint64) (*block, error) {
	st := parentState.copy()
	var (
		number        uint64
		parentHash    common.Hash
		parentEthHash common.Hash
		gasUsed       uint64
		included      = make([]*ethtypes.Transaction, 0, len(txs))
		receipts      = make([]*ethtypes.Receipt, 0, len(txs))
		baseFee       = c.cfg.BaseFee
		coinbase      = c.cfg.Coinbase
	)
	if parent != nil {
		number = parent.native.Ref.Number + 1
		parentHash = parent.native.Ref.Hash
		parentEthHash = parent.header.Hash()
	}

	for i, tx := range txs {
		from := senders[i]
		if tx.Nonce() != st.nonce(from) || tx.Gas() > c.cfg.GasLimit-gasUsed || tx.GasFeeCap().Cmp(baseFee) < 0 {
			continue
		}
		upfront := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
		upfront.Add(upfront, tx.Value())
		if st.balance(from).ToBig().Cmp(upfront) < 0 {
			continue
		}
		value, _ := uint256.FromBig(tx.Value())
		out, err := execute(st, &message{
			from:  from,
			to:    tx.To(),
			nonce: tx.Nonce(),
			gas:   tx.Gas(),
			value: value,
			data:  tx.Data(),
		})
		if err != nil {
			continue
		}
		tip, err := tx.EffectiveGasTip(baseFee)
		if err != nil {
			continue
		}
		price := new(big.Int).Add(baseFee, tip)
		used := out.result.UsedGas
		fee := new(big.Int).Mul(new(big.Int).SetUint64(used), price)
		reward := new(big.Int).Mul(new(big.Int).SetUint64(used), tip)
		sender := st.get(from)
		sender.balance.Sub(sender.balance, uint256.MustFromBig(fee))
		sender.nonce++
		miner := st.get(coinbase)
		miner.balance.Add(miner.balance, uint256.MustFromBig(reward))

		gasUsed += used
		status := ethtypes.ReceiptStatusSuccessful
		if out.result.Failed() {
			status = ethtypes.ReceiptStatusFailed
		}
		receipt := &ethtypes.Receipt{
			Type:              tx.Type(),
			Status:            status,
			CumulativeGasUsed: gasUsed,
			Logs:              out.logs,
			TxHash:            tx.Hash(),
			ContractAddress:   out.contract,
			GasUsed:           used,
			EffectiveGasPrice: price,
			BlockNumber:       new(big.Int).SetUint64(number),
			TransactionIndex:  uint(len(included)),
		}
		if receipt.Logs == nil {
			receipt.Logs = []*ethtypes.Log{}
		}
		receipt.Bloom = ethtypes.CreateBloom(ethtypes.Receipts{receipt})
		included = append(included, tx)
		receipts = append(receipts, receipt)
	}

	// blocks built on the same parent stay distinguishable
	c.salt++
	pre := types.PreCommitment{
		ParentEthHash:    parentEthHash,
		EthNumber:        number,
		Miner:            coinbase,
		StateRoot:        st.root(),
		TransactionsRoot: ethtypes.DeriveSha(ethtypes.Transactions(included), trie.NewStackTrie(nil)),
		ReceiptsRoot:     ethtypes.DeriveSha(ethtypes.Receipts(receipts), trie.NewStackTrie(nil)),
		LogsBloom:        ethtypes.CreateBloom(receipts).Bytes(),
		GasLimit:         c.cfg.GasLimit,
		GasUsed:          gasUsed,
		Timestamp:        timestamp,
		BaseFee:          new(big.Int).Set(baseFee),
		ExtraData:        binary.BigEndian.AppendUint64(nil, c.salt),
	}
	header := pre.Header()
	ethHash := header.Hash()

	extrinsics := [][]byte{new(big.Int).SetUint64(timestamp).Bytes()}
	post := make([]types.TxStatus, 0, len(included))
	logIndex := uint(0)
	for i, tx := range included {
		enc, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		extrinsics = append(extrinsics, enc)
		post = append(post, types.TxStatus{
			EthTxHash:      tx.Hash(),
			EthTxIndex:     uint32(i),
			ExtrinsicIndex: uint32(len(extrinsics) - 1),
			ExitStatus:     uint8(receipts[i].Status),
		})
		receipts[i].BlockHash = ethHash
		for _, log := range receipts[i].Logs {
			log.BlockHash = ethHash
			log.BlockNumber = number
			log.TxHash = tx.Hash()
			log.TxIndex = uint(i)
			log.Index = logIndex
			logIndex++
		}
	}
	digest, err := types.EncodeDigest(&types.Digest{Pre: pre, Post: post})
	if err != nil {
		return nil, err
	}
	if c.corruptNext {
		digest = []byte{0xde, 0xad, 0xbe, 0xef}
		c.corruptNext = false
	}

	enc, err := rlp.EncodeToBytes([]interface{}{parentHash, number, extrinsics, c.salt})
	if err != nil {
		return nil, err
	}
	nativeHash := crypto.Keccak256Hash(enc)
	return &block{
		native: &external.NativeBlock{
			Ref: types.NativeBlockRef{
				Hash:       nativeHash,
				Number:     number,
				ParentHash: parentHash,
			},
			Extrinsics: extrinsics,
			Digest:     digest,
		},
		header:   header,
		state:    st,
		receipts: receipts,
		txs:      included,
	}, nil
}

// Produce builds a block on the best block from the ready pool transactions.
func (c *Chain) Produce() (types.NativeBlockRef, error) {
	c.mu.RLock()
	best := c.best
	c.mu.RUnlock()
	return c.ProduceOn(best, c.pool.readyAt(best))
}

// ProduceOn builds a block on parent with txs and imports it. Transactions that
// cannot execute on parent's state are left out.
func (c *Chain) ProduceOn(parent common.Hash, txs []*ethtypes.Transaction) (types.NativeBlockRef, error) {
	senders := make([]common.Address, 0, len(txs))
	valid := make([]*ethtypes.Transaction, 0, len(txs))
	for _, tx := range txs {
		from, err := ethtypes.Sender(c.signer, tx)
		if err != nil {
			continue
		}
		senders = append(senders, from)
		valid = append(valid, tx)
	}

	c.mu.Lock()
	p, ok := c.blocks[parent]
	if !ok {
		c.mu.Unlock()
		return types.NativeBlockRef{}, fmt.Errorf("parent %s: %w", parent.Hex(), external.ErrBlockNotFound)
	}
	b, err := c.seal(p, p.state, valid, senders, p.header.Time+BlockInterval)
	if err != nil {
		c.mu.Unlock()
		return types.NativeBlockRef{}, err
	}
	hash := b.native.Ref.Hash
	c.blocks[hash] = b

	isNewBest := b.native.Ref.Number > c.blocks[c.best].native.Ref.Number
	var retracted []*ethtypes.Transaction
	if isNewBest {
		retracted = c.setBest(hash)
	}
	var finalized *types.NativeBlockRef
	if c.cfg.FinalityDepth > 0 && isNewBest && b.native.Ref.Number > c.cfg.FinalityDepth {
		target := c.canonical[b.native.Ref.Number-c.cfg.FinalityDepth]
		if c.blocks[target].native.Ref.Number > c.blocks[c.finalized].native.Ref.Number {
			c.finalized = target
			ref := c.refLocked(target)
			finalized = &ref
		}
	}
	ref := c.refLocked(hash)
	c.mu.Unlock()

	if isNewBest {
		c.pool.onNewBest(retracted)
	}
	c.importFeed.Send(external.ImportNotification{Ref: ref, IsNewBest: isNewBest})
	if finalized != nil {
		c.finalityFeed.Send(external.FinalityNotification{Ref: *finalized})
	}
	return ref, nil
}

// setBest moves the best block and returns the transactions of blocks that
// left the best chain.
func (c *Chain) setBest(hash common.Hash) []*ethtypes.Transaction {
	var retracted []*ethtypes.Transaction
	oldBest := c.blocks[c.best].native.Ref.Number
	b := c.blocks[hash]
	newBest := b.native.Ref.Number
	for n := newBest + 1; n <= oldBest; n++ {
		retracted = append(retracted, c.blocks[c.canonical[n]].txs...)
		delete(c.canonical, n)
	}
	for {
		number := b.native.Ref.Number
		current, ok := c.canonical[number]
		if ok && current == b.native.Ref.Hash {
			break
		}
		if ok {
			retracted = append(retracted, c.blocks[current].txs...)
		}
		c.canonical[number] = b.native.Ref.Hash
		if number == 0 {
			break
		}
		b = c.blocks[b.native.Ref.ParentHash]
	}
	c.best = hash
	return retracted
}

// Finalize marks hash, which must be on the best chain, and its ancestors final.
func (c *Chain) Finalize(hash common.Hash) error {
	c.mu.Lock()
	b, ok := c.blocks[hash]
	if !ok {
		c.mu.Unlock()
		return external.ErrBlockNotFound
	}
	if c.canonical[b.native.Ref.Number] != hash {
		c.mu.Unlock()
		return errors.New("only blocks on the best chain can be finalized")
	}
	c.finalized = hash
	ref := c.refLocked(hash)
	c.mu.Unlock()

	c.pool.onFinalized()
	c.finalityFeed.Send(external.FinalityNotification{Ref: ref})
	return nil
}

// Run produces a block every interval until ctx is done.
func (c *Chain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ref, err := c.Produce()
			if err != nil {
				logging.Logger.Errorf("failed to produce dev block, err=%s", err.Error())
				continue
			}
			logging.Logger.Debugf("produced dev block %s", ref)
		}
	}
}

func (c *Chain) refLocked(hash common.Hash) types.NativeBlockRef {
	b := c.blocks[hash]
	ref := b.native.Ref
	fin := c.blocks[c.finalized].native.Ref.Number
	ref.Finalized = ref.Number <= fin && c.canonical[ref.Number] == hash
	return ref
}

func (c *Chain) stateAt(hash common.Hash) (*state, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", external.ErrStateNotFound, hash.Hex())
	}
	return b.state, nil
}

func (c *Chain) Block(_ context.Context, hash common.Hash) (*external.NativeBlock, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[hash]
	if !ok {
		return nil, external.ErrBlockNotFound
	}
	native := &external.NativeBlock{
		Ref:        c.refLocked(hash),
		Extrinsics: make([][]byte, len(b.native.Extrinsics)),
		Digest:     common.CopyBytes(b.native.Digest),
	}
	copy(native.Extrinsics, b.native.Extrinsics)
	return native, nil
}

func (c *Chain) Header(_ context.Context, hash common.Hash) (types.NativeBlockRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.blocks[hash]; !ok {
		return types.NativeBlockRef{}, external.ErrBlockNotFound
	}
	return c.refLocked(hash), nil
}

func (c *Chain) HashByNumber(_ context.Context, number uint64) (common.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.canonical[number]
	if !ok {
		return common.Hash{}, external.ErrBlockNotFound
	}
	return hash, nil
}

func (c *Chain) BestBlock(_ context.Context) (types.NativeBlockRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refLocked(c.best), nil
}

func (c *Chain) FinalizedBlock(_ context.Context) (types.NativeBlockRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refLocked(c.finalized), nil
}

func (c *Chain) Genesis() types.NativeBlockRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refLocked(c.canonical[0])
}

func (c *Chain) PeerCount() int { return 0 }

func (c *Chain) SubscribeImports(ch chan<- external.ImportNotification) event.Subscription {
	return c.importFeed.Subscribe(ch)
}

func (c *Chain) SubscribeFinality(ch chan<- external.FinalityNotification) event.Subscription {
	return c.finalityFeed.Subscribe(ch)
}
