package syncer

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/external/devnet"
	"github.com/bnb-chain/eth-gateway/types"
)

var (
	alice = devnet.NewAccount("alice")
	bob   = devnet.NewAccount("bob")
)

type advance struct {
	head      *types.EthereumBlockRecord
	enacted   []common.Hash
	retracted []common.Hash
}

type recorder struct {
	mu       sync.Mutex
	advances []advance
}

func (r *recorder) Advance(head *types.EthereumBlockRecord, enacted, retracted []common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances = append(r.advances, advance{head: head, enacted: enacted, retracted: retracted})
}

func (r *recorder) last() advance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advances[len(r.advances)-1]
}

func newTestChain() *devnet.Chain {
	return devnet.New(devnet.Config{
		Alloc: map[common.Address]*big.Int{alice.Address: big.NewInt(1e18)},
	})
}

func newTestSyncer(t *testing.T, chain *devnet.Chain, store db.MappingDao, strategy string) (*Syncer, *recorder) {
	rec := &recorder{}
	s, err := NewSyncer(store, chain, chain, rec, &config.SyncerConfig{Strategy: strategy})
	require.NoError(t, err)
	require.NoError(t, s.LoadProgressAndResume(context.Background()))
	return s, rec
}

func newTestStore(t *testing.T) db.MappingDao {
	store, err := db.NewKVStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func requireCanonicalHead(t *testing.T, store db.MappingDao, chain *devnet.Chain, native common.Hash) *types.EthereumBlockRecord {
	head, err := store.GetBlock(db.Latest(), true)
	require.NoError(t, err)
	require.Equal(t, native, head.NativeHash)
	cp, err := store.GetCheckpoint()
	require.NoError(t, err)
	require.Equal(t, native, cp.NativeHash)
	return head
}

func TestCatchUp(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()
	var txHash common.Hash
	for i := 0; i < 5; i++ {
		if i == 2 {
			tx := chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address, Value: big.NewInt(1)})
			require.NoError(t, chain.TxPool().Submit(ctx, tx))
			txHash = tx.Hash()
		}
		_, err := chain.Produce()
		require.NoError(t, err)
	}
	best, err := chain.BestBlock(ctx)
	require.NoError(t, err)

	store := newTestStore(t)
	s, rec := newTestSyncer(t, chain, store, "normal")
	require.NoError(t, s.syncOnce(ctx))

	head := requireCanonicalHead(t, store, chain, best.Hash)
	require.Equal(t, uint64(5), head.EthNumber)
	require.Equal(t, head.EthHash, rec.last().head.EthHash)
	require.Equal(t, StateTrackingTip, s.Status().State)
	require.Equal(t, uint64(5), s.Status().CurrentBlock)

	tx, err := store.GetTransaction(txHash)
	require.NoError(t, err)
	block, err := store.GetBlock(db.ByHash(tx.EthBlockHash), true)
	require.NoError(t, err)
	require.Equal(t, uint64(3), block.EthNumber)
	require.Equal(t, uint32(1), tx.NativeExtrinsicIndex)

	// parent links line up across the indexed range
	for n := uint64(1); n <= 5; n++ {
		child, err := store.GetBlock(db.ByNumber(n), true)
		require.NoError(t, err)
		parent, err := store.GetBlock(db.ByNumber(n-1), true)
		require.NoError(t, err)
		require.Equal(t, parent.EthHash, child.ParentEthHash)
	}
}

func TestReorg(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()
	genesis := chain.Genesis()

	tx := chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address})
	require.NoError(t, chain.TxPool().Submit(ctx, tx))
	a1, err := chain.Produce()
	require.NoError(t, err)
	a2, err := chain.Produce()
	require.NoError(t, err)

	store := newTestStore(t)
	s, rec := newTestSyncer(t, chain, store, "")
	events := make(chan ChainEvent, 16)
	sub := s.SubscribeChainEvent(events)
	defer sub.Unsubscribe()
	require.NoError(t, s.syncOnce(ctx))
	requireCanonicalHead(t, store, chain, a2.Hash)
	_, err = store.GetTransaction(tx.Hash())
	require.NoError(t, err)
	for len(events) > 0 {
		<-events
	}

	b1, err := chain.ProduceOn(genesis.Hash, nil)
	require.NoError(t, err)
	b2, err := chain.ProduceOn(b1.Hash, nil)
	require.NoError(t, err)
	b3, err := chain.ProduceOn(b2.Hash, nil)
	require.NoError(t, err)
	require.NoError(t, s.syncOnce(ctx))

	head := requireCanonicalHead(t, store, chain, b3.Hash)
	require.Equal(t, uint64(3), head.EthNumber)

	var order []string
	for len(events) > 0 {
		ev := <-events
		kind := "enact"
		if ev.Removed {
			kind = "retract"
		}
		order = append(order, kind+"@"+ev.Block.NativeHash.Hex())
	}
	require.Equal(t, []string{
		"retract@" + a2.Hash.Hex(),
		"retract@" + a1.Hash.Hex(),
		"enact@" + b1.Hash.Hex(),
		"enact@" + b2.Hash.Hex(),
		"enact@" + b3.Hash.Hex(),
	}, order)

	// the old branch is kept but no longer canonical
	old, err := store.GetBlockByNativeHash(a1.Hash)
	require.NoError(t, err)
	require.False(t, old.Canonical)
	_, err = store.GetTransaction(tx.Hash())
	require.ErrorIs(t, err, db.ErrNotFound)

	var retracted []common.Hash
	for _, adv := range rec.advances {
		retracted = append(retracted, adv.retracted...)
	}
	require.Contains(t, retracted, tx.Hash())

	// and switching back re-canonicalizes the stored records
	a3, err := chain.ProduceOn(a2.Hash, nil)
	require.NoError(t, err)
	_, err = chain.ProduceOn(a3.Hash, nil)
	require.NoError(t, err)
	require.NoError(t, s.syncOnce(ctx))
	old, err = store.GetBlockByNativeHash(a1.Hash)
	require.NoError(t, err)
	require.True(t, old.Canonical)
	_, err = store.GetTransaction(tx.Hash())
	require.NoError(t, err)
}

func TestMalformedDigestIsSkipped(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()
	chain.CorruptNextDigest()
	_, err := chain.Produce()
	require.NoError(t, err)
	b2, err := chain.Produce()
	require.NoError(t, err)

	store := newTestStore(t)
	s, _ := newTestSyncer(t, chain, store, "")
	require.NoError(t, s.syncOnce(ctx))

	head := requireCanonicalHead(t, store, chain, b2.Hash)
	require.Equal(t, uint64(2), head.EthNumber)
	_, err = store.GetBlock(db.ByNumber(1), true)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestParachainFollowsFinality(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()
	var refs []types.NativeBlockRef
	for i := 0; i < 3; i++ {
		ref, err := chain.Produce()
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	store := newTestStore(t)
	s, _ := newTestSyncer(t, chain, store, "parachain")
	require.Equal(t, types.SyncStrategyParachain, s.Strategy())
	require.NoError(t, s.syncOnce(ctx))
	head := requireCanonicalHead(t, store, chain, chain.Genesis().Hash)
	require.Equal(t, uint64(0), head.EthNumber)

	require.NoError(t, chain.Finalize(refs[1].Hash))
	require.NoError(t, s.syncOnce(ctx))
	head = requireCanonicalHead(t, store, chain, refs[1].Hash)
	require.Equal(t, uint64(2), head.EthNumber)

	cp, err := store.GetCheckpoint()
	require.NoError(t, err)
	require.Equal(t, types.SyncStrategyParachain, cp.Strategy)
}

func TestResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain()
	for i := 0; i < 3; i++ {
		_, err := chain.Produce()
		require.NoError(t, err)
	}
	store := newTestStore(t)
	s, _ := newTestSyncer(t, chain, store, "")
	require.NoError(t, s.syncOnce(ctx))

	ref, err := chain.Produce()
	require.NoError(t, err)
	restarted, rec := newTestSyncer(t, chain, store, "")
	require.Equal(t, uint64(3), rec.last().head.EthNumber)
	require.NoError(t, restarted.syncOnce(ctx))
	head := requireCanonicalHead(t, store, chain, ref.Hash)
	require.Equal(t, uint64(4), head.EthNumber)
}

func TestResumeRejectsUnknownCheckpoint(t *testing.T) {
	chain := newTestChain()
	store := newTestStore(t)
	require.NoError(t, store.SetCheckpoint(&types.SyncCheckpoint{NativeHash: common.HexToHash("0xdead"), NativeNumber: 3}))

	s, err := NewSyncer(store, chain, chain, nil, &config.SyncerConfig{})
	require.NoError(t, err)
	require.ErrorIs(t, s.LoadProgressAndResume(context.Background()), ErrIndexingHalted)
}

func TestStartFollowsImports(t *testing.T) {
	chain := newTestChain()
	store := newTestStore(t)
	rec := &recorder{}
	s, err := NewSyncer(store, chain, chain, rec, &config.SyncerConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	var last types.NativeBlockRef
	for i := 0; i < 4; i++ {
		last, err = chain.Produce()
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		head, err := store.GetBlock(db.Latest(), true)
		return err == nil && head.NativeHash == last.Hash
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("syncer did not stop")
	}
}
