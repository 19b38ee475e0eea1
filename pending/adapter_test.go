package pending

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/external/devnet"
	"github.com/bnb-chain/eth-gateway/types"
)

var (
	alice = devnet.NewAccount("alice")
	bob   = devnet.NewAccount("bob")
)

func newChain(forkAware bool) *devnet.Chain {
	return devnet.New(devnet.Config{
		Alloc:         map[common.Address]*big.Int{alice.Address: big.NewInt(1e18)},
		ForkAwarePool: forkAware,
	})
}

func hashes(txs []*ethtypes.Transaction) []common.Hash {
	out := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.Hash())
	}
	return out
}

func TestReadyAndFuture(t *testing.T) {
	chain := newChain(false)
	a, err := NewAdapter(chain.TxPool(), config.PoolSingleState)
	require.NoError(t, err)

	ch := make(chan []common.Hash, 4)
	sub := a.SubscribeNewTxs(ch)
	defer sub.Unsubscribe()

	tx0 := chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address})
	tx2 := chain.SignTx(alice, devnet.TxArgs{Nonce: 2, To: &bob.Address})
	require.NoError(t, chain.TxPool().Submit(context.Background(), tx0))
	require.NoError(t, chain.TxPool().Submit(context.Background(), tx2))
	a.Refresh()

	view := a.View()
	require.Equal(t, []common.Hash{tx0.Hash()}, hashes(view.Ready))
	require.Equal(t, []common.Hash{tx2.Hash()}, hashes(view.Future))
	_, ok := view.Lookup(tx2.Hash())
	require.True(t, ok)
	require.Nil(t, view.Head)
	require.Equal(t, uint64(0), view.HeadNumber())

	select {
	case added := <-ch:
		require.ElementsMatch(t, []common.Hash{tx0.Hash(), tx2.Hash()}, added)
	case <-time.After(time.Second):
		t.Fatal("no pending notification")
	}

	// nothing new, nothing announced
	a.Refresh()
	require.Len(t, ch, 0)
}

func TestMinedTxVisibleUntilIndexed(t *testing.T) {
	chain := newChain(false)
	a, err := NewAdapter(chain.TxPool(), config.PoolSingleState)
	require.NoError(t, err)

	tx := chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address})
	require.NoError(t, chain.TxPool().Submit(context.Background(), tx))
	a.Refresh()
	require.Len(t, a.View().Ready, 1)

	ref, err := chain.Produce()
	require.NoError(t, err)
	require.Empty(t, chain.TxPool().Ready())

	// the pool dropped it but the gateway has not indexed the block yet
	a.Refresh()
	_, ok := a.View().Lookup(tx.Hash())
	require.True(t, ok)

	head := &types.EthereumBlockRecord{EthNumber: 1, NativeHash: ref.Hash}
	a.Advance(head, []common.Hash{tx.Hash()}, nil)
	view := a.View()
	require.Empty(t, view.All())
	require.Equal(t, head, view.Head)
	require.Equal(t, uint64(1), view.HeadNumber())
}

func TestForkAwareNeedsForkAwarePool(t *testing.T) {
	chain := newChain(false)
	_, err := NewAdapter(chain.TxPool(), config.PoolForkAware)
	require.Error(t, err)

	_, err = NewAdapter(chain.TxPool(), "bogus")
	require.Error(t, err)
}

func TestForkAwareFollowsIndexedHead(t *testing.T) {
	chain := newChain(true)
	a, err := NewAdapter(chain.TxPool(), config.PoolForkAware)
	require.NoError(t, err)

	genesis := chain.Genesis()
	genesisHead := &types.EthereumBlockRecord{EthNumber: 0, NativeHash: genesis.Hash}
	a.Advance(genesisHead, nil, nil)

	tx := chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address})
	require.NoError(t, chain.TxPool().Submit(context.Background(), tx))
	ref, err := chain.Produce()
	require.NoError(t, err)

	// the host moved on, the indexed head did not
	a.Refresh()
	require.Equal(t, []common.Hash{tx.Hash()}, hashes(a.View().Ready))

	a.Advance(&types.EthereumBlockRecord{EthNumber: 1, NativeHash: ref.Hash}, []common.Hash{tx.Hash()}, nil)
	require.Empty(t, a.View().All())

	// a reorg back to genesis gives the transaction back
	a.Advance(genesisHead, nil, []common.Hash{tx.Hash()})
	require.Equal(t, []common.Hash{tx.Hash()}, hashes(a.View().Ready))
}

func TestStartRebuildsOnPoolChange(t *testing.T) {
	chain := newChain(false)
	a, err := NewAdapter(chain.TxPool(), "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Start(ctx)

	tx := chain.SignTx(alice, devnet.TxArgs{Nonce: 0, To: &bob.Address})
	require.NoError(t, chain.TxPool().Submit(ctx, tx))
	require.Eventually(t, func() bool {
		_, ok := a.View().Lookup(tx.Hash())
		return ok
	}, time.Second, 10*time.Millisecond)
}
