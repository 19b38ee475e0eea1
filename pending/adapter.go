package pending

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/types"
)

// InflightTTL is how many indexed blocks a transaction that left the pool
// stays visible while waiting for the block that mined it to be indexed.
const InflightTTL = 64

// View is an immutable snapshot of the indexed head and the pending pool.
// Head is nil until the first block is indexed.
type View struct {
	Head   *types.EthereumBlockRecord
	Ready  []*ethtypes.Transaction
	Future []*ethtypes.Transaction

	byHash map[common.Hash]*ethtypes.Transaction
}

func newView(head *types.EthereumBlockRecord, ready, future []*ethtypes.Transaction) *View {
	v := &View{
		Head:   head,
		Ready:  ready,
		Future: future,
		byHash: make(map[common.Hash]*ethtypes.Transaction, len(ready)+len(future)),
	}
	for _, tx := range ready {
		v.byHash[tx.Hash()] = tx
	}
	for _, tx := range future {
		v.byHash[tx.Hash()] = tx
	}
	return v
}

// Lookup finds a ready or future transaction.
func (v *View) Lookup(hash common.Hash) (*ethtypes.Transaction, bool) {
	tx, ok := v.byHash[hash]
	return tx, ok
}

// All lists ready then future transactions.
func (v *View) All() []*ethtypes.Transaction {
	all := make([]*ethtypes.Transaction, 0, len(v.Ready)+len(v.Future))
	all = append(all, v.Ready...)
	return append(all, v.Future...)
}

func (v *View) HeadNumber() uint64 {
	if v.Head == nil {
		return 0
	}
	return v.Head.EthNumber
}

type inflightTx struct {
	tx    *ethtypes.Transaction
	since uint64
	seq   int
}

// Adapter projects the host pool into pending views. Readers load the current
// view without locking; the syncer publishes a new head and the matching pool
// view in one store.
type Adapter struct {
	pool   external.TxPool
	source source

	mu       sync.Mutex
	head     *types.EthereumBlockRecord
	mined    map[common.Hash]uint64
	inflight map[common.Hash]*inflightTx
	seq      int

	view      atomic.Pointer[View]
	rebuildCh chan struct{}

	txFeed event.Feed
	scope  event.SubscriptionScope
}

func NewAdapter(pool external.TxPool, strategy string) (*Adapter, error) {
	src, err := newSource(pool, strategy)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		pool:      pool,
		source:    src,
		mined:     make(map[common.Hash]uint64),
		inflight:  make(map[common.Hash]*inflightTx),
		rebuildCh: make(chan struct{}, 1),
	}
	a.view.Store(newView(nil, nil, nil))
	pool.OnImported(a.requestRebuild)
	return a, nil
}

// Start rebuilds the view on pool changes until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	defer a.scope.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.rebuildCh:
			a.Refresh()
		}
	}
}

func (a *Adapter) requestRebuild() {
	select {
	case a.rebuildCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) View() *View {
	return a.view.Load()
}

// SubscribeNewTxs delivers hashes of transactions entering the pending view.
func (a *Adapter) SubscribeNewTxs(ch chan<- []common.Hash) event.Subscription {
	return a.scope.Track(a.txFeed.Subscribe(ch))
}

func (a *Adapter) Refresh() {
	a.mu.Lock()
	added := a.rebuildLocked()
	a.mu.Unlock()
	a.announce(added)
}

// Advance records the new canonical head with the transactions its blocks
// mined or gave back, and publishes the matching view.
func (a *Adapter) Advance(head *types.EthereumBlockRecord, enacted, retracted []common.Hash) {
	a.mu.Lock()
	a.head = head
	number := uint64(0)
	if head != nil {
		number = head.EthNumber
	}
	for _, hash := range retracted {
		delete(a.mined, hash)
	}
	for _, hash := range enacted {
		a.mined[hash] = number
		delete(a.inflight, hash)
	}
	for hash, at := range a.mined {
		if number > at+InflightTTL {
			delete(a.mined, hash)
		}
	}
	added := a.rebuildLocked()
	a.mu.Unlock()
	a.announce(added)
}

func (a *Adapter) rebuildLocked() []common.Hash {
	ready, future := a.source.snapshot(a.head)
	prev := a.view.Load()
	number := uint64(0)
	if a.head != nil {
		number = a.head.EthNumber
	}

	inPool := make(map[common.Hash]struct{}, len(ready)+len(future))
	for _, tx := range ready {
		inPool[tx.Hash()] = struct{}{}
	}
	for _, tx := range future {
		inPool[tx.Hash()] = struct{}{}
	}

	// ready txs that left the pool before their block was indexed
	for _, tx := range prev.Ready {
		hash := tx.Hash()
		if _, ok := inPool[hash]; ok {
			continue
		}
		if _, ok := a.mined[hash]; ok {
			continue
		}
		if _, ok := a.inflight[hash]; ok {
			continue
		}
		a.seq++
		a.inflight[hash] = &inflightTx{tx: tx, since: number, seq: a.seq}
	}
	waiting := make([]*inflightTx, 0, len(a.inflight))
	for hash, in := range a.inflight {
		if _, ok := inPool[hash]; ok || number > in.since+InflightTTL {
			delete(a.inflight, hash)
			continue
		}
		waiting = append(waiting, in)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].seq < waiting[j].seq })

	visibleReady := make([]*ethtypes.Transaction, 0, len(waiting)+len(ready))
	for _, in := range waiting {
		visibleReady = append(visibleReady, in.tx)
	}
	for _, tx := range ready {
		if _, ok := a.mined[tx.Hash()]; !ok {
			visibleReady = append(visibleReady, tx)
		}
	}
	visibleFuture := make([]*ethtypes.Transaction, 0, len(future))
	for _, tx := range future {
		if _, ok := a.mined[tx.Hash()]; !ok {
			visibleFuture = append(visibleFuture, tx)
		}
	}

	view := newView(a.head, visibleReady, visibleFuture)
	a.view.Store(view)

	added := make([]common.Hash, 0)
	for _, tx := range view.All() {
		if _, ok := prev.Lookup(tx.Hash()); !ok {
			added = append(added, tx.Hash())
		}
	}
	if len(added) > 0 {
		logging.Logger.Debugf("pending view at #%d: ready=%d future=%d new=%d", number, len(visibleReady), len(visibleFuture), len(added))
	}
	return added
}

func (a *Adapter) announce(added []common.Hash) {
	if len(added) == 0 {
		return
	}
	a.txFeed.Send(added)
}
