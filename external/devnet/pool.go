package devnet

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

type pooledTx struct {
	tx   *ethtypes.Transaction
	from common.Address
}

// Pool is a single-state pool: its ready set is computed against the best
// block and transactions are dropped as soon as the best chain includes them.
type Pool struct {
	chain     *Chain
	forkAware bool

	mu        sync.RWMutex
	all       map[common.Hash]*pooledTx
	bySender  map[common.Address]map[uint64]*pooledTx
	callbacks []func()
}

// ForkAwarePool keeps transactions until they are final and can compute the
// ready set at any imported block.
type ForkAwarePool struct {
	*Pool
}

func newPool(chain *Chain, forkAware bool) *Pool {
	return &Pool{
		chain:     chain,
		forkAware: forkAware,
		all:       make(map[common.Hash]*pooledTx),
		bySender:  make(map[common.Address]map[uint64]*pooledTx),
	}
}

func (p *Pool) Submit(_ context.Context, tx *ethtypes.Transaction) error {
	from, err := ethtypes.Sender(p.chain.signer, tx)
	if err != nil {
		return txpool.ErrInvalidSender
	}
	p.chain.mu.RLock()
	best := p.chain.best
	p.chain.mu.RUnlock()
	st, err := p.chain.stateAt(best)
	if err != nil {
		return err
	}
	if tx.Nonce() < st.nonce(from) {
		return core.ErrNonceTooLow
	}

	p.mu.Lock()
	if _, ok := p.all[tx.Hash()]; ok {
		p.mu.Unlock()
		return txpool.ErrAlreadyKnown
	}
	if existing, ok := p.bySender[from][tx.Nonce()]; ok {
		if tx.GasTipCap().Cmp(existing.tx.GasTipCap()) <= 0 {
			p.mu.Unlock()
			return txpool.ErrReplaceUnderpriced
		}
		delete(p.all, existing.tx.Hash())
	}
	p.insertLocked(&pooledTx{tx: tx, from: from})
	p.mu.Unlock()

	p.notify()
	return nil
}

func (p *Pool) insertLocked(ptx *pooledTx) {
	p.all[ptx.tx.Hash()] = ptx
	if p.bySender[ptx.from] == nil {
		p.bySender[ptx.from] = make(map[uint64]*pooledTx)
	}
	p.bySender[ptx.from][ptx.tx.Nonce()] = ptx
}

func (p *Pool) OnImported(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

func (p *Pool) notify() {
	p.mu.RLock()
	callbacks := append([]func(){}, p.callbacks...)
	p.mu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}
}

func (p *Pool) Ready() []*ethtypes.Transaction {
	p.chain.mu.RLock()
	best := p.chain.best
	p.chain.mu.RUnlock()
	return p.readyAt(best)
}

func (p *Pool) All() (ready, future []*ethtypes.Transaction) {
	p.chain.mu.RLock()
	best := p.chain.best
	p.chain.mu.RUnlock()
	return p.split(best)
}

func (p *Pool) readyAt(at common.Hash) []*ethtypes.Transaction {
	ready, _ := p.split(at)
	return ready
}

// split sorts the pool into nonce-contiguous and nonce-gapped transactions
// relative to the state after at. Senders are visited in address order.
func (p *Pool) split(at common.Hash) (ready, future []*ethtypes.Transaction) {
	st, err := p.chain.stateAt(at)
	if err != nil {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	senders := make([]common.Address, 0, len(p.bySender))
	for from := range p.bySender {
		senders = append(senders, from)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i].Cmp(senders[j]) < 0 })

	ready = make([]*ethtypes.Transaction, 0)
	future = make([]*ethtypes.Transaction, 0)
	for _, from := range senders {
		txs := p.bySender[from]
		next := st.nonce(from)
		nonces := make([]uint64, 0, len(txs))
		for nonce := range txs {
			if nonce >= st.nonce(from) {
				nonces = append(nonces, nonce)
			}
		}
		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		for _, nonce := range nonces {
			if nonce == next {
				ready = append(ready, txs[nonce].tx)
				next++
				continue
			}
			future = append(future, txs[nonce].tx)
		}
	}
	return ready, future
}

// onNewBest re-injects transactions of retracted blocks and, for the
// single-state pool, drops everything the new best chain included.
func (p *Pool) onNewBest(retracted []*ethtypes.Transaction) {
	p.mu.Lock()
	for _, tx := range retracted {
		if _, ok := p.all[tx.Hash()]; ok {
			continue
		}
		from, err := ethtypes.Sender(p.chain.signer, tx)
		if err != nil {
			continue
		}
		p.insertLocked(&pooledTx{tx: tx, from: from})
	}
	p.mu.Unlock()

	if !p.forkAware {
		p.chain.mu.RLock()
		best := p.chain.best
		p.chain.mu.RUnlock()
		p.dropIncluded(best)
	}
	p.notify()
}

func (p *Pool) onFinalized() {
	if !p.forkAware {
		return
	}
	p.chain.mu.RLock()
	finalized := p.chain.finalized
	p.chain.mu.RUnlock()
	p.dropIncluded(finalized)
	p.notify()
}

func (p *Pool) dropIncluded(at common.Hash) {
	st, err := p.chain.stateAt(at)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for from, txs := range p.bySender {
		for nonce, ptx := range txs {
			if nonce < st.nonce(from) {
				delete(txs, nonce)
				delete(p.all, ptx.tx.Hash())
			}
		}
		if len(txs) == 0 {
			delete(p.bySender, from)
		}
	}
}

func (p *ForkAwarePool) ReadyAt(at common.Hash) []*ethtypes.Transaction {
	return p.readyAt(at)
}
