package filters

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
	"github.com/bnb-chain/eth-gateway/syncer"
)

type SubscriptionKind int

const (
	HeadsSubscription SubscriptionKind = iota
	LogsSubscription
	PendingTxSubscription
)

func (k SubscriptionKind) String() string {
	switch k {
	case HeadsSubscription:
		return "newHeads"
	case LogsSubscription:
		return "logs"
	case PendingTxSubscription:
		return "newPendingTransactions"
	default:
		return "unknown"
	}
}

// ChainEventSource is the syncer side of the event system.
type ChainEventSource interface {
	SubscribeChainEvent(ch chan<- syncer.ChainEvent) event.Subscription
}

// Subscription receives events on a bounded channel. A subscriber that lets
// its channel fill up is dropped: Dropped is closed and nothing more is sent.
type Subscription struct {
	ID   rpc.ID
	Kind SubscriptionKind

	crit    ethereum.FilterQuery
	headers chan *ethtypes.Header
	logs    chan []*ethtypes.Log
	txs     chan []common.Hash
	dropped chan struct{}

	es   *EventSystem
	once sync.Once
}

func (s *Subscription) Headers() <-chan *ethtypes.Header { return s.headers }
func (s *Subscription) Logs() <-chan []*ethtypes.Log     { return s.logs }
func (s *Subscription) Txs() <-chan []common.Hash        { return s.txs }
func (s *Subscription) Dropped() <-chan struct{}         { return s.dropped }

func (s *Subscription) Unsubscribe() {
	s.es.remove(s.ID)
}

// EventSystem fans syncer and pending pool events out to subscribers in the
// order they were produced. It consumes its sources without blocking so a
// slow subscriber never stalls indexing.
type EventSystem struct {
	chain  ChainEventSource
	txs    TxEventSource
	buffer int

	mu   sync.RWMutex
	subs map[rpc.ID]*Subscription
}

func NewEventSystem(chain ChainEventSource, txs TxEventSource, buffer int) *EventSystem {
	return &EventSystem{
		chain:  chain,
		txs:    txs,
		buffer: buffer,
		subs:   make(map[rpc.ID]*Subscription),
	}
}

// Start subscribes to both sources and dispatches their events in the
// background until ctx is done.
func (es *EventSystem) Start(ctx context.Context) {
	chainCh := make(chan syncer.ChainEvent, es.buffer)
	chainSub := es.chain.SubscribeChainEvent(chainCh)
	txCh := make(chan []common.Hash, es.buffer)
	txSub := es.txs.SubscribeNewTxs(txCh)
	go es.loop(ctx, chainCh, chainSub, txCh, txSub)
}

func (es *EventSystem) loop(ctx context.Context, chainCh chan syncer.ChainEvent, chainSub event.Subscription, txCh chan []common.Hash, txSub event.Subscription) {
	defer chainSub.Unsubscribe()
	defer txSub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-chainCh:
			es.onChainEvent(ev)
		case hashes := <-txCh:
			es.dispatch(PendingTxSubscription, func(s *Subscription) bool {
				return trySend(s.txs, hashes)
			})
		case <-chainSub.Err():
			return
		case <-txSub.Err():
			return
		}
	}
}

func (es *EventSystem) onChainEvent(ev syncer.ChainEvent) {
	if !ev.Removed {
		header := ev.Block.Header()
		es.dispatch(HeadsSubscription, func(s *Subscription) bool {
			return trySend(s.headers, header)
		})
	}
	if len(ev.Logs) == 0 {
		return
	}
	es.dispatch(LogsSubscription, func(s *Subscription) bool {
		matched := make([]*ethtypes.Log, 0)
		for _, log := range ev.Logs {
			if db.MatchLog(log, s.crit.Addresses, s.crit.Topics) {
				matched = append(matched, log)
			}
		}
		if len(matched) == 0 {
			return true
		}
		return trySend(s.logs, matched)
	})
}

func trySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

// dispatch offers an event to every subscriber of kind and drops the ones
// whose channel is full.
func (es *EventSystem) dispatch(kind SubscriptionKind, send func(s *Subscription) bool) {
	var slow []*Subscription
	es.mu.RLock()
	for _, s := range es.subs {
		if s.Kind == kind && !send(s) {
			slow = append(slow, s)
		}
	}
	es.mu.RUnlock()
	for _, s := range slow {
		logging.Logger.Warningf("dropping %s subscription %s, subscriber is too slow", s.Kind, s.ID)
		metrics.SubscriptionDroppedCounter.WithLabelValues(s.Kind.String()).Inc()
		es.remove(s.ID)
	}
}

func (es *EventSystem) subscribe(kind SubscriptionKind, crit ethereum.FilterQuery) *Subscription {
	s := &Subscription{
		ID:      rpc.NewID(),
		Kind:    kind,
		crit:    crit,
		dropped: make(chan struct{}),
		es:      es,
	}
	switch kind {
	case HeadsSubscription:
		s.headers = make(chan *ethtypes.Header, es.buffer)
	case LogsSubscription:
		s.logs = make(chan []*ethtypes.Log, es.buffer)
	case PendingTxSubscription:
		s.txs = make(chan []common.Hash, es.buffer)
	}
	es.mu.Lock()
	es.subs[s.ID] = s
	es.mu.Unlock()
	return s
}

func (es *EventSystem) SubscribeNewHeads() *Subscription {
	return es.subscribe(HeadsSubscription, ethereum.FilterQuery{})
}

func (es *EventSystem) SubscribeLogs(crit ethereum.FilterQuery) *Subscription {
	return es.subscribe(LogsSubscription, crit)
}

func (es *EventSystem) SubscribePendingTxs() *Subscription {
	return es.subscribe(PendingTxSubscription, ethereum.FilterQuery{})
}

func (es *EventSystem) remove(id rpc.ID) {
	es.mu.Lock()
	s, ok := es.subs[id]
	delete(es.subs, id)
	es.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.dropped) })
	}
}
