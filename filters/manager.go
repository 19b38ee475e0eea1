package filters

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
)

// MaxPendingHashes bounds the hashes a pending transaction filter holds
// between polls; older ones are dropped first.
const MaxPendingHashes = 4096

type Kind int

const (
	LogsFilter Kind = iota
	BlocksFilter
	PendingTxFilter
)

// Filter is an installed polling filter. cursor is the next block number a
// logs or blocks poll starts at; it only moves forward.
type Filter struct {
	ID       rpc.ID
	Kind     Kind
	Criteria ethereum.FilterQuery

	mu       sync.Mutex
	cursor   uint64
	hashes   []common.Hash
	lastPoll time.Time
}

// TxEventSource announces transactions entering the pending view.
type TxEventSource interface {
	SubscribeNewTxs(ch chan<- []common.Hash) event.Subscription
}

type Manager struct {
	chain      service.Chain
	logs       *LogEngine
	maxFilters int
	ttl        time.Duration

	mu      sync.RWMutex
	filters map[rpc.ID]*Filter
}

func NewManager(chain service.Chain, logs *LogEngine, maxFilters int, ttl time.Duration) *Manager {
	return &Manager{
		chain:      chain,
		logs:       logs,
		maxFilters: maxFilters,
		ttl:        ttl,
		filters:    make(map[rpc.ID]*Filter),
	}
}

// Start feeds pending transaction filters and evicts filters that were not
// polled within the TTL, in the background until ctx is done.
func (m *Manager) Start(ctx context.Context, txs TxEventSource) {
	txCh := make(chan []common.Hash, 64)
	sub := txs.SubscribeNewTxs(txCh)
	go m.loop(ctx, txCh, sub)
}

func (m *Manager) loop(ctx context.Context, txCh chan []common.Hash, sub event.Subscription) {
	defer sub.Unsubscribe()
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case hashes := <-txCh:
			m.addPending(hashes)
		case <-ticker.C:
			m.evict(time.Now())
		case <-sub.Err():
			return
		}
	}
}

func (m *Manager) install(f *Filter) (rpc.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxFilters > 0 && len(m.filters) >= m.maxFilters {
		return "", service.ErrTooManyFilters
	}
	f.ID = rpc.NewID()
	f.lastPoll = time.Now()
	m.filters[f.ID] = f
	metrics.ActiveFiltersGauge.Set(float64(len(m.filters)))
	return f.ID, nil
}

func (m *Manager) get(id rpc.ID) (*Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.filters[id]
	if !ok {
		return nil, service.ErrFilterNotFound
	}
	return f, nil
}

// NewLogFilter installs a logs filter. Polling starts at the explicit from
// block, or right after the current head for tags.
func (m *Manager) NewLogFilter(ctx context.Context, view *pending.View, crit ethereum.FilterQuery) (rpc.ID, error) {
	if crit.BlockHash != nil {
		return "", service.InvalidParams("cannot specify blockHash for a polling filter")
	}
	if err := m.logs.checkRequested(&crit); err != nil {
		return "", err
	}
	cursor := view.HeadNumber() + 1
	if view.Head == nil {
		cursor = 0
	}
	if from, ok := explicit(crit.FromBlock); ok {
		cursor = from
	} else if crit.FromBlock != nil {
		number := rpc.BlockNumber(crit.FromBlock.Int64())
		if number == rpc.FinalizedBlockNumber || number == rpc.SafeBlockNumber {
			from, err := m.logs.resolve(ctx, view, crit.FromBlock)
			if err != nil {
				return "", err
			}
			cursor = from
		}
	}
	return m.install(&Filter{Kind: LogsFilter, Criteria: crit, cursor: cursor})
}

func (m *Manager) NewBlockFilter(view *pending.View) (rpc.ID, error) {
	cursor := view.HeadNumber() + 1
	if view.Head == nil {
		cursor = 0
	}
	return m.install(&Filter{Kind: BlocksFilter, cursor: cursor})
}

func (m *Manager) NewPendingTxFilter() (rpc.ID, error) {
	return m.install(&Filter{Kind: PendingTxFilter})
}

func (m *Manager) Uninstall(id rpc.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.filters[id]; !ok {
		return false
	}
	delete(m.filters, id)
	metrics.ActiveFiltersGauge.Set(float64(len(m.filters)))
	return true
}

// Changes returns what happened since the last poll: logs, block hashes or
// pending transaction hashes depending on the filter kind.
func (m *Manager) Changes(ctx context.Context, view *pending.View, id rpc.ID) (interface{}, error) {
	f, err := m.get(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPoll = time.Now()

	switch f.Kind {
	case PendingTxFilter:
		hashes := f.hashes
		f.hashes = nil
		if hashes == nil {
			hashes = []common.Hash{}
		}
		return hashes, nil
	case BlocksFilter:
		return m.blockChanges(ctx, view, f)
	default:
		return m.logChanges(view, f)
	}
}

func (m *Manager) blockChanges(ctx context.Context, view *pending.View, f *Filter) ([]common.Hash, error) {
	hashes := make([]common.Hash, 0)
	if view.Head == nil {
		return hashes, nil
	}
	head := view.Head.EthNumber
	for number := f.cursor; number <= head; number++ {
		record, err := m.chain.BlockByNumber(ctx, view, rpc.BlockNumber(number))
		if err != nil {
			return nil, err
		}
		if record != nil {
			hashes = append(hashes, record.EthHash)
		}
	}
	if head+1 > f.cursor {
		f.cursor = head + 1
	}
	return hashes, nil
}

func (m *Manager) logChanges(view *pending.View, f *Filter) ([]*ethtypes.Log, error) {
	if view.Head == nil {
		return []*ethtypes.Log{}, nil
	}
	to := view.Head.EthNumber
	if limit, ok := explicit(f.Criteria.ToBlock); ok && limit < to {
		to = limit
	}
	if f.cursor > to {
		return []*ethtypes.Log{}, nil
	}
	logs, err := m.logs.rangeLogs(f.cursor, to, &f.Criteria)
	if err != nil {
		return nil, err
	}
	f.cursor = to + 1
	return logs, nil
}

// FilterLogs runs the full query of a logs filter without moving its cursor.
func (m *Manager) FilterLogs(ctx context.Context, view *pending.View, id rpc.ID) ([]*ethtypes.Log, error) {
	f, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if f.Kind != LogsFilter {
		return nil, service.ErrFilterNotFound
	}
	f.mu.Lock()
	f.lastPoll = time.Now()
	crit := f.Criteria
	f.mu.Unlock()
	return m.logs.Logs(ctx, view, &crit)
}

func (m *Manager) addPending(hashes []common.Hash) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.filters {
		if f.Kind != PendingTxFilter {
			continue
		}
		f.mu.Lock()
		f.hashes = append(f.hashes, hashes...)
		if over := len(f.hashes) - MaxPendingHashes; over > 0 {
			f.hashes = append([]common.Hash(nil), f.hashes[over:]...)
		}
		f.mu.Unlock()
	}
}

func (m *Manager) evict(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.filters {
		f.mu.Lock()
		expired := now.Sub(f.lastPoll) > m.ttl
		f.mu.Unlock()
		if expired {
			delete(m.filters, id)
			logging.Logger.Debugf("filter %s expired", id)
		}
	}
	metrics.ActiveFiltersGauge.Set(float64(len(m.filters)))
}
