package jsonrpc

import (
	"context"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethfilters "github.com/ethereum/go-ethereum/eth/filters"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/filters"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/service"
)

// FilterAPI serves eth_getLogs, polling filters and eth_subscribe.
type FilterAPI struct {
	chain   service.Chain
	logs    *filters.LogEngine
	manager *filters.Manager
	events  *filters.EventSystem
}

func NewFilterAPI(chain service.Chain, logs *filters.LogEngine, manager *filters.Manager, events *filters.EventSystem) *FilterAPI {
	return &FilterAPI{chain: chain, logs: logs, manager: manager, events: events}
}

func (api *FilterAPI) GetLogs(ctx context.Context, crit ethfilters.FilterCriteria) ([]*ethtypes.Log, error) {
	query := ethereum.FilterQuery(crit)
	logs, err := api.logs.Logs(ctx, api.chain.View(), &query)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	if logs == nil {
		logs = []*ethtypes.Log{}
	}
	return logs, nil
}

func (api *FilterAPI) NewFilter(ctx context.Context, crit ethfilters.FilterCriteria) (rpc.ID, error) {
	id, err := api.manager.NewLogFilter(ctx, api.chain.View(), ethereum.FilterQuery(crit))
	if err != nil {
		return "", service.ToRPCError(err)
	}
	return id, nil
}

func (api *FilterAPI) NewBlockFilter() (rpc.ID, error) {
	id, err := api.manager.NewBlockFilter(api.chain.View())
	if err != nil {
		return "", service.ToRPCError(err)
	}
	return id, nil
}

func (api *FilterAPI) NewPendingTransactionFilter() (rpc.ID, error) {
	id, err := api.manager.NewPendingTxFilter()
	if err != nil {
		return "", service.ToRPCError(err)
	}
	return id, nil
}

func (api *FilterAPI) GetFilterChanges(ctx context.Context, id rpc.ID) (interface{}, error) {
	changes, err := api.manager.Changes(ctx, api.chain.View(), id)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	return changes, nil
}

func (api *FilterAPI) GetFilterLogs(ctx context.Context, id rpc.ID) ([]*ethtypes.Log, error) {
	logs, err := api.manager.FilterLogs(ctx, api.chain.View(), id)
	if err != nil {
		return nil, service.ToRPCError(err)
	}
	if logs == nil {
		logs = []*ethtypes.Log{}
	}
	return logs, nil
}

func (api *FilterAPI) UninstallFilter(id rpc.ID) bool {
	return api.manager.Uninstall(id)
}

// forward pumps one event subscription into an rpc subscription until either
// side ends. A dropped subscriber gets no further notifications.
func forward(notifier *rpc.Notifier, rpcSub *rpc.Subscription, sub *filters.Subscription, next func() (interface{}, bool)) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-rpcSub.Err():
			return
		case <-sub.Dropped():
			logging.Logger.Warningf("subscription %s ended, subscriber too slow", rpcSub.ID)
			return
		default:
		}
		// next blocks on the subscription channels together with the exit signals
		item, ok := next()
		if !ok {
			return
		}
		if item == nil {
			continue
		}
		if err := notifier.Notify(rpcSub.ID, item); err != nil {
			logging.Logger.Debugf("notify subscription %s failed, err=%s", rpcSub.ID, err.Error())
			return
		}
	}
}

// NewHeads sends a header for every block the indexer enacts, in order.
func (api *FilterAPI) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, service.ErrSubscriptionsOnly
	}
	rpcSub := notifier.CreateSubscription()
	sub := api.events.SubscribeNewHeads()
	go forward(notifier, rpcSub, sub, func() (interface{}, bool) {
		select {
		case header := <-sub.Headers():
			return rpcHeader(header), true
		case <-sub.Dropped():
			return nil, true
		case <-rpcSub.Err():
			return nil, false
		}
	})
	return rpcSub, nil
}

// Logs sends every matching log of enacted blocks, and of retracted blocks
// with removed set.
func (api *FilterAPI) Logs(ctx context.Context, crit ethfilters.FilterCriteria) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, service.ErrSubscriptionsOnly
	}
	if crit.BlockHash != nil || crit.FromBlock != nil || crit.ToBlock != nil {
		return nil, service.InvalidParams("block range and block hash are not supported for log subscriptions")
	}
	rpcSub := notifier.CreateSubscription()
	sub := api.events.SubscribeLogs(ethereum.FilterQuery(crit))
	var queue []*ethtypes.Log
	go forward(notifier, rpcSub, sub, func() (interface{}, bool) {
		if len(queue) == 0 {
			select {
			case logs := <-sub.Logs():
				queue = logs
			case <-sub.Dropped():
				return nil, true
			case <-rpcSub.Err():
				return nil, false
			}
		}
		if len(queue) == 0 {
			return nil, true
		}
		log := queue[0]
		queue = queue[1:]
		return log, true
	})
	return rpcSub, nil
}

// NewPendingTransactions sends the hash of every transaction entering the
// pending view.
func (api *FilterAPI) NewPendingTransactions(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, service.ErrSubscriptionsOnly
	}
	rpcSub := notifier.CreateSubscription()
	sub := api.events.SubscribePendingTxs()
	var queue []interface{}
	go forward(notifier, rpcSub, sub, func() (interface{}, bool) {
		if len(queue) == 0 {
			select {
			case hashes := <-sub.Txs():
				for _, hash := range hashes {
					queue = append(queue, hash)
				}
			case <-sub.Dropped():
				return nil, true
			case <-rpcSub.Err():
				return nil, false
			}
		}
		if len(queue) == 0 {
			return nil, true
		}
		item := queue[0]
		queue = queue[1:]
		return item, true
	})
	return rpcSub, nil
}
