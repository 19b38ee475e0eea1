package gateway

import (
	"context"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/bnb-chain/eth-gateway/cache"
	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/filters"
	"github.com/bnb-chain/eth-gateway/gasprice"
	"github.com/bnb-chain/eth-gateway/jsonrpc"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
	"github.com/bnb-chain/eth-gateway/syncer"
)

// Gateway wires the mapping store, the indexer and the JSON-RPC server
// around one host chain.
type Gateway struct {
	store   db.MappingDao
	adapter *pending.Adapter
	syncer  *syncer.Syncer
	chain   *service.ChainService
	filters *filters.Manager
	events  *filters.EventSystem
	server  *jsonrpc.Server
}

// OpenStore opens the mapping store backend selected by cfg.
func OpenStore(cfg *config.DBConfig) (db.MappingDao, error) {
	switch cfg.Backend {
	case config.BackendKeyValue:
		return db.NewKVStore(cfg.KVPath)
	case config.BackendSQL:
		gormDB := config.InitDBWithConfig(cfg, false)
		db.AutoMigrateDB(gormDB)
		return db.NewSQLStore(gormDB), nil
	default:
		return nil, fmt.Errorf("unknown db backend %s", cfg.Backend)
	}
}

func New(cfg *config.Config, host external.HostChain, engine external.ExecutionEngine, pool external.TxPool) (*Gateway, error) {
	store, err := OpenStore(&cfg.DBConfig)
	if err != nil {
		return nil, err
	}
	adapter, err := pending.NewAdapter(pool, cfg.PoolConfig.GetStrategy())
	if err != nil {
		store.Close()
		return nil, err
	}
	indexer, err := syncer.NewSyncer(store, host, engine, adapter, &cfg.SyncerConfig)
	if err != nil {
		store.Close()
		return nil, err
	}
	lru, err := cache.NewLocalCache(cfg.CacheConfig.GetCacheSize())
	if err != nil {
		store.Close()
		return nil, err
	}

	rpcCfg := &cfg.RPCConfig
	chainID := new(big.Int).SetUint64(rpcCfg.ChainID)
	chain := service.NewChainService(store, host, engine, pool, adapter, lru, chainID, rpcCfg.GetGasEstimateTimeout())
	logs := filters.NewLogEngine(store, chain, rpcCfg.GetMaxBlockRange(), rpcCfg.GetMaxPastLogs())
	manager := filters.NewManager(chain, logs, rpcCfg.GetMaxFilters(), rpcCfg.GetFilterTTL())
	events := filters.NewEventSystem(indexer, adapter, rpcCfg.GetSubscriptionBuffer())
	backend := &jsonrpc.Backend{
		Chain:   chain,
		Host:    host,
		Oracle:  gasprice.NewOracle(chain, rpcCfg.GetFeeHistoryBlocks(), rpcCfg.GetFeePercentile(), lru),
		Status:  indexer,
		Logs:    logs,
		Filters: manager,
		Events:  events,
	}
	server, err := jsonrpc.NewServer(rpcCfg, backend.APIs(rpcCfg))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Gateway{
		store:   store,
		adapter: adapter,
		syncer:  indexer,
		chain:   chain,
		filters: manager,
		events:  events,
		server:  server,
	}, nil
}

// Run indexes and serves until ctx is done or a component fails. A failing
// indexer stops the server as well.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.store.Close()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.adapter.Start(ctx)
		return nil
	})
	g.events.Start(ctx)
	g.filters.Start(ctx, g.adapter)
	g.chain.Follow(ctx, g.syncer)
	group.Go(func() error {
		if err := g.syncer.Start(ctx); err != nil {
			logging.Logger.Errorf("indexer stopped, err=%s", err.Error())
			return err
		}
		return nil
	})
	group.Go(func() error {
		return g.server.Start(ctx)
	})
	return group.Wait()
}
