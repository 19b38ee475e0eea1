package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
	"github.com/bnb-chain/eth-gateway/types"
)

const (
	RPCTimeout = 20 * time.Second
	// CatchUpBatch bounds how many blocks one route walk covers while catching up.
	CatchUpBatch = 1024
	// PruneInterval is how often, in blocks, the retention horizon is applied.
	PruneInterval = 64
)

// ErrIndexingHalted wraps failures after which the mapping store can no
// longer be trusted to follow the host chain.
var ErrIndexingHalted = errors.New("indexing halted")

type SyncState int

const (
	StateIdle SyncState = iota
	StateCatchingUp
	StateTrackingTip
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCatchingUp:
		return "catching-up"
	case StateTrackingTip:
		return "tracking-tip"
	default:
		return "unknown"
	}
}

type SyncStatus struct {
	State         SyncState
	StartingBlock uint64
	CurrentBlock  uint64
	HighestBlock  uint64
}

// ChainEvent is sent once per retracted or enacted block, in processing order.
type ChainEvent struct {
	Block   *types.EthereumBlockRecord
	Removed bool
	Logs    []*ethtypes.Log
}

// HeadPublisher receives the new canonical head after every store write.
type HeadPublisher interface {
	Advance(head *types.EthereumBlockRecord, enacted, retracted []common.Hash)
}

type Syncer struct {
	store     db.MappingDao
	host      external.HostChain
	engine    external.ExecutionEngine
	publisher HeadPublisher
	config    *config.SyncerConfig
	strategy  types.SyncStrategy

	tree       *blockTree
	checkpoint *types.SyncCheckpoint

	statusMu sync.RWMutex
	status   SyncStatus

	chainFeed event.Feed
	scope     event.SubscriptionScope
}

func NewSyncer(
	store db.MappingDao,
	host external.HostChain,
	engine external.ExecutionEngine,
	publisher HeadPublisher,
	cfg *config.SyncerConfig,
) (*Syncer, error) {
	strategy, err := types.ParseSyncStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	s := &Syncer{
		store:     store,
		host:      host,
		engine:    engine,
		publisher: publisher,
		config:    cfg,
		strategy:  strategy,
	}
	s.tree = newBlockTree(host.Header)
	return s, nil
}

func (s *Syncer) SubscribeChainEvent(ch chan<- ChainEvent) event.Subscription {
	return s.scope.Track(s.chainFeed.Subscribe(ch))
}

func (s *Syncer) Status() SyncStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Syncer) Strategy() types.SyncStrategy {
	return s.strategy
}

func (s *Syncer) setStatus(update func(status *SyncStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	update(&s.status)
}

// Start indexes until ctx is cancelled. Notifications are queued on bounded
// channels; when the queue is full the host blocks rather than dropping
// notifications. A returned error means indexing halted.
func (s *Syncer) Start(ctx context.Context) error {
	defer s.scope.Close()

	if err := s.LoadProgressAndResume(ctx); err != nil {
		return err
	}

	queueSize := s.config.GetNotificationQueueSize()
	importCh := make(chan external.ImportNotification, queueSize)
	finalityCh := make(chan external.FinalityNotification, queueSize)
	importSub := s.host.SubscribeImports(importCh)
	defer importSub.Unsubscribe()
	finalitySub := s.host.SubscribeFinality(finalityCh)
	defer finalitySub.Unsubscribe()

	if err := s.syncOnce(ctx); err != nil {
		return err
	}

	monitorTicker := time.NewTicker(s.config.GetMonitorInterval())
	defer monitorTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-importCh:
			if s.strategy == types.SyncStrategyParachain || !n.IsNewBest {
				continue
			}
			if err := s.syncOnce(ctx); err != nil {
				return err
			}
		case n := <-finalityCh:
			s.onFinalized(n.Ref)
			if s.strategy != types.SyncStrategyParachain {
				continue
			}
			if err := s.syncOnce(ctx); err != nil {
				return err
			}
		case <-monitorTicker.C:
			s.monitor(ctx)
			// recovers from host errors that interrupted the last pass
			if err := s.syncOnce(ctx); err != nil {
				return err
			}
		case err := <-importSub.Err():
			return err
		case err := <-finalitySub.Err():
			return err
		}
	}
}

// syncOnce runs one pass towards the host target. Host side failures are
// logged and retried on the next trigger, store failures halt indexing.
func (s *Syncer) syncOnce(ctx context.Context) error {
	err := s.syncToTarget(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, ErrIndexingHalted) {
		logging.Logger.Errorf("indexing halted, err=%s", err.Error())
		s.setStatus(func(status *SyncStatus) { status.State = StateIdle })
		return err
	}
	logging.Logger.Errorf("failed to sync, will retry, err=%s", err.Error())
	return nil
}

func (s *Syncer) target(ctx context.Context) (types.NativeBlockRef, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()
	if s.strategy == types.SyncStrategyParachain {
		return s.host.FinalizedBlock(ctx)
	}
	return s.host.BestBlock(ctx)
}

func (s *Syncer) syncToTarget(ctx context.Context) error {
	target, err := s.target(ctx)
	if err != nil {
		return err
	}
	s.setStatus(func(status *SyncStatus) { status.HighestBlock = target.Number })

	if s.checkpoint == nil {
		if err = s.indexFirstBlock(ctx, target); err != nil {
			return err
		}
	}

	for s.checkpoint.NativeHash != target.Hash {
		step := target
		if target.Number > s.checkpoint.NativeNumber+CatchUpBatch {
			hash, err := s.host.HashByNumber(ctx, s.checkpoint.NativeNumber+CatchUpBatch)
			if err != nil {
				return err
			}
			if step, err = s.host.Header(ctx, hash); err != nil {
				return err
			}
		}

		retracted, enacted, err := s.tree.route(ctx, s.checkpoint.NativeHash, step.Hash)
		if err != nil {
			return err
		}
		if s.strategy == types.SyncStrategyParachain && len(retracted) != 0 {
			return fmt.Errorf("%w: finalized chain does not extend checkpoint %s", ErrIndexingHalted, s.checkpoint)
		}
		if len(retracted) != 0 {
			logging.Logger.Infof("reorg at checkpoint %s, retract=%d enact=%d", s.checkpoint, len(retracted), len(enacted))
			metrics.ReorgCounter.Inc()
		}

		state := StateTrackingTip
		if target.Number > s.checkpoint.NativeNumber+1 {
			state = StateCatchingUp
		}
		s.setStatus(func(status *SyncStatus) {
			if status.State != StateCatchingUp && state == StateCatchingUp {
				status.StartingBlock = s.checkpoint.NativeNumber
			}
			status.State = state
		})

		for _, ref := range retracted {
			if err = s.retract(ctx, ref); err != nil {
				return err
			}
		}
		for _, ref := range enacted {
			if err = ctx.Err(); err != nil {
				return err
			}
			if err = s.enact(ctx, ref); err != nil {
				return err
			}
		}
	}

	s.setStatus(func(status *SyncStatus) { status.State = StateTrackingTip })
	return nil
}

// indexFirstBlock starts an empty store at the configured start block.
func (s *Syncer) indexFirstBlock(ctx context.Context, target types.NativeBlockRef) error {
	start := s.config.StartBlock
	if start > target.Number {
		start = target.Number
	}
	hash, err := s.host.HashByNumber(ctx, start)
	if err != nil {
		return err
	}
	ref, err := s.host.Header(ctx, hash)
	if err != nil {
		return err
	}
	logging.Logger.Infof("empty mapping store, start indexing at %s", ref)
	s.setStatus(func(status *SyncStatus) { status.StartingBlock = ref.Number })
	return s.enact(ctx, ref)
}

func (s *Syncer) checkpointOf(ref types.NativeBlockRef) *types.SyncCheckpoint {
	return &types.SyncCheckpoint{
		NativeHash:   ref.Hash,
		NativeNumber: ref.Number,
		Strategy:     s.strategy,
	}
}

func (s *Syncer) retract(ctx context.Context, ref types.NativeBlockRef) error {
	cp := &types.SyncCheckpoint{
		NativeHash:   ref.ParentHash,
		NativeNumber: ref.Number - 1,
		Strategy:     s.strategy,
	}
	record, err := s.store.GetBlockByNativeHash(ref.Hash)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: load block %s: %s", ErrIndexingHalted, ref, err.Error())
	}

	var removedLogs []*ethtypes.Log
	if record != nil && record.Canonical {
		removedLogs, err = s.store.GetLogs(&db.LogQuery{FromBlock: record.EthNumber, ToBlock: record.EthNumber})
		if err != nil {
			return fmt.Errorf("%w: load logs of %s: %s", ErrIndexingHalted, record, err.Error())
		}
		for _, log := range removedLogs {
			log.Removed = true
		}
		err = db.Retry("canonicalize", func() error {
			return s.store.Canonicalize(record.EthNumber, common.Hash{}, cp)
		})
	} else {
		err = db.Retry("set checkpoint", func() error {
			return s.store.SetCheckpoint(cp)
		})
	}
	if err != nil {
		return fmt.Errorf("%w: retract %s: %s", ErrIndexingHalted, ref, err.Error())
	}
	s.checkpoint = cp
	logging.Logger.Debugf("retracted native block %s", ref)

	if record == nil {
		s.publish(nil, nil)
		return nil
	}
	record.Canonical = false
	s.publish(nil, record.TxHashes)
	s.chainFeed.Send(ChainEvent{Block: record, Removed: true, Logs: removedLogs})
	return nil
}

func (s *Syncer) enact(ctx context.Context, ref types.NativeBlockRef) error {
	cp := s.checkpointOf(ref)
	record, err := s.store.GetBlockByNativeHash(ref.Hash)
	switch {
	case err == nil:
		// mapped earlier on a branch that was retracted
		err = db.Retry("canonicalize", func() error {
			return s.store.Canonicalize(record.EthNumber, record.EthHash, cp)
		})
		if err != nil {
			return fmt.Errorf("%w: enact %s: %s", ErrIndexingHalted, record, err.Error())
		}
		record.Canonical = true
	case errors.Is(err, db.ErrNotFound):
		if record, err = s.indexBlock(ctx, ref, cp); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: load block %s: %s", ErrIndexingHalted, ref, err.Error())
	}
	s.checkpoint = cp
	s.setStatus(func(status *SyncStatus) { status.CurrentBlock = ref.Number })
	metrics.IndexedNativeBlockGauge.Set(float64(ref.Number))

	if record == nil {
		s.publish(nil, nil)
		return nil
	}
	logs, err := s.store.GetLogs(&db.LogQuery{FromBlock: record.EthNumber, ToBlock: record.EthNumber})
	if err != nil {
		return fmt.Errorf("%w: load logs of %s: %s", ErrIndexingHalted, record, err.Error())
	}
	s.publish(record.TxHashes, nil)
	s.chainFeed.Send(ChainEvent{Block: record, Logs: logs})
	s.applyRetention(record.EthNumber)
	return nil
}

// indexBlock translates and writes a block that was never mapped. A block
// whose digest cannot be decoded is skipped: only the checkpoint moves.
func (s *Syncer) indexBlock(ctx context.Context, ref types.NativeBlockRef, cp *types.SyncCheckpoint) (*types.EthereumBlockRecord, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	block, err := s.host.Block(rpcCtx, ref.Hash)
	if err != nil {
		return nil, fmt.Errorf("get native block %s: %w", ref, err)
	}
	record, txs, err := Translate(block, block.Digest)
	if errors.Is(err, ErrMalformedDigest) {
		logging.Logger.Errorf("skip native block %s, err=%s", ref, err.Error())
		metrics.MalformedDigestCounter.Inc()
		if err = db.Retry("set checkpoint", func() error { return s.store.SetCheckpoint(cp) }); err != nil {
			return nil, fmt.Errorf("%w: skip %s: %s", ErrIndexingHalted, ref, err.Error())
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	receipts, err := s.engine.BlockReceipts(rpcCtx, ref.Hash)
	if err != nil {
		return nil, fmt.Errorf("get receipts of %s: %w", ref, err)
	}
	logs, err := collectLogs(record, receipts)
	if err != nil {
		return nil, err
	}

	record.Canonical = true
	err = db.Retry("put block", func() error {
		return s.store.PutBlock(record, txs, logs, cp)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: put block %s: %s", ErrIndexingHalted, record, err.Error())
	}
	logging.Logger.Debugf("indexed native block %s as %s with %d txs", ref, record, len(txs))
	return record, nil
}

// collectLogs stamps the receipt logs with their final block position.
func collectLogs(record *types.EthereumBlockRecord, receipts []*ethtypes.Receipt) ([]*ethtypes.Log, error) {
	if len(receipts) != len(record.TxHashes) {
		return nil, fmt.Errorf("block %s has %d txs but %d receipts", record, len(record.TxHashes), len(receipts))
	}
	logs := make([]*ethtypes.Log, 0)
	for i, receipt := range receipts {
		for _, l := range receipt.Logs {
			log := *l
			log.BlockHash = record.EthHash
			log.BlockNumber = record.EthNumber
			log.TxHash = record.TxHashes[i]
			log.TxIndex = uint(i)
			log.Index = uint(len(logs))
			log.Removed = false
			logs = append(logs, &log)
		}
	}
	return logs, nil
}

// publish hands the current canonical head to the publisher in the same step
// that makes the new checkpoint visible to readers.
func (s *Syncer) publish(enacted, retracted []common.Hash) {
	if s.publisher == nil {
		return
	}
	head, err := s.store.GetBlock(db.Latest(), true)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logging.Logger.Errorf("failed to load canonical head, err=%s", err.Error())
		}
		head = nil
	}
	s.publisher.Advance(head, enacted, retracted)
}

func (s *Syncer) applyRetention(number uint64) {
	retention := s.config.RetentionBlocks
	if retention == 0 || number <= retention || number%PruneInterval != 0 {
		return
	}
	pruned, err := s.store.PruneBefore(number - retention)
	if err != nil {
		logging.Logger.Errorf("failed to prune below %d, err=%s", number-retention, err.Error())
		return
	}
	if pruned > 0 {
		logging.Logger.Infof("pruned %d non-canonical blocks below %d", pruned, number-retention)
	}
}

func (s *Syncer) onFinalized(ref types.NativeBlockRef) {
	if s.checkpoint == nil {
		return
	}
	below := ref.Number
	if s.checkpoint.NativeNumber < below {
		below = s.checkpoint.NativeNumber
	}
	if below > 0 {
		s.tree.prune(below - 1)
	}
}
