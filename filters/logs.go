package filters

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/db"
	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
)

// LogEngine answers log queries from the mapping store. Spans are measured as
// to - from and checked both as requested and after clamping to the indexed
// head; a rejected query returns no logs.
type LogEngine struct {
	store       db.MappingDao
	chain       service.Chain
	maxRange    uint64
	maxPastLogs int
}

func NewLogEngine(store db.MappingDao, chain service.Chain, maxRange uint64, maxPastLogs int) *LogEngine {
	return &LogEngine{
		store:       store,
		chain:       chain,
		maxRange:    maxRange,
		maxPastLogs: maxPastLogs,
	}
}

func (e *LogEngine) MaxRange() uint64 {
	return e.maxRange
}

// explicit returns the block number of a criteria bound that names a block
// rather than a tag.
func explicit(n *big.Int) (uint64, bool) {
	if n == nil || n.Sign() < 0 || !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}

// resolve turns a criteria bound into a block number; nil means latest.
func (e *LogEngine) resolve(ctx context.Context, view *pending.View, n *big.Int) (uint64, error) {
	if number, ok := explicit(n); ok {
		return number, nil
	}
	head := view.HeadNumber()
	if n == nil {
		return head, nil
	}
	switch rpc.BlockNumber(n.Int64()) {
	case rpc.FinalizedBlockNumber, rpc.SafeBlockNumber:
		record, err := e.chain.BlockByNumber(ctx, view, rpc.BlockNumber(n.Int64()))
		if err != nil {
			return 0, err
		}
		if record == nil {
			return 0, service.ErrHeaderNotFound
		}
		return record.EthNumber, nil
	case rpc.LatestBlockNumber, rpc.PendingBlockNumber:
		return head, nil
	}
	return 0, service.ErrInvalidBlockRange
}

// checkRequested rejects criteria whose explicit bounds are out of order or
// too far apart.
func (e *LogEngine) checkRequested(crit *ethereum.FilterQuery) error {
	from, fromOK := explicit(crit.FromBlock)
	to, toOK := explicit(crit.ToBlock)
	if !fromOK || !toOK {
		return nil
	}
	if from > to {
		return service.ErrInvalidBlockRange
	}
	if to-from > e.maxRange {
		return service.BlockRangeTooWide(e.maxRange)
	}
	return nil
}

// Logs runs a one-shot query.
func (e *LogEngine) Logs(ctx context.Context, view *pending.View, crit *ethereum.FilterQuery) ([]*ethtypes.Log, error) {
	if crit.BlockHash != nil {
		return e.blockLogs(ctx, view, crit)
	}
	if err := e.checkRequested(crit); err != nil {
		return nil, err
	}
	if view.Head == nil {
		return []*ethtypes.Log{}, nil
	}
	from, err := e.resolve(ctx, view, crit.FromBlock)
	if err != nil {
		return nil, err
	}
	to, err := e.resolve(ctx, view, crit.ToBlock)
	if err != nil {
		return nil, err
	}
	if to > view.Head.EthNumber {
		to = view.Head.EthNumber
	}
	if from > to {
		if _, ok := explicit(crit.ToBlock); ok {
			return nil, service.ErrInvalidBlockRange
		}
		return []*ethtypes.Log{}, nil
	}
	return e.rangeLogs(from, to, crit)
}

func (e *LogEngine) rangeLogs(from, to uint64, crit *ethereum.FilterQuery) ([]*ethtypes.Log, error) {
	if to-from > e.maxRange {
		return nil, service.BlockRangeTooWide(e.maxRange)
	}
	logs, err := e.store.GetLogs(&db.LogQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: crit.Addresses,
		Topics:    crit.Topics,
		Limit:     e.maxPastLogs + 1,
	})
	if err != nil {
		return nil, err
	}
	if e.maxPastLogs > 0 && len(logs) > e.maxPastLogs {
		return nil, service.TooManyResults(e.maxPastLogs)
	}
	return logs, nil
}

// blockLogs reads the logs of one block by hash, which may be off the
// canonical chain.
func (e *LogEngine) blockLogs(ctx context.Context, view *pending.View, crit *ethereum.FilterQuery) ([]*ethtypes.Log, error) {
	record, err := e.chain.BlockByHash(ctx, view, *crit.BlockHash)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, service.ErrHeaderNotFound
	}
	body, err := e.chain.Body(ctx, record)
	if err != nil {
		return nil, err
	}
	logs := make([]*ethtypes.Log, 0)
	for _, receipt := range body.Receipts {
		for _, log := range receipt.Logs {
			if db.MatchLog(log, crit.Addresses, crit.Topics) {
				logs = append(logs, log)
			}
		}
	}
	if e.maxPastLogs > 0 && len(logs) > e.maxPastLogs {
		return nil, service.TooManyResults(e.maxPastLogs)
	}
	return logs, nil
}
