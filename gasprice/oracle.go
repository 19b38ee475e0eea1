package gasprice

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/cache"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
)

// Oracle suggests a priority fee from the tips paid in recent blocks.
type Oracle struct {
	backend    service.Chain
	blocks     int
	percentile int
	cache      cache.Cache
}

func NewOracle(backend service.Chain, blocks, percentile int, cache cache.Cache) *Oracle {
	if percentile < 0 {
		percentile = 0
	}
	if percentile > 100 {
		percentile = 100
	}
	return &Oracle{
		backend:    backend,
		blocks:     blocks,
		percentile: percentile,
		cache:      cache,
	}
}

// SuggestTipCap returns the configured percentile of all tips paid in the
// last blocks up to the head of view. A block in the window without any
// transaction paying a positive tip means inclusion is cheap, and 0 is
// returned.
func (o *Oracle) SuggestTipCap(ctx context.Context, view *pending.View) (*big.Int, error) {
	head, err := o.backend.Head(view)
	if err != nil {
		return nil, err
	}
	key := "tip:" + head.EthHash.Hex()
	if cached, ok := o.cache.Get(key); ok {
		return new(big.Int).Set(cached.(*big.Int)), nil
	}

	tips := make([]*big.Int, 0)
	cheap := false
	for i := 0; i < o.blocks && uint64(i) <= head.EthNumber; i++ {
		record, err := o.backend.BlockByNumber(ctx, view, rpc.BlockNumber(head.EthNumber-uint64(i)))
		if err != nil {
			return nil, err
		}
		if record == nil {
			// number left unmapped by a skipped block
			continue
		}
		body, err := o.backend.Body(ctx, record)
		if err != nil {
			return nil, err
		}
		paying := 0
		for _, tx := range body.Txs {
			tip, err := tx.EffectiveGasTip(record.BaseFee)
			if err != nil {
				continue
			}
			if tip.Sign() > 0 {
				paying++
			}
			tips = append(tips, tip)
		}
		if paying == 0 {
			cheap = true
			break
		}
	}

	suggestion := new(big.Int)
	if !cheap && len(tips) > 0 {
		sort.Slice(tips, func(i, j int) bool { return tips[i].Cmp(tips[j]) < 0 })
		suggestion.Set(tips[percentileIndex(len(tips), o.percentile)])
	}
	logging.Logger.Debugf("suggested tip %s at %s from %d samples", suggestion, head, len(tips))
	o.cache.Set(key, new(big.Int).Set(suggestion))
	return suggestion, nil
}

// percentileIndex is the nearest-rank index of the p-th percentile in a
// sorted sample of size n.
func percentileIndex(n, p int) int {
	idx := (n*p+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
