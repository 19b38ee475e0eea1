package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
	"github.com/bnb-chain/eth-gateway/types"
)

const (
	MaxFeeHistoryBlocks      = 1024
	MaxFeeHistoryPercentiles = 100
)

type FeeHistory struct {
	OldestBlock  *hexutil.Big     `json:"oldestBlock"`
	Reward       [][]*hexutil.Big `json:"reward,omitempty"`
	BaseFee      []*hexutil.Big   `json:"baseFeePerGas,omitempty"`
	GasUsedRatio []float64        `json:"gasUsedRatio"`
}

type txTip struct {
	gasUsed uint64
	tip     *big.Int
}

// FeeHistory reports base fees, gas usage and, for every requested
// percentile, the gas weighted tip of up to blockCount blocks ending at last.
// The base fee list has one more entry: the base fee of the block after last.
func (o *Oracle) FeeHistory(ctx context.Context, view *pending.View, blockCount uint64, last rpc.BlockNumber, percentiles []float64) (*FeeHistory, error) {
	if len(percentiles) > MaxFeeHistoryPercentiles {
		return nil, service.InvalidParams("too many reward percentiles (maximum %d)", MaxFeeHistoryPercentiles)
	}
	for i, p := range percentiles {
		if p < 0 || p > 100 {
			return nil, service.InvalidParams("invalid reward percentile: %f", p)
		}
		if i > 0 && p <= percentiles[i-1] {
			return nil, service.InvalidParams("invalid reward percentile: #%d:%f >= #%d:%f", i-1, percentiles[i-1], i, p)
		}
	}
	head, err := o.backend.Head(view)
	if err != nil {
		return nil, err
	}
	if blockCount == 0 {
		return &FeeHistory{OldestBlock: (*hexutil.Big)(new(big.Int)), GasUsedRatio: []float64{}}, nil
	}
	if blockCount > MaxFeeHistoryBlocks {
		blockCount = MaxFeeHistoryBlocks
	}
	if last == rpc.PendingBlockNumber {
		last = rpc.LatestBlockNumber
	}
	lastRecord, err := o.backend.BlockByNumber(ctx, view, last)
	if err != nil {
		return nil, err
	}
	if lastRecord == nil {
		return nil, service.ErrHeaderNotFound
	}
	if blockCount > lastRecord.EthNumber+1 {
		blockCount = lastRecord.EthNumber + 1
	}
	oldest := lastRecord.EthNumber + 1 - blockCount

	result := &FeeHistory{
		OldestBlock:  (*hexutil.Big)(new(big.Int).SetUint64(oldest)),
		BaseFee:      make([]*hexutil.Big, 0, blockCount+1),
		GasUsedRatio: make([]float64, 0, blockCount),
	}
	if len(percentiles) > 0 {
		result.Reward = make([][]*hexutil.Big, 0, blockCount)
	}
	for number := oldest; number <= lastRecord.EthNumber; number++ {
		record, err := o.backend.BlockByNumber(ctx, view, rpc.BlockNumber(number))
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("block %d is not mapped", number)
		}
		result.BaseFee = append(result.BaseFee, (*hexutil.Big)(baseFeeOf(record)))
		ratio := 0.0
		if record.GasLimit > 0 {
			ratio = float64(record.GasUsed) / float64(record.GasLimit)
		}
		result.GasUsedRatio = append(result.GasUsedRatio, ratio)
		if len(percentiles) == 0 {
			continue
		}
		rewards, err := o.rewards(ctx, record, percentiles)
		if err != nil {
			return nil, err
		}
		result.Reward = append(result.Reward, rewards)
	}

	var next *big.Int
	if lastRecord.EthNumber < head.EthNumber {
		record, err := o.backend.BlockByNumber(ctx, view, rpc.BlockNumber(lastRecord.EthNumber+1))
		if err != nil {
			return nil, err
		}
		if record != nil {
			next = baseFeeOf(record)
		}
	}
	if next == nil {
		if next, err = o.backend.BaseFee(ctx, view); err != nil {
			return nil, err
		}
	}
	result.BaseFee = append(result.BaseFee, (*hexutil.Big)(next))
	return result, nil
}

func baseFeeOf(record *types.EthereumBlockRecord) *big.Int {
	if record.BaseFee == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(record.BaseFee)
}

func (o *Oracle) rewards(ctx context.Context, record *types.EthereumBlockRecord, percentiles []float64) ([]*hexutil.Big, error) {
	rewards := make([]*hexutil.Big, len(percentiles))
	body, err := o.backend.Body(ctx, record)
	if err != nil {
		return nil, err
	}
	if len(body.Txs) == 0 {
		for i := range rewards {
			rewards[i] = (*hexutil.Big)(new(big.Int))
		}
		return rewards, nil
	}
	tips := make([]txTip, 0, len(body.Txs))
	for i, tx := range body.Txs {
		tip, err := tx.EffectiveGasTip(record.BaseFee)
		if err != nil {
			tip = new(big.Int)
		}
		tips = append(tips, txTip{gasUsed: body.Receipts[i].GasUsed, tip: tip})
	}
	sort.SliceStable(tips, func(i, j int) bool { return tips[i].tip.Cmp(tips[j].tip) < 0 })

	var total uint64
	for _, t := range tips {
		total += t.gasUsed
	}
	idx, sum := 0, tips[0].gasUsed
	for i, p := range percentiles {
		threshold := uint64(float64(total) * p / 100)
		for sum < threshold && idx < len(tips)-1 {
			idx++
			sum += tips[idx].gasUsed
		}
		rewards[i] = (*hexutil.Big)(new(big.Int).Set(tips[idx].tip))
	}
	return rewards, nil
}
