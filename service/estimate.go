package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/pending"
)

// EstimateVariancePercent stops the search once the interval is narrower
// than this share of its lower bound.
const EstimateVariancePercent = 10

// EstimateGas searches the lowest gas limit in [21000, 2^32-1] that msg
// executes with, capped by ten block gas limits and by what the sender can
// pay for. The result is the upper end of the final interval, so it may
// exceed the minimum by less than EstimateVariancePercent but never falls
// below it.
func (c *ChainService) EstimateGas(ctx context.Context, view *pending.View, msg *external.CallMsg, bnh rpc.BlockNumberOrHash) (uint64, error) {
	record, err := c.StateBlock(ctx, view, bnh)
	if err != nil {
		return 0, err
	}
	gasCap, err := c.gasCap(ctx, record)
	if err != nil {
		return 0, err
	}
	if msg.Gas > gasCap {
		return 0, ErrGasCapExceeded
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.estimateTimeout)
	defer cancel()
	probe := func(gas uint64) (*external.ExecutionResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := *msg
		m.Gas = gas
		result, err := c.engine.Call(ctx, &m, record.NativeHash, nil)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	fail := func(err error) (uint64, error) {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return 0, ErrEstimateTimeout
		}
		return 0, err
	}

	// a plain transfer to an account without code needs exactly the base cost
	if msg.To != nil && len(msg.Data) == 0 && (msg.Gas == 0 || msg.Gas >= params.TxGas) {
		code, err := c.engine.Code(ctx, record.NativeHash, *msg.To)
		if err != nil {
			return 0, err
		}
		if len(code) == 0 {
			if _, err := c.allowance(ctx, record.NativeHash, msg); err != nil {
				return 0, err
			}
			result, err := probe(params.TxGas)
			if err != nil {
				return fail(err)
			}
			if result.Failed() {
				return 0, NewExecutionError(result)
			}
			return params.TxGas, nil
		}
	}

	hi := uint64(math.MaxUint32)
	if msg.Gas >= params.TxGas {
		hi = msg.Gas
	}
	if hi > gasCap {
		hi = gasCap
	}
	if allowance, err := c.allowance(ctx, record.NativeHash, msg); err != nil {
		return 0, err
	} else if allowance != nil && allowance.IsUint64() && allowance.Uint64() < hi {
		hi = allowance.Uint64()
	}

	result, err := probe(hi)
	if err != nil {
		return fail(err)
	}
	if result.Failed() {
		if errors.Is(result.Err, vm.ErrExecutionReverted) {
			return 0, NewRevertError(result.ReturnData)
		}
		if outOfGas(result.Err) {
			return 0, &Err{Code: CodeServer, Message: fmt.Sprintf("gas required exceeds allowance (%d)", hi)}
		}
		return 0, NewExecutionError(result)
	}

	lo := params.TxGas - 1
	mid := lo + (hi-lo)/2
	if oneShot, err := c.engine.EstimateGas(ctx, msg, record.NativeHash); err == nil && oneShot > lo && oneShot*3 < mid {
		mid = oneShot * 3
	}
	for lo+1 < hi && (hi-lo)*100 >= lo*EstimateVariancePercent {
		result, err = probe(mid)
		if err != nil {
			return fail(err)
		}
		// any failure below a limit that succeeded is down to gas
		if result.Failed() {
			lo = mid
		} else {
			hi = mid
		}
		mid = lo + (hi-lo)/2
	}
	return hi, nil
}

func outOfGas(err error) bool {
	var invalid *vm.ErrInvalidOpCode
	return errors.Is(err, vm.ErrOutOfGas) || errors.Is(err, external.ErrInvalidOpcode) || errors.As(err, &invalid)
}

// allowance is the gas the sender can pay for at the fee cap of msg, nil when
// msg sets no price.
func (c *ChainService) allowance(ctx context.Context, at common.Hash, msg *external.CallMsg) (*big.Int, error) {
	feeCap := msg.GasPrice
	if msg.MaxFeePerGas != nil {
		feeCap = msg.MaxFeePerGas
	}
	if feeCap == nil || feeCap.Sign() == 0 {
		return nil, nil
	}
	balance, err := c.engine.Balance(ctx, at, msg.From)
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Set(balance)
	if msg.Value != nil {
		if msg.Value.Cmp(available) > 0 {
			return nil, ErrInsufficientFunds
		}
		available.Sub(available, msg.Value)
	}
	return available.Div(available, feeCap), nil
}
