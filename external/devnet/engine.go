package devnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/bnb-chain/eth-gateway/external"
)

// Gas model of the toy engine. Calling an account with code costs
// CodeByteGas per code byte plus one storage write; the first code byte
// selects the behaviour:
//
//	0xfe  invalid opcode, all gas consumed
//	0xfd  revert, the remaining code bytes are the revert data
//	other store keccak(input) in slot 0 and emit one log
const (
	CodeByteGas    = 100
	StorageGas     = 20000
	CodeDepositGas = 200
	RevertGas      = 100

	opInvalid = 0xfe
	opRevert  = 0xfd
)

// CalledTopic is topic 0 of the log emitted by every successful contract call.
var CalledTopic = crypto.Keccak256Hash([]byte("Called(address,bytes)"))

type message struct {
	from  common.Address
	to    *common.Address
	nonce uint64
	gas   uint64
	value *uint256.Int
	data  []byte
}

type outcome struct {
	result   *external.ExecutionResult
	logs     []*ethtypes.Log
	contract common.Address
}

func intrinsicGas(data []byte, create bool) uint64 {
	gas := params.TxGas
	if create {
		gas = params.TxGasContractCreation
	}
	for _, b := range data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}

// execute runs msg against st. State changes other than the nonce are applied
// only when execution succeeds. The returned error is for messages that could
// not run at all.
func execute(st *state, msg *message) (*outcome, error) {
	if st.balance(msg.from).Cmp(msg.value) < 0 {
		return nil, fmt.Errorf("%w: address %s", core.ErrInsufficientFunds, msg.from.Hex())
	}
	out := &outcome{result: &external.ExecutionResult{}}
	create := msg.to == nil
	intrinsic := intrinsicGas(msg.data, create)
	if msg.gas < intrinsic {
		out.result.UsedGas = msg.gas
		out.result.Err = vm.ErrOutOfGas
		return out, nil
	}
	left := msg.gas - intrinsic

	var (
		target  common.Address
		cost    uint64
		code    []byte
		created bool
	)
	if create {
		target = crypto.CreateAddress(msg.from, msg.nonce)
		cost = CodeDepositGas * uint64(len(msg.data))
		created = true
	} else {
		target = *msg.to
		code = st.code(target)
		switch {
		case len(code) == 0:
		case code[0] == opInvalid:
			out.result.UsedGas = msg.gas
			out.result.Err = fmt.Errorf("%w: opcode 0x%x", external.ErrInvalidOpcode, code[0])
			return out, nil
		case code[0] == opRevert:
			if left < RevertGas {
				out.result.UsedGas = msg.gas
				out.result.Err = vm.ErrOutOfGas
				return out, nil
			}
			out.result.UsedGas = intrinsic + RevertGas
			out.result.ReturnData = common.CopyBytes(code[1:])
			out.result.Err = vm.ErrExecutionReverted
			return out, nil
		default:
			cost = CodeByteGas*uint64(len(code)) + StorageGas
		}
	}
	if left < cost {
		out.result.UsedGas = msg.gas
		out.result.Err = vm.ErrOutOfGas
		return out, nil
	}
	out.result.UsedGas = intrinsic + cost

	// success, apply effects
	st.get(msg.from).balance.Sub(st.get(msg.from).balance, msg.value)
	st.get(target).balance.Add(st.get(target).balance, msg.value)
	if created {
		st.get(target).code = common.CopyBytes(msg.data)
		out.contract = target
		return out, nil
	}
	if len(code) != 0 {
		st.get(target).storage[common.Hash{}] = crypto.Keccak256Hash(msg.data)
		out.logs = append(out.logs, &ethtypes.Log{
			Address: target,
			Topics:  []common.Hash{CalledTopic, common.BytesToHash(msg.from.Bytes())},
			Data:    common.CopyBytes(msg.data),
		})
		out.result.ReturnData = crypto.Keccak256(msg.data)
	}
	return out, nil
}

func toMessage(st *state, msg *external.CallMsg, gasCap uint64) (*message, error) {
	gas := msg.Gas
	if gas == 0 || gas > gasCap {
		gas = gasCap
	}
	value := new(uint256.Int)
	if msg.Value != nil {
		var overflow bool
		if value, overflow = uint256.FromBig(msg.Value); overflow {
			return nil, errors.New("value overflows 256 bits")
		}
	}
	return &message{
		from:  msg.From,
		to:    msg.To,
		nonce: st.nonce(msg.From),
		gas:   gas,
		value: value,
		data:  msg.Data,
	}, nil
}

func (c *Chain) Call(ctx context.Context, msg *external.CallMsg, at common.Hash, overrides external.StateOverride) (*external.ExecutionResult, error) {
	st, err := c.stateAt(at)
	if err != nil {
		return nil, err
	}
	st = st.copy()
	if err = st.applyOverrides(overrides); err != nil {
		return nil, err
	}
	m, err := toMessage(st, msg, c.cfg.GasLimit*10)
	if err != nil {
		return nil, err
	}
	out, err := execute(st, m)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	return out.result, nil
}

// EstimateGas executes msg once with the block gas limit and reports the gas
// it used.
func (c *Chain) EstimateGas(ctx context.Context, msg *external.CallMsg, at common.Hash) (uint64, error) {
	st, err := c.stateAt(at)
	if err != nil {
		return 0, err
	}
	probe := *msg
	probe.Gas = c.cfg.GasLimit
	m, err := toMessage(st, &probe, c.cfg.GasLimit)
	if err != nil {
		return 0, err
	}
	out, err := execute(st.copy(), m)
	if err != nil {
		return 0, err
	}
	if out.result.Failed() {
		return 0, out.result.Err
	}
	return out.result.UsedGas, ctx.Err()
}

func (c *Chain) Balance(_ context.Context, at common.Hash, addr common.Address) (*big.Int, error) {
	st, err := c.stateAt(at)
	if err != nil {
		return nil, err
	}
	return st.balance(addr).ToBig(), nil
}

func (c *Chain) Nonce(_ context.Context, at common.Hash, addr common.Address) (uint64, error) {
	st, err := c.stateAt(at)
	if err != nil {
		return 0, err
	}
	return st.nonce(addr), nil
}

func (c *Chain) Code(_ context.Context, at common.Hash, addr common.Address) ([]byte, error) {
	st, err := c.stateAt(at)
	if err != nil {
		return nil, err
	}
	return st.code(addr), nil
}

func (c *Chain) Storage(_ context.Context, at common.Hash, addr common.Address, key common.Hash) (common.Hash, error) {
	st, err := c.stateAt(at)
	if err != nil {
		return common.Hash{}, err
	}
	return st.storageAt(addr, key), nil
}

func (c *Chain) BlockReceipts(_ context.Context, at common.Hash) ([]*ethtypes.Receipt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[at]
	if !ok {
		return nil, external.ErrBlockNotFound
	}
	receipts := make([]*ethtypes.Receipt, 0, len(b.receipts))
	for _, r := range b.receipts {
		cpy := *r
		cpy.Logs = make([]*ethtypes.Log, 0, len(r.Logs))
		for _, l := range r.Logs {
			log := *l
			cpy.Logs = append(cpy.Logs, &log)
		}
		receipts = append(receipts, &cpy)
	}
	return receipts, nil
}

func (c *Chain) BaseFee(_ context.Context, at common.Hash) (*big.Int, error) {
	if _, err := c.stateAt(at); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.cfg.BaseFee), nil
}

func (c *Chain) BlockGasLimit(_ context.Context, at common.Hash) (uint64, error) {
	if _, err := c.stateAt(at); err != nil {
		return 0, err
	}
	return c.cfg.GasLimit, nil
}
