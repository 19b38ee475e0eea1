package jsonrpc

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/service"
)

// TransactionArgs are the arguments of eth_call and eth_estimateGas.
type TransactionArgs struct {
	From                 *common.Address      `json:"from"`
	To                   *common.Address      `json:"to"`
	Gas                  *hexutil.Uint64      `json:"gas"`
	GasPrice             *hexutil.Big         `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big         `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big         `json:"value"`
	Nonce                *hexutil.Uint64      `json:"nonce"`
	Data                 *hexutil.Bytes       `json:"data"`
	Input                *hexutil.Bytes       `json:"input"`
	AccessList           *ethtypes.AccessList `json:"accessList,omitempty"`
	ChainID              *hexutil.Big         `json:"chainId,omitempty"`
}

func (args *TransactionArgs) data() ([]byte, error) {
	if args.Input != nil && args.Data != nil && !bytes.Equal(*args.Input, *args.Data) {
		return nil, service.InvalidParams(`both "data" and "input" are set and not equal. Please use "input" to pass transaction call data`)
	}
	if args.Input != nil {
		return *args.Input, nil
	}
	if args.Data != nil {
		return *args.Data, nil
	}
	return nil, nil
}

func (args *TransactionArgs) toMessage(chainID *big.Int) (*external.CallMsg, error) {
	if args.GasPrice != nil && (args.MaxFeePerGas != nil || args.MaxPriorityFeePerGas != nil) {
		return nil, service.ErrConflictingFeeArgs
	}
	if args.ChainID != nil && (*big.Int)(args.ChainID).Cmp(chainID) != 0 {
		return nil, service.InvalidParams("chainId does not match node's (have=%v, want=%v)", args.ChainID, chainID)
	}
	if args.MaxFeePerGas != nil && args.MaxPriorityFeePerGas != nil &&
		args.MaxPriorityFeePerGas.ToInt().Cmp(args.MaxFeePerGas.ToInt()) > 0 {
		return nil, service.InvalidParams("maxFeePerGas (%v) < maxPriorityFeePerGas (%v)", args.MaxFeePerGas, args.MaxPriorityFeePerGas)
	}
	data, err := args.data()
	if err != nil {
		return nil, err
	}
	msg := &external.CallMsg{
		To:   args.To,
		Data: data,
	}
	if args.From != nil {
		msg.From = *args.From
	}
	if args.Gas != nil {
		msg.Gas = uint64(*args.Gas)
	}
	if args.GasPrice != nil {
		msg.GasPrice = args.GasPrice.ToInt()
	}
	if args.MaxFeePerGas != nil {
		msg.MaxFeePerGas = args.MaxFeePerGas.ToInt()
	}
	if args.MaxPriorityFeePerGas != nil {
		msg.MaxPriorityFeePerGas = args.MaxPriorityFeePerGas.ToInt()
	}
	if args.Value != nil {
		msg.Value = args.Value.ToInt()
	}
	if args.AccessList != nil {
		msg.AccessList = *args.AccessList
	}
	return msg, nil
}
