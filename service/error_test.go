package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/external"
)

func TestToRPCError(t *testing.T) {
	cases := []struct {
		err  error
		want *Err
	}{
		{fmt.Errorf("validate: %w", core.ErrNonceTooLow), ErrNonceTooLow},
		{core.ErrInsufficientFundsForTransfer, ErrInsufficientFunds},
		{fmt.Errorf("tx 0x1: %w", core.ErrFeeCapTooLow), ErrFeeCapTooLow},
		{external.ErrBlockNotFound, ErrHeaderNotFound},
		{ErrFilterNotFound, ErrFilterNotFound},
		{errors.New("disk on fire"), ErrInternal},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ToRPCError(c.err), c.err.Error())
	}
	require.NoError(t, ToRPCError(nil))

	err := ToRPCError(fmt.Errorf("call: %w", &external.OverrideError{Reason: "account 0x01 has both 'state' and 'stateDiff'"}))
	require.Equal(t, InvalidParams("account 0x01 has both 'state' and 'stateDiff'"), err)
}

func TestErrorShapes(t *testing.T) {
	err := MethodNotSupported("eth_compileSolidity")
	require.Equal(t, CodeInvalidRequest, err.ErrorCode())
	require.Equal(t, "Method eth_compileSolidity not supported.", err.Error())

	err = BlockRangeTooWide(10)
	require.Equal(t, CodeLimitExceeded, err.ErrorCode())
	require.Equal(t, "block range is too wide (maximum 10)", err.Error())

	err = NewExecutionError(&external.ExecutionResult{Err: vm.ErrExecutionReverted, ReturnData: []byte{0xde, 0xad}})
	require.Equal(t, CodeReverted, err.ErrorCode())
	require.Equal(t, "0xdead", err.ErrorData())

	err = NewExecutionError(&external.ExecutionResult{Err: vm.ErrOutOfGas})
	require.Equal(t, CodeServer, err.ErrorCode())
	require.Equal(t, vm.ErrOutOfGas.Error(), err.Error())
}
