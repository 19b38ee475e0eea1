package service

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/logging"
)

// Verify Interface Compliance
var (
	_ error         = (*Err)(nil)
	_ rpc.Error     = (*Err)(nil)
	_ rpc.DataError = (*Err)(nil)
)

// JSON-RPC error codes.
const (
	CodeInvalidRequest = -32600
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServer         = -32000
	CodeLimitExceeded  = -32005
	CodeReverted       = 3
)

// Err is an error returned to JSON-RPC clients as is.
type Err struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

var (
	ErrHeaderNotFound     = &Err{Code: CodeServer, Message: "header not found"}
	ErrInternal           = &Err{Code: CodeInternal, Message: "internal error"}
	ErrFeeCapTooLow       = &Err{Code: CodeServer, Message: "gas price less than block base fee"}
	ErrInsufficientFunds  = &Err{Code: CodeServer, Message: "insufficient funds for gas * price + value"}
	ErrNonceTooLow        = &Err{Code: CodeServer, Message: "nonce too low"}
	ErrGasLimitExceeded   = &Err{Code: CodeServer, Message: "exceeds block gas limit"}
	ErrGasCapExceeded     = &Err{Code: CodeServer, Message: "provided gas limit is too high (can be up to 10x the block gas limit)"}
	ErrIntrinsicGas       = &Err{Code: CodeServer, Message: "intrinsic gas too low"}
	ErrInvalidChainID     = &Err{Code: CodeServer, Message: "invalid chain id for signer"}
	ErrNotCanonical       = &Err{Code: CodeServer, Message: "hash is not currently canonical"}
	ErrEstimateTimeout    = &Err{Code: CodeServer, Message: "gas estimation timed out"}
	ErrFilterNotFound     = &Err{Code: CodeServer, Message: "filter not found"}
	ErrTooManyFilters     = &Err{Code: CodeLimitExceeded, Message: "too many filters installed"}
	ErrInvalidBlockRange  = &Err{Code: CodeInvalidParams, Message: "invalid block range params"}
	ErrSubscriptionsOnly  = &Err{Code: CodeServer, Message: "notifications not supported"}
	ErrConflictingFeeArgs = &Err{Code: CodeInvalidParams, Message: "both gasPrice and (maxFeePerGas or maxPriorityFeePerGas) specified"}
)

func (e *Err) Error() string {
	return e.Message
}

func (e *Err) ErrorCode() int {
	return e.Code
}

func (e *Err) ErrorData() interface{} {
	return e.Data
}

func (e *Err) Enrich(message string) *Err {
	return &Err{
		Code:    e.Code,
		Message: fmt.Sprintf("%s: %s", e.Message, message),
		Data:    e.Data,
	}
}

func InvalidParams(format string, args ...interface{}) *Err {
	return &Err{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func MethodNotSupported(method string) *Err {
	return &Err{Code: CodeInvalidRequest, Message: fmt.Sprintf("Method %s not supported.", method)}
}

func BlockRangeTooWide(max uint64) *Err {
	return &Err{Code: CodeLimitExceeded, Message: fmt.Sprintf("block range is too wide (maximum %d)", max)}
}

func TooManyResults(max int) *Err {
	return &Err{Code: CodeLimitExceeded, Message: fmt.Sprintf("query returned more than %d results", max)}
}

// NewRevertError reports a reverted execution with the revert data attached.
func NewRevertError(data []byte) *Err {
	message := vm.ErrExecutionReverted.Error()
	if reason, err := abi.UnpackRevert(data); err == nil {
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	return &Err{Code: CodeReverted, Message: message, Data: hexutil.Encode(data)}
}

// NewExecutionError converts a failed execution result into a client error.
func NewExecutionError(result *external.ExecutionResult) *Err {
	if errors.Is(result.Err, vm.ErrExecutionReverted) {
		return NewRevertError(result.ReturnData)
	}
	return &Err{Code: CodeServer, Message: result.Err.Error()}
}

// InternalErrorWithError logs err and hides it from the client.
func InternalErrorWithError(err error) *Err {
	logging.Logger.Errorf("internal rpc error, err=%s", err.Error())
	return ErrInternal
}

// ToRPCError maps errors of the layers below to the error sent to clients.
// Client errors pass through; everything unknown becomes an internal error.
func ToRPCError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *Err
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var overrideErr *external.OverrideError
	if errors.As(err, &overrideErr) {
		return InvalidParams("%s", overrideErr.Error())
	}
	switch {
	case errors.Is(err, core.ErrNonceTooLow):
		return ErrNonceTooLow
	case errors.Is(err, core.ErrInsufficientFunds), errors.Is(err, core.ErrInsufficientFundsForTransfer):
		return ErrInsufficientFunds
	case errors.Is(err, core.ErrFeeCapTooLow):
		return ErrFeeCapTooLow
	case errors.Is(err, core.ErrIntrinsicGas):
		return ErrIntrinsicGas
	case errors.Is(err, txpool.ErrGasLimit), errors.Is(err, core.ErrGasLimitReached):
		return ErrGasLimitExceeded
	case errors.Is(err, txpool.ErrAlreadyKnown), errors.Is(err, txpool.ErrReplaceUnderpriced),
		errors.Is(err, txpool.ErrInvalidSender), errors.Is(err, txpool.ErrUnderpriced),
		errors.Is(err, core.ErrNonceTooHigh):
		return &Err{Code: CodeServer, Message: err.Error()}
	case errors.Is(err, external.ErrStateNotFound), errors.Is(err, external.ErrBlockNotFound):
		return ErrHeaderNotFound
	}
	return InternalErrorWithError(err)
}
