package jsonrpc

import (
	"fmt"
	gomath "math"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/rpc"
)

// decimalBlock parses a block argument written as a decimal number, quoted
// or not. Tags and 0x-prefixed values are left to go-ethereum.
func decimalBlock(data []byte) (rpc.BlockNumber, bool, error) {
	input := strings.TrimSpace(string(data))
	if len(input) >= 2 && input[0] == '"' && input[len(input)-1] == '"' {
		input = input[1 : len(input)-1]
	}
	if input == "" || input[0] < '0' || input[0] > '9' || strings.HasPrefix(input, "0x") || strings.HasPrefix(input, "0X") {
		return 0, false, nil
	}
	number, ok := math.ParseUint64(input)
	if !ok {
		return 0, true, fmt.Errorf("invalid block number %q", input)
	}
	if number > gomath.MaxInt64 {
		return 0, true, fmt.Errorf("block number larger than int64")
	}
	return rpc.BlockNumber(number), true, nil
}

// BlockNumber is rpc.BlockNumber that also accepts decimal numbers.
type BlockNumber rpc.BlockNumber

func (bn *BlockNumber) UnmarshalJSON(data []byte) error {
	number, ok, err := decimalBlock(data)
	if err != nil {
		return err
	}
	if ok {
		*bn = BlockNumber(number)
		return nil
	}
	var inner rpc.BlockNumber
	if err := inner.UnmarshalJSON(data); err != nil {
		return err
	}
	*bn = BlockNumber(inner)
	return nil
}

func (bn BlockNumber) Number() rpc.BlockNumber {
	return rpc.BlockNumber(bn)
}

// BlockNumberOrHash is rpc.BlockNumberOrHash that also accepts decimal
// block numbers.
type BlockNumberOrHash rpc.BlockNumberOrHash

func (bnh *BlockNumberOrHash) UnmarshalJSON(data []byte) error {
	number, ok, err := decimalBlock(data)
	if err != nil {
		return err
	}
	if ok {
		*bnh = BlockNumberOrHash(rpc.BlockNumberOrHashWithNumber(number))
		return nil
	}
	var inner rpc.BlockNumberOrHash
	if err := inner.UnmarshalJSON(data); err != nil {
		return err
	}
	*bnh = BlockNumberOrHash(inner)
	return nil
}

func (bnh BlockNumberOrHash) Resolve() rpc.BlockNumberOrHash {
	return rpc.BlockNumberOrHash(bnh)
}
