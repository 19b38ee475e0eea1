package jsonrpc

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/bnb-chain/eth-gateway/pending"
	"github.com/bnb-chain/eth-gateway/service"
	"github.com/bnb-chain/eth-gateway/types"
)

// RPCTransaction is a transaction as returned to clients.
type RPCTransaction struct {
	BlockHash        *common.Hash         `json:"blockHash"`
	BlockNumber      *hexutil.Big         `json:"blockNumber"`
	From             common.Address       `json:"from"`
	Gas              hexutil.Uint64       `json:"gas"`
	GasPrice         *hexutil.Big         `json:"gasPrice"`
	GasFeeCap        *hexutil.Big         `json:"maxFeePerGas,omitempty"`
	GasTipCap        *hexutil.Big         `json:"maxPriorityFeePerGas,omitempty"`
	Hash             common.Hash          `json:"hash"`
	Input            hexutil.Bytes        `json:"input"`
	Nonce            hexutil.Uint64       `json:"nonce"`
	To               *common.Address      `json:"to"`
	TransactionIndex *hexutil.Uint64      `json:"transactionIndex"`
	Value            *hexutil.Big         `json:"value"`
	Type             hexutil.Uint64       `json:"type"`
	Accesses         *ethtypes.AccessList `json:"accessList,omitempty"`
	ChainID          *hexutil.Big         `json:"chainId,omitempty"`
	V                *hexutil.Big         `json:"v"`
	R                *hexutil.Big         `json:"r"`
	S                *hexutil.Big         `json:"s"`
	YParity          *hexutil.Uint64      `json:"yParity,omitempty"`
}

// newRPCTransaction renders tx; block is nil for pending transactions.
func newRPCTransaction(tx *ethtypes.Transaction, from common.Address, block *types.EthereumBlockRecord, index uint64) *RPCTransaction {
	v, r, s := tx.RawSignatureValues()
	result := &RPCTransaction{
		Type:     hexutil.Uint64(tx.Type()),
		From:     from,
		Gas:      hexutil.Uint64(tx.Gas()),
		GasPrice: (*hexutil.Big)(tx.GasPrice()),
		Hash:     tx.Hash(),
		Input:    hexutil.Bytes(tx.Data()),
		Nonce:    hexutil.Uint64(tx.Nonce()),
		To:       tx.To(),
		Value:    (*hexutil.Big)(tx.Value()),
		V:        (*hexutil.Big)(v),
		R:        (*hexutil.Big)(r),
		S:        (*hexutil.Big)(s),
	}
	if block != nil {
		hash := block.EthHash
		idx := hexutil.Uint64(index)
		result.BlockHash = &hash
		result.BlockNumber = (*hexutil.Big)(new(big.Int).SetUint64(block.EthNumber))
		result.TransactionIndex = &idx
	}
	switch tx.Type() {
	case ethtypes.LegacyTxType:
		if tx.Protected() {
			result.ChainID = (*hexutil.Big)(tx.ChainId())
		}
	case ethtypes.AccessListTxType, ethtypes.DynamicFeeTxType:
		al := tx.AccessList()
		yparity := hexutil.Uint64(v.Sign())
		result.Accesses = &al
		result.ChainID = (*hexutil.Big)(tx.ChainId())
		result.YParity = &yparity
		if tx.Type() == ethtypes.DynamicFeeTxType {
			result.GasFeeCap = (*hexutil.Big)(tx.GasFeeCap())
			result.GasTipCap = (*hexutil.Big)(tx.GasTipCap())
			// the price actually paid once mined, the cap while pending
			if block != nil && block.BaseFee != nil {
				price := new(big.Int).Add(block.BaseFee, tx.EffectiveGasTipValue(block.BaseFee))
				if price.Cmp(tx.GasFeeCap()) > 0 {
					price = tx.GasFeeCap()
				}
				result.GasPrice = (*hexutil.Big)(price)
			} else {
				result.GasPrice = (*hexutil.Big)(tx.GasFeeCap())
			}
		}
	}
	return result
}

func rpcHeader(head *ethtypes.Header) map[string]interface{} {
	result := map[string]interface{}{
		"number":           (*hexutil.Big)(head.Number),
		"hash":             head.Hash(),
		"parentHash":       head.ParentHash,
		"nonce":            head.Nonce,
		"mixHash":          head.MixDigest,
		"sha3Uncles":       head.UncleHash,
		"logsBloom":        head.Bloom,
		"stateRoot":        head.Root,
		"miner":            head.Coinbase,
		"difficulty":       (*hexutil.Big)(head.Difficulty),
		"extraData":        hexutil.Bytes(head.Extra),
		"gasLimit":         hexutil.Uint64(head.GasLimit),
		"gasUsed":          hexutil.Uint64(head.GasUsed),
		"timestamp":        hexutil.Uint64(head.Time),
		"transactionsRoot": head.TxHash,
		"receiptsRoot":     head.ReceiptHash,
	}
	if head.BaseFee != nil {
		result["baseFeePerGas"] = (*hexutil.Big)(head.BaseFee)
	}
	return result
}

func rpcBlock(body *service.BlockBody, fullTx bool) map[string]interface{} {
	header := body.Record.Header()
	result := rpcHeader(header)
	result["size"] = hexutil.Uint64(ethtypes.NewBlockWithHeader(header).WithBody(body.Txs, nil).Size())
	result["totalDifficulty"] = (*hexutil.Big)(new(big.Int))
	result["uncles"] = []common.Hash{}
	txs := make([]interface{}, 0, len(body.Txs))
	for i, tx := range body.Txs {
		if fullTx {
			txs = append(txs, newRPCTransaction(tx, body.Senders[i], body.Record, uint64(i)))
		} else {
			txs = append(txs, tx.Hash())
		}
	}
	result["transactions"] = txs
	return result
}

// pendingBlock synthesizes the block the ready transactions would form on top
// of the head. It has no hash, miner or nonce yet.
func pendingBlock(view *pending.View, baseFee *big.Int, senders func(*ethtypes.Transaction) common.Address, fullTx bool) map[string]interface{} {
	head := view.Head
	header := &ethtypes.Header{
		ParentHash:  head.EthHash,
		UncleHash:   ethtypes.EmptyUncleHash,
		Root:        head.StateRoot,
		TxHash:      ethtypes.DeriveSha(ethtypes.Transactions(view.Ready), trie.NewStackTrie(nil)),
		ReceiptHash: ethtypes.EmptyReceiptsHash,
		Difficulty:  new(big.Int),
		Number:      new(big.Int).SetUint64(head.EthNumber + 1),
		GasLimit:    head.GasLimit,
		Time:        head.Timestamp,
		BaseFee:     baseFee,
	}
	result := rpcHeader(header)
	result["hash"] = nil
	result["miner"] = nil
	result["nonce"] = nil
	result["size"] = hexutil.Uint64(ethtypes.NewBlockWithHeader(header).WithBody(view.Ready, nil).Size())
	result["totalDifficulty"] = nil
	result["uncles"] = []common.Hash{}
	txs := make([]interface{}, 0, len(view.Ready))
	for _, tx := range view.Ready {
		if fullTx {
			txs = append(txs, newRPCTransaction(tx, senders(tx), nil, 0))
		} else {
			txs = append(txs, tx.Hash())
		}
	}
	result["transactions"] = txs
	return result
}

func rpcReceipt(lookup *service.TxLookup) map[string]interface{} {
	receipt := lookup.Receipt
	fields := map[string]interface{}{
		"blockHash":         lookup.Block.EthHash,
		"blockNumber":       hexutil.Uint64(lookup.Block.EthNumber),
		"transactionHash":   lookup.Tx.Hash(),
		"transactionIndex":  hexutil.Uint64(lookup.Index),
		"from":              lookup.From,
		"to":                lookup.Tx.To(),
		"gasUsed":           hexutil.Uint64(receipt.GasUsed),
		"cumulativeGasUsed": hexutil.Uint64(receipt.CumulativeGasUsed),
		"contractAddress":   nil,
		"logs":              receipt.Logs,
		"logsBloom":         receipt.Bloom,
		"type":              hexutil.Uint(lookup.Tx.Type()),
		"effectiveGasPrice": (*hexutil.Big)(receipt.EffectiveGasPrice),
	}
	if len(receipt.PostState) > 0 {
		fields["root"] = hexutil.Bytes(receipt.PostState)
	} else {
		fields["status"] = hexutil.Uint(receipt.Status)
	}
	if receipt.Logs == nil {
		fields["logs"] = []*ethtypes.Log{}
	}
	if receipt.ContractAddress != (common.Address{}) {
		fields["contractAddress"] = receipt.ContractAddress
	}
	return fields
}

func blockReceipts(body *service.BlockBody) []map[string]interface{} {
	result := make([]map[string]interface{}, 0, len(body.Receipts))
	for i, receipt := range body.Receipts {
		result = append(result, rpcReceipt(&service.TxLookup{
			Tx:      body.Txs[i],
			From:    body.Senders[i],
			Block:   body.Record,
			Index:   uint64(i),
			Receipt: receipt,
		}))
	}
	return result
}
