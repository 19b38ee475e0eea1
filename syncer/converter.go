package syncer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/types"
)

var ErrMalformedDigest = errors.New("malformed ethereum digest")

// Translate converts a native block and the digest attached to it into the
// Ethereum block record and its transaction records. It has no side effects.
func Translate(block *external.NativeBlock, digest []byte) (*types.EthereumBlockRecord, []*types.EthereumTransactionRecord, error) {
	d, err := types.DecodeDigest(digest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: block %s: %s", ErrMalformedDigest, block.Ref, err.Error())
	}

	statuses := make([]types.TxStatus, len(d.Post))
	copy(statuses, d.Post)
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].EthTxIndex < statuses[j].EthTxIndex
	})

	ethHash := types.HeaderHash(&d.Pre)
	seen := make(map[common.Hash]struct{}, len(statuses))
	txHashes := make([]common.Hash, 0, len(statuses))
	txs := make([]*types.EthereumTransactionRecord, 0, len(statuses))
	for i, status := range statuses {
		if status.EthTxIndex != uint32(i) {
			return nil, nil, fmt.Errorf("%w: block %s: tx index %d at position %d", ErrMalformedDigest, block.Ref, status.EthTxIndex, i)
		}
		if int(status.ExtrinsicIndex) >= len(block.Extrinsics) {
			return nil, nil, fmt.Errorf("%w: block %s: extrinsic %d out of range", ErrMalformedDigest, block.Ref, status.ExtrinsicIndex)
		}
		if crypto.Keccak256Hash(block.Extrinsics[status.ExtrinsicIndex]) != status.EthTxHash {
			return nil, nil, fmt.Errorf("%w: block %s: extrinsic %d is not tx %s", ErrMalformedDigest, block.Ref, status.ExtrinsicIndex, status.EthTxHash.Hex())
		}
		if _, ok := seen[status.EthTxHash]; ok {
			return nil, nil, fmt.Errorf("%w: block %s: duplicate tx %s", ErrMalformedDigest, block.Ref, status.EthTxHash.Hex())
		}
		seen[status.EthTxHash] = struct{}{}

		txHashes = append(txHashes, status.EthTxHash)
		txs = append(txs, &types.EthereumTransactionRecord{
			EthTxHash:            status.EthTxHash,
			EthBlockHash:         ethHash,
			IndexInBlock:         status.EthTxIndex,
			NativeExtrinsicIndex: status.ExtrinsicIndex,
		})
	}

	pre := d.Pre
	header := pre.Header()
	record := &types.EthereumBlockRecord{
		EthHash:          ethHash,
		EthNumber:        pre.EthNumber,
		ParentEthHash:    pre.ParentEthHash,
		NativeHash:       block.Ref.Hash,
		TxHashes:         txHashes,
		Miner:            pre.Miner,
		StateRoot:        pre.StateRoot,
		TransactionsRoot: pre.TransactionsRoot,
		ReceiptsRoot:     pre.ReceiptsRoot,
		LogsBloom:        header.Bloom,
		GasLimit:         pre.GasLimit,
		GasUsed:          pre.GasUsed,
		Timestamp:        pre.Timestamp,
		BaseFee:          header.BaseFee,
		ExtraData:        header.Extra,
	}
	return record, txs, nil
}
