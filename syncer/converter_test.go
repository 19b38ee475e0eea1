package syncer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/types"
)

func buildNativeBlock(t *testing.T, post func(hashes []common.Hash) []types.TxStatus) *external.NativeBlock {
	extrinsics := [][]byte{{0x01}, []byte("tx-a"), {0x02}, []byte("tx-b")}
	hashes := []common.Hash{crypto.Keccak256Hash(extrinsics[1]), crypto.Keccak256Hash(extrinsics[3])}
	digest, err := types.EncodeDigest(&types.Digest{
		Pre: types.PreCommitment{
			ParentEthHash: common.HexToHash("0x01"),
			EthNumber:     7,
			LogsBloom:     ethtypes.Bloom{}.Bytes(),
			GasLimit:      30_000_000,
			GasUsed:       42_000,
			Timestamp:     1_700_000_014,
			BaseFee:       big.NewInt(7),
		},
		Post: post(hashes),
	})
	require.NoError(t, err)
	return &external.NativeBlock{
		Ref:        types.NativeBlockRef{Hash: common.HexToHash("0xaa"), Number: 9},
		Extrinsics: extrinsics,
		Digest:     digest,
	}
}

func TestTranslate(t *testing.T) {
	block := buildNativeBlock(t, func(h []common.Hash) []types.TxStatus {
		// listed out of order on purpose
		return []types.TxStatus{
			{EthTxHash: h[1], EthTxIndex: 1, ExtrinsicIndex: 3, ExitStatus: types.ExitFailed},
			{EthTxHash: h[0], EthTxIndex: 0, ExtrinsicIndex: 1, ExitStatus: types.ExitSucceeded},
		}
	})

	record, txs, err := Translate(block, block.Digest)
	require.NoError(t, err)
	require.Equal(t, uint64(7), record.EthNumber)
	require.Equal(t, block.Ref.Hash, record.NativeHash)
	require.Equal(t, record.EthHash, record.Header().Hash())
	require.Equal(t, big.NewInt(7), record.BaseFee)
	require.Len(t, txs, 2)
	require.Equal(t, crypto.Keccak256Hash([]byte("tx-a")), txs[0].EthTxHash)
	require.Equal(t, uint32(1), txs[0].NativeExtrinsicIndex)
	require.Equal(t, uint32(3), txs[1].NativeExtrinsicIndex)
	require.Equal(t, []common.Hash{txs[0].EthTxHash, txs[1].EthTxHash}, record.TxHashes)
	for _, tx := range txs {
		require.Equal(t, record.EthHash, tx.EthBlockHash)
	}

	again, againTxs, err := Translate(block, block.Digest)
	require.NoError(t, err)
	require.Equal(t, record, again)
	require.Equal(t, txs, againTxs)
}

func TestTranslateMalformed(t *testing.T) {
	cases := map[string]func(h []common.Hash) []types.TxStatus{
		"gap in tx index": func(h []common.Hash) []types.TxStatus {
			return []types.TxStatus{{EthTxHash: h[0], EthTxIndex: 0, ExtrinsicIndex: 1}, {EthTxHash: h[1], EthTxIndex: 2, ExtrinsicIndex: 3}}
		},
		"extrinsic out of range": func(h []common.Hash) []types.TxStatus {
			return []types.TxStatus{{EthTxHash: h[0], EthTxIndex: 0, ExtrinsicIndex: 9}}
		},
		"hash mismatch": func(h []common.Hash) []types.TxStatus {
			return []types.TxStatus{{EthTxHash: h[1], EthTxIndex: 0, ExtrinsicIndex: 1}}
		},
		"duplicate tx": func(h []common.Hash) []types.TxStatus {
			return []types.TxStatus{{EthTxHash: h[0], EthTxIndex: 0, ExtrinsicIndex: 1}, {EthTxHash: h[0], EthTxIndex: 1, ExtrinsicIndex: 1}}
		},
	}
	for name, post := range cases {
		t.Run(name, func(t *testing.T) {
			block := buildNativeBlock(t, post)
			_, _, err := Translate(block, block.Digest)
			require.ErrorIs(t, err, ErrMalformedDigest)
		})
	}

	block := buildNativeBlock(t, func([]common.Hash) []types.TxStatus { return nil })
	_, _, err := Translate(block, []byte{0xde, 0xad})
	require.ErrorIs(t, err, ErrMalformedDigest)
	_, _, err = Translate(block, nil)
	require.ErrorIs(t, err, ErrMalformedDigest)
}
