package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// Exit statuses reported for each transaction in the post-block digest.
const (
	ExitFailed    uint8 = 0
	ExitSucceeded uint8 = 1
)

// PreCommitment is the header data the execution layer commits to before
// executing a block.
type PreCommitment struct {
	ParentEthHash    common.Hash
	EthNumber        uint64
	Miner            common.Address
	StateRoot        common.Hash
	TransactionsRoot common.Hash
	ReceiptsRoot     common.Hash
	LogsBloom        []byte
	GasLimit         uint64
	GasUsed          uint64
	Timestamp        uint64
	BaseFee          *big.Int
	ExtraData        []byte
}

// TxStatus is one entry of the post-block list.
type TxStatus struct {
	EthTxHash      common.Hash
	EthTxIndex     uint32
	ExtrinsicIndex uint32
	ExitStatus     uint8
}

// Digest is the per-block metadata attached by the execution layer.
type Digest struct {
	Pre  PreCommitment
	Post []TxStatus
}

// Header renders the commitment as an Ethereum header. Fields the host chain
// has no notion of (difficulty, nonce, mix digest, uncles) are left empty.
func (p *PreCommitment) Header() *ethtypes.Header {
	baseFee := p.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return &ethtypes.Header{
		ParentHash:  p.ParentEthHash,
		UncleHash:   ethtypes.EmptyUncleHash,
		Coinbase:    p.Miner,
		Root:        p.StateRoot,
		TxHash:      p.TransactionsRoot,
		ReceiptHash: p.ReceiptsRoot,
		Bloom:       ethtypes.BytesToBloom(p.LogsBloom),
		Difficulty:  new(big.Int),
		Number:      new(big.Int).SetUint64(p.EthNumber),
		GasLimit:    p.GasLimit,
		GasUsed:     p.GasUsed,
		Time:        p.Timestamp,
		Extra:       common.CopyBytes(p.ExtraData),
		BaseFee:     new(big.Int).Set(baseFee),
	}
}

// HeaderHash returns the Ethereum block hash committed to by pre.
func HeaderHash(pre *PreCommitment) common.Hash {
	return pre.Header().Hash()
}

func EncodeDigest(d *Digest) ([]byte, error) {
	return rlp.EncodeToBytes(d)
}

func DecodeDigest(data []byte) (*Digest, error) {
	if len(data) == 0 {
		return nil, errors.New("empty digest")
	}
	d := new(Digest)
	if err := rlp.DecodeBytes(data, d); err != nil {
		return nil, err
	}
	if len(d.Pre.LogsBloom) != ethtypes.BloomByteLength {
		return nil, fmt.Errorf("logs bloom has %d bytes", len(d.Pre.LogsBloom))
	}
	if d.Pre.BaseFee == nil {
		d.Pre.BaseFee = new(big.Int)
	}
	return d, nil
}
