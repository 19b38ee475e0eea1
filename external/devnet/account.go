package devnet

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is a dev key pair derived from a seed string.
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

func NewAccount(seed string) *Account {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed)))
	if err != nil {
		panic(err)
	}
	return &Account{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// TxArgs describes a dynamic fee transaction. A nil To creates a contract.
type TxArgs struct {
	Nonce     uint64
	To        *common.Address
	Value     *big.Int
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	Data      []byte
}

// SignTx signs a dynamic fee transaction for the chain. Unset fee fields
// default to a zero tip and a fee cap of twice the base fee.
func (c *Chain) SignTx(from *Account, args TxArgs) *ethtypes.Transaction {
	if args.Value == nil {
		args.Value = new(big.Int)
	}
	if args.GasTipCap == nil {
		args.GasTipCap = new(big.Int)
	}
	if args.GasFeeCap == nil {
		args.GasFeeCap = new(big.Int).Add(new(big.Int).Mul(c.cfg.BaseFee, big.NewInt(2)), args.GasTipCap)
	}
	if args.Gas == 0 {
		args.Gas = 1_000_000
	}
	tx, err := ethtypes.SignNewTx(from.Key, c.signer, &ethtypes.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     args.Nonce,
		GasTipCap: args.GasTipCap,
		GasFeeCap: args.GasFeeCap,
		Gas:       args.Gas,
		To:        args.To,
		Value:     args.Value,
		Data:      args.Data,
	})
	if err != nil {
		panic(err)
	}
	return tx
}
