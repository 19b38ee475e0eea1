package service

import (
	"context"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/pending"
)

// SendTransaction checks tx against the state after the indexed head and hands
// it to the host pool. The pending view is refreshed before returning so the
// transaction can be looked up right away.
func (c *ChainService) SendTransaction(ctx context.Context, view *pending.View, tx *ethtypes.Transaction) error {
	if tx.Protected() && tx.ChainId().Cmp(c.chainID) != 0 {
		return ErrInvalidChainID
	}
	from, err := ethtypes.Sender(c.signer, tx)
	if err != nil {
		return &Err{Code: CodeServer, Message: txpool.ErrInvalidSender.Error()}
	}
	head, err := c.Head(view)
	if err != nil {
		return err
	}

	gasLimit, err := c.engine.BlockGasLimit(ctx, head.NativeHash)
	if err != nil {
		return err
	}
	if tx.Gas() > gasLimit {
		return ErrGasLimitExceeded
	}
	intrinsic, err := core.IntrinsicGas(tx.Data(), tx.AccessList(), tx.To() == nil, true, true, true)
	if err != nil {
		return err
	}
	if tx.Gas() < intrinsic {
		return ErrIntrinsicGas
	}
	if tx.GasTipCapIntCmp(tx.GasFeeCap()) > 0 {
		return &Err{Code: CodeServer, Message: core.ErrTipAboveFeeCap.Error()}
	}
	baseFee, err := c.engine.BaseFee(ctx, head.NativeHash)
	if err != nil {
		return err
	}
	if tx.GasFeeCapIntCmp(baseFee) < 0 {
		return ErrFeeCapTooLow
	}
	nonce, err := c.engine.Nonce(ctx, head.NativeHash, from)
	if err != nil {
		return err
	}
	if tx.Nonce() < nonce {
		return ErrNonceTooLow
	}
	balance, err := c.engine.Balance(ctx, head.NativeHash, from)
	if err != nil {
		return err
	}
	if balance.Cmp(tx.Cost()) < 0 {
		return ErrInsufficientFunds
	}

	if err = c.pool.Submit(ctx, tx); err != nil {
		return err
	}
	logging.Logger.Debugf("submitted tx %s from %s nonce %d", tx.Hash().Hex(), from.Hex(), tx.Nonce())
	c.pending.Refresh()
	return nil
}
